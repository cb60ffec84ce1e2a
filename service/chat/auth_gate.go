package chat

import (
	"context"
	"time"

	"PPRealtime/logger"
	"PPRealtime/protocol"
	"PPRealtime/tools/errs"
	"PPRealtime/tools/security"

	"go.uber.org/zap"
)

// Authenticator token -> userID；错误需带 errs 的 token 类错误码
type Authenticator interface {
	Verify(ctx context.Context, token string) (userID string, err error)
}

// AuthGate 首帧必须是 auth
type AuthGate struct {
	auth    Authenticator
	hub     *Hub
	metrics *Metrics
	now     func() time.Time
}

func NewAuthGate(auth Authenticator, hub *Hub, metrics *Metrics) *AuthGate {
	return &AuthGate{auth: auth, hub: hub, metrics: metrics, now: time.Now}
}

// Admit 处理未认证连接上的首帧；返回 error 时连接已被关闭
func (g *AuthGate) Admit(ctx context.Context, c *Conn, env *protocol.Envelope) error {
	if env == nil || env.Type != protocol.TypeAuth {
		got := "malformed"
		if env != nil {
			got = string(env.Type)
		}
		return g.refuse(c, errs.ErrTokenMissing.WrapMsg("first frame must be auth", "got", got), "authentication required")
	}
	if env.Token == "" {
		return g.refuse(c, errs.ErrTokenMissing.Wrap(), "token missing")
	}

	userID, err := g.auth.Verify(ctx, env.Token)
	if err != nil {
		// 只记 token 摘要
		logger.Debug("[AuthGate] verify failed", zap.String("conn", c.ID), zap.String("token", security.HashToken(env.Token)))
		if errs.CloseCode(err) == 0 {
			err = errs.ErrTokenInvalid.WrapMsg(err.Error())
		}
		msg := "token invalid"
		if errs.Code(err).Code == errs.TokenExpiredError {
			msg = "token expired"
		}
		return g.refuse(c, err, msg)
	}

	if !c.authenticate(userID, g.now()) {
		// 已认证连接上的重复 auth：no-op
		return nil
	}
	if err := g.hub.Register(userID, c); err != nil {
		c.state.Store(int32(StateRejected))
		g.metrics.authResult("conn_limit")
		c.SendEnvelope(protocol.AuthError("too many connections"))
		c.CloseWith(protocol.CloseReplaced, "connection limit")
		return err
	}
	g.metrics.authResult("ok")
	c.SendEnvelope(protocol.AuthSuccess(userID))
	logger.Info("[AuthGate] authenticated", zap.String("conn", c.ID), zap.String("user", userID))
	return nil
}

// Timeout 认证窗口内没有收到 auth
func (g *AuthGate) Timeout(c *Conn) {
	_ = g.refuse(c, errs.ErrTokenMissing.WrapMsg("auth timeout"), "auth timeout")
}

func (g *AuthGate) refuse(c *Conn, err error, msg string) error {
	if !c.reject() {
		return err
	}
	code := errs.CloseCode(err)
	g.metrics.authResult(errs.Slug(err) + "_" + closeLabel(code))
	logger.Info("[AuthGate] reject", zap.String("conn", c.ID), zap.Int("code", code), zap.Error(err))
	c.SendEnvelope(protocol.AuthError(msg))
	c.CloseWith(code, msg)
	return err
}

func closeLabel(code int) string {
	switch code {
	case protocol.CloseTokenMissing:
		return "missing"
	case protocol.CloseTokenExpired:
		return "expired"
	default:
		return "invalid"
	}
}
