package security

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"PPRealtime/tools/errs"

	"github.com/gin-gonic/gin"
)

// ===== context key =====
const (
	PPCtxAuthKey = "authorization" // string，原始 token
	PPCtxUserKey = "userId"        // string，校验通过后的主体
)

// VerifyFunc token -> 主体 id
type VerifyFunc func(ctx context.Context, token string) (string, error)

type Options struct {
	// 读取哪个请求头
	HeaderToken               string // 默认 "authorization"
	EnableAuthorizationBearer bool   // 默认 true
	Verify                    VerifyFunc
}

func DefaultOptions(verify VerifyFunc) *Options {
	return &Options{
		HeaderToken:               PPCtxAuthKey,
		EnableAuthorizationBearer: true,
		Verify:                    verify,
	}
}

// StaticToken 服务间调用用的共享密钥
func StaticToken(secret, subject string) VerifyFunc {
	return func(_ context.Context, token string) (string, error) {
		if secret == "" || subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
			return "", errs.ErrTokenInvalid.Wrap()
		}
		return subject, nil
	}
}

// extract 先读自定义头，再兼容 Authorization: Bearer xxx
func extract(c *gin.Context, opts *Options) string {
	token := strings.TrimSpace(c.GetHeader(opts.HeaderToken))
	if opts.EnableAuthorizationBearer {
		if authz := strings.TrimSpace(c.GetHeader("Authorization")); authz != "" {
			if strings.HasPrefix(strings.ToLower(authz), "bearer ") {
				token = strings.TrimSpace(authz[len("bearer "):])
			}
		}
	}
	return token
}

func Middleware(opts *Options) gin.HandlerFunc {
	if opts == nil || opts.Verify == nil {
		panic("security: Verify is required")
	}
	return func(c *gin.Context) {
		token := extract(c, opts)
		if token == "" {
			abort(c, errs.ErrTokenMissing.Wrap())
			return
		}
		sub, err := opts.Verify(c.Request.Context(), token)
		if err != nil {
			abort(c, err)
			return
		}
		c.Set(PPCtxAuthKey, token)
		c.Set(PPCtxUserKey, sub)
		c.Next()
	}
}

func abort(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": errs.Slug(err), "message": errs.Code(err).Msg})
}
