package natsx

import (
	"context"
	"strings"
	"time"

	"PPRealtime/logger"
	"PPRealtime/tools/errs"

	"github.com/avast/retry-go"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Config 网关节点间中继用的 NATS 连接
type Config struct {
	Servers        []string      `yaml:"servers"`
	Name           string        `yaml:"name"`
	User           string        `yaml:"user"`
	Password       string        `yaml:"password"`
	ReconnectWait  time.Duration `yaml:"reconnectWait"`
	Timeout        time.Duration `yaml:"timeout"`
	ConnectRetries uint          `yaml:"connectRetries"`
}

func (c *Config) norm() {
	if c.ReconnectWait == 0 {
		c.ReconnectWait = 500 * time.Millisecond
	}
	if c.Timeout == 0 {
		c.Timeout = 3 * time.Second
	}
	if c.ConnectRetries == 0 {
		c.ConnectRetries = 5
	}
}

// dial 启动期连不上按退避重试；连上之后断线交给 nats 自己重连
func dial(ctx context.Context, cfg Config) (*nats.Conn, error) {
	if len(cfg.Servers) == 0 {
		return nil, errs.ErrBadRequest.WrapMsg("nats servers missing")
	}
	cfg.norm()
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(cfg.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("[NATS] disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("[NATS] reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}
	if cfg.User != "" {
		opts = append(opts, nats.UserInfo(cfg.User, cfg.Password))
	}

	var nc *nats.Conn
	err := retry.Do(
		func() error {
			c, err := nats.Connect(strings.Join(cfg.Servers, ","), opts...)
			if err != nil {
				return err
			}
			nc = c
			return nil
		},
		retry.Attempts(cfg.ConnectRetries),
		retry.Delay(cfg.ReconnectWait),
		retry.DelayType(retry.BackOffDelay),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			logger.Warn("[NATS] connect retry", zap.Uint("attempt", n+1), zap.Error(err))
		}),
	)
	if err != nil {
		return nil, errs.WrapMsg(err, "nats connect", "servers", cfg.Servers)
	}
	return nc, nil
}
