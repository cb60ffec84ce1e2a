package client

import (
	"context"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"PPRealtime/tools/errs"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
)

// TokenProvider 返回当前 bearer token；空串表示未登录
type TokenProvider func(ctx context.Context) (string, error)

// Coordinator 多 tab 协调：只有 primary tab 持有连接
type Coordinator interface {
	IsPrimary() bool
	OnChange(fn func(primary bool)) (off func())
	Connected(ctx context.Context) error
	Disconnected(ctx context.Context) error
	// SetEligible 本 tab 是否想要连接（路由未排除）；不想要时让位给其他 tab
	SetEligible(ctx context.Context, eligible bool) error
}

type Options struct {
	URL            string
	Header         http.Header
	TokenProvider  TokenProvider
	ExcludedRoutes []string // 这些路由（及其子路径）下不建连，例如 /login
	Coordinator    Coordinator

	Backoff          Backoff
	PingInterval     time.Duration // 默认 25s
	PongTimeout      time.Duration // 默认 5s
	AckTimeout       time.Duration // 默认 10s
	HandshakeTimeout time.Duration // 拨号 + auth，默认 10s
	WriteWait        time.Duration // 默认 10s

	QueueCap   int        // 默认 500
	QueueStore QueueStore // 默认不落盘

	Dialer *websocket.Dialer
	Clock  clock.Clock
	Rand   func() float64 // 抖动随机源，测试可固定
}

func (o *Options) norm() error {
	if o.URL == "" {
		return errs.ErrBadRequest.WrapMsg("client url required")
	}
	if o.TokenProvider == nil {
		return errs.ErrBadRequest.WrapMsg("token provider required")
	}
	o.Backoff.norm()
	if o.PingInterval <= 0 {
		o.PingInterval = 25 * time.Second
	}
	if o.PongTimeout <= 0 {
		o.PongTimeout = 5 * time.Second
	}
	if o.AckTimeout <= 0 {
		o.AckTimeout = 10 * time.Second
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
	if o.QueueCap <= 0 {
		o.QueueCap = 500
	}
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.Rand == nil {
		o.Rand = rand.Float64
	}
	return nil
}

func (o *Options) excluded(route string) bool {
	for _, r := range o.ExcludedRoutes {
		r = strings.TrimRight(r, "/")
		if r == "" {
			continue
		}
		if route == r || strings.HasPrefix(route, r+"/") {
			return true
		}
	}
	return false
}

// StaticToken 固定 token
func StaticToken(token string) TokenProvider {
	return func(context.Context) (string, error) { return token, nil }
}
