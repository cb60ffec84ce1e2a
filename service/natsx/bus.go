package natsx

import (
	"context"
	"sync"

	"PPRealtime/logger"
	"PPRealtime/tools/errs"
	"PPRealtime/tools/ids"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Route biz 到 subject 的映射；广播给所有网关节点时 Queue 留空
type Route struct {
	Biz     string
	Subject string
	Queue   string
}

type Message struct {
	Subject string
	Data    []byte
	Header  map[string]string
}

type Handler func(ctx context.Context, msg Message) error

// Middleware 包一层 Handler（去重、日志）
type Middleware func(Handler) Handler

// Chain mws[0] 在最外层
func Chain(h Handler, mws ...Middleware) Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// Manager 持有连接、路由表和订阅
type Manager struct {
	nc  *nats.Conn
	mws []Middleware

	mu     sync.RWMutex
	routes map[string]Route
	subs   map[string]*nats.Subscription
}

var _ Bus = (*Manager)(nil)

func NewManager(ctx context.Context, cfg Config, mws ...Middleware) (*Manager, error) {
	nc, err := dial(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &Manager{
		nc:     nc,
		mws:    mws,
		routes: make(map[string]Route),
		subs:   make(map[string]*nats.Subscription),
	}, nil
}

func (m *Manager) RegisterRoute(r Route) error {
	if r.Biz == "" || r.Subject == "" {
		return errs.ErrBadRequest.WrapMsg("invalid route", "biz", r.Biz, "subject", r.Subject)
	}
	m.mu.Lock()
	m.routes[r.Biz] = r
	m.mu.Unlock()
	return nil
}

func (m *Manager) route(biz string) (Route, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.routes[biz]
	if !ok {
		return r, errs.ErrNotFound.WrapMsg("route not found", "biz", biz)
	}
	return r, nil
}

// PublishOnce 带 Nats-Msg-Id 发送；msgID 为空时生成雪花 id
func (m *Manager) PublishOnce(ctx context.Context, biz string, data []byte, hdr map[string]string, msgID string) error {
	r, err := m.route(biz)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if msgID == "" {
		msgID = ids.GenerateString()
	}
	msg := nats.NewMsg(r.Subject)
	msg.Data = data
	for k, v := range hdr {
		msg.Header.Set(k, v)
	}
	msg.Header.Set(nats.MsgIdHdr, msgID)
	if err := m.nc.PublishMsg(msg); err != nil {
		return errs.WrapMsg(err, "nats publish", "subject", r.Subject)
	}
	return nil
}

// Subscribe Core 订阅；回调里的错误只记日志
func (m *Manager) Subscribe(biz string, h Handler) error {
	r, err := m.route(biz)
	if err != nil {
		return err
	}
	h = Chain(h, m.mws...)

	cb := func(nm *nats.Msg) {
		msg := Message{
			Subject: nm.Subject,
			Data:    append([]byte(nil), nm.Data...),
			Header:  firstValues(nm.Header),
		}
		if err := h(context.Background(), msg); err != nil {
			logger.Warn("[NATS] handle failed", zap.String("subject", nm.Subject), zap.Error(err))
		}
	}

	var sub *nats.Subscription
	if r.Queue == "" {
		sub, err = m.nc.Subscribe(r.Subject, cb)
	} else {
		sub, err = m.nc.QueueSubscribe(r.Subject, r.Queue, cb)
	}
	if err != nil {
		return errs.WrapMsg(err, "nats subscribe", "subject", r.Subject)
	}
	_ = sub.SetPendingLimits(1_000_000, 64*1024*1024)

	m.mu.Lock()
	m.subs[biz] = sub
	m.mu.Unlock()
	return nil
}

// Close 先 drain 订阅再 drain 连接
func (m *Manager) Close() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for biz, sub := range m.subs {
		_ = sub.Drain()
		delete(m.subs, biz)
	}
	return m.nc.Drain()
}

func firstValues(h nats.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}
