package chat

import (
	"context"
	"sync"

	"PPRealtime/logger"
	"PPRealtime/protocol"
	"PPRealtime/tools/errs"

	"go.uber.org/zap"
)

// Handler 处理一种已认证连接上的信封类型
type Handler interface {
	Type() protocol.Type
	Handle(ctx context.Context, c *Conn, env *protocol.Envelope) error
}

type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[protocol.Type]Handler
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[protocol.Type]Handler)}
}

func (d *Dispatcher) Register(hs ...Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, h := range hs {
		d.handlers[h.Type()] = h
	}
}

func (d *Dispatcher) GetHandler(t protocol.Type) Handler {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.handlers[t]
}

// Dispatch 没有 handler 的类型直接忽略（向前兼容）
func (d *Dispatcher) Dispatch(ctx context.Context, c *Conn, env *protocol.Envelope) error {
	h := d.GetHandler(env.Type)
	if h == nil {
		logger.Debug("[Dispatcher] ignore type", zap.String("type", string(env.Type)), zap.String("conn", c.ID))
		return nil
	}
	return h.Handle(ctx, c, env)
}

// replyError handler 失败时回给发送方的 error 帧
func replyError(c *Conn, env *protocol.Envelope, err error) {
	code := errs.Code(err)
	msg := code.Msg
	if msg == "" {
		msg = err.Error()
	}
	logger.Debug("[Dispatcher] handler error",
		zap.String("type", string(env.Type)), zap.String("conn", c.ID), zap.Error(err))
	c.SendEnvelope(protocol.Error(errs.Slug(err), msg, env.ID))
}
