package client

import (
	"context"
	"sync"
	"time"

	"PPRealtime/protocol"
	"PPRealtime/tools/errs"

	"github.com/benbjohnson/clock"
)

var (
	ErrAckTimeout = errs.New("ack timeout")
	ErrClosed     = errs.New("client closed")
	ErrDropped    = errs.New("dropped from outgoing queue")

	ErrReconnectExhausted = errs.New("reconnect attempts exhausted")
	ErrAuthFailed         = errs.New("authentication failed, re-login required")
)

// ServerError 服务端对某个信封回的 error 帧
type ServerError struct {
	Code    string
	Message string
}

func (e *ServerError) Error() string { return "server error " + e.Code + ": " + e.Message }

// Pending 一个等待 ack 的信封
type Pending struct {
	ID string

	once      sync.Once
	done      chan struct{}
	messageID string
	err       error
	timer     *clock.Timer
}

func newPending(id string) *Pending {
	return &Pending{ID: id, done: make(chan struct{})}
}

func (p *Pending) finish(messageID string, err error) {
	p.once.Do(func() {
		p.messageID, p.err = messageID, err
		close(p.done)
	})
}

// Done 结束后关闭
func (p *Pending) Done() <-chan struct{} { return p.done }

// Wait 返回服务端 message id；超时返回 ErrAckTimeout
func (p *Pending) Wait(ctx context.Context) (string, error) {
	select {
	case <-p.done:
		return p.messageID, p.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// PendingAcks 信封 id -> 等待中的 ack
type PendingAcks struct {
	mu        sync.Mutex
	clk       clock.Clock
	m         map[string]*Pending
	onTimeout func(id string)
}

func NewPendingAcks(clk clock.Clock, onTimeout func(id string)) *PendingAcks {
	if clk == nil {
		clk = clock.New()
	}
	return &PendingAcks{clk: clk, m: make(map[string]*Pending), onTimeout: onTimeout}
}

// Track 登记；timeout<=0 时先不计时（排队中的信封发出后再 Arm）
func (a *PendingAcks) Track(id string, timeout time.Duration) *Pending {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.m[id]
	if !ok {
		p = newPending(id)
		a.m[id] = p
	}
	if timeout > 0 {
		a.armLocked(p, timeout)
	}
	return p
}

// Arm 重新计时；不存在则新建
func (a *PendingAcks) Arm(id string, timeout time.Duration) *Pending {
	return a.Track(id, timeout)
}

func (a *PendingAcks) armLocked(p *Pending, timeout time.Duration) {
	if p.timer != nil {
		p.timer.Stop()
	}
	p.timer = a.clk.AfterFunc(timeout, func() {
		if a.take(p.ID, p) {
			p.finish("", ErrAckTimeout)
			if a.onTimeout != nil {
				a.onTimeout(p.ID)
			}
		}
	})
}

// take 只有仍是同一个 Pending 时才移除
func (a *PendingAcks) take(id string, want *Pending) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.m[id]
	if !ok || (want != nil && p != want) {
		return false
	}
	delete(a.m, id)
	if p.timer != nil {
		p.timer.Stop()
	}
	return true
}

func (a *PendingAcks) get(id string) *Pending {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.m[id]
}

// Resolve 按 replyTo 匹配 ack
func (a *PendingAcks) Resolve(ack *protocol.Envelope) bool {
	if ack == nil || ack.ReplyTo == "" {
		return false
	}
	p := a.get(ack.ReplyTo)
	if p == nil || !a.take(ack.ReplyTo, p) {
		return false
	}
	p.finish(ack.MessageID, nil)
	return true
}

// Reject 以错误结束
func (a *PendingAcks) Reject(id string, err error) bool {
	p := a.get(id)
	if p == nil || !a.take(id, p) {
		return false
	}
	p.finish("", err)
	return true
}

// Forget 调用方放弃等待
func (a *PendingAcks) Forget(id string) { a.take(id, nil) }

// FailAll 关闭时结束全部
func (a *PendingAcks) FailAll(err error) {
	a.mu.Lock()
	all := a.m
	a.m = make(map[string]*Pending)
	a.mu.Unlock()
	for _, p := range all {
		if p.timer != nil {
			p.timer.Stop()
		}
		p.finish("", err)
	}
}

func (a *PendingAcks) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.m)
}
