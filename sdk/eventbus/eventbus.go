package eventbus

import (
	"sync"

	"PPRealtime/logger"
	"PPRealtime/protocol"
	"PPRealtime/tools/errs"

	"go.uber.org/zap"
)

// Kind 事件类型：信封类型 + 客户端生命周期事件
type Kind string

// 生命周期事件（不会出现在线上）
const (
	StateChanged       Kind = "state_changed"
	AuthFailure        Kind = "auth_failure"
	ReconnectExhausted Kind = "reconnect_exhausted"
	AckTimeout         Kind = "ack_timeout"
	PrimaryChanged     Kind = "primary_changed"
	CallStateChanged   Kind = "call_state_changed"
	CallFailed         Kind = "call_failed"
)

var lifecycle = []Kind{StateChanged, AuthFailure, ReconnectExhausted, AckTimeout, PrimaryChanged, CallStateChanged, CallFailed}

// ForType 信封类型对应的事件
func ForType(t protocol.Type) Kind { return Kind(t) }

// Kinds 全部合法事件
func Kinds() []Kind {
	out := make([]Kind, 0, len(lifecycle)+len(protocol.Types()))
	for _, t := range protocol.Types() {
		out = append(out, ForType(t))
	}
	return append(out, lifecycle...)
}

var valid = func() map[Kind]struct{} {
	m := make(map[Kind]struct{})
	for _, k := range Kinds() {
		m[k] = struct{}{}
	}
	return m
}()

func (k Kind) Valid() bool {
	_, ok := valid[k]
	return ok
}

// Event 总线上的一条事件；Envelope 只在信封类事件上有值
type Event struct {
	Kind     Kind
	Envelope *protocol.Envelope
	Data     any
	Err      error
}

type Handler func(Event)

type entry struct {
	id uint64
	fn Handler
}

// Bus 同步分发，按注册顺序调用
type Bus struct {
	mu       sync.RWMutex
	seq      uint64
	handlers map[Kind][]entry
}

func New() *Bus {
	return &Bus{handlers: make(map[Kind][]entry)}
}

// On 订阅；返回的 off 可重复调用
func (b *Bus) On(kind Kind, h Handler) (off func()) {
	if !kind.Valid() {
		// 拼错的事件名在注册时就暴露
		panic("eventbus: unknown kind " + string(kind))
	}
	b.mu.Lock()
	b.seq++
	id := b.seq
	b.handlers[kind] = append(b.handlers[kind], entry{id: id, fn: h})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(kind, id) })
	}
}

func (b *Bus) remove(kind Kind, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	hs := b.handlers[kind]
	for i, e := range hs {
		if e.id == id {
			b.handlers[kind] = append(hs[:i:i], hs[i+1:]...)
			return
		}
	}
}

// Emit 同步调用所有订阅者；单个 handler panic 不影响其他 handler
func (b *Bus) Emit(ev Event) {
	b.mu.RLock()
	hs := append([]entry(nil), b.handlers[ev.Kind]...)
	b.mu.RUnlock()
	for _, e := range hs {
		b.call(ev, e.fn)
	}
}

func (b *Bus) call(ev Event, h Handler) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("[EventBus] handler panic", zap.String("kind", string(ev.Kind)), zap.Error(errs.ErrPanic(r)), zap.Stack("stack"))
		}
	}()
	h(ev)
}

// Count 某事件当前订阅数
func (b *Bus) Count(kind Kind) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[kind])
}
