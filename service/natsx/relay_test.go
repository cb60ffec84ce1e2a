package natsx

import (
	"context"
	"sync"
	"testing"
	"time"

	"PPRealtime/protocol"
	"PPRealtime/service/chat"
	"PPRealtime/service/storage"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memBus 进程内广播，行为同无队列组的 Core 订阅
type memBus struct {
	mu     sync.Mutex
	routes map[string]Route
	subs   map[string][]Handler
	mws    []Middleware
}

func newMemBus(mws ...Middleware) *memBus {
	return &memBus{routes: map[string]Route{}, subs: map[string][]Handler{}, mws: mws}
}

func (b *memBus) RegisterRoute(r Route) error {
	b.mu.Lock()
	b.routes[r.Biz] = r
	b.mu.Unlock()
	return nil
}

func (b *memBus) PublishOnce(ctx context.Context, biz string, data []byte, hdr map[string]string, msgID string) error {
	b.mu.Lock()
	r := b.routes[biz]
	hs := append([]Handler(nil), b.subs[r.Subject]...)
	b.mu.Unlock()
	h := map[string]string{nats.MsgIdHdr: msgID}
	for k, v := range hdr {
		h[k] = v
	}
	for _, fn := range hs {
		_ = fn(ctx, Message{Subject: r.Subject, Data: data, Header: h})
	}
	return nil
}

func (b *memBus) Subscribe(biz string, h Handler) error {
	b.mu.Lock()
	r := b.routes[biz]
	b.subs[r.Subject] = append(b.subs[r.Subject], Chain(h, b.mws...))
	b.mu.Unlock()
	return nil
}

// countingRegistry 只记录投递
type countingRegistry struct {
	chat.ConnectionRegistry
	mu   sync.Mutex
	sent map[string][]*protocol.Envelope
}

func newCountingRegistry() *countingRegistry {
	return &countingRegistry{
		ConnectionRegistry: chat.NewConnManager(chat.ManagerConf{}, nil),
		sent:               map[string][]*protocol.Envelope{},
	}
}

func (r *countingRegistry) Send(userID string, env *protocol.Envelope) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent[userID] = append(r.sent[userID], env)
	return 1
}

func (r *countingRegistry) count(userID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent[userID])
}

func newNode(t *testing.T, bus Bus, id string) (*chat.Hub, *countingRegistry) {
	t.Helper()
	relay, err := NewRelay(bus, id)
	require.NoError(t, err)
	reg := newCountingRegistry()
	fanout := chat.NewFanout(1, 16, nil)
	t.Cleanup(fanout.Close)
	hub := chat.NewHub(chat.HubDeps{
		NodeID:   id,
		Registry: reg,
		Storage:  storage.NewMemoryStore(),
		Relay:    relay,
		Fanout:   fanout,
	})
	require.NoError(t, relay.Start(hub))
	return hub, reg
}

func TestRelayCrossNode(t *testing.T) {
	bus := newMemBus(IdemMiddleware(NewMemIdem(16, time.Minute)))
	h1, reg1 := newNode(t, bus, "n1")
	_, reg2 := newNode(t, bus, "n2")

	env := &protocol.Envelope{Type: protocol.TypeTyping, ChatID: "c1", SenderID: "alice"}
	h1.SendMany([]string{"bob"}, env)

	require.Eventually(t, func() bool { return reg2.count("bob") == 1 }, time.Second, 10*time.Millisecond)
	// n1 本地投递一次，自己的中继帧被忽略
	assert.Equal(t, 1, reg1.count("bob"))
}

func TestIdemMiddlewareDropsDuplicates(t *testing.T) {
	calls := 0
	h := Chain(func(context.Context, Message) error {
		calls++
		return nil
	}, IdemMiddleware(NewMemIdem(4, time.Minute)))

	msg := Message{Subject: "s", Header: map[string]string{nats.MsgIdHdr: "m1"}}
	require.NoError(t, h(context.Background(), msg))
	require.NoError(t, h(context.Background(), msg))
	require.NoError(t, h(context.Background(), Message{Subject: "s"}))
	assert.Equal(t, 2, calls)
}
