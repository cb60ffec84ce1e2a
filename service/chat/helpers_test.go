package chat

import (
	"context"
	"errors"
	"net"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"PPRealtime/protocol"
	"PPRealtime/service/storage"
	"PPRealtime/tools/errs"

	"github.com/benbjohnson/clock"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

const waitFrame = 2 * time.Second

// fakeAuth token 形如 tok-<user>；expired / bad 模拟失败
type fakeAuth struct{}

func (fakeAuth) Verify(_ context.Context, token string) (string, error) {
	switch {
	case token == "expired":
		return "", errs.ErrTokenExpired.Wrap()
	case strings.HasPrefix(token, "tok-"):
		return strings.TrimPrefix(token, "tok-"), nil
	case token == "boom":
		return "", errors.New("verifier exploded")
	default:
		return "", errs.ErrTokenInvalid.Wrap()
	}
}

type fakeSink struct {
	mu     sync.Mutex
	events []MessageCreated
}

func (s *fakeSink) PublishMessageCreated(_ context.Context, ev MessageCreated) error {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
	return nil
}

func (s *fakeSink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

type testEnv struct {
	srv    *httptest.Server
	url    string
	hub    *Hub
	store  *storage.MemoryStore
	server *Server
	hb     *HeartbeatMonitor
	clk    *clock.Mock
	sink   *fakeSink
}

type envOpts struct {
	manager     ManagerConf
	authTimeout time.Duration
}

func newTestEnv(t *testing.T, o envOpts) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	store := storage.NewMemoryStore()
	fanout := NewFanout(2, 64, metrics)
	hub := NewHub(HubDeps{
		NodeID:   "node-test",
		Registry: NewConnManager(o.manager, metrics),
		Storage:  store,
		Fanout:   fanout,
		Metrics:  metrics,
	})
	sink := &fakeSink{}
	router, err := NewRouter(RouterDeps{Hub: hub, Storage: store, Sink: sink, DedupSize: 16, Metrics: metrics})
	require.NoError(t, err)
	disp := NewDispatcher()
	disp.Register(router.Handlers()...)

	server := NewServer(ServerConf{AuthTimeout: o.authTimeout}, hub, NewAuthGate(fakeAuth{}, hub, metrics), disp, nil, metrics)
	engine := gin.New()
	server.RegisterRoutes(engine, RouteOptions{Gatherer: reg})
	srv := httptest.NewServer(engine)

	clk := clock.NewMock()
	te := &testEnv{
		srv:    srv,
		url:    "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
		hub:    hub,
		store:  store,
		server: server,
		hb:     NewHeartbeatMonitor(hub, 30*time.Second, clk, metrics),
		clk:    clk,
		sink:   sink,
	}
	t.Cleanup(func() {
		srv.CloseClientConnections()
		srv.Close()
		fanout.Close()
	})
	return te
}

// testClient 后台读协程把帧放进 frames；读协程同时负责回 pong
type testClient struct {
	t      *testing.T
	ws     *websocket.Conn
	frames chan *protocol.Envelope
	closed chan error
}

func (e *testEnv) dialRaw(t *testing.T) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(e.url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func (e *testEnv) dial(t *testing.T) *testClient {
	t.Helper()
	c := &testClient{
		t:      t,
		ws:     e.dialRaw(t),
		frames: make(chan *protocol.Envelope, 64),
		closed: make(chan error, 1),
	}
	go func() {
		for {
			_, data, err := c.ws.ReadMessage()
			if err != nil {
				c.closed <- err
				return
			}
			env, derr := protocol.Decode(data)
			if derr == nil {
				c.frames <- env
			}
		}
	}()
	return c
}

// login 建连并完成认证
func (e *testEnv) login(t *testing.T, user string) *testClient {
	t.Helper()
	c := e.dial(t)
	c.send(&protocol.Envelope{Type: protocol.TypeAuth, Token: "tok-" + user})
	got := c.expect(protocol.TypeAuthSuccess)
	require.Equal(t, user, got.UserID)
	return c
}

func (c *testClient) send(env *protocol.Envelope) {
	c.t.Helper()
	b, err := protocol.Encode(env)
	require.NoError(c.t, err)
	require.NoError(c.t, c.ws.WriteMessage(websocket.TextMessage, b))
}

func (c *testClient) sendRaw(s string) {
	c.t.Helper()
	require.NoError(c.t, c.ws.WriteMessage(websocket.TextMessage, []byte(s)))
}

// expect 等待指定类型，跳过中途的 presence 等其他帧
func (c *testClient) expect(tp protocol.Type) *protocol.Envelope {
	c.t.Helper()
	deadline := time.After(waitFrame)
	for {
		select {
		case env := <-c.frames:
			if env.Type == tp {
				return env
			}
		case err := <-c.closed:
			c.t.Fatalf("connection closed while waiting for %s: %v", tp, err)
		case <-deadline:
			c.t.Fatalf("timeout waiting for %s", tp)
		}
	}
}

// expectNone 一段时间内没有指定类型的帧
func (c *testClient) expectNone(tp protocol.Type, d time.Duration) {
	c.t.Helper()
	deadline := time.After(d)
	for {
		select {
		case env := <-c.frames:
			if env.Type == tp {
				c.t.Fatalf("unexpected %s frame: %+v", tp, env)
			}
		case <-deadline:
			return
		}
	}
}

// expectClose 返回对端 close code
func (c *testClient) expectClose() int {
	c.t.Helper()
	select {
	case err := <-c.closed:
		var ce *websocket.CloseError
		if errors.As(err, &ce) {
			return ce.Code
		}
		return -1
	case <-time.After(waitFrame):
		c.t.Fatal("timeout waiting for close")
		return 0
	}
}

// readRaw 不起读协程的连接上读一帧
func readRaw(t *testing.T, ws *websocket.Conn) *protocol.Envelope {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(waitFrame)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	env, err := protocol.Decode(data)
	require.NoError(t, err)
	return env
}

// ===== 单测用的假 socket =====

type fakeSocket struct {
	mu      sync.Mutex
	written [][]byte
	pings   int
	pingDL  time.Time
	closed  bool
}

func (s *fakeSocket) WriteMessage(_ int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return net.ErrClosed
	}
	s.written = append(s.written, data)
	return nil
}

func (s *fakeSocket) WriteControl(mt int, _ []byte, deadline time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return net.ErrClosed
	}
	if mt == websocket.PingMessage {
		s.pings++
		s.pingDL = deadline
	}
	return nil
}

func (s *fakeSocket) SetWriteDeadline(time.Time) error { return nil }

func (s *fakeSocket) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *fakeSocket) UnderlyingConn() net.Conn { return nil }

func (s *fakeSocket) Pings() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pings
}

func (s *fakeSocket) PingDeadline() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pingDL
}

func (s *fakeSocket) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func newTestConn(id string, created time.Time, queue int) (*Conn, *fakeSocket) {
	s := &fakeSocket{}
	return newConn(id, s, "test", created, ConnOptions{SendQueue: queue}), s
}
