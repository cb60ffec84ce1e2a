package chat

import (
	"context"
	"testing"
	"time"

	"PPRealtime/protocol"
	"PPRealtime/service/storage"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSweepPingsThenReaps(t *testing.T) {
	reg := NewConnManager(ManagerConf{}, nil)
	hub := NewHub(HubDeps{NodeID: "n1", Registry: reg, Storage: storage.NewMemoryStore(), Fanout: NewFanout(1, 8, nil)})
	t.Cleanup(hub.fanout.Close)

	now := time.Now()
	quiet, qs := newTestConn("quiet", now, 4)
	chatty, cs := newTestConn("chatty", now, 4)
	require.True(t, quiet.authenticate("alice", now))
	require.True(t, chatty.authenticate("bob", now))
	_, _ = reg.Register("alice", quiet)
	_, _ = reg.Register("bob", chatty)

	hb := NewHeartbeatMonitor(hub, time.Second, clock.NewMock(), nil)

	assert.Equal(t, 0, hb.Sweep())
	assert.Equal(t, 1, qs.Pings())
	assert.Equal(t, 1, cs.Pings())
	assert.False(t, quiet.Alive())
	// mock clock 停在 1970，ping 的写超时仍按墙钟算
	assert.True(t, qs.PingDeadline().After(now))

	chatty.MarkAlive(now.Add(time.Second))

	assert.Equal(t, 1, hb.Sweep())
	assert.True(t, qs.IsClosed())
	assert.False(t, cs.IsClosed())
	assert.Equal(t, 2, cs.Pings())
	assert.False(t, reg.IsOnline("alice"))
	assert.True(t, reg.IsOnline("bob"))
}

func TestHeartbeatReapsSilentClient(t *testing.T) {
	e := newTestEnv(t, envOpts{})
	e.store.MakeFriends("alice", "bob")
	bob := e.login(t, "bob")

	// alice 认证后不再读，浏览器休眠/半开连接
	silent := e.dialRaw(t)
	b, _ := protocol.Encode(&protocol.Envelope{Type: protocol.TypeAuth, Token: "tok-alice"})
	require.NoError(t, silent.WriteMessage(websocket.TextMessage, b))
	require.Equal(t, protocol.TypeAuthSuccess, readRaw(t, silent).Type)
	bob.expect(protocol.TypePresence)

	bobConn := e.hub.Registry().Conns("bob")[0]

	assert.Equal(t, 0, e.hb.Sweep())
	// bob 的读协程自动回 pong
	require.Eventually(t, bobConn.Alive, time.Second, 10*time.Millisecond)

	assert.Equal(t, 1, e.hb.Sweep())
	assert.False(t, e.hub.IsOnline("alice"))
	assert.True(t, e.hub.IsOnline("bob"))

	off := bob.expect(protocol.TypePresence)
	assert.Equal(t, "alice", off.UserID)
	assert.Equal(t, protocol.StatusOffline, off.Status)
}

func TestHeartbeatRunOnClock(t *testing.T) {
	e := newTestEnv(t, envOpts{})
	silent := e.dialRaw(t)
	b, _ := protocol.Encode(&protocol.Envelope{Type: protocol.TypeAuth, Token: "tok-alice"})
	require.NoError(t, silent.WriteMessage(websocket.TextMessage, b))
	require.Equal(t, protocol.TypeAuthSuccess, readRaw(t, silent).Type)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.hb.Run(ctx)

	require.Eventually(t, func() bool {
		e.clk.Add(30 * time.Second)
		return !e.hub.IsOnline("alice")
	}, 2*time.Second, 20*time.Millisecond)
}

func TestAppPingMarksAlive(t *testing.T) {
	e := newTestEnv(t, envOpts{})
	a := e.login(t, "alice")
	conn := e.hub.Registry().Conns("alice")[0]
	conn.clearAlive()

	a.send(&protocol.Envelope{Type: protocol.TypePing, Timestamp: 7})
	assert.Equal(t, int64(7), a.expect(protocol.TypePong).Timestamp)
	assert.True(t, conn.Alive())
}
