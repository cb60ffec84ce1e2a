package chat

import (
	"testing"
	"time"

	"PPRealtime/protocol"
	"PPRealtime/tools/errs"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryTransitions(t *testing.T) {
	m := NewConnManager(ManagerConf{}, nil)
	now := time.Now()
	c1, _ := newTestConn("c1", now, 4)
	c2, _ := newTestConn("c2", now, 4)

	first, err := m.Register("alice", c1)
	require.NoError(t, err)
	assert.True(t, first)

	first, err = m.Register("alice", c2)
	require.NoError(t, err)
	assert.False(t, first)

	// 重复登记同一连接不改变集合
	first, err = m.Register("alice", c2)
	require.NoError(t, err)
	assert.False(t, first)
	assert.Equal(t, 2, m.Len())
	assert.True(t, m.IsOnline("alice"))

	assert.False(t, m.Unregister("alice", c1))
	assert.True(t, m.IsOnline("alice"))
	assert.True(t, m.Unregister("alice", c2))
	assert.False(t, m.IsOnline("alice"))
	assert.Empty(t, m.Users())

	// 未知连接
	assert.False(t, m.Unregister("alice", c2))
	assert.False(t, m.Unregister("bob", c1))
}

func TestRegistryRejectsEmpty(t *testing.T) {
	m := NewConnManager(ManagerConf{}, nil)
	c, _ := newTestConn("c1", time.Now(), 1)
	_, err := m.Register("", c)
	assert.True(t, errs.ErrBadRequest.Is(err))
}

func TestRegistrySendSkipsFullBuffers(t *testing.T) {
	m := NewConnManager(ManagerConf{}, nil)
	now := time.Now()
	small, _ := newTestConn("small", now, 1)
	big, _ := newTestConn("big", now, 8)
	_, _ = m.Register("alice", small)
	_, _ = m.Register("alice", big)

	env := &protocol.Envelope{Type: protocol.TypeTyping, ChatID: "c"}
	assert.Equal(t, 2, m.Send("alice", env))
	// small 的队列已满（没有写协程在消费）
	assert.Equal(t, 1, m.Send("alice", env))
	assert.Equal(t, 0, m.Send("nobody", env))
}

func TestRegistrySendSkipsClosed(t *testing.T) {
	m := NewConnManager(ManagerConf{}, nil)
	c, _ := newTestConn("c1", time.Now(), 4)
	_, _ = m.Register("alice", c)
	c.CloseWith(protocol.CloseNormal, "")
	assert.Equal(t, 0, m.Send("alice", protocol.Ping(1)))
}

func TestRegistryLimit(t *testing.T) {
	now := time.Now()

	t.Run("reject", func(t *testing.T) {
		m := NewConnManager(ManagerConf{MaxPerUser: 1}, nil)
		c1, _ := newTestConn("c1", now, 1)
		c2, _ := newTestConn("c2", now.Add(time.Second), 1)
		_, err := m.Register("alice", c1)
		require.NoError(t, err)
		_, err = m.Register("alice", c2)
		require.Error(t, err)
		assert.Equal(t, protocol.CloseReplaced, errs.CloseCode(err))
		assert.Equal(t, []*Conn{c1}, m.Conns("alice"))
	})

	t.Run("evict oldest", func(t *testing.T) {
		m := NewConnManager(ManagerConf{MaxPerUser: 1, EvictOldest: true}, nil)
		c1, s1 := newTestConn("c1", now, 1)
		c2, _ := newTestConn("c2", now.Add(time.Second), 1)
		go c1.writeLoop()
		_, _ = m.Register("alice", c1)
		first, err := m.Register("alice", c2)
		require.NoError(t, err)
		assert.False(t, first)
		assert.Equal(t, []*Conn{c2}, m.Conns("alice"))

		select {
		case <-c1.Closed():
		case <-time.After(time.Second):
			t.Fatal("evicted connection not closed")
		}
		assert.True(t, s1.IsClosed())
		assert.Equal(t, protocol.CloseReplaced, c1.closeCode)
	})
}

func TestConnCloseFlushesQueue(t *testing.T) {
	c, s := newTestConn("c1", time.Now(), 8)
	require.True(t, c.SendEnvelope(protocol.AuthError("nope")))
	c.CloseWith(protocol.CloseTokenInvalid, "nope")
	c.writeLoop()

	require.Len(t, s.written, 1)
	env, err := protocol.Decode(s.written[0])
	require.NoError(t, err)
	assert.Equal(t, protocol.TypeAuthError, env.Type)
	assert.True(t, s.IsClosed())
	assert.False(t, c.Offer([]byte("late")))
}

func TestConnAuthenticateOnce(t *testing.T) {
	c, _ := newTestConn("c1", time.Now(), 1)
	assert.Equal(t, StateUnauthenticated, c.State())
	assert.True(t, c.authenticate("alice", time.Now()))
	assert.False(t, c.authenticate("bob", time.Now()))
	assert.False(t, c.reject())
	assert.Equal(t, "alice", c.UserID())
	assert.Equal(t, StateAuthenticated, c.State())
}
