package tabs

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	wait = time.Second
	tick = 5 * time.Millisecond
)

type recorder struct {
	mu   sync.Mutex
	seen []bool
}

func (r *recorder) add(p bool) {
	r.mu.Lock()
	r.seen = append(r.seen, p)
	r.mu.Unlock()
}

func (r *recorder) list() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.seen...)
}

func testOpts(mock *clock.Mock) Options {
	return Options{Settle: 100 * time.Millisecond, Heartbeat: time.Second, Clock: mock}
}

func startTab(t *testing.T, ch BroadcastChannel, mock *clock.Mock) (*Coordinator, *recorder) {
	t.Helper()
	c := New(ch, testOpts(mock))
	rec := &recorder{}
	c.OnChange(rec.add)
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(c.Stop)
	return c, rec
}

func settled(c *Coordinator) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settled
}

func knows(c *Coordinator, id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.peers[id]
	return ok
}

func settle(t *testing.T, mock *clock.Mock, tabs ...*Coordinator) {
	t.Helper()
	mock.Add(200 * time.Millisecond)
	require.Eventually(t, func() bool {
		for _, c := range tabs {
			if !settled(c) {
				return false
			}
		}
		return true
	}, wait, tick)
}

func TestSingleTabBecomesPrimaryAfterSettle(t *testing.T) {
	mock := clock.NewMock()
	a, rec := startTab(t, NewMemoryChannel(), mock)

	assert.False(t, a.IsPrimary())
	settle(t, mock, a)
	require.Eventually(t, func() bool { return len(rec.list()) == 1 }, wait, tick)
	assert.Equal(t, []bool{true}, rec.list())
	assert.True(t, a.IsPrimary())
}

func TestOlderTabWins(t *testing.T) {
	mock := clock.NewMock()
	ch := NewMemoryChannel()
	a, _ := startTab(t, ch, mock)
	mock.Add(time.Millisecond)
	b, recB := startTab(t, ch, mock)

	// b 的 hello 让 a 回应，双方互相知道
	require.Eventually(t, func() bool {
		return knows(a, b.Self().TabID) && knows(b, a.Self().TabID)
	}, wait, tick)
	settle(t, mock, a, b)

	require.Eventually(t, a.IsPrimary, wait, tick)
	assert.False(t, b.IsPrimary())

	ctx := context.Background()
	require.NoError(t, a.Connected(ctx))
	require.Eventually(t, func() bool { return b.Holder() == a.Self().TabID }, wait, tick)

	// a 进入排除路由，b 接管
	require.NoError(t, a.Disconnected(ctx))
	require.NoError(t, a.SetEligible(ctx, false))
	require.Eventually(t, b.IsPrimary, wait, tick)
	assert.False(t, a.IsPrimary())
	require.Eventually(t, func() bool { return len(recB.list()) == 1 }, wait, tick)
	assert.Equal(t, []bool{true}, recB.list())
}

func TestConnectedConflictLoserRelinquishes(t *testing.T) {
	mock := clock.NewMock()
	ch := NewMemoryChannel()
	b, rec := startTab(t, ch, mock)
	settle(t, mock, b)
	require.Eventually(t, b.IsPrimary, wait, tick)
	require.NoError(t, b.Connected(context.Background()))

	older := Announcement{TabID: "older", Kind: KindConnected, CreatedAt: b.Self().CreatedAt - 1, Eligible: true}
	require.NoError(t, ch.Publish(context.Background(), older))

	require.Eventually(t, func() bool { return !b.IsPrimary() }, wait, tick)
	assert.Equal(t, "older", b.Holder())
	require.Eventually(t, func() bool { return len(rec.list()) == 2 }, wait, tick)
	assert.Equal(t, []bool{true, false}, rec.list())
}

func TestConnectedConflictWinnerReannounces(t *testing.T) {
	mock := clock.NewMock()
	ch := NewMemoryChannel()
	a, _ := startTab(t, ch, mock)
	settle(t, mock, a)
	require.Eventually(t, a.IsPrimary, wait, tick)
	require.NoError(t, a.Connected(context.Background()))

	sub, cancel := ch.Subscribe()
	defer cancel()

	newer := Announcement{TabID: "newer", Kind: KindConnected, CreatedAt: a.Self().CreatedAt + 1, Eligible: true}
	require.NoError(t, ch.Publish(context.Background(), newer))

	deadline := time.After(wait)
	for {
		select {
		case got := <-sub:
			if got.TabID == a.Self().TabID {
				assert.Equal(t, KindConnected, got.Kind)
				assert.True(t, a.IsPrimary())
				assert.Equal(t, a.Self().TabID, a.Holder())
				return
			}
		case <-deadline:
			t.Fatal("winner did not re-announce")
		}
	}
}

func TestHolderLeaseExpires(t *testing.T) {
	mock := clock.NewMock()
	ch := NewMemoryChannel()
	b, _ := startTab(t, ch, mock)
	settle(t, mock, b)

	ghost := Announcement{TabID: "ghost", Kind: KindConnected, CreatedAt: b.Self().CreatedAt - 1, Eligible: true}
	require.NoError(t, ch.Publish(context.Background(), ghost))
	require.Eventually(t, func() bool { return b.Holder() == "ghost" }, wait, tick)
	assert.False(t, b.IsPrimary())

	// ghost 不再通告，租约过期后 b 接管
	require.Eventually(t, func() bool {
		mock.Add(time.Second)
		return b.IsPrimary()
	}, wait, tick)
	assert.Empty(t, b.Holder())
}

func TestStopHandsOver(t *testing.T) {
	mock := clock.NewMock()
	ch := NewMemoryChannel()
	a := New(ch, testOpts(mock))
	require.NoError(t, a.Start(context.Background()))
	mock.Add(time.Millisecond)
	b, _ := startTab(t, ch, mock)

	require.Eventually(t, func() bool { return knows(b, a.Self().TabID) }, wait, tick)
	settle(t, mock, a, b)
	require.Eventually(t, a.IsPrimary, wait, tick)
	assert.False(t, b.IsPrimary())

	a.Stop()
	require.Eventually(t, b.IsPrimary, wait, tick)
}
