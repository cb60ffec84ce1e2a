package tabs

import (
	"context"
	"sort"
	"sync"
	"time"

	"PPRealtime/logger"
	"PPRealtime/tools/safe"

	"github.com/benbjohnson/clock"
	"github.com/segmentio/ksuid"
	"go.uber.org/zap"
)

// ===== 配置 =====

type Options struct {
	Settle    time.Duration // 启动后等待 peer 回应的窗口，默认 300ms
	Heartbeat time.Duration // 重新通告间隔，默认 2s
	LeaseTTL  time.Duration // 多久没收到通告视为 tab 已消失，默认 3 个心跳
	Clock     clock.Clock
}

func (o *Options) norm() {
	if o.Settle <= 0 {
		o.Settle = 300 * time.Millisecond
	}
	if o.Heartbeat <= 0 {
		o.Heartbeat = 2 * time.Second
	}
	if o.LeaseTTL <= 0 {
		o.LeaseTTL = 3 * o.Heartbeat
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
}

type peer struct {
	createdAt int64
	eligible  bool
	seen      time.Time
}

// Coordinator 同一 profile 下的 tab 选主：只有 primary 持有 socket。
// 选主按 (CreatedAt, TabID) 最小者胜出；已有 tab 持有连接时不抢。
type Coordinator struct {
	ch   BroadcastChannel
	opts Options
	log  *zap.Logger

	mu        sync.Mutex
	self      Announcement
	peers     map[string]*peer
	holder    string // 当前持有连接的 tab
	connected bool
	settled   bool
	primary   bool
	lseq      int
	listeners map[int]func(bool)

	cancel context.CancelFunc
	unsub  func()
	done   chan struct{}
}

func New(ch BroadcastChannel, opts Options) *Coordinator {
	opts.norm()
	id := ksuid.New().String()
	return &Coordinator{
		ch:   ch,
		opts: opts,
		log:  logger.Named("tabs").With(zap.String("tab", id)),
		self: Announcement{
			TabID:     id,
			CreatedAt: opts.Clock.Now().UnixNano(),
			Eligible:  true,
		},
		peers:     make(map[string]*peer),
		listeners: make(map[int]func(bool)),
	}
}

// Self 本 tab 的身份
func (c *Coordinator) Self() Announcement {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.self
}

func (c *Coordinator) IsPrimary() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.primary
}

// Holder 已知持有连接的 tab；空表示没有
func (c *Coordinator) Holder() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.holder
}

// OnChange primary 变化回调，在锁外调用
func (c *Coordinator) OnChange(fn func(primary bool)) (off func()) {
	c.mu.Lock()
	c.lseq++
	id := c.lseq
	c.listeners[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

// Start 通告 hello，Settle 之后才参与选主
func (c *Coordinator) Start(ctx context.Context) error {
	sub, unsub := c.ch.Subscribe()
	ctx, cancel := context.WithCancel(ctx)

	c.mu.Lock()
	c.cancel = cancel
	c.unsub = unsub
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()

	settle := c.opts.Clock.Timer(c.opts.Settle)
	tick := c.opts.Clock.Ticker(c.opts.Heartbeat)
	safe.Go("tabs-coordinator", func() {
		defer close(done)
		defer settle.Stop()
		defer tick.Stop()
		c.run(ctx, sub, settle, tick)
	})

	if err := c.publish(ctx, KindHello); err != nil {
		c.log.Warn("[Tabs] hello failed", zap.Error(err))
		return err
	}
	return nil
}

// Stop 通告 bye 并停止监听
func (c *Coordinator) Stop() {
	c.mu.Lock()
	cancel, unsub, done := c.cancel, c.unsub, c.done
	c.cancel = nil
	c.mu.Unlock()
	if cancel == nil {
		return
	}

	ctx, cf := context.WithTimeout(context.Background(), time.Second)
	if err := c.publish(ctx, KindBye); err != nil {
		c.log.Debug("[Tabs] bye failed", zap.Error(err))
	}
	cf()
	cancel()
	unsub()
	<-done
}

// Connected 本 tab 建连成功
func (c *Coordinator) Connected(ctx context.Context) error {
	c.mu.Lock()
	c.connected = true
	c.holder = c.self.TabID
	fire := c.refreshLocked()
	c.mu.Unlock()
	notify(fire)
	return c.publish(ctx, KindConnected)
}

// Disconnected 本 tab 断开；其它 tab 据此接管
func (c *Coordinator) Disconnected(ctx context.Context) error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil
	}
	c.connected = false
	if c.holder == c.self.TabID {
		c.holder = ""
	}
	fire := c.refreshLocked()
	c.mu.Unlock()
	notify(fire)
	return c.publish(ctx, KindDisconnected)
}

// SetEligible 本 tab 进入/离开排除路由
func (c *Coordinator) SetEligible(ctx context.Context, eligible bool) error {
	c.mu.Lock()
	if c.self.Eligible == eligible {
		c.mu.Unlock()
		return nil
	}
	c.self.Eligible = eligible
	fire := c.refreshLocked()
	kind := c.statusLocked()
	c.mu.Unlock()
	notify(fire)
	return c.publish(ctx, kind)
}

// ===== 内部 =====

func (c *Coordinator) run(ctx context.Context, sub <-chan Announcement, settle *clock.Timer, tick *clock.Ticker) {
	for {
		select {
		case <-ctx.Done():
			return
		case a, ok := <-sub:
			if !ok {
				return
			}
			c.handle(ctx, a)
		case <-settle.C:
			c.mu.Lock()
			c.settled = true
			fire := c.refreshLocked()
			c.mu.Unlock()
			notify(fire)
		case <-tick.C:
			c.mu.Lock()
			c.sweepLocked()
			fire := c.refreshLocked()
			kind := c.statusLocked()
			c.mu.Unlock()
			notify(fire)
			if err := c.publish(ctx, kind); err != nil {
				c.log.Debug("[Tabs] re-announce failed", zap.Error(err))
			}
		}
	}
}

func (c *Coordinator) handle(ctx context.Context, a Announcement) {
	c.mu.Lock()
	if a.TabID == c.self.TabID {
		c.mu.Unlock()
		return
	}

	_, known := c.peers[a.TabID]
	var reply Kind
	switch a.Kind {
	case KindBye:
		delete(c.peers, a.TabID)
		if c.holder == a.TabID {
			c.holder = ""
		}
	default:
		c.peers[a.TabID] = &peer{createdAt: a.CreatedAt, eligible: a.Eligible, seen: c.opts.Clock.Now()}
	}

	switch a.Kind {
	case KindConnected:
		if c.connected && c.wins(a) {
			// 双方都连着，赢家保留；自己再通告一次让对方让出
			reply = KindConnected
		} else {
			if c.connected {
				c.log.Info("[Tabs] peer holds the socket, relinquishing", zap.String("peer", a.TabID))
				c.connected = false
			}
			c.holder = a.TabID
		}
	case KindDisconnected:
		if c.holder == a.TabID {
			c.holder = ""
		}
	}

	if reply == "" && !known && a.Kind != KindBye {
		// 新 tab：回一次当前状态，它才知道我们
		reply = c.statusLocked()
	}

	fire := c.refreshLocked()
	c.mu.Unlock()
	notify(fire)

	if reply != "" {
		if err := c.publish(ctx, reply); err != nil {
			c.log.Debug("[Tabs] reply failed", zap.Error(err))
		}
	}
}

// wins 本 tab 是否在 tie-break 中胜过 a
func (c *Coordinator) wins(a Announcement) bool {
	return before(c.self.CreatedAt, c.self.TabID, a.CreatedAt, a.TabID)
}

func before(ca int64, ia string, cb int64, ib string) bool {
	if ca != cb {
		return ca < cb
	}
	return ia < ib
}

func (c *Coordinator) sweepLocked() {
	now := c.opts.Clock.Now()
	for id, p := range c.peers {
		if now.Sub(p.seen) > c.opts.LeaseTTL {
			c.log.Debug("[Tabs] peer lease expired", zap.String("peer", id))
			delete(c.peers, id)
			if c.holder == id {
				c.holder = ""
			}
		}
	}
}

func (c *Coordinator) electLocked() bool {
	if !c.settled || !c.self.Eligible {
		return false
	}
	if c.holder != "" {
		return c.holder == c.self.TabID
	}
	for id, p := range c.peers {
		if p.eligible && before(p.createdAt, id, c.self.CreatedAt, c.self.TabID) {
			return false
		}
	}
	return true
}

// refreshLocked 重新选主；变化时返回通知函数，调用方解锁后执行
func (c *Coordinator) refreshLocked() func() {
	next := c.electLocked()
	if next == c.primary {
		return nil
	}
	c.primary = next
	c.log.Info("[Tabs] primary changed", zap.Bool("primary", next), zap.String("holder", c.holder))

	ids := make([]int, 0, len(c.listeners))
	for id := range c.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(bool), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, c.listeners[id])
	}
	return func() {
		for _, fn := range fns {
			fn(next)
		}
	}
}

func (c *Coordinator) statusLocked() Kind {
	if c.connected {
		return KindConnected
	}
	return KindHello
}

func (c *Coordinator) publish(ctx context.Context, kind Kind) error {
	c.mu.Lock()
	a := c.self
	c.mu.Unlock()
	a.Kind = kind
	return c.ch.Publish(ctx, a)
}

func notify(fire func()) {
	if fire != nil {
		fire()
	}
}
