package tabs

import (
	"context"
	"encoding/json"
	"sync"

	"PPRealtime/logger"
	"PPRealtime/tools/errs"
	"PPRealtime/tools/safe"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type Kind string

const (
	KindHello        Kind = "hello"
	KindConnected    Kind = "connected"
	KindDisconnected Kind = "disconnected"
	KindBye          Kind = "bye" // tab 关闭
)

// Announcement tab 之间广播的一条通告
type Announcement struct {
	TabID     string `json:"tabId"`
	Kind      Kind   `json:"kind"`
	CreatedAt int64  `json:"createdAt"` // tab 创建时间（unix nano），选主用
	Eligible  bool   `json:"eligible"`  // 该 tab 是否需要连接（排除路由上为 false）
}

// BroadcastChannel 同一“浏览器 profile”内所有 tab 共享的广播通道
type BroadcastChannel interface {
	Publish(ctx context.Context, a Announcement) error
	Subscribe() (<-chan Announcement, func())
}

// ===== 进程内 =====

// MemoryChannel 同进程的 tab 共用一个实例
type MemoryChannel struct {
	mu   sync.RWMutex
	seq  int
	subs map[int]chan Announcement
}

func NewMemoryChannel() *MemoryChannel {
	return &MemoryChannel{subs: make(map[int]chan Announcement)}
}

func (m *MemoryChannel) Publish(_ context.Context, a Announcement) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, ch := range m.subs {
		select {
		case ch <- a:
		default:
			logger.Warn("[Tabs] subscriber full, announcement dropped", zap.String("tab", a.TabID))
		}
	}
	return nil
}

func (m *MemoryChannel) Subscribe() (<-chan Announcement, func()) {
	ch := make(chan Announcement, 64)
	m.mu.Lock()
	m.seq++
	id := m.seq
	m.subs[id] = ch
	m.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
			close(ch)
		})
	}
}

// ===== 跨进程：redis pub/sub =====

// RedisChannel 同一 profile 的多个客户端进程共享一个频道
type RedisChannel struct {
	rdb     *redis.Client
	channel string
}

func NewRedisChannel(rdb *redis.Client, profile string) *RedisChannel {
	return &RedisChannel{rdb: rdb, channel: "im:tabs:" + profile}
}

func (r *RedisChannel) Publish(ctx context.Context, a Announcement) error {
	raw, err := json.Marshal(a)
	if err != nil {
		return errs.WrapMsg(err, "encode announcement")
	}
	return errs.WrapMsg(r.rdb.Publish(ctx, r.channel, raw).Err(), "publish announcement", "channel", r.channel)
}

func (r *RedisChannel) Subscribe() (<-chan Announcement, func()) {
	ctx, cancel := context.WithCancel(context.Background())
	ps := r.rdb.Subscribe(ctx, r.channel)
	out := make(chan Announcement, 64)
	safe.Go("tabs-redis-sub", func() {
		defer close(out)
		for msg := range ps.Channel() {
			var a Announcement
			if err := json.Unmarshal([]byte(msg.Payload), &a); err != nil {
				logger.Debug("[Tabs] bad announcement", zap.Error(err))
				continue
			}
			select {
			case out <- a:
			case <-ctx.Done():
				return
			}
		}
	})
	var once sync.Once
	return out, func() {
		once.Do(func() {
			cancel()
			_ = ps.Close()
		})
	}
}
