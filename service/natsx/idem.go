package natsx

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/nats-io/nats.go"
)

// IdemStore 记录已处理的消息 id
type IdemStore interface {
	SeenOnce(key string) bool
}

// memIdem 单进程实现：带 TTL 的 LRU
type memIdem struct {
	cache *expirable.LRU[string, struct{}]
}

func NewMemIdem(size int, ttl time.Duration) IdemStore {
	if size <= 0 {
		size = 65536
	}
	return &memIdem{cache: expirable.NewLRU[string, struct{}](size, nil, ttl)}
}

func (mi *memIdem) SeenOnce(key string) bool {
	if mi.cache.Contains(key) {
		return true
	}
	mi.cache.Add(key, struct{}{})
	return false
}

// IdemMiddleware 按 Nats-Msg-Id 去重；没有 id 的消息直接放行
func IdemMiddleware(store IdemStore) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, msg Message) error {
			id := msg.Header[nats.MsgIdHdr]
			if id != "" && store.SeenOnce(id) {
				return nil
			}
			return next(ctx, msg)
		}
	}
}
