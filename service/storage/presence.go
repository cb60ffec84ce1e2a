package storage

import (
	"context"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// presence key: im:presence:<user>
// hash field = gateway node id, value = 过期时间(ms)；key 自身 TTL 取最长
func presenceKey(user string) string { return "im:presence:" + user }

// 上线/续期
// KEYS[1] = presence key
// ARGV[1] = node id
// ARGV[2] = expireAt(ms)
// ARGV[3] = ttl(ms)
const luaPresenceTouch = `
redis.call("HSET", KEYS[1], ARGV[1], ARGV[2])
local cur = redis.call("PTTL", KEYS[1])
if cur < tonumber(ARGV[3]) then
  redis.call("PEXPIRE", KEYS[1], ARGV[3])
end
return 1
`

// 下线：删除本节点字段，空了删 key
// 返回：剩余节点数
const luaPresenceDrop = `
redis.call("HDEL", KEYS[1], ARGV[1])
local n = redis.call("HLEN", KEYS[1])
if n == 0 then
  redis.call("DEL", KEYS[1])
end
return n
`

var (
	presenceTouch = redis.NewScript(luaPresenceTouch)
	presenceDrop  = redis.NewScript(luaPresenceDrop)
)

// PresenceStore 跨节点在线状态镜像；本节点的权威状态仍以连接表为准
type PresenceStore interface {
	Online(ctx context.Context, userID string) error
	Offline(ctx context.Context, userID string) error
	Lookup(ctx context.Context, userID string) ([]string, error)
}

type RedisPresence struct {
	rdb    redis.Scripter
	cmd    redis.Cmdable
	nodeID string
	ttl    time.Duration
	now    func() time.Time
}

func NewRedisPresence(rdb *redis.Client, nodeID string, ttl time.Duration) *RedisPresence {
	if ttl <= 0 {
		ttl = 90 * time.Second
	}
	return &RedisPresence{rdb: rdb, cmd: rdb, nodeID: nodeID, ttl: ttl, now: time.Now}
}

// Online 上线或心跳续期
func (p *RedisPresence) Online(ctx context.Context, userID string) error {
	exp := p.now().Add(p.ttl).UnixMilli()
	err := presenceTouch.Run(ctx, p.rdb, []string{presenceKey(userID)},
		p.nodeID, exp, p.ttl.Milliseconds()).Err()
	return errors.Wrapf(err, "presence online user=%s", userID)
}

func (p *RedisPresence) Offline(ctx context.Context, userID string) error {
	err := presenceDrop.Run(ctx, p.rdb, []string{presenceKey(userID)}, p.nodeID).Err()
	return errors.Wrapf(err, "presence offline user=%s", userID)
}

// Lookup 返回用户仍在线的网关节点（过滤已过期字段）
func (p *RedisPresence) Lookup(ctx context.Context, userID string) ([]string, error) {
	m, err := p.cmd.HGetAll(ctx, presenceKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "presence lookup user=%s", userID)
	}
	now := p.now().UnixMilli()
	nodes := make([]string, 0, len(m))
	for node, v := range m {
		exp, perr := strconv.ParseInt(v, 10, 64)
		if perr != nil || exp < now {
			continue
		}
		nodes = append(nodes, node)
	}
	return nodes, nil
}

// NopPresence 未配置 Redis 时使用
type NopPresence struct{}

func (NopPresence) Online(context.Context, string) error              { return nil }
func (NopPresence) Offline(context.Context, string) error             { return nil }
func (NopPresence) Lookup(context.Context, string) ([]string, error) { return nil, nil }
