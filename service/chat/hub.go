package chat

import (
	"context"
	"time"

	"PPRealtime/logger"
	"PPRealtime/protocol"
	"PPRealtime/service/storage"

	"go.uber.org/zap"
)

// Transport 暴露给应用其他部分的推送能力
type Transport interface {
	Send(userID string, env *protocol.Envelope) int
	BroadcastPresence(ctx context.Context, userID string, status protocol.PresenceStatus) error
	IsOnline(userID string) bool
}

// RelayFrame 跨节点转发单元
type RelayFrame struct {
	Origin   string             `json:"origin"`
	Users    []string           `json:"users"`
	Envelope *protocol.Envelope `json:"envelope"`
}

// Relay 跨网关节点转发（NATS 实现见 service/natsx）
type Relay interface {
	Publish(ctx context.Context, f RelayFrame) error
}

// HubDeps Hub 的依赖；Presence/Relay 可为空
type HubDeps struct {
	NodeID   string
	Registry ConnectionRegistry
	Storage  storage.Storage
	Presence storage.PresenceStore
	Relay    Relay
	Fanout   *Fanout
	Metrics  *Metrics
}

// Hub 连接表 + 在线状态 + 跨节点转发
type Hub struct {
	nodeID   string
	reg      ConnectionRegistry
	store    storage.Storage
	presence storage.PresenceStore
	relay    Relay
	fanout   *Fanout
	metrics  *Metrics
	timeout  time.Duration
}

var _ Transport = (*Hub)(nil)

func NewHub(d HubDeps) *Hub {
	if d.Presence == nil {
		d.Presence = storage.NopPresence{}
	}
	if d.Fanout == nil {
		d.Fanout = NewFanout(0, 0, d.Metrics)
	}
	return &Hub{
		nodeID:   d.NodeID,
		reg:      d.Registry,
		store:    d.Storage,
		presence: d.Presence,
		relay:    d.Relay,
		fanout:   d.Fanout,
		metrics:  d.Metrics,
		timeout:  5 * time.Second,
	}
}

func (h *Hub) Registry() ConnectionRegistry { return h.reg }
func (h *Hub) NodeID() string               { return h.nodeID }

// Register 认证通过后登记；首条连接触发 online
func (h *Hub) Register(userID string, c *Conn) error {
	first, err := h.reg.Register(userID, c)
	if err != nil {
		return err
	}
	if first {
		h.fanout.Submit(func() { h.announce(userID, protocol.StatusOnline) })
	}
	return nil
}

// Drop 连接关闭或被回收；最后一条连接触发 offline
func (h *Hub) Drop(c *Conn) {
	userID := c.UserID()
	if userID == "" {
		return
	}
	if h.reg.Unregister(userID, c) {
		h.fanout.Submit(func() { h.announce(userID, protocol.StatusOffline) })
	}
}

func (h *Hub) IsOnline(userID string) bool { return h.reg.IsOnline(userID) }

// Send 投递给本节点该用户所有连接，并经 Relay 转给其他节点
func (h *Hub) Send(userID string, env *protocol.Envelope) int {
	return h.SendMany([]string{userID}, env)
}

// SendMany 多用户扇出；返回本节点投递数
func (h *Hub) SendMany(users []string, env *protocol.Envelope) int {
	n := 0
	for _, u := range users {
		n += h.reg.Send(u, env)
	}
	h.publish(users, env)
	return n
}

func (h *Hub) publish(users []string, env *protocol.Envelope) {
	if h.relay == nil || len(users) == 0 {
		return
	}
	frame := RelayFrame{Origin: h.nodeID, Users: append([]string(nil), users...), Envelope: env.Clone()}
	h.fanout.Submit(func() {
		ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
		defer cancel()
		if err := h.relay.Publish(ctx, frame); err != nil {
			logger.Warn("[Hub] relay publish failed", zap.Error(err))
		}
	})
}

// Deliver 处理其他节点转发来的帧，只投本地
func (h *Hub) Deliver(f RelayFrame) int {
	if f.Origin == h.nodeID || f.Envelope == nil {
		return 0
	}
	n := 0
	for _, u := range f.Users {
		n += h.reg.Send(u, f.Envelope)
	}
	return n
}

// BroadcastPresence 推给该用户的所有好友
func (h *Hub) BroadcastPresence(ctx context.Context, userID string, status protocol.PresenceStatus) error {
	friends, err := h.store.GetFriends(ctx, userID)
	if err != nil {
		return err
	}
	h.metrics.presence(status)
	if len(friends) == 0 {
		return nil
	}
	h.SendMany(friends, protocol.Presence(userID, status))
	return nil
}

// announce 在线状态变化：先同步 Redis 镜像，其他节点仍持有该用户时不广播
func (h *Hub) announce(userID string, status protocol.PresenceStatus) {
	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	// 排队期间状态可能已反转
	if (status == protocol.StatusOnline) != h.reg.IsOnline(userID) {
		return
	}

	var elsewhere bool
	switch status {
	case protocol.StatusOnline:
		nodes, err := h.presence.Lookup(ctx, userID)
		if err != nil {
			logger.Warn("[Hub] presence lookup failed", zap.String("user", userID), zap.Error(err))
		}
		elsewhere = h.hasOtherNode(nodes)
		if err := h.presence.Online(ctx, userID); err != nil {
			logger.Warn("[Hub] presence online failed", zap.String("user", userID), zap.Error(err))
		}
	case protocol.StatusOffline:
		if err := h.presence.Offline(ctx, userID); err != nil {
			logger.Warn("[Hub] presence offline failed", zap.String("user", userID), zap.Error(err))
		}
		nodes, err := h.presence.Lookup(ctx, userID)
		if err != nil {
			logger.Warn("[Hub] presence lookup failed", zap.String("user", userID), zap.Error(err))
		}
		elsewhere = h.hasOtherNode(nodes)
	}
	if elsewhere {
		logger.Debug("[Hub] user still held by another node", zap.String("user", userID), zap.String("status", string(status)))
		return
	}

	if err := h.BroadcastPresence(ctx, userID, status); err != nil {
		logger.Warn("[Hub] broadcast presence failed", zap.String("user", userID), zap.Error(err))
	}
}

func (h *Hub) hasOtherNode(nodes []string) bool {
	for _, n := range nodes {
		if n != h.nodeID {
			return true
		}
	}
	return false
}

// RefreshPresence 心跳周期内续期本节点所有在线用户的 Redis TTL
func (h *Hub) RefreshPresence() {
	users := h.reg.Users()
	if len(users) == 0 {
		return
	}
	h.fanout.Submit(func() {
		ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
		defer cancel()
		for _, u := range users {
			if err := h.presence.Online(ctx, u); err != nil {
				logger.Warn("[Hub] presence refresh failed", zap.String("user", u), zap.Error(err))
				return
			}
		}
	})
}

// Submit 后台执行
func (h *Hub) Submit(job func()) bool { return h.fanout.Submit(job) }
