package chat

import (
	"sort"
	"sync"

	"PPRealtime/logger"
	"PPRealtime/protocol"
	"PPRealtime/tools/errs"

	"go.uber.org/zap"
)

// ConnectionRegistry 用户 -> 连接集合；用户存在当且仅当集合非空
type ConnectionRegistry interface {
	// Register first=true 表示集合由空变非空
	Register(userID string, c *Conn) (first bool, err error)
	// Unregister last=true 表示集合由非空变空；未知连接为 no-op
	Unregister(userID string, c *Conn) (last bool)
	// Send 投递给用户所有可写连接，返回成功投递数
	Send(userID string, env *protocol.Envelope) int
	IsOnline(userID string) bool
	Conns(userID string) []*Conn
	All() []*Conn
	Users() []string
	Len() int
}

// ===== 配置 =====

type ManagerConf struct {
	MaxPerUser  int  // 每用户最大连接数（<=0 不限制）
	EvictOldest bool // 超限时是否淘汰最老连接（否则 Register 返回 ErrConnLimit）
}

// ConnManager ConnectionRegistry 的默认实现
type ConnManager struct {
	mu     sync.RWMutex
	byID   map[string]*Conn            // 主索引：connID -> conn
	byUser map[string]map[string]*Conn // 用户索引：userID -> (connID -> conn)

	conf    ManagerConf
	metrics *Metrics
}

var _ ConnectionRegistry = (*ConnManager)(nil)

func NewConnManager(conf ManagerConf, metrics *Metrics) *ConnManager {
	return &ConnManager{
		byID:    make(map[string]*Conn),
		byUser:  make(map[string]map[string]*Conn),
		conf:    conf,
		metrics: metrics,
	}
}

func (m *ConnManager) Register(userID string, c *Conn) (bool, error) {
	if userID == "" || c == nil {
		return false, errs.ErrBadRequest.WrapMsg("register: user/conn empty")
	}

	var evicted *Conn
	m.mu.Lock()
	if _, dup := m.byID[c.ID]; dup {
		m.mu.Unlock()
		return false, nil
	}
	set := m.byUser[userID]
	// 淘汰换新不算空 -> 非空
	first := len(set) == 0
	if m.conf.MaxPerUser > 0 && len(set) >= m.conf.MaxPerUser {
		if !m.conf.EvictOldest {
			m.mu.Unlock()
			return false, errs.ErrConnLimit.WrapMsg("register", "user", userID, "max", m.conf.MaxPerUser)
		}
		// 淘汰最老的一条（CreatedAt 更早）
		for _, w := range set {
			if evicted == nil || w.CreatedAt.Before(evicted.CreatedAt) {
				evicted = w
			}
		}
		delete(set, evicted.ID)
		delete(m.byID, evicted.ID)
	}
	if set == nil {
		set = make(map[string]*Conn)
		m.byUser[userID] = set
	}
	set[c.ID] = c
	m.byID[c.ID] = c
	total := len(m.byID)
	m.mu.Unlock()

	m.metrics.setConnections(total)
	if evicted != nil {
		// 解锁后关闭
		logger.Info("[ConnManager] evict oldest connection", zap.String("user", userID), zap.String("conn", evicted.ID))
		evicted.CloseWith(protocol.CloseReplaced, "replaced by newer connection")
	}
	return first, nil
}

func (m *ConnManager) Unregister(userID string, c *Conn) bool {
	if c == nil {
		return false
	}
	m.mu.Lock()
	set, ok := m.byUser[userID]
	if !ok {
		m.mu.Unlock()
		return false
	}
	if _, ok := set[c.ID]; !ok {
		m.mu.Unlock()
		return false
	}
	delete(set, c.ID)
	delete(m.byID, c.ID)
	last := len(set) == 0
	if last {
		delete(m.byUser, userID)
	}
	total := len(m.byID)
	m.mu.Unlock()

	m.metrics.setConnections(total)
	return last
}

func (m *ConnManager) Send(userID string, env *protocol.Envelope) int {
	conns := m.Conns(userID)
	if len(conns) == 0 {
		return 0
	}
	frame, err := protocol.Encode(env)
	if err != nil {
		logger.Warn("[ConnManager] encode failed", zap.String("type", string(env.Type)), zap.Error(err))
		return 0
	}
	delivered := 0
	for _, c := range conns {
		if c.Offer(frame) {
			delivered++
		} else {
			m.metrics.frameDropped()
		}
	}
	m.metrics.framesDelivered(delivered)
	return delivered
}

func (m *ConnManager) IsOnline(userID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byUser[userID]) > 0
}

// Conns 快照，调用方可在锁外写
func (m *ConnManager) Conns(userID string) []*Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	set := m.byUser[userID]
	out := make([]*Conn, 0, len(set))
	for _, c := range set {
		out = append(out, c)
	}
	return out
}

func (m *ConnManager) All() []*Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Conn, 0, len(m.byID))
	for _, c := range m.byID {
		out = append(out, c)
	}
	return out
}

func (m *ConnManager) Users() []string {
	m.mu.RLock()
	out := make([]string, 0, len(m.byUser))
	for u := range m.byUser {
		out = append(out, u)
	}
	m.mu.RUnlock()
	sort.Strings(out)
	return out
}

func (m *ConnManager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byID)
}
