package chat

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"PPRealtime/logger"
	"PPRealtime/protocol"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// AuthState 单条 socket 的认证状态
type AuthState int32

const (
	StateUnauthenticated AuthState = iota
	StateAuthenticated
	StateRejected
)

func (s AuthState) String() string {
	switch s {
	case StateAuthenticated:
		return "AUTHENTICATED"
	case StateRejected:
		return "REJECTED"
	default:
		return "UNAUTHENTICATED"
	}
}

// socket gorilla/websocket.Conn 的最小子集，单测可替换
type socket interface {
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
	UnderlyingConn() net.Conn
}

var _ socket = (*websocket.Conn)(nil)

// Conn 一条已升级的 websocket 连接；认证后归连接表所有
type Conn struct {
	ID        string
	Remote    string
	CreatedAt time.Time

	mu              sync.RWMutex
	userID          string
	authenticatedAt time.Time

	state    atomic.Int32
	alive    atomic.Bool
	lastPong atomic.Int64 // unix ms

	ws        socket
	send      chan []byte
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	closeCode int
	closeMsg  string
	writeWait time.Duration
}

// ConnOptions 连接参数
type ConnOptions struct {
	SendQueue int           // 每连接发送队列长度
	WriteWait time.Duration // 单帧写超时
}

func (o *ConnOptions) norm() {
	if o.SendQueue <= 0 {
		o.SendQueue = 256
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
}

func newConn(id string, ws socket, remote string, now time.Time, opts ConnOptions) *Conn {
	opts.norm()
	c := &Conn{
		ID:        id,
		Remote:    remote,
		CreatedAt: now,
		ws:        ws,
		send:      make(chan []byte, opts.SendQueue),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
		writeWait: opts.WriteWait,
	}
	c.alive.Store(true)
	c.lastPong.Store(now.UnixMilli())
	return c
}

func (c *Conn) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

func (c *Conn) AuthenticatedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.authenticatedAt
}

func (c *Conn) State() AuthState { return AuthState(c.state.Load()) }

// authenticate UNAUTHENTICATED -> AUTHENTICATED，只成功一次
func (c *Conn) authenticate(userID string, now time.Time) bool {
	if !c.state.CompareAndSwap(int32(StateUnauthenticated), int32(StateAuthenticated)) {
		return false
	}
	c.mu.Lock()
	c.userID = userID
	c.authenticatedAt = now
	c.mu.Unlock()
	return true
}

func (c *Conn) reject() bool {
	return c.state.CompareAndSwap(int32(StateUnauthenticated), int32(StateRejected))
}

// ===== 心跳标记 =====

func (c *Conn) Alive() bool { return c.alive.Load() }

// MarkAlive 收到 pong（或应用层 ping）
func (c *Conn) MarkAlive(now time.Time) {
	c.alive.Store(true)
	c.lastPong.Store(now.UnixMilli())
}

func (c *Conn) LastPongAt() time.Time { return time.UnixMilli(c.lastPong.Load()) }

// clearAlive 返回清除前的值
func (c *Conn) clearAlive() bool { return c.alive.Swap(false) }

// ===== 发送 =====

// Offer 非阻塞投递；队列满或连接已关闭时跳过
func (c *Conn) Offer(frame []byte) bool {
	select {
	case <-c.quit:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// SendEnvelope 编码后投递给本连接
func (c *Conn) SendEnvelope(env *protocol.Envelope) bool {
	b, err := protocol.Encode(env)
	if err != nil {
		logger.Warn("[Conn] encode failed", zap.String("conn", c.ID), zap.Error(err))
		return false
	}
	return c.Offer(b)
}

// Ping 发 websocket ping 控制帧（WriteControl 可与写协程并发）
// 写超时是 socket 的墙钟 deadline，不走注入的 clock
func (c *Conn) Ping() error {
	return c.ws.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(c.writeWait))
}

// writeLoop 唯一写协程：业务帧按序写出；quit 后把剩余帧写完再发 close
func (c *Conn) writeLoop() {
	defer close(c.done)
	for {
		select {
		case frame := <-c.send:
			if err := c.write(frame); err != nil {
				logger.Debug("[Conn] write failed", zap.String("conn", c.ID), zap.Error(err))
				c.terminate()
				return
			}
		case <-c.quit:
			for {
				select {
				case frame := <-c.send:
					if err := c.write(frame); err != nil {
						c.terminate()
						return
					}
				default:
					if c.closeCode > 0 {
						_ = c.ws.WriteControl(websocket.CloseMessage,
							websocket.FormatCloseMessage(c.closeCode, c.closeMsg),
							time.Now().Add(c.writeWait))
					}
					_ = c.ws.Close()
					return
				}
			}
		}
	}
}

func (c *Conn) write(frame []byte) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, frame)
}

// CloseWith 优雅关闭：写完已排队的帧，再发 close(code, reason)
func (c *Conn) CloseWith(code int, reason string) {
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeMsg = reason
		close(c.quit)
	})
}

// Terminate 强制断开，不走 close 握手
func (c *Conn) Terminate() {
	c.closeOnce.Do(func() { close(c.quit) })
	c.terminate()
}

func (c *Conn) terminate() {
	if nc := c.ws.UnderlyingConn(); nc != nil {
		_ = nc.Close()
	}
	_ = c.ws.Close()
}

// Closed 写协程已退出
func (c *Conn) Closed() <-chan struct{} { return c.done }
