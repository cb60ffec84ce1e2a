package chat

import (
	"context"
	"net"
	"net/http"
	"time"

	"PPRealtime/logger"
	"PPRealtime/protocol"
	"PPRealtime/tools/ids"
	"PPRealtime/tools/safe"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ServerConf websocket 入口参数
type ServerConf struct {
	AuthTimeout     time.Duration // 升级后必须在此时间内完成 auth
	MaxMessageBytes int64         // 单帧上限
	Conn            ConnOptions
	CheckOrigin     func(r *http.Request) bool
}

func (c *ServerConf) norm() {
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = 10 * time.Second
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = 64 << 10
	}
	if c.CheckOrigin == nil {
		c.CheckOrigin = func(r *http.Request) bool { return true }
	}
}

// Server websocket 网关
type Server struct {
	conf     ServerConf
	hub      *Hub
	gate     *AuthGate
	disp     *Dispatcher
	idGen    *ids.Generator
	metrics  *Metrics
	upgrader websocket.Upgrader
	now      func() time.Time
}

func NewServer(conf ServerConf, hub *Hub, gate *AuthGate, disp *Dispatcher, idGen *ids.Generator, metrics *Metrics) *Server {
	conf.norm()
	if idGen == nil {
		idGen = ids.Default()
	}
	return &Server{
		conf:    conf,
		hub:     hub,
		gate:    gate,
		disp:    disp,
		idGen:   idGen,
		metrics: metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     conf.CheckOrigin,
		},
		now: time.Now,
	}
}

func (s *Server) Hub() *Hub               { return s.hub }
func (s *Server) Disp() *Dispatcher       { return s.disp }
func (s *Server) Registry() ConnectionRegistry { return s.hub.Registry() }

// HandleWS ===== WebSocket 入口 =====
func (s *Server) HandleWS(c *gin.Context) {
	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// 常见：非 WebSocket 请求/握手失败
		logger.Info("[HandleWS] upgrade websocket error", zap.Error(err))
		return
	}
	s.ServeConn(c.Request.Context(), ws)
}

// ServeConn 接管一条已升级连接直到关闭
func (s *Server) ServeConn(_ context.Context, ws *websocket.Conn) {
	conn := newConn(s.idGen.NextString(), ws, ws.RemoteAddr().String(), s.now(), s.conf.Conn)
	safe.Go("ws-writer", conn.writeLoop)

	ws.SetReadLimit(s.conf.MaxMessageBytes)
	ws.SetPongHandler(func(string) error {
		conn.MarkAlive(s.now())
		return nil
	})
	_ = ws.SetReadDeadline(s.now().Add(s.conf.AuthTimeout))

	// 连接生命周期 ctx：读循环退出即取消
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.readLoop(ctx, conn, ws)

	// ---- 退出阶段：回收 + 通知写协程收尾 ----
	s.hub.Drop(conn)
	conn.CloseWith(websocket.CloseNormalClosure, "")
	select {
	case <-conn.Closed():
	case <-time.After(2 * time.Second):
		conn.Terminate()
	}
	logger.Debug("[WS] closed", zap.String("conn", conn.ID), zap.String("user", conn.UserID()))
}

// ---- 读循环：只读，不写；出错即退出 ----
func (s *Server) readLoop(ctx context.Context, conn *Conn, ws *websocket.Conn) {
	for {
		mt, data, rerr := ws.ReadMessage()
		if rerr != nil {
			s.logReadErr(conn, rerr)
			return
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}

		env, perr := protocol.Decode(data)

		switch conn.State() {
		case StateRejected:
			return
		case StateUnauthenticated:
			if perr != nil {
				env = nil
			}
			if err := s.gate.Admit(ctx, conn, env); err != nil {
				return
			}
			// 认证通过：取消认证窗口的读超时，由心跳负责活性
			_ = ws.SetReadDeadline(time.Time{})
			continue
		}

		if perr != nil {
			s.metrics.protocolError()
			sample := data
			if len(sample) > 256 {
				sample = sample[:256]
			}
			logger.Info("[WS] drop malformed frame",
				zap.String("conn", conn.ID), zap.Error(perr), zap.ByteString("sample", sample))
			continue
		}

		s.metrics.envelopeIn(env.Type)
		if env.Type == protocol.TypeAuth {
			continue
		}
		if err := s.disp.Dispatch(ctx, conn, env); err != nil {
			replyError(conn, env, err)
		}
	}
}

func (s *Server) logReadErr(conn *Conn, rerr error) {
	if websocket.IsCloseError(rerr,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
	) {
		logger.Debug("[WS] peer closed", zap.String("conn", conn.ID), zap.Error(rerr))
		return
	}
	if ne, ok := rerr.(net.Error); ok && ne.Timeout() {
		if conn.State() == StateUnauthenticated {
			s.gate.Timeout(conn)
		}
		logger.Info("[WS] read timeout", zap.String("conn", conn.ID), zap.Error(rerr))
		return
	}
	logger.Debug("[WS] read err", zap.String("conn", conn.ID), zap.Error(rerr))
}
