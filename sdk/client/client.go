package client

import (
	"context"
	"errors"
	"sync"
	"time"

	"PPRealtime/logger"
	"PPRealtime/protocol"
	"PPRealtime/sdk/eventbus"
	"PPRealtime/tools/errs"
	"PPRealtime/tools/safe"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var errAuthRejected = errs.ErrTokenInvalid.WrapMsg("auth rejected")

// Client 单 tab 的实时连接：鉴权、重连、离线排队、ack
type Client struct {
	opts  Options
	bus   *eventbus.Bus
	acks  *PendingAcks
	queue *OutgoingQueue
	log   *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	st       connState
	offCoord func()

	wmu sync.Mutex // 同一时刻只允许一个写
}

func New(opts Options) (*Client, error) {
	if err := opts.norm(); err != nil {
		return nil, err
	}
	q, err := NewOutgoingQueue(opts.QueueCap, opts.QueueStore)
	if err != nil {
		return nil, err
	}
	c := &Client{
		opts:  opts,
		bus:   eventbus.New(),
		queue: q,
		log:   logger.Named("client"),
	}
	c.acks = NewPendingAcks(opts.Clock, func(id string) {
		c.bus.Emit(eventbus.Event{Kind: eventbus.AckTimeout, Data: id, Err: ErrAckTimeout})
	})
	c.st.primary = true
	return c, nil
}

// On 订阅事件
func (c *Client) On(kind eventbus.Kind, h eventbus.Handler) (off func()) {
	return c.bus.On(kind, h)
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.st.state
}

// Expired 服务端以 4003 关闭过连接，需刷新 token 后调用 TokenRefreshed
func (c *Client) Expired() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.st.expired
}

func (c *Client) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.st.userID
}

func (c *Client) QueueLen() int { return c.queue.Len() }

// Start 开始维持连接；ctx 结束等同 Close
func (c *Client) Start(ctx context.Context) {
	c.mu.Lock()
	if c.st.started {
		c.mu.Unlock()
		return
	}
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.st.started = true
	if co := c.opts.Coordinator; co != nil {
		c.st.primary = co.IsPrimary()
		c.offCoord = co.OnChange(c.onPrimaryChange)
	}
	c.mu.Unlock()

	safe.Go("client-ctx", func() {
		<-c.ctx.Done()
		c.Close()
	})
	c.maybeConnect()
}

// Close 主动关闭，不再重连
func (c *Client) Close() {
	c.mu.Lock()
	if c.st.closing {
		c.mu.Unlock()
		return
	}
	c.st.closing = true
	c.stopRetryLocked()
	ws, holder := c.detachLocked()
	evs := c.setStateLocked(StateDisconnected)
	off := c.offCoord
	c.offCoord = nil
	c.mu.Unlock()

	if ws != nil {
		c.closeSocket(ws, protocol.CloseNormal, "client close")
		if holder {
			c.announceDisconnected()
		}
	}
	if off != nil {
		off()
	}
	c.acks.FailAll(ErrClosed)
	if c.cancel != nil {
		c.cancel()
	}
	c.emitAll(evs)
}

// ===== 重连触发 =====

// TokenRefreshed token 更新后重置退避并尝试连接
func (c *Client) TokenRefreshed() { c.reset("token refreshed") }

// NetworkOnline 网络恢复
func (c *Client) NetworkOnline() { c.reset("network online") }

// Reconnect 用户手动重连
func (c *Client) Reconnect() { c.reset("user action") }

func (c *Client) reset(reason string) {
	c.mu.Lock()
	c.st.attempt = 0
	c.st.exhausted = false
	c.st.authFailed = false
	c.st.expired = false
	var evs []eventbus.Event
	if c.stopRetryLocked() && c.st.state == StateReconnecting {
		evs = c.setStateLocked(StateDisconnected)
	}
	c.mu.Unlock()
	c.log.Debug("[Client] reset", zap.String("reason", reason))
	c.emitAll(evs)
	c.maybeConnect()
}

// SetRoute 切换页面路由；进入排除路由时断开
func (c *Client) SetRoute(route string) {
	c.mu.Lock()
	c.st.route = route
	if !c.opts.excluded(route) {
		c.mu.Unlock()
		c.announceEligible(true)
		c.maybeConnect()
		return
	}
	c.stopRetryLocked()
	ws, holder := c.detachLocked()
	evs := c.setStateLocked(StateDisconnected)
	c.mu.Unlock()

	if ws != nil {
		c.closeSocket(ws, protocol.CloseNormal, "route excluded")
		if holder {
			c.announceDisconnected()
		}
	}
	c.announceEligible(false)
	c.emitAll(evs)
}

// onPrimaryChange 协调器回调；失去 primary 时本地关闭，不宣告下线
func (c *Client) onPrimaryChange(primary bool) {
	c.mu.Lock()
	c.st.primary = primary
	var (
		ws  *websocket.Conn
		evs []eventbus.Event
	)
	if !primary {
		c.stopRetryLocked()
		ws, _ = c.detachLocked()
		evs = c.setStateLocked(StateDisconnected)
	}
	c.mu.Unlock()

	if ws != nil {
		c.closeSocket(ws, protocol.CloseNormal, "relinquished to another tab")
	}
	evs = append(evs, eventbus.Event{Kind: eventbus.PrimaryChanged, Data: primary})
	c.emitAll(evs)
	if primary {
		c.maybeConnect()
	}
}

// ===== 连接 =====

func (c *Client) eligibleLocked() bool {
	s := &c.st
	return s.started && !s.closing && !s.authFailed && !s.exhausted && s.primary && !c.opts.excluded(s.route)
}

func (c *Client) maybeConnect() {
	c.mu.Lock()
	if !c.eligibleLocked() || c.st.retry != nil ||
		(c.st.state != StateDisconnected && c.st.state != StateReconnecting) {
		c.mu.Unlock()
		return
	}
	c.st.gen++
	gen := c.st.gen
	evs := c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	c.emitAll(evs)
	safe.Go("client-dial", func() { c.dial(gen) })
}

func (c *Client) dial(gen uint64) {
	token, err := c.opts.TokenProvider(c.ctx)
	if err != nil || token == "" {
		// 没有 token 不算失败，等 TokenRefreshed
		c.log.Debug("[Client] no token, stay disconnected", zap.Error(err))
		c.mu.Lock()
		var evs []eventbus.Event
		if gen == c.st.gen {
			evs = c.setStateLocked(StateDisconnected)
		}
		c.mu.Unlock()
		c.emitAll(evs)
		return
	}

	ctx, cancel := context.WithTimeout(c.ctx, c.opts.HandshakeTimeout)
	defer cancel()
	ws, _, err := c.opts.Dialer.DialContext(ctx, c.opts.URL, c.opts.Header)
	if err != nil {
		c.onDrop(gen, nil, 0, err)
		return
	}
	userID, code, err := c.handshake(ws, token)
	if err != nil {
		c.onDrop(gen, ws, code, err)
		return
	}

	c.mu.Lock()
	if gen != c.st.gen || !c.eligibleLocked() {
		c.mu.Unlock()
		c.closeSocket(ws, protocol.CloseNormal, "stale connection")
		return
	}
	c.st.ws = ws
	c.st.healthy = false
	c.st.userID = userID
	c.st.holder = c.opts.Coordinator != nil
	evs := c.setStateLocked(StateConnected)
	c.mu.Unlock()

	c.log.Info("[Client] connected", zap.String("user", userID), zap.String("url", c.opts.URL))
	if co := c.opts.Coordinator; co != nil {
		if err := co.Connected(c.ctx); err != nil {
			c.log.Warn("[Client] announce connected failed", zap.Error(err))
		}
	}
	c.emitAll(evs)

	pong := make(chan struct{}, 1)
	done := make(chan struct{})
	safe.Go("client-read", func() { c.readLoop(gen, ws, pong, done) })
	safe.Go("client-heartbeat", func() { c.heartbeat(gen, ws, pong, done) })
	c.flush(gen, ws)
}

// handshake 发送 auth 并等待结果；auth_error 时尽量读出 close code
func (c *Client) handshake(ws *websocket.Conn, token string) (userID string, code int, err error) {
	if err := c.write(ws, &protocol.Envelope{Type: protocol.TypeAuth, Token: token, Timestamp: c.now()}); err != nil {
		return "", 0, err
	}
	_ = ws.SetReadDeadline(time.Now().Add(c.opts.HandshakeTimeout))
	defer ws.SetReadDeadline(time.Time{})
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return "", closeCodeOf(err), err
		}
		env, err := protocol.Decode(data)
		if err != nil {
			continue
		}
		switch env.Type {
		case protocol.TypeAuthSuccess:
			return env.UserID, 0, nil
		case protocol.TypeAuthError:
			// 没读到 close 帧时按 4002 处理；4008 等非鉴权码交给 onDrop 区分
			code := protocol.CloseTokenInvalid
			_ = ws.SetReadDeadline(time.Now().Add(time.Second))
			if _, _, rerr := ws.ReadMessage(); rerr != nil {
				if cc := closeCodeOf(rerr); cc != 0 && cc != websocket.CloseAbnormalClosure && cc != websocket.CloseNoStatusReceived {
					code = cc
				}
			}
			return "", code, errs.WrapMsg(errAuthRejected, env.Message)
		}
	}
}

func closeCodeOf(err error) int {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return 0
}

// onDrop 连接（或拨号）失败后的唯一出口
func (c *Client) onDrop(gen uint64, ws *websocket.Conn, code int, cause error) {
	if ws != nil {
		_ = ws.Close()
	}
	c.mu.Lock()
	if gen != c.st.gen {
		c.mu.Unlock()
		return
	}
	holder := c.st.holder
	c.st.holder = false
	c.st.ws = nil

	var (
		evs    []eventbus.Event
		giveUp error
	)
	switch {
	case c.st.closing:
		evs = c.setStateLocked(StateDisconnected)
	case protocol.IsAuthClose(code):
		c.st.authFailed = true
		c.st.expired = code == protocol.CloseTokenExpired
		giveUp = ErrAuthFailed
		evs = c.setStateLocked(StateDisconnected)
		evs = append(evs, eventbus.Event{Kind: eventbus.AuthFailure, Data: code, Err: cause})
	case code == protocol.CloseReplaced:
		// 同一用户的新连接顶替了本连接，不抢回来
		evs = c.setStateLocked(StateDisconnected)
	case !c.eligibleLocked():
		evs = c.setStateLocked(StateDisconnected)
	default:
		evs = c.scheduleRetryLocked()
		if c.st.exhausted {
			giveUp = ErrReconnectExhausted
		}
	}
	c.mu.Unlock()

	c.log.Info("[Client] connection dropped", zap.Int("code", code), zap.Error(cause))
	if holder {
		c.announceDisconnected()
	}
	if giveUp != nil {
		c.failQueuedAcks(giveUp)
	}
	c.emitAll(evs)
}

// failQueuedAcks 不会再自动连上：排队中等 ack 的信封出队并以 err 结束
func (c *Client) failQueuedAcks(err error) {
	items, serr := c.queue.TakeNeedAck()
	if serr != nil {
		c.log.Warn("[Client] outbox persist failed", zap.Error(serr))
	}
	for _, it := range items {
		c.acks.Reject(it.Envelope.ID, err)
	}
	if len(items) > 0 {
		c.log.Info("[Client] queued messages failed", zap.Int("n", len(items)), zap.Error(err))
	}
}

func (c *Client) scheduleRetryLocked() []eventbus.Event {
	s := &c.st
	if s.attempt >= c.opts.Backoff.MaxAttempts {
		s.exhausted = true
		evs := c.setStateLocked(StateDisconnected)
		return append(evs, eventbus.Event{Kind: eventbus.ReconnectExhausted, Data: s.attempt})
	}
	delay := c.opts.Backoff.Delay(s.attempt, c.opts.Rand())
	if s.immediate {
		delay = 0
		s.immediate = false
	}
	s.attempt++
	evs := c.setStateLocked(StateReconnecting)
	s.retrySeq++
	seq := s.retrySeq
	s.retry = c.opts.Clock.AfterFunc(delay, func() {
		// 不在调用方的锁内执行
		safe.Go("client-retry", func() { c.retryFired(seq) })
	})
	c.log.Debug("[Client] reconnect scheduled", zap.Int("attempt", s.attempt), zap.Duration("delay", delay))
	return evs
}

func (c *Client) retryFired(seq uint64) {
	c.mu.Lock()
	// 已被取消或替换
	if c.st.retry == nil || c.st.retrySeq != seq {
		c.mu.Unlock()
		return
	}
	c.st.retry = nil
	c.mu.Unlock()
	c.maybeConnect()
}

func (c *Client) stopRetryLocked() bool {
	if c.st.retry == nil {
		return false
	}
	c.st.retry.Stop()
	c.st.retry = nil
	return true
}

// detachLocked 作废当前连接代，返回需要关闭的 socket
func (c *Client) detachLocked() (*websocket.Conn, bool) {
	c.st.gen++
	ws, holder := c.st.ws, c.st.holder
	c.st.ws = nil
	c.st.holder = false
	return ws, holder
}

func (c *Client) setStateLocked(s State) []eventbus.Event {
	if c.st.state == s {
		return nil
	}
	prev := c.st.state
	c.st.state = s
	return []eventbus.Event{{Kind: eventbus.StateChanged, Data: StateChange{From: prev, To: s}}}
}

// StateChange StateChanged 事件的数据
type StateChange struct {
	From State
	To   State
}

// Lost 已建立的连接断开
func (s StateChange) Lost() bool { return s.From == StateConnected && s.To != StateConnected }

func (c *Client) emitAll(evs []eventbus.Event) {
	for _, ev := range evs {
		c.bus.Emit(ev)
	}
}

func (c *Client) announceDisconnected() {
	co := c.opts.Coordinator
	if co == nil {
		return
	}
	if err := co.Disconnected(context.Background()); err != nil {
		c.log.Warn("[Client] announce disconnected failed", zap.Error(err))
	}
}

func (c *Client) announceEligible(eligible bool) {
	co := c.opts.Coordinator
	if co == nil {
		return
	}
	if err := co.SetEligible(context.Background(), eligible); err != nil {
		c.log.Warn("[Client] announce eligibility failed", zap.Error(err))
	}
}

func (c *Client) closeSocket(ws *websocket.Conn, code int, reason string) {
	c.wmu.Lock()
	_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
	c.wmu.Unlock()
	_ = ws.Close()
}

// ===== 读写 =====

func (c *Client) now() int64 { return c.opts.Clock.Now().UnixMilli() }

func (c *Client) write(ws *websocket.Conn, env *protocol.Envelope) error {
	b, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = ws.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
	return ws.WriteMessage(websocket.TextMessage, b)
}

func (c *Client) readLoop(gen uint64, ws *websocket.Conn, pong chan<- struct{}, done chan struct{}) {
	defer close(done)
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			c.onDrop(gen, ws, closeCodeOf(err), err)
			return
		}
		env, err := protocol.Decode(data)
		if err != nil {
			c.log.Debug("[Client] drop malformed frame", zap.Error(err))
			continue
		}
		switch env.Type {
		case protocol.TypePong:
			select {
			case pong <- struct{}{}:
			default:
			}
		case protocol.TypePing:
			if err := c.write(ws, protocol.Pong(env.Timestamp)); err != nil {
				c.log.Debug("[Client] pong write failed", zap.Error(err))
			}
		case protocol.TypeAck:
			c.acks.Resolve(env)
		case protocol.TypeError:
			if env.ReplyTo != "" {
				c.acks.Reject(env.ReplyTo, &ServerError{Code: env.Code, Message: env.Message})
			}
		}
		c.bus.Emit(eventbus.Event{Kind: eventbus.ForType(env.Type), Envelope: env})
	}
}

// heartbeat 应用层 ping；PongTimeout 内没有 pong 立即重连
func (c *Client) heartbeat(gen uint64, ws *websocket.Conn, pong <-chan struct{}, done <-chan struct{}) {
	t := c.opts.Clock.Ticker(c.opts.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-done:
			return
		case <-c.ctx.Done():
			return
		case <-t.C:
		}
		// 清掉上一轮迟到的 pong
		select {
		case <-pong:
		default:
		}
		if err := c.write(ws, protocol.Ping(c.now())); err != nil {
			return
		}
		timer := c.opts.Clock.Timer(c.opts.PongTimeout)
		select {
		case <-pong:
			timer.Stop()
			c.markHealthy(gen)
		case <-done:
			timer.Stop()
			return
		case <-c.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			c.log.Warn("[Client] pong timeout, reconnecting")
			c.mu.Lock()
			// 从没收到过 pong 的连接照常退避
			if gen == c.st.gen && c.st.healthy {
				c.st.immediate = true
			}
			c.mu.Unlock()
			_ = ws.Close()
			return
		}
	}
}

// markHealthy 首个 pong 后才清零退避计数
func (c *Client) markHealthy(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen == c.st.gen && !c.st.healthy {
		c.st.healthy = true
		c.st.attempt = 0
	}
}

// flush 连上后按优先级发送排队信封；需要 ack 的重新计时
func (c *Client) flush(gen uint64, ws *websocket.Conn) {
	c.mu.Lock()
	if gen != c.st.gen {
		c.mu.Unlock()
		return
	}
	items, err := c.queue.Drain()
	c.mu.Unlock()
	if err != nil {
		c.log.Warn("[Client] outbox persist failed", zap.Error(err))
	}
	for i, it := range items {
		if err := c.write(ws, it.Envelope); err != nil {
			if err := c.queue.Requeue(items[i:]); err != nil {
				c.log.Warn("[Client] outbox persist failed", zap.Error(err))
			}
			return
		}
		if it.NeedAck {
			c.acks.Arm(it.Envelope.ID, c.opts.AckTimeout)
		}
	}
	if len(items) > 0 {
		c.log.Debug("[Client] outbox flushed", zap.Int("n", len(items)))
	}
}

// ===== 发送 =====

// Send 已连接时直接写，否则进入离线队列
func (c *Client) Send(_ context.Context, env *protocol.Envelope, prio Priority) error {
	return c.send(env, prio, false)
}

// SendSignal 通话信令
func (c *Client) SendSignal(ctx context.Context, env *protocol.Envelope) error {
	return c.Send(ctx, env, PriorityHigh)
}

func (c *Client) send(env *protocol.Envelope, prio Priority, needAck bool) error {
	if env.ID == "" {
		env.ID = uuid.NewString()
	}
	if env.Timestamp == 0 {
		env.Timestamp = c.now()
	}

	c.mu.Lock()
	if c.st.closing {
		c.mu.Unlock()
		return ErrClosed
	}
	ws := c.st.ws
	if ws == nil {
		err := c.enqueueLocked(env, prio, needAck)
		c.mu.Unlock()
		return err
	}
	c.mu.Unlock()

	if err := c.write(ws, env); err != nil {
		c.log.Debug("[Client] write failed, queued", zap.Error(err))
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.enqueueLocked(env, prio, needAck)
	}
	if needAck {
		c.acks.Arm(env.ID, c.opts.AckTimeout)
	}
	return nil
}

func (c *Client) enqueueLocked(env *protocol.Envelope, prio Priority, needAck bool) error {
	if needAck {
		switch {
		case c.st.authFailed:
			return ErrAuthFailed
		case c.st.exhausted:
			return ErrReconnectExhausted
		}
	}
	dropped, err := c.queue.Push(QueuedEnvelope{Envelope: env, Priority: prio, NeedAck: needAck, EnqueuedAt: c.now()})
	if dropped != nil && dropped.NeedAck {
		c.acks.Reject(dropped.Envelope.ID, ErrDropped)
	}
	if err != nil {
		// 落盘失败不影响内存队列
		c.log.Warn("[Client] outbox persist failed", zap.Error(err))
	}
	return nil
}

// SendMessage 发送聊天消息并等待 ack，返回服务端 message id
func (c *Client) SendMessage(ctx context.Context, chatID, content string) (string, error) {
	env := &protocol.Envelope{
		ID:          uuid.NewString(),
		Type:        protocol.TypeMessage,
		ChatID:      chatID,
		Content:     content,
		ContentType: "text",
	}
	p := c.acks.Track(env.ID, 0)
	if err := c.send(env, PriorityHigh, true); err != nil {
		c.acks.Forget(env.ID)
		return "", err
	}
	id, err := p.Wait(ctx)
	if err != nil && ctx.Err() != nil {
		c.acks.Forget(env.ID)
	}
	return id, err
}

// SendTyping typing / stopTyping
func (c *Client) SendTyping(ctx context.Context, chatID string, typing bool) error {
	t := protocol.TypeStopTyping
	if typing {
		t = protocol.TypeTyping
	}
	return c.Send(ctx, &protocol.Envelope{Type: t, ChatID: chatID}, PriorityLow)
}

// MarkDelivered 回执：已送达
func (c *Client) MarkDelivered(ctx context.Context, to, messageID string) error {
	return c.receipt(ctx, protocol.TypeMessageDelivered, to, messageID)
}

// MarkRead 回执：已读
func (c *Client) MarkRead(ctx context.Context, to, messageID string) error {
	return c.receipt(ctx, protocol.TypeMessageRead, to, messageID)
}

func (c *Client) receipt(ctx context.Context, t protocol.Type, to, messageID string) error {
	if to == "" || messageID == "" {
		return errs.ErrBadRequest.WrapMsg("receipt needs to and messageId")
	}
	return c.Send(ctx, &protocol.Envelope{Type: t, To: to, MessageID: messageID}, PriorityNormal)
}
