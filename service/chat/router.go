package chat

import (
	"context"
	"strings"
	"time"

	"PPRealtime/logger"
	"PPRealtime/protocol"
	"PPRealtime/service/storage"
	"PPRealtime/tools/decode"
	"PPRealtime/tools/errs"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

// MessageCreated 消息落库后的事件
type MessageCreated struct {
	MessageID    string   `json:"messageId"`
	ChatID       string   `json:"chatId"`
	SenderID     string   `json:"senderId"`
	Content      string   `json:"content"`
	ContentType  string   `json:"contentType"`
	Participants []string `json:"participants"`
	CreatedAt    int64    `json:"createdAt"`
}

// MessageSink 事件出口（Kafka 实现见 service/kafka）
type MessageSink interface {
	PublishMessageCreated(ctx context.Context, ev MessageCreated) error
}

// RouterDeps 路由依赖
type RouterDeps struct {
	Hub       *Hub
	Storage   storage.Storage
	Sink      MessageSink // 可为空
	DedupSize int         // 重放去重缓存容量
	Metrics   *Metrics
	Now       func() time.Time
}

// Router 已认证连接上的业务帧
type Router struct {
	hub     *Hub
	store   storage.Storage
	sink    MessageSink
	dedup   *lru.Cache[string, string] // senderID/clientID -> messageID
	metrics *Metrics
	now     func() time.Time
	timeout time.Duration
}

func NewRouter(d RouterDeps) (*Router, error) {
	if d.DedupSize <= 0 {
		d.DedupSize = 4096
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	cache, err := lru.New[string, string](d.DedupSize)
	if err != nil {
		return nil, errs.WrapMsg(err, "new dedup cache", "size", d.DedupSize)
	}
	return &Router{
		hub:     d.Hub,
		store:   d.Storage,
		sink:    d.Sink,
		dedup:   cache,
		metrics: d.Metrics,
		now:     d.Now,
		timeout: 5 * time.Second,
	}, nil
}

// Handlers 全部业务 handler，交给 Dispatcher.Register
func (r *Router) Handlers() []Handler {
	hs := []Handler{
		handlerFunc{protocol.TypeMessage, r.handleMessage},
		handlerFunc{protocol.TypeTyping, r.handleTyping},
		handlerFunc{protocol.TypeStopTyping, r.handleTyping},
		handlerFunc{protocol.TypeMessageDelivered, r.handleReceipt},
		handlerFunc{protocol.TypeMessageRead, r.handleReceipt},
		handlerFunc{protocol.TypeFriendRequest, r.handleFriendRequest},
		handlerFunc{protocol.TypeFriendAccept, r.handleFriendResponse},
		handlerFunc{protocol.TypeFriendReject, r.handleFriendResponse},
		handlerFunc{protocol.TypePing, r.handlePing},
		handlerFunc{protocol.TypePong, r.handlePong},
	}
	for _, t := range protocol.Types() {
		if t.IsCall() {
			hs = append(hs, handlerFunc{t, r.handleCall})
		}
	}
	return hs
}

type handlerFunc struct {
	t  protocol.Type
	fn func(ctx context.Context, c *Conn, env *protocol.Envelope) error
}

func (h handlerFunc) Type() protocol.Type { return h.t }
func (h handlerFunc) Handle(ctx context.Context, c *Conn, env *protocol.Envelope) error {
	return h.fn(ctx, c, env)
}

// ===== message =====

func (r *Router) handleMessage(ctx context.Context, c *Conn, env *protocol.Envelope) error {
	sender := c.UserID()
	if env.ChatID == "" || strings.TrimSpace(env.Content) == "" {
		return errs.ErrBadRequest.WrapMsg("chatId and content required")
	}

	// 客户端重发（断线重连后 flush）：按原 id 回 ack，不再落库扇出
	dedupKey := ""
	if env.ID != "" {
		dedupKey = sender + "/" + env.ID
		if mid, ok := r.dedup.Get(dedupKey); ok {
			r.metrics.DedupHit()
			c.SendEnvelope(protocol.Ack(mid, env.ID))
			return nil
		}
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	participants, err := r.participantsOf(ctx, env.ChatID, sender)
	if err != nil {
		return err
	}

	contentType := env.ContentType
	if contentType == "" {
		contentType = "text"
	}
	stored, err := r.store.AddMessage(ctx, env.ChatID, sender, env.Content, contentType)
	if err != nil {
		return err
	}

	profile, err := r.store.GetUser(ctx, sender)
	if err != nil {
		logger.Debug("[Router] sender profile missing", zap.String("user", sender), zap.Error(err))
		profile = storage.User{ID: sender}
	}

	out := &protocol.Envelope{
		ID:           stored.ID,
		Type:         protocol.TypeMessage,
		SenderID:     sender,
		SenderName:   profile.DisplayName,
		SenderAvatar: profile.Avatar,
		ChatID:       env.ChatID,
		Content:      stored.Content,
		ContentType:  contentType,
		Timestamp:    stored.CreatedAt.UnixMilli(),
	}
	r.hub.SendMany(participants, out)
	c.SendEnvelope(protocol.Ack(stored.ID, env.ID))

	if dedupKey != "" {
		r.dedup.Add(dedupKey, stored.ID)
	}
	r.emitCreated(MessageCreated{
		MessageID:    stored.ID,
		ChatID:       env.ChatID,
		SenderID:     sender,
		Content:      stored.Content,
		ContentType:  contentType,
		Participants: participants,
		CreatedAt:    out.Timestamp,
	})
	return nil
}

func (r *Router) emitCreated(ev MessageCreated) {
	if r.sink == nil {
		return
	}
	r.hub.Submit(func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()
		if err := r.sink.PublishMessageCreated(ctx, ev); err != nil {
			logger.Warn("[Router] publish MessageCreated failed", zap.String("msg", ev.MessageID), zap.Error(err))
		}
	})
}

// participantsOf 发送者必须是会话成员
func (r *Router) participantsOf(ctx context.Context, chatID, sender string) ([]string, error) {
	participants, err := r.store.GetChatParticipants(ctx, chatID)
	if err != nil {
		return nil, err
	}
	for _, p := range participants {
		if p == sender {
			return participants, nil
		}
	}
	return nil, errs.ErrForbidden.WrapMsg("not a participant", "chat", chatID, "user", sender)
}

// ===== typing / stopTyping =====

func (r *Router) handleTyping(ctx context.Context, c *Conn, env *protocol.Envelope) error {
	sender := c.UserID()
	if env.ChatID == "" {
		return errs.ErrBadRequest.WrapMsg("chatId required")
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	participants, err := r.participantsOf(ctx, env.ChatID, sender)
	if err != nil {
		return err
	}
	others := make([]string, 0, len(participants))
	for _, p := range participants {
		if p != sender {
			others = append(others, p)
		}
	}
	r.hub.SendMany(others, &protocol.Envelope{
		Type:      env.Type,
		SenderID:  sender,
		ChatID:    env.ChatID,
		Timestamp: r.now().UnixMilli(),
	})
	return nil
}

// ===== message_delivered / message_read =====

func (r *Router) handleReceipt(_ context.Context, c *Conn, env *protocol.Envelope) error {
	if env.To == "" || env.MessageID == "" {
		return errs.ErrBadRequest.WrapMsg("to and messageId required")
	}
	r.hub.Send(env.To, &protocol.Envelope{
		Type:      env.Type,
		SenderID:  c.UserID(),
		To:        env.To,
		ChatID:    env.ChatID,
		MessageID: env.MessageID,
		Timestamp: r.now().UnixMilli(),
	})
	return nil
}

// ===== 好友 =====

// FriendPayload 好友申请附带信息
type FriendPayload struct {
	Message string `json:"message,omitempty"`
}

func (r *Router) handleFriendRequest(ctx context.Context, c *Conn, env *protocol.Envelope) error {
	sender := c.UserID()
	if env.To == "" || env.To == sender {
		return errs.ErrBadRequest.WrapMsg("invalid friend target", "to", env.To)
	}
	if _, err := decode.Payload[FriendPayload](env.Payload); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	if _, err := r.store.CreateFriendRequest(ctx, sender, env.To); err != nil {
		return err
	}
	r.pushFriend(ctx, sender, env)
	return nil
}

// handleFriendResponse 发送方处理 to 发来的申请
func (r *Router) handleFriendResponse(ctx context.Context, c *Conn, env *protocol.Envelope) error {
	sender := c.UserID()
	if env.To == "" {
		return errs.ErrBadRequest.WrapMsg("to required")
	}
	accept := env.Type == protocol.TypeFriendAccept
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	if _, err := r.store.RespondFriendRequest(ctx, env.To, sender, accept); err != nil {
		return err
	}
	r.pushFriend(ctx, sender, env)
	if accept {
		// 成为好友后互相补发一次在线状态
		if r.hub.IsOnline(env.To) {
			c.SendEnvelope(protocol.Presence(env.To, protocol.StatusOnline))
		}
		r.hub.Send(env.To, protocol.Presence(sender, protocol.StatusOnline))
	}
	return nil
}

func (r *Router) pushFriend(ctx context.Context, sender string, env *protocol.Envelope) {
	out := &protocol.Envelope{
		ID:        env.ID,
		Type:      env.Type,
		SenderID:  sender,
		To:        env.To,
		Payload:   env.Payload,
		Timestamp: r.now().UnixMilli(),
	}
	if profile, err := r.store.GetUser(ctx, sender); err == nil {
		out.SenderName = profile.DisplayName
		out.SenderAvatar = profile.Avatar
	}
	r.hub.Send(env.To, out)
}

// ===== CALL_* 信令：payload 原样转发 =====

func (r *Router) handleCall(_ context.Context, c *Conn, env *protocol.Envelope) error {
	if env.To == "" {
		return errs.ErrBadRequest.WrapMsg("to required")
	}
	out := env.Clone()
	out.SenderID = c.UserID()
	out.Token = ""
	if out.Timestamp == 0 {
		out.Timestamp = r.now().UnixMilli()
	}
	r.hub.Send(env.To, out)
	return nil
}

// ===== 应用层心跳 =====

func (r *Router) handlePing(_ context.Context, c *Conn, env *protocol.Envelope) error {
	now := r.now()
	c.MarkAlive(now)
	ts := env.Timestamp
	if ts == 0 {
		ts = now.UnixMilli()
	}
	c.SendEnvelope(protocol.Pong(ts))
	return nil
}

func (r *Router) handlePong(_ context.Context, c *Conn, _ *protocol.Envelope) error {
	c.MarkAlive(r.now())
	return nil
}
