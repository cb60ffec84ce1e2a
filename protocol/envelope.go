package protocol

import (
	"bytes"
	"encoding/json"
	"time"

	"PPRealtime/tools/errs"
)

// Type 信封类型（大小写敏感）
type Type string

const (
	TypeMessage          Type = "message"
	TypeTyping           Type = "typing"
	TypeStopTyping       Type = "stopTyping"
	TypeMessageDelivered Type = "message_delivered"
	TypeMessageRead      Type = "message_read"

	TypeFriendRequest Type = "FRIEND_REQUEST"
	TypeFriendAccept  Type = "FRIEND_ACCEPT"
	TypeFriendReject  Type = "FRIEND_REJECT"

	TypeCallOffer        Type = "CALL_OFFER"
	TypeCallAnswer       Type = "CALL_ANSWER"
	TypeCallICECandidate Type = "CALL_ICE_CANDIDATE"
	TypeCallReject       Type = "CALL_REJECT"
	TypeCallEnd          Type = "CALL_END"
	TypeCallTimeout      Type = "CALL_TIMEOUT"

	TypePing        Type = "ping"
	TypePong        Type = "pong"
	TypeAuth        Type = "auth"
	TypeAuthSuccess Type = "auth_success"
	TypeAuthError   Type = "auth_error"
	TypeAck         Type = "ack"
	TypeError       Type = "error"
	TypePresence    Type = "presence"
)

var known = map[Type]struct{}{
	TypeMessage: {}, TypeTyping: {}, TypeStopTyping: {}, TypeMessageDelivered: {}, TypeMessageRead: {},
	TypeFriendRequest: {}, TypeFriendAccept: {}, TypeFriendReject: {},
	TypeCallOffer: {}, TypeCallAnswer: {}, TypeCallICECandidate: {}, TypeCallReject: {}, TypeCallEnd: {}, TypeCallTimeout: {},
	TypePing: {}, TypePong: {}, TypeAuth: {}, TypeAuthSuccess: {}, TypeAuthError: {},
	TypeAck: {}, TypeError: {}, TypePresence: {},
}

// Known 是否为协议内已定义的类型
func (t Type) Known() bool {
	_, ok := known[t]
	return ok
}

func (t Type) IsCall() bool {
	switch t {
	case TypeCallOffer, TypeCallAnswer, TypeCallICECandidate, TypeCallReject, TypeCallEnd, TypeCallTimeout:
		return true
	}
	return false
}

func (t Type) IsFriend() bool {
	return t == TypeFriendRequest || t == TypeFriendAccept || t == TypeFriendReject
}

func (t Type) IsReceipt() bool {
	return t == TypeMessageDelivered || t == TypeMessageRead
}

// Types 全部类型，按声明顺序
func Types() []Type {
	return []Type{
		TypeMessage, TypeTyping, TypeStopTyping, TypeMessageDelivered, TypeMessageRead,
		TypeFriendRequest, TypeFriendAccept, TypeFriendReject,
		TypeCallOffer, TypeCallAnswer, TypeCallICECandidate, TypeCallReject, TypeCallEnd, TypeCallTimeout,
		TypePing, TypePong, TypeAuth, TypeAuthSuccess, TypeAuthError, TypeAck, TypeError, TypePresence,
	}
}

type PresenceStatus string

const (
	StatusOnline  PresenceStatus = "online"
	StatusOffline PresenceStatus = "offline"
)

// Envelope 传输单元；发出后不可变，路由只复制不修改
type Envelope struct {
	ID           string          `json:"id,omitempty"`
	Type         Type            `json:"type"`
	SenderID     string          `json:"senderId,omitempty"`
	SenderName   string          `json:"senderName,omitempty"`
	SenderAvatar string          `json:"senderAvatar,omitempty"`
	ChatID       string          `json:"chatId,omitempty"`
	To           string          `json:"to,omitempty"`
	Content      string          `json:"content,omitempty"`
	ContentType  string          `json:"contentType,omitempty"`
	MessageID    string          `json:"messageId,omitempty"`
	ReplyTo      string          `json:"replyTo,omitempty"`
	Token        string          `json:"token,omitempty"`
	UserID       string          `json:"userId,omitempty"`
	Status       PresenceStatus  `json:"status,omitempty"`
	Message      string          `json:"message,omitempty"`
	Code         string          `json:"code,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Timestamp    int64           `json:"timestamp,omitempty"`
}

// Clone 深拷贝（payload 字节也复制）
func (e *Envelope) Clone() *Envelope {
	if e == nil {
		return nil
	}
	c := *e
	if e.Payload != nil {
		c.Payload = append(json.RawMessage(nil), e.Payload...)
	}
	return &c
}

func NowMillis() int64 { return time.Now().UnixMilli() }

// Encode 单帧 JSON，无换行
func Encode(e *Envelope) ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, errs.WrapMsg(err, "encode envelope", "type", e.Type)
	}
	return b, nil
}

// Decode 解析一帧；非法 JSON 或缺 type 视为协议错误
func Decode(raw []byte) (*Envelope, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return nil, errs.ErrProtocol.WrapMsg("frame is not a JSON object")
	}
	var e Envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, errs.ErrProtocol.WrapMsg(err.Error())
	}
	if e.Type == "" {
		return nil, errs.ErrProtocol.WrapMsg("type missing")
	}
	return &e, nil
}

// ---- 常用帧构造 ----

func Ping(ts int64) *Envelope { return &Envelope{Type: TypePing, Timestamp: ts} }
func Pong(ts int64) *Envelope { return &Envelope{Type: TypePong, Timestamp: ts} }

func Ack(messageID, replyTo string) *Envelope {
	return &Envelope{Type: TypeAck, MessageID: messageID, ReplyTo: replyTo, Timestamp: NowMillis()}
}

func AuthSuccess(userID string) *Envelope {
	return &Envelope{Type: TypeAuthSuccess, UserID: userID, Timestamp: NowMillis()}
}

func AuthError(msg string) *Envelope {
	return &Envelope{Type: TypeAuthError, Message: msg, Timestamp: NowMillis()}
}

func Error(code, msg, replyTo string) *Envelope {
	return &Envelope{Type: TypeError, Code: code, Message: msg, ReplyTo: replyTo, Timestamp: NowMillis()}
}

func Presence(userID string, status PresenceStatus) *Envelope {
	return &Envelope{Type: TypePresence, UserID: userID, Status: status, Timestamp: NowMillis()}
}
