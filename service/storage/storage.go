package storage

import (
	"context"
	"time"
)

// User 扇出时回填的展示字段
type User struct {
	ID          string `json:"id" bson:"_id"`
	DisplayName string `json:"displayName" bson:"display_name"`
	Avatar      string `json:"avatar,omitempty" bson:"avatar,omitempty"`
}

// StoredMessage 落库后由存储分配的 id 与时间
type StoredMessage struct {
	ID        string
	ChatID    string
	SenderID  string
	Content   string
	Type      string
	CreatedAt time.Time
}

// FriendRequest 好友申请状态
type FriendRequestStatus int32

const (
	FriendRequestPending  FriendRequestStatus = 0
	FriendRequestAccepted FriendRequestStatus = 1
	FriendRequestRejected FriendRequestStatus = -1
)

type FriendRequest struct {
	FromUserID string
	ToUserID   string
	Status     FriendRequestStatus
	CreatedAt  time.Time
	HandledAt  time.Time
}

// Storage 网关依赖的持久化能力
type Storage interface {
	GetChatParticipants(ctx context.Context, chatID string) ([]string, error)
	AddMessage(ctx context.Context, chatID, senderID, content, contentType string) (StoredMessage, error)
	GetFriends(ctx context.Context, userID string) ([]string, error)
	GetUser(ctx context.Context, userID string) (User, error)

	// CreateFriendRequest 记录 from -> to 的待处理申请；已是好友或已有待处理申请返回 ErrBadRequest
	CreateFriendRequest(ctx context.Context, from, to string) (FriendRequest, error)
	// RespondFriendRequest to 处理 from 的申请；无待处理申请返回 ErrNotFound；accept 时双向加好友
	RespondFriendRequest(ctx context.Context, from, to string, accept bool) (FriendRequest, error)
}

// Closer 存储实现可选实现
type Closer interface {
	Close(ctx context.Context) error
}
