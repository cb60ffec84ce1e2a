package mongostore

import (
	"context"
	"time"

	"PPRealtime/service/storage"
	"PPRealtime/tools/errs"
	"PPRealtime/tools/ids"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	collUsers          = "users"
	collChats          = "chats"
	collMessages       = "messages"
	collFriends        = "friends"
	collFriendRequests = "friend_requests"
)

type chatDoc struct {
	ID           string   `bson:"_id"`
	Participants []string `bson:"participants"`
}

type messageDoc struct {
	ID          string    `bson:"_id"`
	ChatID      string    `bson:"chat_id"`
	SenderID    string    `bson:"sender_id"`
	Content     string    `bson:"content"`
	ContentType string    `bson:"content_type"`
	CreateTime  time.Time `bson:"create_time"`
}

// 好友关系单向存储，双向各一条；owner_user_id + friend_user_id 唯一
type friendDoc struct {
	OwnerUserID  string    `bson:"owner_user_id"`
	FriendUserID string    `bson:"friend_user_id"`
	CreateTime   time.Time `bson:"create_time"`
}

type friendRequestDoc struct {
	FromUserID   string    `bson:"from_user_id"`
	ToUserID     string    `bson:"to_user_id"`
	HandleResult int32     `bson:"handle_result"` // 0=未处理, 1=同意, -1=拒绝
	CreateTime   time.Time `bson:"create_time"`
	HandleTime   time.Time `bson:"handle_time,omitempty"`
}

// Store MongoDB 版 storage.Storage
type Store struct {
	db    *mongo.Database
	idGen *ids.Generator
}

var _ storage.Storage = (*Store)(nil)

func New(db *mongo.Database, idGen *ids.Generator) *Store {
	if idGen == nil {
		idGen = ids.Default()
	}
	return &Store{db: db, idGen: idGen}
}

// EnsureIndexes 启动时调用一次
func (s *Store) EnsureIndexes(ctx context.Context) error {
	_, err := s.db.Collection(collFriends).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "owner_user_id", Value: 1}, {Key: "friend_user_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return errors.Wrap(err, "index friends")
	}
	_, err = s.db.Collection(collFriendRequests).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "from_user_id", Value: 1}, {Key: "to_user_id", Value: 1}, {Key: "create_time", Value: -1}},
	})
	if err != nil {
		return errors.Wrap(err, "index friend_requests")
	}
	_, err = s.db.Collection(collMessages).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "chat_id", Value: 1}, {Key: "create_time", Value: 1}},
	})
	return errors.Wrap(err, "index messages")
}

func (s *Store) GetChatParticipants(ctx context.Context, chatID string) ([]string, error) {
	var doc chatDoc
	err := s.db.Collection(collChats).FindOne(ctx, bson.M{"_id": chatID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, errs.ErrNotFound.WrapMsg("chat", "chatId", chatID)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "find chat %s", chatID)
	}
	return doc.Participants, nil
}

func (s *Store) AddMessage(ctx context.Context, chatID, senderID, content, contentType string) (storage.StoredMessage, error) {
	doc := messageDoc{
		ID:          s.idGen.NextString(),
		ChatID:      chatID,
		SenderID:    senderID,
		Content:     content,
		ContentType: contentType,
		CreateTime:  time.Now().UTC(),
	}
	if _, err := s.db.Collection(collMessages).InsertOne(ctx, doc); err != nil {
		return storage.StoredMessage{}, errors.Wrapf(err, "insert message chat=%s", chatID)
	}
	return storage.StoredMessage{
		ID:        doc.ID,
		ChatID:    chatID,
		SenderID:  senderID,
		Content:   content,
		Type:      contentType,
		CreatedAt: doc.CreateTime,
	}, nil
}

func (s *Store) GetFriends(ctx context.Context, userID string) ([]string, error) {
	cur, err := s.db.Collection(collFriends).Find(ctx, bson.M{"owner_user_id": userID},
		options.Find().SetProjection(bson.M{"friend_user_id": 1}))
	if err != nil {
		return nil, errors.Wrapf(err, "find friends user=%s", userID)
	}
	var docs []friendDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, errors.Wrap(err, "decode friends")
	}
	out := make([]string, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.FriendUserID)
	}
	return out, nil
}

func (s *Store) GetUser(ctx context.Context, userID string) (storage.User, error) {
	var u storage.User
	err := s.db.Collection(collUsers).FindOne(ctx, bson.M{"_id": userID}).Decode(&u)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return storage.User{}, errs.ErrNotFound.WrapMsg("user", "userId", userID)
	}
	if err != nil {
		return storage.User{}, errors.Wrapf(err, "find user %s", userID)
	}
	return u, nil
}

func (s *Store) CreateFriendRequest(ctx context.Context, from, to string) (storage.FriendRequest, error) {
	if from == "" || to == "" || from == to {
		return storage.FriendRequest{}, errs.ErrBadRequest.WrapMsg("invalid friend request", "from", from, "to", to)
	}
	n, err := s.db.Collection(collFriends).CountDocuments(ctx, bson.M{"owner_user_id": from, "friend_user_id": to})
	if err != nil {
		return storage.FriendRequest{}, errors.Wrap(err, "count friends")
	}
	if n > 0 {
		return storage.FriendRequest{}, errs.ErrBadRequest.WrapMsg("already friends", "from", from, "to", to)
	}

	now := time.Now().UTC()
	// upsert 保证同一对用户最多一条未处理申请
	res, err := s.db.Collection(collFriendRequests).UpdateOne(ctx,
		bson.M{"from_user_id": from, "to_user_id": to, "handle_result": int32(storage.FriendRequestPending)},
		bson.M{"$setOnInsert": bson.M{"create_time": now}},
		options.Update().SetUpsert(true))
	if err != nil {
		return storage.FriendRequest{}, errors.Wrap(err, "upsert friend request")
	}
	if res.UpsertedCount == 0 {
		return storage.FriendRequest{}, errs.ErrBadRequest.WrapMsg("request pending", "from", from, "to", to)
	}
	return storage.FriendRequest{FromUserID: from, ToUserID: to, Status: storage.FriendRequestPending, CreatedAt: now}, nil
}

func (s *Store) RespondFriendRequest(ctx context.Context, from, to string, accept bool) (storage.FriendRequest, error) {
	status := storage.FriendRequestRejected
	if accept {
		status = storage.FriendRequestAccepted
	}
	now := time.Now().UTC()

	var doc friendRequestDoc
	err := s.db.Collection(collFriendRequests).FindOneAndUpdate(ctx,
		bson.M{"from_user_id": from, "to_user_id": to, "handle_result": int32(storage.FriendRequestPending)},
		bson.M{"$set": bson.M{"handle_result": int32(status), "handle_time": now}},
		options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return storage.FriendRequest{}, errs.ErrNotFound.WrapMsg("no pending friend request", "from", from, "to", to)
	}
	if err != nil {
		return storage.FriendRequest{}, errors.Wrap(err, "respond friend request")
	}

	if accept {
		models := []mongo.WriteModel{
			mongo.NewUpdateOneModel().
				SetFilter(bson.M{"owner_user_id": from, "friend_user_id": to}).
				SetUpdate(bson.M{"$setOnInsert": bson.M{"create_time": now}}).
				SetUpsert(true),
			mongo.NewUpdateOneModel().
				SetFilter(bson.M{"owner_user_id": to, "friend_user_id": from}).
				SetUpdate(bson.M{"$setOnInsert": bson.M{"create_time": now}}).
				SetUpsert(true),
		}
		if _, err := s.db.Collection(collFriends).BulkWrite(ctx, models); err != nil {
			return storage.FriendRequest{}, errors.Wrap(err, "add friends")
		}
	}
	return storage.FriendRequest{
		FromUserID: doc.FromUserID,
		ToUserID:   doc.ToUserID,
		Status:     storage.FriendRequestStatus(doc.HandleResult),
		CreatedAt:  doc.CreateTime,
		HandledAt:  doc.HandleTime,
	}, nil
}

// Close 断开底层连接
func (s *Store) Close(ctx context.Context) error {
	return s.db.Client().Disconnect(ctx)
}
