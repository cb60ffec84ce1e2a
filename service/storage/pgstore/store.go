package pgstore

import (
	"context"
	"time"

	"PPRealtime/service/storage"
	"PPRealtime/tools/errs"
	"PPRealtime/tools/ids"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
    id           TEXT PRIMARY KEY,
    display_name TEXT NOT NULL DEFAULT '',
    avatar       TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS chat_participants (
    chat_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    PRIMARY KEY (chat_id, user_id)
);
CREATE TABLE IF NOT EXISTS messages (
    id           TEXT PRIMARY KEY,
    chat_id      TEXT NOT NULL,
    sender_id    TEXT NOT NULL,
    content      TEXT NOT NULL,
    content_type TEXT NOT NULL,
    created_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS messages_chat_created ON messages (chat_id, created_at);
CREATE TABLE IF NOT EXISTS friends (
    owner_user_id  TEXT NOT NULL,
    friend_user_id TEXT NOT NULL,
    created_at     TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (owner_user_id, friend_user_id)
);
CREATE TABLE IF NOT EXISTS friend_requests (
    from_user_id  TEXT NOT NULL,
    to_user_id    TEXT NOT NULL,
    handle_result INT  NOT NULL DEFAULT 0,
    created_at    TIMESTAMPTZ NOT NULL,
    handled_at    TIMESTAMPTZ
);
CREATE UNIQUE INDEX IF NOT EXISTS friend_requests_pending
    ON friend_requests (from_user_id, to_user_id) WHERE handle_result = 0;
`

// Store PostgreSQL 版 storage.Storage
type Store struct {
	pool  *pgxpool.Pool
	idGen *ids.Generator
}

var _ storage.Storage = (*Store)(nil)

// Open 连接并 ping
func Open(ctx context.Context, dsn string, idGen *ids.Generator) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "pgxpool new")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "postgres ping")
	}
	if idGen == nil {
		idGen = ids.Default()
	}
	return &Store{pool: pool, idGen: idGen}, nil
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schema)
	return errors.Wrap(err, "ensure schema")
}

func (s *Store) GetChatParticipants(ctx context.Context, chatID string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT user_id FROM chat_participants WHERE chat_id = $1 ORDER BY user_id`, chatID)
	if err != nil {
		return nil, errors.Wrapf(err, "query participants chat=%s", chatID)
	}
	users, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, errors.Wrap(err, "scan participants")
	}
	if len(users) == 0 {
		return nil, errs.ErrNotFound.WrapMsg("chat", "chatId", chatID)
	}
	return users, nil
}

func (s *Store) AddMessage(ctx context.Context, chatID, senderID, content, contentType string) (storage.StoredMessage, error) {
	m := storage.StoredMessage{
		ID:        s.idGen.NextString(),
		ChatID:    chatID,
		SenderID:  senderID,
		Content:   content,
		Type:      contentType,
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO messages (id, chat_id, sender_id, content, content_type, created_at) VALUES ($1,$2,$3,$4,$5,$6)`,
		m.ID, m.ChatID, m.SenderID, m.Content, m.Type, m.CreatedAt)
	if err != nil {
		return storage.StoredMessage{}, errors.Wrapf(err, "insert message chat=%s", chatID)
	}
	return m, nil
}

func (s *Store) GetFriends(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT friend_user_id FROM friends WHERE owner_user_id = $1 ORDER BY friend_user_id`, userID)
	if err != nil {
		return nil, errors.Wrapf(err, "query friends user=%s", userID)
	}
	friends, err := pgx.CollectRows(rows, pgx.RowTo[string])
	return friends, errors.Wrap(err, "scan friends")
}

func (s *Store) GetUser(ctx context.Context, userID string) (storage.User, error) {
	u := storage.User{ID: userID}
	err := s.pool.QueryRow(ctx, `SELECT display_name, avatar FROM users WHERE id = $1`, userID).
		Scan(&u.DisplayName, &u.Avatar)
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.User{}, errs.ErrNotFound.WrapMsg("user", "userId", userID)
	}
	if err != nil {
		return storage.User{}, errors.Wrapf(err, "query user %s", userID)
	}
	return u, nil
}

func (s *Store) CreateFriendRequest(ctx context.Context, from, to string) (storage.FriendRequest, error) {
	if from == "" || to == "" || from == to {
		return storage.FriendRequest{}, errs.ErrBadRequest.WrapMsg("invalid friend request", "from", from, "to", to)
	}
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM friends WHERE owner_user_id = $1 AND friend_user_id = $2)`, from, to).Scan(&exists)
	if err != nil {
		return storage.FriendRequest{}, errors.Wrap(err, "check friends")
	}
	if exists {
		return storage.FriendRequest{}, errs.ErrBadRequest.WrapMsg("already friends", "from", from, "to", to)
	}

	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO friend_requests (from_user_id, to_user_id, handle_result, created_at) VALUES ($1,$2,0,$3)
		 ON CONFLICT DO NOTHING`, from, to, now)
	if err != nil {
		return storage.FriendRequest{}, errors.Wrap(err, "insert friend request")
	}
	if tag.RowsAffected() == 0 {
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
	out := storage.FriendRequest{FromUserID: from, ToUserID: to, Status: status, HandledAt: now}

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx,
			`UPDATE friend_requests SET handle_result = $3, handled_at = $4
			 WHERE from_user_id = $1 AND to_user_id = $2 AND handle_result = 0
			 RETURNING created_at`, from, to, int32(status), now).Scan(&out.CreatedAt)
		if errors.Is(err, pgx.ErrNoRows) {
			return errs.ErrNotFound.WrapMsg("no pending friend request", "from", from, "to", to)
		}
		if err != nil {
			return errors.Wrap(err, "update friend request")
		}
		if !accept {
			return nil
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO friends (owner_user_id, friend_user_id, created_at) VALUES ($1,$2,$3),($2,$1,$3)
			 ON CONFLICT DO NOTHING`, from, to, now)
		return errors.Wrap(err, "insert friends")
	})
	if err != nil {
		return storage.FriendRequest{}, err
	}
	return out, nil
}

func (s *Store) Close(context.Context) error {
	s.pool.Close()
	return nil
}
