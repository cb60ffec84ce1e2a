package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"PPRealtime/tools/errs"
	"PPRealtime/tools/ids"
)

// MemoryStore 进程内实现（开发与单测）
type MemoryStore struct {
	mu       sync.RWMutex
	users    map[string]User
	chats    map[string][]string
	friends  map[string]map[string]struct{}
	requests map[string]*FriendRequest // from|to
	messages []StoredMessage

	idGen *ids.Generator
	now   func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:    make(map[string]User),
		chats:    make(map[string][]string),
		friends:  make(map[string]map[string]struct{}),
		requests: make(map[string]*FriendRequest),
		idGen:    ids.NewGenerator(0),
		now:      time.Now,
	}
}

// ===== 预置数据 =====

func (s *MemoryStore) PutUser(u User) {
	s.mu.Lock()
	s.users[u.ID] = u
	s.mu.Unlock()
}

func (s *MemoryStore) PutChat(chatID string, participants ...string) {
	s.mu.Lock()
	s.chats[chatID] = append([]string(nil), participants...)
	s.mu.Unlock()
}

func (s *MemoryStore) MakeFriends(a, b string) {
	s.mu.Lock()
	s.addFriendLocked(a, b)
	s.mu.Unlock()
}

func (s *MemoryStore) Messages() []StoredMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]StoredMessage(nil), s.messages...)
}

// ===== Storage =====

func (s *MemoryStore) GetChatParticipants(_ context.Context, chatID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.chats[chatID]
	if !ok {
		return nil, errs.ErrNotFound.WrapMsg("chat", "chatId", chatID)
	}
	return append([]string(nil), p...), nil
}

func (s *MemoryStore) AddMessage(_ context.Context, chatID, senderID, content, contentType string) (StoredMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.chats[chatID]; !ok {
		return StoredMessage{}, errs.ErrNotFound.WrapMsg("chat", "chatId", chatID)
	}
	m := StoredMessage{
		ID:        s.idGen.NextString(),
		ChatID:    chatID,
		SenderID:  senderID,
		Content:   content,
		Type:      contentType,
		CreatedAt: s.now(),
	}
	s.messages = append(s.messages, m)
	return m, nil
}

func (s *MemoryStore) GetFriends(_ context.Context, userID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.friends[userID]))
	for f := range s.friends[userID] {
		out = append(out, f)
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemoryStore) GetUser(_ context.Context, userID string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[userID]
	if !ok {
		return User{}, errs.ErrNotFound.WrapMsg("user", "userId", userID)
	}
	return u, nil
}

func (s *MemoryStore) CreateFriendRequest(_ context.Context, from, to string) (FriendRequest, error) {
	if from == "" || to == "" || from == to {
		return FriendRequest{}, errs.ErrBadRequest.WrapMsg("invalid friend request", "from", from, "to", to)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.friends[from][to]; ok {
		return FriendRequest{}, errs.ErrBadRequest.WrapMsg("already friends", "from", from, "to", to)
	}
	key := from + "|" + to
	if r, ok := s.requests[key]; ok && r.Status == FriendRequestPending {
		return FriendRequest{}, errs.ErrBadRequest.WrapMsg("request pending", "from", from, "to", to)
	}
	r := &FriendRequest{FromUserID: from, ToUserID: to, Status: FriendRequestPending, CreatedAt: s.now()}
	s.requests[key] = r
	return *r, nil
}

func (s *MemoryStore) RespondFriendRequest(_ context.Context, from, to string, accept bool) (FriendRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[from+"|"+to]
	if !ok || r.Status != FriendRequestPending {
		return FriendRequest{}, errs.ErrNotFound.WrapMsg("no pending friend request", "from", from, "to", to)
	}
	r.HandledAt = s.now()
	if accept {
		r.Status = FriendRequestAccepted
		s.addFriendLocked(from, to)
	} else {
		r.Status = FriendRequestRejected
	}
	return *r, nil
}

func (s *MemoryStore) addFriendLocked(a, b string) {
	if s.friends[a] == nil {
		s.friends[a] = make(map[string]struct{})
	}
	if s.friends[b] == nil {
		s.friends[b] = make(map[string]struct{})
	}
	s.friends[a][b] = struct{}{}
	s.friends[b][a] = struct{}{}
}
