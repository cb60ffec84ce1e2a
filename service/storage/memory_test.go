package storage

import (
	"context"
	"errors"
	"testing"

	"PPRealtime/tools/errs"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreMessages(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	s.PutChat("c1", "A", "B")

	p, err := s.GetChatParticipants(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, p)

	m1, err := s.AddMessage(ctx, "c1", "A", "hi", "text")
	require.NoError(t, err)
	m2, err := s.AddMessage(ctx, "c1", "B", "yo", "text")
	require.NoError(t, err)
	assert.NotEqual(t, m1.ID, m2.ID)
	assert.False(t, m1.CreatedAt.IsZero())
	assert.Len(t, s.Messages(), 2)

	_, err = s.AddMessage(ctx, "missing", "A", "x", "text")
	assert.True(t, errors.Is(err, errs.ErrNotFound))
}

func TestMemoryStoreFriendLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, err := s.RespondFriendRequest(ctx, "A", "B", true)
	assert.True(t, errors.Is(err, errs.ErrNotFound))

	r, err := s.CreateFriendRequest(ctx, "A", "B")
	require.NoError(t, err)
	assert.Equal(t, FriendRequestPending, r.Status)

	_, err = s.CreateFriendRequest(ctx, "A", "B")
	assert.True(t, errors.Is(err, errs.ErrBadRequest))

	friends, _ := s.GetFriends(ctx, "A")
	assert.Empty(t, friends)

	r, err = s.RespondFriendRequest(ctx, "A", "B", true)
	require.NoError(t, err)
	assert.Equal(t, FriendRequestAccepted, r.Status)

	friends, _ = s.GetFriends(ctx, "B")
	assert.Equal(t, []string{"A"}, friends)

	_, err = s.CreateFriendRequest(ctx, "B", "A")
	assert.True(t, errors.Is(err, errs.ErrBadRequest))
}

func TestMemoryStoreRejectDoesNotBefriend(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_, err := s.CreateFriendRequest(ctx, "A", "C")
	require.NoError(t, err)
	r, err := s.RespondFriendRequest(ctx, "A", "C", false)
	require.NoError(t, err)
	assert.Equal(t, FriendRequestRejected, r.Status)

	friends, _ := s.GetFriends(ctx, "C")
	assert.Empty(t, friends)

	_, err = s.RespondFriendRequest(ctx, "A", "C", true)
	assert.True(t, errors.Is(err, errs.ErrNotFound))

	_, err = s.CreateFriendRequest(ctx, "A", "A")
	assert.True(t, errors.Is(err, errs.ErrBadRequest))
}
