package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"PPRealtime/protocol"
	"PPRealtime/service/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthCloseCodes(t *testing.T) {
	e := newTestEnv(t, envOpts{})

	cases := []struct {
		name  string
		frame string
		code  int
	}{
		{"first frame not auth", `{"type":"message","chatId":"c","content":"hi"}`, protocol.CloseTokenMissing},
		{"malformed first frame", `not json`, protocol.CloseTokenMissing},
		{"empty token", `{"type":"auth"}`, protocol.CloseTokenMissing},
		{"invalid token", `{"type":"auth","token":"garbage"}`, protocol.CloseTokenInvalid},
		{"untyped verifier error", `{"type":"auth","token":"boom"}`, protocol.CloseTokenInvalid},
		{"expired token", `{"type":"auth","token":"expired"}`, protocol.CloseTokenExpired},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := e.dial(t)
			c.sendRaw(tc.frame)
			got := c.expect(protocol.TypeAuthError)
			assert.NotEmpty(t, got.Message)
			assert.Equal(t, tc.code, c.expectClose())
		})
	}
	assert.Equal(t, 0, e.hub.Registry().Len())
}

func TestAuthTimeout(t *testing.T) {
	e := newTestEnv(t, envOpts{authTimeout: 150 * time.Millisecond})
	c := e.dial(t)
	c.expect(protocol.TypeAuthError)
	assert.Equal(t, protocol.CloseTokenMissing, c.expectClose())
}

func TestAuthIdempotent(t *testing.T) {
	e := newTestEnv(t, envOpts{})
	c := e.login(t, "alice")

	c.send(&protocol.Envelope{Type: protocol.TypeAuth, Token: "tok-alice"})
	c.send(&protocol.Envelope{Type: protocol.TypeAuth, Token: "tok-mallory"})
	c.expectNone(protocol.TypeAuthSuccess, 200*time.Millisecond)

	assert.Len(t, e.hub.Registry().Conns("alice"), 1)
	assert.False(t, e.hub.IsOnline("mallory"))
}

func TestMessageFanOut(t *testing.T) {
	e := newTestEnv(t, envOpts{})
	e.store.PutUser(storage.User{ID: "alice", DisplayName: "Alice", Avatar: "a.png"})
	e.store.PutChat("c1", "alice", "bob", "carol")

	a1 := e.login(t, "alice")
	a2 := e.login(t, "alice")
	b := e.login(t, "bob")
	c := e.login(t, "carol")

	a1.send(&protocol.Envelope{ID: "cli-1", Type: protocol.TypeMessage, ChatID: "c1", Content: "hello"})

	// 发起连接：先收到自己的副本，再收到 ack
	mine := a1.expect(protocol.TypeMessage)
	ack := a1.expect(protocol.TypeAck)
	assert.Equal(t, "cli-1", ack.ReplyTo)
	require.NotEmpty(t, ack.MessageID)
	assert.Equal(t, ack.MessageID, mine.ID)

	for _, rc := range []*testClient{a2, b, c} {
		got := rc.expect(protocol.TypeMessage)
		assert.Equal(t, ack.MessageID, got.ID)
		assert.Equal(t, "alice", got.SenderID)
		assert.Equal(t, "Alice", got.SenderName)
		assert.Equal(t, "a.png", got.SenderAvatar)
		assert.Equal(t, "c1", got.ChatID)
		assert.Equal(t, "hello", got.Content)
		assert.NotZero(t, got.Timestamp)
	}
	// ack 只发给发起连接
	a2.expectNone(protocol.TypeAck, 150*time.Millisecond)
	b.expectNone(protocol.TypeAck, 50*time.Millisecond)

	require.Len(t, e.store.Messages(), 1)
	require.Eventually(t, func() bool { return e.sink.Len() == 1 }, time.Second, 10*time.Millisecond)
}

func TestMessageToOfflineParticipant(t *testing.T) {
	e := newTestEnv(t, envOpts{})
	e.store.PutChat("c1", "alice", "dave")
	a := e.login(t, "alice")

	a.send(&protocol.Envelope{ID: "cli-1", Type: protocol.TypeMessage, ChatID: "c1", Content: "anyone?"})
	a.expect(protocol.TypeMessage)
	ack := a.expect(protocol.TypeAck)
	assert.NotEmpty(t, ack.MessageID)
	assert.Len(t, e.store.Messages(), 1)
}

func TestMessageReplayIsDeduplicated(t *testing.T) {
	e := newTestEnv(t, envOpts{})
	e.store.PutChat("c1", "alice", "bob")
	a := e.login(t, "alice")
	b := e.login(t, "bob")

	msg := &protocol.Envelope{ID: "cli-7", Type: protocol.TypeMessage, ChatID: "c1", Content: "once"}
	a.send(msg)
	first := a.expect(protocol.TypeAck)
	b.expect(protocol.TypeMessage)

	a.send(msg)
	second := a.expect(protocol.TypeAck)
	assert.Equal(t, first.MessageID, second.MessageID)
	b.expectNone(protocol.TypeMessage, 200*time.Millisecond)
	assert.Len(t, e.store.Messages(), 1)
}

func TestMessageValidation(t *testing.T) {
	e := newTestEnv(t, envOpts{})
	e.store.PutChat("c1", "bob", "carol")
	a := e.login(t, "alice")

	a.send(&protocol.Envelope{ID: "x1", Type: protocol.TypeMessage, ChatID: "c1"})
	got := a.expect(protocol.TypeError)
	assert.Equal(t, "bad_request", got.Code)
	assert.Equal(t, "x1", got.ReplyTo)

	a.send(&protocol.Envelope{ID: "x2", Type: protocol.TypeMessage, ChatID: "c1", Content: "let me in"})
	got = a.expect(protocol.TypeError)
	assert.Equal(t, "forbidden", got.Code)
	assert.Equal(t, "x2", got.ReplyTo)

	a.send(&protocol.Envelope{ID: "x3", Type: protocol.TypeMessage, ChatID: "nope", Content: "hi"})
	got = a.expect(protocol.TypeError)
	assert.Equal(t, "not_found", got.Code)

	// 连接仍然可用
	a.send(&protocol.Envelope{Type: protocol.TypePing, Timestamp: 42})
	assert.Equal(t, int64(42), a.expect(protocol.TypePong).Timestamp)
	assert.Empty(t, e.store.Messages())
}

func TestUnknownAndMalformedFramesAreIgnored(t *testing.T) {
	e := newTestEnv(t, envOpts{})
	a := e.login(t, "alice")
	a.sendRaw(`{"type":"SOMETHING_NEW"}`)
	a.sendRaw(`{{{`)
	a.send(&protocol.Envelope{Type: protocol.TypePing})
	a.expect(protocol.TypePong)
	assert.True(t, e.hub.IsOnline("alice"))
}

func TestTypingExcludesSender(t *testing.T) {
	e := newTestEnv(t, envOpts{})
	e.store.PutChat("c1", "alice", "bob")
	a := e.login(t, "alice")
	b := e.login(t, "bob")

	a.send(&protocol.Envelope{Type: protocol.TypeTyping, ChatID: "c1"})
	got := b.expect(protocol.TypeTyping)
	assert.Equal(t, "alice", got.SenderID)
	assert.Equal(t, "c1", got.ChatID)

	a.send(&protocol.Envelope{Type: protocol.TypeStopTyping, ChatID: "c1"})
	b.expect(protocol.TypeStopTyping)

	a.expectNone(protocol.TypeTyping, 150*time.Millisecond)
	assert.Empty(t, e.store.Messages())
}

func TestReceiptsForwardToSender(t *testing.T) {
	e := newTestEnv(t, envOpts{})
	a := e.login(t, "alice")
	b := e.login(t, "bob")

	b.send(&protocol.Envelope{Type: protocol.TypeMessageRead, To: "alice", MessageID: "m-1", ChatID: "c1"})
	got := a.expect(protocol.TypeMessageRead)
	assert.Equal(t, "bob", got.SenderID)
	assert.Equal(t, "m-1", got.MessageID)
	b.expectNone(protocol.TypeAck, 100*time.Millisecond)
}

func TestFriendLifecycle(t *testing.T) {
	e := newTestEnv(t, envOpts{})
	e.store.PutUser(storage.User{ID: "alice", DisplayName: "Alice"})
	a := e.login(t, "alice")
	b := e.login(t, "bob")

	// 没有申请时直接接受
	b.send(&protocol.Envelope{ID: "f0", Type: protocol.TypeFriendAccept, To: "alice"})
	got := b.expect(protocol.TypeError)
	assert.Equal(t, "not_found", got.Code)
	assert.Equal(t, "f0", got.ReplyTo)
	a.expectNone(protocol.TypeFriendAccept, 100*time.Millisecond)

	a.send(&protocol.Envelope{ID: "f1", Type: protocol.TypeFriendRequest, To: "bob", Payload: json.RawMessage(`{"message":"hi"}`)})
	req := b.expect(protocol.TypeFriendRequest)
	assert.Equal(t, "alice", req.SenderID)
	assert.Equal(t, "Alice", req.SenderName)
	assert.JSONEq(t, `{"message":"hi"}`, string(req.Payload))

	b.send(&protocol.Envelope{ID: "f2", Type: protocol.TypeFriendAccept, To: "alice"})
	acc := a.expect(protocol.TypeFriendAccept)
	assert.Equal(t, "bob", acc.SenderID)

	friends, err := e.store.GetFriends(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"bob"}, friends)

	// 已经是好友
	a.send(&protocol.Envelope{ID: "f3", Type: protocol.TypeFriendRequest, To: "bob"})
	assert.Equal(t, "bad_request", a.expect(protocol.TypeError).Code)
}

func TestCallRelayIsOpaque(t *testing.T) {
	e := newTestEnv(t, envOpts{})
	a := e.login(t, "alice")
	b := e.login(t, "bob")

	payload := `{"callId":"k1","sdp":"v=0\r\no=- 1 2 IN IP4 127.0.0.1","isVideo":true,"extra":[1,2,3]}`
	a.send(&protocol.Envelope{ID: "s1", Type: protocol.TypeCallOffer, To: "bob", SenderID: "spoofed", Payload: json.RawMessage(payload)})

	got := b.expect(protocol.TypeCallOffer)
	assert.Equal(t, "alice", got.SenderID)
	assert.Equal(t, "bob", got.To)
	assert.JSONEq(t, payload, string(got.Payload))

	b.send(&protocol.Envelope{Type: protocol.TypeCallEnd, To: "alice", Payload: json.RawMessage(`{"callId":"k1"}`)})
	assert.Equal(t, "bob", a.expect(protocol.TypeCallEnd).SenderID)
}

func TestPresenceBroadcast(t *testing.T) {
	e := newTestEnv(t, envOpts{})
	e.store.MakeFriends("alice", "bob")
	b := e.login(t, "bob")

	a1 := e.login(t, "alice")
	on := b.expect(protocol.TypePresence)
	assert.Equal(t, "alice", on.UserID)
	assert.Equal(t, protocol.StatusOnline, on.Status)

	// 第二条连接不重复广播
	a2 := e.login(t, "alice")
	b.expectNone(protocol.TypePresence, 150*time.Millisecond)

	require.NoError(t, a1.ws.Close())
	b.expectNone(protocol.TypePresence, 150*time.Millisecond)
	require.Eventually(t, func() bool { return len(e.hub.Registry().Conns("alice")) == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, a2.ws.Close())
	off := b.expect(protocol.TypePresence)
	assert.Equal(t, "alice", off.UserID)
	assert.Equal(t, protocol.StatusOffline, off.Status)
	assert.False(t, e.hub.IsOnline("alice"))
}

func TestConnectionLimit(t *testing.T) {
	t.Run("evict oldest", func(t *testing.T) {
		e := newTestEnv(t, envOpts{manager: ManagerConf{MaxPerUser: 1, EvictOldest: true}})
		old := e.login(t, "alice")
		_ = e.login(t, "alice")
		assert.Equal(t, protocol.CloseReplaced, old.expectClose())
		assert.Len(t, e.hub.Registry().Conns("alice"), 1)
	})

	t.Run("reject newest", func(t *testing.T) {
		e := newTestEnv(t, envOpts{manager: ManagerConf{MaxPerUser: 1}})
		_ = e.login(t, "alice")
		c := e.dial(t)
		c.send(&protocol.Envelope{Type: protocol.TypeAuth, Token: "tok-alice"})
		c.expect(protocol.TypeAuthError)
		assert.Equal(t, protocol.CloseReplaced, c.expectClose())
		assert.Len(t, e.hub.Registry().Conns("alice"), 1)
	})
}

func TestPushEndpoint(t *testing.T) {
	e := newTestEnv(t, envOpts{})
	a := e.login(t, "alice")

	body := `{"userIds":["alice","ghost"],"envelope":{"type":"FRIEND_REQUEST","senderId":"system","to":"alice"}}`
	resp, err := http.Post(e.srv.URL+"/internal/push", "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var pr PushResp
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&pr))
	assert.Equal(t, 1, pr.Delivered)
	assert.Equal(t, "system", a.expect(protocol.TypeFriendRequest).SenderID)

	bad, err := http.Post(e.srv.URL+"/internal/push", "application/json", bytes.NewBufferString(`{"userIds":[]}`))
	require.NoError(t, err)
	defer bad.Body.Close()
	assert.Equal(t, http.StatusBadRequest, bad.StatusCode)
}

func TestPresenceAndHealthEndpoints(t *testing.T) {
	e := newTestEnv(t, envOpts{})
	_ = e.login(t, "alice")

	resp, err := http.Get(e.srv.URL + "/presence/alice")
	require.NoError(t, err)
	defer resp.Body.Close()
	var pr PresenceResp
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&pr))
	assert.Equal(t, protocol.StatusOnline, pr.Status)
	assert.True(t, pr.Local)

	h, err := http.Get(e.srv.URL + "/healthz")
	require.NoError(t, err)
	defer h.Body.Close()
	assert.Equal(t, http.StatusOK, h.StatusCode)

	m, err := http.Get(e.srv.URL + "/metrics")
	require.NoError(t, err)
	defer m.Body.Close()
	assert.Equal(t, http.StatusOK, m.StatusCode)
}
