package kafka

import (
	"encoding/json"
	"sync"
	"testing"

	"PPRealtime/protocol"
	"PPRealtime/tools/errs"

	"github.com/Shopify/sarama"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordPusher struct {
	mu   sync.Mutex
	got  map[string][]*protocol.Envelope
	hits int
}

func (r *recordPusher) SendMany(users []string, env *protocol.Envelope) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.got == nil {
		r.got = map[string][]*protocol.Envelope{}
	}
	for _, u := range users {
		r.got[u] = append(r.got[u], env)
	}
	r.hits++
	return len(users)
}

type fakeSession struct {
	sarama.ConsumerGroupSession
	marked []int64
}

func (s *fakeSession) MarkMessage(msg *sarama.ConsumerMessage, _ string) {
	s.marked = append(s.marked, msg.Offset)
}

type fakeClaim struct {
	sarama.ConsumerGroupClaim
	ch chan *sarama.ConsumerMessage
}

func (c *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return c.ch }

func pushMsg(t *testing.T, offset int64, cmd PushCommand) *sarama.ConsumerMessage {
	t.Helper()
	raw, err := json.Marshal(cmd)
	require.NoError(t, err)
	return &sarama.ConsumerMessage{Topic: "im.push", Offset: offset, Value: raw}
}

func TestPushHandleDelivers(t *testing.T) {
	p := &recordPusher{}
	pc := NewPushConsumer(nil, "im.push", p)

	env := &protocol.Envelope{Type: protocol.TypeMessage, ChatID: "c1", Content: "system notice"}
	raw, err := json.Marshal(PushCommand{UserIDs: []string{"alice", "bob"}, Envelope: env})
	require.NoError(t, err)

	require.NoError(t, pc.handle(raw))
	require.Len(t, p.got["alice"], 1)
	assert.Equal(t, "system notice", p.got["bob"][0].Content)
}

func TestPushHandleRejectsBadCommands(t *testing.T) {
	pc := NewPushConsumer(nil, "im.push", &recordPusher{})
	cases := map[string]string{
		"not json":    "{",
		"no users":    `{"envelope":{"type":"message"}}`,
		"no env":      `{"userIds":["alice"]}`,
		"untyped env": `{"userIds":["alice"],"envelope":{"content":"x"}}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			err := pc.handle([]byte(raw))
			require.Error(t, err)
			assert.True(t, errs.ErrBadRequest.Is(err))
		})
	}
}

func TestConsumeClaimMarksEveryMessage(t *testing.T) {
	p := &recordPusher{}
	pc := NewPushConsumer(nil, "im.push", p)

	claim := &fakeClaim{ch: make(chan *sarama.ConsumerMessage, 3)}
	claim.ch <- pushMsg(t, 10, PushCommand{UserIDs: []string{"alice"}, Envelope: &protocol.Envelope{Type: protocol.TypeTyping}})
	claim.ch <- &sarama.ConsumerMessage{Topic: "im.push", Offset: 11, Value: []byte("garbage")}
	claim.ch <- pushMsg(t, 12, PushCommand{UserIDs: []string{"bob"}, Envelope: &protocol.Envelope{Type: protocol.TypeStopTyping}})
	close(claim.ch)

	sess := &fakeSession{}
	require.NoError(t, pc.ConsumeClaim(sess, claim))

	// 坏消息也提交 offset
	assert.Equal(t, []int64{10, 11, 12}, sess.marked)
	assert.Equal(t, 2, p.hits)
}
