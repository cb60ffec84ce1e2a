package kafka

import (
	"context"
	"encoding/json"
	"strconv"

	"PPRealtime/service/chat"
	"PPRealtime/tools/errs"

	"github.com/Shopify/sarama"
)

// Sink 把 MessageCreated 写到 Kafka，key 为 chatId
type Sink struct {
	producer sarama.SyncProducer
	topic    string
}

var _ chat.MessageSink = (*Sink)(nil)

func NewSink(p sarama.SyncProducer, topic string) *Sink {
	if topic == "" {
		topic = DefaultTopic
	}
	return &Sink{producer: p, topic: topic}
}

func (s *Sink) PublishMessageCreated(ctx context.Context, ev chat.MessageCreated) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return errs.WrapMsg(err, "encode MessageCreated")
	}
	msg := &sarama.ProducerMessage{
		Topic: s.topic,
		Key:   sarama.StringEncoder(ev.ChatID),
		Value: sarama.ByteEncoder(body),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event"), Value: []byte("MessageCreated")},
			{Key: []byte("createdAt"), Value: []byte(strconv.FormatInt(ev.CreatedAt, 10))},
		},
	}
	if _, _, err := s.producer.SendMessage(msg); err != nil {
		return errs.WrapMsg(err, "kafka send", "topic", s.topic, "msg", ev.MessageID)
	}
	return nil
}
