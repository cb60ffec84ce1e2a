package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"PPRealtime/logger"
	"PPRealtime/protocol"
	"PPRealtime/tools/errs"
	"PPRealtime/tools/safe"

	"github.com/Shopify/sarama"
	"go.uber.org/zap"
)

// PushCommand 后端服务写入 PushTopic 的下行推送
type PushCommand struct {
	UserIDs  []string           `json:"userIds"`
	Envelope *protocol.Envelope `json:"envelope"`
}

// Pusher 投递到本节点 + 跨节点中继，chat.Hub 实现
type Pusher interface {
	SendMany(userIDs []string, env *protocol.Envelope) int
}

// PushConsumer 消费 PushTopic，把命令交给 Pusher
type PushConsumer struct {
	group  sarama.ConsumerGroup
	topic  string
	pusher Pusher

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewPushConsumer(group sarama.ConsumerGroup, topic string, pusher Pusher) *PushConsumer {
	return &PushConsumer{group: group, topic: topic, pusher: pusher}
}

// ===== sarama.ConsumerGroupHandler =====

func (p *PushConsumer) Setup(s sarama.ConsumerGroupSession) error {
	logger.Info("[Push] consumer group setup", zap.String("member", s.MemberID()))
	return nil
}

func (p *PushConsumer) Cleanup(sarama.ConsumerGroupSession) error {
	logger.Info("[Push] consumer group cleanup")
	return nil
}

func (p *PushConsumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		// 坏消息只记日志并提交，避免卡住分区
		if err := p.handle(msg.Value); err != nil {
			logger.Warn("[Push] drop message",
				zap.String("topic", msg.Topic),
				zap.Int32("partition", msg.Partition),
				zap.Int64("offset", msg.Offset),
				zap.Error(err))
		}
		session.MarkMessage(msg, "")
	}
	return nil
}

func (p *PushConsumer) handle(value []byte) error {
	var cmd PushCommand
	if err := json.Unmarshal(value, &cmd); err != nil {
		return errs.ErrBadRequest.WrapMsg("decode push command", "err", err)
	}
	if len(cmd.UserIDs) == 0 || cmd.Envelope == nil || cmd.Envelope.Type == "" {
		return errs.ErrBadRequest.WrapMsg("push command needs userIds and typed envelope")
	}
	n := p.pusher.SendMany(cmd.UserIDs, cmd.Envelope)
	logger.Debug("[Push] delivered",
		zap.String("type", string(cmd.Envelope.Type)),
		zap.Int("users", len(cmd.UserIDs)),
		zap.Int("local", n))
	return nil
}

// Start 后台循环 Consume；rebalance 后 Consume 返回，继续下一轮
func (p *PushConsumer) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)

	p.wg.Add(2)
	safe.Go("kafka-push-errors", func() {
		defer p.wg.Done()
		for err := range p.group.Errors() {
			logger.Warn("[Push] consumer group error", zap.Error(err))
		}
	})
	safe.Go("kafka-push-consume", func() {
		defer p.wg.Done()
		for ctx.Err() == nil {
			if err := p.group.Consume(ctx, []string{p.topic}, p); err != nil {
				if errors.Is(err, sarama.ErrClosedConsumerGroup) {
					return
				}
				logger.Warn("[Push] consume", zap.Error(err))
				select {
				case <-ctx.Done():
				case <-time.After(time.Second):
				}
			}
		}
	})
	logger.Info("[Push] consumer started", zap.String("topic", p.topic))
}

func (p *PushConsumer) Close() error {
	if p.cancel != nil {
		p.cancel()
	}
	err := p.group.Close()
	p.wg.Wait()
	return errs.WrapMsg(err, "close push consumer")
}
