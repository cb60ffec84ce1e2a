package kafka

import (
	"context"
	"time"

	"PPRealtime/logger"
	"PPRealtime/tools/errs"

	"github.com/Shopify/sarama"
	"github.com/avast/retry-go"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Client sarama client + 同步生产者
type Client struct {
	client   sarama.Client
	producer sarama.SyncProducer
}

// Dial 连接 broker（启动期按退避重试），按需建 topic
func Dial(ctx context.Context, c Config) (*Client, error) {
	c.Norm()
	cfg, err := BuildBaseConfig(c)
	if err != nil {
		return nil, errs.WrapMsg(err, "kafka config")
	}

	var client sarama.Client
	err = retry.Do(
		func() error {
			cl, err := sarama.NewClient(c.Brokers, cfg)
			if err != nil {
				return err
			}
			client = cl
			return nil
		},
		retry.Attempts(c.DialRetries),
		retry.Delay(500*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			logger.Warn("[Kafka] dial retry", zap.Uint("attempt", n+1), zap.Error(err))
		}),
	)
	if err != nil {
		return nil, errs.WrapMsg(err, "kafka dial", "brokers", c.Brokers)
	}

	if c.EnsureTopic {
		admin, err := sarama.NewClusterAdminFromClient(client)
		if err != nil {
			_ = client.Close()
			return nil, errs.WrapMsg(err, "kafka admin")
		}
		topics := []string{c.Topic}
		if c.PushTopic != "" {
			topics = append(topics, c.PushTopic)
		}
		if err := EnsureTopics(admin, topics, c); err != nil {
			_ = client.Close()
			return nil, err
		}
	}

	p, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, errs.WrapMsg(err, "kafka sync producer")
	}
	return &Client{client: client, producer: p}, nil
}

func (c *Client) Producer() sarama.SyncProducer { return c.producer }

// ConsumerGroup 复用同一个 client 建消费组
func (c *Client) ConsumerGroup(groupID string) (sarama.ConsumerGroup, error) {
	g, err := sarama.NewConsumerGroupFromClient(groupID, c.client)
	return g, errs.WrapMsg(err, "kafka consumer group", "group", groupID)
}

func (c *Client) Close() error {
	return multierr.Append(c.producer.Close(), c.client.Close())
}
