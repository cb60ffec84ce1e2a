package kafka

import (
	"errors"

	"PPRealtime/logger"
	"PPRealtime/tools/errs"

	"github.com/Shopify/sarama"
	"go.uber.org/zap"
)

// EnsureTopics 不存在就创建；分区数小于期望时扩分区（Kafka 只能加不能减）
func EnsureTopics(admin sarama.ClusterAdmin, topics []string, c Config) error {
	minISR := "1"
	if c.ReplicationFactor >= 3 {
		minISR = "2"
	}
	for _, t := range topics {
		descs, err := admin.DescribeTopics([]string{t})
		if err != nil {
			return errs.WrapMsg(err, "describe topic", "topic", t)
		}
		exists := len(descs) == 1 && errors.Is(descs[0].Err, sarama.ErrNoError)

		if !exists {
			td := &sarama.TopicDetail{
				NumPartitions:     c.PartitionsPerTopic,
				ReplicationFactor: c.ReplicationFactor,
				ConfigEntries: map[string]*string{
					"cleanup.policy":                 strPtr("delete"),
					"min.insync.replicas":            strPtr(minISR),
					"unclean.leader.election.enable": strPtr("false"),
					"compression.type":               strPtr("producer"),
				},
			}
			if err := admin.CreateTopic(t, td, false); err != nil {
				var te *sarama.TopicError
				if (errors.As(err, &te) && te.Err == sarama.ErrTopicAlreadyExists) || errors.Is(err, sarama.ErrTopicAlreadyExists) {
					logger.Info("[Topic] exists (race)", zap.String("topic", t))
					continue
				}
				return errs.WrapMsg(err, "create topic", "topic", t)
			}
			logger.Info("[Topic] created", zap.String("topic", t),
				zap.Int32("partitions", c.PartitionsPerTopic), zap.Int16("rf", c.ReplicationFactor))
			continue
		}

		cur := int32(len(descs[0].Partitions))
		if c.PartitionsPerTopic > cur {
			if err := admin.CreatePartitions(t, c.PartitionsPerTopic, nil, false); err != nil {
				return errs.WrapMsg(err, "expand partitions", "topic", t, "from", cur, "to", c.PartitionsPerTopic)
			}
			logger.Info("[Topic] partitions expanded", zap.String("topic", t), zap.Int32("from", cur), zap.Int32("to", c.PartitionsPerTopic))
		}
	}
	return nil
}

func strPtr(s string) *string { return &s }
