package kafka

import (
	"strings"
	"time"

	"github.com/Shopify/sarama"
)

// Config 消息事件出口 + 下行推送
type Config struct {
	Enabled             bool     `yaml:"enabled"`
	Brokers             []string `yaml:"brokers"`
	Topic               string   `yaml:"topic"`
	PartitionsPerTopic  int32    `yaml:"partitionsPerTopic"`
	ReplicationFactor   int16    `yaml:"replicationFactor"`
	ProducerRetries     int      `yaml:"producerRetries"`
	ProducerCompression string   `yaml:"producerCompression"` // none/snappy/lz4/zstd
	Version             string   `yaml:"version"`             // 例如 2.1.0
	EnsureTopic         bool     `yaml:"ensureTopic"`
	DialRetries         uint     `yaml:"dialRetries"`

	// 下行推送：后端服务写 PushTopic，网关消费后投递；为空不消费
	PushTopic string `yaml:"pushTopic"`
	PushGroup string `yaml:"pushGroup"`
}

const (
	DefaultTopic     = "im.message.created"
	DefaultPushGroup = "pprealtime-push"
)

// Norm 补默认值
func (c *Config) Norm() {
	if c.Topic == "" {
		c.Topic = DefaultTopic
	}
	if c.PartitionsPerTopic <= 0 {
		c.PartitionsPerTopic = 8
	}
	if c.ReplicationFactor <= 0 {
		c.ReplicationFactor = 1
	}
	if c.ProducerRetries <= 0 {
		c.ProducerRetries = 3
	}
	if c.DialRetries == 0 {
		c.DialRetries = 5
	}
	if c.PushGroup == "" {
		c.PushGroup = DefaultPushGroup
	}
}

// BuildBaseConfig sarama 配置；chatId 作为 key 保证同会话有序
func BuildBaseConfig(c Config) (*sarama.Config, error) {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_1_0_0
	if c.Version != "" {
		v, err := sarama.ParseKafkaVersion(c.Version)
		if err != nil {
			return nil, err
		}
		cfg.Version = v
	}

	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = c.ProducerRetries
	cfg.Producer.Partitioner = sarama.NewHashPartitioner
	switch strings.ToLower(c.ProducerCompression) {
	case "snappy":
		cfg.Producer.Compression = sarama.CompressionSnappy
	case "lz4":
		cfg.Producer.Compression = sarama.CompressionLZ4
	case "zstd":
		cfg.Producer.Compression = sarama.CompressionZSTD
	default:
		cfg.Producer.Compression = sarama.CompressionNone
	}

	// 推送只关心新消息
	cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	cfg.Consumer.Return.Errors = true

	cfg.Net.DialTimeout = 10 * time.Second
	cfg.Net.ReadTimeout = 30 * time.Second
	cfg.Net.WriteTimeout = 30 * time.Second
	return cfg, nil
}
