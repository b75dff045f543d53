package kafka

import "github.com/Shopify/sarama"

// AppConfig 网关 Kafka 配置，由 global/config 填充
type AppConfig struct {
	Brokers                 []string
	GroupID                 string
	TopicPattern            string // 例如 "relay.outbound-%02d"
	TopicCount              int
	PartitionsPerTopic      int32
	ReplicationFactor       int16 // 单机=1；生产=3
	ProducerRetries         int
	ProducerCompression     string // none/snappy/lz4/zstd
	ConsumerInitialOffset   string // newest/oldest
	StatusTopic             string // 网关回执 topic，空则不消费
	KafkaVersion            sarama.KafkaVersion
	AutoCreateTopicsOnStart bool
}

// DefaultConfig 单机默认值
func DefaultConfig() AppConfig {
	return AppConfig{
		Brokers:                 []string{"127.0.0.1:9092"},
		GroupID:                 "inboxrelay-status",
		TopicPattern:            "relay.outbound-%02d",
		TopicCount:              8,
		PartitionsPerTopic:      8,
		ReplicationFactor:       1,
		ProducerRetries:         5,
		ProducerCompression:     "snappy",
		ConsumerInitialOffset:   "newest",
		KafkaVersion:            sarama.V2_1_0_0,
		AutoCreateTopicsOnStart: true,
	}
}

// ParseVersion 空串或非法值回落到默认版本
func ParseVersion(s string) sarama.KafkaVersion {
	if s == "" {
		return sarama.V2_1_0_0
	}
	v, err := sarama.ParseKafkaVersion(s)
	if err != nil {
		return sarama.V2_1_0_0
	}
	return v
}
