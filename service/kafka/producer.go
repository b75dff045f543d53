package kafka

import (
	"strings"
	"time"

	"github.com/Shopify/sarama"
)

func BuildBaseConfig(ac AppConfig) *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Version = ac.KafkaVersion

	// Producer
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	if ac.ProducerRetries <= 0 {
		ac.ProducerRetries = 1
	}
	cfg.Producer.Retry.Max = ac.ProducerRetries
	cfg.Producer.Partitioner = sarama.NewHashPartitioner // Key 控制分区，同会话有序
	switch strings.ToLower(ac.ProducerCompression) {
	case "snappy":
		cfg.Producer.Compression = sarama.CompressionSnappy
	case "lz4":
		cfg.Producer.Compression = sarama.CompressionLZ4
	case "zstd":
		cfg.Producer.Compression = sarama.CompressionZSTD
	default:
		cfg.Producer.Compression = sarama.CompressionNone
	}

	// Consumer（回执消费组）
	switch strings.ToLower(ac.ConsumerInitialOffset) {
	case "oldest":
		cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	default:
		cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	}
	cfg.Consumer.Return.Errors = true

	// Net
	cfg.Net.DialTimeout = 10 * time.Second
	cfg.Net.ReadTimeout = 30 * time.Second
	cfg.Net.WriteTimeout = 30 * time.Second
	return cfg
}

// NewClient 建立集群连接
func NewClient(ac AppConfig) (sarama.Client, error) {
	return sarama.NewClient(ac.Brokers, BuildBaseConfig(ac))
}

// NewSyncProducer 同步生产者，复用 client 的连接
func NewSyncProducer(c sarama.Client) (sarama.SyncProducer, error) {
	return sarama.NewSyncProducerFromClient(c)
}
