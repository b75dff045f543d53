package kafka

import (
	"errors"
	"fmt"

	"github.com/Shopify/sarama"
	"go.uber.org/zap"
)

// TopicAdmin sarama.ClusterAdmin 的子集
type TopicAdmin interface {
	DescribeTopics(topics []string) ([]*sarama.TopicMetadata, error)
	CreateTopic(topic string, detail *sarama.TopicDetail, validateOnly bool) error
	CreatePartitions(topic string, count int32, assignment [][]int32, validateOnly bool) error
}

// EnsureTopics 不存在就按 cfg 创建；已存在且分区数不足时扩分区（Kafka 只能加不能减）
func EnsureTopics(admin TopicAdmin, topics []string, cfg AppConfig, log *zap.Logger) error {
	for _, t := range topics {
		descs, err := admin.DescribeTopics([]string{t})
		if err != nil {
			return fmt.Errorf("describe topic %s: %w", t, err)
		}
		exists := len(descs) == 1 && descs[0].Err == sarama.ErrNoError

		minISR := "1"
		if cfg.ReplicationFactor >= 3 {
			minISR = "2"
		}

		if !exists {
			td := &sarama.TopicDetail{
				NumPartitions:     cfg.PartitionsPerTopic,
				ReplicationFactor: cfg.ReplicationFactor,
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
					log.Info("topic exists (race)", zap.String("topic", t))
					continue
				}
				return fmt.Errorf("create topic %s: %w", t, err)
			}
			log.Info("topic created", zap.String("topic", t),
				zap.Int32("partitions", cfg.PartitionsPerTopic), zap.Int16("rf", cfg.ReplicationFactor))
			continue
		}

		cur := int32(len(descs[0].Partitions))
		if cfg.PartitionsPerTopic > cur {
			if err := admin.CreatePartitions(t, cfg.PartitionsPerTopic, nil, false); err != nil {
				return fmt.Errorf("expand partitions %s from %d to %d: %w", t, cur, cfg.PartitionsPerTopic, err)
			}
			log.Info("topic partitions expanded", zap.String("topic", t),
				zap.Int32("from", cur), zap.Int32("to", cfg.PartitionsPerTopic))
			continue
		}
		log.Debug("topic exists", zap.String("topic", t), zap.Int32("partitions", cur))
	}
	return nil
}

func strPtr(s string) *string { return &s }
