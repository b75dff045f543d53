package kafka

import (
	"context"
	"errors"
	"time"

	"inboxrelay/module/relay/model"
	"inboxrelay/tools/safe"

	"github.com/Shopify/sarama"
	"go.uber.org/zap"
)

// groupHandler 按 topic 路由；处理失败只记日志，照常提交位点
type groupHandler struct {
	r   *Router
	log *zap.Logger
}

func (h *groupHandler) Setup(sarama.ConsumerGroupSession) error {
	h.log.Info("consumer group setup")
	return nil
}

func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	h.log.Info("consumer group cleanup")
	return nil
}

func (h *groupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		handler, err := h.r.Get(msg.Topic)
		if err != nil {
			h.log.Warn("no handler", zap.String("topic", msg.Topic))
		} else {
			func() {
				defer safe.Recover("kafka-handler")
				if err := handler(session.Context(), msg.Topic, msg.Key, msg.Value); err != nil {
					h.log.Warn("handler error", zap.String("topic", msg.Topic),
						zap.Int32("partition", msg.Partition), zap.Int64("offset", msg.Offset), zap.Error(err))
				}
			}()
		}
		session.MarkMessage(msg, "")
	}
	return nil
}

// RunConsumerGroup 阻塞消费直到 ctx 结束；group 由调用方关闭
func RunConsumerGroup(ctx context.Context, group sarama.ConsumerGroup, r *Router, log *zap.Logger) error {
	go func() {
		for err := range group.Errors() {
			log.Warn("consumer group error", zap.Error(err))
		}
	}()
	handler := &groupHandler{r: r, log: log}
	topics := r.Topics()
	for {
		if err := group.Consume(ctx, topics, handler); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			log.Warn("consume error", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// StatusSink 回执落地
type StatusSink interface {
	HandleStatus(ctx context.Context, ev model.StatusEvent) error
}

// StatusHandler 网关回执 topic 的处理函数；坏消息丢弃
func StatusHandler(sink StatusSink, log *zap.Logger) MessageHandler {
	return func(ctx context.Context, topic string, _, value []byte) error {
		ev, err := model.ParseStatusEvent(value)
		if err != nil {
			log.Warn("drop malformed status event", zap.String("topic", topic), zap.Error(err))
			return nil
		}
		return sink.HandleStatus(ctx, ev)
	}
}
