package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"inboxrelay/logger"
	"inboxrelay/module/relay/dispatch"
	"inboxrelay/module/relay/model"
	"inboxrelay/module/relay/validate"

	"github.com/Shopify/sarama"
	"go.uber.org/zap"
)

const HeaderMsgID = "Relay-Msg-Id"

// Outbound 投递给消息网关的信封
type Outbound struct {
	ClientMsgID    string               `json:"client_msg_id"`
	TenantID       string               `json:"tenant_id"`
	ConversationID string               `json:"conversation_id"`
	Channel        string               `json:"channel"`
	Address        string               `json:"address,omitempty"`
	InboxID        string               `json:"inbox_id,omitempty"`
	Type           model.MessageType    `json:"message_type"`
	Body           string               `json:"body,omitempty"`
	Attachment     *model.AttachmentRef `json:"attachment,omitempty"`
	Template       *model.TemplateRef   `json:"template,omitempty"`
	SentAt         time.Time            `json:"sent_at"`
}

// GatewaySender 实现 dispatch.ChannelSender：按会话 id 选 topic 并作为 key，保证同会话有序
type GatewaySender struct {
	prod   sarama.SyncProducer
	topics []string
	log    *zap.Logger
	now    func() time.Time
}

var _ dispatch.ChannelSender = (*GatewaySender)(nil)

func NewGatewaySender(prod sarama.SyncProducer, topics []string, log *zap.Logger) (*GatewaySender, error) {
	if prod == nil || len(topics) == 0 {
		return nil, errors.New("kafka gateway sender needs a producer and at least one topic")
	}
	if log == nil {
		log = logger.Named("kafka-gateway")
	}
	return &GatewaySender{prod: prod, topics: topics, log: log, now: time.Now}, nil
}

// Send 同步等待 broker 确认；ctx 先到期时返回 ctx 错误，消息仍可能已写入，由网关按 client_msg_id 去重
func (g *GatewaySender) Send(ctx context.Context, b model.ChannelBinding, in validate.NormalizedIntent) (dispatch.ChannelAck, error) {
	if err := ctx.Err(); err != nil {
		return dispatch.ChannelAck{}, err
	}
	out := Outbound{
		ClientMsgID:    in.ClientMsgID,
		TenantID:       in.TenantID,
		ConversationID: in.ConversationID,
		Channel:        b.Channel,
		Address:        b.Address,
		InboxID:        b.InboxID,
		Type:           in.Type,
		Body:           in.Body,
		Attachment:     in.Attachment,
		Template:       in.Template,
		SentAt:         g.now().UTC(),
	}
	val, err := json.Marshal(out)
	if err != nil {
		return dispatch.ChannelAck{}, err
	}
	topic := SelectTopic(in.ConversationID, g.topics)
	msg := &sarama.ProducerMessage{
		Topic:   topic,
		Key:     sarama.StringEncoder(in.ConversationID),
		Value:   sarama.ByteEncoder(val),
		Headers: []sarama.RecordHeader{{Key: []byte(HeaderMsgID), Value: []byte(in.ClientMsgID)}},
	}

	type result struct {
		partition int32
		offset    int64
		err       error
	}
	done := make(chan result, 1)
	go func() {
		p, o, err := g.prod.SendMessage(msg)
		done <- result{p, o, err}
	}()

	select {
	case <-ctx.Done():
		g.log.Warn("gateway send outlived deadline", zap.String("client_msg_id", in.ClientMsgID), zap.String("topic", topic))
		return dispatch.ChannelAck{}, ctx.Err()
	case r := <-done:
		if r.err != nil {
			return dispatch.ChannelAck{}, fmt.Errorf("kafka send %s: %w", topic, r.err)
		}
		g.log.Debug("gateway accepted",
			zap.String("client_msg_id", in.ClientMsgID),
			zap.String("topic", topic), zap.Int32("partition", r.partition), zap.Int64("offset", r.offset))
		return dispatch.ChannelAck{
			ExternalID: fmt.Sprintf("%s/%d/%d", topic, r.partition, r.offset),
			AcceptedAt: g.now().UTC(),
		}, nil
	}
}

func (g *GatewaySender) Close() error { return g.prod.Close() }
