package model

import "time"

type Status string

const (
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusFailed    Status = "failed"
)

func (s Status) Valid() bool {
	switch s {
	case StatusSent, StatusDelivered, StatusRead, StatusFailed:
		return true
	}
	return false
}

// StatusEvent 渠道回执；同一消息的多条事件按 ObservedAt 合并
type StatusEvent struct {
	MessageID      string            `json:"message_id" bson:"message_id" mapstructure:"message_id"`
	TenantID       string            `json:"tenant_id" bson:"tenant_id" mapstructure:"tenant_id"`
	ConversationID string            `json:"conversation_id,omitempty" bson:"conversation_id,omitempty" mapstructure:"conversation_id"`
	Status         Status            `json:"status" bson:"status" mapstructure:"status"`
	ObservedAt     time.Time         `json:"observed_at" bson:"observed_at" mapstructure:"observed_at"`
	ChannelMeta    map[string]string `json:"channel_meta,omitempty" bson:"channel_meta,omitempty" mapstructure:"channel_meta"`
}

// Supersedes incoming 是否应替换 stored；相同时间戳以后到者为准
func (e *StatusEvent) Supersedes(stored *StatusEvent) bool {
	if stored == nil {
		return true
	}
	return !e.ObservedAt.Before(stored.ObservedAt)
}
