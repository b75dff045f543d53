package model

import "time"

// ChannelBinding 会话绑定的外部渠道
type ChannelBinding struct {
	Channel string `json:"channel" bson:"channel" mapstructure:"channel"`
	// Gateway 为 true 时走外部消息网关，否则直接落库
	Gateway bool   `json:"gateway" bson:"gateway" mapstructure:"gateway"`
	Address string `json:"address,omitempty" bson:"address,omitempty" mapstructure:"address"`
	InboxID string `json:"inbox_id,omitempty" bson:"inbox_id,omitempty" mapstructure:"inbox_id"`
}

type LastMessage struct {
	MessageID string    `json:"message_id" bson:"message_id" mapstructure:"message_id"`
	Preview   string    `json:"preview" bson:"preview" mapstructure:"preview"`
	Direction Direction `json:"direction" bson:"direction" mapstructure:"direction"`
	At        time.Time `json:"at" bson:"at" mapstructure:"at"`
}

type Conversation struct {
	ID          string         `json:"id" bson:"_id" mapstructure:"id"`
	TenantID    string         `json:"tenant_id" bson:"tenant_id" mapstructure:"tenant_id"`
	Binding     ChannelBinding `json:"binding" bson:"binding" mapstructure:"binding"`
	LastMessage *LastMessage   `json:"last_message,omitempty" bson:"last_message,omitempty" mapstructure:"last_message"`
	UpdatedAt   time.Time      `json:"updated_at" bson:"updated_at" mapstructure:"updated_at"`
}
