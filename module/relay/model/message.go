package model

import (
	"sort"
	"time"
)

type Direction string

const (
	DirectionIncoming Direction = "incoming"
	DirectionOutgoing Direction = "outgoing"
)

type MessageType string

const (
	TypeText     MessageType = "text"
	TypeImage    MessageType = "image"
	TypeDocument MessageType = "document"
	TypeAudio    MessageType = "audio"
	TypeVideo    MessageType = "video"
	TypeTemplate MessageType = "template"
)

// IsMedia 需要附件的消息类型
func (t MessageType) IsMedia() bool {
	switch t {
	case TypeImage, TypeDocument, TypeAudio, TypeVideo:
		return true
	}
	return false
}

// AttachmentRef 附件引用，文件本身存放在外部对象存储
type AttachmentRef struct {
	FileName string `json:"file_name" bson:"file_name" mapstructure:"file_name"`
	URL      string `json:"url" bson:"url" mapstructure:"url"`
	MimeType string `json:"mime_type,omitempty" bson:"mime_type,omitempty" mapstructure:"mime_type"`
	Size     int64  `json:"size,omitempty" bson:"size,omitempty" mapstructure:"size"`
}

// TemplateRef 渠道侧预审模板
type TemplateRef struct {
	Name     string   `json:"name" bson:"name" mapstructure:"name"`
	Language string   `json:"language,omitempty" bson:"language,omitempty" mapstructure:"language"`
	Params   []string `json:"params,omitempty" bson:"params,omitempty" mapstructure:"params"`
}

// SendIntent 外发请求，尚未持久化
type SendIntent struct {
	TenantID       string         `json:"tenant_id"`
	ConversationID string         `json:"conversation_id"`
	ClientMsgID    string         `json:"client_msg_id,omitempty"`
	Text           string         `json:"text,omitempty"`
	Attachment     *AttachmentRef `json:"attachment,omitempty"`
	Type           MessageType    `json:"message_type"`
	Template       *TemplateRef   `json:"template,omitempty"`
}

// Message 已持久化（或已被网关受理）的消息
type Message struct {
	ID               string         `json:"id" bson:"_id" mapstructure:"id"`
	TenantID         string         `json:"tenant_id" bson:"tenant_id" mapstructure:"tenant_id"`
	ConversationID   string         `json:"conversation_id" bson:"conversation_id" mapstructure:"conversation_id"`
	SenderID         string         `json:"sender_id,omitempty" bson:"sender_id,omitempty" mapstructure:"sender_id"`
	Direction        Direction      `json:"direction" bson:"direction" mapstructure:"direction"`
	Type             MessageType    `json:"message_type" bson:"message_type" mapstructure:"message_type"`
	Body             string         `json:"body" bson:"body" mapstructure:"body"`
	Attachment       *AttachmentRef `json:"attachment,omitempty" bson:"attachment,omitempty" mapstructure:"attachment"`
	Template         *TemplateRef   `json:"template,omitempty" bson:"template,omitempty" mapstructure:"template"`
	ExternalID       string         `json:"external_id,omitempty" bson:"external_id,omitempty" mapstructure:"external_id"`
	CreatedAt        time.Time      `json:"created_at" bson:"created_at" mapstructure:"created_at"`
	CurrentStatus    Status         `json:"current_status,omitempty" bson:"current_status,omitempty" mapstructure:"current_status"`
	StatusObservedAt time.Time      `json:"status_observed_at,omitempty" bson:"status_observed_at,omitempty" mapstructure:"status_observed_at"`
}

// Preview 会话列表里的最后一条摘要
func (m *Message) Preview() string {
	const max = 120
	if m.Body != "" {
		r := []rune(m.Body)
		if len(r) > max {
			return string(r[:max])
		}
		return m.Body
	}
	if m.Attachment != nil {
		return "[" + string(m.Type) + "] " + m.Attachment.FileName
	}
	if m.Template != nil {
		return "[template] " + m.Template.Name
	}
	return ""
}

// Less 会话内排序：createdAt 升序，相同时按 id
func Less(a, b *Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// SortMessages 原地排序
func SortMessages(ms []Message) {
	sort.SliceStable(ms, func(i, j int) bool { return Less(&ms[i], &ms[j]) })
}
