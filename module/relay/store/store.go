package store

import (
	"context"
	"errors"

	"inboxrelay/module/relay/model"
	"inboxrelay/tools/errs"
)

// ErrNotFound 记录不存在；errors.Is 同时匹配 errs.ErrNotFound
var ErrNotFound = errs.ErrNotFound

// ErrIDTaken 消息 id 已被不可见的记录占用，无法返回已存记录
var ErrIDTaken = errs.ErrDuplicateIntent

// DefaultListLimit 单次拉取会话消息的默认条数
const DefaultListLimit = 200

// Store 消息记录存储
type Store interface {
	// InsertMessage 只在 id 未被占用时写入，已存在的记录不会被改写。
	// inserted=false 时 stored 为已存在的那条
	InsertMessage(ctx context.Context, m *model.Message) (stored *model.Message, inserted bool, err error)
	GetMessage(ctx context.Context, tenantID, messageID string) (*model.Message, error)
	// ListMessages 会话内最近 limit 条，按 (createdAt, id) 升序返回
	ListMessages(ctx context.Context, tenantID, conversationID string, limit int) ([]model.Message, error)

	GetConversation(ctx context.Context, tenantID, conversationID string) (*model.Conversation, error)
	UpsertConversation(ctx context.Context, c *model.Conversation) error
	// UpdateLastMessage 只在 m 比现有摘要更新时覆盖
	UpdateLastMessage(ctx context.Context, tenantID, conversationID string, m *model.Message) error
	ChannelBinding(ctx context.Context, tenantID, conversationID string) (model.ChannelBinding, error)

	// AppendStatus 记录回执，并在 observedAt 不早于当前值时更新消息的当前状态
	AppendStatus(ctx context.Context, ev model.StatusEvent) (applied bool, err error)
	LatestStatuses(ctx context.Context, tenantID, conversationID string) ([]model.StatusEvent, error)

	Close(ctx context.Context) error
}

func IsNotFound(err error) bool { return errors.Is(err, errs.ErrNotFound) }

func normLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	return limit
}

func lastMessageOf(m *model.Message) *model.LastMessage {
	return &model.LastMessage{
		MessageID: m.ID,
		Preview:   m.Preview(),
		Direction: m.Direction,
		At:        m.CreatedAt,
	}
}
