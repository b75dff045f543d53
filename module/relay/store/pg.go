package store

import (
	"context"
	"errors"
	"time"

	"inboxrelay/module/relay/model"
	"inboxrelay/tools/errs"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const pgSchema = `
CREATE TABLE IF NOT EXISTS relay_conversation (
    tenant_id    TEXT NOT NULL,
    id           TEXT NOT NULL,
    binding      JSONB NOT NULL DEFAULT '{}'::jsonb,
    last_message JSONB,
    updated_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (tenant_id, id)
);
CREATE TABLE IF NOT EXISTS relay_message (
    tenant_id          TEXT NOT NULL,
    id                 TEXT NOT NULL,
    conversation_id    TEXT NOT NULL,
    sender_id          TEXT NOT NULL DEFAULT '',
    direction          TEXT NOT NULL,
    message_type       TEXT NOT NULL,
    body               TEXT NOT NULL DEFAULT '',
    attachment         JSONB,
    template           JSONB,
    external_id        TEXT NOT NULL DEFAULT '',
    created_at         TIMESTAMPTZ NOT NULL,
    current_status     TEXT NOT NULL DEFAULT '',
    status_observed_at TIMESTAMPTZ,
    PRIMARY KEY (tenant_id, id)
);
CREATE INDEX IF NOT EXISTS relay_message_conv_idx
    ON relay_message (tenant_id, conversation_id, created_at DESC, id DESC);
CREATE TABLE IF NOT EXISTS relay_status_event (
    seq             BIGSERIAL PRIMARY KEY,
    tenant_id       TEXT NOT NULL,
    message_id      TEXT NOT NULL,
    conversation_id TEXT NOT NULL DEFAULT '',
    status          TEXT NOT NULL,
    observed_at     TIMESTAMPTZ NOT NULL,
    channel_meta    JSONB
);
CREATE INDEX IF NOT EXISTS relay_status_event_conv_idx
    ON relay_status_event (tenant_id, conversation_id, message_id, observed_at DESC, seq DESC);
`

// PGStore PostgreSQL 实现
type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore { return &PGStore{pool: pool} }

// EnsureSchema 幂等建表
func (s *PGStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, pgSchema)
	return errs.WrapMsg(err, "ensure relay schema")
}

const msgColumns = `id, tenant_id, conversation_id, sender_id, direction, message_type, body,
attachment, template, external_id, created_at, current_status, status_observed_at`

func scanMessage(row pgx.Row) (*model.Message, error) {
	var (
		m        model.Message
		observed *time.Time
	)
	if err := row.Scan(&m.ID, &m.TenantID, &m.ConversationID, &m.SenderID, &m.Direction, &m.Type, &m.Body,
		&m.Attachment, &m.Template, &m.ExternalID, &m.CreatedAt, &m.CurrentStatus, &observed); err != nil {
		return nil, err
	}
	if observed != nil {
		m.StatusObservedAt = *observed
	}
	return &m, nil
}

func (s *PGStore) InsertMessage(ctx context.Context, m *model.Message) (*model.Message, bool, error) {
	tag, err := s.pool.Exec(ctx, `
INSERT INTO relay_message (id, tenant_id, conversation_id, sender_id, direction, message_type, body,
                           attachment, template, external_id, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
ON CONFLICT (tenant_id, id) DO NOTHING`,
		m.ID, m.TenantID, m.ConversationID, m.SenderID, string(m.Direction), string(m.Type), m.Body,
		m.Attachment, m.Template, m.ExternalID, m.CreatedAt)
	if err != nil {
		return nil, false, errs.WrapMsg(err, "insert message", "id", m.ID)
	}
	if tag.RowsAffected() == 1 {
		cp := *m
		return &cp, true, nil
	}
	stored, err := s.GetMessage(ctx, m.TenantID, m.ID)
	if err != nil {
		return nil, false, err
	}
	return stored, false, nil
}

func (s *PGStore) GetMessage(ctx context.Context, tenantID, messageID string) (*model.Message, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+msgColumns+` FROM relay_message WHERE tenant_id = $1 AND id = $2`, tenantID, messageID)
	m, err := scanMessage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound.WrapMsg("message", "id", messageID)
	}
	if err != nil {
		return nil, errs.WrapMsg(err, "get message", "id", messageID)
	}
	return m, nil
}

func (s *PGStore) ListMessages(ctx context.Context, tenantID, conversationID string, limit int) ([]model.Message, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+msgColumns+` FROM relay_message
WHERE tenant_id = $1 AND conversation_id = $2
ORDER BY created_at DESC, id DESC LIMIT $3`, tenantID, conversationID, normLimit(limit))
	if err != nil {
		return nil, errs.WrapMsg(err, "list messages", "conversation_id", conversationID)
	}
	defer rows.Close()

	var out []model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, errs.WrapMsg(err, "scan message")
		}
		out = append(out, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.WrapMsg(err, "list messages")
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *PGStore) GetConversation(ctx context.Context, tenantID, conversationID string) (*model.Conversation, error) {
	c := model.Conversation{ID: conversationID, TenantID: tenantID}
	err := s.pool.QueryRow(ctx,
		`SELECT binding, last_message, updated_at FROM relay_conversation WHERE tenant_id = $1 AND id = $2`,
		tenantID, conversationID).Scan(&c.Binding, &c.LastMessage, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound.WrapMsg("conversation", "id", conversationID)
	}
	if err != nil {
		return nil, errs.WrapMsg(err, "get conversation", "id", conversationID)
	}
	return &c, nil
}

func (s *PGStore) UpsertConversation(ctx context.Context, c *model.Conversation) error {
	updated := c.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	_, err := s.pool.Exec(ctx, `
INSERT INTO relay_conversation (tenant_id, id, binding, last_message, updated_at)
VALUES ($1,$2,$3,$4,$5)
ON CONFLICT (tenant_id, id) DO UPDATE SET
    binding = EXCLUDED.binding, last_message = EXCLUDED.last_message, updated_at = EXCLUDED.updated_at`,
		c.TenantID, c.ID, c.Binding, c.LastMessage, updated)
	return errs.WrapMsg(err, "upsert conversation", "id", c.ID)
}

func (s *PGStore) UpdateLastMessage(ctx context.Context, tenantID, conversationID string, m *model.Message) error {
	_, err := s.pool.Exec(ctx, `
UPDATE relay_conversation SET last_message = $3, updated_at = $4
WHERE tenant_id = $1 AND id = $2
  AND (last_message IS NULL OR (last_message->>'at')::timestamptz <= $4)`,
		tenantID, conversationID, lastMessageOf(m), m.CreatedAt)
	return errs.WrapMsg(err, "update last message", "conversation_id", conversationID)
}

func (s *PGStore) ChannelBinding(ctx context.Context, tenantID, conversationID string) (model.ChannelBinding, error) {
	c, err := s.GetConversation(ctx, tenantID, conversationID)
	if err != nil {
		return model.ChannelBinding{}, err
	}
	return c.Binding, nil
}

func (s *PGStore) AppendStatus(ctx context.Context, ev model.StatusEvent) (applied bool, err error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, errs.WrapMsg(err, "begin status tx")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if _, err = tx.Exec(ctx, `
INSERT INTO relay_status_event (tenant_id, message_id, conversation_id, status, observed_at, channel_meta)
VALUES ($1,$2,$3,$4,$5,$6)`,
		ev.TenantID, ev.MessageID, ev.ConversationID, string(ev.Status), ev.ObservedAt, ev.ChannelMeta); err != nil {
		return false, errs.WrapMsg(err, "insert status event", "message_id", ev.MessageID)
	}
	tag, err := tx.Exec(ctx, `
UPDATE relay_message SET current_status = $3, status_observed_at = $4
WHERE tenant_id = $1 AND id = $2 AND (status_observed_at IS NULL OR status_observed_at <= $4)`,
		ev.TenantID, ev.MessageID, string(ev.Status), ev.ObservedAt)
	if err != nil {
		return false, errs.WrapMsg(err, "apply status", "message_id", ev.MessageID)
	}
	if err = tx.Commit(ctx); err != nil {
		return false, errs.WrapMsg(err, "commit status tx")
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PGStore) LatestStatuses(ctx context.Context, tenantID, conversationID string) ([]model.StatusEvent, error) {
	rows, err := s.pool.Query(ctx, `
SELECT DISTINCT ON (message_id) message_id, tenant_id, conversation_id, status, observed_at, channel_meta
FROM relay_status_event
WHERE tenant_id = $1 AND conversation_id = $2
ORDER BY message_id, observed_at DESC, seq DESC`, tenantID, conversationID)
	if err != nil {
		return nil, errs.WrapMsg(err, "latest statuses", "conversation_id", conversationID)
	}
	defer rows.Close()
	var out []model.StatusEvent
	for rows.Next() {
		var ev model.StatusEvent
		if err := rows.Scan(&ev.MessageID, &ev.TenantID, &ev.ConversationID, &ev.Status, &ev.ObservedAt, &ev.ChannelMeta); err != nil {
			return nil, errs.WrapMsg(err, "scan status")
		}
		out = append(out, ev)
	}
	return out, errs.Wrap(rows.Err())
}

func (s *PGStore) Close(context.Context) error {
	s.pool.Close()
	return nil
}
