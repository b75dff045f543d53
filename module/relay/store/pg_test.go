package store

import (
	"context"
	"os"
	"testing"
	"time"

	"inboxrelay/module/relay/model"
	"inboxrelay/service/pg"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// 需要真实 PostgreSQL：RELAY_TEST_PG_DSN=postgres://...
func newPGStore(t *testing.T) *PGStore {
	dsn := os.Getenv("RELAY_TEST_PG_DSN")
	if dsn == "" {
		t.Skip("RELAY_TEST_PG_DSN not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	pool, err := pg.NewPool(ctx, pg.Config{DSN: dsn, MaxConns: 4})
	require.NoError(t, err)
	s := NewPGStore(pool)
	require.NoError(t, s.EnsureSchema(ctx))
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

func TestPGStore_MessagesAndStatus(t *testing.T) {
	s := newPGStore(t)
	ctx := context.Background()
	tenant := "t-" + uuid.NewString()

	require.NoError(t, s.UpsertConversation(ctx, &model.Conversation{
		ID: "conv-1", TenantID: tenant, Binding: model.ChannelBinding{Channel: "sms", Gateway: true},
	}))
	b, err := s.ChannelBinding(ctx, tenant, "conv-1")
	require.NoError(t, err)
	require.True(t, b.Gateway)

	for _, m := range []*model.Message{msg("b", 2), msg("a", 2), msg("c", 1)} {
		m.TenantID = tenant
		mustInsert(t, s, m)
	}
	list, err := s.ListMessages(ctx, tenant, "conv-1", 0)
	require.NoError(t, err)
	require.Len(t, list, 3)
	require.Equal(t, []string{"c", "a", "b"}, []string{list[0].ID, list[1].ID, list[2].ID})

	hijack := msg("a", 9)
	hijack.TenantID = tenant
	hijack.ConversationID = "conv-2"
	stored, inserted, err := s.InsertMessage(ctx, hijack)
	require.NoError(t, err)
	require.False(t, inserted)
	require.Equal(t, "conv-1", stored.ConversationID)

	_, err = s.GetMessage(ctx, tenant, "missing")
	require.True(t, IsNotFound(err))

	newer := model.StatusEvent{MessageID: "a", TenantID: tenant, ConversationID: "conv-1", Status: model.StatusRead, ObservedAt: base.Add(time.Minute)}
	older := model.StatusEvent{MessageID: "a", TenantID: tenant, ConversationID: "conv-1", Status: model.StatusDelivered, ObservedAt: base}
	applied, err := s.AppendStatus(ctx, newer)
	require.NoError(t, err)
	require.True(t, applied)
	applied, err = s.AppendStatus(ctx, older)
	require.NoError(t, err)
	require.False(t, applied)

	got, err := s.GetMessage(ctx, tenant, "a")
	require.NoError(t, err)
	require.Equal(t, model.StatusRead, got.CurrentStatus)

	latest, err := s.LatestStatuses(ctx, tenant, "conv-1")
	require.NoError(t, err)
	require.Len(t, latest, 1)
	require.Equal(t, model.StatusRead, latest[0].Status)
}
