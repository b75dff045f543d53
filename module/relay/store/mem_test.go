package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"inboxrelay/module/relay/model"

	"github.com/stretchr/testify/require"
)

var base = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func msg(id string, sec int) *model.Message {
	return &model.Message{
		ID:             id,
		TenantID:       "t1",
		ConversationID: "conv-1",
		Direction:      model.DirectionOutgoing,
		Type:           model.TypeText,
		Body:           "body " + id,
		CreatedAt:      base.Add(time.Duration(sec) * time.Second),
	}
}

func mustInsert(t *testing.T, s Store, m *model.Message) {
	t.Helper()
	_, inserted, err := s.InsertMessage(context.Background(), m)
	require.NoError(t, err)
	require.True(t, inserted, "message %s already stored", m.ID)
}

func TestMemStore_ListOrderAndLimit(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	mustInsert(t, s, msg("b", 2))
	mustInsert(t, s, msg("a", 2))
	mustInsert(t, s, msg("c", 1))
	mustInsert(t, s, msg("d", 5))

	all, err := s.ListMessages(ctx, "t1", "conv-1", 0)
	require.NoError(t, err)
	ids := make([]string, 0, len(all))
	for _, m := range all {
		ids = append(ids, m.ID)
	}
	require.Equal(t, []string{"c", "a", "b", "d"}, ids)

	last2, err := s.ListMessages(ctx, "t1", "conv-1", 2)
	require.NoError(t, err)
	require.Len(t, last2, 2)
	require.Equal(t, "b", last2[0].ID)
	require.Equal(t, "d", last2[1].ID)

	other, err := s.ListMessages(ctx, "t2", "conv-1", 0)
	require.NoError(t, err)
	require.Empty(t, other)
}

func TestMemStore_NotFound(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	_, err := s.GetMessage(ctx, "t1", "x")
	require.True(t, IsNotFound(err))
	_, err = s.ChannelBinding(ctx, "t1", "conv-1")
	require.True(t, IsNotFound(err))
}

func TestMemStore_LastMessageNeverMovesBack(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	require.NoError(t, s.UpsertConversation(ctx, &model.Conversation{ID: "conv-1", TenantID: "t1"}))

	require.NoError(t, s.UpdateLastMessage(ctx, "t1", "conv-1", msg("m2", 20)))
	require.NoError(t, s.UpdateLastMessage(ctx, "t1", "conv-1", msg("m1", 10)))

	c, err := s.GetConversation(ctx, "t1", "conv-1")
	require.NoError(t, err)
	require.Equal(t, "m2", c.LastMessage.MessageID)
	require.Equal(t, "body m2", c.LastMessage.Preview)
}

func TestMemStore_AppendStatusMonotonic(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	mustInsert(t, s, msg("m1", 0))

	read := model.StatusEvent{MessageID: "m1", TenantID: "t1", Status: model.StatusRead, ObservedAt: base.Add(100 * time.Second)}
	delivered := model.StatusEvent{MessageID: "m1", TenantID: "t1", Status: model.StatusDelivered, ObservedAt: base.Add(80 * time.Second)}

	ok, err := s.AppendStatus(ctx, read)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = s.AppendStatus(ctx, delivered)
	require.NoError(t, err)
	require.False(t, ok)

	m, err := s.GetMessage(ctx, "t1", "m1")
	require.NoError(t, err)
	require.Equal(t, model.StatusRead, m.CurrentStatus)

	// 重复写入同一 id 不改动已存记录，也不冲掉回执
	stored, inserted, err := s.InsertMessage(ctx, msg("m1", 0))
	require.NoError(t, err)
	require.False(t, inserted)
	require.Equal(t, model.StatusRead, stored.CurrentStatus)

	latest, err := s.LatestStatuses(ctx, "t1", "conv-1")
	require.NoError(t, err)
	require.Len(t, latest, 1)
	require.Equal(t, model.StatusRead, latest[0].Status)
}

func TestMemStore_InsertKeepsOriginal(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	mustInsert(t, s, msg("cm-1", 0))

	hijack := msg("cm-1", 5)
	hijack.ConversationID = "conv-2"
	hijack.Body = "hijack"
	hijack.SenderID = "agent-2"
	stored, inserted, err := s.InsertMessage(ctx, hijack)
	require.NoError(t, err)
	require.False(t, inserted)
	require.Equal(t, "conv-1", stored.ConversationID)
	require.Equal(t, "body cm-1", stored.Body)

	other, err := s.ListMessages(ctx, "t1", "conv-2", 0)
	require.NoError(t, err)
	require.Empty(t, other)

	// 回执先到，消息后写入时带上当前状态
	_, err = s.AppendStatus(ctx, model.StatusEvent{MessageID: "late", TenantID: "t1", ConversationID: "conv-1", Status: model.StatusDelivered, ObservedAt: base})
	require.NoError(t, err)
	stored, inserted, err = s.InsertMessage(ctx, msg("late", 1))
	require.NoError(t, err)
	require.True(t, inserted)
	require.Equal(t, model.StatusDelivered, stored.CurrentStatus)
}

func TestMemStore_ConcurrentInserts(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	done := make(chan struct{})
	for w := 0; w < 4; w++ {
		go func(w int) {
			defer func() { done <- struct{}{} }()
			for i := 0; i < 50; i++ {
				_, _, _ = s.InsertMessage(ctx, msg(fmt.Sprintf("w%d-%d", w, i), i))
			}
		}(w)
	}
	for w := 0; w < 4; w++ {
		<-done
	}
	all, err := s.ListMessages(ctx, "t1", "conv-1", 1000)
	require.NoError(t, err)
	require.Len(t, all, 200)
}
