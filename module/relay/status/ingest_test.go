package status

import (
	"context"
	"testing"

	"inboxrelay/module/relay/model"
	"inboxrelay/module/relay/store"

	"github.com/stretchr/testify/require"
)

type pubRecorder struct{ events []model.ChangeEvent }

func (p *pubRecorder) Publish(_ context.Context, ev model.ChangeEvent) error {
	p.events = append(p.events, ev)
	return nil
}

func mustInsert(t *testing.T, s store.Store, m *model.Message) {
	t.Helper()
	_, inserted, err := s.InsertMessage(context.Background(), m)
	require.NoError(t, err)
	require.True(t, inserted)
}

func TestIngestor_EnrichesAndPublishes(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	mustInsert(t, st, &model.Message{
		ID: "m1", TenantID: "t1", ConversationID: "conv-1", Body: "hi", CreatedAt: at(10),
	})
	pub := &pubRecorder{}
	in := NewIngestor(st, pub, nil)

	e := ev("m1", model.StatusDelivered, 20)
	e.TenantID = "t1"
	require.NoError(t, in.HandleStatus(ctx, e))
	require.Len(t, pub.events, 1)
	require.Equal(t, model.ChangeStatus, pub.events[0].Kind)
	require.Equal(t, "conv-1", pub.events[0].Status.ConversationID)
	require.Equal(t, "t1", pub.events[0].Scope)

	// 更早的回执只进历史
	old := ev("m1", model.StatusSent, 15)
	old.TenantID = "t1"
	require.NoError(t, in.HandleStatus(ctx, old))
	require.Len(t, pub.events, 1)

	m, err := st.GetMessage(ctx, "t1", "m1")
	require.NoError(t, err)
	require.Equal(t, model.StatusDelivered, m.CurrentStatus)

	snap, err := st.LatestStatuses(ctx, "t1", "conv-1")
	require.NoError(t, err)
	require.Len(t, snap, 1)
}

func TestIngestor_UnknownMessageNotPublished(t *testing.T) {
	st := store.NewMemStore()
	pub := &pubRecorder{}
	in := NewIngestor(st, pub, nil)

	e := ev("ghost", model.StatusRead, 5)
	e.TenantID = "t1"
	require.NoError(t, in.HandleStatus(context.Background(), e))
	require.Empty(t, pub.events)
	// 消息未知也照样落库，之后写入的消息能拿到这条回执
	stored, inserted, err := st.InsertMessage(context.Background(), &model.Message{ID: "ghost", TenantID: "t1", Body: "late"})
	require.NoError(t, err)
	require.True(t, inserted)
	require.Equal(t, model.StatusRead, stored.CurrentStatus)

	require.Error(t, in.HandleStatus(context.Background(), model.StatusEvent{MessageID: "m1", Status: "bogus"}))
}
