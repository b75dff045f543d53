package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"inboxrelay/module/relay/model"
	"inboxrelay/tools/errs"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func m(id string, sec int) model.Message {
	return model.Message{
		ID:             id,
		TenantID:       "t1",
		ConversationID: "conv-1",
		Body:           "body " + id,
		CreatedAt:      t0.Add(time.Duration(sec) * time.Second),
	}
}

func ids(ms []model.Message) []string {
	out := make([]string, len(ms))
	for i, x := range ms {
		out[i] = x.ID
	}
	return out
}

func TestReconcile_MergeDedupSort(t *testing.T) {
	local := []model.Message{m("l1", 3), m("shared", 5), m("l2", 9)}
	stale := local[1]
	stale.Body = "stale"
	local[1] = stale

	fetched := []model.Message{m("f1", 1), m("f2", 4), m("shared", 5), m("f3", 7), m("f4", 9)}

	got := Reconcile(local, fetched)
	require.Len(t, got, 7)
	require.Equal(t, []string{"f1", "l1", "f2", "shared", "f3", "f4", "l2"}, ids(got))
	for _, x := range got {
		if x.ID == "shared" {
			require.Equal(t, "body shared", x.Body)
		}
	}

	again := Reconcile(local, fetched)
	require.Equal(t, got, again)
	require.Equal(t, got, Reconcile(got, fetched))
}

func TestReconcile_DuplicateIDsInFetch(t *testing.T) {
	a := m("a", 1)
	a2 := m("a", 1)
	a2.Body = "newer"
	got := Reconcile(nil, []model.Message{a, a2})
	require.Len(t, got, 1)
	require.Equal(t, "newer", got[0].Body)
}

func TestView_PendingPromotion(t *testing.T) {
	v := NewView("conv-1")
	require.True(t, v.AddPending(m("p1", 10)))
	require.False(t, v.AddPending(m("p1", 10)))
	e, _ := v.Get("p1")
	require.Equal(t, PhasePending, e.Phase)

	// 重拉里没有的乐观写入保持 Pending
	v.Merge([]model.Message{m("a", 1)})
	e, _ = v.Get("p1")
	require.Equal(t, PhasePending, e.Phase)
	e, _ = v.Get("a")
	require.Equal(t, PhaseConfirmed, e.Phase)

	// 推送按 id 确认，不依赖到达顺序
	v.Upsert(m("p1", 10))
	e, _ = v.Get("p1")
	require.Equal(t, PhaseConfirmed, e.Phase)
	require.Equal(t, []string{"a", "p1"}, ids(v.Messages()))

	// 其他会话的消息不会进入
	other := m("x", 1)
	other.ConversationID = "conv-2"
	require.False(t, v.Upsert(other))
	require.Equal(t, 2, v.Len())
}

func TestView_StatusNeverRegresses(t *testing.T) {
	v := NewView("conv-1")
	v.Upsert(m("a", 1))
	require.True(t, v.ApplyStatus(model.StatusEvent{MessageID: "a", Status: model.StatusRead, ObservedAt: t0.Add(100 * time.Second)}))
	require.False(t, v.ApplyStatus(model.StatusEvent{MessageID: "a", Status: model.StatusDelivered, ObservedAt: t0.Add(80 * time.Second)}))

	// 拉取结果里的旧状态也不会覆盖
	stale := m("a", 1)
	stale.CurrentStatus = model.StatusSent
	stale.StatusObservedAt = t0.Add(50 * time.Second)
	v.Merge([]model.Message{stale})
	e, _ := v.Get("a")
	require.Equal(t, model.StatusRead, e.Message.CurrentStatus)
	require.False(t, v.ApplyStatus(model.StatusEvent{MessageID: "missing", Status: model.StatusRead}))
}

type stubFetcher struct {
	mu    sync.Mutex
	msgs  []model.Message
	fails int
	calls int
}

func (f *stubFetcher) ListMessages(_ context.Context, tenantID, conversationID string, _ int) ([]model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fails > 0 {
		f.fails--
		return nil, errors.New("store unavailable")
	}
	var out []model.Message
	for _, x := range f.msgs {
		if x.TenantID == tenantID && x.ConversationID == conversationID {
			out = append(out, x)
		}
	}
	return out, nil
}

func (f *stubFetcher) set(ms ...model.Message) {
	f.mu.Lock()
	f.msgs = ms
	f.mu.Unlock()
}

type recorder struct {
	msgs    chan model.Message
	status  chan model.StatusEvent
	states  chan State
	resyncs chan []model.Message
}

func newRecorder() *recorder {
	return &recorder{
		msgs:    make(chan model.Message, 16),
		status:  make(chan model.StatusEvent, 16),
		states:  make(chan State, 16),
		resyncs: make(chan []model.Message, 16),
	}
}

func (r *recorder) handlers() Handlers {
	return Handlers{
		OnMessage: func(x model.Message) { r.msgs <- x },
		OnStatus:  func(ev model.StatusEvent) { r.status <- ev },
		OnState:   func(s State) { r.states <- s },
		OnResync:  func(_ string, ms []model.Message) { r.resyncs <- ms },
	}
}

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for callback")
	}
	var zero T
	return zero
}

func newReconciler(t *testing.T, tr Transport, f Fetcher) *Reconciler {
	t.Helper()
	r, err := NewReconciler(Config{
		Transport:  tr,
		Fetcher:    f,
		AckTimeout: 50 * time.Millisecond,
		RetryBase:  10 * time.Millisecond,
		RetryMax:   40 * time.Millisecond,
		Metrics:    NewMetrics(prometheus.NewRegistry()),
	})
	require.NoError(t, err)
	t.Cleanup(r.CloseAll)
	return r
}

func msgEvent(scope string, x model.Message) model.ChangeEvent {
	return model.ChangeEvent{ID: "e-" + x.ID, Scope: scope, Kind: model.ChangeMessage, Op: model.OpInsert, Message: &x}
}

func TestSubscription_LiveEventsAndScopeFilter(t *testing.T) {
	hub := NewHub(nil)
	f := &stubFetcher{}
	f.set(m("a", 1))
	r := newReconciler(t, hub, f)
	rec := newRecorder()

	sub, err := r.Subscribe(context.Background(), "t1", rec.handlers())
	require.NoError(t, err)
	require.Equal(t, StateSubscribed, sub.State())
	require.Equal(t, StateSubscribed, recv(t, rec.states))

	v, err := sub.Track(context.Background(), "conv-1")
	require.NoError(t, err)
	require.Equal(t, []string{"a"}, ids(v.Messages()))

	foreign := m("evil", 2)
	foreign.TenantID = "t2"
	require.NoError(t, hub.Publish(context.Background(), msgEvent("t2", foreign)))
	require.NoError(t, hub.Publish(context.Background(), msgEvent("t1", m("b", 2))))
	// 重复投递同一事件是幂等的
	require.NoError(t, hub.Publish(context.Background(), msgEvent("t1", m("b", 2))))

	require.Equal(t, "b", recv(t, rec.msgs).ID)
	require.Equal(t, "b", recv(t, rec.msgs).ID)
	require.Equal(t, []string{"a", "b"}, ids(v.Messages()))

	st := model.StatusEvent{MessageID: "b", TenantID: "t1", ConversationID: "conv-1", Status: model.StatusDelivered, ObservedAt: t0}
	require.NoError(t, hub.Publish(context.Background(), model.ChangeEvent{Scope: "t1", Kind: model.ChangeStatus, Status: &st}))
	require.Equal(t, model.StatusDelivered, recv(t, rec.status).Status)
	e, _ := v.Get("b")
	require.Equal(t, model.StatusDelivered, e.Message.CurrentStatus)

	select {
	case x := <-rec.msgs:
		t.Fatalf("unexpected message %s", x.ID)
	default:
	}
}

func TestSubscription_StaleStatusNotNotified(t *testing.T) {
	hub := NewHub(nil)
	f := &stubFetcher{}
	f.set(m("a", 1))
	r := newReconciler(t, hub, f)
	rec := newRecorder()

	sub, err := r.Subscribe(context.Background(), "t1", rec.handlers())
	require.NoError(t, err)
	v, err := sub.Track(context.Background(), "conv-1")
	require.NoError(t, err)

	read := model.StatusEvent{MessageID: "a", TenantID: "t1", ConversationID: "conv-1", Status: model.StatusRead, ObservedAt: t0.Add(100 * time.Second)}
	delivered := model.StatusEvent{MessageID: "a", TenantID: "t1", ConversationID: "conv-1", Status: model.StatusDelivered, ObservedAt: t0.Add(80 * time.Second)}
	// 缺 conversationId 的旧回执按消息 id 归属，同样被丢弃
	orphan := delivered
	orphan.ConversationID = ""
	for _, st := range []model.StatusEvent{read, delivered, orphan} {
		require.NoError(t, hub.Publish(context.Background(), model.ChangeEvent{Scope: "t1", Kind: model.ChangeStatus, Status: &st}))
	}
	// 其他会话未跟踪，回执不通知
	other := model.StatusEvent{MessageID: "z", TenantID: "t1", ConversationID: "conv-9", Status: model.StatusRead, ObservedAt: t0}
	require.NoError(t, hub.Publish(context.Background(), model.ChangeEvent{Scope: "t1", Kind: model.ChangeStatus, Status: &other}))
	// 回调串行执行，收到这条消息时前面的回执都已处理完
	require.NoError(t, hub.Publish(context.Background(), msgEvent("t1", m("b", 2))))
	require.Equal(t, "b", recv(t, rec.msgs).ID)

	require.Equal(t, model.StatusRead, recv(t, rec.status).Status)
	select {
	case ev := <-rec.status:
		t.Fatalf("unexpected status notification %s for %s", ev.Status, ev.MessageID)
	default:
	}
	e, _ := v.Get("a")
	require.Equal(t, model.StatusRead, e.Message.CurrentStatus)
}

func TestSubscription_RecoveryRefetches(t *testing.T) {
	hub := NewHub(nil)
	f := &stubFetcher{}
	f.set(m("a", 1))
	r := newReconciler(t, hub, f)
	rec := newRecorder()

	sub, err := r.Subscribe(context.Background(), "t1", rec.handlers())
	require.NoError(t, err)
	recv(t, rec.states)
	v, err := sub.Track(context.Background(), "conv-1")
	require.NoError(t, err)
	sub.AddPending(m("local", 20))

	hub.Interrupt(errors.New("socket reset"))
	require.Equal(t, StateDegraded, sub.State())
	require.Equal(t, StateDegraded, recv(t, rec.states))

	// 中断期间错过的消息只能靠重拉补回
	f.set(m("a", 1), m("missed", 5))
	hub.Resume()
	require.Equal(t, StateSubscribed, recv(t, rec.states))
	got := recv(t, rec.resyncs)
	require.Equal(t, []string{"a", "missed", "local"}, ids(got))

	e, _ := v.Get("local")
	require.Equal(t, PhasePending, e.Phase)
	e, _ = v.Get("missed")
	require.Equal(t, PhaseConfirmed, e.Phase)
}

func TestSubscription_FetchFailureSchedulesRetry(t *testing.T) {
	hub := NewHub(nil)
	f := &stubFetcher{fails: 2}
	f.set(m("a", 1))
	r := newReconciler(t, hub, f)
	rec := newRecorder()

	sub, err := r.Subscribe(context.Background(), "t1", rec.handlers())
	require.NoError(t, err)

	v, err := sub.Track(context.Background(), "conv-1")
	require.NotNil(t, v)
	require.ErrorIs(t, err, errs.ErrReconciliation)
	var re *ReconciliationError
	require.ErrorAs(t, err, &re)
	require.Equal(t, "conv-1", re.ConversationID)

	got := recv(t, rec.resyncs)
	require.Equal(t, []string{"a"}, ids(got))
	f.mu.Lock()
	require.Equal(t, 3, f.calls)
	f.mu.Unlock()
}

type silentTransport struct {
	mu    sync.Mutex
	sinks []Sink
}

type nopHandle struct{}

func (nopHandle) Close() error { return nil }

func (s *silentTransport) Open(_ context.Context, _ string, sink Sink) (Handle, error) {
	s.mu.Lock()
	s.sinks = append(s.sinks, sink)
	s.mu.Unlock()
	return nopHandle{}, nil
}

func TestSubscription_AckTimeoutDegrades(t *testing.T) {
	tr := &silentTransport{}
	r := newReconciler(t, tr, &stubFetcher{})
	rec := newRecorder()

	sub, err := r.Subscribe(context.Background(), "t1", rec.handlers())
	require.NoError(t, err)
	require.Equal(t, StateConnecting, sub.State())
	require.Equal(t, StateDegraded, recv(t, rec.states))

	tr.sinks[0].Ack()
	require.Equal(t, StateSubscribed, sub.State())
}

type flakyTransport struct {
	mu    sync.Mutex
	fails int
	next  Transport
}

func (f *flakyTransport) Open(ctx context.Context, scope string, sink Sink) (Handle, error) {
	f.mu.Lock()
	if f.fails > 0 {
		f.fails--
		f.mu.Unlock()
		return nil, fmt.Errorf("dial: connection refused")
	}
	f.mu.Unlock()
	return f.next.Open(ctx, scope, sink)
}

func TestSubscription_OpenFailureReconnects(t *testing.T) {
	hub := NewHub(nil)
	r := newReconciler(t, &flakyTransport{fails: 2, next: hub}, &stubFetcher{})
	rec := newRecorder()

	sub, err := r.Subscribe(context.Background(), "t1", rec.handlers())
	require.NoError(t, err)
	require.Equal(t, StateDegraded, recv(t, rec.states))
	require.Equal(t, StateSubscribed, recv(t, rec.states))
	require.Equal(t, StateSubscribed, sub.State())
	require.Equal(t, 1, hub.Len())
}

func TestSubscription_CloseStopsCallbacks(t *testing.T) {
	hub := NewHub(nil)
	r := newReconciler(t, hub, &stubFetcher{})
	rec := newRecorder()

	sub, err := r.Subscribe(context.Background(), "t1", rec.handlers())
	require.NoError(t, err)
	recv(t, rec.states)
	require.Equal(t, 1, r.Active())

	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())
	require.Equal(t, StateClosed, sub.State())
	require.Equal(t, 0, hub.Len())
	require.Equal(t, 0, r.Active())

	require.NoError(t, hub.Publish(context.Background(), msgEvent("t1", m("late", 1))))
	time.Sleep(20 * time.Millisecond)
	require.Empty(t, rec.msgs)

	_, err = sub.Track(context.Background(), "conv-1")
	require.Error(t, err)
}

func TestSubscription_ContextCancelCloses(t *testing.T) {
	hub := NewHub(nil)
	r := newReconciler(t, hub, &stubFetcher{})
	ctx, cancel := context.WithCancel(context.Background())

	sub, err := r.Subscribe(ctx, "t1", Handlers{})
	require.NoError(t, err)
	cancel()
	require.Eventually(t, func() bool { return sub.State() == StateClosed }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return hub.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestSubscribe_RejectsEmptyScope(t *testing.T) {
	r := newReconciler(t, NewHub(nil), &stubFetcher{})
	_, err := r.Subscribe(context.Background(), "", Handlers{})
	require.ErrorIs(t, err, errs.ErrArgs)
}
