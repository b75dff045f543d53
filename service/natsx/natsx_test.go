package natsx

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"inboxrelay/module/relay/model"
	"inboxrelay/module/relay/realtime"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

// loopBus 把发布直接回送给订阅者，模拟单节点 Core NATS
type loopBus struct {
	mu        sync.Mutex
	routes    map[string]NatsxRoute
	handlers  map[string]NatsxHandler
	listeners []ConnListener
	online    bool
	published []map[string]string
}

func newLoopBus() *loopBus {
	return &loopBus{routes: map[string]NatsxRoute{}, handlers: map[string]NatsxHandler{}, online: true}
}

func (b *loopBus) RegisterRoute(r NatsxRoute) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.routes[r.Biz] = r
	return nil
}

func (b *loopBus) Subscribe(biz string, h NatsxHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[biz] = h
	return nil
}

func (b *loopBus) Watch(l ConnListener) { b.listeners = append(b.listeners, l) }
func (b *loopBus) Connected() bool      { return b.online }

func (b *loopBus) PublishOnce(ctx context.Context, biz string, data []byte, hdr map[string]string, msgID string) error {
	b.mu.Lock()
	h := b.handlers[biz]
	r := b.routes[biz]
	full := map[string]string{HeaderMsgID: msgID}
	for k, v := range hdr {
		full[k] = v
	}
	b.published = append(b.published, full)
	b.mu.Unlock()
	return h(ctx, NatsxMessage{Subject: r.Subject, Data: data, Header: full})
}

type sinkRecorder struct {
	mu     sync.Mutex
	acks   int
	fails  []error
	events []model.ChangeEvent
}

func (s *sinkRecorder) Ack() { s.mu.Lock(); s.acks++; s.mu.Unlock() }
func (s *sinkRecorder) Fail(err error) {
	s.mu.Lock()
	s.fails = append(s.fails, err)
	s.mu.Unlock()
}
func (s *sinkRecorder) Deliver(ev model.ChangeEvent) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
}

var _ realtime.Transport = (*Feed)(nil)

func TestFeed_PublishLoopsBackToSinks(t *testing.T) {
	bus := newLoopBus()
	f, err := newFeed(bus, bus, FeedConfig{})
	require.NoError(t, err)
	require.Equal(t, DefaultSubject, bus.routes[BizChanges].Subject)

	sink := &sinkRecorder{}
	h, err := f.Open(context.Background(), "t1", sink)
	require.NoError(t, err)
	require.Equal(t, 1, sink.acks)

	msg := model.Message{ID: "m1", TenantID: "t1", ConversationID: "conv-1", Body: "hi",
		CreatedAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	require.NoError(t, f.Publish(context.Background(), model.ChangeEvent{
		ID: "chg-1", Scope: "t1", Kind: model.ChangeMessage, Op: model.OpInsert, Message: &msg,
	}))
	require.Len(t, sink.events, 1)
	got := sink.events[0]
	require.Equal(t, "t1", got.Scope)
	require.Equal(t, "m1", got.Message.ID)
	require.True(t, got.Message.CreatedAt.Equal(msg.CreatedAt))
	require.Equal(t, "chg-1", bus.published[0][HeaderMsgID])
	require.Equal(t, "t1", bus.published[0][HeaderScope])

	require.NoError(t, h.Close())
	require.NoError(t, f.Publish(context.Background(), model.ChangeEvent{
		ID: "chg-2", Scope: "t1", Kind: model.ChangeMessage, Message: &msg,
	}))
	require.Len(t, sink.events, 1)
}

func TestFeed_ConnectionEventsMapToSink(t *testing.T) {
	bus := newLoopBus()
	bus.online = false
	f, err := newFeed(bus, bus, FeedConfig{})
	require.NoError(t, err)

	sink := &sinkRecorder{}
	_, err = f.Open(context.Background(), "t1", sink)
	require.NoError(t, err)
	require.Len(t, sink.fails, 1)
	require.Equal(t, 0, sink.acks)

	for _, l := range bus.listeners {
		l.Reconnected()
	}
	require.Equal(t, 1, sink.acks)

	cause := errors.New("io: read/write on closed pipe")
	for _, l := range bus.listeners {
		l.Disconnected(cause)
	}
	require.ErrorIs(t, sink.fails[1], cause)
}

func TestFeed_HandleRejectsGarbage(t *testing.T) {
	bus := newLoopBus()
	f, err := newFeed(bus, bus, FeedConfig{})
	require.NoError(t, err)
	sink := &sinkRecorder{}
	_, _ = f.Open(context.Background(), "t1", sink)

	require.Error(t, f.handle(context.Background(), NatsxMessage{Data: []byte("{not json")}))
	require.Error(t, f.handle(context.Background(), NatsxMessage{Data: []byte(`{"kind":"typing","record":{}}`)}))

	// scope 缺省时取消息头
	raw, _ := json.Marshal(model.ChangeEnvelope{ID: "x", Kind: model.ChangeStatus, Record: map[string]any{
		"message_id": "m1", "tenant_id": "t9", "status": "read", "observed_at": "2024-05-01T00:00:00Z",
	}})
	require.NoError(t, f.handle(context.Background(), NatsxMessage{Data: raw, Header: map[string]string{HeaderScope: "t9"}}))
	require.Len(t, sink.events, 1)
	require.Equal(t, "t9", sink.events[0].Scope)
}

type statusRecorder struct{ got []model.StatusEvent }

func (r *statusRecorder) HandleStatus(_ context.Context, ev model.StatusEvent) error {
	r.got = append(r.got, ev)
	return nil
}

func TestStatusConsumer_Handle(t *testing.T) {
	rec := &statusRecorder{}
	sc := NewStatusConsumer(rec, nil)

	ok := `{"message_id":"m1","tenant_id":"t1","status":"delivered","observed_at":1714564800000,"channel_meta":{"wamid":"abc"}}`
	require.NoError(t, sc.Handle(context.Background(), NatsxMessage{Data: []byte(ok)}))
	require.Len(t, rec.got, 1)
	require.Equal(t, model.StatusDelivered, rec.got[0].Status)
	require.Equal(t, "abc", rec.got[0].ChannelMeta["wamid"])

	for _, bad := range []string{
		`{"tenant_id":"t1","status":"read","observed_at":1}`,
		`{"message_id":"m1","tenant_id":"t1","status":"bounced","observed_at":1}`,
		`{"message_id":"m1","tenant_id":"t1","status":"read"}`,
		`garbage`,
	} {
		require.NoError(t, sc.Handle(context.Background(), NatsxMessage{Data: []byte(bad)}), bad)
	}
	require.Len(t, rec.got, 1)
}

func TestIdemMiddleware(t *testing.T) {
	idem := NewMemIdem(time.Minute)
	defer idem.Close()
	calls := 0
	h := NatsxChain(func(context.Context, NatsxMessage) error { calls++; return nil },
		NatsxIdemMiddleware(idem, 0))

	msg := NatsxMessage{Subject: "s", Data: []byte("x"), Header: map[string]string{HeaderMsgID: "id-1"}}
	require.NoError(t, h(context.Background(), msg))
	require.NoError(t, h(context.Background(), msg))
	require.Equal(t, 1, calls)

	// 无 msgID 时按 subject+内容去重
	require.NoError(t, h(context.Background(), NatsxMessage{Subject: "s", Data: []byte("y")}))
	require.NoError(t, h(context.Background(), NatsxMessage{Subject: "s", Data: []byte(" y ")}))
	require.Equal(t, 2, calls)
}

func TestMemIdem_Expiry(t *testing.T) {
	idem := NewMemIdem(time.Minute)
	defer idem.Close()
	now := time.Unix(1000, 0)
	idem.now = func() time.Time { return now }

	seen, _ := idem.SeenOnce(context.Background(), "k", 0)
	require.False(t, seen)
	seen, _ = idem.SeenOnce(context.Background(), "k", 0)
	require.True(t, seen)

	now = now.Add(61 * time.Second)
	require.Equal(t, 1, idem.Clean())
	seen, _ = idem.SeenOnce(context.Background(), "k", 0)
	require.False(t, seen)
}

func TestRedisIdem(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	idem := NewRedisIdem(rdb, "", time.Minute)

	seen, err := idem.SeenOnce(context.Background(), "k", 0)
	require.NoError(t, err)
	require.False(t, seen)
	seen, err = idem.SeenOnce(context.Background(), "k", 0)
	require.NoError(t, err)
	require.True(t, seen)

	mr.FastForward(61 * time.Second)
	seen, err = idem.SeenOnce(context.Background(), "k", 0)
	require.NoError(t, err)
	require.False(t, seen)
}

func TestParseMode(t *testing.T) {
	require.Equal(t, Core, ParseMode(""))
	require.Equal(t, JetStreamPush, ParseMode("js_push"))
	require.Equal(t, JetStreamPull, ParseMode(" JetStream_Pull "))
}
