package mgo

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"inboxrelay/module/relay/model"
	"inboxrelay/module/relay/store"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

type fakeStream struct {
	docs []bson.Raw
	pos  int
	err  error
}

func (s *fakeStream) Next(context.Context) bool {
	if s.pos >= len(s.docs) {
		return false
	}
	s.pos++
	return true
}
func (s *fakeStream) Decode(v any) error          { return bson.Unmarshal(s.docs[s.pos-1], v) }
func (s *fakeStream) ResumeToken() bson.Raw       { return mustRaw(bson.M{"_data": "tok-" + string(rune('0'+s.pos))}) }
func (s *fakeStream) Err() error                  { return s.err }
func (s *fakeStream) Close(context.Context) error { return nil }

// blockingStream 一直阻塞到 ctx 结束
type blockingStream struct{ fakeStream }

func (s *blockingStream) Next(ctx context.Context) bool { <-ctx.Done(); return false }

type fakeWatcher struct {
	mu      sync.Mutex
	streams []changeStream
	tokens  []bson.Raw
}

func (w *fakeWatcher) Watch(ctx context.Context, _ mongo.Pipeline, resume bson.Raw) (changeStream, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.tokens = append(w.tokens, resume)
	if len(w.streams) == 0 {
		return &blockingStream{}, nil
	}
	cs := w.streams[0]
	w.streams = w.streams[1:]
	if cs == nil {
		return nil, errors.New("no primary")
	}
	return cs, nil
}

type sinkRec struct {
	mu     sync.Mutex
	acks   int
	fails  int
	events []model.ChangeEvent
	ch     chan struct{}
}

func (s *sinkRec) Ack()       { s.mu.Lock(); s.acks++; s.mu.Unlock(); s.ch <- struct{}{} }
func (s *sinkRec) Fail(error) { s.mu.Lock(); s.fails++; s.mu.Unlock() }
func (s *sinkRec) Deliver(ev model.ChangeEvent) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
}

func mustRaw(v any) bson.Raw {
	b, err := bson.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func change(coll, op string, full any) bson.Raw {
	return mustRaw(bson.M{
		"_id":           bson.M{"_data": "826A"},
		"operationType": op,
		"ns":            bson.M{"db": "relay", "coll": coll},
		"fullDocument":  full,
	})
}

func TestDecodeChange(t *testing.T) {
	at := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	var d changeDoc
	require.NoError(t, bson.Unmarshal(change(store.CollMessage, "insert",
		model.Message{ID: "m1", TenantID: "t1", ConversationID: "c1", Body: "hi", CreatedAt: at}), &d))
	ev, err := decodeChange(d, "t1")
	require.NoError(t, err)
	require.Equal(t, model.ChangeMessage, ev.Kind)
	require.Equal(t, model.OpInsert, ev.Op)
	require.Equal(t, "826A", ev.ID)
	require.Equal(t, "m1", ev.Message.ID)
	require.True(t, ev.Message.CreatedAt.Equal(at))

	d = changeDoc{}
	require.NoError(t, bson.Unmarshal(change(store.CollStatusEvent, "insert",
		model.StatusEvent{MessageID: "m1", TenantID: "t1", ConversationID: "c1", Status: model.StatusRead, ObservedAt: at}), &d))
	ev, err = decodeChange(d, "t1")
	require.NoError(t, err)
	require.Equal(t, model.StatusRead, ev.Status.Status)
	require.Equal(t, "c1", ev.ConversationID())

	d = changeDoc{}
	require.NoError(t, bson.Unmarshal(change(store.CollConversation, "update",
		model.Conversation{ID: "c1", TenantID: "t1"}), &d))
	ev, err = decodeChange(d, "t1")
	require.NoError(t, err)
	require.Equal(t, model.OpUpdate, ev.Op)
	require.Equal(t, "c1", ev.Conversation.ID)

	_, err = decodeChange(changeDoc{FullDocument: mustRaw(bson.M{})}, "t1")
	require.Error(t, err)
}

func TestChangeFeed_ResumesAfterFailure(t *testing.T) {
	first := &fakeStream{
		docs: []bson.Raw{change(store.CollMessage, "insert", model.Message{ID: "m1", TenantID: "t1", ConversationID: "c1"})},
		err:  errors.New("connection reset"),
	}
	w := &fakeWatcher{streams: []changeStream{first, nil}}
	f := newChangeFeed(w, ChangeFeedConfig{RetryBase: time.Millisecond, RetryMax: 5 * time.Millisecond})

	sink := &sinkRec{ch: make(chan struct{}, 4)}
	h, err := f.Open(context.Background(), "t1", sink)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		select {
		case <-sink.ch:
		case <-time.After(2 * time.Second):
			t.Fatal("no ack")
		}
	}
	require.NoError(t, h.Close())

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Equal(t, 2, sink.acks)
	require.Equal(t, 2, sink.fails)
	require.Len(t, sink.events, 1)

	w.mu.Lock()
	defer w.mu.Unlock()
	require.Nil(t, w.tokens[0])
	require.Equal(t, "tok-1", w.tokens[1].Lookup("_data").StringValue())
	require.Equal(t, "tok-1", w.tokens[2].Lookup("_data").StringValue())
}

func TestChangeFeed_Backoff(t *testing.T) {
	f := newChangeFeed(&fakeWatcher{}, ChangeFeedConfig{RetryBase: 100 * time.Millisecond, RetryMax: time.Second})
	require.Equal(t, 100*time.Millisecond, f.backoff(0))
	require.Equal(t, 400*time.Millisecond, f.backoff(2))
	require.Equal(t, time.Second, f.backoff(10))
}
