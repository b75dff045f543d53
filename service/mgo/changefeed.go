package mgo

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"inboxrelay/logger"
	"inboxrelay/module/relay/model"
	"inboxrelay/module/relay/realtime"
	"inboxrelay/module/relay/store"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

var errStreamEnded = errors.New("change stream ended")

// changeStream *mongo.ChangeStream 的子集
type changeStream interface {
	Next(ctx context.Context) bool
	Decode(v any) error
	ResumeToken() bson.Raw
	Err() error
	Close(ctx context.Context) error
}

type watcher interface {
	Watch(ctx context.Context, pipeline mongo.Pipeline, resume bson.Raw) (changeStream, error)
}

type dbWatcher struct{ db *mongo.Database }

func (w dbWatcher) Watch(ctx context.Context, pipeline mongo.Pipeline, resume bson.Raw) (changeStream, error) {
	opts := options.ChangeStream().SetFullDocument(options.UpdateLookup)
	if resume != nil {
		opts.SetResumeAfter(resume)
	}
	cs, err := w.db.Watch(ctx, pipeline, opts)
	if err != nil {
		return nil, err
	}
	return cs, nil
}

type changeDoc struct {
	ID            bson.Raw `bson:"_id"`
	OperationType string   `bson:"operationType"`
	NS            struct {
		Coll string `bson:"coll"`
	} `bson:"ns"`
	FullDocument bson.Raw `bson:"fullDocument"`
}

type ChangeFeedConfig struct {
	RetryBase time.Duration
	RetryMax  time.Duration
	Logger    *zap.Logger
}

// ChangeFeed 基于 Mongo change stream 的推送通道，每个订阅一条 stream，按 tenant_id 过滤。
// stream 出错时 Fail，带 resume token 重开成功后 Ack
type ChangeFeed struct {
	w   watcher
	cfg ChangeFeedConfig
	log *zap.Logger
}

var _ realtime.Transport = (*ChangeFeed)(nil)

func NewChangeFeed(db *mongo.Database, cfg ChangeFeedConfig) *ChangeFeed {
	return newChangeFeed(dbWatcher{db: db}, cfg)
}

func newChangeFeed(w watcher, cfg ChangeFeedConfig) *ChangeFeed {
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 15 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Named("mongo-feed")
	}
	return &ChangeFeed{w: w, cfg: cfg, log: cfg.Logger}
}

func scopePipeline(scope string) mongo.Pipeline {
	return mongo.Pipeline{
		{{Key: "$match", Value: bson.M{
			"ns.coll":                bson.M{"$in": bson.A{store.CollMessage, store.CollConversation, store.CollStatusEvent}},
			"operationType":          bson.M{"$in": bson.A{"insert", "update", "replace"}},
			"fullDocument.tenant_id": scope,
		}}},
	}
}

// Open 实现 realtime.Transport；stream 在后台协程里打开
func (f *ChangeFeed) Open(ctx context.Context, scope string, sink realtime.Sink) (realtime.Handle, error) {
	cctx, cancel := context.WithCancel(ctx)
	h := &feedHandle{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(h.done)
		f.run(cctx, scope, sink)
	}()
	return h, nil
}

func (f *ChangeFeed) run(ctx context.Context, scope string, sink realtime.Sink) {
	var token bson.Raw
	attempt := 0
	for {
		cs, err := f.w.Watch(ctx, scopePipeline(scope), token)
		if err == nil {
			attempt = 0
			sink.Ack()
			token, err = f.drain(ctx, cs, scope, sink, token)
		}
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			err = errStreamEnded
		}
		delay := f.backoff(attempt)
		f.log.Warn("change stream interrupted", zap.String("scope", scope), zap.Duration("retry_in", delay), zap.Error(err))
		sink.Fail(err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		attempt++
	}
}

// drain 读到 stream 结束，返回最后一个 resume token
func (f *ChangeFeed) drain(ctx context.Context, cs changeStream, scope string, sink realtime.Sink, token bson.Raw) (bson.Raw, error) {
	defer cs.Close(context.Background())
	for cs.Next(ctx) {
		var d changeDoc
		if err := cs.Decode(&d); err != nil {
			f.log.Warn("decode change document", zap.Error(err))
		} else if ev, err := decodeChange(d, scope); err != nil {
			f.log.Warn("drop change", zap.String("coll", d.NS.Coll), zap.Error(err))
		} else {
			sink.Deliver(ev)
		}
		if t := cs.ResumeToken(); t != nil {
			token = t
		}
	}
	return token, cs.Err()
}

func (f *ChangeFeed) backoff(attempt int) time.Duration {
	d := f.cfg.RetryBase
	for i := 0; i < attempt && d < f.cfg.RetryMax; i++ {
		d *= 2
	}
	if d > f.cfg.RetryMax {
		d = f.cfg.RetryMax
	}
	return d
}

func decodeChange(d changeDoc, scope string) (model.ChangeEvent, error) {
	ev := model.ChangeEvent{Scope: scope, Op: model.OpUpdate}
	if d.OperationType == "insert" {
		ev.Op = model.OpInsert
	}
	if v, ok := d.ID.Lookup("_data").StringValueOK(); ok {
		ev.ID = v
	}
	if d.FullDocument == nil {
		return ev, fmt.Errorf("%s change without full document", d.NS.Coll)
	}
	switch d.NS.Coll {
	case store.CollMessage:
		ev.Kind = model.ChangeMessage
		ev.Message = &model.Message{}
		return ev, bson.Unmarshal(d.FullDocument, ev.Message)
	case store.CollConversation:
		ev.Kind = model.ChangeConversation
		ev.Conversation = &model.Conversation{}
		return ev, bson.Unmarshal(d.FullDocument, ev.Conversation)
	case store.CollStatusEvent:
		ev.Kind = model.ChangeStatus
		ev.Status = &model.StatusEvent{}
		return ev, bson.Unmarshal(d.FullDocument, ev.Status)
	}
	return ev, fmt.Errorf("unexpected collection %q", d.NS.Coll)
}

type feedHandle struct {
	once   sync.Once
	cancel context.CancelFunc
	done   chan struct{}
}

func (h *feedHandle) Close() error {
	h.once.Do(h.cancel)
	<-h.done
	return nil
}
