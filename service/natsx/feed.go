package natsx

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"inboxrelay/logger"
	"inboxrelay/module/relay/model"
	"inboxrelay/module/relay/realtime"
	"inboxrelay/tools"

	"go.uber.org/zap"
)

const (
	BizChanges     = "relay.changes"
	DefaultSubject = "relay.changes"
	HeaderScope    = "Relay-Scope"
)

var errOffline = errors.New("nats offline")

type feedBus interface {
	RegisterRoute(r NatsxRoute) error
	Subscribe(biz string, h NatsxHandler) error
	Watch(l ConnListener)
	Connected() bool
}

type oncePublisher interface {
	PublishOnce(ctx context.Context, biz string, data []byte, hdr map[string]string, msgID string) error
}

type FeedConfig struct {
	Subject string
	Retries int
	Backoff time.Duration
	Logger  *zap.Logger
}

// Feed 基于共享广播 subject 的推送通道：同时是 realtime.Transport 和变更发布者。
// 所有实例订阅同一个 subject，本实例发布的变更也经 NATS 回到本地订阅者。
type Feed struct {
	bus    feedBus
	pub    oncePublisher
	log    *zap.Logger
	online atomic.Bool

	mu    sync.RWMutex
	seq   uint64
	sinks map[uint64]realtime.Sink
}

func NewFeed(mgr *NatsManager, cfg FeedConfig) (*Feed, error) {
	if cfg.Retries == 0 {
		cfg.Retries = 2
	}
	if cfg.Backoff == 0 {
		cfg.Backoff = 100 * time.Millisecond
	}
	pub := &NatsxSyncPublisher{P: mgr.Producer(), Retries: cfg.Retries, Backoff: cfg.Backoff}
	return newFeed(mgr, pub, cfg)
}

func newFeed(bus feedBus, pub oncePublisher, cfg FeedConfig) (*Feed, error) {
	if cfg.Subject == "" {
		cfg.Subject = DefaultSubject
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Named("nats-feed")
	}
	f := &Feed{bus: bus, pub: pub, log: cfg.Logger, sinks: make(map[uint64]realtime.Sink)}
	if err := bus.RegisterRoute(NatsxRoute{Biz: BizChanges, Subject: cfg.Subject, Mode: Core}); err != nil {
		return nil, err
	}
	f.online.Store(bus.Connected())
	bus.Watch(f)
	if err := bus.Subscribe(BizChanges, f.handle); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *Feed) handle(_ context.Context, msg NatsxMessage) error {
	var env model.ChangeEnvelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		f.log.Warn("bad change envelope", zap.String("subject", msg.Subject), zap.Error(err))
		return err
	}
	if env.Scope == "" {
		env.Scope = msg.Header[HeaderScope]
	}
	ev, err := model.DecodeChange(env)
	if err != nil {
		f.log.Warn("decode change", zap.String("id", env.ID), zap.Error(err))
		return err
	}
	for _, s := range f.snapshot() {
		s.Deliver(ev)
	}
	return nil
}

// Open 实现 realtime.Transport
func (f *Feed) Open(_ context.Context, scope string, sink realtime.Sink) (realtime.Handle, error) {
	f.mu.Lock()
	f.seq++
	id := f.seq
	f.sinks[id] = sink
	f.mu.Unlock()

	f.log.Debug("feed subscriber joined", zap.Uint64("id", id), zap.String("scope", scope))
	if f.online.Load() {
		sink.Ack()
	} else {
		sink.Fail(errOffline)
	}
	return feedHandle{f: f, id: id}, nil
}

// Publish 实现变更发布
func (f *Feed) Publish(ctx context.Context, ev model.ChangeEvent) error {
	env, err := model.EncodeChange(ev)
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	id := ev.ID
	if id == "" {
		id = tools.RandMsgID()
	}
	return f.pub.PublishOnce(ctx, BizChanges, data, map[string]string{HeaderScope: ev.Scope}, id)
}

func (f *Feed) Disconnected(err error) {
	f.online.Store(false)
	for _, s := range f.snapshot() {
		s.Fail(err)
	}
}

func (f *Feed) Reconnected() {
	f.online.Store(true)
	for _, s := range f.snapshot() {
		s.Ack()
	}
}

func (f *Feed) snapshot() []realtime.Sink {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]realtime.Sink, 0, len(f.sinks))
	for _, s := range f.sinks {
		out = append(out, s)
	}
	return out
}

type feedHandle struct {
	f  *Feed
	id uint64
}

func (h feedHandle) Close() error {
	h.f.mu.Lock()
	delete(h.f.sinks, h.id)
	h.f.mu.Unlock()
	return nil
}
