package realtime

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"

	"inboxrelay/module/relay/model"
	"inboxrelay/module/relay/status"
	"inboxrelay/tools/errs"
	"inboxrelay/tools/safe"
	"inboxrelay/tools/sched"

	"go.uber.org/zap"
)

type State int32

const (
	StateConnecting State = iota
	StateSubscribed
	StateDegraded
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateSubscribed:
		return "subscribed"
	case StateDegraded:
		return "degraded"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

var (
	errAckTimeout = errs.New("subscription ack timeout")
	errClosed     = errs.ErrArgs.WrapMsg("subscription closed")
)

// Handlers 回调全部在订阅自己的派发协程里串行执行，字段均可为空
type Handlers struct {
	OnMessage            func(m model.Message)
	OnConversationUpdate func(c model.Conversation)
	OnStatus             func(ev model.StatusEvent)
	OnState              func(s State)
	// OnResync 一次重拉合并完成后的整段会话
	OnResync func(conversationID string, msgs []model.Message)
}

// Subscription 单个 scope 的实时订阅。
// Degraded 期间可能丢事件，恢复为 Subscribed 时对所有跟踪中的会话重拉。
type Subscription struct {
	id    string
	scope string
	r     *Reconciler
	h     Handlers
	log   *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	state     State
	handle    Handle
	views     map[string]*View
	trackers  map[string]*status.Tracker
	retries   map[string]*sched.Task
	ackWait   *sched.Task
	stopWatch func() bool

	queue     chan func()
	quit      chan struct{}
	done      chan struct{}
	closed    atomic.Bool
	inHandler atomic.Bool
	closeOnce sync.Once
}

func (s *Subscription) ID() string    { return s.id }
func (s *Subscription) Scope() string { return s.scope }

func (s *Subscription) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// View 跟踪中的会话视图，未跟踪返回 nil
func (s *Subscription) View(conversationID string) *View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.views[conversationID]
}

// Track 开始跟踪一个会话并做首次全量拉取。
// 拉取失败时视图仍然保留，返回 *ReconciliationError 并安排重试。
func (s *Subscription) Track(ctx context.Context, conversationID string) (*View, error) {
	if s.closed.Load() {
		return nil, errClosed
	}
	s.mu.Lock()
	v, ok := s.views[conversationID]
	if !ok {
		v = NewView(conversationID)
		s.views[conversationID] = v
		s.trackers[conversationID] = status.NewTracker(s.log.Named("status"))
	}
	s.mu.Unlock()

	if err := s.refetch(ctx, v, 0); err != nil {
		s.log.Warn("initial fetch failed", zap.String("conversation_id", conversationID), zap.Error(err))
		s.scheduleResync(conversationID, 1)
		return v, err
	}
	return v, nil
}

func (s *Subscription) Untrack(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.views, conversationID)
	delete(s.trackers, conversationID)
	if t := s.retries[conversationID]; t != nil {
		t.Stop()
		delete(s.retries, conversationID)
	}
}

// AddPending 本地乐观写入，等推送或重拉按 id 确认
func (s *Subscription) AddPending(m model.Message) bool {
	v := s.View(m.ConversationID)
	if v == nil {
		return false
	}
	return v.AddPending(m)
}

// Close 关闭传输句柄；返回后不再开始任何回调。在回调内调用时不等待派发协程退出。
func (s *Subscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closed.Store(true)

		s.mu.Lock()
		prev := s.state
		s.state = StateClosed
		h := s.handle
		s.handle = nil
		stop := s.stopWatch
		s.mu.Unlock()

		if stop != nil {
			stop()
		}
		s.cancel()
		if h != nil {
			err = h.Close()
		}
		close(s.quit)
		if !s.inHandler.Load() {
			<-s.done
		}
		s.r.forget(s.id)
		s.r.cfg.Metrics.state(StateClosed)
		s.log.Info("subscription closed", zap.Stringer("from", prev))
	})
	return err
}

func (s *Subscription) connect(attempt int) {
	if s.closed.Load() {
		return
	}
	h, err := s.r.cfg.Transport.Open(s.ctx, s.scope, subSink{s})
	if err != nil {
		delay := s.r.backoff(attempt)
		s.log.Warn("open transport failed", zap.Int("attempt", attempt), zap.Duration("retry_in", delay), zap.Error(err))
		s.transition(StateDegraded, err, StateConnecting, StateSubscribed)
		s.mu.Lock()
		if s.state != StateClosed {
			sched.After(s.ctx, "realtime-reopen", delay, func(context.Context) { s.connect(attempt + 1) })
		}
		s.mu.Unlock()
		return
	}

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		_ = h.Close()
		return
	}
	s.handle = h
	s.mu.Unlock()
}

// transition from 非空时只有当前状态在 from 中才迁移
func (s *Subscription) transition(to State, cause error, from ...State) {
	s.mu.Lock()
	prev := s.state
	if prev == StateClosed || prev == to || (len(from) > 0 && !slices.Contains(from, prev)) {
		s.mu.Unlock()
		return
	}
	s.state = to
	var resync []string
	if to == StateSubscribed {
		s.ackWait.Stop()
		if prev == StateDegraded {
			for id := range s.views {
				resync = append(resync, id)
			}
		}
	}
	s.mu.Unlock()

	if cause != nil {
		s.log.Warn("subscription state", zap.Stringer("from", prev), zap.Stringer("to", to), zap.Error(cause))
	} else {
		s.log.Info("subscription state", zap.Stringer("from", prev), zap.Stringer("to", to))
	}
	s.r.cfg.Metrics.state(to)
	s.enqueue(func() {
		if s.h.OnState != nil {
			s.h.OnState(to)
		}
	})
	for _, id := range resync {
		s.scheduleResync(id, 0)
	}
}

func (s *Subscription) scheduleResync(conversationID string, attempt int) {
	var delay = s.r.backoff(attempt - 1)
	if attempt == 0 {
		delay = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return
	}
	if _, ok := s.views[conversationID]; !ok {
		return
	}
	s.retries[conversationID].Stop()
	s.retries[conversationID] = sched.After(s.ctx, "realtime-resync", delay, func(ctx context.Context) {
		s.resync(ctx, conversationID, attempt)
	})
}

func (s *Subscription) resync(ctx context.Context, conversationID string, attempt int) {
	v := s.View(conversationID)
	if v == nil {
		return
	}
	if err := s.refetch(ctx, v, attempt); err != nil {
		if ctx.Err() != nil {
			return
		}
		s.r.cfg.Metrics.resync(false)
		s.log.Warn("resync failed, retry scheduled", zap.String("conversation_id", conversationID), zap.Error(err))
		s.scheduleResync(conversationID, attempt+1)
		return
	}
	s.r.cfg.Metrics.resync(true)
	msgs := v.Messages()
	s.enqueue(func() {
		if s.h.OnResync != nil {
			s.h.OnResync(conversationID, msgs)
		}
	})
}

func (s *Subscription) refetch(ctx context.Context, v *View, attempt int) error {
	fctx, cancel := context.WithTimeout(ctx, s.r.cfg.FetchTimeout)
	defer cancel()
	msgs, err := s.r.cfg.Fetcher.ListMessages(fctx, s.scope, v.ConversationID(), s.r.cfg.FetchLimit)
	if err != nil {
		return &ReconciliationError{ConversationID: v.ConversationID(), Attempt: attempt, Cause: err}
	}
	v.Merge(msgs)

	s.mu.Lock()
	tr := s.trackers[v.ConversationID()]
	s.mu.Unlock()
	if tr == nil {
		return nil
	}
	if err := tr.Attach(fctx, s.snapshotSource(v), s.scope, v.ConversationID()); err != nil {
		return &ReconciliationError{ConversationID: v.ConversationID(), Attempt: attempt, Cause: err}
	}
	// 快照前缓存的回执此时才进入 tracker，回填到视图
	for _, x := range v.Messages() {
		if ev, ok := tr.Event(x.ID); ok {
			v.ApplyStatus(ev)
		}
	}
	return nil
}

// snapshotSource 存储能直接给出最新回执时用存储，否则用刚拉取的视图
func (s *Subscription) snapshotSource(v *View) status.SnapshotSource {
	if src, ok := s.r.cfg.Fetcher.(status.SnapshotSource); ok {
		return src
	}
	return viewSnapshot{v: v}
}

type viewSnapshot struct{ v *View }

func (vs viewSnapshot) LatestStatuses(_ context.Context, tenantID, conversationID string) ([]model.StatusEvent, error) {
	var out []model.StatusEvent
	for _, x := range vs.v.Messages() {
		if x.CurrentStatus == "" {
			continue
		}
		out = append(out, model.StatusEvent{
			MessageID:      x.ID,
			TenantID:       tenantID,
			ConversationID: conversationID,
			Status:         x.CurrentStatus,
			ObservedAt:     x.StatusObservedAt,
		})
	}
	return out, nil
}

// statusTarget 回执所属的跟踪会话；缺 conversationId 时按消息 id 查找
func (s *Subscription) statusTarget(ev model.StatusEvent) (*View, *status.Tracker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ev.ConversationID != "" {
		return s.views[ev.ConversationID], s.trackers[ev.ConversationID]
	}
	for id, v := range s.views {
		if _, ok := v.Get(ev.MessageID); ok {
			return v, s.trackers[id]
		}
	}
	return nil, nil
}

func (s *Subscription) enqueue(fn func()) {
	if s.closed.Load() {
		return
	}
	select {
	case s.queue <- fn:
	case <-s.quit:
	}
}

func (s *Subscription) dispatch() {
	defer close(s.done)
	for {
		select {
		case <-s.quit:
			return
		case fn := <-s.queue:
			if s.closed.Load() {
				return
			}
			s.inHandler.Store(true)
			s.run(fn)
			s.inHandler.Store(false)
		}
	}
}

func (s *Subscription) run(fn func()) {
	defer safe.Recover("realtime-handler")
	fn()
}

func (s *Subscription) apply(ev model.ChangeEvent) {
	switch ev.Kind {
	case model.ChangeMessage:
		if ev.Message == nil {
			return
		}
		if v := s.View(ev.Message.ConversationID); v != nil {
			v.Upsert(*ev.Message)
		}
		if s.h.OnMessage != nil {
			s.h.OnMessage(*ev.Message)
		}
	case model.ChangeConversation:
		if ev.Conversation != nil && s.h.OnConversationUpdate != nil {
			s.h.OnConversationUpdate(*ev.Conversation)
		}
	case model.ChangeStatus:
		if ev.Status == nil {
			return
		}
		st := *ev.Status
		v, tr := s.statusTarget(st)
		if tr == nil {
			s.log.Debug("drop status for untracked conversation",
				zap.String("message_id", st.MessageID), zap.String("conversation_id", st.ConversationID))
			return
		}
		// 过期回执和首次快照前的回执都不通知
		if !tr.Apply(st) {
			if !tr.Attached() {
				s.log.Debug("status buffered until snapshot", zap.String("message_id", st.MessageID))
			}
			return
		}
		v.ApplyStatus(st)
		if s.h.OnStatus != nil {
			s.h.OnStatus(st)
		}
	}
}

// inScope 通道可能是共享广播，别的租户的事件直接丢弃
func (s *Subscription) inScope(ev model.ChangeEvent) bool {
	if ev.Scope != s.scope {
		return false
	}
	switch {
	case ev.Message != nil:
		return ev.Message.TenantID == "" || ev.Message.TenantID == s.scope
	case ev.Conversation != nil:
		return ev.Conversation.TenantID == "" || ev.Conversation.TenantID == s.scope
	case ev.Status != nil:
		return ev.Status.TenantID == "" || ev.Status.TenantID == s.scope
	}
	return true
}

type subSink struct{ s *Subscription }

func (k subSink) Ack() { k.s.transition(StateSubscribed, nil) }

func (k subSink) Fail(err error) {
	k.s.transition(StateDegraded, err, StateConnecting, StateSubscribed)
}

func (k subSink) Deliver(ev model.ChangeEvent) {
	s := k.s
	if s.closed.Load() {
		return
	}
	if !s.inScope(ev) {
		s.log.Debug("drop out-of-scope event", zap.String("event_scope", ev.Scope), zap.String("kind", string(ev.Kind)))
		return
	}
	s.enqueue(func() { s.apply(ev) })
}
