package realtime

import (
	"context"
	"sync"
	"time"

	"inboxrelay/logger"
	"inboxrelay/module/relay/status"
	"inboxrelay/module/relay/store"
	"inboxrelay/tools/errs"
	"inboxrelay/tools/sched"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const (
	DefaultAckTimeout   = 10 * time.Second
	DefaultFetchTimeout = 10 * time.Second
	DefaultRetryBase    = time.Second
	DefaultRetryMax     = 30 * time.Second
	DefaultQueueSize    = 256
)

type Config struct {
	Transport Transport
	Fetcher   Fetcher

	AckTimeout   time.Duration
	FetchTimeout time.Duration
	FetchLimit   int
	RetryBase    time.Duration
	RetryMax     time.Duration
	QueueSize    int

	Logger  *zap.Logger
	Metrics *Metrics
}

func (c *Config) norm() {
	if c.AckTimeout <= 0 {
		c.AckTimeout = DefaultAckTimeout
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = DefaultFetchTimeout
	}
	if c.FetchLimit <= 0 {
		c.FetchLimit = store.DefaultListLimit
	}
	if c.RetryBase <= 0 {
		c.RetryBase = DefaultRetryBase
	}
	if c.RetryMax < c.RetryBase {
		c.RetryMax = DefaultRetryMax
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.Logger == nil {
		c.Logger = logger.Named("realtime")
	}
}

// Reconciler 订阅工厂，持有推送通道与全量拉取两个依赖
type Reconciler struct {
	cfg Config

	mu   sync.Mutex
	subs map[string]*Subscription
}

func NewReconciler(cfg Config) (*Reconciler, error) {
	if cfg.Transport == nil || cfg.Fetcher == nil {
		return nil, errs.ErrArgs.WrapMsg("reconciler needs transport and fetcher")
	}
	cfg.norm()
	return &Reconciler{cfg: cfg, subs: make(map[string]*Subscription)}, nil
}

// Subscribe 打开一个订阅；ctx 结束等同于 Close
func (r *Reconciler) Subscribe(ctx context.Context, scope string, h Handlers) (*Subscription, error) {
	if scope == "" {
		return nil, errs.ErrArgs.WrapMsg("subscription scope is empty")
	}
	sctx, cancel := context.WithCancel(context.Background())
	s := &Subscription{
		id:       uuid.NewString(),
		scope:    scope,
		r:        r,
		h:        h,
		ctx:      sctx,
		cancel:   cancel,
		state:    StateConnecting,
		views:    make(map[string]*View),
		trackers: make(map[string]*status.Tracker),
		retries:  make(map[string]*sched.Task),
		queue:    make(chan func(), r.cfg.QueueSize),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	s.log = r.cfg.Logger.With(zap.String("sub", s.id), zap.String("scope", scope))

	r.mu.Lock()
	r.subs[s.id] = s
	r.mu.Unlock()
	r.cfg.Metrics.state(StateConnecting)

	go s.dispatch()
	s.mu.Lock()
	s.ackWait = sched.After(sctx, "realtime-ack-timeout", r.cfg.AckTimeout, func(context.Context) {
		s.transition(StateDegraded, errAckTimeout, StateConnecting)
	})
	s.stopWatch = context.AfterFunc(ctx, func() { _ = s.Close() })
	s.mu.Unlock()
	s.connect(0)
	return s, nil
}

// Active 当前未关闭的订阅数
func (r *Reconciler) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

// CloseAll 关停时使用
func (r *Reconciler) CloseAll() {
	r.mu.Lock()
	subs := make([]*Subscription, 0, len(r.subs))
	for _, s := range r.subs {
		subs = append(subs, s)
	}
	r.mu.Unlock()
	for _, s := range subs {
		_ = s.Close()
	}
}

func (r *Reconciler) forget(id string) {
	r.mu.Lock()
	delete(r.subs, id)
	r.mu.Unlock()
}

// backoff 第 attempt 次重试前的等待，指数增长封顶 RetryMax
func (r *Reconciler) backoff(attempt int) time.Duration {
	d := r.cfg.RetryBase
	for i := 0; i < attempt && d < r.cfg.RetryMax; i++ {
		d *= 2
	}
	if d > r.cfg.RetryMax {
		d = r.cfg.RetryMax
	}
	return d
}

// Metrics 订阅状态迁移与重拉结果
type Metrics struct {
	states  *prometheus.CounterVec
	resyncs *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		states: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Subsystem: "realtime",
			Name:      "state_transitions_total",
			Help:      "Subscription state transitions by target state.",
		}, []string{"state"}),
		resyncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Subsystem: "realtime",
			Name:      "resyncs_total",
			Help:      "Conversation re-fetches by result.",
		}, []string{"result"}),
	}
	if reg != nil {
		reg.MustRegister(m.states, m.resyncs)
	}
	return m
}

func (m *Metrics) state(s State) {
	if m == nil {
		return
	}
	m.states.WithLabelValues(s.String()).Inc()
}

func (m *Metrics) resync(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.resyncs.WithLabelValues(result).Inc()
}
