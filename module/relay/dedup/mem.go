package dedup

import (
	"context"
	"sync"
	"time"

	"inboxrelay/logger"
	"inboxrelay/tools/sched"

	"go.uber.org/zap"
)

type entry struct {
	insertedAt time.Time
	completed  bool
}

// MemGuard 单进程实现；多实例部署请用 RedisGuard
type MemGuard struct {
	mu      sync.Mutex
	entries map[Key]entry

	ttl        time.Duration
	sweepEvery time.Duration
	clock      func() time.Time
	log        *zap.Logger

	sweeper *sched.Task
}

type Option func(*options)

type options struct {
	ttl        time.Duration
	sweepEvery time.Duration
	clock      func() time.Time
	log        *zap.Logger
	prefix     string
}

// WithTTL 去重窗口（默认 60s）
func WithTTL(ttl time.Duration) Option { return func(o *options) { o.ttl = ttl } }

// WithSweepEvery 后台清理周期（默认 5m），<=0 关闭后台清理
func WithSweepEvery(d time.Duration) Option { return func(o *options) { o.sweepEvery = d } }

// WithClock 注入时钟（单测用）
func WithClock(c func() time.Time) Option { return func(o *options) { o.clock = c } }

func WithLogger(l *zap.Logger) Option { return func(o *options) { o.log = l } }

// WithPrefix Redis 键前缀（默认 "relay:dedup"）
func WithPrefix(p string) Option { return func(o *options) { o.prefix = p } }

func buildOptions(opts []Option) options {
	o := options{
		ttl:        DefaultTTL,
		sweepEvery: DefaultSweepEvery,
		clock:      time.Now,
		log:        logger.Named("dedup"),
		prefix:     "relay:dedup",
	}
	for _, fn := range opts {
		fn(&o)
	}
	if o.ttl <= 0 {
		o.ttl = DefaultTTL
	}
	return o
}

func NewMemGuard(opts ...Option) *MemGuard {
	o := buildOptions(opts)
	g := &MemGuard{
		entries:    make(map[Key]entry),
		ttl:        o.ttl,
		sweepEvery: o.sweepEvery,
		clock:      o.clock,
		log:        o.log,
	}
	if g.sweepEvery > 0 {
		g.sweeper = sched.Every(context.Background(), "dedup-sweep", g.sweepEvery, func(context.Context) {
			if n := g.Sweep(); n > 0 {
				g.log.Debug("dedup sweep", zap.Int("removed", n))
			}
		})
	}
	return g
}

func (g *MemGuard) live(e entry, now time.Time) bool {
	return now.Sub(e.insertedAt) <= g.ttl
}

func (g *MemGuard) IsDuplicate(_ context.Context, key Key) (bool, error) {
	now := g.clock()
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.entries[key]
	if !ok {
		return false, nil
	}
	if !g.live(e, now) {
		delete(g.entries, key)
		return false, nil
	}
	return true, nil
}

func (g *MemGuard) MarkPending(_ context.Context, key Key) (bool, error) {
	now := g.clock()
	g.mu.Lock()
	defer g.mu.Unlock()
	if e, ok := g.entries[key]; ok && g.live(e, now) {
		return false, nil
	}
	g.entries[key] = entry{insertedAt: now}
	return true, nil
}

func (g *MemGuard) MarkCompleted(_ context.Context, key Key, succeeded bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.entries[key]
	if !ok {
		return nil
	}
	if !succeeded {
		delete(g.entries, key)
		return nil
	}
	e.completed = true
	g.entries[key] = e
	return nil
}

// Sweep 删除所有过期标记，返回删除数量
func (g *MemGuard) Sweep() int {
	now := g.clock()
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for k, e := range g.entries {
		if !g.live(e, now) {
			delete(g.entries, k)
			n++
		}
	}
	return n
}

// Len 当前标记数（含未清理的过期项）
func (g *MemGuard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.entries)
}

// Close 停止后台清理
func (g *MemGuard) Close() error {
	g.sweeper.Stop()
	g.sweeper.Wait()
	return nil
}
