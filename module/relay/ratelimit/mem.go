package ratelimit

import (
	"context"
	"sync"
	"time"

	"inboxrelay/logger"
	"inboxrelay/tools/sched"

	"go.uber.org/zap"
)

type windowKey struct {
	sender string
	class  ActionClass
}

type window struct {
	count   int
	resetAt time.Time
}

// MemLimiter 进程内固定窗口计数
type MemLimiter struct {
	mu       sync.Mutex
	windows  map[windowKey]*window
	policies *policyTable
	clock    func() time.Time
	log      *zap.Logger

	sweeper *sched.Task
}

type MemConf struct {
	Policies   map[ActionClass]Policy
	SweepEvery time.Duration    // 默认 5m，<0 关闭
	Clock      func() time.Time // 可注入时钟（单测用）；nil => time.Now
	Logger     *zap.Logger
}

func (c *MemConf) norm() {
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.SweepEvery == 0 {
		c.SweepEvery = 5 * time.Minute
	}
	if c.Logger == nil {
		c.Logger = logger.Named("ratelimit")
	}
}

func NewMemLimiter(conf MemConf) *MemLimiter {
	conf.norm()
	l := &MemLimiter{
		windows:  make(map[windowKey]*window),
		policies: newPolicyTable(conf.Policies),
		clock:    conf.Clock,
		log:      conf.Logger,
	}
	if conf.SweepEvery > 0 {
		l.sweeper = sched.Every(context.Background(), "ratelimit-sweep", conf.SweepEvery, func(context.Context) {
			if n := l.Sweep(); n > 0 {
				l.log.Debug("rate window sweep", zap.Int("removed", n))
			}
		})
	}
	return l
}

// SetPolicy 热更新某类动作的策略，已有窗口保持到各自 resetAt
func (l *MemLimiter) SetPolicy(class ActionClass, p Policy) { l.policies.set(class, p) }

func (l *MemLimiter) IsLimited(_ context.Context, senderID string, class ActionClass) (bool, error) {
	p, err := l.policies.get(class)
	if err != nil {
		return false, err
	}
	now := l.clock()
	l.mu.Lock()
	defer l.mu.Unlock()
	w, ok := l.windows[windowKey{senderID, class}]
	if !ok || !now.Before(w.resetAt) {
		return false, nil
	}
	return w.count >= p.Ceiling, nil
}

func (l *MemLimiter) Increment(_ context.Context, senderID string, class ActionClass) error {
	p, err := l.policies.get(class)
	if err != nil {
		return err
	}
	now := l.clock()
	k := windowKey{senderID, class}
	l.mu.Lock()
	defer l.mu.Unlock()
	w, ok := l.windows[k]
	if !ok || !now.Before(w.resetAt) {
		l.windows[k] = &window{count: 1, resetAt: now.Add(p.Window)}
		return nil
	}
	w.count++
	return nil
}

func (l *MemLimiter) SecondsUntilReset(_ context.Context, senderID string, class ActionClass) (int, error) {
	if _, err := l.policies.get(class); err != nil {
		return 0, err
	}
	now := l.clock()
	l.mu.Lock()
	defer l.mu.Unlock()
	w, ok := l.windows[windowKey{senderID, class}]
	if !ok {
		return 0, nil
	}
	return ceilSeconds(w.resetAt.Sub(now)), nil
}

// Sweep 回收已过期窗口
func (l *MemLimiter) Sweep() int {
	now := l.clock()
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for k, w := range l.windows {
		if !now.Before(w.resetAt) {
			delete(l.windows, k)
			n++
		}
	}
	return n
}

func (l *MemLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}

func (l *MemLimiter) Close() error {
	l.sweeper.Stop()
	l.sweeper.Wait()
	return nil
}
