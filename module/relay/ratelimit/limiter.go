package ratelimit

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"
)

// ActionClass 限流动作类别
type ActionClass string

const (
	ActionMessage ActionClass = "message"
	ActionBulk    ActionClass = "bulk"
)

// Policy 固定窗口：Window 内最多 Ceiling 次
type Policy struct {
	Window  time.Duration `yaml:"window"`
	Ceiling int           `yaml:"ceiling"`
}

// DefaultPolicies 单条消息 1 分钟 20 次；批量操作 1 小时 10 次
func DefaultPolicies() map[ActionClass]Policy {
	return map[ActionClass]Policy{
		ActionMessage: {Window: time.Minute, Ceiling: 20},
		ActionBulk:    {Window: time.Hour, Ceiling: 10},
	}
}

// Limiter 按 (senderId, actionClass) 计数；只有成功的动作才调用 Increment
type Limiter interface {
	IsLimited(ctx context.Context, senderID string, class ActionClass) (bool, error)
	Increment(ctx context.Context, senderID string, class ActionClass) error
	SecondsUntilReset(ctx context.Context, senderID string, class ActionClass) (int, error)
}

// ErrUnknownClass 未配置策略的动作类别
type ErrUnknownClass struct{ Class ActionClass }

func (e *ErrUnknownClass) Error() string {
	return fmt.Sprintf("ratelimit: no policy for action class %q", e.Class)
}

// policyTable 可热更新的策略表
type policyTable struct {
	mu sync.RWMutex
	m  map[ActionClass]Policy
}

func newPolicyTable(init map[ActionClass]Policy) *policyTable {
	t := &policyTable{m: DefaultPolicies()}
	for k, v := range init {
		t.m[k] = v
	}
	return t
}

func (t *policyTable) get(class ActionClass) (Policy, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.m[class]
	if !ok || p.Window <= 0 || p.Ceiling <= 0 {
		return Policy{}, &ErrUnknownClass{Class: class}
	}
	return p, nil
}

func (t *policyTable) set(class ActionClass, p Policy) {
	t.mu.Lock()
	t.m[class] = p
	t.mu.Unlock()
}

func ceilSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Seconds()))
}
