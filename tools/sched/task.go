package sched

import (
	"context"
	"sync"
	"time"

	"inboxrelay/tools/safe"
)

// Task 可取消的后台任务句柄
type Task struct {
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

// Every 每隔 interval 执行一次 fn，直到 Stop 或 ctx 结束；首次执行在一个周期之后
func Every(ctx context.Context, name string, interval time.Duration, fn func(ctx context.Context)) *Task {
	ctx, cancel := context.WithCancel(ctx)
	t := &Task{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(t.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				run(ctx, name, fn)
			}
		}
	}()
	return t
}

// After 延迟 delay 后执行一次 fn；在此之前 Stop 则不执行
func After(ctx context.Context, name string, delay time.Duration, fn func(ctx context.Context)) *Task {
	ctx, cancel := context.WithCancel(ctx)
	t := &Task{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(t.done)
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
		case <-timer.C:
			run(ctx, name, fn)
		}
	}()
	return t
}

func run(ctx context.Context, name string, fn func(ctx context.Context)) {
	defer safe.Recover(name)
	fn(ctx)
}

// Stop 取消任务，幂等；不等待协程退出，需要时再调 Wait
func (t *Task) Stop() {
	if t == nil {
		return
	}
	t.stopOnce.Do(t.cancel)
}

// Wait 阻塞直到任务协程退出
func (t *Task) Wait() {
	if t == nil {
		return
	}
	<-t.done
}

// Done 任务协程退出后关闭
func (t *Task) Done() <-chan struct{} { return t.done }
