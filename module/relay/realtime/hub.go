package realtime

import (
	"context"
	"sync"

	"inboxrelay/logger"
	"inboxrelay/module/relay/model"

	"go.uber.org/zap"
)

// Hub 进程内广播通道，同时实现 Transport 与变更发布；单机部署与测试使用
type Hub struct {
	mu   sync.RWMutex
	seq  uint64
	subs map[uint64]Sink
	down error
	log  *zap.Logger
}

func NewHub(log *zap.Logger) *Hub {
	if log == nil {
		log = logger.Named("hub")
	}
	return &Hub{subs: make(map[uint64]Sink), log: log}
}

type hubHandle struct {
	h    *Hub
	id   uint64
	once sync.Once
}

func (hh *hubHandle) Close() error {
	hh.once.Do(func() {
		hh.h.mu.Lock()
		delete(hh.h.subs, hh.id)
		hh.h.mu.Unlock()
	})
	return nil
}

func (h *Hub) Open(_ context.Context, scope string, sink Sink) (Handle, error) {
	h.mu.Lock()
	h.seq++
	id := h.seq
	h.subs[id] = sink
	down := h.down
	h.mu.Unlock()

	h.log.Debug("hub subscriber joined", zap.Uint64("id", id), zap.String("scope", scope))
	if down != nil {
		sink.Fail(down)
	} else {
		sink.Ack()
	}
	return &hubHandle{h: h, id: id}, nil
}

// Publish 广播给所有订阅者，不按 scope 过滤
func (h *Hub) Publish(_ context.Context, ev model.ChangeEvent) error {
	for _, s := range h.sinks() {
		s.Deliver(ev)
	}
	return nil
}

// Interrupt 模拟连接中断，订阅进入 Degraded
func (h *Hub) Interrupt(err error) {
	h.mu.Lock()
	h.down = err
	h.mu.Unlock()
	for _, s := range h.sinks() {
		s.Fail(err)
	}
}

// Resume 恢复连接并重新确认
func (h *Hub) Resume() {
	h.mu.Lock()
	h.down = nil
	h.mu.Unlock()
	for _, s := range h.sinks() {
		s.Ack()
	}
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *Hub) sinks() []Sink {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Sink, 0, len(h.subs))
	for _, s := range h.subs {
		out = append(out, s)
	}
	return out
}
