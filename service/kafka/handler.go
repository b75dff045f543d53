package kafka

import (
	"context"
	"fmt"
	"sync"
)

type MessageHandler func(ctx context.Context, topic string, key, value []byte) error

// Router topic -> handler
type Router struct {
	mu sync.RWMutex
	m  map[string]MessageHandler
}

func NewRouter() *Router { return &Router{m: make(map[string]MessageHandler)} }

func (r *Router) Register(topic string, h MessageHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m[topic] = h
}

func (r *Router) Get(topic string) (MessageHandler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if h, ok := r.m[topic]; ok {
		return h, nil
	}
	return nil, fmt.Errorf("no handler registered for topic: %s", topic)
}

func (r *Router) Topics() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.m))
	for t := range r.m {
		out = append(out, t)
	}
	return out
}
