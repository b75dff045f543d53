package natsx

import (
	"context"
	"strings"
	"sync"
	"time"

	"inboxrelay/tools/sched"

	"github.com/redis/go-redis/v9"
)

// ----- 抽象存储 -----
type IdemStore interface {
	SeenOnce(ctx context.Context, key string, ttl time.Duration) (seen bool, err error)
}

// ----- 内存实现（单进程） -----
type MemIdem struct {
	mu      sync.Mutex
	m       map[string]time.Time // key -> expireAt
	ttl     time.Duration
	now     func() time.Time
	cleaner *sched.Task
}

func NewMemIdem(defaultTTL time.Duration) *MemIdem {
	mi := &MemIdem{m: make(map[string]time.Time), ttl: defaultTTL, now: time.Now}
	mi.cleaner = sched.Every(context.Background(), "nats-idem-clean", time.Minute, func(context.Context) {
		mi.Clean()
	})
	return mi
}

func (mi *MemIdem) SeenOnce(_ context.Context, key string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = mi.ttl
	}
	now := mi.now()
	mi.mu.Lock()
	defer mi.mu.Unlock()
	if exp, ok := mi.m[key]; ok && exp.After(now) {
		return true, nil // 已见过
	}
	mi.m[key] = now.Add(ttl)
	return false, nil
}

// Clean 删除过期 key
func (mi *MemIdem) Clean() int {
	now := mi.now()
	mi.mu.Lock()
	defer mi.mu.Unlock()
	n := 0
	for k, exp := range mi.m {
		if !exp.After(now) {
			delete(mi.m, k)
			n++
		}
	}
	return n
}

func (mi *MemIdem) Close() {
	mi.cleaner.Stop()
}

// ----- Redis 实现（多实例共享） -----
type RedisIdem struct {
	rdb    redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewRedisIdem(rdb redis.UniversalClient, prefix string, defaultTTL time.Duration) *RedisIdem {
	if prefix == "" {
		prefix = "relay:nats:idem"
	}
	return &RedisIdem{rdb: rdb, prefix: prefix, ttl: defaultTTL}
}

func (ri *RedisIdem) SeenOnce(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = ri.ttl
	}
	ok, err := ri.rdb.SetNX(ctx, ri.prefix+":"+key, 1, ttl).Result()
	if err != nil {
		return false, err
	}
	return !ok, nil
}

// ----- 从消息头提取 msgID -----
func msgIDFromHeader(h map[string]string) string {
	// 标准头：Nats-Msg-Id；也兼容业务自定义的 X-Msg-Id
	for _, k := range []string{"Nats-Msg-Id", "nats-msg-id", "X-Msg-Id", "x-msg-id"} {
		if v, ok := h[k]; ok && v != "" {
			return v
		}
	}
	return ""
}

// ----- 幂等中间件 -----
// 用法：NewNatsxConsumer(client, NatsxIdemMiddleware(store, ttl))
// 存储出错时放行，由下游自身的幂等兜底
func NatsxIdemMiddleware(store IdemStore, ttl time.Duration) NatsxMiddleware {
	return func(next NatsxHandler) NatsxHandler {
		return func(ctx context.Context, msg NatsxMessage) error {
			id := msgIDFromHeader(msg.Header)
			if id == "" {
				// 无ID时根据 subject+内容构造一个弱ID
				id = msg.Subject + "|" + strings.TrimSpace(string(msg.Data))
			}
			seen, err := store.SeenOnce(ctx, id, ttl)
			if err == nil && seen {
				return nil
			}
			return next(ctx, msg)
		}
	}
}
