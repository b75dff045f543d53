package ratelimit

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisLimiter 多实例共享的固定窗口：INCR 首次创建时设置 PEXPIRE，窗口随 key 过期
type RedisLimiter struct {
	rdb      redis.UniversalClient
	prefix   string
	policies *policyTable
}

func NewRedisLimiter(rdb redis.UniversalClient, prefix string, policies map[ActionClass]Policy) *RedisLimiter {
	if prefix == "" {
		prefix = "relay:rate"
	}
	return &RedisLimiter{rdb: rdb, prefix: prefix, policies: newPolicyTable(policies)}
}

func (l *RedisLimiter) SetPolicy(class ActionClass, p Policy) { l.policies.set(class, p) }

// key 规范：relay:rate:{class}:{sender}
func (l *RedisLimiter) key(senderID string, class ActionClass) string {
	return fmt.Sprintf("%s:%s:%s", l.prefix, class, senderID)
}

func (l *RedisLimiter) IsLimited(ctx context.Context, senderID string, class ActionClass) (bool, error) {
	p, err := l.policies.get(class)
	if err != nil {
		return false, err
	}
	n, err := l.rdb.Get(ctx, l.key(senderID, class)).Int()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return n >= p.Ceiling, nil
}

// incrLua 原子 INCR；计数为 1 说明是新窗口，设置过期；没有 TTL 的旧 key 同样补上
const incrLua = `
local n = redis.call('INCR', KEYS[1])
if n == 1 or redis.call('PTTL', KEYS[1]) < 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return n
`

var incrScript = redis.NewScript(incrLua)

func (l *RedisLimiter) Increment(ctx context.Context, senderID string, class ActionClass) error {
	p, err := l.policies.get(class)
	if err != nil {
		return err
	}
	return incrScript.Run(ctx, l.rdb, []string{l.key(senderID, class)}, p.Window.Milliseconds()).Err()
}

func (l *RedisLimiter) SecondsUntilReset(ctx context.Context, senderID string, class ActionClass) (int, error) {
	if _, err := l.policies.get(class); err != nil {
		return 0, err
	}
	ttl, err := l.rdb.PTTL(ctx, l.key(senderID, class)).Result()
	if err != nil {
		return 0, err
	}
	return ceilSeconds(ttl), nil
}
