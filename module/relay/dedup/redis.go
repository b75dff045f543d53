package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	markPending = "pending"
	markDone    = "done"
)

// RedisGuard 多实例共享的去重标记：SET NX PX 占位，过期交给 Redis
type RedisGuard struct {
	rdb    redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewRedisGuard(rdb redis.UniversalClient, opts ...Option) *RedisGuard {
	o := buildOptions(opts)
	return &RedisGuard{rdb: rdb, prefix: o.prefix, ttl: o.ttl}
}

// key 规范：relay:dedup:{hash}
func (g *RedisGuard) key(k Key) string {
	return fmt.Sprintf("%s:%s", g.prefix, k)
}

func (g *RedisGuard) IsDuplicate(ctx context.Context, key Key) (bool, error) {
	n, err := g.rdb.Exists(ctx, g.key(key)).Result()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (g *RedisGuard) MarkPending(ctx context.Context, key Key) (bool, error) {
	return g.rdb.SetNX(ctx, g.key(key), markPending, g.ttl).Result()
}

// completeLua 成功：保留剩余 TTL 改写为 done；失败：删除
const completeLua = `
local k = KEYS[1]
if ARGV[1] == '1' then
  local ttl = redis.call('PTTL', k)
  if ttl > 0 then
    redis.call('SET', k, ARGV[2], 'PX', ttl)
  end
  return 1
end
return redis.call('DEL', k)
`

var completeScript = redis.NewScript(completeLua)

func (g *RedisGuard) MarkCompleted(ctx context.Context, key Key, succeeded bool) error {
	flag := "0"
	if succeeded {
		flag = "1"
	}
	return completeScript.Run(ctx, g.rdb, []string{g.key(key)}, flag, markDone).Err()
}
