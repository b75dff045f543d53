package redis

import (
	"context"
	"time"

	"inboxrelay/tools/errs"

	"github.com/redis/go-redis/v9"
)

// Config 用于初始化 Redis；Addrs 多于一个时按集群连接
type Config struct {
	Addrs    []string
	Password string
	DB       int
	PoolSize int
}

// NewClient 建立连接并 ping 一次
func NewClient(ctx context.Context, c Config) (redis.UniversalClient, error) {
	if len(c.Addrs) == 0 {
		return nil, errs.New("redis address is required")
	}
	rdb := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    c.Addrs,
		Password: c.Password,
		DB:       c.DB,
		PoolSize: c.PoolSize,
	})

	pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, errs.WrapMsg(err, "redis ping", "addrs", c.Addrs)
	}
	return rdb, nil
}
