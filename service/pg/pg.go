package pg

import (
	"context"
	"time"

	"inboxrelay/tools/errs"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Config struct {
	DSN            string
	MaxConns       int32
	MinConns       int32
	ConnectTimeout time.Duration
}

// NewPool 解析 DSN，覆盖池参数后 ping 一次
func NewPool(ctx context.Context, c Config) (*pgxpool.Pool, error) {
	if c.DSN == "" {
		return nil, errs.New("postgres dsn is required")
	}
	pc, err := pgxpool.ParseConfig(c.DSN)
	if err != nil {
		return nil, errs.WrapMsg(err, "parse postgres dsn")
	}
	if c.MaxConns > 0 {
		pc.MaxConns = c.MaxConns
	}
	if c.MinConns > 0 {
		pc.MinConns = c.MinConns
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	pc.ConnConfig.ConnectTimeout = c.ConnectTimeout

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, errs.WrapMsg(err, "create postgres pool")
	}
	pctx, cancel := context.WithTimeout(ctx, c.ConnectTimeout)
	defer cancel()
	if err := pool.Ping(pctx); err != nil {
		pool.Close()
		return nil, errs.WrapMsg(err, "postgres ping")
	}
	return pool, nil
}
