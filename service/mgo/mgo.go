package mgo

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"inboxrelay/data/database/mgo/mongoutil"
	"inboxrelay/logger"

	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"
)

var ErrNotReady = errors.New("mongo not ready")

// MongoManager 后台建立连接：带退避重试，首次连上时 close readyCh
type MongoManager struct {
	cfg *mongoutil.Config
	log *zap.Logger

	mu        sync.RWMutex
	client    *mongoutil.Client
	readyCh   chan struct{} // 只会被 close 一次
	readyOnce sync.Once
	done      chan struct{}

	lastErr atomic.Value // error
	healthy atomic.Bool
}

func NewManager(cfg *mongoutil.Config, log *zap.Logger) *MongoManager {
	if log == nil {
		log = logger.Named("mongo")
	}
	return &MongoManager{cfg: cfg, log: log, readyCh: make(chan struct{}), done: make(chan struct{})}
}

// StartAsync 一直运行到 ctx.Done()
func (m *MongoManager) StartAsync(ctx context.Context) {
	go func() {
		defer close(m.done)
		const (
			baseBackoff = 200 * time.Millisecond
			maxBackoff  = 5 * time.Second
			healthEvery = 10 * time.Second
			failThresh  = 3 // 连续失败阈值
		)

		// ===== 连接阶段（带退避重试） =====
		attempt := 0
		for {
			if ctx.Err() != nil {
				return
			}
			cli, err := mongoutil.NewMongoDB(ctx, m.cfg)
			if err == nil {
				m.mu.Lock()
				m.client = cli
				m.mu.Unlock()
				m.readyOnce.Do(func() { close(m.readyCh) })
				m.log.Info("mongo connected", zap.String("database", m.cfg.Database))
				break
			}
			m.lastErr.Store(err)
			m.log.Warn("mongo connect failed", zap.Int("attempt", attempt), zap.Error(err))

			// 退避 + 抖动
			backoff := baseBackoff << attempt
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			jitter := time.Duration(rand.Int63n(int64(backoff/5) + 1))
			timer := time.NewTimer(backoff - jitter/2)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
			if attempt < 6 {
				attempt++
			}
		}

		m.healthy.Store(true)
		// ===== 健康检查阶段 =====
		m.health(ctx, healthEvery, failThresh)
	}()
}

// health 周期 ping；驱动自带重连，这里只记录连续失败供 Healthy 查询，ctx 结束时断开
func (m *MongoManager) health(ctx context.Context, every time.Duration, failThresh int) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	fail := 0
	for {
		select {
		case <-ctx.Done():
			m.drop()
			return
		case <-ticker.C:
			m.mu.RLock()
			c := m.client
			m.mu.RUnlock()
			pctx, cancel := context.WithTimeout(ctx, every/2)
			err := c.Ping(pctx)
			cancel()
			if err == nil {
				if fail >= failThresh {
					m.log.Info("mongo healthy again")
				}
				fail = 0
				m.healthy.Store(true)
				continue
			}
			fail++
			m.lastErr.Store(err)
			if fail == failThresh {
				m.healthy.Store(false)
				m.log.Warn("mongo unhealthy", zap.Int("fails", fail), zap.Error(err))
			}
		}
	}
}

// Healthy 最近几次 ping 是否正常
func (m *MongoManager) Healthy() bool { return m.healthy.Load() }

func (m *MongoManager) drop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client != nil {
		_ = m.client.Disconnect(context.Background())
		m.client = nil
	}
}

// Ready 首次连接成功时会 close
func (m *MongoManager) Ready() <-chan struct{} { return m.readyCh }

// Err 最近一次错误
func (m *MongoManager) Err() error {
	if v := m.lastErr.Load(); v != nil {
		return v.(error)
	}
	return nil
}

func (m *MongoManager) TryGetDB() (*mongo.Database, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.client == nil {
		return nil, false
	}
	return m.client.GetDB(), true
}

// WaitReady 阻塞到首次就绪，返回当前库
func (m *MongoManager) WaitReady(ctx context.Context) (*mongo.Database, error) {
	select {
	case <-m.readyCh:
	case <-ctx.Done():
		if err := m.Err(); err != nil {
			return nil, errors.Join(ctx.Err(), err)
		}
		return nil, ctx.Err()
	}
	if db, ok := m.TryGetDB(); ok {
		return db, nil
	}
	return nil, ErrNotReady
}

// Wait 等后台协程退出（ctx 结束后）
func (m *MongoManager) Wait() { <-m.done }
