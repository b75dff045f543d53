package natsx

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// NatsxMessage 统一消息对象
type NatsxMessage struct {
	Subject string
	Data    []byte
	Header  map[string]string
}

// NatsxHandler 业务处理函数
type NatsxHandler func(ctx context.Context, msg NatsxMessage) error

// NatsxMiddleware 中间件（日志、指标、重试等）
type NatsxMiddleware func(NatsxHandler) NatsxHandler

// NatsxChain 组合中间件
func NatsxChain(h NatsxHandler, mws ...NatsxMiddleware) NatsxHandler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// NatsxLogMiddleware 处理失败或过慢时记日志
func NatsxLogMiddleware(log *zap.Logger, slow time.Duration) NatsxMiddleware {
	return func(next NatsxHandler) NatsxHandler {
		return func(ctx context.Context, msg NatsxMessage) error {
			start := time.Now()
			err := next(ctx, msg)
			cost := time.Since(start)
			switch {
			case err != nil:
				log.Warn("nats handler failed", zap.String("subject", msg.Subject), zap.Duration("cost", cost), zap.Error(err))
			case slow > 0 && cost > slow:
				log.Info("nats handler slow", zap.String("subject", msg.Subject), zap.Duration("cost", cost))
			}
			return err
		}
	}
}
