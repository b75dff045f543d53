package realtime

import (
	"context"

	"inboxrelay/module/relay/model"
)

// Sink 传输层回调：连接确认、投递变更、连接异常
type Sink interface {
	Ack()
	Deliver(ev model.ChangeEvent)
	Fail(err error)
}

// Handle 已打开的推送通道
type Handle interface {
	Close() error
}

// Transport 推送通道；可以是共享广播，订阅端按 scope 过滤
type Transport interface {
	Open(ctx context.Context, scope string, sink Sink) (Handle, error)
}

// Fetcher 权威全量拉取
type Fetcher interface {
	ListMessages(ctx context.Context, tenantID, conversationID string, limit int) ([]model.Message, error)
}
