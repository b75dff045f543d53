package natsx

import (
	"context"
	"errors"

	"inboxrelay/logger"
	"inboxrelay/module/relay/model"

	"go.uber.org/zap"
)

const BizStatus = "relay.status"

// StatusHandler 回执落地
type StatusHandler interface {
	HandleStatus(ctx context.Context, ev model.StatusEvent) error
}

type StatusConsumerConfig struct {
	Subject string
	Mode    NatsxMode
	Queue   string
	Durable string
	// Middlewares 只作用于回执订阅，例如跨实例幂等
	Middlewares []NatsxMiddleware
	Logger      *zap.Logger
}

// StatusConsumer 订阅网关回执回调
type StatusConsumer struct {
	h   StatusHandler
	log *zap.Logger
}

func NewStatusConsumer(h StatusHandler, log *zap.Logger) *StatusConsumer {
	if log == nil {
		log = logger.Named("nats-status")
	}
	return &StatusConsumer{h: h, log: log}
}

// Start 注册路由并开始消费；Pull 模式在后台协程里拉取，直到 ctx 结束
func (sc *StatusConsumer) Start(ctx context.Context, mgr *NatsManager, cfg StatusConsumerConfig) error {
	if cfg.Subject == "" {
		return errors.New("status subject missing")
	}
	route := NatsxRoute{Biz: BizStatus, Subject: cfg.Subject, Mode: cfg.Mode, Queue: cfg.Queue, Durable: cfg.Durable}
	if err := mgr.RegisterRoute(route); err != nil {
		return err
	}
	h := NatsxChain(sc.Handle, cfg.Middlewares...)
	if cfg.Mode == JetStreamPull {
		go func() {
			if err := mgr.PullConsume(ctx, BizStatus, 64, 0, h); err != nil {
				sc.log.Error("status pull consume stopped", zap.Error(err))
			}
		}()
		return nil
	}
	return mgr.Subscribe(BizStatus, h)
}

// Handle 单条回执；解析失败直接丢弃（返回 nil，避免 JetStream 反复重投）
func (sc *StatusConsumer) Handle(ctx context.Context, msg NatsxMessage) error {
	ev, err := DecodeStatus(msg.Data)
	if err != nil {
		sc.log.Warn("drop malformed status event", zap.String("subject", msg.Subject), zap.Error(err))
		return nil
	}
	return sc.h.HandleStatus(ctx, ev)
}

// DecodeStatus 解析网关回执
func DecodeStatus(data []byte) (model.StatusEvent, error) {
	return model.ParseStatusEvent(data)
}
