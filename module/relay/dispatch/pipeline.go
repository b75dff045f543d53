package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"inboxrelay/logger"
	"inboxrelay/module/relay/dedup"
	"inboxrelay/module/relay/model"
	"inboxrelay/module/relay/ratelimit"
	"inboxrelay/module/relay/store"
	"inboxrelay/module/relay/validate"
	"inboxrelay/tools/errs"
	"inboxrelay/tools/ids"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	DefaultDispatchTimeout = 15 * time.Second
	MaxBulkIntents         = 100

	routeNone    = "none"
	routeGateway = "gateway"
	routeDirect  = "direct"

	releaseTimeout = 3 * time.Second
)

// ChannelAck 网关受理回执
type ChannelAck struct {
	ExternalID string
	AcceptedAt time.Time
}

// ChannelSender 外部网关投递；in.ClientMsgID 已被替换成服务端最终的消息 ID
type ChannelSender interface {
	Send(ctx context.Context, binding model.ChannelBinding, in validate.NormalizedIntent) (ChannelAck, error)
}

// Publisher 直写落库后的变更通知
type Publisher interface {
	Publish(ctx context.Context, ev model.ChangeEvent) error
}

type Options struct {
	Guard   dedup.Guard
	Limiter ratelimit.Limiter
	Store   store.Store

	// 以下可空
	Sender    ChannelSender
	Publisher Publisher
	IDs       *ids.Node
	Clock     func() time.Time
	Logger    *zap.Logger
	Metrics   *Metrics

	DispatchTimeout time.Duration
}

// Pipeline 发送管道：校验 -> 限流 -> 判重 -> 占位 -> 路由 -> 网关投递或直写 -> 计数并释放
type Pipeline struct {
	guard   dedup.Guard
	limiter ratelimit.Limiter
	store   store.Store
	sender  ChannelSender
	pub     Publisher
	ids     *ids.Node
	now     func() time.Time
	log     *zap.Logger
	metrics *Metrics
	timeout time.Duration
}

func New(opts Options) (*Pipeline, error) {
	if opts.Guard == nil || opts.Limiter == nil || opts.Store == nil {
		return nil, errs.ErrArgs.WrapMsg("pipeline needs guard, limiter and store")
	}
	p := &Pipeline{
		guard:   opts.Guard,
		limiter: opts.Limiter,
		store:   opts.Store,
		sender:  opts.Sender,
		pub:     opts.Publisher,
		ids:     opts.IDs,
		now:     opts.Clock,
		log:     opts.Logger,
		metrics: opts.Metrics,
		timeout: opts.DispatchTimeout,
	}
	if p.ids == nil {
		p.ids = ids.NewNode(1)
	}
	if p.now == nil {
		p.now = time.Now
	}
	if p.log == nil {
		p.log = logger.Named("dispatch")
	}
	if p.timeout <= 0 {
		p.timeout = DefaultDispatchTimeout
	}
	return p, nil
}

// Send 发送一条消息。一旦占位成功，后续渠道/存储调用不再受 ctx 取消影响，直到完成或超时
func (p *Pipeline) Send(ctx context.Context, intent model.SendIntent, senderID string) (*model.Message, error) {
	start := time.Now()
	route := routeNone
	msg, err := p.send(ctx, intent, senderID, &route)
	p.metrics.observe(route, outcomeOf(err), start)
	return msg, err
}

// BulkResult 批量发送中单条的结果，Index 对应入参下标
type BulkResult struct {
	Index   int
	Message *model.Message
	Err     error
}

// SendBulk 一次批量调用消耗一次 bulk 配额（至少一条成功时）；
// 每条仍走完整的单条流程，照常占用 message 配额，超出的单条返回限流错误
func (p *Pipeline) SendBulk(ctx context.Context, intents []model.SendIntent, senderID string) ([]BulkResult, error) {
	if len(intents) == 0 {
		return nil, errs.ErrInvalidIntent.WrapMsg("bulk request is empty")
	}
	if len(intents) > MaxBulkIntents {
		return nil, errs.ErrInvalidIntent.WrapMsg("bulk request too large", "max", MaxBulkIntents, "got", len(intents))
	}
	if senderID == "" {
		return nil, errs.ErrInvalidIntent.WrapMsg("missing sender")
	}
	if err := p.checkRate(ctx, senderID, ratelimit.ActionBulk); err != nil {
		return nil, err
	}

	results := make([]BulkResult, len(intents))
	succeeded := 0
	for i, in := range intents {
		start := time.Now()
		route := routeNone
		msg, err := p.send(ctx, in, senderID, &route)
		p.metrics.observe(route, outcomeOf(err), start)
		results[i] = BulkResult{Index: i, Message: msg, Err: err}
		if err == nil {
			succeeded++
		}
	}
	if succeeded > 0 {
		if err := p.limiter.Increment(context.WithoutCancel(ctx), senderID, ratelimit.ActionBulk); err != nil {
			p.log.Warn("increment bulk quota failed", zap.String("sender", senderID), zap.Error(err))
		}
	}
	p.log.Info("bulk dispatched", zap.String("sender", senderID), zap.Int("total", len(intents)), zap.Int("succeeded", succeeded))
	return results, nil
}

func (p *Pipeline) send(ctx context.Context, intent model.SendIntent, senderID string, route *string) (*model.Message, error) {
	norm, err := validate.Validate(intent)
	if err != nil {
		return nil, err
	}
	if senderID == "" {
		return nil, errs.ErrInvalidIntent.WrapMsg("missing sender")
	}

	if err := p.checkRate(ctx, senderID, ratelimit.ActionMessage); err != nil {
		return nil, err
	}

	var attachURL string
	if norm.Attachment != nil {
		attachURL = norm.Attachment.URL
	}
	key := dedup.MakeKey(norm.ConversationID, norm.Body, attachURL, senderID)
	dup, err := p.guard.IsDuplicate(ctx, key)
	if err != nil {
		return nil, errs.WrapMsg(err, "dedup lookup", "key", key.String())
	}
	if dup {
		return nil, errs.ErrDuplicateIntent.WrapMsg("", "conversation_id", norm.ConversationID)
	}
	won, err := p.guard.MarkPending(ctx, key)
	if err != nil {
		return nil, errs.WrapMsg(err, "dedup mark", "key", key.String())
	}
	if !won {
		return nil, errs.ErrDuplicateIntent.WrapMsg("in flight", "conversation_id", norm.ConversationID)
	}

	// 占位之后不可中途取消
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancel()

	msg, err := p.deliver(dctx, norm, senderID, route)
	if err != nil {
		p.release(ctx, key, false)
		p.log.Warn("dispatch failed",
			zap.String("conversation_id", norm.ConversationID),
			zap.String("sender", senderID),
			zap.String("route", *route),
			zap.Error(err))
		return nil, err
	}

	if err := p.limiter.Increment(dctx, senderID, ratelimit.ActionMessage); err != nil {
		p.log.Warn("increment quota failed", zap.String("sender", senderID), zap.Error(err))
	}
	p.release(ctx, key, true)
	p.log.Debug("message dispatched",
		zap.String("id", msg.ID),
		zap.String("conversation_id", msg.ConversationID),
		zap.String("route", *route))
	return msg, nil
}

func (p *Pipeline) checkRate(ctx context.Context, senderID string, class ratelimit.ActionClass) error {
	limited, err := p.limiter.IsLimited(ctx, senderID, class)
	if err != nil {
		return errs.WrapMsg(err, "rate check", "class", class)
	}
	if !limited {
		return nil
	}
	secs, err := p.limiter.SecondsUntilReset(ctx, senderID, class)
	if err != nil {
		p.log.Warn("seconds until reset", zap.Error(err))
	}
	if secs < 1 {
		secs = 1
	}
	return &RateLimitedError{Class: string(class), RetryAfterSeconds: secs}
}

func (p *Pipeline) release(ctx context.Context, key dedup.Key, succeeded bool) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	if err := p.guard.MarkCompleted(rctx, key, succeeded); err != nil {
		p.log.Error("release dedup mark", zap.String("key", key.String()), zap.Bool("succeeded", succeeded), zap.Error(err))
	}
}

func (p *Pipeline) deliver(ctx context.Context, norm validate.NormalizedIntent, senderID string, route *string) (*model.Message, error) {
	binding, err := p.store.ChannelBinding(ctx, norm.TenantID, norm.ConversationID)
	if err != nil {
		return nil, &ChannelError{Cause: err}
	}

	id := norm.ClientMsgID
	if id == "" {
		id = p.ids.NextString()
	}
	msg := &model.Message{
		ID:             id,
		TenantID:       norm.TenantID,
		ConversationID: norm.ConversationID,
		SenderID:       senderID,
		Direction:      model.DirectionOutgoing,
		Type:           norm.Type,
		Body:           norm.Body,
		Attachment:     norm.Attachment,
		Template:       norm.Template,
		CreatedAt:      p.now().UTC(),
	}

	if binding.Gateway {
		*route = routeGateway
		if p.sender == nil {
			return nil, &ChannelError{Channel: binding.Channel, Cause: errs.New("no gateway sender configured")}
		}
		norm.ClientMsgID = msg.ID
		ack, err := p.sender.Send(ctx, binding, norm)
		if err != nil {
			return nil, &ChannelError{Channel: binding.Channel, Cause: err}
		}
		msg.ExternalID = ack.ExternalID
		return msg, nil
	}

	*route = routeDirect
	stored, inserted, err := p.store.InsertMessage(ctx, msg)
	if err != nil {
		if errors.Is(err, store.ErrIDTaken) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", errs.ErrStore, err)
	}
	if !inserted {
		// 同一 client_msg_id 只认最初那条；内容一致视为重试，原样返回
		if !sameContent(stored, msg) {
			return nil, errs.ErrDuplicateIntent.WrapMsg("client message id already used",
				"id", msg.ID, "conversation_id", stored.ConversationID)
		}
		p.log.Info("client message id replayed", zap.String("id", msg.ID), zap.String("sender", senderID))
		return stored, nil
	}
	if err := p.store.UpdateLastMessage(ctx, msg.TenantID, msg.ConversationID, msg); err != nil {
		p.log.Warn("update last message", zap.String("conversation_id", msg.ConversationID), zap.Error(err))
	}
	p.publish(ctx, msg)
	return msg, nil
}

func sameContent(a, b *model.Message) bool {
	return a.ConversationID == b.ConversationID &&
		a.SenderID == b.SenderID &&
		a.Type == b.Type &&
		a.Body == b.Body &&
		attachmentURL(a) == attachmentURL(b)
}

func attachmentURL(m *model.Message) string {
	if m.Attachment == nil {
		return ""
	}
	return m.Attachment.URL
}

// publish 尽力而为；推送丢失由订阅端的重拉兜底
func (p *Pipeline) publish(ctx context.Context, msg *model.Message) {
	if p.pub == nil {
		return
	}
	ev := model.ChangeEvent{
		ID:      uuid.NewString(),
		Scope:   msg.TenantID,
		Kind:    model.ChangeMessage,
		Op:      model.OpInsert,
		Message: msg,
	}
	if err := p.pub.Publish(ctx, ev); err != nil {
		p.log.Warn("publish message change", zap.String("id", msg.ID), zap.Error(err))
	}
	conv, err := p.store.GetConversation(ctx, msg.TenantID, msg.ConversationID)
	if err != nil {
		return
	}
	ev = model.ChangeEvent{
		ID:           uuid.NewString(),
		Scope:        msg.TenantID,
		Kind:         model.ChangeConversation,
		Op:           model.OpUpdate,
		Conversation: conv,
	}
	if err := p.pub.Publish(ctx, ev); err != nil {
		p.log.Warn("publish conversation change", zap.String("id", conv.ID), zap.Error(err))
	}
}

func outcomeOf(err error) string {
	var rl *RateLimitedError
	var ce *ChannelError
	switch {
	case err == nil:
		return OutcomeSent
	case errors.As(err, &rl):
		return OutcomeRateLimited
	case errors.As(err, &ce):
		return OutcomeChannel
	case errors.Is(err, errs.ErrInvalidIntent):
		return OutcomeInvalid
	case errors.Is(err, errs.ErrDuplicateIntent):
		return OutcomeDuplicate
	case errors.Is(err, errs.ErrStore):
		return OutcomeStore
	}
	return OutcomeInternal
}
