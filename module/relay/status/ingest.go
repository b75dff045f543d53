package status

import (
	"context"
	"errors"

	"inboxrelay/logger"
	"inboxrelay/module/relay/model"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Recorder 回执落库所需的存储能力
type Recorder interface {
	GetMessage(ctx context.Context, tenantID, messageID string) (*model.Message, error)
	AppendStatus(ctx context.Context, ev model.StatusEvent) (applied bool, err error)
}

// Publisher 回执变更通知
type Publisher interface {
	Publish(ctx context.Context, ev model.ChangeEvent) error
}

// Ingestor 网关回执入口：补全会话 id，落库，状态前进时再推送
type Ingestor struct {
	rec Recorder
	pub Publisher
	log *zap.Logger
}

func NewIngestor(rec Recorder, pub Publisher, log *zap.Logger) *Ingestor {
	if log == nil {
		log = logger.Named("status-ingest")
	}
	return &Ingestor{rec: rec, pub: pub, log: log}
}

// HandleStatus 过期回执只留历史，不推送
func (in *Ingestor) HandleStatus(ctx context.Context, ev model.StatusEvent) error {
	if ev.MessageID == "" || !ev.Status.Valid() {
		return errors.New("malformed status event")
	}
	if ev.ConversationID == "" {
		m, err := in.rec.GetMessage(ctx, ev.TenantID, ev.MessageID)
		switch {
		case err == nil:
			ev.ConversationID = m.ConversationID
		default:
			// 消息可能还在网关回流路上，先记历史
			in.log.Debug("status for unknown message", zap.String("message_id", ev.MessageID), zap.Error(err))
		}
	}
	applied, err := in.rec.AppendStatus(ctx, ev)
	if err != nil {
		return err
	}
	if !applied || in.pub == nil || ev.ConversationID == "" {
		return nil
	}
	cev := model.ChangeEvent{
		ID:     uuid.NewString(),
		Scope:  ev.TenantID,
		Kind:   model.ChangeStatus,
		Op:     model.OpInsert,
		Status: &ev,
	}
	if err := in.pub.Publish(ctx, cev); err != nil {
		in.log.Warn("publish status change", zap.String("message_id", ev.MessageID), zap.Error(err))
	}
	return nil
}
