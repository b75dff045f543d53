package status

import (
	"context"
	"sync"

	"inboxrelay/logger"
	"inboxrelay/module/relay/model"

	"go.uber.org/zap"
)

// 展示文案
const (
	LabelSending   = "sending..."
	LabelSent      = "Sent"
	LabelDelivered = "Delivered"
	LabelRead      = "Read"
	LabelFailed    = "Failed"
)

// Label 状态到展示文案；ok=false 表示尚无回执
func Label(s model.Status, ok bool) string {
	if !ok {
		return LabelSending
	}
	switch s {
	case model.StatusSent:
		return LabelSent
	case model.StatusDelivered:
		return LabelDelivered
	case model.StatusRead:
		return LabelRead
	case model.StatusFailed:
		return LabelFailed
	}
	return LabelSending
}

// SnapshotSource 批量拉取某会话内每条消息的最新回执
type SnapshotSource interface {
	LatestStatuses(ctx context.Context, tenantID, conversationID string) ([]model.StatusEvent, error)
}

// Tracker 每条消息保留 observedAt 最大的回执；乱序到达不会回退状态。
// 首次 Attach 完成之前收到的实时回执先缓存，快照合并后再应用
type Tracker struct {
	mu       sync.RWMutex
	latest   map[string]model.StatusEvent
	attached bool
	buffered []model.StatusEvent
	log      *zap.Logger
}

func NewTracker(log *zap.Logger) *Tracker {
	if log == nil {
		log = logger.Named("status")
	}
	return &Tracker{latest: make(map[string]model.StatusEvent), log: log}
}

// Apply 合并一条回执，返回是否改变了当前状态记录
func (t *Tracker) Apply(ev model.StatusEvent) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.attached {
		t.buffered = append(t.buffered, ev)
		return false
	}
	return t.applyLocked(ev)
}

func (t *Tracker) applyLocked(ev model.StatusEvent) bool {
	if ev.MessageID == "" || !ev.Status.Valid() {
		t.log.Warn("drop malformed status event",
			zap.String("message_id", ev.MessageID), zap.String("status", string(ev.Status)))
		return false
	}
	stored, ok := t.latest[ev.MessageID]
	if ok && !ev.Supersedes(&stored) {
		t.log.Debug("stale status event ignored",
			zap.String("message_id", ev.MessageID),
			zap.String("incoming", string(ev.Status)),
			zap.Time("incoming_at", ev.ObservedAt),
			zap.String("stored", string(stored.Status)),
			zap.Time("stored_at", stored.ObservedAt))
		return false
	}
	if ok && stored.Status == ev.Status && stored.ObservedAt.Equal(ev.ObservedAt) {
		return false
	}
	t.latest[ev.MessageID] = ev
	return true
}

// Attach 拉取会话快照并合并，然后放行缓存的实时回执
func (t *Tracker) Attach(ctx context.Context, src SnapshotSource, tenantID, conversationID string) error {
	snap, err := src.LatestStatuses(ctx, tenantID, conversationID)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, ev := range snap {
		t.applyLocked(ev)
	}
	if !t.attached {
		t.attached = true
		for _, ev := range t.buffered {
			t.applyLocked(ev)
		}
		t.buffered = nil
	}
	return nil
}

// CurrentStatus 当前状态；无记录时 ok=false
func (t *Tracker) CurrentStatus(messageID string) (model.Status, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ev, ok := t.latest[messageID]
	return ev.Status, ok
}

// Event 当前保留的完整回执
func (t *Tracker) Event(messageID string) (model.StatusEvent, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ev, ok := t.latest[messageID]
	return ev, ok
}

func (t *Tracker) Label(messageID string) string {
	s, ok := t.CurrentStatus(messageID)
	return Label(s, ok)
}

// Attached 是否已完成首次快照
func (t *Tracker) Attached() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.attached
}
