package realtime

import (
	"sync"

	"inboxrelay/module/relay/model"
)

type Phase int

const (
	// PhasePending 本地乐观写入，尚未在推送或拉取中出现
	PhasePending Phase = iota
	PhaseConfirmed
)

func (p Phase) String() string {
	if p == PhaseConfirmed {
		return "confirmed"
	}
	return "pending"
}

type Entry struct {
	Message model.Message
	Phase   Phase
}

// View 单个会话的可见消息集合，按 id 索引，只做整条替换
type View struct {
	conversationID string

	mu      sync.RWMutex
	entries map[string]Entry
}

func NewView(conversationID string) *View {
	return &View{conversationID: conversationID, entries: make(map[string]Entry)}
}

func (v *View) ConversationID() string { return v.conversationID }

// AddPending 乐观插入；已存在（含已确认）时忽略
func (v *View) AddPending(m model.Message) bool {
	if m.ConversationID != v.conversationID {
		return false
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.entries[m.ID]; ok {
		return false
	}
	v.entries[m.ID] = Entry{Message: m, Phase: PhasePending}
	return true
}

// Upsert 推送来的插入/更新，条目置为 Confirmed
func (v *View) Upsert(m model.Message) bool {
	if m.ConversationID != v.conversationID {
		return false
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.entries[m.ID] = Entry{Message: keepNewerStatus(v.entries[m.ID].Message, m), Phase: PhaseConfirmed}
	return true
}

// ApplyStatus 只在回执不早于当前状态时更新消息的 currentStatus
func (v *View) ApplyStatus(ev model.StatusEvent) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	e, ok := v.entries[ev.MessageID]
	if !ok {
		return false
	}
	if e.Message.CurrentStatus != "" && ev.ObservedAt.Before(e.Message.StatusObservedAt) {
		return false
	}
	m := e.Message
	m.CurrentStatus = ev.Status
	m.StatusObservedAt = ev.ObservedAt
	v.entries[ev.MessageID] = Entry{Message: m, Phase: e.Phase}
	return true
}

// Merge 用一次全量拉取重建视图，拉取中出现的条目全部置为 Confirmed
func (v *View) Merge(fetched []model.Message) {
	v.mu.Lock()
	defer v.mu.Unlock()

	existing := make([]model.Message, 0, len(v.entries))
	for _, e := range v.entries {
		existing = append(existing, e.Message)
	}
	inFetch := make(map[string]struct{}, len(fetched))
	for _, m := range fetched {
		inFetch[m.ID] = struct{}{}
	}

	next := make(map[string]Entry, len(v.entries)+len(fetched))
	for _, m := range Reconcile(existing, fetched) {
		if m.ConversationID != v.conversationID {
			continue
		}
		old, had := v.entries[m.ID]
		if _, ok := inFetch[m.ID]; ok {
			next[m.ID] = Entry{Message: keepNewerStatus(old.Message, m), Phase: PhaseConfirmed}
			continue
		}
		if had {
			next[m.ID] = old
		}
	}
	v.entries = next
}

func (v *View) Get(id string) (Entry, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	e, ok := v.entries[id]
	return e, ok
}

func (v *View) Len() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.entries)
}

// Entries 按会话顺序返回快照
func (v *View) Entries() []Entry {
	v.mu.RLock()
	msgs := make([]model.Message, 0, len(v.entries))
	for _, e := range v.entries {
		msgs = append(msgs, e.Message)
	}
	phases := make(map[string]Phase, len(v.entries))
	for id, e := range v.entries {
		phases[id] = e.Phase
	}
	v.mu.RUnlock()

	model.SortMessages(msgs)
	out := make([]Entry, len(msgs))
	for i, m := range msgs {
		out[i] = Entry{Message: m, Phase: phases[m.ID]}
	}
	return out
}

func (v *View) Messages() []model.Message {
	entries := v.Entries()
	out := make([]model.Message, len(entries))
	for i, e := range entries {
		out[i] = e.Message
	}
	return out
}

// keepNewerStatus 内容以 next 为准，回执状态取较新者
func keepNewerStatus(prev, next model.Message) model.Message {
	if prev.CurrentStatus != "" && prev.StatusObservedAt.After(next.StatusObservedAt) {
		next.CurrentStatus = prev.CurrentStatus
		next.StatusObservedAt = prev.StatusObservedAt
	}
	return next
}
