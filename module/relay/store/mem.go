package store

import (
	"context"
	"sync"

	"inboxrelay/module/relay/model"
)

// MemStore 进程内实现，单机部署与测试使用
type MemStore struct {
	mu     sync.RWMutex
	convs  map[string]*model.Conversation          // tenant|conv -> conversation
	byID   map[string]*model.Message               // tenant|id -> msg
	byConv map[string]map[string]struct{}          // tenant|conv -> ids
	latest map[string]map[string]model.StatusEvent // tenant|conv -> id -> 最新回执
}

func NewMemStore() *MemStore {
	return &MemStore{
		convs:  make(map[string]*model.Conversation),
		byID:   make(map[string]*model.Message),
		byConv: make(map[string]map[string]struct{}),
		latest: make(map[string]map[string]model.StatusEvent),
	}
}

func keyOf(tenant, id string) string { return tenant + "|" + id }

func (s *MemStore) InsertMessage(_ context.Context, m *model.Message) (*model.Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := keyOf(m.TenantID, m.ID)
	if old, ok := s.byID[k]; ok {
		cp := *old
		return &cp, false, nil
	}
	cp := *m
	kc := keyOf(m.TenantID, m.ConversationID)
	// 回执先于消息到达
	if ev, ok := s.latest[kc][m.ID]; ok && !ev.ObservedAt.Before(cp.StatusObservedAt) {
		cp.CurrentStatus, cp.StatusObservedAt = ev.Status, ev.ObservedAt
	}
	s.byID[k] = &cp
	if _, ok := s.byConv[kc]; !ok {
		s.byConv[kc] = make(map[string]struct{})
	}
	s.byConv[kc][m.ID] = struct{}{}
	out := cp
	return &out, true, nil
}

func (s *MemStore) GetMessage(_ context.Context, tenantID, messageID string) (*model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.byID[keyOf(tenantID, messageID)]
	if !ok {
		return nil, ErrNotFound.WrapMsg("message", "id", messageID)
	}
	cp := *m
	return &cp, nil
}

func (s *MemStore) ListMessages(_ context.Context, tenantID, conversationID string, limit int) ([]model.Message, error) {
	s.mu.RLock()
	ids := s.byConv[keyOf(tenantID, conversationID)]
	out := make([]model.Message, 0, len(ids))
	for id := range ids {
		out = append(out, *s.byID[keyOf(tenantID, id)])
	}
	s.mu.RUnlock()

	model.SortMessages(out)
	if limit = normLimit(limit); len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *MemStore) GetConversation(_ context.Context, tenantID, conversationID string) (*model.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.convs[keyOf(tenantID, conversationID)]
	if !ok {
		return nil, ErrNotFound.WrapMsg("conversation", "id", conversationID)
	}
	cp := *c
	return &cp, nil
}

func (s *MemStore) UpsertConversation(_ context.Context, c *model.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	s.convs[keyOf(c.TenantID, c.ID)] = &cp
	return nil
}

func (s *MemStore) UpdateLastMessage(_ context.Context, tenantID, conversationID string, m *model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[keyOf(tenantID, conversationID)]
	if !ok {
		return ErrNotFound.WrapMsg("conversation", "id", conversationID)
	}
	if c.LastMessage != nil && c.LastMessage.At.After(m.CreatedAt) {
		return nil
	}
	c.LastMessage = lastMessageOf(m)
	c.UpdatedAt = m.CreatedAt
	return nil
}

func (s *MemStore) ChannelBinding(ctx context.Context, tenantID, conversationID string) (model.ChannelBinding, error) {
	c, err := s.GetConversation(ctx, tenantID, conversationID)
	if err != nil {
		return model.ChannelBinding{}, err
	}
	return c.Binding, nil
}

func (s *MemStore) AppendStatus(_ context.Context, ev model.StatusEvent) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := keyOf(ev.TenantID, ev.MessageID)

	conv := ev.ConversationID
	m, ok := s.byID[k]
	if ok {
		conv = m.ConversationID
	}
	kc := keyOf(ev.TenantID, conv)
	if _, ok := s.latest[kc]; !ok {
		s.latest[kc] = make(map[string]model.StatusEvent)
	}
	if stored, ok := s.latest[kc][ev.MessageID]; ok && !ev.Supersedes(&stored) {
		return false, nil
	}
	s.latest[kc][ev.MessageID] = ev
	if m != nil {
		m.CurrentStatus = ev.Status
		m.StatusObservedAt = ev.ObservedAt
	}
	return true, nil
}

func (s *MemStore) LatestStatuses(_ context.Context, tenantID, conversationID string) ([]model.StatusEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	mp := s.latest[keyOf(tenantID, conversationID)]
	out := make([]model.StatusEvent, 0, len(mp))
	for _, ev := range mp {
		out = append(out, ev)
	}
	return out, nil
}

func (s *MemStore) Close(context.Context) error { return nil }
