package api

import (
	"net/http"
	"strconv"

	"inboxrelay/middleware/security"
	"inboxrelay/module/relay/model"
	"inboxrelay/module/relay/status"
	"inboxrelay/module/relay/store"
	"inboxrelay/tools/errs"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const maxListLimit = 500

// SendRequest 单条发送的请求体；会话 ID 取路径参数
type SendRequest struct {
	ClientMsgID string               `json:"client_msg_id,omitempty"`
	Text        string               `json:"text,omitempty"`
	Type        model.MessageType    `json:"message_type,omitempty"`
	Attachment  *model.AttachmentRef `json:"attachment,omitempty"`
	Template    *model.TemplateRef   `json:"template,omitempty"`
}

func (r SendRequest) intent(tenant, conversationID string) model.SendIntent {
	return model.SendIntent{
		TenantID:       tenant,
		ConversationID: conversationID,
		ClientMsgID:    r.ClientMsgID,
		Text:           r.Text,
		Type:           r.Type,
		Attachment:     r.Attachment,
		Template:       r.Template,
	}
}

type BulkItem struct {
	ConversationID string `json:"conversation_id"`
	SendRequest
}

type BulkRequest struct {
	Messages []BulkItem `json:"messages"`
}

type BulkItemResult struct {
	Index   int            `json:"index"`
	Message *model.Message `json:"message,omitempty"`
	Error   *ErrorBody     `json:"error,omitempty"`
}

// LabeledMessage 列表项，附带回执展示文案
type LabeledMessage struct {
	model.Message
	StatusLabel string `json:"status_label"`
}

func (s *Server) sendMessage(c *gin.Context) {
	var req SendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, errs.ErrInvalidIntent.WrapMsg("bad request body", "err", err))
		return
	}
	in := req.intent(security.Tenant(c), c.Param("conversation_id"))
	msg, err := s.pipe.Send(c.Request.Context(), in, security.SenderID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

func (s *Server) sendBulk(c *gin.Context) {
	var req BulkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, errs.ErrInvalidIntent.WrapMsg("bad request body", "err", err))
		return
	}
	tenant := security.Tenant(c)
	intents := make([]model.SendIntent, len(req.Messages))
	for i, it := range req.Messages {
		intents[i] = it.intent(tenant, it.ConversationID)
	}
	results, err := s.pipe.SendBulk(c.Request.Context(), intents, security.SenderID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	out := make([]BulkItemResult, len(results))
	sent := 0
	for i, r := range results {
		out[i] = BulkItemResult{Index: r.Index, Message: r.Message}
		if r.Err != nil {
			_, body := classify(r.Err)
			out[i].Error = &body
			continue
		}
		sent++
	}
	c.JSON(http.StatusOK, gin.H{"sent": sent, "results": out})
}

// listMessages 会话消息按 (createdAt, id) 升序，回执以快照为准补齐
func (s *Server) listMessages(c *gin.Context) {
	tenant, conv := security.Tenant(c), c.Param("conversation_id")
	limit, _ := strconv.Atoi(c.Query("limit"))
	if limit > maxListLimit {
		limit = maxListLimit
	}
	ctx := c.Request.Context()
	msgs, err := s.store.ListMessages(ctx, tenant, conv, limit)
	if err != nil {
		writeError(c, errs.ErrStore.WrapMsg("list messages", "err", err))
		return
	}
	tr := status.NewTracker(s.log)
	if err := tr.Attach(ctx, s.store, tenant, conv); err != nil {
		s.log.Warn("status snapshot", zap.String("conversation_id", conv), zap.Error(err))
	}
	model.SortMessages(msgs)

	out := make([]LabeledMessage, len(msgs))
	for i, m := range msgs {
		if ev, ok := tr.Event(m.ID); ok && (m.CurrentStatus == "" || !ev.ObservedAt.Before(m.StatusObservedAt)) {
			m.CurrentStatus = ev.Status
			m.StatusObservedAt = ev.ObservedAt
		}
		out[i] = LabeledMessage{Message: m, StatusLabel: status.Label(m.CurrentStatus, m.CurrentStatus != "")}
	}
	c.JSON(http.StatusOK, gin.H{"conversation_id": conv, "messages": out})
}

func (s *Server) messageStatus(c *gin.Context) {
	m, err := s.store.GetMessage(c.Request.Context(), security.Tenant(c), c.Param("message_id"))
	if err != nil {
		if !store.IsNotFound(err) {
			err = errs.ErrStore.WrapMsg("get message", "err", err)
		}
		writeError(c, err)
		return
	}
	ok := m.CurrentStatus != ""
	c.JSON(http.StatusOK, gin.H{
		"message_id":  m.ID,
		"status":      m.CurrentStatus,
		"label":       status.Label(m.CurrentStatus, ok),
		"observed_at": m.StatusObservedAt,
	})
}
