package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"inboxrelay/middleware/security"
	"inboxrelay/module/relay/model"
	"inboxrelay/module/relay/realtime"
	"inboxrelay/module/relay/status"
	"inboxrelay/module/relay/validate"
	"inboxrelay/tools/errs"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// 服务端下发帧类型
const (
	FrameMessage      = "message"
	FrameConversation = "conversation"
	FrameStatus       = "status"
	FrameState        = "state"
	FrameResync       = "resync"
	FrameAck          = "ack"
	FrameError        = "error"
)

// 客户端上行帧类型
const (
	OpTrack   = "track"
	OpUntrack = "untrack"
	OpSend    = "send"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
	wsSendQueue  = 256
	wsReadLimit  = 64 << 10
)

// 来源已由 Origin 中间件校验
var upgrader = websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096, CheckOrigin: func(r *http.Request) bool { return true }}

type Frame struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

type ClientFrame struct {
	Type           string       `json:"type"`
	ConversationID string       `json:"conversation_id,omitempty"`
	Message        *SendRequest `json:"message,omitempty"`
}

type StatusFrame struct {
	model.StatusEvent
	Label string `json:"label"`
}

type ResyncFrame struct {
	ConversationID string          `json:"conversation_id"`
	Messages       []model.Message `json:"messages"`
}

type AckFrame struct {
	ClientMsgID string         `json:"client_msg_id,omitempty"`
	Message     *model.Message `json:"message"`
}

// wsSession 一条 websocket 连接对应一个订阅；写只在 writeLoop 里发生
type wsSession struct {
	srv    *Server
	conn   *websocket.Conn
	send   chan []byte
	sub    *realtime.Subscription
	sender string
	tenant string
	log    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

func (s *Server) serveRealtime(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// 常见：非 WebSocket 请求/握手失败
		s.log.Info("upgrade websocket", zap.Error(err))
		return
	}

	ctx, cancel := context.WithCancel(s.base)
	sess := &wsSession{
		srv:    s,
		conn:   ws,
		send:   make(chan []byte, wsSendQueue),
		sender: security.SenderID(c),
		tenant: security.Tenant(c),
		ctx:    ctx,
		cancel: cancel,
	}
	sess.log = s.log.With(zap.String("sender", sess.sender), zap.String("tenant", sess.tenant))

	sub, err := s.rec.Subscribe(ctx, sess.tenant, sess.handlers())
	if err != nil {
		sess.log.Warn("subscribe", zap.Error(err))
		cancel()
		_ = ws.Close()
		return
	}
	sess.sub = sub
	go sess.writeLoop()

	if conv := c.Query("conversation_id"); conv != "" {
		sess.track(conv)
	}
	sess.readLoop()
	sess.shutdown()
}

func (ws *wsSession) handlers() realtime.Handlers {
	return realtime.Handlers{
		OnMessage: func(m model.Message) {
			ws.push(FrameMessage, m)
		},
		OnConversationUpdate: func(c model.Conversation) {
			ws.push(FrameConversation, c)
		},
		OnStatus: func(ev model.StatusEvent) {
			ws.push(FrameStatus, StatusFrame{StatusEvent: ev, Label: status.Label(ev.Status, true)})
		},
		OnState: func(st realtime.State) {
			ws.push(FrameState, gin.H{"state": st.String()})
			if st == realtime.StateClosed {
				ws.cancel()
			}
		},
		OnResync: func(conversationID string, msgs []model.Message) {
			ws.push(FrameResync, ResyncFrame{ConversationID: conversationID, Messages: msgs})
		},
	}
}

// push 非阻塞入队；队列满视为慢消费者，断开连接
func (ws *wsSession) push(typ string, data any) {
	b, err := json.Marshal(Frame{Type: typ, Data: data})
	if err != nil {
		ws.log.Error("marshal frame", zap.String("type", typ), zap.Error(err))
		return
	}
	select {
	case <-ws.ctx.Done():
	case ws.send <- b:
	default:
		ws.log.Warn("websocket send queue full, dropping connection", zap.String("type", typ))
		ws.cancel()
	}
}

func (ws *wsSession) pushError(err error) {
	_, body := classify(err)
	ws.push(FrameError, body)
}

func (ws *wsSession) writeLoop() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		_ = ws.conn.Close()
	}()
	for {
		select {
		case <-ws.ctx.Done():
			_ = ws.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(wsWriteWait))
			return
		case b := <-ws.send:
			_ = ws.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := ws.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				ws.log.Info("websocket write", zap.Error(err))
				ws.cancel()
				return
			}
		case <-ticker.C:
			if err := ws.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				ws.cancel()
				return
			}
		}
	}
}

// readLoop 只读不写；出错即退出，由写协程收尾
func (ws *wsSession) readLoop() {
	ws.conn.SetReadLimit(wsReadLimit)
	_ = ws.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	ws.conn.SetPongHandler(func(string) error {
		return ws.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		mt, data, err := ws.conn.ReadMessage()
		if err != nil {
			var ne net.Error
			switch {
			case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
				ws.log.Debug("peer closed", zap.Error(err))
			case errors.As(err, &ne) && ne.Timeout():
				ws.log.Info("read timeout", zap.Error(err))
			default:
				ws.log.Info("read err", zap.Error(err))
			}
			return
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		var f ClientFrame
		if err := json.Unmarshal(data, &f); err != nil {
			ws.pushError(errs.ErrArgs.WrapMsg("bad frame", "err", err))
			continue
		}
		ws.handle(f)
	}
}

func (ws *wsSession) handle(f ClientFrame) {
	switch f.Type {
	case OpTrack:
		ws.track(f.ConversationID)
	case OpUntrack:
		ws.sub.Untrack(f.ConversationID)
	case OpSend:
		if f.Message == nil {
			ws.pushError(errs.ErrInvalidIntent.WrapMsg("send frame without message"))
			return
		}
		msg, err := ws.srv.pipe.Send(ws.ctx, f.Message.intent(ws.tenant, f.ConversationID), ws.sender)
		if err != nil {
			ws.pushError(err)
			return
		}
		// 推送或重拉到达之前先以 pending 显示
		ws.sub.AddPending(*msg)
		ws.push(FrameAck, AckFrame{ClientMsgID: f.Message.ClientMsgID, Message: msg})
	default:
		ws.pushError(errs.ErrArgs.WrapMsg("unknown frame type", "type", f.Type))
	}
}

// track 首次拉取失败时视图保留并由订阅定时重拉，届时以 resync 帧下发
func (ws *wsSession) track(conv string) {
	if !validate.ValidID(conv) {
		ws.pushError(errs.ErrArgs.WrapMsg("malformed conversation id"))
		return
	}
	v, err := ws.sub.Track(ws.ctx, conv)
	if err != nil {
		var re *realtime.ReconciliationError
		if errors.As(err, &re) {
			ws.log.Info("initial fetch deferred", zap.String("conversation_id", conv), zap.Error(err))
			return
		}
		ws.pushError(err)
		return
	}
	ws.push(FrameResync, ResyncFrame{ConversationID: conv, Messages: v.Messages()})
}

func (ws *wsSession) shutdown() {
	ws.once.Do(func() {
		ws.cancel()
		if err := ws.sub.Close(); err != nil {
			ws.log.Debug("close subscription", zap.Error(err))
		}
	})
}
