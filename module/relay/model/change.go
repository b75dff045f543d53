package model

import (
	"encoding/json"
	"fmt"
	"reflect"
	"time"

	"github.com/mitchellh/mapstructure"
)

type ChangeKind string

const (
	ChangeMessage      ChangeKind = "message"
	ChangeConversation ChangeKind = "conversation"
	ChangeStatus       ChangeKind = "status"
)

type ChangeOp string

const (
	OpInsert ChangeOp = "insert"
	OpUpdate ChangeOp = "update"
)

// ChangeEnvelope 推送通道上的原始变更记录，record 按 kind 解释
type ChangeEnvelope struct {
	ID     string         `json:"id"`
	Scope  string         `json:"scope"`
	Kind   ChangeKind     `json:"kind"`
	Op     ChangeOp       `json:"op"`
	Record map[string]any `json:"record"`
}

// ChangeEvent 解码后的变更，三个指针按 Kind 只有一个非空
type ChangeEvent struct {
	ID           string
	Scope        string
	Kind         ChangeKind
	Op           ChangeOp
	Message      *Message
	Conversation *Conversation
	Status       *StatusEvent
}

// ConversationID 事件所属会话
func (e *ChangeEvent) ConversationID() string {
	switch {
	case e.Message != nil:
		return e.Message.ConversationID
	case e.Conversation != nil:
		return e.Conversation.ID
	case e.Status != nil:
		return e.Status.ConversationID
	}
	return ""
}

// DecodeChange 把 envelope 的 record 解码成领域类型
func DecodeChange(env ChangeEnvelope) (ChangeEvent, error) {
	ev := ChangeEvent{ID: env.ID, Scope: env.Scope, Kind: env.Kind, Op: env.Op}
	var target any
	switch env.Kind {
	case ChangeMessage:
		ev.Message = &Message{}
		target = ev.Message
	case ChangeConversation:
		ev.Conversation = &Conversation{}
		target = ev.Conversation
	case ChangeStatus:
		ev.Status = &StatusEvent{}
		target = ev.Status
	default:
		return ev, fmt.Errorf("unknown change kind %q", env.Kind)
	}
	if err := decodeRecord(env.Record, target); err != nil {
		return ev, fmt.Errorf("decode %s record: %w", env.Kind, err)
	}
	return ev, nil
}

// EncodeChange 反向构造 envelope；json 与 mapstructure tag 一致，record 经 JSON 展开
func EncodeChange(ev ChangeEvent) (ChangeEnvelope, error) {
	env := ChangeEnvelope{ID: ev.ID, Scope: ev.Scope, Kind: ev.Kind, Op: ev.Op}
	var src any
	switch {
	case ev.Kind == ChangeMessage && ev.Message != nil:
		src = ev.Message
	case ev.Kind == ChangeConversation && ev.Conversation != nil:
		src = ev.Conversation
	case ev.Kind == ChangeStatus && ev.Status != nil:
		src = ev.Status
	default:
		return env, fmt.Errorf("change %s has no record", ev.Kind)
	}
	raw, err := json.Marshal(src)
	if err != nil {
		return env, err
	}
	if err := json.Unmarshal(raw, &env.Record); err != nil {
		return env, err
	}
	return env, nil
}

func decodeRecord(rec map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "mapstructure",
		Result:           out,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeHookFunc(time.RFC3339Nano),
			epochMillisToTimeHook(),
		),
	})
	if err != nil {
		return err
	}
	return dec.Decode(rec)
}

// epochMillisToTimeHook 兼容数字形式的毫秒时间戳
func epochMillisToTimeHook() mapstructure.DecodeHookFuncType {
	timeType := reflect.TypeOf(time.Time{})
	return func(from, to reflect.Type, data any) (any, error) {
		if to != timeType {
			return data, nil
		}
		switch v := data.(type) {
		case float64:
			return time.UnixMilli(int64(v)).UTC(), nil
		case int64:
			return time.UnixMilli(v).UTC(), nil
		case int:
			return time.UnixMilli(int64(v)).UTC(), nil
		}
		return data, nil
	}
}

// ParseStatusEvent 网关回执 JSON；observed_at 支持 RFC3339 与毫秒时间戳
func ParseStatusEvent(data []byte) (StatusEvent, error) {
	var rec map[string]any
	if err := json.Unmarshal(data, &rec); err != nil {
		return StatusEvent{}, err
	}
	ev, err := DecodeChange(ChangeEnvelope{Kind: ChangeStatus, Record: rec})
	if err != nil {
		return StatusEvent{}, err
	}
	st := *ev.Status
	switch {
	case st.MessageID == "":
		return st, fmt.Errorf("status event without message_id")
	case st.TenantID == "":
		return st, fmt.Errorf("status event without tenant_id")
	case !st.Status.Valid():
		return st, fmt.Errorf("unknown status %q", st.Status)
	case st.ObservedAt.IsZero():
		return st, fmt.Errorf("status event without observed_at")
	}
	return st, nil
}
