package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDecodeChange_Message(t *testing.T) {
	raw := `{"id":"chg-1","scope":"t1","kind":"message","op":"insert","record":{
		"id":"m1","tenant_id":"t1","conversation_id":"conv-1","direction":"incoming",
		"message_type":"text","body":"hi","created_at":"2024-05-01T12:00:00.5Z"}}`
	var env ChangeEnvelope
	require.NoError(t, json.Unmarshal([]byte(raw), &env))

	ev, err := DecodeChange(env)
	require.NoError(t, err)
	require.NotNil(t, ev.Message)
	require.Equal(t, "conv-1", ev.ConversationID())
	require.Equal(t, DirectionIncoming, ev.Message.Direction)
	require.True(t, ev.Message.CreatedAt.Equal(time.Date(2024, 5, 1, 12, 0, 0, 5e8, time.UTC)))
}

func TestDecodeChange_StatusEpochMillis(t *testing.T) {
	raw := `{"id":"chg-2","scope":"t1","kind":"status","op":"insert","record":{
		"message_id":"m1","tenant_id":"t1","conversation_id":"conv-1","status":"read","observed_at":1714564800000}}`
	var env ChangeEnvelope
	require.NoError(t, json.Unmarshal([]byte(raw), &env))

	ev, err := DecodeChange(env)
	require.NoError(t, err)
	require.Equal(t, StatusRead, ev.Status.Status)
	require.Equal(t, int64(1714564800000), ev.Status.ObservedAt.UnixMilli())
}

func TestDecodeChange_UnknownKind(t *testing.T) {
	_, err := DecodeChange(ChangeEnvelope{Kind: "typing"})
	require.Error(t, err)
}

func TestEncodeChange_RoundTripsThroughDecode(t *testing.T) {
	in := ChangeEvent{
		ID: "chg-3", Scope: "t1", Kind: ChangeConversation, Op: OpUpdate,
		Conversation: &Conversation{
			ID: "conv-1", TenantID: "t1",
			Binding:   ChannelBinding{Channel: "whatsapp", Gateway: true},
			UpdatedAt: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
		},
	}
	env, err := EncodeChange(in)
	require.NoError(t, err)
	out, err := DecodeChange(env)
	require.NoError(t, err)
	require.Equal(t, "whatsapp", out.Conversation.Binding.Channel)
	require.True(t, out.Conversation.Binding.Gateway)
	require.True(t, out.Conversation.UpdatedAt.Equal(in.Conversation.UpdatedAt))

	_, err = EncodeChange(ChangeEvent{Kind: ChangeMessage})
	require.Error(t, err)
}

func TestPreviewAndOrdering(t *testing.T) {
	m := &Message{Type: TypeImage, Attachment: &AttachmentRef{FileName: "a.png"}}
	require.Equal(t, "[image] a.png", m.Preview())

	ts := time.Unix(10, 0)
	ms := []Message{{ID: "b", CreatedAt: ts}, {ID: "a", CreatedAt: ts}, {ID: "z", CreatedAt: time.Unix(5, 0)}}
	SortMessages(ms)
	require.Equal(t, []string{"z", "a", "b"}, []string{ms[0].ID, ms[1].ID, ms[2].ID})
}
