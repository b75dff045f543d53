package dedup

import (
	"context"
	"strconv"
	"strings"
	"time"

	"inboxrelay/module/relay/validate"

	"github.com/cespare/xxhash/v2"
)

const (
	DefaultTTL        = 60 * time.Second
	DefaultSweepEvery = 5 * time.Minute
)

// Key (conversationId, 规范化正文, senderId) 的 64 位指纹
type Key uint64

func (k Key) String() string { return strconv.FormatUint(uint64(k), 16) }

// MakeKey 正文折叠空白；附件消息把 URL 并入正文，避免同会话内的纯附件消息互相判重
func MakeKey(conversationID, body, attachmentURL, senderID string) Key {
	var sb strings.Builder
	norm := validate.Normalize(body)
	sb.Grow(len(conversationID) + len(norm) + len(attachmentURL) + len(senderID) + 3)
	sb.WriteString(conversationID)
	sb.WriteByte(0)
	sb.WriteString(norm)
	if attachmentURL != "" {
		sb.WriteByte(0x1f)
		sb.WriteString(strings.TrimSpace(attachmentURL))
	}
	sb.WriteByte(0)
	sb.WriteString(senderID)
	return Key(xxhash.Sum64String(sb.String()))
}

// Guard 防重复发送：
// MarkPending 必须是原子的“不存在才插入”，返回 false 表示已被别的请求占用；
// MarkCompleted(false) 立即释放，成功的标记保留到 TTL 过期
type Guard interface {
	IsDuplicate(ctx context.Context, key Key) (bool, error)
	MarkPending(ctx context.Context, key Key) (bool, error)
	MarkCompleted(ctx context.Context, key Key, succeeded bool) error
}
