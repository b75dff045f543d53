package validate

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"inboxrelay/module/relay/model"
	"inboxrelay/tools/errs"
)

const (
	MaxBodyChars    = 4096
	MaxFileNameChar = 255
)

// Rule 校验规则，按执行顺序排列
type Rule string

const (
	RuleConversationID Rule = "conversation_id"
	RuleBody           Rule = "body"
	RuleFileName       Rule = "attachment_file_name"
	RuleAttachmentURL  Rule = "attachment_url"
	RuleMessageType    Rule = "message_type"
	RuleClientMsgID    Rule = "client_msg_id"
)

// Error 第一条未通过的规则
type Error struct {
	Rule   Rule
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("invalid intent: %s: %s", e.Rule, e.Reason)
}

func (e *Error) Unwrap() error { return errs.ErrInvalidIntent }

func fail(rule Rule, reason string) error {
	return &Error{Rule: rule, Reason: reason}
}

// NormalizedIntent 校验通过、正文已净化的意图
type NormalizedIntent struct {
	model.SendIntent
	Body string
}

var opaqueIDRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.:-]{0,127}$`)

// ValidID 会话等不透明 ID 的格式校验
func ValidID(id string) bool { return opaqueIDRe.MatchString(id) }

// Validate 纯函数，规则依次为：会话 ID、正文（先净化再计长）、附件文件名、附件 URL
func Validate(in model.SendIntent) (NormalizedIntent, error) {
	out := NormalizedIntent{SendIntent: in}

	if !ValidID(in.ConversationID) {
		return out, fail(RuleConversationID, "malformed conversation id")
	}

	body := Sanitize(in.Text)
	if n := utf8.RuneCountInString(body); n > MaxBodyChars {
		return out, fail(RuleBody, fmt.Sprintf("body has %d characters, limit %d", n, MaxBodyChars))
	}
	if body == "" {
		if strings.TrimSpace(in.Text) != "" {
			return out, fail(RuleBody, "body is empty after sanitizing")
		}
		if in.Attachment == nil && in.Template == nil {
			return out, fail(RuleBody, "body is empty")
		}
	}
	out.Body = body
	out.Text = body

	if a := in.Attachment; a != nil {
		if reason := checkFileName(a.FileName); reason != "" {
			return out, fail(RuleFileName, reason)
		}
		if reason := checkURL(a.URL); reason != "" {
			return out, fail(RuleAttachmentURL, reason)
		}
	}

	typ, err := resolveType(in)
	if err != nil {
		return out, err
	}
	out.Type = typ

	if in.ClientMsgID != "" && !ValidID(in.ClientMsgID) {
		return out, fail(RuleClientMsgID, "malformed client message id")
	}
	return out, nil
}

func checkFileName(name string) string {
	if name == "" {
		return "file name is empty"
	}
	if utf8.RuneCountInString(name) > MaxFileNameChar {
		return "file name too long"
	}
	if strings.Contains(name, "..") || strings.ContainsAny(name, `/\`) {
		return "file name contains path traversal"
	}
	for _, r := range name {
		if r == utf8.RuneError || unicode.IsControl(r) {
			return "file name contains control characters"
		}
	}
	return ""
}

func checkURL(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "attachment url is not parseable"
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return fmt.Sprintf("attachment url scheme %q not allowed", u.Scheme)
	}
	if u.Host == "" {
		return "attachment url has no host"
	}
	return ""
}

// resolveType 类型缺省时按内容推断；显式类型必须与内容匹配
func resolveType(in model.SendIntent) (model.MessageType, error) {
	t := in.Type
	if t == "" {
		switch {
		case in.Template != nil:
			return model.TypeTemplate, nil
		case in.Attachment != nil:
			return model.TypeDocument, nil
		default:
			return model.TypeText, nil
		}
	}
	switch {
	case t == model.TypeText:
		if in.Attachment != nil {
			return t, fail(RuleMessageType, "text message cannot carry an attachment")
		}
	case t == model.TypeTemplate:
		if in.Template == nil || in.Template.Name == "" {
			return t, fail(RuleMessageType, "template message needs a template name")
		}
	case t.IsMedia():
		if in.Attachment == nil {
			return t, fail(RuleMessageType, "media message needs an attachment")
		}
	default:
		return t, fail(RuleMessageType, fmt.Sprintf("unknown message type %q", t))
	}
	return t, nil
}
