package dispatch

import (
	"fmt"

	"inboxrelay/tools/errs"
)

// RateLimitedError 发送方配额耗尽，RetryAfterSeconds 后可重试
type RateLimitedError struct {
	Class             string
	RetryAfterSeconds int
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited: class=%s retry after %ds", e.Class, e.RetryAfterSeconds)
}

func (e *RateLimitedError) Unwrap() error { return errs.ErrRateLimited }

// ChannelError 渠道/网关投递失败，原样返回给调用方，由调用方决定是否重试
type ChannelError struct {
	Channel string
	Cause   error
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("channel %q: %v", e.Channel, e.Cause)
}

func (e *ChannelError) Unwrap() []error {
	if e.Cause == nil {
		return []error{errs.ErrChannel}
	}
	return []error{errs.ErrChannel, e.Cause}
}
