package api

import (
	"errors"
	"net/http"
	"strconv"

	"inboxrelay/module/relay/dispatch"
	"inboxrelay/module/relay/validate"
	"inboxrelay/tools/errs"

	"github.com/gin-gonic/gin"
)

// 机器可读的失败原因
const (
	ReasonInvalid     = "invalid_intent"
	ReasonDuplicate   = "already_sent"
	ReasonRateLimited = "rate_limited"
	ReasonChannel     = "channel_error"
	ReasonNotFound    = "not_found"
	ReasonStore       = "store_error"
	ReasonInternal    = "internal"
)

// ErrorBody 失败响应体
type ErrorBody struct {
	Code       int    `json:"code"`
	Reason     string `json:"reason"`
	Msg        string `json:"msg"`
	Rule       string `json:"rule,omitempty"`
	RetryAfter int    `json:"retry_after,omitempty"`
}

// classify 错误到 HTTP 状态码与响应体；NotFound 先于渠道错误判断
func classify(err error) (int, ErrorBody) {
	body := ErrorBody{Code: errs.Code(err), Msg: err.Error()}

	var ve *validate.Error
	var rl *dispatch.RateLimitedError
	switch {
	case errors.As(err, &ve):
		body.Code = errs.InvalidIntentCode
		body.Reason = ReasonInvalid
		body.Rule = string(ve.Rule)
		body.Msg = ve.Reason
		return http.StatusBadRequest, body
	case errors.Is(err, errs.ErrInvalidIntent), errors.Is(err, errs.ErrArgs):
		body.Reason = ReasonInvalid
		return http.StatusBadRequest, body
	case errors.Is(err, errs.ErrDuplicateIntent):
		body.Reason = ReasonDuplicate
		return http.StatusConflict, body
	case errors.As(err, &rl):
		body.Code = errs.RateLimitedCode
		body.Reason = ReasonRateLimited
		body.RetryAfter = rl.RetryAfterSeconds
		return http.StatusTooManyRequests, body
	case errors.Is(err, errs.ErrNotFound):
		body.Code = errs.NotFoundCode
		body.Reason = ReasonNotFound
		return http.StatusNotFound, body
	case errors.Is(err, errs.ErrChannel):
		body.Code = errs.ChannelErrorCode
		body.Reason = ReasonChannel
		return http.StatusBadGateway, body
	case errors.Is(err, errs.ErrStore):
		body.Code = errs.StoreErrorCode
		body.Reason = ReasonStore
		return http.StatusServiceUnavailable, body
	}
	body.Code = errs.ServerInternalError
	body.Reason = ReasonInternal
	return http.StatusInternalServerError, body
}

func writeError(c *gin.Context, err error) {
	code, body := classify(err)
	if body.RetryAfter > 0 {
		c.Header("Retry-After", strconv.Itoa(body.RetryAfter))
	}
	if code >= http.StatusInternalServerError {
		// 内部细节不外泄
		body.Msg = http.StatusText(code)
		_ = c.Error(err)
	}
	c.AbortWithStatusJSON(code, body)
}
