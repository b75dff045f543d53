package errs

// 通用错误码
const (
	ServerInternalError = 500
	ArgsError           = 1000

	InvalidIntentCode     = 1001
	DuplicateIntentCode   = 1002
	RateLimitedCode       = 1003
	ChannelErrorCode      = 1004
	ReconciliationErrCode = 1005
	StoreErrorCode        = 1006
	UnauthorizedCode      = 1401
	NotFoundCode          = 1404
)

var (
	ErrInternal = NewCodeError(ServerInternalError, "internal error")
	ErrArgs     = NewCodeError(ArgsError, "bad arguments")

	ErrInvalidIntent   = NewCodeError(InvalidIntentCode, "invalid send intent")
	ErrDuplicateIntent = NewCodeError(DuplicateIntentCode, "already sent")
	ErrRateLimited     = NewCodeError(RateLimitedCode, "rate limited")
	ErrChannel         = NewCodeError(ChannelErrorCode, "channel error")
	ErrReconciliation  = NewCodeError(ReconciliationErrCode, "reconciliation failed")
	ErrStore           = NewCodeError(StoreErrorCode, "store error")
	ErrUnauthorized    = NewCodeError(UnauthorizedCode, "unauthorized")
	ErrNotFound        = NewCodeError(NotFoundCode, "not found")
)

func init() {
	// 参数错误是 InvalidIntent 的父级
	_ = DefaultCodeRelation.Add(ArgsError, InvalidIntentCode)
}
