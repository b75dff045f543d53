package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWrapMsgKeepsCode(t *testing.T) {
	err := ErrNotFound.WrapMsg("message not found", "tenant", "acme", "id", "m1")
	require.True(t, errors.Is(err, ErrNotFound))
	require.Equal(t, NotFoundCode, Code(err))
	require.Contains(t, err.Error(), "tenant=acme, id=m1")

	// 原错误不被修改
	require.Empty(t, ErrNotFound.Detail)
}

func TestCodeRelation(t *testing.T) {
	err := ErrInvalidIntent.WrapMsg("body empty")
	require.True(t, errors.Is(err, ErrArgs), "invalid intent is a bad-arguments error")
	require.False(t, errors.Is(ErrArgs.WrapMsg("x"), ErrInvalidIntent))
	require.False(t, errors.Is(err, ErrStore))
}

func TestCodeThroughFmtWrap(t *testing.T) {
	base := errors.New("connection refused")
	err := fmt.Errorf("%w: %w", ErrStore, base)
	require.Equal(t, StoreErrorCode, Code(err))
	require.True(t, errors.Is(err, base))
	require.Zero(t, Code(base))
}

func TestWithDetailAppends(t *testing.T) {
	e := ErrChannel.WithDetail("kafka").WithDetail("timeout")
	require.Equal(t, "kafka, timeout", e.Detail)
	require.Equal(t, "1004 channel error kafka, timeout", e.Error())
}

func TestNewOddKV(t *testing.T) {
	err := New("bad", "k")
	require.Equal(t, "bad, k=MISSING", err.Error())
	require.Zero(t, Code(err))
}

func TestWrapNil(t *testing.T) {
	require.NoError(t, Wrap(nil))
	require.NoError(t, WrapMsg(nil, "x"))
}

func TestUnwrapInnermost(t *testing.T) {
	base := errors.New("root")
	err := WrapMsg(base, "ctx")
	require.Equal(t, base, Unwrap(err))
}

func TestErrPanic(t *testing.T) {
	require.NoError(t, ErrPanic(nil))
	err := ErrPanic("boom")
	require.Equal(t, ServerInternalError, Code(err))
	require.Contains(t, err.Error(), "boom")
}
