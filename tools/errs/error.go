package errs

import (
	"fmt"
	"strings"

	pkgerrors "github.com/pkg/errors"
)

// New 普通错误（无错误码），kv 形如 "key1", v1, "key2", v2
func New(msg string, kv ...any) error {
	return pkgerrors.WithStack(&plainError{s: toString(msg, kv)})
}

type plainError struct{ s string }

func (e *plainError) Error() string { return e.s }

func toString(msg string, kv []any) string {
	if len(kv) == 0 {
		return msg
	}
	var sb strings.Builder
	sb.WriteString(msg)
	for i := 0; i < len(kv); i += 2 {
		if sb.Len() > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(fmt.Sprint(kv[i]))
		sb.WriteString("=")
		if i+1 < len(kv) {
			sb.WriteString(fmt.Sprint(kv[i+1]))
		} else {
			sb.WriteString("MISSING")
		}
	}
	return sb.String()
}
