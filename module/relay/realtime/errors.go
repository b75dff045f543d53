package realtime

import (
	"fmt"

	"inboxrelay/tools/errs"
)

// ReconciliationError 重拉失败；不上抛给界面，只触发下一次定时重拉
type ReconciliationError struct {
	ConversationID string
	Attempt        int
	Cause          error
}

func (e *ReconciliationError) Error() string {
	return fmt.Sprintf("reconcile conversation %s (attempt %d): %v", e.ConversationID, e.Attempt, e.Cause)
}

func (e *ReconciliationError) Unwrap() []error {
	if e.Cause == nil {
		return []error{errs.ErrReconciliation}
	}
	return []error{errs.ErrReconciliation, e.Cause}
}
