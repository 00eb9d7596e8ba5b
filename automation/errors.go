package automation

import (
	"errors"
	"fmt"
)

// ErrDuplicateExecutionSkip marks a one-shot rule that already fired for
// the subject. It is a recorded no-op, not a failure.
var ErrDuplicateExecutionSkip = errors.New("rule already executed for subject")

// ValidationError rejects a rule whose trigger or action config does not
// match the schema for its type. Raised at save time; an invalid rule
// never reaches the matcher.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// ActionExecutionError wraps a single rule's action failure. It is
// recorded against the rule and never aborts sibling rules.
type ActionExecutionError struct {
	RuleID     uint
	ActionType string
	Err        error
}

func (e *ActionExecutionError) Error() string {
	return fmt.Sprintf("rule %d action %s failed: %v", e.RuleID, e.ActionType, e.Err)
}

func (e *ActionExecutionError) Unwrap() error { return e.Err }
