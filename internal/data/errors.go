package data

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a pod or plant has no authorized members for the caller.
var ErrNotFound = errors.New("not found")

// NotFound wraps ErrNotFound with what was looked up.
func NotFound(kind, key string) error {
	return fmt.Errorf("%s %q: %w", kind, key, ErrNotFound)
}

// ValidationError reports a malformed ingestion payload. Nothing is mutated when it is returned.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid payload: " + e.Reason
	}
	return fmt.Sprintf("invalid payload: %s: %s", e.Field, e.Reason)
}

// TransientError marks a datastore or notifier failure the caller may retry.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as a TransientError unless it is nil.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Op: op, Err: err}
}

// InvariantViolation is logged when stored state breaks a rule the code should have enforced.
type InvariantViolation struct {
	Rule   string
	Detail string
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("invariant violated: %s (%s)", e.Rule, e.Detail)
}

func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}
