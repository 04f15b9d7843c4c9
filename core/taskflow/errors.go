package taskflow

import "fmt"

// DuplicateError rejects a submission whose fingerprint matches a task the
// owner already has in flight. The fingerprint lets the caller correlate with
// its earlier request.
type DuplicateError struct {
	Fingerprint string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("a task with fingerprint %s is already in flight; wait for it to complete before resubmitting", e.Fingerprint)
}

// ValidationError rejects malformed input before any registry or backend
// interaction. The caller can correct and resubmit.
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
