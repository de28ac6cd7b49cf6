package activitypub

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound mirrors db.ErrNotFound for remote lookups.
	ErrNotFound = errors.New("activitypub: not found")

	// ErrFetchFailed is returned when a remote fetch fails after all
	// fallbacks (including signed retry).
	ErrFetchFailed = errors.New("activitypub: fetch failed")

	// ErrGone is returned when a remote resource responds with HTTP 410,
	// meaning the actor or object has been deleted.
	ErrGone = errors.New("activitypub: resource gone")
)

// ValidationError marks an activity that is structurally unusable. Such
// activities are dropped without retrying.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid activity: %s", e.Reason)
}

func invalidf(format string, args ...any) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// RejectError marks an activity rejected by policy. Rejection is final,
// never retried.
type RejectError struct {
	Policy string
	Reason string
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("rejected by %s: %s", e.Policy, e.Reason)
}

// IsReject reports whether err is a policy rejection.
func IsReject(err error) bool {
	var re *RejectError
	return errors.As(err, &re)
}

// IsInvalid reports whether err is a validation failure.
func IsInvalid(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
