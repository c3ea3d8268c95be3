package dispatch

import "fmt"

type ErrorCode string

const (
	ErrorMalformedMessage ErrorCode = "MALFORMED_MESSAGE"
	ErrorRateLimited      ErrorCode = "RATE_LIMITED"
	ErrorUpstream         ErrorCode = "UPSTREAM_ERROR"
	ErrorTransport        ErrorCode = "TRANSPORT_ERROR"
	ErrorInternal         ErrorCode = "INTERNAL_ERROR"
)

// Error carries the failure class, the user the message belonged to, and a
// short machine-readable reason, so every drop can be logged with enough
// context to trace it.
type Error struct {
	Code   ErrorCode
	UserID string
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("dispatch: %s (%s) user=%s", e.Code, e.Reason, e.UserID)
	}
	return fmt.Sprintf("dispatch: %s (%s) user=%s: %v", e.Code, e.Reason, e.UserID, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func newError(code ErrorCode, reason, userID string, err error) *Error {
	return &Error{Code: code, UserID: userID, Reason: reason, Err: err}
}
