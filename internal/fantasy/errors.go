package fantasy

import (
	"errors"
	"fmt"
)

// AuthError means the session token was rejected (401/403).
// It is fatal for a watcher: retrying won't help until the operator
// provides a fresh token.
type AuthError struct {
	StatusCode int
	Body       string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("fantasy api auth failed (%d): %s", e.StatusCode, e.Body)
}

// TransientError covers timeouts, 5xx and 429 responses. The client retries
// these internally; if the retry budget is exhausted, the final TransientError
// surfaces to the caller.
type TransientError struct {
	StatusCode int // 0 for network errors
	Err        error
}

func (e *TransientError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fantasy api transient error (http %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("fantasy api transient error: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsAuthError reports whether err (or anything it wraps) is an AuthError.
func IsAuthError(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// IsTransient reports whether err (or anything it wraps) is a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
