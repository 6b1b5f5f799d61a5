package target

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a previously mapped book no longer
// exists on the service, for example after the remote entry was merged
// or deleted.
var ErrNotFound = errors.New("book not found on target service")

// AuthError reports that a service rejected our credentials. It is not
// retryable within a run: the whole service is skipped and the failure
// surfaced prominently, since the operator has to refresh a token or
// password.
type AuthError struct {
	// Service is the name of the service that rejected us.
	Service string
	// Err is the underlying failure, if available.
	Err error
}

// Error implements the error interface.
func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("authentication failed for %s: %v", e.Service, e.Err)
	}
	return fmt.Sprintf("authentication failed for %s", e.Service)
}

// Unwrap returns the underlying error.
func (e *AuthError) Unwrap() error {
	return e.Err
}

// TransientError reports a failure that is expected to heal on its own:
// timeouts, connection resets, 5xx responses, exhausted retry budgets.
// It is isolated to the one (book, service) pair it occurred on and
// retried naturally on the next scheduled run.
type TransientError struct {
	// Op names the operation that failed.
	Op string
	// Err is the underlying failure.
	Err error
}

// Error implements the error interface.
func (e *TransientError) Error() string {
	return fmt.Sprintf("transient failure in %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *TransientError) Unwrap() error {
	return e.Err
}

// IsAuthError reports whether err is, or wraps, an AuthError.
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

// IsTransient reports whether err is, or wraps, a TransientError.
func IsTransient(err error) bool {
	var transientErr *TransientError
	return errors.As(err, &transientErr)
}
