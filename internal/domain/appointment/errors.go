package appointment

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound means the appointment id does not exist.
	ErrNotFound = errors.New("appointment not found")

	// ErrConflict means the stored status changed since the caller read the
	// appointment. Callers should re-fetch and retry; the service never
	// retries automatically.
	ErrConflict = errors.New("appointment was modified concurrently")

	// ErrForbidden means the actor's role does not permit the operation.
	ErrForbidden = errors.New("operation not permitted for this role")
)

// InvalidTransitionError rejects a transition not permitted from the current
// status, or an actor lacking permission for it. It is never auto-corrected.
type InvalidTransitionError struct {
	From Status
	To   Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition from %s to %s", e.From, e.To)
}

// ValidationError reports malformed input, caught before any store mutation.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

func validationErrorf(format string, args ...interface{}) error {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// ExternalServiceError wraps a failure of the store or user directory.
type ExternalServiceError struct {
	Service string
	Err     error
}

func (e *ExternalServiceError) Error() string {
	return fmt.Sprintf("%s unavailable: %v", e.Service, e.Err)
}

func (e *ExternalServiceError) Unwrap() error { return e.Err }

// storeErr classifies a repository error: typed domain errors pass through,
// anything else is an external service failure.
func storeErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflict) {
		return err
	}
	var ive *InvalidTransitionError
	var ve *ValidationError
	if errors.As(err, &ive) || errors.As(err, &ve) {
		return err
	}
	return &ExternalServiceError{Service: "appointment store", Err: err}
}
