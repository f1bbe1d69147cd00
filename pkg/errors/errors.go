package errors

import "errors"

// Sentinels for domain errors.
var (
	ErrNotFound    = errors.New("not found")
	ErrConflict    = errors.New("conflict")
	ErrValidation  = errors.New("validation error")
	ErrUnavailable = errors.New("service unavailable")

	// Connection-level failures of the control-plane session.
	ErrConnectionTimeout     = errors.New("connection timeout")
	ErrConnectionFailed      = errors.New("connection failed")
	ErrConnectionUnavailable = errors.New("connection unavailable")

	// Attempt-level failures recovered by the fallback orchestrator.
	ErrCapacityExceeded   = errors.New("capacity exceeded")
	ErrOriginationTimeout = errors.New("origination timeout")
)

// Is reports whether err is one of the sentinels.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// Wrap adds context to an error.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return errors.Join(errors.New(message), err)
}
