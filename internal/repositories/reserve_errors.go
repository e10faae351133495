package repositories

import "fmt"

// ReserveErrorCode enumerates repository error causes for reserve operations.
type ReserveErrorCode string

const (
	// ReserveErrorUnknown represents an unspecified failure.
	ReserveErrorUnknown ReserveErrorCode = "reserve_unknown"
	// ReserveErrorNotFound indicates the reserve record is missing.
	ReserveErrorNotFound ReserveErrorCode = "reserve_not_found"
	// ReserveErrorAlreadyFulfilled indicates the product already has a fulfilled reserve.
	ReserveErrorAlreadyFulfilled ReserveErrorCode = "reserve_already_fulfilled"
	// ReserveErrorInvalidState indicates the reserve status forbids the transition.
	ReserveErrorInvalidState ReserveErrorCode = "reserve_invalid_state"
)

// ReserveError wraps reserve-specific failures with machine readable codes.
type ReserveError struct {
	Op      string
	Code    ReserveErrorCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *ReserveError) Error() string {
	if e == nil {
		return ""
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	return e.Message
}

// Unwrap exposes the underlying error, if any.
func (e *ReserveError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewReserveError constructs a typed reserve error.
func NewReserveError(code ReserveErrorCode, message string, err error) *ReserveError {
	if message == "" {
		message = string(code)
	}
	return &ReserveError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}
