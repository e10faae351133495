package repositories

import "fmt"

// CounterErrorCode enumerates failure reasons for edition counter operations.
type CounterErrorCode string

const (
	CounterErrorUnknown      CounterErrorCode = "counter_unknown"
	CounterErrorInvalidInput CounterErrorCode = "counter_invalid_input"
	// CounterErrorNotFound indicates the product has no counter document yet.
	CounterErrorNotFound CounterErrorCode = "counter_not_found"
	// CounterErrorExhausted indicates the counter reached the product's
	// edition size. Assignment must stop rather than over-allocate numbers.
	CounterErrorExhausted CounterErrorCode = "counter_exhausted"
)

// CounterError wraps counter failures with a machine readable code so the
// edition service can distinguish a sold-out product from a missing counter.
type CounterError struct {
	Op      string
	Code    CounterErrorCode
	Message string
	Err     error
}

// NewCounterError constructs a typed counter error. The code doubles as the
// message when none is given.
func NewCounterError(code CounterErrorCode, message string, err error) *CounterError {
	if message == "" {
		message = string(code)
	}
	return &CounterError{Code: code, Message: message, Err: err}
}

// Error implements the error interface.
func (e *CounterError) Error() string {
	switch {
	case e == nil:
		return ""
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	default:
		return e.Message
	}
}

// Unwrap exposes the underlying error, if any.
func (e *CounterError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}
