package notifications

import "errors"

// Delivery errors.
var (
	ErrSenderDisabled = errors.New("sender is disabled or not configured")
	ErrNoSender       = errors.New("no sender for channel")
)

// RetryableError wraps an error and marks it as retryable or not.
type RetryableError struct {
	Err       error
	Retryable bool
}

func (e *RetryableError) Error() string {
	return e.Err.Error()
}

// IsRetryable returns whether the error is retryable.
func (e *RetryableError) IsRetryable() bool {
	return e.Retryable
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError creates a retryable error.
func NewRetryableError(err error) *RetryableError {
	return &RetryableError{Err: err, Retryable: true}
}

// NewNonRetryableError creates a non-retryable error.
func NewNonRetryableError(err error) *RetryableError {
	return &RetryableError{Err: err, Retryable: false}
}

// isRetryable checks if an error is retryable. Errors that do not classify
// themselves are retried.
func isRetryable(err error) bool {
	type retryable interface {
		IsRetryable() bool
	}
	var r retryable
	if errors.As(err, &r) {
		return r.IsRetryable()
	}
	if errors.Is(err, ErrSenderDisabled) || errors.Is(err, ErrNoSender) {
		return false
	}
	return true
}
