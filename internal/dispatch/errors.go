package dispatch

import "errors"

var (
	// ErrUnknownTask is returned when no handler is registered for a task name
	ErrUnknownTask = errors.New("no handler registered for task")

	// ErrUnknownQueue is returned when a task names a queue outside the topology
	ErrUnknownQueue = errors.New("unknown queue")

	// ErrInvalidPayload is returned when a task envelope cannot be decoded.
	// Not retryable: redelivery would fail the same way.
	ErrInvalidPayload = errors.New("invalid task payload")

	// ErrMaxRetriesExceeded marks a task that exhausted its retry budget
	ErrMaxRetriesExceeded = errors.New("max retries exceeded")
)

// RetryableError wraps transient handler failures that should be retried
// with backoff
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return "retryable error: " + e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError creates a new retryable error
func NewRetryableError(err error) error {
	return &RetryableError{Err: err}
}

// PermanentError wraps failures where retrying cannot help (missing input,
// validation). They skip the backoff cycle and go straight to quarantine.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return "permanent error: " + e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// NewPermanentError creates a new permanent error
func NewPermanentError(err error) error {
	return &PermanentError{Err: err}
}

// Retryable classifies a handler failure. Unknown errors default to
// retryable: transient infrastructure faults are the common case and the
// retry budget bounds the damage of a wrong guess.
func Retryable(err error) bool {
	var permanent *PermanentError
	if errors.As(err, &permanent) {
		return false
	}
	if errors.Is(err, ErrInvalidPayload) || errors.Is(err, ErrUnknownTask) {
		return false
	}
	return true
}
