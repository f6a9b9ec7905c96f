package jobqueue

import (
	"errors"
	"time"
)

// RetryError asks the manager to reschedule the job after Delay instead of
// failing it.
type RetryError struct {
	Err   error
	Delay time.Duration
}

func (e *RetryError) Error() string {
	if e.Err == nil {
		return "retry requested"
	}
	return e.Err.Error()
}

func (e *RetryError) Unwrap() error { return e.Err }

// Retry wraps err so the handler's job is rescheduled after delay.
func Retry(err error, delay time.Duration) error {
	return &RetryError{Err: err, Delay: delay}
}

// AsRetry reports whether err requests a retry and returns the delay.
func AsRetry(err error) (time.Duration, bool) {
	var retry *RetryError
	if errors.As(err, &retry) {
		return retry.Delay, true
	}
	return 0, false
}
