package executor

import (
	"errors"
	"fmt"
	"time"
)

// TimeoutError represents a suite run that hit its wall-clock bound. The run
// still reaches a terminal state and its output is still collected.
type TimeoutError struct {
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("suite timed out after %v", e.Timeout)
}

// NewTimeoutError creates a new TimeoutError
func NewTimeoutError(timeout time.Duration) *TimeoutError {
	return &TimeoutError{Timeout: timeout}
}

// IsTimeoutError checks if the error is or wraps a TimeoutError
func IsTimeoutError(err error) bool {
	var timeoutErr *TimeoutError
	return err != nil && errors.As(err, &timeoutErr)
}
