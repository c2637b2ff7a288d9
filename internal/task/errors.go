package task

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidInput marks a missing or unreadable input file or malformed settings.
	ErrInvalidInput = errors.New("invalid input")
	// ErrTaskTimeout marks a task that exceeded its wall-clock budget.
	ErrTaskTimeout = errors.New("task timeout")
	// ErrWorkerFault marks a crashed or errored worker.
	ErrWorkerFault = errors.New("worker fault")
	// ErrPoolShutdown is returned to queued and future tasks once shutdown begins.
	ErrPoolShutdown = errors.New("worker pool shutting down")
	// ErrStorage wraps failures of the persistence layer.
	ErrStorage = errors.New("storage error")
)

// Invalid returns an ErrInvalidInput with a formatted message.
func Invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

// FailedError is a task failure reported by a worker.
type FailedError struct {
	Message string
	Cause   string
}

func (e *FailedError) Error() string {
	if e.Cause != "" && e.Cause != e.Message {
		return fmt.Sprintf("%s: %s", e.Message, e.Cause)
	}
	return e.Message
}

// Storage wraps err as an ErrStorage.
func Storage(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", ErrStorage, op, err)
}
