package triage

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned for unknown event ids and absent policy keys.
	ErrNotFound = errors.New("not found")

	// ErrInvalidInput marks malformed events and empty policy keys.
	ErrInvalidInput = errors.New("invalid input")

	// ErrSinkDelivery marks an alert the sink failed to deliver.
	ErrSinkDelivery = errors.New("alert delivery failed")

	// ErrQueueFull is returned when the event queue cannot accept more events.
	ErrQueueFull = errors.New("event queue full")

	// ErrUnknownOperation is returned for policy operations outside the PolicyOp set.
	ErrUnknownOperation = errors.New("unknown policy operation")
)

// StorageError wraps a durable I/O failure from a backend.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// NewStorageError wraps err as a StorageError for op. A nil err returns nil.
func NewStorageError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}

// IsStorageError reports whether err is, or wraps, a StorageError.
func IsStorageError(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrInvalidInput}, args...)...)
}
