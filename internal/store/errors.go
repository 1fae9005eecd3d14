package store

import (
	"errors"
	"fmt"
)

// Store error types for categorizing persistence failures.
var (
	// ErrNotFound indicates the requested record was not found.
	ErrNotFound = errors.New("store: not found")

	// ErrDedupConflict indicates a concurrent creation for the same dedup
	// key already succeeded. The caller retries the lookup-then-update path
	// exactly once.
	ErrDedupConflict = errors.New("store: open incident exists for dedup key")

	// ErrClosed indicates the store has been closed.
	ErrClosed = errors.New("store: closed")

	// ErrTimeout indicates an operation exceeded its bounded timeout.
	ErrTimeout = errors.New("store: operation timeout")

	// ErrInvalidData indicates invalid data was provided.
	ErrInvalidData = errors.New("store: invalid data")
)

// StoreError wraps store errors with operation context.
type StoreError struct {
	Op  string // Operation that failed (e.g. "Create", "ApplyEvidence")
	Key string // Dedup key or incident ID involved, if applicable
	Err error  // Underlying error
}

// Error returns the error message.
func (e *StoreError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("store.%s(%s): %v", e.Op, e.Key, e.Err)
	}
	return fmt.Sprintf("store.%s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *StoreError) Unwrap() error {
	return e.Err
}

// NewStoreError creates a new StoreError.
func NewStoreError(op, key string, err error) *StoreError {
	return &StoreError{Op: op, Key: key, Err: err}
}

// IsNotFound checks if the error is a not found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsDedupConflict checks if the error is a dedup key conflict.
func IsDedupConflict(err error) bool {
	return errors.Is(err, ErrDedupConflict)
}

// IsTimeout checks if the error is a timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}
