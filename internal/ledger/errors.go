package ledger

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a key or version does not exist.
	ErrNotFound = errors.New("ledger: not found")
	// ErrConflict is returned when a compare-and-swap expectation is stale.
	ErrConflict = errors.New("ledger: version conflict")
)

// ConflictError describes a stale expectation.
type ConflictError struct {
	Key      EntityKey
	Expected int64
	Actual   int64
	Reason   string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("version conflict on %s: expected %d, found %d (%s)", e.Key, e.Expected, e.Actual, e.Reason)
}

func (e *ConflictError) Unwrap() error {
	return ErrConflict
}
