package storage

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrDuplicate is returned when an insert collides with an existing key,
// e.g. publishing a (tool, version) that already exists.
var ErrDuplicate = errors.New("storage: duplicate")

// PersistenceError wraps a failed write with the operation that failed.
// ErrNotFound and ErrDuplicate are returned bare so callers can branch on them.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func persistErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &PersistenceError{Op: op, Err: err}
}
