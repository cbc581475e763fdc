package storage

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates QueryFirst matched no row.
	ErrNotFound = errors.New("storage: not found")

	// ErrUniqueViolation indicates an insert collided with a unique
	// constraint. The event store maps it to a concurrency conflict.
	ErrUniqueViolation = errors.New("storage: unique constraint violation")

	// ErrInvalidArgument indicates a programming error in the call,
	// such as an empty batch where one is required. Never retried.
	ErrInvalidArgument = errors.New("storage: invalid argument")

	// ErrClosedUnitOfWork indicates use of a unit of work after
	// Commit or Rollback.
	ErrClosedUnitOfWork = errors.New("storage: unit of work already closed")
)

// RepositoryError wraps transient engine failures (connection loss,
// deadlock, malformed filter) with the operation that hit them.
type RepositoryError struct {
	Op  string
	Err error
}

func (e *RepositoryError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *RepositoryError) Unwrap() error { return e.Err }
