package eventstore

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrStreamDeleted rejects appends to a soft-deleted stream. The stream
// must be hard-deleted before its id can be written again.
var ErrStreamDeleted = errors.New("eventstore: stream is soft-deleted")

// ConcurrencyError reports an optimistic concurrency failure on append.
// The caller decides whether to rebase and retry or fail the command.
type ConcurrencyError struct {
	StreamID uuid.UUID
	Expected int64
	Actual   int64
}

func (e *ConcurrencyError) Error() string {
	return fmt.Sprintf("eventstore: concurrency conflict on stream %s: expected version %d, actual %d",
		e.StreamID, e.Expected, e.Actual)
}
