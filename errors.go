package sqlbus

import (
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// ErrOneWayTransport is returned by Receive on a transport that was
// configured without an input queue.
var ErrOneWayTransport = errors.New("transport is send-only: no input queue is configured")

// ConcurrencyError reports that an optimistic-concurrency check failed:
// someone else inserted, updated or deleted the row first. Callers are
// expected to reload and retry rather than treat this as a hard failure.
type ConcurrencyError struct {
	Op    string
	Table string
	Id    string
	Err   error
}

func (e *ConcurrencyError) Error() string {
	msg := fmt.Sprintf("%s of %s in table %s did not succeed because someone else beat us to it", e.Op, e.Id, e.Table)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConcurrencyError) Unwrap() error { return e.Err }

// NotFoundError reports that no row exists for the requested id. It is a
// distinguished error, not an empty result, because callers need to tell
// "no data" apart from a failed lookup.
type NotFoundError struct {
	Table string
	Id    string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no row with id %s in table %s", e.Id, e.Table)
}

const pqUniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && string(pqErr.Code) == pqUniqueViolation
}
