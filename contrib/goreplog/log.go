// Package goreplog defines the replicated-log abstraction the coordinator
// durably records membership transitions in. The log is linearizable and
// append-only; every record is identified by a monotonically increasing
// entry id, and records can be invalidated (removed from future reads) in
// batches, typically in the same operation that appends the record
// superseding them.
package goreplog

import (
	"context"
	"errors"
)

// EntryId identifies one record in the log. Id 0 is never assigned and
// means "no entry".
type EntryId uint64

type Entry struct {
	Id   EntryId
	Data []byte
}

var ErrEntryNotFound = errors.New("log entry not found")

type Log interface {
	// Append writes a new record and atomically invalidates the given
	// prior entries. Returns the id assigned to the new record.
	Append(ctx context.Context, data []byte, invalidates []EntryId) (EntryId, error)

	// Read returns the record with the given id, or ErrEntryNotFound if it
	// was never appended or has been invalidated.
	Read(ctx context.Context, id EntryId) ([]byte, error)

	// ReadAll returns every live record in append order.
	ReadAll(ctx context.Context) ([]Entry, error)

	// Invalidate removes the given records in one batch. Ids that are 0 or
	// already invalidated are ignored.
	Invalidate(ctx context.Context, ids []EntryId) error
}
