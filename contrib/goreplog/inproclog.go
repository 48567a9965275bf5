package goreplog

import (
	"context"
	"slices"
	"sync"
)

// InProcLog is an in-process Log used by tests and single-node development
// mode. It provides the same interface contract as a real replicated log
// but offers no durability.
type InProcLog struct {
	lock    sync.Mutex
	nextId  EntryId
	entries []Entry
}

var _ Log = (*InProcLog)(nil)

func NewInProcLog() *InProcLog {
	return &InProcLog{
		nextId: 1,
	}
}

func (l *InProcLog) Append(ctx context.Context, data []byte, invalidates []EntryId) (EntryId, error) {
	l.lock.Lock()
	defer l.lock.Unlock()

	l.invalidateLocked(invalidates)

	id := l.nextId
	l.nextId++
	l.entries = append(l.entries, Entry{
		Id:   id,
		Data: slices.Clone(data),
	})

	return id, nil
}

func (l *InProcLog) Read(ctx context.Context, id EntryId) ([]byte, error) {
	l.lock.Lock()
	defer l.lock.Unlock()

	for _, entry := range l.entries {
		if entry.Id == id {
			return slices.Clone(entry.Data), nil
		}
	}

	return nil, ErrEntryNotFound
}

func (l *InProcLog) ReadAll(ctx context.Context) ([]Entry, error) {
	l.lock.Lock()
	defer l.lock.Unlock()

	out := make([]Entry, 0, len(l.entries))
	for _, entry := range l.entries {
		out = append(out, Entry{
			Id:   entry.Id,
			Data: slices.Clone(entry.Data),
		})
	}

	return out, nil
}

func (l *InProcLog) Invalidate(ctx context.Context, ids []EntryId) error {
	l.lock.Lock()
	defer l.lock.Unlock()

	l.invalidateLocked(ids)
	return nil
}

func (l *InProcLog) invalidateLocked(ids []EntryId) {
	if len(ids) == 0 {
		return
	}

	l.entries = slices.DeleteFunc(l.entries, func(e Entry) bool {
		return slices.Contains(ids, e.Id)
	})
}
