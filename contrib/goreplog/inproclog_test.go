package goreplog

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInProcLogAppendRead(t *testing.T) {
	ctx := context.Background()
	log := NewInProcLog()

	id1, err := log.Append(ctx, []byte("one"), nil)
	require.NoError(t, err)
	id2, err := log.Append(ctx, []byte("two"), nil)
	require.NoError(t, err)
	assert.Greater(t, id2, id1)

	data, err := log.Read(ctx, id1)
	require.NoError(t, err)
	assert.Equal(t, []byte("one"), data)

	_, err = log.Read(ctx, EntryId(99))
	assert.ErrorIs(t, err, ErrEntryNotFound)
}

func TestInProcLogAppendInvalidates(t *testing.T) {
	ctx := context.Background()
	log := NewInProcLog()

	id1, err := log.Append(ctx, []byte("opening"), nil)
	require.NoError(t, err)

	id2, err := log.Append(ctx, []byte("superseding"), []EntryId{id1})
	require.NoError(t, err)

	_, err = log.Read(ctx, id1)
	assert.ErrorIs(t, err, ErrEntryNotFound)

	entries, err := log.ReadAll(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, id2, entries[0].Id)
}

func TestInProcLogReadAllKeepsAppendOrder(t *testing.T) {
	ctx := context.Background()
	log := NewInProcLog()

	var ids []EntryId
	for _, payload := range []string{"a", "b", "c", "d"} {
		id, err := log.Append(ctx, []byte(payload), nil)
		require.NoError(t, err)
		ids = append(ids, id)
	}

	require.NoError(t, log.Invalidate(ctx, []EntryId{ids[1], 0}))

	entries, err := log.ReadAll(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, ids[0], entries[0].Id)
	assert.Equal(t, ids[2], entries[1].Id)
	assert.Equal(t, ids[3], entries[2].Id)
}

func TestInProcLogIdsNeverReused(t *testing.T) {
	ctx := context.Background()
	log := NewInProcLog()

	id1, err := log.Append(ctx, []byte("a"), nil)
	require.NoError(t, err)
	require.NoError(t, log.Invalidate(ctx, []EntryId{id1}))

	id2, err := log.Append(ctx, []byte("b"), nil)
	require.NoError(t, err)
	assert.Greater(t, id2, id1)
}
