package etcdreplog

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tempestkv/tempest-coordinator/contrib/goreplog"
	"github.com/tempestkv/tempest-coordinator/testutils"
)

func makeTestLog(t *testing.T) *Log {
	etcdClient := testutils.GetTestEtcdClient(t)

	log, err := NewLog(LogOptions{
		EtcdClient: etcdClient,
		KeyPrefix:  testutils.GenTestPrefix(),
	})
	require.NoError(t, err)

	return log
}

func TestEtcdLogAppendReadInvalidate(t *testing.T) {
	ctx := context.Background()
	log := makeTestLog(t)

	id1, err := log.Append(ctx, []byte("opening"), nil)
	require.NoError(t, err)
	assert.Equal(t, goreplog.EntryId(1), id1)

	data, err := log.Read(ctx, id1)
	require.NoError(t, err)
	assert.Equal(t, []byte("opening"), data)

	// Appending with an invalidation is atomic: the superseded record is
	// gone as soon as the new one is readable.
	id2, err := log.Append(ctx, []byte("superseding"), []goreplog.EntryId{id1})
	require.NoError(t, err)
	assert.Greater(t, id2, id1)

	_, err = log.Read(ctx, id1)
	assert.ErrorIs(t, err, goreplog.ErrEntryNotFound)

	require.NoError(t, log.Invalidate(ctx, []goreplog.EntryId{id2, 0}))

	entries, err := log.ReadAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestEtcdLogReadAllKeepsAppendOrder(t *testing.T) {
	ctx := context.Background()
	log := makeTestLog(t)

	var ids []goreplog.EntryId
	for _, payload := range []string{"a", "b", "c"} {
		id, err := log.Append(ctx, []byte(payload), nil)
		require.NoError(t, err)
		ids = append(ids, id)
	}

	entries, err := log.ReadAll(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for i, entry := range entries {
		assert.Equal(t, ids[i], entry.Id)
	}
}

func TestEtcdLogIdsSurviveInvalidation(t *testing.T) {
	ctx := context.Background()
	log := makeTestLog(t)

	id1, err := log.Append(ctx, []byte("a"), nil)
	require.NoError(t, err)
	require.NoError(t, log.Invalidate(ctx, []goreplog.EntryId{id1}))

	// The id counter is independent of the live records, so ids are never
	// reused even after everything is invalidated.
	id2, err := log.Append(ctx, []byte("b"), nil)
	require.NoError(t, err)
	assert.Greater(t, id2, id1)
}
