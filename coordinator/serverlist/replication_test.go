package serverlist

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tempestkv/tempest-coordinator/common/cluster"
	"github.com/tempestkv/tempest-coordinator/contrib/goreplog"
)

func enlistBackups(t *testing.T, l *List, n int) []cluster.ServerId {
	t.Helper()

	var ids []cluster.ServerId
	for i := 0; i < n; i++ {
		ids = append(ids, mustEnlist(t, l, 0, backupOnly, 100,
			fmt.Sprintf("b%d:18072", i+1)))
	}
	return ids
}

func replicationIdOf(t *testing.T, l *List, serverId cluster.ServerId) uint64 {
	t.Helper()

	entry, err := l.GetEntry(serverId)
	require.NoError(t, err)
	return entry.ReplicationId
}

func TestReplicationGroupFormsAtGroupSize(t *testing.T) {
	f := newHaltedList(t)

	backups := enlistBackups(t, f.list, 3)
	for _, id := range backups {
		assert.Equal(t, uint64(1), replicationIdOf(t, f.list, id))
	}

	// A fourth backup has nobody to group with.
	b4 := mustEnlist(t, f.list, 0, backupOnly, 100, "b4:18072")
	assert.Equal(t, uint64(0), replicationIdOf(t, f.list, b4))

	// Two more complete the second group.
	b5 := mustEnlist(t, f.list, 0, backupOnly, 100, "b5:18072")
	b6 := mustEnlist(t, f.list, 0, backupOnly, 100, "b6:18072")
	for _, id := range []cluster.ServerId{b4, b5, b6} {
		assert.Equal(t, uint64(2), replicationIdOf(t, f.list, id))
	}
}

func TestReplicationIdChangesAreBroadcast(t *testing.T) {
	f := newHaltedList(t)

	enlistBackups(t, f.list, 3)

	rows := publishedRows(f.list)

	// The batch that completed the group carries a row per member with
	// the assigned id.
	var assigned int
	for _, row := range rows {
		if row.ReplicationId == 1 {
			assigned++
		}
	}
	assert.Equal(t, 3, assigned)
}

func TestServerDownDisbandsReplicationGroup(t *testing.T) {
	f := newHaltedList(t)

	backups := enlistBackups(t, f.list, 3)
	require.NoError(t, f.list.ServerDown(context.Background(), backups[0]))

	// The survivors return to the unassigned pool until enough free
	// backups exist to form a new group.
	assert.Equal(t, uint64(0), replicationIdOf(t, f.list, backups[1]))
	assert.Equal(t, uint64(0), replicationIdOf(t, f.list, backups[2]))

	// Replacements bring the pool back to group size; a new group id is
	// used, never a recycled one.
	mustEnlist(t, f.list, 0, backupOnly, 100, "b4:18072")
	assert.Equal(t, uint64(2), replicationIdOf(t, f.list, backups[1]))
	assert.Equal(t, uint64(2), replicationIdOf(t, f.list, backups[2]))
}

func TestReplicationGroupSizeIsConfigurable(t *testing.T) {
	two, err := NewList(ListOptions{
		Log:                  goreplog.NewInProcLog(),
		UpdateSender:         &fakeSender{},
		ReplicationGroupSize: 2,
	})
	require.NoError(t, err)
	two.HaltUpdater()

	b1 := mustEnlist(t, two, 0, backupOnly, 100, "b1:18072")
	assert.Equal(t, uint64(0), replicationIdOf(t, two, b1))

	b2 := mustEnlist(t, two, 0, backupOnly, 100, "b2:18072")
	assert.Equal(t, uint64(1), replicationIdOf(t, two, b1))
	assert.Equal(t, uint64(1), replicationIdOf(t, two, b2))
}
