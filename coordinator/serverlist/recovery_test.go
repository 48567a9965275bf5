package serverlist

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/tempestkv/tempest-coordinator/common/cluster"
	"github.com/tempestkv/tempest-coordinator/common/wire"
	"github.com/tempestkv/tempest-coordinator/contrib/goreplog"
)

// newRecoveredList replays the given log into a fresh halted list, the
// way a restarted coordinator would.
func newRecoveredList(t *testing.T, log *goreplog.InProcLog) *testFixture {
	t.Helper()

	sender := &fakeSender{}
	recovery := &fakeRecoveryManager{}
	list, err := NewList(ListOptions{
		Logger:          zaptest.NewLogger(t),
		Log:             log,
		UpdateSender:    sender,
		RecoveryManager: recovery,
	})
	require.NoError(t, err)
	t.Cleanup(list.HaltUpdater)
	list.HaltUpdater()

	require.NoError(t, list.Recover(context.Background()))

	return &testFixture{
		list:     list,
		log:      log,
		sender:   sender,
		recovery: recovery,
	}
}

func TestRecoveryRebuildsMembership(t *testing.T) {
	f := newHaltedList(t)
	ctx := context.Background()

	m1 := mustEnlist(t, f.list, 0, masterMembership, 0, "m1:18071")
	b1 := mustEnlist(t, f.list, 0, backupOnly, 120, "b1:18072")
	b2 := mustEnlist(t, f.list, 0, backupOnly, 130, "b2:18072")
	require.NoError(t, f.list.SetMasterRecoveryInfo(ctx, m1, []byte("open-replicas")))

	r := newRecoveredList(t, f.log)

	assert.Equal(t, uint32(1), r.list.MasterCount())
	assert.Equal(t, uint32(2), r.list.BackupCount())

	for _, id := range []cluster.ServerId{m1, b1, b2} {
		want, err := f.list.GetEntry(id)
		require.NoError(t, err)
		got, err := r.list.GetEntry(id)
		require.NoError(t, err)

		assert.Equal(t, want.ServerId, got.ServerId)
		assert.Equal(t, want.ServiceLocator, got.ServiceLocator)
		assert.Equal(t, want.Services, got.Services)
		assert.Equal(t, want.Status, got.Status)
		assert.Equal(t, want.ExpectedReadMBytesPerSec, got.ExpectedReadMBytesPerSec)
	}

	recovered, err := r.list.GetEntry(m1)
	require.NoError(t, err)
	assert.Equal(t, []byte("open-replicas"), recovered.MasterRecoveryInfo)

	// Replaying completed enlistments publishes nothing by default.
	assert.Equal(t, uint64(0), r.list.Version())
	assert.Empty(t, publishedRows(r.list))

	// Slot generations are restored, so a post-recovery replacement gets
	// a fresh generation.
	require.NoError(t, r.list.ServerDown(ctx, b1))
	b1r := mustEnlist(t, r.list, 0, backupOnly, 120, "b1:18072")
	assert.Equal(t, b1.Index(), b1r.Index())
	assert.Equal(t, b1.Generation()+1, b1r.Generation())
}

func TestRecoveryRestoresLogIdsForLaterInvalidation(t *testing.T) {
	f := newHaltedList(t)
	ctx := context.Background()

	b1 := mustEnlist(t, f.list, 0, backupOnly, 120, "b1:18072")

	r := newRecoveredList(t, f.log)

	// A server-down on the recovered list must be able to invalidate the
	// server's durable records, leaving the log empty.
	require.NoError(t, r.list.ServerDown(ctx, b1))

	remaining, err := f.log.ReadAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, remaining)
}

func TestRecoveryCompletesInFlightEnlistment(t *testing.T) {
	ctx := context.Background()
	log := goreplog.NewInProcLog()

	// Simulate a coordinator that crashed after durably opening an
	// enlistment but before completing it.
	serverId := cluster.NewServerId(1, 0)
	record := &wire.ServerInformation{
		EntryType:      wire.RecordServerEnlisting,
		ServerId:       uint64(serverId),
		ServiceMask:    backupOnly.Serialize(),
		ReadSpeed:      140,
		ServiceLocator: "b1:18072",
	}
	data, err := record.MarshalBinary()
	require.NoError(t, err)
	_, err = log.Append(ctx, data, nil)
	require.NoError(t, err)

	r := newRecoveredList(t, log)

	entry, err := r.list.GetEntry(serverId)
	require.NoError(t, err)
	assert.Equal(t, cluster.StatusUp, entry.Status)
	assert.Equal(t, uint32(140), entry.ExpectedReadMBytesPerSec)

	// Completing the enlistment re-publishes and supersedes the
	// ServerEnlisting record.
	assert.Equal(t, uint64(1), r.list.Version())

	records, err := log.ReadAll(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	recordType, err := wire.RecordType(records[0].Data)
	require.NoError(t, err)
	assert.Equal(t, wire.RecordServerEnlisted, recordType)
}

func TestRecoveryCompletesInFlightServerDown(t *testing.T) {
	f := newHaltedList(t)
	ctx := context.Background()

	b1 := mustEnlist(t, f.list, 0, backupOnly, 120, "b1:18072")

	// Simulate a crash between appending ServerDown and completing it:
	// append the record to a replayed copy of the log by hand.
	downRecord := &wire.ServerDownRecord{
		EntryType: wire.RecordServerDown,
		ServerId:  uint64(b1),
	}
	data, err := downRecord.MarshalBinary()
	require.NoError(t, err)
	_, err = f.log.Append(ctx, data, nil)
	require.NoError(t, err)

	r := newRecoveredList(t, f.log)

	_, err = r.list.GetEntry(b1)
	assert.ErrorIs(t, err, ErrServerNotFound)

	remaining, err := f.log.ReadAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, remaining)
}

func TestRecoverEnlistedCanRepublishWhenConfigured(t *testing.T) {
	f := newHaltedList(t)
	mustEnlist(t, f.list, 0, backupOnly, 120, "b1:18072")

	list, err := NewList(ListOptions{
		Logger:                   zaptest.NewLogger(t),
		Log:                      f.log,
		UpdateSender:             &fakeSender{},
		PublishOnRecoverEnlisted: true,
	})
	require.NoError(t, err)
	t.Cleanup(list.HaltUpdater)
	list.HaltUpdater()

	require.NoError(t, list.Recover(context.Background()))

	assert.Equal(t, uint64(1), list.Version())
	assert.NotEmpty(t, publishedRows(list))
}

func TestRecoverMasterRecoveryInfoForUnknownServer(t *testing.T) {
	ctx := context.Background()
	log := goreplog.NewInProcLog()

	record := &wire.ServerUpdateRecord{
		EntryType:          wire.RecordServerUpdate,
		ServerId:           uint64(cluster.NewServerId(4, 2)),
		MasterRecoveryInfo: []byte("stale"),
	}
	data, err := record.MarshalBinary()
	require.NoError(t, err)
	entryId, err := log.Append(ctx, data, nil)
	require.NoError(t, err)

	sender := &fakeSender{}
	list, err := NewList(ListOptions{
		Logger:       zaptest.NewLogger(t),
		Log:          log,
		UpdateSender: sender,
	})
	require.NoError(t, err)
	t.Cleanup(list.HaltUpdater)
	list.HaltUpdater()

	var update wire.ServerUpdateRecord
	require.NoError(t, update.UnmarshalBinary(data))
	err = list.RecoverMasterRecoveryInfo(ctx, &update, entryId)
	assert.ErrorIs(t, err, ErrServerNotFound)

	// The orphaned record is invalidated rather than replayed forever.
	remaining, err := log.ReadAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, remaining)
}
