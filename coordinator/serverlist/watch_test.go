package serverlist

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tempestkv/tempest-coordinator/common/wire"
)

func recvSnapshot(t *testing.T, ch <-chan *wire.ServerList) *wire.ServerList {
	t.Helper()

	select {
	case snap, ok := <-ch:
		require.True(t, ok, "watch channel closed unexpectedly")
		return snap
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a snapshot")
		return nil
	}
}

func TestWatchDeliversSnapshots(t *testing.T) {
	f := newHaltedList(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	watchCh := f.list.Watch(ctx)

	snap := recvSnapshot(t, watchCh)
	assert.Empty(t, snap.Servers)

	b1 := mustEnlist(t, f.list, 0, backupOnly, 100, "b1:18072")

	// Consumers that keep up see a snapshot containing the new server;
	// slow consumers would only miss intermediate states, never the
	// newest one.
	var latest *wire.ServerList
	require.Eventually(t, func() bool {
		select {
		case snap := <-watchCh:
			latest = snap
		default:
		}
		return latest != nil && len(latest.Servers) == 1
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, uint64(b1), latest.Servers[0].ServerId)
}

func TestWatchClosesOnCancel(t *testing.T) {
	f := newHaltedList(t)

	ctx, cancel := context.WithCancel(context.Background())
	watchCh := f.list.Watch(ctx)
	recvSnapshot(t, watchCh)

	cancel()

	require.Eventually(t, func() bool {
		select {
		case _, ok := <-watchCh:
			return !ok
		default:
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)

	// Mutations after the watch ended must not touch the closed channel.
	mustEnlist(t, f.list, 0, backupOnly, 100, "b1:18072")
}
