package serverlist

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/tempestkv/tempest-coordinator/common/cluster"
	"github.com/tempestkv/tempest-coordinator/common/wire"
	"github.com/tempestkv/tempest-coordinator/contrib/goreplog"
)

type sentUpdate struct {
	locator string
	list    *wire.ServerList
}

type fakeSender struct {
	mu      sync.Mutex
	sent    []sentUpdate
	respond func(locator string, list *wire.ServerList) error
}

func (f *fakeSender) UpdateServerList(ctx context.Context, locator string, list *wire.ServerList) error {
	f.mu.Lock()
	f.sent = append(f.sent, sentUpdate{locator: locator, list: list})
	respond := f.respond
	f.mu.Unlock()

	if respond != nil {
		return respond(locator, list)
	}
	return nil
}

func (f *fakeSender) calls() []sentUpdate {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentUpdate(nil), f.sent...)
}

func (f *fakeSender) setRespond(respond func(locator string, list *wire.ServerList) error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.respond = respond
}

type fakeRecoveryManager struct {
	mu        sync.Mutex
	recovered []Entry
}

func (f *fakeRecoveryManager) StartMasterRecovery(entry Entry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recovered = append(f.recovered, entry)
}

func (f *fakeRecoveryManager) calls() []Entry {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Entry(nil), f.recovered...)
}

type testFixture struct {
	list     *List
	log      *goreplog.InProcLog
	sender   *fakeSender
	recovery *fakeRecoveryManager
}

func newTestList(t *testing.T) *testFixture {
	log := goreplog.NewInProcLog()
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

	return &testFixture{
		list:     list,
		log:      log,
		sender:   sender,
		recovery: recovery,
	}
}

// newHaltedList builds a list with the dissemination loop stopped so
// tests can inspect buffered batches without racing the updater.
func newHaltedList(t *testing.T) *testFixture {
	f := newTestList(t)
	f.list.HaltUpdater()
	return f
}

func mustEnlist(t *testing.T, l *List, replaces cluster.ServerId, services cluster.ServiceMask, readSpeed uint32, locator string) cluster.ServerId {
	t.Helper()

	serverId, err := l.EnlistServer(context.Background(), replaces, services, readSpeed, locator)
	require.NoError(t, err)
	return serverId
}

// publishedRows concatenates the rows of every buffered batch in
// publication order. Only meaningful on a halted list, where nothing gets
// pruned.
func publishedRows(l *List) []*wire.ServerListEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	var rows []*wire.ServerListEntry
	for _, batch := range l.updates {
		rows = append(rows, batch.incremental.Servers...)
	}
	return rows
}

func batchVersions(l *List) []uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	var versions []uint64
	for _, batch := range l.updates {
		versions = append(versions, batch.version)
	}
	return versions
}

func verifiedVersionOf(l *List, serverId cluster.ServerId) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry := l.getEntryLocked(serverId)
	if entry == nil {
		return UninitializedVersion
	}
	return entry.verifiedVersion
}

func syncWithTimeout(t *testing.T, l *List) {
	t.Helper()

	done := make(chan struct{})
	go func() {
		l.Sync()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("sync did not complete in time")
	}
}

var (
	masterMembership = cluster.NewServiceMask(cluster.MasterService, cluster.MembershipService)
	backupOnly       = cluster.NewServiceMask(cluster.BackupService)
)
