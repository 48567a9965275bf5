// Package serverlist implements the coordinator's authoritative, versioned
// membership registry. The List ingests enlist/crash/remove events on
// caller goroutines, durably records every transition in a replicated log
// before completing it, and drives a background dissemination loop that
// pushes incremental and full-list updates to every membership-subscribing
// server until the whole cluster has acknowledged the current version.
package serverlist

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/tempestkv/tempest-coordinator/common/cluster"
	"github.com/tempestkv/tempest-coordinator/common/wire"
	"github.com/tempestkv/tempest-coordinator/contrib/goreplog"
	"github.com/tempestkv/tempest-coordinator/pkg/metrics"
)

const defaultReplicationGroupSize = 3

// RecoveryManager is notified when a server leaves the cluster so that
// master recovery can be orchestrated. The hook receives a snapshot of the
// entry as it was before the crash transition; implementations decide for
// themselves whether the server actually needs recovering.
type RecoveryManager interface {
	StartMasterRecovery(entry Entry)
}

// UpdateSender delivers one server list (full or incremental) to a target
// server. Implementations return ErrServerNotUp (possibly wrapped) when
// the target rejects the update because it is no longer up.
type UpdateSender interface {
	UpdateServerList(ctx context.Context, serviceLocator string, list *wire.ServerList) error
}

type ListOptions struct {
	Logger          *zap.Logger
	Log             goreplog.Log
	UpdateSender    UpdateSender
	RecoveryManager RecoveryManager

	// ReplicationGroupSize is the number of backups per replication group;
	// 0 means the default of 3.
	ReplicationGroupSize int

	// PublishOnRecoverEnlisted controls whether replaying an already
	// completed enlistment re-publishes a cluster update. The cluster saw
	// that update before the coordinator failed, so the default is to
	// suppress it.
	PublishOnRecoverEnlisted bool
}

type slot struct {
	entry                *Entry
	nextGenerationNumber uint32
}

type scanMetadata struct {
	// searchIndex is where the last getWork scan left off, so that
	// successive calls fan out across the list round-robin.
	searchIndex int

	// minVersion accumulates the minimum verifiedVersion seen during the
	// current pass; it is committed to minConfirmedVersion each time the
	// scan wraps past index 0.
	minVersion uint64

	// noWorkFoundForEpoch remembers the version at which a full scan last
	// came up empty, so the scan can be skipped until something changes.
	noWorkFoundForEpoch uint64
}

type updateBatch struct {
	version     uint64
	incremental *wire.ServerList

	// full is materialized lazily the first time a previously-unseen
	// server needs to be bootstrapped at this version, and retained so
	// other new servers at the same version reuse it.
	full *wire.ServerList
}

// List is the coordinator server list. All public operations serialize on
// a single mutex; the dissemination loop acquires it only in getWork,
// workSuccess, workFailed, waitForWork and its per-pass stop check.
type List struct {
	logger      *zap.Logger
	dlog        *DurableLogAdapter
	sender      UpdateSender
	recoveryMgr RecoveryManager

	replicationGroupSize     int
	publishOnRecoverEnlisted bool

	mu               sync.Mutex
	hasUpdatesOrStop *sync.Cond
	listUpToDate     *sync.Cond

	slots           []slot
	numberOfMasters uint32
	numberOfBackups uint32

	version uint64
	update  wire.ServerList
	updates []*updateBatch

	minConfirmedVersion uint64
	numUpdatingServers  uint32
	lastScan            scanMetadata

	nextReplicationId uint64

	trackers []ServerTracker

	stopUpdater bool
	stopCh      chan struct{}
	updaterDone chan struct{}
	rpcDoneCh   chan struct{}
	updatesCh   chan struct{}
}

func NewList(opts ListOptions) (*List, error) {
	if opts.Log == nil {
		return nil, errNoLogConfigured
	}
	if opts.UpdateSender == nil {
		return nil, errNoSenderConfigured
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	groupSize := opts.ReplicationGroupSize
	if groupSize == 0 {
		groupSize = defaultReplicationGroupSize
	}

	l := &List{
		logger:                   logger,
		dlog:                     NewDurableLogAdapter(opts.Log),
		sender:                   opts.UpdateSender,
		recoveryMgr:              opts.RecoveryManager,
		replicationGroupSize:     groupSize,
		publishOnRecoverEnlisted: opts.PublishOnRecoverEnlisted,
		nextReplicationId:        1,
		rpcDoneCh:                make(chan struct{}, 1),
		updatesCh:                make(chan struct{}, 1),
	}
	l.hasUpdatesOrStop = sync.NewCond(&l.mu)
	l.listUpToDate = sync.NewCond(&l.mu)
	l.lastScan.minVersion = UninitializedVersion

	l.StartUpdater()

	return l, nil
}

// EnlistServer adds a new server to the cluster and returns its assigned
// id. If replacesId names a server still present in the list, that server
// is forced down first so that the published updates carry its removal
// before the replacement's addition.
func (l *List) EnlistServer(
	ctx context.Context,
	replacesId cluster.ServerId,
	services cluster.ServiceMask,
	readSpeed uint32,
	serviceLocator string,
) (cluster.ServerId, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.getEntryLocked(replacesId) != nil {
		l.logger.Info("enlisting server claims to replace a server id that is still in the "+
			"server list, taking its word for it and assuming the old server has failed",
			zap.String("serviceLocator", serviceLocator),
			zap.Stringer("replacesId", replacesId))

		err := l.serverDownLocked(ctx, replacesId)
		if err != nil {
			return cluster.InvalidServerId, err
		}
	}

	newServerId, err := l.execEnlistServer(ctx, services, readSpeed, serviceLocator)
	if err != nil {
		return cluster.InvalidServerId, err
	}

	if replacesId.Valid() {
		l.logger.Info("newly enlisted server replaces an earlier server",
			zap.Stringer("serverId", newServerId),
			zap.Stringer("replacesId", replacesId))
	}

	l.pushUpdateLocked()
	return newServerId, nil
}

// ServerDown removes a server from the cluster after it has been declared
// failed. Masters are kept in the list as CRASHED until recovery completes
// and RemoveAfterRecovery is called; other servers leave immediately.
func (l *List) ServerDown(ctx context.Context, serverId cluster.ServerId) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.serverDownLocked(ctx, serverId)
}

// RemoveAfterRecovery drops a server whose recovery has completed; the
// server must be in the list (UP or CRASHED).
func (l *List) RemoveAfterRecovery(serverId cluster.ServerId) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	err := l.removeLocked(serverId)
	if err != nil {
		return err
	}

	l.pushUpdateLocked()
	return nil
}

// SetMasterRecoveryInfo durably replaces the opaque metadata recovery will
// need to safely recover the server's log. It does not publish a cluster
// update.
func (l *List) SetMasterRecoveryInfo(ctx context.Context, serverId cluster.ServerId, recoveryInfo []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry := l.getEntryLocked(serverId)
	if entry == nil {
		return ErrServerNotFound
	}

	priorId := entry.serverUpdateLogId
	newEntryId, err := l.dlog.AppendServerUpdate(ctx, serverId, recoveryInfo, priorId)
	if err != nil {
		return err
	}

	entry.serverUpdateLogId = newEntryId
	entry.MasterRecoveryInfo = recoveryInfo
	return nil
}

// GetEntry returns a copy of the entry for the given id.
func (l *List) GetEntry(serverId cluster.ServerId) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry := l.getEntryLocked(serverId)
	if entry == nil {
		return Entry{}, ErrServerNotFound
	}

	return *entry, nil
}

// GetEntryByIndex returns a copy of the entry at the given list position.
func (l *List) GetEntryByIndex(index int) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if index < 0 || index >= len(l.slots) || l.slots[index].entry == nil {
		return Entry{}, ErrServerNotFound
	}

	return *l.slots[index].entry, nil
}

// MasterCount returns the number of up masters; crashed servers are not
// counted.
func (l *List) MasterCount() uint32 {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.numberOfMasters
}

// BackupCount returns the number of up backups; crashed servers are not
// counted.
func (l *List) BackupCount() uint32 {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.numberOfBackups
}

// Version returns the current membership version.
func (l *List) Version() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.version
}

// Serialize produces a full-list snapshot containing every server whose
// services intersect the requested mask. Entries appear in slot-index
// order; receivers apply updates positionally, so the order is part of
// the wire contract.
func (l *List) Serialize(services cluster.ServiceMask) *wire.ServerList {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.serializeLocked(services)
}

// SerializeAll is Serialize over the master and backup services.
func (l *List) SerializeAll() *wire.ServerList {
	return l.Serialize(cluster.NewServiceMask(cluster.MasterService, cluster.BackupService))
}

func (l *List) serializeLocked(services cluster.ServiceMask) *wire.ServerList {
	out := &wire.ServerList{
		VersionNumber: l.version,
		Type:          wire.TypeFullList,
	}

	for i := range l.slots {
		entry := l.slots[i].entry
		if entry == nil {
			continue
		}

		if entry.Services.Intersects(services) {
			out.Servers = append(out.Servers, entry.toWire())
		}
	}

	return out
}

func (l *List) getEntryLocked(serverId cluster.ServerId) *Entry {
	index := int(serverId.Index())
	if index < len(l.slots) && l.slots[index].entry != nil {
		entry := l.slots[index].entry
		if entry.ServerId == serverId {
			return entry
		}
	}

	return nil
}

// firstFreeIndexLocked returns the first unoccupied index, growing the
// list when it is full. Index 0 is reserved and never returned.
func (l *List) firstFreeIndexLocked() int {
	index := 1
	for ; index < len(l.slots); index++ {
		if l.slots[index].entry == nil {
			break
		}
	}

	if index >= len(l.slots) {
		l.slots = append(l.slots, make([]slot, index+1-len(l.slots))...)
	}

	return index
}

// generateUniqueIdLocked allocates a fresh server id from the first free
// slot and parks a placeholder entry there so the slot is not handed out
// again before the enlistment completes.
func (l *List) generateUniqueIdLocked() cluster.ServerId {
	index := l.firstFreeIndexLocked()

	s := &l.slots[index]
	serverId := cluster.NewServerId(uint32(index), s.nextGenerationNumber)
	s.nextGenerationNumber++
	s.entry = newEntry(serverId, "", 0)

	return serverId
}

// addLocked records a new up server and appends its ADD row to the
// pending delta. Removals and crashes of a slot's previous occupant must
// already be in the delta so receivers observe them first.
func (l *List) addLocked(
	serverId cluster.ServerId,
	serviceLocator string,
	services cluster.ServiceMask,
	readSpeed uint32,
) {
	index := int(serverId.Index())

	// During coordinator recovery the server being added may never have
	// gone through generateUniqueIdLocked on this instance, so the list
	// might not cover its index yet.
	if index >= len(l.slots) {
		l.slots = append(l.slots, make([]slot, index+1-len(l.slots))...)
	}

	s := &l.slots[index]
	s.nextGenerationNumber = serverId.Generation() + 1
	s.entry = newEntry(serverId, serviceLocator, services)

	if services.Has(cluster.MasterService) {
		l.numberOfMasters++
	}
	if services.Has(cluster.BackupService) {
		l.numberOfBackups++
		s.entry.ExpectedReadMBytesPerSec = readSpeed
	}

	l.update.Servers = append(l.update.Servers, s.entry.toWire())
	l.notifyTrackersLocked(*s.entry, ServerAdded)
}

// crashedLocked marks a server as crashed, keeping it in the list so that
// recovery can still reach its replicas. A no-op if the server is already
// crashed.
func (l *List) crashedLocked(serverId cluster.ServerId) error {
	entry := l.getEntryLocked(serverId)
	if entry == nil {
		return ErrServerNotFound
	}

	if entry.Status == cluster.StatusCrashed {
		return nil
	}

	if entry.IsMaster() {
		l.numberOfMasters--
	}
	if entry.IsBackup() {
		l.numberOfBackups--
	}

	entry.Status = cluster.StatusCrashed

	l.update.Servers = append(l.update.Servers, entry.toWire())
	l.notifyTrackersLocked(*entry, ServerCrashed)
	return nil
}

// removeLocked transitions a server out of the list entirely. The DOWN
// status exists only in the delta row published here; the slot itself is
// emptied within the same critical section.
func (l *List) removeLocked(serverId cluster.ServerId) error {
	entry := l.getEntryLocked(serverId)
	if entry == nil {
		return ErrServerNotFound
	}

	err := l.crashedLocked(serverId)
	if err != nil {
		return err
	}

	entry.Status = cluster.StatusDown
	l.update.Servers = append(l.update.Servers, entry.toWire())

	removedEntry := *entry
	l.slots[serverId.Index()].entry = nil

	l.notifyTrackersLocked(removedEntry, ServerRemoved)
	return nil
}

func (l *List) execEnlistServer(
	ctx context.Context,
	services cluster.ServiceMask,
	readSpeed uint32,
	serviceLocator string,
) (cluster.ServerId, error) {
	newServerId := l.generateUniqueIdLocked()

	entryId, err := l.dlog.AppendServerEnlisting(ctx, newServerId, services, readSpeed, serviceLocator)
	if err != nil {
		return cluster.InvalidServerId, err
	}

	l.slots[newServerId.Index()].entry.serverInfoLogId = entryId
	l.logger.Debug("appended ServerEnlisting record",
		zap.Stringer("serverId", newServerId),
		zap.Uint64("entryId", uint64(entryId)))

	return l.completeEnlistServer(ctx, newServerId, services, readSpeed, serviceLocator, entryId)
}

// completeEnlistServer finishes an enlistment whose ServerEnlisting record
// is already in the replicated log; it is shared between the normal path
// and coordinator recovery.
func (l *List) completeEnlistServer(
	ctx context.Context,
	serverId cluster.ServerId,
	services cluster.ServiceMask,
	readSpeed uint32,
	serviceLocator string,
	enlistingId goreplog.EntryId,
) (cluster.ServerId, error) {
	l.addLocked(serverId, serviceLocator, services, readSpeed)

	entry := l.getEntryLocked(serverId)

	l.logger.Info("enlisting new server",
		zap.String("serviceLocator", serviceLocator),
		zap.Stringer("serverId", serverId),
		zap.Stringer("services", services))

	if entry.IsBackup() {
		l.logger.Debug("enlisted server offers backup service",
			zap.Stringer("serverId", serverId),
			zap.Uint32("readSpeedMBps", readSpeed))
		l.createReplicationGroupLocked()
	}

	enlistedId, err := l.dlog.AppendServerEnlisted(ctx, serverId, services, readSpeed, serviceLocator, enlistingId)
	if err != nil {
		return cluster.InvalidServerId, err
	}

	entry.serverInfoLogId = enlistedId
	l.logger.Debug("appended ServerEnlisted record",
		zap.Stringer("serverId", serverId),
		zap.Uint64("entryId", uint64(enlistedId)))

	return serverId, nil
}

func (l *List) serverDownLocked(ctx context.Context, serverId cluster.ServerId) error {
	entryId, err := l.dlog.AppendServerDown(ctx, serverId)
	if err != nil {
		return err
	}

	err = l.completeServerDown(ctx, serverId, entryId)
	if err != nil {
		return err
	}

	l.pushUpdateLocked()
	return nil
}

// completeServerDown finishes a server-down whose ServerDown record is
// already in the replicated log; shared with coordinator recovery.
func (l *List) completeServerDown(ctx context.Context, serverId cluster.ServerId, entryId goreplog.EntryId) error {
	entry := l.getEntryLocked(serverId)
	if entry == nil {
		return ErrServerNotFound
	}

	// Collect the server's log ids before the entry disappears so the
	// records can be invalidated afterwards.
	serverInfoLogId := entry.serverInfoLogId
	serverUpdateLogId := entry.serverUpdateLogId
	snapshot := *entry

	err := l.crashedLocked(serverId)
	if err != nil {
		return err
	}

	// Servers without a master service have no recovery holding them in
	// the list; transition them straight to removed. Doing it here also
	// keeps other masters from trying to back up onto a dead machine.
	if !snapshot.Services.Has(cluster.MasterService) {
		err = l.removeLocked(serverId)
		if err != nil {
			return err
		}
	}

	if l.recoveryMgr != nil {
		l.recoveryMgr.StartMasterRecovery(snapshot)
	}

	l.removeReplicationGroupLocked(snapshot.ReplicationId)
	l.createReplicationGroupLocked()

	invalidates := []goreplog.EntryId{serverInfoLogId, entryId}
	if serverUpdateLogId != 0 {
		invalidates = append(invalidates, serverUpdateLogId)
	}

	return l.dlog.Invalidate(ctx, invalidates)
}

// pushUpdateLocked publishes the pending delta: it bumps the version,
// stamps and stores the batch, and wakes the dissemination loop. Empty
// deltas are silently ignored.
func (l *List) pushUpdateLocked() {
	if len(l.update.Servers) == 0 {
		return
	}

	l.version++

	batch := &updateBatch{
		version: l.version,
		incremental: &wire.ServerList{
			Servers:       l.update.Servers,
			VersionNumber: l.version,
			Type:          wire.TypeUpdate,
		},
	}
	l.updates = append(l.updates, batch)
	l.update = wire.ServerList{}

	metrics.GetCslMetrics().VersionsPublished.Add(context.Background(), 1)

	l.hasUpdatesOrStop.Signal()
	select {
	case l.updatesCh <- struct{}{}:
	default:
	}
}

// pruneUpdatesLocked drops buffered batches that every updatable server
// has already confirmed.
func (l *List) pruneUpdatesLocked() {
	if l.minConfirmedVersion == UninitializedVersion {
		return
	}

	if l.minConfirmedVersion > l.version {
		l.logger.Error("inconsistent state detected: minConfirmedVersion is larger than "+
			"the current version; this should never happen",
			zap.Uint64("minConfirmedVersion", l.minConfirmedVersion),
			zap.Uint64("version", l.version))

		// Reset in the hopes of it being a transient bug.
		l.minConfirmedVersion = 0
		return
	}

	for len(l.updates) > 0 && l.updates[0].version <= l.minConfirmedVersion {
		l.updates = l.updates[1:]
	}

	if len(l.updates) == 0 {
		l.listUpToDate.Broadcast()
	}
}

func (l *List) isClusterUpToDateLocked() bool {
	return len(l.slots) == 0 ||
		(l.numUpdatingServers == 0 && l.minConfirmedVersion == l.version)
}

// Sync starts the dissemination loop if it is halted and blocks until the
// entire cluster has acknowledged the current version.
func (l *List) Sync() {
	l.StartUpdater()

	l.mu.Lock()
	defer l.mu.Unlock()

	for !l.isClusterUpToDateLocked() {
		l.listUpToDate.Wait()
	}
}
