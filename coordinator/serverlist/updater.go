package serverlist

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/tempestkv/tempest-coordinator/common/cluster"
	"github.com/tempestkv/tempest-coordinator/common/wire"
	"github.com/tempestkv/tempest-coordinator/pkg/metrics"
)

const (
	initialRPCSlots = 8
	rpcSlotGrowth   = 8
)

// updaterWorkUnit describes one update RPC to issue: the target, and the
// batch it starts from. Every work unit handed out by getWork must be
// answered with exactly one workSuccess or workFailed call; until then the
// referenced batch (and everything after it) is pinned in the buffer.
type updaterWorkUnit struct {
	targetServer      cluster.ServerId
	targetLocator     string
	sendFullList      bool
	batch             *updateBatch
	updateVersionTail uint64
}

type updateRPC struct {
	target cluster.ServerId
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// StartUpdater starts the background dissemination loop if it is not
// already running and nudges it to look for work.
func (l *List) StartUpdater() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.updaterDone == nil {
		l.stopUpdater = false
		l.stopCh = make(chan struct{})
		l.updaterDone = make(chan struct{})
		go l.updateLoop(l.stopCh, l.updaterDone)
	}

	l.hasUpdatesOrStop.Signal()
}

// HaltUpdater stops the dissemination loop, cancelling every in-flight
// update RPC, and blocks until it exits. The cluster may be left
// out-of-date; call Sync first to force a synchronization point.
func (l *List) HaltUpdater() {
	l.mu.Lock()
	done := l.updaterDone
	if done == nil {
		l.mu.Unlock()
		return
	}

	l.stopUpdater = true
	close(l.stopCh)
	l.stopCh = nil
	l.updaterDone = nil
	l.hasUpdatesOrStop.Broadcast()
	l.mu.Unlock()

	<-done
}

func (l *List) stopRequested() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.stopUpdater
}

// updateLoop drives the update RPCs. Each pass reaps every finished RPC
// but starts at most one new one: starting is expensive while checking for
// completion is cheap, so this ramps up gently to a steady state where
// roughly one RPC completes per pass. The slot budget starts at 8 and
// grows by 8 whenever a pass finds every slot occupied.
func (l *List) updateLoop(stopCh chan struct{}, doneCh chan struct{}) {
	defer close(doneCh)

	maxRPCs := initialRPCSlots
	var active []*updateRPC

	for !l.stopRequested() {
		// Reap finished RPCs, compacting the in-flight ones to the front.
		finished := false
		n := 0
		for _, rpc := range active {
			select {
			case <-rpc.done:
				finished = true
				l.finishRPC(rpc)
			default:
				active[n] = rpc
				n++
			}
		}
		active = active[:n]

		// Start at most one new RPC.
		started := false
		if len(active) < maxRPCs {
			var wu updaterWorkUnit
			if l.getWork(&wu) {
				active = append(active, l.startUpdateRPC(&wu))
				started = true
			}
		}

		if len(active) >= maxRPCs {
			maxRPCs += rpcSlotGrowth
		} else if len(active) == 0 && !started {
			l.waitForWork()
		} else if !finished && !started {
			// There is in-flight work but nothing new to do; sleep until
			// an RPC completes or a fresh update is published.
			select {
			case <-l.rpcDoneCh:
			case <-l.updatesCh:
			case <-stopCh:
			}
		}
	}

	for _, rpc := range active {
		rpc.cancel()
	}
	for _, rpc := range active {
		<-rpc.done
		l.workFailed(rpc.target)
	}
}

func (l *List) startUpdateRPC(wu *updaterWorkUnit) *updateRPC {
	ctx, cancel := context.WithCancel(context.Background())
	rpc := &updateRPC{
		target: wu.targetServer,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	var list *wire.ServerList
	if wu.sendFullList {
		list = wu.batch.full
	} else {
		list = wu.batch.incremental
	}

	locator := wu.targetLocator
	go func() {
		rpc.err = l.sender.UpdateServerList(ctx, locator, list)
		close(rpc.done)

		select {
		case l.rpcDoneCh <- struct{}{}:
		default:
		}
	}()

	return rpc
}

func (l *List) finishRPC(rpc *updateRPC) {
	rpc.cancel()

	// A target that is no longer up is no longer a dissemination target
	// either; for bookkeeping that counts as success.
	if rpc.err == nil || errors.Is(rpc.err, ErrServerNotUp) {
		l.workSuccess(rpc.target)
	} else {
		l.workFailed(rpc.target)
	}
}

// waitForWork sleeps until more updating work shows up, notifying anybody
// waiting for the list to become up to date along the way.
func (l *List) waitForWork() {
	l.mu.Lock()
	defer l.mu.Unlock()

	for l.minConfirmedVersion == l.version && !l.stopUpdater {
		l.listUpToDate.Broadcast()
		l.hasUpdatesOrStop.Wait()
	}
}

// getWork finds a server that needs an update and has no RPC in flight.
//
// The scan resumes where the previous call left off so updates fan out
// across the list round-robin. While scanning it also tracks the minimum
// verifiedVersion over all updatable servers, committing it to
// minConfirmedVersion each time the scan wraps, which is what allows old
// batches to be pruned.
//
// Every true return must eventually be matched by a workSuccess or
// workFailed call for the work unit's server; batches at or after the work
// unit's starting batch are not pruned until then.
func (l *List) getWork(wu *updaterWorkUnit) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	// If the last full scan found nothing at this version and updates are
	// still in flight, there is nothing new to find.
	if len(l.slots) == 0 ||
		(l.numUpdatingServers > 0 && l.lastScan.noWorkFoundForEpoch == l.version) {
		return false
	}

	numUpdatableServers := 0
	start := l.lastScan.searchIndex
	i := start
	for {
		server := l.slots[i].entry
		if server != nil && server.Status == cluster.StatusUp &&
			server.Services.Has(cluster.MembershipService) {

			numUpdatableServers++
			if server.verifiedVersion < l.lastScan.minVersion {
				l.lastScan.minVersion = server.verifiedVersion
			}

			if server.updateVersion != l.version && server.updateVersion == server.verifiedVersion {
				if server.verifiedVersion == UninitializedVersion {
					// Never-updated server; bootstrap it with a full list.
					// Recovery with publication suppressed can leave the
					// buffer empty, so make sure there is a tail batch to
					// hang the snapshot off.
					if len(l.updates) == 0 {
						l.updates = append(l.updates, &updateBatch{
							version: l.version,
							incremental: &wire.ServerList{
								VersionNumber: l.version,
								Type:          wire.TypeUpdate,
							},
						})
					}

					tail := l.updates[len(l.updates)-1]
					if tail.full == nil {
						tail.full = l.serializeLocked(cluster.NewServiceMask(
							cluster.MasterService, cluster.BackupService))
						metrics.GetCslMetrics().FullListsBuilt.Add(context.Background(), 1)
					}

					wu.sendFullList = true
					wu.batch = tail
					wu.updateVersionTail = l.version
				} else {
					// One incremental batch at a time.
					wu.sendFullList = false
					wu.updateVersionTail = server.verifiedVersion + 1
					offset := wu.updateVersionTail - l.updates[0].version
					wu.batch = l.updates[offset]
				}

				wu.targetServer = server.ServerId
				wu.targetLocator = server.ServiceLocator

				l.numUpdatingServers++
				l.lastScan.searchIndex = i
				server.updateVersion = wu.updateVersionTail
				return true
			}
		}

		i = (i + 1) % len(l.slots)

		if i == 0 {
			if l.lastScan.minVersion != UninitializedVersion {
				l.minConfirmedVersion = l.lastScan.minVersion
			}
			l.lastScan.minVersion = UninitializedVersion
			l.pruneUpdatesLocked()
		}

		if i == start {
			break
		}
	}

	// No updatable servers at all means every batch is confirmed trivially.
	if numUpdatableServers == 0 {
		l.minConfirmedVersion = l.version
		l.pruneUpdatesLocked()
	}

	l.lastScan.noWorkFoundForEpoch = l.version
	return false
}

// workSuccess records that the work unit for the given server completed;
// the server has acknowledged everything up to its promised version.
func (l *List) workSuccess(serverId cluster.ServerId) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.numUpdatingServers > 0 {
		l.numUpdatingServers--
	} else {
		l.logger.Error("bookkeeping issue detected: numUpdatingServers went negative; " +
			"mismatched getWork and workSuccess/workFailed calls")
	}

	server := l.getEntryLocked(serverId)
	if server == nil {
		// Unusual but not an error: the server acknowledged an update and
		// then left the list before the acknowledgement was processed.
		l.logger.Debug("server responded to a server list update but is no longer in the list",
			zap.Stringer("serverId", serverId))
		return
	}

	if server.verifiedVersion == server.updateVersion {
		l.logger.Error("workSuccess invoked for a server with no update outstanding; "+
			"possible bookkeeping race",
			zap.Stringer("serverId", serverId))
	} else {
		l.logger.Debug("server list update succeeded",
			zap.Stringer("serverId", serverId),
			zap.Uint64("verifiedVersion", server.verifiedVersion),
			zap.Uint64("updateVersion", server.updateVersion))
		server.verifiedVersion = server.updateVersion
		metrics.GetCslMetrics().UpdatesSent.Add(context.Background(), 1)
	}

	// If the server is still behind, force a rescan so it gets the rest.
	if server.verifiedVersion < l.version {
		l.lastScan.noWorkFoundForEpoch = 0
	}
}

// workFailed rolls back the work unit for the given server so it will be
// retried by a later scan.
func (l *List) workFailed(serverId cluster.ServerId) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.numUpdatingServers > 0 {
		l.numUpdatingServers--
	} else {
		l.logger.Error("bookkeeping issue detected: numUpdatingServers went negative; " +
			"mismatched getWork and workSuccess/workFailed calls")
	}

	server := l.getEntryLocked(serverId)
	if server != nil {
		server.updateVersion = server.verifiedVersion
		l.logger.Debug("server list update failed; will retry",
			zap.Stringer("serverId", serverId),
			zap.Uint64("verifiedVersion", server.verifiedVersion))
	}

	metrics.GetCslMetrics().UpdateFailures.Add(context.Background(), 1)
	l.lastScan.noWorkFoundForEpoch = 0
}
