package serverlist

import (
	"context"

	"go.uber.org/zap"

	"github.com/tempestkv/tempest-coordinator/common/cluster"
	"github.com/tempestkv/tempest-coordinator/common/wire"
	"github.com/tempestkv/tempest-coordinator/contrib/goreplog"
)

// Recover rebuilds the in-memory list by replaying every live record in
// the replicated log in append order. It must run before the list accepts
// new mutations.
func (l *List) Recover(ctx context.Context) error {
	entries, err := l.dlog.ReadAll(ctx)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		recordType, err := wire.RecordType(entry.Data)
		if err != nil {
			return err
		}

		switch recordType {
		case wire.RecordServerEnlisting:
			var state wire.ServerInformation
			if err := state.UnmarshalBinary(entry.Data); err != nil {
				return err
			}
			if err := l.RecoverEnlistServer(ctx, &state, entry.Id); err != nil {
				return err
			}

		case wire.RecordServerEnlisted:
			var state wire.ServerInformation
			if err := state.UnmarshalBinary(entry.Data); err != nil {
				return err
			}
			if err := l.RecoverEnlistedServer(ctx, &state, entry.Id); err != nil {
				return err
			}

		case wire.RecordServerDown:
			var state wire.ServerDownRecord
			if err := state.UnmarshalBinary(entry.Data); err != nil {
				return err
			}
			if err := l.RecoverServerDown(ctx, &state, entry.Id); err != nil {
				return err
			}

		case wire.RecordServerUpdate:
			var state wire.ServerUpdateRecord
			if err := state.UnmarshalBinary(entry.Data); err != nil {
				return err
			}
			if err := l.RecoverMasterRecoveryInfo(ctx, &state, entry.Id); err != nil {
				return err
			}

		default:
			l.logger.Warn("skipping replicated-log record of unknown type",
				zap.String("recordType", recordType),
				zap.Uint64("entryId", uint64(entry.Id)))
		}
	}

	return nil
}

// RecoverEnlistedServer re-adds a server whose enlistment had fully
// completed before the coordinator failed. The cluster already saw that
// server's addition, so by default no update is published, and the
// ServerEnlisting record was already invalidated so no invalidation is
// re-issued either.
func (l *List) RecoverEnlistedServer(ctx context.Context, state *wire.ServerInformation, entryId goreplog.EntryId) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	serverId := cluster.ServerId(state.ServerId)
	l.logger.Debug("recovering enlisted server",
		zap.Stringer("serverId", serverId),
		zap.Uint64("entryId", uint64(entryId)))

	deltaMark := len(l.update.Servers)

	l.addLocked(serverId, state.ServiceLocator,
		cluster.DeserializeServiceMask(state.ServiceMask), state.ReadSpeed)
	l.getEntryLocked(serverId).serverInfoLogId = entryId

	if l.publishOnRecoverEnlisted {
		l.pushUpdateLocked()
	} else {
		// Drop the delta rows the re-add generated; publishing them would
		// re-announce a server the cluster already knows about.
		l.update.Servers = l.update.Servers[:deltaMark]
	}

	return nil
}

// RecoverEnlistServer completes an enlistment that had been durably opened
// but not completed when the coordinator failed.
func (l *List) RecoverEnlistServer(ctx context.Context, state *wire.ServerInformation, entryId goreplog.EntryId) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	serverId := cluster.ServerId(state.ServerId)
	l.logger.Debug("recovering in-flight enlistment",
		zap.Stringer("serverId", serverId),
		zap.Uint64("entryId", uint64(entryId)))

	_, err := l.completeEnlistServer(ctx, serverId,
		cluster.DeserializeServiceMask(state.ServiceMask), state.ReadSpeed,
		state.ServiceLocator, entryId)
	if err != nil {
		return err
	}

	l.pushUpdateLocked()
	return nil
}

// RecoverServerDown completes a server-down that had been durably opened
// but not completed when the coordinator failed.
func (l *List) RecoverServerDown(ctx context.Context, state *wire.ServerDownRecord, entryId goreplog.EntryId) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	serverId := cluster.ServerId(state.ServerId)
	l.logger.Debug("recovering in-flight server down",
		zap.Stringer("serverId", serverId),
		zap.Uint64("entryId", uint64(entryId)))

	err := l.completeServerDown(ctx, serverId, entryId)
	if err != nil {
		return err
	}

	l.pushUpdateLocked()
	return nil
}

// RecoverMasterRecoveryInfo restores a server's master-recovery metadata
// from its latest ServerUpdate record.
func (l *List) RecoverMasterRecoveryInfo(ctx context.Context, state *wire.ServerUpdateRecord, entryId goreplog.EntryId) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	serverId := cluster.ServerId(state.ServerId)
	l.logger.Debug("recovering master recovery info",
		zap.Stringer("serverId", serverId),
		zap.Uint64("entryId", uint64(entryId)))

	entry := l.getEntryLocked(serverId)
	if entry == nil {
		l.logger.Warn("master recovery info names a server that is not in the list",
			zap.Stringer("serverId", serverId))

		err := l.dlog.Invalidate(ctx, []goreplog.EntryId{entryId})
		if err != nil {
			return err
		}
		return ErrServerNotFound
	}

	entry.serverUpdateLogId = entryId
	entry.MasterRecoveryInfo = state.MasterRecoveryInfo
	return nil
}
