package serverlist

import (
	"go.uber.org/zap"

	"github.com/tempestkv/tempest-coordinator/common/cluster"
)

// assignReplicationGroupLocked gives every listed backup the same
// replication id, broadcasting each change through the pending delta.
// Returns false without retrying if any member has left the list; the
// caller responds to the next membership event instead.
func (l *List) assignReplicationGroupLocked(replicationId uint64, members []cluster.ServerId) bool {
	for _, backupId := range members {
		if l.getEntryLocked(backupId) == nil {
			return false
		}
		l.setReplicationIdLocked(backupId, replicationId)
	}

	return true
}

// createReplicationGroupLocked forms new replication groups from up
// backups that do not belong to one yet, as long as enough are available.
func (l *List) createReplicationGroupLocked() {
	var freeBackups []cluster.ServerId
	for i := range l.slots {
		entry := l.slots[i].entry
		if entry != nil && entry.IsBackup() && entry.ReplicationId == 0 {
			freeBackups = append(freeBackups, entry.ServerId)
		}
	}

	for len(freeBackups) >= l.replicationGroupSize {
		group := make([]cluster.ServerId, 0, l.replicationGroupSize)
		for i := 0; i < l.replicationGroupSize; i++ {
			group = append(group, freeBackups[len(freeBackups)-1])
			freeBackups = freeBackups[:len(freeBackups)-1]
		}

		l.logger.Debug("forming replication group",
			zap.Uint64("replicationId", l.nextReplicationId),
			zap.Int("members", len(group)))

		l.assignReplicationGroupLocked(l.nextReplicationId, group)
		l.nextReplicationId++
	}
}

// removeReplicationGroupLocked disbands a replication group, returning
// every surviving member to the unassigned pool. Group 0 is the
// unassigned pool itself and cannot be removed.
func (l *List) removeReplicationGroupLocked(groupId uint64) {
	if groupId == 0 {
		return
	}

	var group []cluster.ServerId
	for i := range l.slots {
		entry := l.slots[i].entry
		if entry != nil && entry.IsBackup() && entry.ReplicationId == groupId {
			group = append(group, entry.ServerId)
		}
	}

	if len(group) != 0 {
		l.assignReplicationGroupLocked(0, group)
	}
}

// setReplicationIdLocked changes one server's replication group
// membership; servers that are not up are left untouched.
func (l *List) setReplicationIdLocked(serverId cluster.ServerId, replicationId uint64) {
	entry := l.getEntryLocked(serverId)
	if entry == nil || entry.Status != cluster.StatusUp {
		return
	}

	entry.ReplicationId = replicationId
	l.update.Servers = append(l.update.Servers, entry.toWire())
}
