package serverlist

import (
	"github.com/tempestkv/tempest-coordinator/common/cluster"
	"github.com/tempestkv/tempest-coordinator/common/wire"
	"github.com/tempestkv/tempest-coordinator/contrib/goreplog"
)

// UninitializedVersion marks a membership server that has never
// acknowledged any version and therefore needs a full snapshot rather
// than an incremental update.
const UninitializedVersion = ^uint64(0)

// Entry holds everything the coordinator tracks about one server. Entries
// are owned by the List and mutated only under its lock; everything handed
// outward (trackers, accessors, recovery hooks) is a copy.
type Entry struct {
	ServerId                 cluster.ServerId
	ServiceLocator           string
	Services                 cluster.ServiceMask
	Status                   cluster.ServerStatus
	ExpectedReadMBytesPerSec uint32
	ReplicationId            uint64
	MasterRecoveryInfo       []byte

	// Dissemination bookkeeping: the highest version the server has
	// acknowledged, and the version promised to an outstanding update RPC
	// (equal to verifiedVersion when none is in flight).
	verifiedVersion uint64
	updateVersion   uint64

	// Replicated-log entry ids for the server's enlistment record and its
	// latest ServerUpdate record; 0 means none.
	serverInfoLogId   goreplog.EntryId
	serverUpdateLogId goreplog.EntryId
}

func newEntry(serverId cluster.ServerId, serviceLocator string, services cluster.ServiceMask) *Entry {
	return &Entry{
		ServerId:        serverId,
		ServiceLocator:  serviceLocator,
		Services:        services,
		Status:          cluster.StatusUp,
		verifiedVersion: UninitializedVersion,
		updateVersion:   UninitializedVersion,
	}
}

// IsMaster reports whether the server is an up master.
func (e *Entry) IsMaster() bool {
	return e.Status == cluster.StatusUp && e.Services.Has(cluster.MasterService)
}

// IsBackup reports whether the server is an up backup.
func (e *Entry) IsBackup() bool {
	return e.Status == cluster.StatusUp && e.Services.Has(cluster.BackupService)
}

func (e *Entry) toWire() *wire.ServerListEntry {
	out := &wire.ServerListEntry{
		Services:       e.Services.Serialize(),
		ServerId:       uint64(e.ServerId),
		ServiceLocator: e.ServiceLocator,
		Status:         uint32(e.Status),
		ReplicationId:  e.ReplicationId,
	}
	// Receivers expect the read-speed field on every entry; it carries a
	// real value only for up backups.
	if e.IsBackup() {
		out.ExpectedReadMBytesPerSec = e.ExpectedReadMBytesPerSec
	}
	return out
}
