package coordinator

import (
	"go.uber.org/zap"

	"github.com/tempestkv/tempest-coordinator/common/cluster"
	"github.com/tempestkv/tempest-coordinator/coordinator/serverlist"
)

// LoggingRecoveryManager is the recovery hook installed when no real
// recovery orchestrator is attached. The server list invokes it for every
// server that leaves the cluster; only masters actually need recovering.
type LoggingRecoveryManager struct {
	Logger *zap.Logger
}

var _ serverlist.RecoveryManager = (*LoggingRecoveryManager)(nil)

func (m *LoggingRecoveryManager) StartMasterRecovery(entry serverlist.Entry) {
	if !entry.Services.Has(cluster.MasterService) {
		return
	}

	m.Logger.Warn("master crashed and requires recovery, but no recovery manager is attached",
		zap.Stringer("serverId", entry.ServerId),
		zap.String("serviceLocator", entry.ServiceLocator))
}
