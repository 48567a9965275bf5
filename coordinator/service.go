package coordinator

import (
	"context"

	"go.uber.org/zap"

	"github.com/tempestkv/tempest-coordinator/common/cluster"
	"github.com/tempestkv/tempest-coordinator/common/wire"
	"github.com/tempestkv/tempest-coordinator/contrib/wirerpc"
	"github.com/tempestkv/tempest-coordinator/coordinator/serverlist"
)

// ServerListServer serves membership snapshots to the rest of the
// cluster; masters use it with a backup-only mask to seed their backup
// selectors.
type ServerListServer struct {
	logger     *zap.Logger
	serverList *serverlist.List
}

var _ wirerpc.CoordinatorServer = (*ServerListServer)(nil)

func NewServerListServer(logger *zap.Logger, serverList *serverlist.List) *ServerListServer {
	return &ServerListServer{
		logger:     logger,
		serverList: serverList,
	}
}

func (s *ServerListServer) GetServerList(ctx context.Context, req *wire.GetServerListRequest) (*wire.ServerList, error) {
	mask := cluster.DeserializeServiceMask(req.Services)
	if mask == 0 {
		mask = cluster.NewServiceMask(cluster.MasterService, cluster.BackupService)
	}

	return s.serverList.Serialize(mask), nil
}
