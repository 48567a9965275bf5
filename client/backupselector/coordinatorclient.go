package backupselector

import (
	"context"

	"github.com/tempestkv/tempest-coordinator/common/cluster"
	"github.com/tempestkv/tempest-coordinator/common/wire"
	"github.com/tempestkv/tempest-coordinator/contrib/wirerpc"
)

// GrpcCoordinatorClient fetches backup lists from the coordinator over
// the wire protocol.
type GrpcCoordinatorClient struct {
	Client             *wirerpc.Client
	CoordinatorLocator string
}

var _ CoordinatorClient = (*GrpcCoordinatorClient)(nil)

func (c *GrpcCoordinatorClient) GetBackupList(ctx context.Context) (*wire.ServerList, error) {
	return c.Client.GetServerList(ctx, c.CoordinatorLocator,
		cluster.NewServiceMask(cluster.BackupService).Serialize())
}
