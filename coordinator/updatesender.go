package coordinator

import (
	"context"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/tempestkv/tempest-coordinator/common/wire"
	"github.com/tempestkv/tempest-coordinator/contrib/wirerpc"
	"github.com/tempestkv/tempest-coordinator/coordinator/serverlist"
)

// updateSender adapts the wirerpc client to the dissemination loop's
// sender interface, translating the grpc-level "target not up" rejection
// into the sentinel the loop understands.
type updateSender struct {
	client *wirerpc.Client
}

var _ serverlist.UpdateSender = (*updateSender)(nil)

func (s *updateSender) UpdateServerList(ctx context.Context, serviceLocator string, list *wire.ServerList) error {
	_, err := s.client.UpdateServerList(ctx, serviceLocator, list)
	if err != nil {
		if status.Code(err) == codes.FailedPrecondition {
			return serverlist.ErrServerNotUp
		}
		return err
	}

	return nil
}
