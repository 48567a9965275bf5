package wirerpc

import (
	"context"
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/tempestkv/tempest-coordinator/common/wire"
)

type fakeMembershipServer struct {
	mu       sync.Mutex
	received []*wire.ServerList
	notUp    bool
}

func (s *fakeMembershipServer) UpdateServerList(ctx context.Context, list *wire.ServerList) (*wire.UpdateAck, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.notUp {
		return nil, status.Error(codes.FailedPrecondition, "server is no longer up")
	}

	s.received = append(s.received, list)
	return &wire.UpdateAck{CurrentVersion: list.VersionNumber}, nil
}

type fakeCoordinatorServer struct {
	list *wire.ServerList
}

func (s *fakeCoordinatorServer) GetServerList(ctx context.Context, req *wire.GetServerListRequest) (*wire.ServerList, error) {
	return s.list, nil
}

func startTestServer(t *testing.T, register func(s *grpc.Server)) string {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	server := grpc.NewServer()
	register(server)
	go func() {
		_ = server.Serve(lis)
	}()
	t.Cleanup(server.Stop)

	return lis.Addr().String()
}

func TestUpdateServerListRoundTrip(t *testing.T) {
	membership := &fakeMembershipServer{}
	addr := startTestServer(t, func(s *grpc.Server) {
		RegisterMembershipServer(s, membership)
	})

	client := NewClient(ClientOptions{})
	t.Cleanup(func() { _ = client.Close() })

	sent := &wire.ServerList{
		Servers: []*wire.ServerListEntry{
			{ServerId: 1, ServiceLocator: "m1:18071", Services: 5},
		},
		VersionNumber: 3,
		Type:          wire.TypeUpdate,
	}

	ack, err := client.UpdateServerList(context.Background(), addr, sent)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), ack.CurrentVersion)

	membership.mu.Lock()
	defer membership.mu.Unlock()
	require.Len(t, membership.received, 1)
	assert.Equal(t, uint64(3), membership.received[0].VersionNumber)
	require.Len(t, membership.received[0].Servers, 1)
	assert.Equal(t, "m1:18071", membership.received[0].Servers[0].ServiceLocator)
}

func TestUpdateServerListTargetNotUp(t *testing.T) {
	membership := &fakeMembershipServer{notUp: true}
	addr := startTestServer(t, func(s *grpc.Server) {
		RegisterMembershipServer(s, membership)
	})

	client := NewClient(ClientOptions{})
	t.Cleanup(func() { _ = client.Close() })

	_, err := client.UpdateServerList(context.Background(), addr, &wire.ServerList{})
	require.Error(t, err)
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))
}

func TestGetServerListRoundTrip(t *testing.T) {
	coordinator := &fakeCoordinatorServer{
		list: &wire.ServerList{
			Servers: []*wire.ServerListEntry{
				{ServerId: 2, ServiceLocator: "b1:18072", ExpectedReadMBytesPerSec: 150},
			},
			VersionNumber: 8,
			Type:          wire.TypeFullList,
		},
	}
	addr := startTestServer(t, func(s *grpc.Server) {
		RegisterCoordinatorServer(s, coordinator)
	})

	client := NewClient(ClientOptions{})
	t.Cleanup(func() { _ = client.Close() })

	list, err := client.GetServerList(context.Background(), addr, 2)
	require.NoError(t, err)
	assert.Equal(t, uint64(8), list.VersionNumber)
	assert.Equal(t, wire.TypeFullList, list.Type)
	require.Len(t, list.Servers, 1)
	assert.Equal(t, uint32(150), list.Servers[0].ExpectedReadMBytesPerSec)
}
