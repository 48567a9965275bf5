package wirerpc

import (
	"context"

	"google.golang.org/grpc"

	"github.com/tempestkv/tempest-coordinator/common/wire"
)

const (
	membershipServiceName  = "tempest.coordinator.v1.Membership"
	coordinatorServiceName = "tempest.coordinator.v1.Coordinator"

	UpdateServerListMethod = "/" + membershipServiceName + "/UpdateServerList"
	GetServerListMethod    = "/" + coordinatorServiceName + "/GetServerList"
)

// MembershipServer is implemented by every membership-subscribing server;
// the coordinator's dissemination loop calls it with incremental or full
// server lists.
type MembershipServer interface {
	UpdateServerList(ctx context.Context, list *wire.ServerList) (*wire.UpdateAck, error)
}

// CoordinatorServer is implemented by the coordinator itself.
type CoordinatorServer interface {
	GetServerList(ctx context.Context, req *wire.GetServerListRequest) (*wire.ServerList, error)
}

func membershipUpdateServerListHandler(
	srv any,
	ctx context.Context,
	dec func(any) error,
	interceptor grpc.UnaryServerInterceptor,
) (any, error) {
	in := &wire.ServerList{}
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(MembershipServer).UpdateServerList(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: UpdateServerListMethod,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(MembershipServer).UpdateServerList(ctx, req.(*wire.ServerList))
	}
	return interceptor(ctx, in, info, handler)
}

func coordinatorGetServerListHandler(
	srv any,
	ctx context.Context,
	dec func(any) error,
	interceptor grpc.UnaryServerInterceptor,
) (any, error) {
	in := &wire.GetServerListRequest{}
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CoordinatorServer).GetServerList(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: GetServerListMethod,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(CoordinatorServer).GetServerList(ctx, req.(*wire.GetServerListRequest))
	}
	return interceptor(ctx, in, info, handler)
}

var membershipServiceDesc = grpc.ServiceDesc{
	ServiceName: membershipServiceName,
	HandlerType: (*MembershipServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "UpdateServerList",
			Handler:    membershipUpdateServerListHandler,
		},
	},
}

var coordinatorServiceDesc = grpc.ServiceDesc{
	ServiceName: coordinatorServiceName,
	HandlerType: (*CoordinatorServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "GetServerList",
			Handler:    coordinatorGetServerListHandler,
		},
	},
}

func RegisterMembershipServer(s grpc.ServiceRegistrar, srv MembershipServer) {
	s.RegisterService(&membershipServiceDesc, srv)
}

func RegisterCoordinatorServer(s grpc.ServiceRegistrar, srv CoordinatorServer) {
	s.RegisterService(&coordinatorServiceDesc, srv)
}
