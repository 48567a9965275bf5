// Package coordinator wires the server list, the replicated log and the
// wire protocol together into the coordinator process.
package coordinator

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"

	"github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/recovery"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/status"

	"github.com/tempestkv/tempest-coordinator/contrib/goreplog"
	"github.com/tempestkv/tempest-coordinator/contrib/wirerpc"
	"github.com/tempestkv/tempest-coordinator/coordinator/serverlist"
	"github.com/tempestkv/tempest-coordinator/pkg/interceptors"
	"github.com/tempestkv/tempest-coordinator/pkg/metrics"
)

type CoordinatorOptions struct {
	Logger *zap.Logger

	BindAddress string
	BindPort    int

	// Log is the external replicated log membership transitions are
	// durably recorded in.
	Log goreplog.Log

	// RecoveryManager is invoked when servers leave the cluster; nil
	// installs a hook that only logs which masters need recovering.
	RecoveryManager serverlist.RecoveryManager

	ReplicationGroupSize     int
	PublishOnRecoverEnlisted bool

	// ServerTlsConfig enables TLS on the coordinator's grpc listener.
	ServerTlsConfig *tls.Config

	// ClientTlsConfig enables TLS on outgoing update RPCs.
	ClientTlsConfig *tls.Config
}

type Coordinator struct {
	logger      *zap.Logger
	bindAddress string
	bindPort    int

	updateClient *wirerpc.Client
	serverList   *serverlist.List

	grpcListener net.Listener
	grpcServer   *grpc.Server

	// Intentionally public to allow external use.
	ServerListV1Server *ServerListServer
}

func NewCoordinator(opts *CoordinatorOptions) (*Coordinator, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Coordinator{
		logger:      logger,
		bindAddress: opts.BindAddress,
		bindPort:    opts.BindPort,
	}

	err := c.init(opts)
	if err != nil {
		return nil, err
	}

	return c, nil
}

func (c *Coordinator) init(opts *CoordinatorOptions) error {
	c.updateClient = wirerpc.NewClient(wirerpc.ClientOptions{
		TlsConfig: opts.ClientTlsConfig,
	})

	recoveryMgr := opts.RecoveryManager
	if recoveryMgr == nil {
		recoveryMgr = &LoggingRecoveryManager{
			Logger: c.logger.Named("master-recovery"),
		}
	}

	serverList, err := serverlist.NewList(serverlist.ListOptions{
		Logger:                   c.logger.Named("serverlist"),
		Log:                      opts.Log,
		UpdateSender:             &updateSender{client: c.updateClient},
		RecoveryManager:          recoveryMgr,
		ReplicationGroupSize:     opts.ReplicationGroupSize,
		PublishOnRecoverEnlisted: opts.PublishOnRecoverEnlisted,
	})
	if err != nil {
		return err
	}
	c.serverList = serverList

	c.ServerListV1Server = NewServerListServer(c.logger.Named("serverlist-service"), serverList)

	recoveryHandler := func(p any) (err error) {
		c.logger.Error("a panic has been triggered", zap.Any("error", p))
		return status.Errorf(codes.Internal, "An internal error occurred.")
	}

	serverOpts := []grpc.ServerOption{
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(
			interceptors.NewRequestLoggingInterceptor(c.logger.Named("grpc")).UnaryInterceptor(),
			interceptors.NewMetricsInterceptor(metrics.GetGrpcMetrics()).UnaryInterceptor(),
			recovery.UnaryServerInterceptor(
				recovery.WithRecoveryHandler(recoveryHandler),
			),
		),
		grpc.ChainStreamInterceptor(
			recovery.StreamServerInterceptor(
				recovery.WithRecoveryHandler(recoveryHandler),
			),
		),
	}
	if opts.ServerTlsConfig != nil {
		serverOpts = append(serverOpts, grpc.Creds(credentials.NewTLS(opts.ServerTlsConfig)))
	}

	s := grpc.NewServer(serverOpts...)
	wirerpc.RegisterCoordinatorServer(s, c.ServerListV1Server)
	c.grpcServer = s

	lis, err := net.Listen("tcp", fmt.Sprintf("%s:%d", c.bindAddress, c.bindPort))
	if err != nil {
		return err
	}
	c.logger.Info("grpc listener is listening", zap.Stringer("address", lis.Addr()))
	c.grpcListener = lis

	return nil
}

// ServerList exposes the coordinator server list to in-process
// collaborators (recovery orchestration, tooling).
func (c *Coordinator) ServerList() *serverlist.List {
	return c.serverList
}

// Recover replays the replicated log to rebuild membership after a
// coordinator restart. It must be called before Run on a coordinator
// taking over an existing cluster.
func (c *Coordinator) Recover(ctx context.Context) error {
	return c.serverList.Recover(ctx)
}

// Run serves the coordinator's grpc services until the context is
// cancelled, then drains the dissemination loop and shuts down.
func (c *Coordinator) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		c.grpcServer.GracefulStop()
	}()

	err := c.grpcServer.Serve(c.grpcListener)

	// Let every member confirm the current version before tearing the
	// updater down; halting alone cancels in-flight updates and leaves
	// unconfirmed members stale.
	c.logger.Info("waiting for the cluster to confirm the current membership version")
	c.serverList.Sync()

	c.serverList.HaltUpdater()
	_ = c.updateClient.Close()

	return err
}
