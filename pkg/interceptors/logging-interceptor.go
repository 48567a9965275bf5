package interceptors

import (
	"context"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
)

type RequestLoggingInterceptor struct {
	logger *zap.Logger
}

func NewRequestLoggingInterceptor(log *zap.Logger) *RequestLoggingInterceptor {
	return &RequestLoggingInterceptor{
		logger: log,
	}
}

func (rli *RequestLoggingInterceptor) UnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		md, _ := metadata.FromIncomingContext(ctx)

		peerAddr := "unknown"
		if p, ok := peer.FromContext(ctx); ok {
			peerAddr = p.Addr.String()
		}

		rli.logger.Debug("handling rpc",
			zap.String("method", info.FullMethod),
			zap.String("peer", peerAddr),
			zap.Strings("user-agent", md.Get("user-agent")))

		resp, err := handler(ctx, req)
		if err != nil {
			rli.logger.Debug("rpc failed",
				zap.String("method", info.FullMethod),
				zap.Error(err))
		}

		return resp, err
	}
}
