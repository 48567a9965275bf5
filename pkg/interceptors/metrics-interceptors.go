package interceptors

import (
	"context"

	"google.golang.org/grpc"

	"github.com/tempestkv/tempest-coordinator/pkg/metrics"
)

type MetricsInterceptor struct {
	metrics *metrics.GrpcMetrics
}

func NewMetricsInterceptor(metrics *metrics.GrpcMetrics) *MetricsInterceptor {
	return &MetricsInterceptor{
		metrics: metrics,
	}
}

func (mi *MetricsInterceptor) UnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (response interface{}, err error) {
		mi.metrics.RequestsTotal.Add(ctx, 1)
		mi.metrics.ActiveRequests.Add(ctx, 1)

		resp, err := handler(ctx, req)

		mi.metrics.ActiveRequests.Add(ctx, -1)

		return resp, err
	}
}
