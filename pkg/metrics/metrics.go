package metrics

import (
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// CslMetrics instruments the coordinator's dissemination path.
type CslMetrics struct {
	VersionsPublished metric.Int64Counter
	UpdatesSent       metric.Int64Counter
	UpdateFailures    metric.Int64Counter
	FullListsBuilt    metric.Int64Counter
}

var (
	cslMetrics     *CslMetrics
	cslMetricsLock sync.Mutex
)

func GetCslMetrics() *CslMetrics {
	cslMetricsLock.Lock()

	if cslMetrics != nil {
		cslMetricsLock.Unlock()
		return cslMetrics
	}

	cslMetrics = newCslMetrics()

	cslMetricsLock.Unlock()
	return cslMetrics
}

// GrpcMetrics instruments the coordinator's grpc surface.
type GrpcMetrics struct {
	RequestsTotal  metric.Int64Counter
	ActiveRequests metric.Int64UpDownCounter
}

var (
	grpcMetrics     *GrpcMetrics
	grpcMetricsLock sync.Mutex
)

func GetGrpcMetrics() *GrpcMetrics {
	grpcMetricsLock.Lock()

	if grpcMetrics != nil {
		grpcMetricsLock.Unlock()
		return grpcMetrics
	}

	grpcMetrics = newGrpcMetrics()

	grpcMetricsLock.Unlock()
	return grpcMetrics
}

func newGrpcMetrics() *GrpcMetrics {
	meter := otel.Meter("com.tempestkv.coordinator")

	requestsTotal, _ := meter.Int64Counter("grpc_requests_total")
	activeRequests, _ := meter.Int64UpDownCounter("grpc_requests")

	return &GrpcMetrics{
		RequestsTotal:  requestsTotal,
		ActiveRequests: activeRequests,
	}
}

func newCslMetrics() *CslMetrics {
	meter := otel.Meter("com.tempestkv.coordinator")

	versionsPublished, _ := meter.Int64Counter("serverlist_versions_published_total")
	updatesSent, _ := meter.Int64Counter("serverlist_updates_sent_total")
	updateFailures, _ := meter.Int64Counter("serverlist_update_failures_total")
	fullListsBuilt, _ := meter.Int64Counter("serverlist_full_lists_built_total")

	return &CslMetrics{
		VersionsPublished: versionsPublished,
		UpdatesSent:       updatesSent,
		UpdateFailures:    updateFailures,
		FullListsBuilt:    fullListsBuilt,
	}
}
