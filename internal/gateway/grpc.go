// ABOUTME: gRPC health service reporting per-backend availability
// ABOUTME: Service "" is SERVING only while every backend is available

package gateway

import (
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// newHealthGRPCServer creates a gRPC server exposing only the health service.
// Every status starts NOT_SERVING until backends report in.
func newHealthGRPCServer() (*grpc.Server, *health.Server) {
	srv := grpc.NewServer()
	hs := health.NewServer()
	for _, name := range []string{"", BackendThings, BackendEnergyManager, BackendChargingSessions} {
		hs.SetServingStatus(name, healthpb.HealthCheckResponse_NOT_SERVING)
	}
	healthpb.RegisterHealthServer(srv, hs)
	return srv, hs
}

func servingStatus(available bool) healthpb.HealthCheckResponse_ServingStatus {
	if available {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}
