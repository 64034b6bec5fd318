package api

import (
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// HealthServiceName is the gRPC health service name tracking the model.
const HealthServiceName = "diagnosis"

// HealthServer exposes grpc.health.v1.Health. The overall status ("") is
// SERVING while the process is up; HealthServiceName follows the model.
type HealthServer struct {
	server *grpc.Server
	health *health.Server
}

func NewHealthServer(modelReady bool) *HealthServer {
	grpcServer := grpc.NewServer()
	healthServer := health.NewServer()

	healthpb.RegisterHealthServer(grpcServer, healthServer)
	reflection.Register(grpcServer)

	h := &HealthServer{server: grpcServer, health: healthServer}
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	h.SetModelReady(modelReady)
	return h
}

func (h *HealthServer) SetModelReady(ready bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if ready {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.health.SetServingStatus(HealthServiceName, status)
}

func (h *HealthServer) Serve(lis net.Listener) error {
	return h.server.Serve(lis)
}

// Stop marks every service NOT_SERVING and drains open streams.
func (h *HealthServer) Stop() {
	h.health.Shutdown()
	h.server.GracefulStop()
}
