// pkg/health/health.go
package health

import (
	"context"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

// Probe 返回nil表示服务可用
type Probe func() error

type HealthServer struct {
	grpc_health_v1.UnimplementedHealthServer

	probe  Probe
	logger *zap.Logger
}

func NewHealthServer(probe Probe, logger *zap.Logger) *HealthServer {
	return &HealthServer{probe: probe, logger: logger}
}

// Check 只认识空服务名, 即整个进程
func (s *HealthServer) Check(ctx context.Context,
	req *grpc_health_v1.HealthCheckRequest) (*grpc_health_v1.HealthCheckResponse, error) {
	if req.GetService() != "" {
		return nil, status.Errorf(codes.NotFound, "unknown service %q", req.GetService())
	}
	if err := s.probe(); err != nil {
		s.logger.Warn("Health check failed", zap.Error(err))
		return &grpc_health_v1.HealthCheckResponse{Status: grpc_health_v1.HealthCheckResponse_NOT_SERVING}, nil
	}
	return &grpc_health_v1.HealthCheckResponse{Status: grpc_health_v1.HealthCheckResponse_SERVING}, nil
}
