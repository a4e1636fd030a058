// Package grpc exposes the standard gRPC health service so orchestrators can
// probe the chat service without speaking its HTTP API.
package grpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	sdkgrpc "github.com/mama165/sdk-go/grpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the health service entry of the chat gateway.
const ServiceName = "market-chat.Gateway"

// Readiness reports whether the service can accept traffic.
type Readiness func(ctx context.Context) error

type HealthServer struct {
	log       *slog.Logger
	server    *grpc.Server
	health    *health.Server
	readiness Readiness
	interval  time.Duration
}

func NewHealthServer(log *slog.Logger, readiness Readiness, interval time.Duration) *HealthServer {
	s := grpc.NewServer(grpc.ChainUnaryInterceptor(sdkgrpc.UnaryLoggingInterceptor(log)))
	h := health.NewServer()
	healthpb.RegisterHealthServer(s, h)
	return &HealthServer{log: log, server: s, health: h, readiness: readiness, interval: interval}
}

// Serve blocks until ctx is done, then stops gracefully. The serving status
// follows the readiness check on every interval.
func (s *HealthServer) Serve(ctx context.Context, address string) error {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", address, err)
	}
	s.probe(ctx)

	errChan := make(chan error, 1)
	go func() {
		s.log.Info("Starting gRPC health server", "address", address)
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			errChan <- fmt.Errorf("gRPC server error: %w", err)
		}
		close(errChan)
	}()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.health.Shutdown()
			s.server.GracefulStop()
			return nil
		case err := <-errChan:
			return err
		case <-ticker.C:
			s.probe(ctx)
		}
	}
}

func (s *HealthServer) probe(ctx context.Context) {
	status := healthpb.HealthCheckResponse_SERVING
	if err := s.readiness(ctx); err != nil {
		s.log.Warn("Readiness check failed", "error", err)
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}
