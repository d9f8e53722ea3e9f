package server

import (
	"PerpVault/internal/observability"
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// Server hosts the gRPC endpoint (health + reflection) and the HTTP side:
// the JSON API on a grpc-gateway mux, health probes, metrics and the
// event stream.
type Server struct {
	grpcServer   *grpc.Server
	healthServer *health.Server
	httpServer   *http.Server
	grpcAddr     string
	httpAddr     string
	deps         *ServerDeps
}

// ServerDeps holds everything the HTTP and gRPC handlers read from.
type ServerDeps struct {
	Reader        Reader
	Submitter     Submitter // nil disables POST /v1/commands
	Admin         Admin
	Hub           *EventHub // nil disables /v1/events/ws
	Metrics       *observability.Metrics
	HealthChecker *observability.HealthChecker
}

func NewServer(grpcAddr, httpAddr string, deps *ServerDeps) (*Server, error) {
	grpcServer := grpc.NewServer()

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

	// grpcurl / grpcui
	reflection.Register(grpcServer)

	handler, err := NewRouter(deps)
	if err != nil {
		return nil, err
	}

	return &Server{
		grpcServer:   grpcServer,
		healthServer: healthServer,
		httpServer: &http.Server{
			Addr:              httpAddr,
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
		},
		grpcAddr: grpcAddr,
		httpAddr: httpAddr,
		deps:     deps,
	}, nil
}

// SetReady flips both the HTTP readiness probe and the gRPC health status.
func (s *Server) SetReady(ready bool) {
	if s.deps.HealthChecker != nil {
		s.deps.HealthChecker.SetReady(ready)
	}
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if ready {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.healthServer.SetServingStatus("", status)
}

// StartGRPC starts the gRPC server (blocking).
func (s *Server) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	go func() {
		<-ctx.Done()
		log.Println("INFO: gRPC server shutting down...")
		s.healthServer.Shutdown()
		s.grpcServer.GracefulStop()
	}()

	log.Printf("INFO: gRPC server listening on %s", s.grpcAddr)
	return s.grpcServer.Serve(lis)
}

// StartHTTP starts the HTTP API (blocking).
func (s *Server) StartHTTP(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		log.Println("INFO: HTTP server shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	log.Printf("INFO: HTTP server listening on %s", s.httpAddr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
