// Package health exposes worker liveness over the standard gRPC health
// checking protocol.
package health

import (
	"context"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Service is the name reported alongside the overall ("") status.
const Service = "eylo.worker"

// Server aggregates component health into one gRPC health status: SERVING
// only while every reported component is healthy.
type Server struct {
	hs *health.Server

	mu        sync.Mutex
	unhealthy map[string]bool
}

func New() *Server {
	s := &Server{hs: health.NewServer(), unhealthy: make(map[string]bool)}
	s.publish()
	return s
}

// SetServing records component's state and republishes the aggregate.
func (s *Server) SetServing(component string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ok {
		delete(s.unhealthy, component)
	} else {
		s.unhealthy[component] = true
	}
	s.publish()
}

// Unhealthy lists components currently reporting failure.
func (s *Server) Unhealthy() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.unhealthy))
	for c := range s.unhealthy {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Shutdown reports NOT_SERVING on every service and stops accepting updates.
func (s *Server) Shutdown() { s.hs.Shutdown() }

// publish must be called with mu held.
func (s *Server) publish() {
	status := healthpb.HealthCheckResponse_SERVING
	if len(s.unhealthy) > 0 {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.hs.SetServingStatus("", status)
	s.hs.SetServingStatus(Service, status)
}

// NewGRPCServer registers s with a new grpc.Server and returns it.
func NewGRPCServer(s *Server) *grpc.Server {
	g := grpc.NewServer()
	healthpb.RegisterHealthServer(g, s.hs)
	return g
}

// Serve listens on addr until ctx is cancelled, then stops gracefully.
func Serve(ctx context.Context, s *Server, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	g := NewGRPCServer(s)
	go func() {
		<-ctx.Done()
		s.Shutdown()
		g.GracefulStop()
	}()
	return g.Serve(lis)
}

// Check probes addr and returns the reported status of service.
func Check(ctx context.Context, addr, service string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	cc, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, fmt.Errorf("dial %s: %w", addr, err)
	}
	defer cc.Close()

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	resp, err := healthpb.NewHealthClient(cc).Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, fmt.Errorf("health check: %w", err)
	}
	return resp.GetStatus(), nil
}
