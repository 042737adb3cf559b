// Package server exposes the engine over HTTP and reports readiness over the
// gRPC health protocol.
package server

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/mattkinnersley/script-runner/internal/state"
)

// Jobs is the part of the engine the boundary depends on.
type Jobs interface {
	TrySubmit(scriptPath string) (string, error)
	Get(id string) (*state.Job, error)
	List() []*state.Job
	Stop(id string) error
}

type Options struct {
	// ScriptExtension is the required, case-insensitive script extension.
	ScriptExtension string
	// RatePermits requests are admitted per RateWindow. Zero disables the limit.
	RatePermits int
	RateWindow  time.Duration
	// FollowInterval is how often a websocket follower polls for new output.
	FollowInterval time.Duration
}

type Server struct {
	jobs    Jobs
	opts    Options
	limiter *rate.Limiter
	ready   atomic.Bool

	httpServer *http.Server
	grpcServer *grpc.Server
	health     *health.Server
}

func New(jobs Jobs, opts Options) *Server {
	if opts.FollowInterval <= 0 {
		opts.FollowInterval = 250 * time.Millisecond
	}
	s := &Server{
		jobs:   jobs,
		opts:   opts,
		health: health.NewServer(),
	}
	if opts.RatePermits > 0 && opts.RateWindow > 0 {
		every := rate.Limit(float64(opts.RatePermits) / opts.RateWindow.Seconds())
		s.limiter = rate.NewLimiter(every, opts.RatePermits)
	}

	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	gs := grpc.NewServer()
	healthpb.RegisterHealthServer(gs, s.health)
	// Enable gRPC reflection for grpcurl and debugging
	reflection.Register(gs)
	s.grpcServer = gs

	s.SetReady(false)
	return s
}

// SetReady flips the readiness flag reported by /api/status and the gRPC
// health service.
func (s *Server) SetReady(ready bool) {
	s.ready.Store(ready)
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if ready {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
}

func (s *Server) Ready() bool {
	return s.ready.Load()
}

// Serve serves HTTP on lis until Shutdown is called.
func (s *Server) Serve(lis net.Listener) error {
	slog.Info("starting HTTP server", "addr", lis.Addr().String())
	if err := s.httpServer.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "serving HTTP")
	}
	return nil
}

// ServeGRPC serves the health service on lis until Shutdown is called.
func (s *Server) ServeGRPC(lis net.Listener) error {
	slog.Info("starting gRPC server", "addr", lis.Addr().String())
	if err := s.grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return errors.Wrap(err, "serving gRPC")
	}
	return nil
}

// Shutdown marks the service as not ready and stops both listeners,
// waiting for in-flight HTTP requests until ctx is done.
func (s *Server) Shutdown(ctx context.Context) error {
	s.SetReady(false)
	s.health.Shutdown()

	stopped := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(stopped)
	}()

	err := s.httpServer.Shutdown(ctx)
	select {
	case <-stopped:
	case <-ctx.Done():
		s.grpcServer.Stop()
		<-stopped
	}
	return err
}
