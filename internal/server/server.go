// ============================================================================
// workunit-bridge Host Server - gRPC endpoint of the host runtime
// ============================================================================
//
// Package: internal/server
// File: server.go
// Purpose: serve a bridge.Bridge implementation (normally hostsim.Host) as
// the workunit.v1.HostRuntime gRPC service, so a client process can reach
// it with bridge.Dial.
//
// Every call passes a unary interceptor that logs it, counts failures by
// category, and tracks client activity for the health endpoint.
//
// ============================================================================

package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/status"

	"github.com/ChuLiYu/workunit-bridge/internal/bridge"
	"github.com/ChuLiYu/workunit-bridge/internal/metrics"
)

// Server hosts the HostRuntime service.
type Server struct {
	grpc    *grpc.Server
	metrics *metrics.Collector
	log     *slog.Logger

	mu       sync.RWMutex
	calls    int64
	failures int64
	lastOp   string
	lastSeen time.Time
}

// Activity summarizes the calls served so far.
type Activity struct {
	Calls    int64
	Failures int64
	LastOp   string
	LastSeen time.Time
}

// Option configures a Server.
type Option func(*Server)

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.log = l }
}

func WithMetrics(m *metrics.Collector) Option {
	return func(s *Server) { s.metrics = m }
}

// NewServer registers host as the HostRuntime service of a new gRPC server.
func NewServer(host bridge.Bridge, opts ...Option) *Server {
	s := &Server{log: slog.Default().With("component", "server")}
	for _, opt := range opts {
		opt(s)
	}
	s.grpc = grpc.NewServer(grpc.UnaryInterceptor(s.intercept))
	bridge.RegisterHostRuntime(s.grpc, host)
	return s
}

// Serve accepts connections on lis until Stop is called.
func (s *Server) Serve(lis net.Listener) error {
	s.log.Info("host runtime listening", "addr", lis.Addr().String())
	if err := s.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("server: serve: %w", err)
	}
	return nil
}

// ListenAndServe serves on addr until ctx is cancelled, then stops
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("server: listen on %s: %w", addr, err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- s.Serve(lis) }()

	select {
	case <-ctx.Done():
		s.Stop()
		return <-errCh
	case err := <-errCh:
		return err
	}
}

// Stop waits for in-flight calls and closes all listeners.
func (s *Server) Stop() {
	s.grpc.GracefulStop()
}

// Activity returns a snapshot of the call counters.
func (s *Server) Activity() Activity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Activity{Calls: s.calls, Failures: s.failures, LastOp: s.lastOp, LastSeen: s.lastSeen}
}

func (s *Server) intercept(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)

	op := bridge.MethodOp(info.FullMethod)
	if op == "" {
		op = info.FullMethod
	}

	s.mu.Lock()
	s.calls++
	s.lastOp = op
	s.lastSeen = time.Now()
	if err != nil {
		s.failures++
	}
	s.mu.Unlock()

	if err != nil {
		code := status.Code(err)
		s.metrics.RecordBridgeError(op, code.String())
		s.log.Warn("call failed", "op", op, "code", code.String(), "error", status.Convert(err).Message())
	} else {
		s.log.Debug("call served", "op", op, "duration", time.Since(start))
	}
	return resp, err
}
