// Package grpcserver is the operational gRPC surface of the note server: standard health
// checking that follows directory readiness, the token protected admin service and reflection
// in dev mode.
package grpcserver

import (
	"context"
	"net"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// DirectoryService is the health service name that tracks the note directory.
const DirectoryService = "gophnotes.Directory"

// ReadyFunc reports whether the directory accepts connections.
type ReadyFunc func(ctx context.Context) bool

// Server wraps a grpc.Server with the health service and the interceptor chain.
type Server struct {
	log    *zap.Logger
	srv    *grpc.Server
	health *health.Server
	ready  ReadyFunc
}

// New builds the server. opts are appended after the interceptors, e.g. grpc.Creds.
func New(log *zap.Logger, auth Authenticator, ready ReadyFunc, sessions SessionsFunc, dev bool, opts ...grpc.ServerOption) *Server {
	opts = append([]grpc.ServerOption{
		grpc.ChainUnaryInterceptor(
			RecoverUnary(log),
			LoggingUnary(log),
			AuthUnary(auth),
		),
		grpc.ChainStreamInterceptor(
			RecoverStream(log),
			LoggingStream(log),
			AuthStream(auth),
		),
	}, opts...)

	s := &Server{
		log:    log,
		srv:    grpc.NewServer(opts...),
		health: health.NewServer(),
		ready:  ready,
	}
	healthpb.RegisterHealthServer(s.srv, s.health)
	s.srv.RegisterService(&adminServiceDesc, adminServer{sessions: sessions})
	if dev {
		reflection.Register(s.srv)
	}
	s.setServing(false)
	return s
}

func (s *Server) setServing(ok bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if ok {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(DirectoryService, st)
}

// Probe updates the health status from the ready func once.
func (s *Server) Probe(ctx context.Context) bool {
	ok := s.ready(ctx)
	s.setServing(ok)
	return ok
}

// WatchReady checks readiness every interval until ctx is done, then reports NOT_SERVING.
func (s *Server) WatchReady(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	last := s.Probe(ctx)
	for {
		select {
		case <-ctx.Done():
			s.health.Shutdown()
			return
		case <-t.C:
			if ok := s.Probe(ctx); ok != last {
				s.log.Info("directory readiness changed", zap.Bool("ready", ok))
				last = ok
			}
		}
	}
}

// Serve accepts connections on lis until Stop.
func (s *Server) Serve(lis net.Listener) error { return s.srv.Serve(lis) }

// Stop drains in-flight calls, forcing the stop after timeout.
func (s *Server) Stop(timeout time.Duration) {
	s.health.Shutdown()
	done := make(chan struct{})
	go func() {
		s.srv.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		s.srv.Stop()
	}
}
