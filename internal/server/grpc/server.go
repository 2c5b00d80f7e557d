package grpcserver

import (
	"context"
	"net"
	"time"

	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"github.com/rzbill/ice/internal/runtime"
	logpkg "github.com/rzbill/ice/pkg/log"
)

// Server owns the gRPC server instance and runtime.
type Server struct {
	rt     *runtime.Runtime
	grpc   *grpc.Server
	lis    net.Listener
	health *healthProbe
	logger logpkg.Logger
}

// New constructs a gRPC server and registers the Ice and health services.
func New(rt *runtime.Runtime, logger logpkg.Logger, opts ...grpc.ServerOption) *Server {
	if logger == nil {
		logger = logpkg.NewLogger(logpkg.WithLevel(logpkg.InfoLevel))
	}
	logger = logger.WithComponent("grpc")
	s := &Server{rt: rt, logger: logger}
	opts = append([]grpc.ServerOption{grpc.ChainUnaryInterceptor(s.logUnary)}, opts...)
	s.grpc = grpc.NewServer(opts...)
	s.health = newHealthProbe(rt, logger)
	s.health.check(context.Background())
	RegisterIceServiceServer(s.grpc, &iceSvc{rt: rt})
	healthpb.RegisterHealthServer(s.grpc, s.health.srv)
	return s
}

// ListenAndServe binds to addr and serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, l)
}

// Serve serves on l until ctx is done.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	s.lis = l
	s.logger.Info("grpc listening", logpkg.Str("addr", l.Addr().String()))
	hctx, stopHealth := context.WithCancel(ctx)
	defer stopHealth()
	go s.health.run(hctx)

	errCh := make(chan error, 1)
	go func() { errCh <- s.grpc.Serve(l) }()
	select {
	case <-ctx.Done():
		s.health.shutdown()
		s.grpc.GracefulStop()
		return nil
	case err := <-errCh:
		return err
	}
}

// Close stops the server and closes the listener.
func (s *Server) Close() {
	if s.grpc != nil {
		s.health.shutdown()
		s.grpc.GracefulStop()
	}
	if s.lis != nil {
		_ = s.lis.Close()
	}
}

func (s *Server) logUnary(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	fields := []logpkg.Field{
		logpkg.Str(logpkg.OperationKey, info.FullMethod),
		logpkg.Dur("elapsed", time.Since(start)),
	}
	if err != nil {
		fields = append(fields, logpkg.Str("code", status.Code(err).String()), logpkg.Err(err))
		s.logger.Warn("grpc call failed", fields...)
		return resp, err
	}
	s.logger.Debug("grpc call", fields...)
	return resp, err
}
