package diag

import (
	"context"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// Server exposes the diagnostics service on a TCP endpoint.
type Server struct {
	endpoint string
	server   *grpc.Server
	log      *zap.SugaredLogger
}

// NewServer creates a server for the source.
func NewServer(endpoint string, source Source, log *zap.SugaredLogger) *Server {
	log = log.With(zap.String("service", ServiceName))

	server := grpc.NewServer(grpc.ChainUnaryInterceptor(AccessLogInterceptor(log)))
	RegisterDiagnosticsServer(server, NewDiagnosticsService(source))

	return &Server{
		endpoint: endpoint,
		server:   server,
		log:      log,
	}
}

// Run serves requests until the specified context is canceled.
func (m *Server) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", m.endpoint)
	if err != nil {
		return fmt.Errorf("failed to initialize gRPC listener: %w", err)
	}
	return m.Serve(ctx, listener)
}

// Serve serves requests on the listener until the specified context is
// canceled.
func (m *Server) Serve(ctx context.Context, listener net.Listener) error {
	wg, ctx := errgroup.WithContext(ctx)
	wg.Go(func() error {
		m.log.Infow("exposing gRPC API", zap.Stringer("addr", listener.Addr()))
		return m.server.Serve(listener)
	})
	wg.Go(func() error {
		<-ctx.Done()

		m.log.Infow("stopping gRPC API", zap.Stringer("addr", listener.Addr()))
		m.server.GracefulStop()
		return nil
	})

	return wg.Wait()
}

// AccessLogInterceptor returns a gRPC unary server interceptor that logs
// completed calls.
func AccessLogInterceptor(log *zap.SugaredLogger) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		now := time.Now()
		resp, err := handler(ctx, req)
		duration := time.Since(now)
		code := status.Code(err)

		if err != nil {
			log.Errorw("failed to execute gRPC",
				zap.String("method", info.FullMethod),
				zap.String("status", code.String()),
				zap.Duration("duration", duration),
				zap.Error(err),
			)
		} else {
			log.Debugw("completed gRPC execution",
				zap.String("method", info.FullMethod),
				zap.Duration("duration", duration),
			)
		}
		return resp, err
	}
}
