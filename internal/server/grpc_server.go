package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/reflection"

	"github.com/oggyb/matchcore/internal/config"
)

// Interceptors returns the unary chain shared by the gRPC server and the HTTP gateway.
func Interceptors(log *slog.Logger, v TokenVerifier, rl RateLimiter, cfg *config.Config) grpc.UnaryServerInterceptor {
	return ChainUnary(
		LoggingInterceptor(log),
		AuthInterceptor(v),
		RateLimitInterceptor(log, rl, cfg.Match.RateLimitPerMinute),
	)
}

// NewGRPCServer builds a gRPC server and registers all provided services.
func NewGRPCServer(interceptor grpc.UnaryServerInterceptor, registrars ...Registrar) *grpc.Server {
	grpcServer := grpc.NewServer(grpc.UnaryInterceptor(interceptor))

	for _, r := range registrars {
		r.Register(grpcServer)
	}

	// enable reflection for easier debugging with grpcurl
	reflection.Register(grpcServer)
	return grpcServer
}

// ServeGRPC listens on the configured address and serves until ctx is done.
func ServeGRPC(ctx context.Context, cfg *config.Config, s *grpc.Server) error {
	addr := fmt.Sprintf("%s:%s", cfg.GRPC.Host, cfg.GRPC.Port)
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	go func() {
		<-ctx.Done()
		s.GracefulStop()
	}()
	if err := s.Serve(lis); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
