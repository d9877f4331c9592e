package server

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/oggyb/matchcore/internal/auth"
	svcErr "github.com/oggyb/matchcore/internal/errors"
	"github.com/oggyb/matchcore/internal/logger"
)

// TokenVerifier turns a bearer token into a user id.
type TokenVerifier interface {
	Verify(token string) (string, error)
}

// RateLimiter admits or rejects a call for a user. Implemented by cache.RedisCache.
type RateLimiter interface {
	AllowRequest(ctx context.Context, userID string, limit int, window time.Duration) (bool, error)
}

// AuthInterceptor resolves the caller from the "authorization" metadata and
// stores the user id on the context. Calls without a valid token fail fast.
func AuthInterceptor(v TokenVerifier) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		md, _ := metadata.FromIncomingContext(ctx)
		var token string
		if vals := md.Get("authorization"); len(vals) > 0 {
			token = auth.BearerToken(vals[0])
		}
		if token == "" {
			return nil, svcErr.Unauthenticated("missing bearer token")
		}
		userID, err := v.Verify(token)
		if err != nil {
			return nil, svcErr.Map(err)
		}
		ctx = logger.NewContext(auth.WithUserID(ctx, userID), logger.FromContext(ctx, nil).With("user_id", userID))
		return handler(ctx, req)
	}
}

// RateLimitInterceptor caps calls per user per minute. A limiter outage lets
// calls through rather than taking the API down with it.
func RateLimitInterceptor(log *slog.Logger, rl RateLimiter, perMinute int) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		userID, err := auth.UserID(ctx)
		if err != nil || rl == nil {
			return handler(ctx, req)
		}
		ok, err := rl.AllowRequest(ctx, userID, perMinute, time.Minute)
		if err != nil {
			log.Warn("rate limiter unavailable", "err", err)
			return handler(ctx, req)
		}
		if !ok {
			return nil, svcErr.Map(svcErr.ErrRateLimited)
		}
		return handler(ctx, req)
	}
}

// LoggingInterceptor logs every call with its duration and status code, and
// maps any error that escaped the service layer.
func LoggingInterceptor(log *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		method := info.FullMethod[strings.LastIndex(info.FullMethod, "/")+1:]
		resp, err := handler(logger.NewContext(ctx, log.With("method", method)), req)
		err = svcErr.Map(err)

		code := status.Code(err)
		args := []any{"method", method, "code", code.String(), "duration", time.Since(start)}
		switch {
		case err == nil:
			log.Debug("rpc", args...)
		case code == codes.Internal || code == codes.Unknown:
			log.Error("rpc failed", append(args, "err", err)...)
		default:
			log.Info("rpc rejected", append(args, "err", err)...)
		}
		return resp, err
	}
}

// ChainUnary composes interceptors so the first one is the outermost.
func ChainUnary(interceptors ...grpc.UnaryServerInterceptor) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		next := handler
		for i := len(interceptors) - 1; i >= 0; i-- {
			ic, h := interceptors[i], next
			next = func(ctx context.Context, req any) (any, error) {
				return ic(ctx, req, info, h)
			}
		}
		return next(ctx, req)
	}
}
