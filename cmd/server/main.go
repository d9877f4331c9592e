package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/oggyb/matchcore/internal/app"
	"github.com/oggyb/matchcore/internal/auth"
	"github.com/oggyb/matchcore/internal/bus"
	"github.com/oggyb/matchcore/internal/cache"
	"github.com/oggyb/matchcore/internal/chat"
	"github.com/oggyb/matchcore/internal/config"
	"github.com/oggyb/matchcore/internal/db"
	"github.com/oggyb/matchcore/internal/logger"
	"github.com/oggyb/matchcore/internal/matcher"
	"github.com/oggyb/matchcore/internal/notify"
	"github.com/oggyb/matchcore/internal/presence"
	"github.com/oggyb/matchcore/internal/queue"
	"github.com/oggyb/matchcore/internal/repository"
	"github.com/oggyb/matchcore/internal/requeue"
	"github.com/oggyb/matchcore/internal/server"
	"github.com/oggyb/matchcore/internal/service/matchcore"
	"github.com/oggyb/matchcore/internal/session"
	"github.com/oggyb/matchcore/internal/signaling"
)

func main() {
	cfg := config.New()

	// Init logger (global singleton)
	logger.InitFromConfig(cfg)
	log := logger.L()

	if err := run(cfg); err != nil {
		log.Error("matchcore stopped", "err", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	log := logger.L()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Init DB
	database, err := db.NewDB(cfg)
	if err != nil {
		return err
	}

	// Init Redis
	redisCache := cache.NewRedisCache(cfg)
	if err := redisCache.Ping(ctx); err != nil {
		return err
	}
	defer redisCache.Close()

	appCtx := app.New(database, redisCache, log, cfg)

	if cfg.App.ENV == "development" {
		if ids, err := db.SeedTestData(database); err != nil {
			log.Error("failed to seed", "err", err)
		} else {
			log.Info("seeded demo users", "count", len(ids))
		}
	}

	// Runtime components
	store := repository.NewStore(database)
	registry := presence.NewRegistry(log, redisCache, cfg.Match.DisconnectGrace, cfg.Match.PingInterval)
	defer registry.Close()
	conversations := bus.New(log)
	notifier := notify.New(log, store.Notifications, registry)

	q := queue.New(log, store.Queue, store.Users, redisCache, cfg.Match.QueueHeartbeat)
	if n, err := q.Restore(ctx); err != nil {
		return err
	} else if n > 0 {
		log.Info("queue restored", "waiting", n)
	}

	orch := session.New(log, store, notifier, conversations, redisCache, session.Options{
		ProposalTTL:    cfg.Match.ProposalTTL,
		CallRing:       cfg.Match.CallRing,
		NegotiationTTL: cfg.Match.NegotiationTTL,
	})
	defer orch.Close()
	orch.OnTerminal(requeue.New(log, q).OnTerminal)

	m := matcher.New(log, q, store.Users, store.Matches, store.Sessions, redisCache, notifier, matcher.Options{
		Tick:            cfg.Match.QueueTick,
		DeclineCooldown: cfg.Match.DeclineCooldown,
		ProposalTTL:     cfg.Match.ProposalTTL,
	})
	chatSvc := chat.New(log, store, conversations, registry)

	// Transports
	verifier := auth.NewVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	sig := signaling.New(log, signaling.Deps{
		Verifier: verifier,
		Presence: registry,
		Rooms:    conversations,
		Sessions: orch,
		Chat:     chatSvc,
		Queue:    q,
		Limiter:  redisCache,
	}, signaling.Options{
		PingInterval:    cfg.Match.PingInterval,
		EventsPerMinute: 10 * cfg.Match.RateLimitPerMinute,
		AllowedOrigins:  cfg.HTTP.AllowedOrigins,
	})
	registry.OnChange(sig.PresenceChanged)

	registrars := []server.Registrar{
		matchcore.NewRegistrar(appCtx, store, q, orch, chatSvc),
	}
	interceptor := server.Interceptors(log, verifier, redisCache, cfg)
	grpcServer := server.NewGRPCServer(interceptor, registrars...)
	httpHandler := server.NewHTTPHandler(log, server.HTTPDeps{
		Gateway:        server.NewGateway(log, interceptor, registrars...),
		Signal:         sig,
		Ready:          ready(database, redisCache),
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
	})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("starting gRPC server", "addr", cfg.GRPC.Host+":"+cfg.GRPC.Port)
		return server.ServeGRPC(ctx, cfg, grpcServer)
	})
	g.Go(func() error {
		log.Info("starting HTTP server", "addr", cfg.HTTP.Addr)
		return server.ServeHTTP(ctx, cfg.HTTP.Addr, httpHandler)
	})
	g.Go(func() error { return m.Run(ctx) })
	g.Go(func() error { return orch.Run(ctx) })
	g.Go(func() error { return db.Watch(ctx, log, database, time.Second, cfg.DB.GraceWindow) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("shutdown complete")
	return nil
}

// ready pings the store and Redis.
func ready(database *gorm.DB, rc *cache.RedisCache) server.ReadyFunc {
	return func(ctx context.Context) error {
		sqlDB, err := database.DB()
		if err != nil {
			return err
		}
		if err := sqlDB.PingContext(ctx); err != nil {
			return err
		}
		return rc.Ping(ctx)
	}
}
