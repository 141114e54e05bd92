// Package main is the entry point for the pushgate delivery server.
package main

import (
	"context"
	"database/sql"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/opsdeck/pushgate/internal/authn"
	"github.com/opsdeck/pushgate/internal/config"
	"github.com/opsdeck/pushgate/internal/notify"
	"github.com/opsdeck/pushgate/internal/repository"
	"github.com/opsdeck/pushgate/internal/server"
	"github.com/opsdeck/pushgate/internal/server/ws"
	"github.com/opsdeck/pushgate/internal/session"
	"github.com/opsdeck/pushgate/pkg/logger"
	"github.com/opsdeck/pushgate/pkg/metrics"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		// Malformed startup configuration is the one programmer error
		// allowed to abort the process.
		panic(err)
	}

	log := logger.New(logger.Config{
		Environment: cfg.AppEnv,
		LogLevel:    cfg.LogLevel,
		ServiceName: "pushgate",
	})
	defer func() {
		if err := log.Sync(); err != nil {
			log.Warn("failed to sync logger", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		log.Fatal("failed to open database", zap.Error(err))
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Warn("failed to close database", zap.Error(err))
		}
	}()
	if err := db.PingContext(ctx); err != nil {
		log.Fatal("database unreachable", zap.Error(err))
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr(),
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer func() {
		if err := rdb.Close(); err != nil {
			log.Warn("failed to close redis client", zap.Error(err))
		}
	}()
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal("redis unreachable", zap.Error(err))
	}

	directory := repository.NewUserDirectory(db, log)
	store := repository.NewMessageStore(db, log)
	sessions := session.NewStore(rdb, log)

	limiter := authn.NewRateLimiter(cfg.RateLimitWindow, cfg.MaxAttemptsPerUser, cfg.MaxAttemptsPerIP)
	auditor := authn.NewAuditor(log, rdb)
	authHandler := authn.NewHandler(log, limiter, sessions, directory, auditor, cfg.JWTSecret)

	namespaces := notify.NewNamespaceManager(log, authHandler)
	history := notify.NewHistory(cfg.HistorySize)
	throttle := notify.NewThrottle(cfg.ThrottleWindow, cfg.ThrottlePerUser)
	router := notify.NewRouter(log, directory, store, namespaces, history, throttle, auditor, cfg.PersistenceTimeout)

	wsHandler := ws.NewHandler(log, authHandler, namespaces, router)
	srv := server.New(log, ":"+cfg.AppPort, authHandler, router, wsHandler)

	// Periodic sweeps bound the rate-limit and throttle tables; they are an
	// optimization, not a correctness requirement.
	sweeper := cron.New()
	if _, err := sweeper.AddFunc("@every 1m", func() {
		limiter.CleanupOldData()
		throttle.Sweep()
	}); err != nil {
		log.Fatal("failed to schedule sweeps", zap.Error(err))
	}
	sweeper.Start()
	defer sweeper.Stop()

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return srv.Run(groupCtx)
	})
	group.Go(func() error {
		return metrics.Serve(":"+cfg.MetricsPort, log)
	})

	log.Info("pushgate started",
		zap.String("app_port", cfg.AppPort),
		zap.String("metrics_port", cfg.MetricsPort),
		zap.String("environment", cfg.AppEnv),
	)

	if err := group.Wait(); err != nil {
		log.Error("server exited", zap.Error(err))
	}
	log.Info("server stopped")
}
