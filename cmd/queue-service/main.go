package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"clinicflow/queue-service/internal/audit"
	"clinicflow/queue-service/internal/config"
	"clinicflow/queue-service/internal/engine"
	"clinicflow/queue-service/internal/events"
	"clinicflow/queue-service/internal/httpapi"
	"clinicflow/queue-service/internal/projector"
	"clinicflow/queue-service/internal/store/postgres"
	"clinicflow/queue-service/internal/sweep"
	"clinicflow/queue-service/internal/telemetry"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	logger := zerolog.New(os.Stdout).With().
		Timestamp().
		Str("service", "queue-service").
		Logger()

	shutdownTracing := telemetry.Setup("queue-service")
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(ctx)
	}()

	pool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("db connect")
	}
	defer pool.Close()

	db := postgres.NewStore(pool)

	var sink audit.Sink = db
	qe := engine.NewEngine(db, db, db, db, sink, logger, engine.Config{
		AvgConsultMinutes: cfg.AvgConsultMinutes,
		LateBoostMinutes:  cfg.LateBoostMinutes,
		LateBoostPriority: cfg.LateBoostPriority,
	})
	views := projector.New(db, db, projector.Config{
		AvgConsultMinutes: cfg.AvgConsultMinutes,
		BoardSize:         cfg.BoardSize,
	})
	job := sweep.NewJob(db, qe, sink, logger, cfg.SweepInterval,
		sweep.NewCache(cfg.SweepDedupTTL, nil))

	handler := httpapi.NewHandler(qe, views, job)

	var limited http.Handler
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		limited = httpapi.NewRedisRateLimiter(rdb, cfg.RateLimitPerMinute, logger).
			Middleware(handler.Routes())
	} else {
		limited = httpapi.NewRateLimiter(httpapi.RateLimitConfig{
			PerMinute: cfg.RateLimitPerMinute,
			Burst:     cfg.RateLimitBurst,
		}).Middleware(handler.Routes())
	}

	chain := httpapi.RecoveryMiddleware(logger)(
		httpapi.LoggingMiddleware(logger)(limited))

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      otelhttp.NewHandler(chain, "queue-service"),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		logger.Info().Str("addr", server.Addr).Msg("queue-service listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	go job.Run(ctx)

	publisher := events.NewPublisher(db, cfg.KafkaBrokers, cfg.AuditTopic, logger, cfg.PublishInterval)
	defer publisher.Close()
	go publisher.Run(ctx)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown error")
	}
}
