package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/AfshinJalili/paycore/libs/auth"
	"github.com/AfshinJalili/paycore/libs/dblock"
	"github.com/AfshinJalili/paycore/libs/health"
	"github.com/AfshinJalili/paycore/libs/httpmiddleware"
	"github.com/AfshinJalili/paycore/libs/kafka"
	"github.com/AfshinJalili/paycore/libs/logging"
	"github.com/AfshinJalili/paycore/libs/metrics"
	"github.com/AfshinJalili/paycore/libs/ratelimit"
	"github.com/AfshinJalili/paycore/libs/retry"
	"github.com/AfshinJalili/paycore/libs/runtimeconfig"
	"github.com/AfshinJalili/paycore/libs/trace"
	"github.com/AfshinJalili/paycore/libs/workerpool"
	"github.com/AfshinJalili/paycore/services/ledger/internal/config"
	"github.com/AfshinJalili/paycore/services/ledger/internal/consumer"
	"github.com/AfshinJalili/paycore/services/ledger/internal/engine"
	"github.com/AfshinJalili/paycore/services/ledger/internal/handlers"
	"github.com/AfshinJalili/paycore/services/ledger/internal/jobs"
	"github.com/AfshinJalili/paycore/services/ledger/internal/service"
	"github.com/AfshinJalili/paycore/services/ledger/internal/storage"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"log/slog"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg.App.LogLevel, cfg.App.ServiceName, cfg.App.Env)
	shutdownTracer, err := trace.Init(context.Background(), trace.Config{
		ServiceName: cfg.App.ServiceName,
		Env:         cfg.App.Env,
		Endpoint:    cfg.Tracing.Endpoint,
		SampleRatio: cfg.Tracing.SampleRatio,
	})
	if err != nil {
		logger.Error("tracer init failed", "error", err)
	} else {
		defer func() {
			_ = shutdownTracer(context.Background())
		}()
	}

	if cfg.App.Env == "dev" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	registry := metrics.NewRegistry()
	ledgerMetrics := service.NewMetrics(registry)
	kafkaMetrics := kafka.NewProducerMetrics(registry)
	poolMetrics := workerpool.NewMetrics(registry)
	jobMetrics := jobs.NewMetrics(registry)

	ready := health.NewManager(false)

	pool, err := connectDB(cfg)
	if err != nil {
		logger.Error("db connection failed", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	store := storage.New(pool, logger, cfg.DB.LockTimeout)
	ready.AddCheck("postgres", store.Ping)

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	producer, err := kafka.NewSyncProducer(kafka.ProducerConfig{Brokers: cfg.Kafka.Brokers, ClientID: "ledger-service"}, logger, kafkaMetrics)
	if err != nil {
		logger.Error("kafka producer init failed", "error", err)
		os.Exit(1)
	}
	defer producer.Close()
	publisher := kafka.Publisher(producer)
	if cfg.Kafka.Topics.DeadLetter != "" {
		publisher = kafka.NewDLQPublisher(producer, producer, cfg.Kafka.Topics.DeadLetter, logger)
	}

	eng := engine.New(store, logger,
		engine.WithRetryPolicy(retry.Policy{MaxAttempts: cfg.Engine.MaxAttempts, Backoff: cfg.Engine.Backoff}),
		engine.WithMetrics(ledgerMetrics),
	)
	locker := dblock.NewLocker(pool, logger)

	ledgerService := service.NewLedgerService(
		eng,
		store,
		publisher,
		service.NewLoggingPayoutDispatcher(logger),
		locker,
		logger,
		ledgerMetrics,
		service.Config{EventsTopic: cfg.Kafka.Topics.LedgerEvents, PayoutLockTTL: cfg.Settlement.LockTTL},
	)

	pools := workerpool.NewRegistry()
	settlementPool, err := workerpool.New(jobs.PoolName, cfg.Settlement.Workers, workerpool.WithMetrics(poolMetrics))
	if err != nil {
		logger.Error("worker pool init failed", "error", err)
		os.Exit(1)
	}
	if err := pools.Register(settlementPool); err != nil {
		logger.Error("worker pool register failed", "error", err)
		os.Exit(1)
	}

	settlement := jobs.NewSettlementJob(store, ledgerService, locker, settlementPool, logger, jobMetrics, jobs.Config{
		Interval:  cfg.Settlement.Interval,
		BatchSize: cfg.Settlement.BatchSize,
		LockTTL:   cfg.Settlement.LockTTL,
		Grace:     cfg.Settlement.Grace,
	})

	consumerGroup, err := kafka.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.ConsumerGroup, logger)
	if err != nil {
		logger.Error("kafka consumer init failed", "error", err)
		os.Exit(1)
	}
	consumerGroup.WithDLQ(producer, cfg.Kafka.Topics.DeadLetter)
	defer consumerGroup.Close()
	paymentConsumer := consumer.NewPaymentConsumer(ledgerService, logger)

	var writeGuards []gin.HandlerFunc
	if cfg.RateLimit.Enabled {
		limiter := ratelimit.NewRedisLimiter(redisClient, cfg.RateLimit.Limit, cfg.RateLimit.Window, "")
		writeGuards = append(writeGuards, ratelimit.Middleware(limiter, auth.SubjectFrom, logger))
	}
	httpServer := buildHTTPServer(cfg, ledgerService, ready, registry, logger, writeGuards...)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("ledger http starting", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		logger.Info("ledger consumer starting", "topic", cfg.Kafka.Topics.Payments)
		return ignoreCanceled(consumerGroup.Consume(gctx, []string{cfg.Kafka.Topics.Payments}, paymentConsumer))
	})
	if cfg.Settlement.Enabled {
		g.Go(func() error {
			logger.Info("settlement job starting", "interval", cfg.Settlement.Interval, "workers", cfg.Settlement.Workers)
			return ignoreCanceled(settlement.Run(gctx))
		})
	}
	if cfg.Runtime.Enabled {
		poller := runtimeconfig.NewPoller(runtimeconfig.NewRedisSource(redisClient, cfg.Runtime.KeyPrefix), pools, cfg.Runtime.PollInterval, logger)
		g.Go(func() error {
			return ignoreCanceled(poller.Run(gctx))
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown started")
		ready.SetReady(false)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("http shutdown error", "error", err)
		}
		return nil
	})

	ready.SetReady(true)
	if err := g.Wait(); err != nil {
		logger.Error("ledger service stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func connectDB(cfg *config.Config) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DB.URL())
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

func buildHTTPServer(cfg *config.Config, svc *service.LedgerService, ready *health.Manager, registry *prometheus.Registry, logger *slog.Logger, writeGuards ...gin.HandlerFunc) *http.Server {
	router := gin.New()
	router.Use(httpmiddleware.RequestID())
	router.Use(httpmiddleware.Logger(logger))
	router.Use(httpmiddleware.Instrument(metrics.NewHTTP(registry)))
	router.Use(httpmiddleware.Recovery(logger))
	router.Use(trace.Middleware("/healthz", "/readyz", cfg.App.MetricsPath))

	router.GET("/healthz", health.LivenessHandler)
	router.GET("/readyz", health.ReadinessHandler(ready))
	router.GET(cfg.App.MetricsPath, gin.WrapH(metrics.Handler(registry)))

	handlers.New(svc, logger).Register(router, []byte(cfg.Auth.JWTSecret), writeGuards...)

	addr := fmt.Sprintf("%s:%d", cfg.App.HTTP.Host, cfg.App.HTTP.Port)
	return &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.App.HTTP.ReadTimeout,
		WriteTimeout: cfg.App.HTTP.WriteTimeout,
		IdleTimeout:  cfg.App.HTTP.IdleTimeout,
	}
}
