package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	httphandler "payment-orchestration-engine/internal/adapters/http"
	"payment-orchestration-engine/internal/adapters/gateway/sandbox"
	"payment-orchestration-engine/internal/adapters/messaging/kafka"
	mockbus "payment-orchestration-engine/internal/adapters/messaging/mock"
	"payment-orchestration-engine/internal/adapters/notification"
	"payment-orchestration-engine/internal/adapters/storage/clickhouse"
	"payment-orchestration-engine/internal/adapters/storage/memory"
	"payment-orchestration-engine/internal/adapters/storage/postgres"
	"payment-orchestration-engine/internal/adapters/storage/redis"
	"payment-orchestration-engine/internal/antifraud"
	"payment-orchestration-engine/internal/app"
	"payment-orchestration-engine/internal/config"
	"payment-orchestration-engine/internal/core/domain"
	"payment-orchestration-engine/internal/core/messages"
	"payment-orchestration-engine/internal/core/ports"
	"payment-orchestration-engine/internal/eventsourcing"
	"payment-orchestration-engine/internal/observability"
	"payment-orchestration-engine/internal/resilience"
)

// envLocal runs the whole engine in one process: in-memory event and saga
// stores, the in-process bus and an embedded Redis unless one is configured.
const envLocal = "local"

func main() {
	// --- 1. Configuration and Logging ---
	fallbackLogger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		fallbackLogger.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg.App.Env, cfg.App.LogLevel)
	local := cfg.App.Env == envLocal
	logger.Info("Application starting", "env", cfg.App.Env, "port", cfg.Server.Port, "local", local)

	// --- 2. Validate critical config ---
	if !local {
		if err := cfg.Validate(); err != nil {
			logger.Error("Invalid configuration", "error", err)
			os.Exit(1)
		}
	}
	if cfg.JWT.Secret == "" {
		logger.Error("JWT_SECRET is not set")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- 3. Observability ---
	shutdownTracer, err := observability.InitTracer(ctx, cfg.Jaeger.PortGrpc, cfg.App.Name)
	if err != nil {
		logger.Error("Failed to initialize tracing", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Warn("Failed to shutdown tracer", "error", err)
		}
	}()

	metrics := observability.Metrics{}
	pipelineOpts := []resilience.PipelineOption{
		resilience.WithLogger(logger),
		resilience.WithStateObserver(metrics.BreakerStateChanged),
	}
	eventStorePipeline := resilience.NewPipeline(resilience.EventStorePolicy.Override(cfg.Resilience.EventStore), pipelineOpts...)
	fraudPipeline := resilience.NewPipeline(resilience.FraudDetectionPolicy.Override(cfg.Resilience.FraudDetection), pipelineOpts...)
	settlementPipeline := resilience.NewPipeline(resilience.SettlementPolicy.Override(cfg.Resilience.Settlement), pipelineOpts...)
	gatewayPipeline := resilience.NewPipeline(resilience.GatewayPolicy.Override(cfg.Resilience.Gateway), pipelineOpts...)

	codec := messages.NewCodec()

	// --- 4. Redis ---
	redisAddr := cfg.Redis.Addr
	if local && redisAddr == "" {
		embedded, err := miniredis.Run()
		if err != nil {
			logger.Error("Failed to start embedded Redis", "error", err)
			os.Exit(1)
		}
		defer embedded.Close()
		redisAddr = embedded.Addr()
		logger.Info("Using embedded Redis", "addr", redisAddr)
	}
	rdb, err := redis.NewClient(ctx, redis.Options{Addr: redisAddr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	if err != nil {
		logger.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Warn("Failed to close Redis client", "error", err)
		}
	}()
	logger.Info("Connected to Redis")

	idempotency := redis.NewIdempotencyStore(rdb)
	locker := redis.NewLocker(rdb, 0)
	rateLimiter := redis.NewRateLimiterAdapter(rdb)
	scheduler := redis.NewScheduler(rdb, codec, logger, cfg.Saga.SchedulerPoll)

	// --- 5. Event store and saga repository ---
	var (
		eventLog  eventsourcing.EventLog
		snapshots eventsourcing.SnapshotStore
		sagaRepo  ports.SagaRepository
	)
	if local {
		eventLog, snapshots, sagaRepo = memory.NewEventLog(), memory.NewSnapshotStore(), memory.NewSagaRepository()
		logger.Info("Using in-memory event store")
	} else {
		if err := postgres.Migrate(cfg.Postgres.DSN); err != nil {
			logger.Error("Failed to apply migrations", "error", err)
			os.Exit(1)
		}
		pool, err := postgres.NewPool(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns)
		if err != nil {
			logger.Error("Failed to connect to PostgreSQL", "error", err)
			os.Exit(1)
		}
		defer pool.Close()
		eventLog, snapshots, sagaRepo = postgres.NewEventLog(pool), postgres.NewSnapshotStore(pool), postgres.NewSagaRepository(pool)
		logger.Info("Connected to PostgreSQL")
	}
	store := eventsourcing.NewStore(
		resilience.NewEventLog(eventLog, eventStorePipeline),
		domain.NewEventRegistry(),
		eventsourcing.WithSnapshots(snapshots, cfg.Saga.SnapshotEvery),
		eventsourcing.WithLogger(logger),
	)
	payments := app.NewPaymentService(store, logger, nil)

	// --- 6. Message bus ---
	var (
		bus      ports.MessageBus
		inproc   *mockbus.Bus
		consumer *kafka.Consumer
	)
	if local {
		inproc = mockbus.NewBus(logger)
		defer func() { _ = inproc.Close() }()
		bus = inproc
	} else {
		brokers := strings.Split(cfg.Kafka.BootstrapServers, ",")
		producerClient, err := kafka.NewClient(ctx, brokers)
		if err != nil {
			logger.Error("Failed to create Kafka producer", "error", err)
			os.Exit(1)
		}
		kafkaBus := kafka.NewBus(producerClient, kafka.Topics{
			Commands:      cfg.Kafka.CommandTopic,
			Events:        cfg.Kafka.EventTopic,
			Notifications: cfg.Kafka.NotificationTopic,
			DLQ:           cfg.Kafka.DLQTopic,
		}, codec, scheduler, logger)
		defer kafkaBus.Close()
		bus = kafkaBus

		consumerClient, err := kafka.NewClient(ctx, brokers,
			kafka.ConsumerOptions(cfg.Kafka.ConsumerGroup, cfg.Kafka.CommandTopic, cfg.Kafka.EventTopic)...)
		if err != nil {
			logger.Error("Failed to create Kafka consumer", "error", err)
			os.Exit(1)
		}
		defer consumerClient.Close()
		consumer = kafka.NewConsumer(consumerClient, cfg.Kafka.DLQTopic, codec, logger)
		logger.Info("Kafka bus created", "brokers", brokers)
	}

	// --- 7. Collaborators ---
	declineAbove := decimal.Zero
	if cfg.Gateway.DeclineAbove != "" {
		declineAbove, err = decimal.NewFromString(cfg.Gateway.DeclineAbove)
		if err != nil {
			logger.Error("Invalid gateway.decline_above", "error", err)
			os.Exit(1)
		}
	}
	processor := sandbox.NewProcessor(sandbox.Options{
		DeclineAbove: declineAbove,
		SettleFail:   cfg.Gateway.SettleFail,
		Latency:      cfg.Gateway.Latency,
	}, logger)

	var primaryScorer ports.FraudScorer = antifraud.NewCachingRuleEngine(rdb, cfg.AntiFraud)
	if cfg.AntiFraud.ScorerURL != "" {
		primaryScorer = antifraud.NewExternalServiceScorer(cfg.AntiFraud.ScorerURL)
	}
	fallbackHigh, err := decimal.NewFromString(cfg.AntiFraud.FallbackHighAmount)
	if err != nil {
		logger.Error("Invalid anti_fraud.fallback_high_amount", "error", err)
		os.Exit(1)
	}
	scorer := antifraud.NewFallbackScorer(primaryScorer, fraudPipeline, fallbackHigh, logger,
		antifraud.OnFallback(metrics.FraudFallback))

	var reportSink ports.FraudReportSink
	if cfg.ClickHouse.Addr != "" {
		conn, err := clickhouse.Open(ctx, clickhouse.Options{
			Addr:     cfg.ClickHouse.Addr,
			Database: cfg.ClickHouse.Database,
			Username: cfg.ClickHouse.Username,
			Password: cfg.ClickHouse.Password,
		})
		if err != nil {
			logger.Error("Failed to connect to ClickHouse", "error", err)
			os.Exit(1)
		}
		defer conn.Close()
		sink := clickhouse.NewFraudReportSink(conn)
		if err := sink.EnsureSchema(ctx); err != nil {
			logger.Error("Failed to prepare ClickHouse schema", "error", err)
			os.Exit(1)
		}
		reportSink = sink
		logger.Info("Fraud reports are written to ClickHouse")
	}

	// --- 8. Service Layer ---
	notifier := app.NewNotifier(
		notification.NewService(bus, cfg.Notifications.WebhookURL, 5*time.Second, logger),
		payments, cfg.Saga.NotifyQueueSize, logger, metrics.NotificationDropped)

	saga := app.NewSaga(app.SagaDeps{
		Repo:       sagaRepo,
		Payments:   payments,
		Bus:        bus,
		Processor:  processor,
		Gateway:    gatewayPipeline,
		Settlement: settlementPipeline,
		Notifier:   notifier,
		Settings: app.SagaSettings{
			Timeout:         cfg.Saga.Timeout,
			SettlementDelay: cfg.Saga.SettlementDelay,
			RuleSetVersion:  cfg.AntiFraud.RuleSetVersion,
		},
		Observer: metrics,
		Logger:   logger,
	})
	dispatcher := app.NewDispatcher(saga,
		app.NewFraudCheckWorker(scorer, bus, reportSink, logger),
		app.NewReviewQueue(bus, logger),
		idempotency, cfg.Saga.ProcessedTTL, logger)
	dispatcher.OnHandled(metrics.MessageHandled)

	initiator := app.NewPaymentInitiator(saga, sagaRepo, idempotency, locker, app.InitiatorSettings{
		LockTimeout: cfg.Saga.LockTimeout,
		ResponseTTL: cfg.Saga.ResponseTTL,
	}, logger)

	// --- 9. Background workers ---
	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()

	go notifier.Run(workerCtx)

	consumerDone := make(chan struct{})
	if local {
		inproc.Attach(dispatcher.Dispatch)
		close(consumerDone)
	} else {
		go func() {
			if err := scheduler.Run(workerCtx, bus.Send); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("Scheduler stopped", "error", err)
			}
		}()
		go func() {
			defer close(consumerDone)
			if err := consumer.Run(workerCtx, dispatcher.Dispatch); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("Consumer stopped", "error", err)
				stop()
			}
		}()
	}

	// --- 10. HTTP Router ---
	paymentHandler := httphandler.NewPaymentHandler(initiator, payments, saga, logger)
	rateLimiterMiddleware := httphandler.NewRateLimiterMiddleware(rateLimiter, cfg.RateLimit.Requests, cfg.RateLimit.Window, logger)

	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		middleware.RealIP,
		middleware.Recoverer,
		observability.NewLoggerMiddleware(logger),
		observability.NewMetricsMiddleware(cfg.App.Name),
		observability.NewTracingMiddleware(cfg.App.Name),
	)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		if err := json.NewEncoder(w).Encode(map[string]string{
			"status":  "healthy",
			"service": cfg.App.Name,
		}); err != nil {
			logger.Error("Failed to write health response", "error", err)
		}
	})
	r.Handle("/metrics", promhttp.Handler())

	if cfg.App.Env != "production" {
		authHandler := httphandler.NewAuthHandler(logger, cfg.JWT.Secret)
		r.Post("/auth/token", authHandler.HandleToken)
	}

	// Protected routes: /api/v1/*
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(
			httphandler.JWTMiddleware([]byte(cfg.JWT.Secret), logger),
			rateLimiterMiddleware.Handler,
		)
		paymentHandler.Routes(r)
	})

	// --- 11. HTTP Server ---
	srv := &http.Server{
		Addr:         ":" + strings.TrimPrefix(cfg.Server.Port, ":"),
		Handler:      r,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("HTTP server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown failed", "error", err)
	}

	cancelWorkers()
	<-consumerDone
	notifier.Wait()

	logger.Info("Server exited properly")
}
