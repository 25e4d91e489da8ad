package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/insider-one/notification-gateway/internal/breaker"
	"github.com/insider-one/notification-gateway/internal/broker"
	"github.com/insider-one/notification-gateway/internal/client"
	"github.com/insider-one/notification-gateway/internal/config"
	"github.com/insider-one/notification-gateway/internal/discovery"
	"github.com/insider-one/notification-gateway/internal/handler"
	"github.com/insider-one/notification-gateway/internal/middleware"
	"github.com/insider-one/notification-gateway/internal/repository/redis"
	"github.com/insider-one/notification-gateway/internal/service"
)

// breakerStates aggregates the downstream clients' breakers for /health.
type breakerStates struct {
	clients []*client.ServiceClient
}

func (b breakerStates) Snapshots() []breaker.Snapshot {
	snaps := make([]breaker.Snapshot, 0, len(b.clients))
	for _, c := range b.clients {
		snaps = append(snaps, c.Breaker().Snapshot())
	}
	return snaps
}

func main() {
	// Load configuration
	cfg := config.Load()

	// Setup logger
	logLevel := slog.LevelInfo
	if cfg.App.LogLevel == "debug" {
		logLevel = slog.LevelDebug
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	logger.Info("starting notification gateway",
		"env", cfg.App.Env,
		"port", cfg.Server.Port,
	)

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize Redis
	redisClient, err := redis.New(ctx, cfg.Redis)
	if err != nil {
		logger.Error("failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	defer redisClient.Close()
	logger.Info("connected to Redis")

	// Initialize service discovery and register the gateway. Registration
	// failure degrades discovery of this instance but must not prevent the
	// gateway from serving.
	registry, err := discovery.New(cfg.Etcd, logger)
	if err != nil {
		logger.Error("failed to connect to etcd", "error", err)
		os.Exit(1)
	}
	defer registry.Close()

	if err := registry.Register(ctx,
		cfg.Etcd.ServiceName,
		cfg.Etcd.ServiceID,
		cfg.Etcd.ServiceHost,
		cfg.Etcd.ServicePort,
		cfg.Etcd.LeaseTTL,
	); err != nil {
		logger.Warn("failed to register with etcd", "error", err)
	}

	// Establish the process-wide broker connection
	conn, err := broker.Dial(cfg.RabbitMQ, logger)
	if err != nil {
		logger.Error("failed to connect to RabbitMQ", "error", err)
		os.Exit(1)
	}
	defer conn.Close()

	channels := broker.NewChannelManager(conn, cfg.RabbitMQ, logger)
	defer channels.Close()

	// Initialize stores
	guard := redis.NewIdempotencyGuard(redisClient, cfg.Idempotency.TTL)
	statusStore := redis.NewStatusStore(redisClient)

	// Initialize downstream service clients (one circuit breaker each)
	userClient := client.New(cfg.Downstream.User, registry, logger)
	templateClient := client.New(cfg.Downstream.Template, registry, logger)

	// Initialize publisher and dispatch pipeline
	publisher := broker.NewPublisher(channels, statusStore, cfg.RabbitMQ.Exchange, logger)
	dispatchService := service.NewDispatchService(guard, userClient, templateClient, publisher, logger)

	metrics := handler.NewMetrics()
	dispatchService.SetMetrics(metrics)

	// Initialize handlers
	notificationHandler := handler.NewNotificationHandler(dispatchService, statusStore)
	proxyHandler := handler.NewProxyHandler(userClient, templateClient, logger)

	healthHandler := handler.NewHealthHandler()
	healthHandler.AddChecker("rabbit_mq", conn, true)
	healthHandler.AddChecker("redis", redisClient, true)
	healthHandler.AddChecker("etcd", registry, false)
	healthHandler.SetBreakers(breakerStates{clients: []*client.ServiceClient{userClient, templateClient}})

	// Setup router
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(middleware.Correlation)
	r.Use(middleware.Recovery(logger))
	r.Use(middleware.Logging(logger))
	r.Use(middleware.Metrics(metrics))
	r.Use(chimiddleware.Compress(5))

	// Health endpoints
	r.Get("/health", healthHandler.Health)
	r.Get("/health/live", healthHandler.Liveness)
	r.Get("/health/ready", healthHandler.Readiness)

	// Metrics endpoint
	r.Handle("/metrics", metrics.Handler())

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/notifications", func(r chi.Router) {
			notificationHandler.RegisterRoutes(r)
		})

		proxyHandler.RegisterUserRoutes(r)
		proxyHandler.RegisterTemplateRoutes(r)
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Start server in goroutine
	go func() {
		logger.Info("server listening", "port", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down gateway...")

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	// Stop accepting new requests
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	// Leave discovery before tearing down the broker resources
	if err := registry.Deregister(shutdownCtx, cfg.Etcd.ServiceName, cfg.Etcd.ServiceID); err != nil {
		logger.Error("failed to deregister from etcd", "error", err)
	}

	// Stop the lease keepalive and close broker resources
	cancel()
	channels.Close()
	if err := conn.Close(); err != nil {
		logger.Error("broker close error", "error", err)
	}

	logger.Info("gateway stopped")
}
