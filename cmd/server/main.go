package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chkmate/server/internal/config"
	"github.com/chkmate/server/internal/engine"
	"github.com/chkmate/server/internal/escrow"
	"github.com/chkmate/server/internal/handler"
	"github.com/chkmate/server/internal/kafka"
	"github.com/chkmate/server/internal/match"
	"github.com/chkmate/server/internal/postgres"
	"github.com/chkmate/server/internal/store"
	"github.com/chkmate/server/internal/websocket"
	"github.com/chkmate/server/internal/worker"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	flag.Parse()

	// Setup structured logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Warn("failed to load config file, using defaults", "error", err)
		cfg = config.DefaultConfig()
	}

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize Redis match store
	logger.Info("connecting to Redis", "addr", cfg.Redis.Addr)
	matchStore, err := store.NewRedisStore(&cfg.Redis, logger)
	if err != nil {
		logger.Error("failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	defer matchStore.Close()
	logger.Info("connected to Redis")

	// Initialize PostgreSQL
	logger.Info("connecting to PostgreSQL", "host", cfg.Postgres.Host, "database", cfg.Postgres.Database)
	postgresRepo, err := postgres.NewRepository(&cfg.Postgres, logger)
	if err != nil {
		logger.Error("failed to connect to PostgreSQL", "error", err)
		os.Exit(1)
	}
	defer postgresRepo.Close()
	logger.Info("connected to PostgreSQL")

	// Run database migrations
	if err := postgresRepo.RunMigrations(ctx); err != nil {
		logger.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}

	// Initialize Kafka producer for the settlement retry topic
	var retryProducer *kafka.Producer
	if cfg.Kafka.Enabled {
		retryProducer, err = kafka.NewProducer(&cfg.Kafka, logger)
		if err != nil {
			logger.Warn("failed to create Kafka producer, continuing without retry topic", "error", err)
		}
	}

	// Initialize escrow gateway
	var publisher escrow.RetryPublisher
	if retryProducer != nil {
		publisher = retryProducer
	}
	gateway := escrow.NewLedger(postgresRepo, publisher, cfg.Match.MinimumStakeWei, logger)

	// Initialize match service
	matchService := match.NewService(
		matchStore,
		gateway,
		engine.NewValidator(),
		postgresRepo,
		match.Options{
			MaxMissedTurns: cfg.Match.MaxMissedTurns,
			JoinWindow:     cfg.Match.JoinWindow,
		},
		logger,
	)

	// Initialize WebSocket hub
	wsHub := websocket.NewHub(matchStore.GetByID, logger)
	go wsHub.Run()
	logger.Info("WebSocket hub initialized")

	// Bridge match updates into the hub
	allUpdates, err := matchStore.SubscribeAll(ctx)
	if err != nil {
		logger.Error("failed to subscribe to match updates", "error", err)
		os.Exit(1)
	}
	defer allUpdates.Close()
	go wsHub.Bridge(ctx, allUpdates.Updates())

	// Initialize join-window expiry worker
	expiryWorker := worker.NewExpiryWorker(matchStore, matchService, &cfg.Sweep, logger)
	if cfg.Sweep.Enabled {
		if err := expiryWorker.Start(ctx); err != nil {
			logger.Error("failed to start expiry worker", "error", err)
			os.Exit(1)
		}
	}

	// Initialize Kafka consumer for settlement replays
	var kafkaConsumer *kafka.Consumer
	if cfg.Kafka.Enabled {
		logger.Info("initializing Kafka consumer",
			"brokers", cfg.Kafka.Brokers,
			"topic", cfg.Kafka.Topic,
		)
		kafkaConsumer, err = kafka.NewConsumer(&cfg.Kafka, gateway, logger)
		if err != nil {
			logger.Warn("failed to create Kafka consumer, continuing without Kafka", "error", err)
		} else {
			if err := kafkaConsumer.Start(); err != nil {
				logger.Warn("failed to start Kafka consumer, continuing without Kafka", "error", err)
				kafkaConsumer = nil
			} else {
				logger.Info("Kafka consumer started successfully")
			}
		}
	}

	// Initialize HTTP handler with WebSocket hub
	httpHandler := handler.NewHandler(matchService, wsHub, logger)

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      httpHandler.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start server in goroutine
	go func() {
		logger.Info("starting HTTP server", "port", cfg.Server.Port)
		logger.Info("WebSocket endpoint available at /ws")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	// Create shutdown context with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Stop WebSocket hub
	wsHub.Stop()

	// Stop Kafka consumer
	if kafkaConsumer != nil {
		if err := kafkaConsumer.Stop(); err != nil {
			logger.Error("failed to stop Kafka consumer", "error", err)
		}
	}

	// Stop Kafka producer
	if retryProducer != nil {
		if err := retryProducer.Close(); err != nil {
			logger.Error("failed to close Kafka producer", "error", err)
		}
	}

	// Stop expiry worker
	if expiryWorker.IsRunning() {
		if err := expiryWorker.Stop(); err != nil {
			logger.Error("failed to stop expiry worker", "error", err)
		}
	}

	// Shutdown HTTP server
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown server", "error", err)
	}

	logger.Info("server stopped")
}
