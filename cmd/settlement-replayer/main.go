// Command settlement-replayer re-publishes pending settlement retries to
// the retry topic so the consumer can replay them.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chkmate/server/internal/config"
	"github.com/chkmate/server/internal/kafka"
	"github.com/chkmate/server/internal/postgres"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	interval := flag.Duration("interval", 1*time.Minute, "Replay interval (0 = run once)")
	batchSize := flag.Int("batch", 100, "Max retries re-published per cycle")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Warn("failed to load config file, using defaults", "error", err)
		cfg = config.DefaultConfig()
	}

	repo, err := postgres.NewRepository(&cfg.Postgres, logger)
	if err != nil {
		logger.Error("failed to connect to PostgreSQL", "error", err)
		os.Exit(1)
	}
	defer repo.Close()

	producer, err := kafka.NewProducer(&cfg.Kafka, logger)
	if err != nil {
		logger.Error("failed to create Kafka producer", "error", err)
		os.Exit(1)
	}
	defer producer.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		logger.Info("shutting down replayer")
		cancel()
	}()

	if err := replayOnce(ctx, repo, producer, *batchSize, logger); err != nil {
		logger.Error("replay cycle failed", "error", err)
	}
	if *interval == 0 {
		return
	}

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := replayOnce(ctx, repo, producer, *batchSize, logger); err != nil {
				logger.Error("replay cycle failed", "error", err)
			}
		}
	}
}

func replayOnce(ctx context.Context, repo *postgres.Repository, producer *kafka.Producer, batchSize int, logger *slog.Logger) error {
	pending, err := repo.ListPendingRetries(ctx, batchSize)
	if err != nil {
		return fmt.Errorf("listing pending retries: %w", err)
	}
	if len(pending) == 0 {
		return nil
	}

	published := 0
	for _, retry := range pending {
		if err := producer.PublishRetry(ctx, retry); err != nil {
			logger.Error("failed to publish retry",
				"retry_id", retry.ID,
				"match_id", retry.MatchID,
				"error", err,
			)
			continue
		}
		published++
	}

	logger.Info("replay cycle completed",
		"pending", len(pending),
		"published", published,
	)
	return nil
}
