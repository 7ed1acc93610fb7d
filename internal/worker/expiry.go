package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/chkmate/server/internal/config"
	"github.com/chkmate/server/internal/match"
	"github.com/chkmate/server/internal/store"
)

// ExpiryWorker periodically closes matches that outlived the join window
// without finding an opponent, refunding the creator's stake
type ExpiryWorker struct {
	matches store.MatchStore
	service *match.Service
	config  *config.SweepConfig
	logger  *slog.Logger
	stopCh  chan struct{}
	doneCh  chan struct{}
	mu      sync.Mutex
	running bool
}

// NewExpiryWorker creates a new expiry worker
func NewExpiryWorker(
	matches store.MatchStore,
	service *match.Service,
	cfg *config.SweepConfig,
	logger *slog.Logger,
) *ExpiryWorker {
	return &ExpiryWorker{
		matches: matches,
		service: service,
		config:  cfg,
		logger:  logger,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Start begins the background sweep process
func (w *ExpiryWorker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	w.logger.Info("expiry worker started", "interval", w.config.Interval)

	go w.run(ctx)
	return nil
}

// Stop stops the background sweep process
func (w *ExpiryWorker) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh

	w.mu.Lock()
	w.running = false
	w.mu.Unlock()

	w.logger.Info("expiry worker stopped")
	return nil
}

// run is the main worker loop
func (w *ExpiryWorker) run(ctx context.Context) {
	defer close(w.doneCh)

	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

// sweep walks the matches still waiting for an opponent and cancels the
// expired ones. The service re-checks the window per match, so sweeping
// a fresh match is harmless.
func (w *ExpiryWorker) sweep(ctx context.Context) {
	startTime := time.Now()

	awaiting, err := w.matches.ListAwaiting(ctx, w.config.BatchSize)
	if err != nil {
		w.logger.Error("failed to list awaiting matches", "error", err)
		return
	}

	expiredCount := 0
	errorCount := 0

	for _, m := range awaiting {
		result, err := w.service.CancelUnjoined(ctx, m.ID)
		if err != nil {
			w.logger.Error("failed to cancel unjoined match",
				"match_id", m.ID,
				"error", err,
			)
			errorCount++
			continue
		}
		if result.Ended {
			expiredCount++
		}
	}

	if expiredCount > 0 || errorCount > 0 {
		w.logger.Info("sweep cycle completed",
			"duration", time.Since(startTime),
			"checked", len(awaiting),
			"expired", expiredCount,
			"errors", errorCount,
		)
	}
}

// IsRunning returns whether the worker is currently running
func (w *ExpiryWorker) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// RunOnce runs a single sweep cycle (useful for manual triggers)
func (w *ExpiryWorker) RunOnce(ctx context.Context) {
	w.sweep(ctx)
}
