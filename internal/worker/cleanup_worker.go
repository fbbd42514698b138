package worker

import (
	"context"
	"log/slog"
	"time"
)

// Pruner drops expired entries and reports how many it removed.
type Pruner interface {
	Prune() int
}

// CleanupWorker periodically prunes in-process state such as the
// in-memory revocation list and idle rate-limit buckets.
type CleanupWorker struct {
	pruners  map[string]Pruner
	logger   *slog.Logger
	interval time.Duration
}

// NewCleanupWorker creates a new cleanup worker
func NewCleanupWorker(logger *slog.Logger, interval time.Duration) *CleanupWorker {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &CleanupWorker{pruners: map[string]Pruner{}, logger: logger, interval: interval}
}

// Register adds a named pruner. Call before Start.
func (w *CleanupWorker) Register(name string, p Pruner) {
	w.pruners[name] = p
}

// Start runs until ctx is cancelled.
func (w *CleanupWorker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.logger.Info("cleanup worker started", slog.Duration("interval", w.interval), slog.Int("pruners", len(w.pruners)))

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("cleanup worker stopped")
			return
		case <-ticker.C:
			w.RunOnce()
		}
	}
}

// RunOnce prunes every registered source and returns the total removed.
func (w *CleanupWorker) RunOnce() int {
	total := 0
	for name, p := range w.pruners {
		n := p.Prune()
		if n > 0 {
			w.logger.Debug("pruned expired entries", slog.String("source", name), slog.Int("count", n))
		}
		total += n
	}
	return total
}
