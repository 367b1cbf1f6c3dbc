// apikey_reaper.go implements the expired API key cleanup job. Expired keys
// already fail authentication; the reaper keeps the table from accumulating
// dead rows.
package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/updatepulse/updatepulse-server/internal/db/repositories"
)

// APIKeyReaper periodically deletes API keys past their expiry date.
type APIKeyReaper struct {
	repo     *repositories.APIKeyRepository
	interval time.Duration
	logger   *slog.Logger
	stopChan chan struct{}
}

// NewAPIKeyReaper creates the reaper. A non-positive interval defaults to
// daily.
func NewAPIKeyReaper(repo *repositories.APIKeyRepository, interval time.Duration, logger *slog.Logger) *APIKeyReaper {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &APIKeyReaper{
		repo:     repo,
		interval: interval,
		logger:   logger,
		stopChan: make(chan struct{}),
	}
}

// Start runs the cleanup loop until Stop is called or ctx is cancelled.
func (r *APIKeyReaper) Start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("api key reaper started", "interval", r.interval)

	r.run(ctx)

	for {
		select {
		case <-ticker.C:
			r.run(ctx)
		case <-r.stopChan:
			r.logger.Info("api key reaper stopped")
			return
		case <-ctx.Done():
			r.logger.Info("api key reaper context cancelled")
			return
		}
	}
}

// Stop stops the cleanup loop.
func (r *APIKeyReaper) Stop() {
	close(r.stopChan)
}

func (r *APIKeyReaper) run(ctx context.Context) {
	if err := r.repo.DeleteExpired(ctx); err != nil {
		r.logger.Error("expired api key cleanup failed", "error", err)
	}
}
