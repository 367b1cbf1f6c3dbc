// remote_check.go implements the background package version checker: every
// configured repository is compared against its remote and synced when the
// remote moved ahead.
package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/updatepulse/updatepulse-server/internal/update"
)

// RemoteChecker periodically refreshes local archives from their remote
// repositories so clients are not the first to pay for a stale archive.
type RemoteChecker struct {
	resolver *update.Resolver
	interval time.Duration
	logger   *slog.Logger
	stopChan chan struct{}
}

// NewRemoteChecker creates the checker. A non-positive interval defaults to
// every twelve hours.
func NewRemoteChecker(resolver *update.Resolver, interval time.Duration, logger *slog.Logger) *RemoteChecker {
	if interval <= 0 {
		interval = 12 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RemoteChecker{
		resolver: resolver,
		interval: interval,
		logger:   logger,
		stopChan: make(chan struct{}),
	}
}

// Start runs the check loop until Stop is called or ctx is cancelled.
func (r *RemoteChecker) Start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("remote package checker started", "interval", r.interval, "packages", len(r.resolver.Slugs()))

	r.run(ctx)

	for {
		select {
		case <-ticker.C:
			r.run(ctx)
		case <-r.stopChan:
			r.logger.Info("remote package checker stopped")
			return
		case <-ctx.Done():
			r.logger.Info("remote package checker context cancelled")
			return
		}
	}
}

// Stop stops the check loop.
func (r *RemoteChecker) Stop() {
	close(r.stopChan)
}

func (r *RemoteChecker) run(ctx context.Context) {
	synced := 0
	for _, slug := range r.resolver.Slugs() {
		if ctx.Err() != nil {
			return
		}

		needs, err := r.resolver.CheckNeedsUpdate(ctx, slug)
		if err != nil {
			r.logger.Warn("remote version check failed", "slug", slug, "error", err)
			continue
		}
		// Nil means no local archive yet; sync installs the first one.
		if needs != nil && !*needs {
			continue
		}

		ok, err := r.resolver.SyncToLocal(ctx, slug)
		if err != nil {
			r.logger.Warn("background package sync failed", "slug", slug, "error", err)
			continue
		}
		if !ok {
			// Another worker holds the lease; it will finish the job.
			continue
		}
		synced++
	}

	if synced > 0 {
		r.logger.Info("background package check completed", "synced", synced)
	}
}
