// Package jobs contains the background loops: the license expiry sweeper and
// the remote package version checker. Each job owns a ticker, runs once
// immediately on start, and stops on Stop or context cancellation.
package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/updatepulse/updatepulse-server/internal/license"
)

// LicenseSweeper periodically marks licenses past their expiry date as
// expired so the update and license APIs stop honouring them.
type LicenseSweeper struct {
	engine   *license.Engine
	interval time.Duration
	logger   *slog.Logger
	stopChan chan struct{}
}

// NewLicenseSweeper creates the sweeper. A non-positive interval defaults to
// hourly.
func NewLicenseSweeper(engine *license.Engine, interval time.Duration, logger *slog.Logger) *LicenseSweeper {
	if interval <= 0 {
		interval = time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LicenseSweeper{
		engine:   engine,
		interval: interval,
		logger:   logger,
		stopChan: make(chan struct{}),
	}
}

// Start runs the sweep loop until Stop is called or ctx is cancelled.
func (s *LicenseSweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("license sweeper started", "interval", s.interval)

	s.run(ctx)

	for {
		select {
		case <-ticker.C:
			s.run(ctx)
		case <-s.stopChan:
			s.logger.Info("license sweeper stopped")
			return
		case <-ctx.Done():
			s.logger.Info("license sweeper context cancelled")
			return
		}
	}
}

// Stop stops the sweep loop.
func (s *LicenseSweeper) Stop() {
	close(s.stopChan)
}

func (s *LicenseSweeper) run(ctx context.Context) {
	expired, err := s.engine.SweepExpired(ctx)
	if err != nil {
		s.logger.Error("license expiry sweep failed", "error", err)
		return
	}
	if expired > 0 {
		s.logger.Info("license expiry sweep completed", "expired", expired)
	}
}
