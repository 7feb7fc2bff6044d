package service

import (
	"context"
	"log/slog"
	"time"
)

// BalanceMonitor checks the relay account balance and alerts when low.
type BalanceMonitor interface {
	MonitorBalance(ctx context.Context)
}

// Housekeeper runs the relay balance check and the expired-lock sweep on a
// fixed cadence.
type Housekeeper struct {
	monitor  BalanceMonitor
	locks    *InitLockManager
	interval time.Duration
	logger   *slog.Logger
}

// NewHousekeeper returns a Housekeeper. monitor may be nil when no relay key
// is configured.
func NewHousekeeper(monitor BalanceMonitor, locks *InitLockManager, interval time.Duration, logger *slog.Logger) *Housekeeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Housekeeper{
		monitor:  monitor,
		locks:    locks,
		interval: interval,
		logger:   logger.With(slog.String("component", "housekeeper")),
	}
}

// Run blocks until ctx is done. Call in a goroutine.
func (h *Housekeeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			h.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single housekeeping pass.
func (h *Housekeeper) RunOnce(ctx context.Context) {
	if h.monitor != nil {
		h.monitor.MonitorBalance(ctx)
	}
	if h.locks != nil {
		if _, err := h.locks.Sweep(ctx); err != nil {
			h.logger.ErrorContext(ctx, "housekeeper: lock sweep failed", slog.String("error", err.Error()))
		}
	}
}

// SyncWorker reconciles every active market on a fixed cadence.
type SyncWorker struct {
	sync     *SyncService
	interval time.Duration
	logger   *slog.Logger
}

// NewSyncWorker returns a SyncWorker.
func NewSyncWorker(sync *SyncService, interval time.Duration, logger *slog.Logger) *SyncWorker {
	if interval <= 0 {
		interval = time.Minute
	}
	return &SyncWorker{
		sync:     sync,
		interval: interval,
		logger:   logger.With(slog.String("component", "sync_worker")),
	}
}

// Run blocks until ctx is done. Call in a goroutine.
func (w *SyncWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := w.sync.SyncActiveMarkets(ctx); err != nil {
				w.logger.ErrorContext(ctx, "sync_worker: batch failed", slog.String("error", err.Error()))
			}
		}
	}
}
