package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/predictify/internal/domain"
	"github.com/alanyoungcy/predictify/internal/metrics"
)

// InitLockManager hands out time-boxed leases that stop two callers from
// committing the same market on chain. Leases live in the store, so they hold
// across processes and expire if the holder dies.
type InitLockManager struct {
	store   domain.Store
	lease   time.Duration
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewInitLockManager returns a manager issuing leases of the given length.
func NewInitLockManager(store domain.Store, lease time.Duration, m *metrics.Metrics, logger *slog.Logger) *InitLockManager {
	if lease <= 0 {
		lease = domain.InitLockLease
	}
	return &InitLockManager{
		store:   store,
		lease:   lease,
		metrics: m,
		logger:  logger.With(slog.String("component", "init_lock")),
		now:     time.Now,
	}
}

// Acquire takes the lease for marketID inside tx, so it commits or rolls back
// together with the status check that precedes it.
func (l *InitLockManager) Acquire(ctx context.Context, tx domain.Repositories, marketID string) (domain.InitializationLock, error) {
	lock := domain.InitializationLock{
		MarketID:  marketID,
		Holder:    uuid.NewString(),
		ExpiresAt: l.now().Add(l.lease).UTC(),
	}
	if err := tx.Locks().Acquire(ctx, lock); err != nil {
		if errors.Is(err, domain.ErrLockHeld) {
			return domain.InitializationLock{}, domain.WrapError(domain.KindLockContention, err,
				"market %s is already being initialized", marketID)
		}
		return domain.InitializationLock{}, fmt.Errorf("init_lock: acquire %s: %w", marketID, err)
	}
	return lock, nil
}

// Release drops the lease if lock still owns it. Best effort and idempotent:
// it runs on its own short context and only logs failures.
func (l *InitLockManager) Release(ctx context.Context, lock domain.InitializationLock) {
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err := l.store.Locks().Release(releaseCtx, lock.MarketID, lock.Holder); err != nil {
		l.logger.WarnContext(ctx, "init_lock: release failed, lease will expire",
			slog.String("market_id", lock.MarketID),
			slog.Time("expires_at", lock.ExpiresAt),
			slog.String("error", err.Error()),
		)
	}
}

// Sweep deletes every expired lease and returns how many were removed.
func (l *InitLockManager) Sweep(ctx context.Context) (int64, error) {
	n, err := l.store.Locks().DeleteExpired(ctx, l.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("init_lock: sweep: %w", err)
	}
	if n > 0 {
		l.metrics.LocksSwept(n)
		l.logger.InfoContext(ctx, "init_lock: swept expired locks", slog.Int64("count", n))
	}
	return n, nil
}
