package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/alanyoungcy/predictify/internal/domain"
)

// InitLockStore implements domain.InitLockStore on the initialization_locks
// table.
type InitLockStore struct {
	db dbtx
}

var _ domain.InitLockStore = (*InitLockStore)(nil)

// Acquire inserts the lock, or takes over a row whose lease has run out. A
// live row owned by anyone else leaves the statement with no effect.
func (s *InitLockStore) Acquire(ctx context.Context, l domain.InitializationLock) error {
	tag, err := s.db.Exec(ctx, `
		INSERT INTO initialization_locks (market_id, holder, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (market_id) DO UPDATE SET
			holder     = EXCLUDED.holder,
			expires_at = EXCLUDED.expires_at
		WHERE initialization_locks.expires_at <= NOW()`,
		l.MarketID, l.Holder, l.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: acquire init lock %s: %w", l.MarketID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrLockHeld
	}
	return nil
}

// Release deletes the lock if holder still owns it.
func (s *InitLockStore) Release(ctx context.Context, marketID, holder string) error {
	if _, err := s.db.Exec(ctx,
		`DELETE FROM initialization_locks WHERE market_id = $1 AND holder = $2`, marketID, holder); err != nil {
		return fmt.Errorf("postgres: release init lock %s: %w", marketID, err)
	}
	return nil
}

// DeleteExpired removes every lock whose lease ended before now.
func (s *InitLockStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM initialization_locks WHERE expires_at < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("postgres: sweep init locks: %w", err)
	}
	return tag.RowsAffected(), nil
}
