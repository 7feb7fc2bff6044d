package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/predictify/internal/domain"
)

// UserStore implements domain.UserStore.
type UserStore struct {
	db dbtx
}

var _ domain.UserStore = (*UserStore)(nil)

// Ensure creates the user row if it does not exist.
func (s *UserStore) Ensure(ctx context.Context, address string) error {
	if _, err := s.db.Exec(ctx,
		`INSERT INTO users (address) VALUES ($1) ON CONFLICT (address) DO NOTHING`, address); err != nil {
		return fmt.Errorf("postgres: ensure user %s: %w", address, err)
	}
	return nil
}

// Get returns a user by wallet address.
func (s *UserStore) Get(ctx context.Context, address string) (domain.User, error) {
	var u domain.User
	err := s.db.QueryRow(ctx, `
		SELECT address, total_predictions, correct_predictions, total_earnings, created_at, updated_at
		FROM users WHERE address = $1`, address,
	).Scan(&u.Address, &u.TotalPredictions, &u.CorrectPredictions, &u.TotalEarnings, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return domain.User{}, notFound(err, "get user %s", address)
	}
	return u, nil
}

// ApplyResolutionStats increments every voter's counters in one batch.
func (s *UserStore) ApplyResolutionStats(ctx context.Context, deltas []domain.StatDelta) error {
	if len(deltas) == 0 {
		return nil
	}

	const query = `
		INSERT INTO users (address, total_predictions, correct_predictions)
		VALUES ($1, 1, CASE WHEN $2 THEN 1 ELSE 0 END)
		ON CONFLICT (address) DO UPDATE SET
			total_predictions   = users.total_predictions + 1,
			correct_predictions = users.correct_predictions + CASE WHEN $2 THEN 1 ELSE 0 END,
			updated_at          = NOW()`

	batch := &pgx.Batch{}
	for _, d := range deltas {
		batch.Queue(query, d.Address, d.Correct)
	}
	br := s.db.SendBatch(ctx, batch)
	defer br.Close()

	for _, d := range deltas {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("postgres: apply stats to %s: %w", d.Address, err)
		}
	}
	return nil
}

// AddEarnings credits amount to the user's lifetime earnings.
func (s *UserStore) AddEarnings(ctx context.Context, address string, amount decimal.Decimal) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE users SET total_earnings = total_earnings + $2, updated_at = NOW()
		WHERE address = $1`, address, amount)
	if err != nil {
		return fmt.Errorf("postgres: add earnings to %s: %w", address, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// GroupStore implements domain.GroupStore.
type GroupStore struct {
	db dbtx
}

var _ domain.GroupStore = (*GroupStore)(nil)

// Role returns address's role in groupID.
func (s *GroupStore) Role(ctx context.Context, groupID, address string) (domain.GroupRole, error) {
	var role string
	err := s.db.QueryRow(ctx,
		`SELECT role FROM group_members WHERE group_id = $1 AND address = $2`, groupID, address,
	).Scan(&role)
	if err != nil {
		return "", notFound(err, "get role of %s in %s", address, groupID)
	}
	return domain.GroupRole(role), nil
}

// AddMember adds or re-roles a member.
func (s *GroupStore) AddMember(ctx context.Context, groupID, address string, role domain.GroupRole) error {
	if _, err := s.db.Exec(ctx, `
		INSERT INTO group_members (group_id, address, role) VALUES ($1, $2, $3)
		ON CONFLICT (group_id, address) DO UPDATE SET role = EXCLUDED.role`,
		groupID, address, string(role)); err != nil {
		return fmt.Errorf("postgres: add member %s to %s: %w", address, groupID, err)
	}
	return nil
}
