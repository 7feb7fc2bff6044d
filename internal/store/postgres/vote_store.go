package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/alanyoungcy/predictify/internal/domain"
)

// VoteStore implements domain.VoteStore.
type VoteStore struct {
	db dbtx
}

var _ domain.VoteStore = (*VoteStore)(nil)

const voteCols = `id, market_id, voter, prediction, amount, reward, claimed, created_at`

func scanVote(row pgx.Row) (domain.Vote, error) {
	var v domain.Vote
	var prediction string
	if err := row.Scan(&v.ID, &v.MarketID, &v.Voter, &prediction, &v.Amount, &v.Reward, &v.Claimed, &v.CreatedAt); err != nil {
		return domain.Vote{}, err
	}
	v.Prediction = domain.Prediction(prediction)
	return v, nil
}

// Create inserts a vote. The (market_id, voter) unique key turns a second
// vote into domain.ErrAlreadyExists.
func (s *VoteStore) Create(ctx context.Context, v domain.Vote) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO votes (id, market_id, voter, prediction, amount, claimed, created_at)
		VALUES ($1, $2, $3, $4, $5, FALSE, $6)`,
		v.ID, v.MarketID, v.Voter, string(v.Prediction), v.Amount, v.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrAlreadyExists
		}
		return fmt.Errorf("postgres: create vote on %s: %w", v.MarketID, err)
	}
	return nil
}

// Get returns the vote of voter on marketID.
func (s *VoteStore) Get(ctx context.Context, marketID, voter string) (domain.Vote, error) {
	v, err := scanVote(s.db.QueryRow(ctx,
		`SELECT `+voteCols+` FROM votes WHERE market_id = $1 AND voter = $2`, marketID, voter))
	if err != nil {
		return domain.Vote{}, notFound(err, "get vote %s/%s", marketID, voter)
	}
	return v, nil
}

// GetForUpdate is Get with a row lock held until the transaction ends.
func (s *VoteStore) GetForUpdate(ctx context.Context, marketID, voter string) (domain.Vote, error) {
	v, err := scanVote(s.db.QueryRow(ctx,
		`SELECT `+voteCols+` FROM votes WHERE market_id = $1 AND voter = $2 FOR UPDATE`, marketID, voter))
	if err != nil {
		return domain.Vote{}, notFound(err, "lock vote %s/%s", marketID, voter)
	}
	return v, nil
}

// ListByMarket returns a market's votes in placement order.
func (s *VoteStore) ListByMarket(ctx context.Context, marketID string) ([]domain.Vote, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+voteCols+` FROM votes WHERE market_id = $1 ORDER BY created_at, id`, marketID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list votes of %s: %w", marketID, err)
	}
	defer rows.Close()

	var votes []domain.Vote
	for rows.Next() {
		v, err := scanVote(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan vote: %w", err)
		}
		votes = append(votes, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list votes of %s rows: %w", marketID, err)
	}
	return votes, nil
}

// SetRewards writes every payout's reward in one batch.
func (s *VoteStore) SetRewards(ctx context.Context, payouts []domain.Payout) error {
	if len(payouts) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, p := range payouts {
		batch.Queue(`UPDATE votes SET reward = $2 WHERE id = $1`, p.VoteID, p.Reward)
	}
	br := s.db.SendBatch(ctx, batch)
	defer br.Close()

	for _, p := range payouts {
		tag, err := br.Exec()
		if err != nil {
			return fmt.Errorf("postgres: set reward of vote %s: %w", p.VoteID, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("postgres: set reward of vote %s: %w", p.VoteID, domain.ErrNotFound)
		}
	}
	return nil
}

// MarkClaimed flips claimed to true only if it was false.
func (s *VoteStore) MarkClaimed(ctx context.Context, voteID string) error {
	tag, err := s.db.Exec(ctx, `UPDATE votes SET claimed = TRUE WHERE id = $1 AND claimed = FALSE`, voteID)
	if err != nil {
		return fmt.Errorf("postgres: claim vote %s: %w", voteID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}
