package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/predictify/internal/domain"
)

// MarketStore implements domain.MarketStore.
type MarketStore struct {
	db dbtx
}

var _ domain.MarketStore = (*MarketStore)(nil)

const marketCols = `id, on_chain_id, group_id, title, description, image_url,
	market_type, end_date, min_stake, max_stake, status, outcome,
	yes_pool, no_pool, total_volume, yes_percentage, no_percentage, participant_count,
	resolved_by, resolved_at, resolution_note, created_by, created_at, updated_at`

// Create inserts a new market. It returns domain.ErrAlreadyExists when the id
// or on-chain id is taken.
func (s *MarketStore) Create(ctx context.Context, m domain.Market) error {
	const query = `
		INSERT INTO markets (
			id, on_chain_id, group_id, title, description, image_url,
			market_type, end_date, min_stake, max_stake, status, outcome,
			yes_pool, no_pool, total_volume, yes_percentage, no_percentage, participant_count,
			created_by, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11, $12,
			$13, $14, $15, $16, $17, $18,
			$19, $20, $20
		)`

	_, err := s.db.Exec(ctx, query,
		m.ID, m.OnChainID, m.GroupID, m.Title, m.Description, m.ImageURL,
		string(m.Type), m.EndDate, m.MinStake, m.MaxStake, string(m.Status), outcomeArg(m.Outcome),
		m.YesPool, m.NoPool, m.TotalVolume, m.YesPercentage, m.NoPercentage, m.ParticipantCount,
		m.CreatedBy, m.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrAlreadyExists
		}
		return fmt.Errorf("postgres: create market %s: %w", m.ID, err)
	}
	return nil
}

func scanMarket(row pgx.Row) (domain.Market, error) {
	var (
		m                domain.Market
		mtype, status    string
		outcome          *string
		maxStake         *decimal.Decimal
		resolvedBy, note *string
		resolvedAt       *time.Time
	)
	err := row.Scan(
		&m.ID, &m.OnChainID, &m.GroupID, &m.Title, &m.Description, &m.ImageURL,
		&mtype, &m.EndDate, &m.MinStake, &maxStake, &status, &outcome,
		&m.YesPool, &m.NoPool, &m.TotalVolume, &m.YesPercentage, &m.NoPercentage, &m.ParticipantCount,
		&resolvedBy, &resolvedAt, &note, &m.CreatedBy, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return domain.Market{}, err
	}
	m.Type = domain.MarketType(mtype)
	m.Status = domain.MarketStatus(status)
	m.MaxStake = maxStake
	if outcome != nil {
		o := domain.Outcome(*outcome)
		m.Outcome = &o
	}
	m.ResolvedBy = resolvedBy
	m.ResolvedAt = resolvedAt
	m.ResolutionNote = note
	return m, nil
}

func scanMarkets(rows pgx.Rows) ([]domain.Market, error) {
	defer rows.Close()
	var out []domain.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// GetByID retrieves a market by its primary key.
func (s *MarketStore) GetByID(ctx context.Context, id string) (domain.Market, error) {
	m, err := scanMarket(s.db.QueryRow(ctx, `SELECT `+marketCols+` FROM markets WHERE id = $1`, id))
	if err != nil {
		return domain.Market{}, notFound(err, "get market %s", id)
	}
	return m, nil
}

// GetForUpdate reads a market and locks its row until the transaction ends.
func (s *MarketStore) GetForUpdate(ctx context.Context, id string) (domain.Market, error) {
	m, err := scanMarket(s.db.QueryRow(ctx, `SELECT `+marketCols+` FROM markets WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return domain.Market{}, notFound(err, "lock market %s", id)
	}
	return m, nil
}

// ListByGroup returns a group's markets, newest first.
func (s *MarketStore) ListByGroup(ctx context.Context, f domain.MarketFilter) ([]domain.Market, error) {
	var q query
	q.add(`SELECT ` + marketCols + ` FROM markets WHERE group_id = ` + q.arg(f.GroupID))
	if f.Status != nil {
		q.add(" AND status = " + q.arg(string(*f.Status)))
	}
	if f.Since != nil {
		q.add(" AND created_at >= " + q.arg(*f.Since))
	}
	if f.Until != nil {
		q.add(" AND created_at <= " + q.arg(*f.Until))
	}
	q.add(" ORDER BY created_at DESC, id")
	q.page(f.ListOpts)

	rows, err := s.db.Query(ctx, q.sql.String(), q.args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list markets of group %s: %w", f.GroupID, err)
	}
	markets, err := scanMarkets(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan markets of group %s: %w", f.GroupID, err)
	}
	return markets, nil
}

// ListSyncable returns ACTIVE markets whose on-chain id is a market number.
func (s *MarketStore) ListSyncable(ctx context.Context) ([]domain.Market, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+marketCols+` FROM markets
		WHERE status = 'ACTIVE' AND on_chain_id ~ '^[0-9]+$'
		ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list syncable markets: %w", err)
	}
	markets, err := scanMarkets(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan syncable markets: %w", err)
	}
	return markets, nil
}

// Activate moves a PENDING market to ACTIVE with its on-chain id.
func (s *MarketStore) Activate(ctx context.Context, id, onChainID string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE markets SET status = 'ACTIVE', on_chain_id = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'PENDING'`, id, onChainID)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrAlreadyExists
		}
		return fmt.Errorf("postgres: activate market %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ApplyChainState overwrites status, outcome and the pool projection in one
// statement so readers never see a partial sync. A terminal status is never
// replaced by a live one and a nil outcome keeps the stored outcome.
func (s *MarketStore) ApplyChainState(ctx context.Context, id string, status domain.MarketStatus, outcome *domain.Outcome, p domain.Pools) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE markets SET
			status = CASE
				WHEN status IN ('RESOLVED', 'CANCELLED') AND $2::text NOT IN ('RESOLVED', 'CANCELLED') THEN status
				ELSE $2::text
			END,
			outcome = COALESCE($3, outcome),
			yes_pool = $4, no_pool = $5, total_volume = $6,
			yes_percentage = $7, no_percentage = $8, participant_count = $9,
			updated_at = NOW()
		WHERE id = $1`,
		id, string(status), outcomeArg(outcome),
		p.YesPool, p.NoPool, p.TotalVolume, p.YesPercentage, p.NoPercentage, p.ParticipantCount,
	)
	if err != nil {
		return fmt.Errorf("postgres: apply chain state to market %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// UpdatePools writes the pool projection.
func (s *MarketStore) UpdatePools(ctx context.Context, id string, p domain.Pools) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE markets SET
			yes_pool = $2, no_pool = $3, total_volume = $4,
			yes_percentage = $5, no_percentage = $6, participant_count = $7,
			updated_at = NOW()
		WHERE id = $1`,
		id, p.YesPool, p.NoPool, p.TotalVolume, p.YesPercentage, p.NoPercentage, p.ParticipantCount,
	)
	if err != nil {
		return fmt.Errorf("postgres: update pools of market %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// Resolve marks a market RESOLVED with its outcome and resolution metadata.
func (s *MarketStore) Resolve(ctx context.Context, id string, r domain.Resolution) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE markets SET
			status = 'RESOLVED', outcome = $2,
			resolved_by = $3, resolved_at = $4, resolution_note = $5,
			updated_at = NOW()
		WHERE id = $1 AND status <> 'RESOLVED'`,
		id, string(r.Outcome), r.ResolvedBy, r.ResolvedAt, r.Note,
	)
	if err != nil {
		return fmt.Errorf("postgres: resolve market %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func outcomeArg(o *domain.Outcome) *string {
	if o == nil {
		return nil
	}
	s := string(*o)
	return &s
}
