package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/predictify/internal/domain"
)

// dbtx is the query surface shared by *pgxpool.Pool and pgx.Tx, so every
// store runs unchanged inside or outside a transaction.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

var (
	_ dbtx = (*pgxpool.Pool)(nil)
	_ dbtx = (pgx.Tx)(nil)
)

// repos binds every store to one dbtx.
type repos struct{ db dbtx }

func (r repos) Markets() domain.MarketStore { return &MarketStore{db: r.db} }
func (r repos) Votes() domain.VoteStore { return &VoteStore{db: r.db} }
func (r repos) Users() domain.UserStore { return &UserStore{db: r.db} }
func (r repos) Groups() domain.GroupStore { return &GroupStore{db: r.db} }
func (r repos) Locks() domain.InitLockStore { return &InitLockStore{db: r.db} }
func (r repos) Audit() domain.AuditStore { return &AuditStore{db: r.db} }

// Store implements domain.Store on a connection pool.
type Store struct {
	repos
	pool *pgxpool.Pool
}

var _ domain.Store = (*Store)(nil)

// NewStore returns a Store over pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{repos: repos{db: pool}, pool: pool}
}

// WithinTx runs fn in one READ COMMITTED transaction. Row locks taken with
// SELECT ... FOR UPDATE serialize writers on the same market. The
// transaction commits only if fn returns nil.
func (s *Store) WithinTx(ctx context.Context, timeout time.Duration, fn func(ctx context.Context, tx domain.Repositories) error) (err error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	defer func() {
		if err != nil {
			// err is what the caller needs; a rollback failure adds nothing.
			_ = tx.Rollback(context.WithoutCancel(ctx))
		}
	}()

	if err = fn(ctx, repos{db: tx}); err != nil {
		return err
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit: %w", err)
	}
	return nil
}

const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// notFound maps pgx.ErrNoRows to domain.ErrNotFound and wraps anything else.
func notFound(err error, format string, args ...any) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrNotFound
	}
	return fmt.Errorf("postgres: "+format+": %w", append(args, err)...)
}

// query accumulates SQL text and positional arguments.
type query struct {
	sql  strings.Builder
	args []any
}

func (q *query) add(s string) { q.sql.WriteString(s) }

// arg binds v and returns its placeholder.
func (q *query) arg(v any) string {
	q.args = append(q.args, v)
	return "$" + strconv.Itoa(len(q.args))
}

func (q *query) page(opts domain.ListOpts) {
	if opts.Limit > 0 {
		q.add(" LIMIT " + q.arg(opts.Limit))
	}
	if opts.Offset > 0 {
		q.add(" OFFSET " + q.arg(opts.Offset))
	}
}
