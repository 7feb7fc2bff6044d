package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/alanyoungcy/predictify/internal/domain"
)

// AuditStore writes the append-only audit_log table.
type AuditStore struct {
	db dbtx
}

var _ domain.AuditStore = (*AuditStore)(nil)

// Log appends one row. pgx encodes detail as JSONB.
func (s *AuditStore) Log(ctx context.Context, event string, detail map[string]any) error {
	if detail == nil {
		detail = map[string]any{}
	}
	if _, err := s.db.Exec(ctx, `INSERT INTO audit_log (event, detail) VALUES ($1, $2)`, event, detail); err != nil {
		return fmt.Errorf("postgres: audit %s: %w", event, err)
	}
	return nil
}

// List returns the newest entries first, optionally bounded by opts.Since and
// opts.Until.
func (s *AuditStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	var q query
	q.add("SELECT id, event, detail, created_at FROM audit_log WHERE TRUE")
	if opts.Since != nil {
		q.add(" AND created_at >= " + q.arg(*opts.Since))
	}
	if opts.Until != nil {
		q.add(" AND created_at <= " + q.arg(*opts.Until))
	}
	q.add(" ORDER BY created_at DESC, id DESC")
	q.page(opts)

	rows, err := s.db.Query(ctx, q.sql.String(), q.args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list audit: %w", err)
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.AuditEntry, error) {
		var e domain.AuditEntry
		err := row.Scan(&e.ID, &e.Event, &e.Detail, &e.CreatedAt)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: scan audit: %w", err)
	}
	return entries, nil
}
