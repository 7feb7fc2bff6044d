package service

import (
	"context"
	"errors"
	"log/slog"

	"github.com/alanyoungcy/predictify/internal/domain"
)

// RelaySigner is the custodial account that pays for ledger transactions.
type RelaySigner interface {
	Address() (string, error)
	HasSufficientBalance(ctx context.Context) bool
	SubmitMarketCreation(ctx context.Context, p domain.CreateMarketParams) (domain.Submission, error)
	SubmitResolution(ctx context.Context, onChainID string, outcome domain.Outcome) (string, error)
}

// Alerter delivers operator notifications.
type Alerter interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Alert events raised by the services.
const (
	AlertInitFailed        = "market_init_failed"
	AlertActivationOrphan  = "market_activation_orphaned"
	AlertChainResolveError = "chain_resolve_failed"
	AlertMarketResolved    = "market_resolved"
)

// Audit events written by the services.
const (
	auditMarketCreated     = "market_created"
	auditMarketInitialized = "market_initialized"
	auditMarketInitFailed  = "market_init_failed"
	auditMarketResolved    = "market_resolved"
	auditChainResolveFail  = "chain_resolve_failed"
	auditRewardClaimed     = "reward_claimed"
	auditVotePlaced        = "vote_placed"
)

func alert(ctx context.Context, a Alerter, logger *slog.Logger, event, title, msg string) {
	if a == nil {
		return
	}
	if err := a.Notify(ctx, event, title, msg); err != nil {
		logger.WarnContext(ctx, "alert delivery failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

// auditBestEffort writes an audit row outside any transaction and only logs
// failures.
func auditBestEffort(ctx context.Context, store domain.AuditStore, logger *slog.Logger, event string, detail map[string]any) {
	if err := store.Log(ctx, event, detail); err != nil {
		logger.WarnContext(ctx, "audit write failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

// notFound converts a store miss into a typed NOT_FOUND error.
func notFound(err error, what, id string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, domain.ErrNotFound) {
		return domain.WrapError(domain.KindNotFound, err, "%s %s not found", what, id)
	}
	return err
}
