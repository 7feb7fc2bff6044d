// Package relay owns the custodial account that pays gas for backend-initiated
// ledger transactions.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/predictify/internal/domain"
	"github.com/alanyoungcy/predictify/internal/metrics"
	"github.com/alanyoungcy/predictify/internal/platform/ledger"
	"github.com/alanyoungcy/predictify/internal/retry"
)

// Ledger is the part of the gateway the relay drives.
type Ledger interface {
	Balance(ctx context.Context, addr common.Address) (decimal.Decimal, error)
	CreateMarket(ctx context.Context, signer ledger.Signer, p domain.CreateMarketParams) (domain.Submission, error)
	Resolve(ctx context.Context, signer ledger.Signer, onChainID string, outcome domain.Outcome) (string, error)
}

// Alerter receives operator notifications.
type Alerter interface {
	Notify(ctx context.Context, event, title, message string) error
}

// EventLowBalance is the notification event emitted by MonitorBalance.
const EventLowBalance = "relay_low_balance"

// Config tunes the relay's spending guard and submission behaviour.
type Config struct {
	MinBalance decimal.Decimal
	GasBuffer  decimal.Decimal
	// SubmitLockTTL bounds how long one submission holds the per-account
	// distributed lock.
	SubmitLockTTL time.Duration
	Retry         retry.Policy
}

// DefaultConfig is a 10 unit floor, a 0.1 gas buffer and the default retry
// policy.
func DefaultConfig() Config {
	return Config{
		MinBalance:    decimal.NewFromInt(10),
		GasBuffer:     decimal.RequireFromString("0.1"),
		SubmitLockTTL: 2 * time.Minute,
		Retry:         retry.DefaultPolicy(),
	}
}

// Signer submits transactions from the relay account. Submissions are
// serialized per account, in process by a mutex and across processes by a
// distributed lock, so nonces never collide.
type Signer struct {
	ledger  Ledger
	key     ledger.Signer // nil when no key is configured
	locks   domain.LockManager
	alerter Alerter
	metrics *metrics.Metrics
	cfg     Config
	logger  *slog.Logger

	submitMu sync.Mutex
}

// NewSigner builds the relay signer. key, locks, alerter and m may be nil.
func NewSigner(l Ledger, key ledger.Signer, locks domain.LockManager, alerter Alerter, m *metrics.Metrics, cfg Config, logger *slog.Logger) *Signer {
	if cfg.SubmitLockTTL <= 0 {
		cfg.SubmitLockTTL = DefaultConfig().SubmitLockTTL
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultPolicy()
	}
	return &Signer{
		ledger:  l,
		key:     key,
		locks:   locks,
		alerter: alerter,
		metrics: m,
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "relay")),
	}
}

// Address returns the relay account address.
func (s *Signer) Address() (string, error) {
	if s.key == nil {
		return "", domain.NewError(domain.KindWalletNotConfigured, "relay signing key is not configured")
	}
	return s.key.Address().Hex(), nil
}

// Threshold is the minimum operating balance.
func (s *Signer) Threshold() decimal.Decimal { return s.cfg.MinBalance }

// Balance returns the relay balance in display units. Read failures are
// logged and reported as zero so monitoring never fails; spending guards treat
// zero as insufficient.
func (s *Signer) Balance(ctx context.Context) decimal.Decimal {
	if s.key == nil {
		return decimal.Zero
	}
	bal, err := s.ledger.Balance(ctx, s.key.Address())
	if err != nil {
		s.logger.WarnContext(ctx, "relay: balance read failed, reporting zero",
			slog.String("error", err.Error()),
		)
		return decimal.Zero
	}
	s.metrics.SetRelayBalance(bal.InexactFloat64())
	return bal
}

// HasSufficientBalance reports whether the balance covers the floor plus the
// gas buffer.
func (s *Signer) HasSufficientBalance(ctx context.Context) bool {
	bal := s.Balance(ctx)
	required := s.cfg.MinBalance.Add(s.cfg.GasBuffer)
	if bal.LessThan(required) {
		s.logger.WarnContext(ctx, "relay: balance below requirement",
			slog.String("balance", bal.String()),
			slog.String("required", required.String()),
		)
		return false
	}
	return true
}

// SubmitMarketCreation commits a market on chain. Transient failures are
// retried with the configured policy. The result carries the on-chain id from
// the MarketCreated event, or the tx hash when the event is absent.
func (s *Signer) SubmitMarketCreation(ctx context.Context, p domain.CreateMarketParams) (domain.Submission, error) {
	if s.key == nil {
		return domain.Submission{}, domain.NewError(domain.KindWalletNotConfigured, "relay signing key is not configured")
	}
	if p.Resolver == "" {
		p.Resolver = s.key.Address().Hex()
	}

	sub, err := submit(ctx, s, "create_market", func(ctx context.Context) (domain.Submission, error) {
		return s.ledger.CreateMarket(ctx, s.key, p)
	})
	if err != nil {
		return domain.Submission{}, err
	}
	if !sub.FromEvent {
		s.logger.WarnContext(ctx, "relay: market id fell back to tx hash",
			slog.String("tx", sub.TxHash),
		)
	}
	return sub, nil
}

// SubmitResolution mirrors a local resolution on chain and returns the tx hash.
func (s *Signer) SubmitResolution(ctx context.Context, onChainID string, outcome domain.Outcome) (string, error) {
	if s.key == nil {
		return "", domain.NewError(domain.KindWalletNotConfigured, "relay signing key is not configured")
	}
	return submit(ctx, s, "resolve", func(ctx context.Context) (string, error) {
		return s.ledger.Resolve(ctx, s.key, onChainID, outcome)
	})
}

// submit serializes fn on the relay account, retries it, and maps the final
// error to a typed one.
func submit[T any](ctx context.Context, s *Signer, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	s.submitMu.Lock()
	defer s.submitMu.Unlock()

	if s.locks != nil {
		unlock, err := s.lockAccount(ctx)
		if err != nil {
			s.metrics.RelayTx(op, "lock_busy")
			return zero, domain.WrapError(domain.KindTransactionFailed, err, "relay account lock")
		}
		defer unlock()
	}

	policy := s.cfg.Retry
	policy.Retryable = submissionRetryable
	policy.OnRetry = func(attempt int, delay time.Duration, err error) {
		s.logger.WarnContext(ctx, "relay: submission failed, retrying",
			slog.String("op", op),
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()),
		)
	}

	v, err := retry.Do(ctx, policy, fn)
	if err != nil {
		s.metrics.RelayTx(op, "failed")
		s.logger.ErrorContext(ctx, "relay: submission failed",
			slog.String("op", op),
			slog.String("error", err.Error()),
		)
		return zero, classify(op, err)
	}
	s.metrics.RelayTx(op, "ok")
	return v, nil
}

// lockAccount takes the per-account distributed lock, waiting while another
// process holds it.
func (s *Signer) lockAccount(ctx context.Context) (func(), error) {
	key := "relay:" + strings.ToLower(s.key.Address().Hex())
	deadline := time.Now().Add(s.cfg.SubmitLockTTL)

	ticker := time.NewTicker(lockPollInterval)
	defer ticker.Stop()
	for {
		unlock, err := s.locks.Acquire(ctx, key, s.cfg.SubmitLockTTL)
		if err == nil {
			return unlock, nil
		}
		if !errors.Is(err, domain.ErrLockHeld) || time.Now().After(deadline) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

const lockPollInterval = 250 * time.Millisecond

// submissionRetryable never retries a transaction that may already be on
// chain, or one the chain deterministically rejected.
func submissionRetryable(err error) bool {
	if errors.Is(err, ledger.ErrReceiptTimeout) || errors.Is(err, ledger.ErrReverted) {
		return false
	}
	if isInsufficientFunds(err) {
		return false
	}
	return retry.DefaultClassifier(err)
}

func isInsufficientFunds(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "insufficient")
}

func classify(op string, err error) error {
	var de *domain.Error
	if errors.As(err, &de) {
		return err
	}
	if isInsufficientFunds(err) {
		return domain.WrapError(domain.KindInsufficientBalance, err, "relay balance insufficient for %s", op)
	}
	if errors.Is(err, ledger.ErrReceiptTimeout) {
		e := domain.WrapError(domain.KindTransactionFailed, err, "%s submitted but unconfirmed, reconcile before retrying", op)
		e.Retryable = false
		return e
	}
	return domain.WrapError(domain.KindTransactionFailed, err, "%s failed on chain", op)
}

// MonitorBalance compares the balance with the floor and alerts when it is
// below. It never returns an error.
func (s *Signer) MonitorBalance(ctx context.Context) {
	addr, err := s.Address()
	if err != nil {
		s.logger.DebugContext(ctx, "relay: monitor skipped, no key")
		return
	}

	bal := s.Balance(ctx)
	if bal.GreaterThanOrEqual(s.cfg.MinBalance) {
		s.logger.InfoContext(ctx, "relay: balance ok",
			slog.String("address", addr),
			slog.String("balance", bal.StringFixed(4)),
		)
		return
	}

	s.logger.WarnContext(ctx, "relay: balance below threshold",
		slog.String("address", addr),
		slog.String("balance", bal.StringFixed(4)),
		slog.String("threshold", s.cfg.MinBalance.String()),
	)
	if s.alerter == nil {
		return
	}
	msg := fmt.Sprintf("Relay %s holds %s, threshold %s. Top up to keep market initialization running.",
		addr, bal.StringFixed(4), s.cfg.MinBalance.String())
	if err := s.alerter.Notify(ctx, EventLowBalance, "Relay balance low", msg); err != nil {
		s.logger.WarnContext(ctx, "relay: low balance alert failed", slog.String("error", err.Error()))
	}
}
