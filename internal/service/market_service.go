package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/predictify/internal/domain"
	"github.com/alanyoungcy/predictify/internal/events"
	"github.com/alanyoungcy/predictify/internal/metrics"
	"github.com/alanyoungcy/predictify/internal/platform/ledger"
	"github.com/alanyoungcy/predictify/internal/retry"
)

const maxTitleLen = 200

// LifecycleConfig bounds the market lifecycle operations.
type LifecycleConfig struct {
	// InitTimeout bounds a whole initialize call, chain round trip included.
	InitTimeout time.Duration
	// TxTimeout bounds each store transaction.
	TxTimeout time.Duration
	// ActivationRetry governs the local ACTIVE write after a chain commit.
	ActivationRetry retry.Policy
	// LiveConcurrency caps concurrent ledger reads when enriching a list.
	LiveConcurrency int
}

// DefaultLifecycleConfig returns the production defaults.
func DefaultLifecycleConfig() LifecycleConfig {
	return LifecycleConfig{
		InitTimeout:     60 * time.Second,
		TxTimeout:       10 * time.Second,
		ActivationRetry: retry.DefaultPolicy(),
		LiveConcurrency: 8,
	}
}

// MarketService owns a market's state machine from off-chain creation to
// on-chain activation, and serves reads with optional live chain data.
type MarketService struct {
	store   domain.Store
	relay   RelaySigner
	reader  domain.LedgerReader
	live    domain.LiveStateCache
	locks   *InitLockManager
	events  *events.Publisher
	alerter Alerter
	metrics *metrics.Metrics
	cfg     LifecycleConfig
	logger  *slog.Logger
	now     func() time.Time
}

// NewMarketService wires a MarketService. live, alerter and m may be nil.
func NewMarketService(
	store domain.Store,
	relay RelaySigner,
	reader domain.LedgerReader,
	live domain.LiveStateCache,
	locks *InitLockManager,
	pub *events.Publisher,
	alerter Alerter,
	m *metrics.Metrics,
	cfg LifecycleConfig,
	logger *slog.Logger,
) *MarketService {
	def := DefaultLifecycleConfig()
	if cfg.InitTimeout <= 0 {
		cfg.InitTimeout = def.InitTimeout
	}
	if cfg.TxTimeout <= 0 {
		cfg.TxTimeout = def.TxTimeout
	}
	if cfg.ActivationRetry.MaxAttempts == 0 {
		cfg.ActivationRetry = def.ActivationRetry
	}
	if cfg.LiveConcurrency <= 0 {
		cfg.LiveConcurrency = def.LiveConcurrency
	}
	return &MarketService{
		store:   store,
		relay:   relay,
		reader:  reader,
		live:    live,
		locks:   locks,
		events:  pub,
		alerter: alerter,
		metrics: m,
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "market_service")),
		now:     time.Now,
	}
}

// CreateOffChain validates input and stores a PENDING market. Nothing touches
// the ledger.
func (s *MarketService) CreateOffChain(ctx context.Context, in domain.CreateMarketInput) (domain.Market, error) {
	now := s.now().UTC()
	if err := validateCreate(&in, now); err != nil {
		return domain.Market{}, err
	}

	m := domain.Market{
		ID:          uuid.NewString(),
		GroupID:     in.GroupID,
		Title:       in.Title,
		Description: in.Description,
		ImageURL:    in.ImageURL,
		Type:        in.Type,
		EndDate:     in.EndDate.UTC(),
		MinStake:    in.MinStake,
		MaxStake:    in.MaxStake,
		Status:      domain.MarketStatusPending,
		Pools:       domain.NewPools(decimal.Zero, decimal.Zero, 0),
		CreatedBy:   in.CreatedBy,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	err := s.store.WithinTx(ctx, s.cfg.TxTimeout, func(ctx context.Context, tx domain.Repositories) error {
		if _, err := tx.Groups().Role(ctx, in.GroupID, in.CreatedBy); err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return domain.NewError(domain.KindForbidden, "%s is not a member of group %s", in.CreatedBy, in.GroupID)
			}
			return err
		}
		if err := tx.Users().Ensure(ctx, in.CreatedBy); err != nil {
			return err
		}
		if err := tx.Markets().Create(ctx, m); err != nil {
			return err
		}
		return tx.Audit().Log(ctx, auditMarketCreated, map[string]any{
			"market_id": m.ID,
			"group_id":  m.GroupID,
			"creator":   m.CreatedBy,
		})
	})
	if err != nil {
		return domain.Market{}, fmt.Errorf("market_service: create: %w", err)
	}

	s.logger.InfoContext(ctx, "market_service: market created",
		slog.String("market_id", m.ID),
		slog.String("group_id", m.GroupID),
	)
	s.events.Publish(ctx, events.Event{Type: events.MarketCreated, MarketID: m.ID, Data: map[string]any{
		"group_id": m.GroupID,
		"title":    m.Title,
	}})
	return m, nil
}

func validateCreate(in *domain.CreateMarketInput, now time.Time) error {
	in.Title = strings.TrimSpace(in.Title)
	in.Description = strings.TrimSpace(in.Description)
	if in.Type == "" {
		in.Type = domain.MarketTypeStandard
	}

	var problems []string
	if strings.TrimSpace(in.GroupID) == "" {
		problems = append(problems, "groupId is required")
	}
	if in.CreatedBy == "" {
		problems = append(problems, "creator identity is required")
	}
	if in.Title == "" {
		problems = append(problems, "title is required")
	} else if len(in.Title) > maxTitleLen {
		problems = append(problems, fmt.Sprintf("title exceeds %d characters", maxTitleLen))
	}
	if !in.Type.Valid() {
		problems = append(problems, fmt.Sprintf("unsupported market type %q", in.Type))
	}
	if !in.EndDate.After(now) {
		problems = append(problems, "endDate must be in the future")
	}
	if !in.MinStake.IsPositive() {
		problems = append(problems, "minStake must be greater than 0")
	}
	if in.MaxStake != nil {
		switch {
		case !in.MaxStake.IsPositive():
			problems = append(problems, "maxStake must be greater than 0")
		case in.MaxStake.LessThan(in.MinStake):
			problems = append(problems, "maxStake must not be below minStake")
		}
	}
	if len(problems) > 0 {
		return domain.NewError(domain.KindValidation, "%s", strings.Join(problems, "; "))
	}
	return nil
}

// Initialize commits a PENDING market on chain and marks it ACTIVE.
//
// The status check and lease acquisition share one transaction. The chain
// submission runs outside it, guarded by the lease. A market that is already
// ACTIVE with an on-chain id returns that id with AlreadyInitialized set.
func (s *MarketService) Initialize(ctx context.Context, marketID string) (domain.InitializeResult, error) {
	// Once submitted, a transaction must run to completion even if the
	// caller goes away.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.InitTimeout)
	defer cancel()

	var (
		market domain.Market
		lock   domain.InitializationLock
		done   bool
	)
	err := s.store.WithinTx(ctx, s.cfg.TxTimeout, func(ctx context.Context, tx domain.Repositories) error {
		m, err := tx.Markets().GetForUpdate(ctx, marketID)
		if err != nil {
			return notFound(err, "market", marketID)
		}
		market = m
		if m.Initialized() {
			done = true
			return nil
		}
		if m.Status != domain.MarketStatusPending {
			return domain.NewError(domain.KindInvalidState, "market %s cannot be initialized in %s status", marketID, m.Status)
		}
		lock, err = s.locks.Acquire(ctx, tx, marketID)
		return err
	})
	if err != nil {
		s.metrics.Initialize(initResultLabel(err))
		return domain.InitializeResult{}, fmt.Errorf("market_service: initialize %s: %w", marketID, err)
	}
	if done {
		s.metrics.Initialize("already_initialized")
		return domain.InitializeResult{
			MarketID:           marketID,
			OnChainID:          *market.OnChainID,
			AlreadyInitialized: true,
		}, nil
	}

	keepLock := false
	defer func() {
		if !keepLock {
			s.locks.Release(ctx, lock)
		}
	}()

	sub, err := s.commitOnChain(ctx, market)
	if err != nil {
		// An unconfirmed submission may still land; hold the lease so no
		// second commitment starts before it expires.
		keepLock = errors.Is(err, ledger.ErrReceiptTimeout)
		s.metrics.Initialize(initResultLabel(err))
		s.logger.ErrorContext(ctx, "market_service: initialize failed",
			slog.String("market_id", marketID),
			slog.Bool("lease_kept", keepLock),
			slog.String("error", err.Error()),
		)
		auditBestEffort(ctx, s.store.Audit(), s.logger, auditMarketInitFailed, map[string]any{
			"market_id": marketID,
			"kind":      string(domain.KindOf(err)),
			"error":     err.Error(),
		})
		alert(ctx, s.alerter, s.logger, AlertInitFailed, "Market initialization failed",
			fmt.Sprintf("Market %s (%s): %v", marketID, market.Title, err))
		return domain.InitializeResult{}, fmt.Errorf("market_service: initialize %s: %w", marketID, err)
	}

	if err := s.activate(ctx, marketID, lock, sub); err != nil {
		keepLock = true
		s.metrics.Initialize("activation_failed")
		s.logger.ErrorContext(ctx, "market_service: committed on chain but activation failed",
			slog.String("market_id", marketID),
			slog.String("on_chain_id", sub.OnChainID),
			slog.String("tx", sub.TxHash),
			slog.String("error", err.Error()),
		)
		alert(ctx, s.alerter, s.logger, AlertActivationOrphan, "Market activation needs attention",
			fmt.Sprintf("Market %s is on chain as %s (tx %s) but the local ACTIVE write failed: %v",
				marketID, sub.OnChainID, sub.TxHash, err))
		e := domain.WrapError(domain.KindTransactionFailed, err,
			"market %s committed on chain as %s but could not be activated locally", marketID, sub.OnChainID)
		e.Retryable = false
		return domain.InitializeResult{}, fmt.Errorf("market_service: initialize %s: %w", marketID, e)
	}
	keepLock = true // released inside the activation transaction

	s.metrics.Initialize("committed")
	s.logger.InfoContext(ctx, "market_service: market initialized",
		slog.String("market_id", marketID),
		slog.String("on_chain_id", sub.OnChainID),
		slog.String("tx", sub.TxHash),
	)
	s.events.Publish(ctx, events.Event{Type: events.MarketInitialized, MarketID: marketID, Data: map[string]any{
		"on_chain_id": sub.OnChainID,
		"tx_hash":     sub.TxHash,
	}})

	return domain.InitializeResult{
		MarketID:  marketID,
		OnChainID: sub.OnChainID,
		TxHash:    sub.TxHash,
	}, nil
}

// commitOnChain checks the relay balance and submits the creation transaction.
func (s *MarketService) commitOnChain(ctx context.Context, m domain.Market) (domain.Submission, error) {
	if !s.relay.HasSufficientBalance(ctx) {
		return domain.Submission{}, domain.NewError(domain.KindInsufficientBalance,
			"relay balance is below the operating threshold")
	}
	resolver, err := s.relay.Address()
	if err != nil {
		return domain.Submission{}, err
	}
	return s.relay.SubmitMarketCreation(ctx, domain.CreateMarketParams{
		Title:       m.Title,
		Description: m.Description,
		EndTime:     m.EndDate,
		MinStake:    m.MinStake,
		MaxStake:    m.MaxStake,
		Resolver:    resolver,
		Type:        m.Type,
	})
}

// activate writes ACTIVE plus the on-chain id and drops the lease in one
// transaction, retrying transient store failures.
func (s *MarketService) activate(ctx context.Context, marketID string, lock domain.InitializationLock, sub domain.Submission) error {
	policy := s.cfg.ActivationRetry
	policy.Retryable = func(err error) bool {
		return !errors.Is(err, domain.ErrNotFound) && !errors.Is(err, context.DeadlineExceeded)
	}
	policy.OnRetry = func(attempt int, delay time.Duration, err error) {
		s.logger.WarnContext(ctx, "market_service: activation write failed, retrying",
			slog.String("market_id", marketID),
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()),
		)
	}

	_, err := retry.Do(ctx, policy, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.store.WithinTx(ctx, s.cfg.TxTimeout, func(ctx context.Context, tx domain.Repositories) error {
			if err := tx.Markets().Activate(ctx, marketID, sub.OnChainID); err != nil {
				return err
			}
			if err := tx.Locks().Release(ctx, marketID, lock.Holder); err != nil {
				return err
			}
			return tx.Audit().Log(ctx, auditMarketInitialized, map[string]any{
				"market_id":   marketID,
				"on_chain_id": sub.OnChainID,
				"tx_hash":     sub.TxHash,
				"from_event":  sub.FromEvent,
			})
		})
	})
	return err
}

func initResultLabel(err error) string {
	if k := domain.KindOf(err); k != "" {
		return strings.ToLower(string(k))
	}
	return "error"
}

// GetMarket returns a market. With includeLive, an ACTIVE on-chain market is
// overlaid with live ledger data; a ledger failure falls back to cached values.
func (s *MarketService) GetMarket(ctx context.Context, id string, includeLive bool) (domain.MarketView, error) {
	m, err := s.store.Markets().GetByID(ctx, id)
	if err != nil {
		return domain.MarketView{}, fmt.Errorf("market_service: get %s: %w", id, notFound(err, "market", id))
	}
	view := domain.MarketView{Market: m}
	if includeLive && m.Initialized() {
		view.Live = s.liveState(ctx, m)
	}
	return view, nil
}

// ListByGroup lists a group's markets, newest first. Live enrichment runs
// concurrently and never fails the list.
func (s *MarketService) ListByGroup(ctx context.Context, filter domain.MarketFilter, includeLive bool) ([]domain.MarketView, error) {
	if filter.Status != nil && !filter.Status.Valid() {
		return nil, domain.NewError(domain.KindValidation, "unknown status %q", *filter.Status)
	}
	markets, err := s.store.Markets().ListByGroup(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("market_service: list group %s: %w", filter.GroupID, err)
	}

	views := make([]domain.MarketView, len(markets))
	for i, m := range markets {
		views[i] = domain.MarketView{Market: m}
	}
	if !includeLive {
		return views, nil
	}

	var eg errgroup.Group
	eg.SetLimit(s.cfg.LiveConcurrency)
	for i := range views {
		if !views[i].Initialized() {
			continue
		}
		eg.Go(func() error {
			views[i].Live = s.liveState(ctx, views[i].Market)
			return nil
		})
	}
	_ = eg.Wait()
	return views, nil
}

// liveState reads chain state through the short-lived cache. It returns nil on
// any failure.
func (s *MarketService) liveState(ctx context.Context, m domain.Market) *domain.ChainMarketState {
	onChainID := *m.OnChainID
	if s.live != nil {
		if st, err := s.live.Get(ctx, onChainID); err == nil {
			return &st
		}
	}
	if s.reader == nil {
		return nil
	}

	st, err := s.reader.MarketState(ctx, onChainID)
	if err != nil {
		s.logger.WarnContext(ctx, "market_service: live read failed, serving cached values",
			slog.String("market_id", m.ID),
			slog.String("on_chain_id", onChainID),
			slog.String("error", err.Error()),
		)
		return nil
	}
	if s.live != nil {
		if err := s.live.Set(ctx, st); err != nil {
			s.logger.DebugContext(ctx, "market_service: live cache set failed",
				slog.String("on_chain_id", onChainID),
				slog.String("error", err.Error()),
			)
		}
	}
	return &st
}
