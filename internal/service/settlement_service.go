package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alanyoungcy/predictify/internal/domain"
	"github.com/alanyoungcy/predictify/internal/events"
	"github.com/alanyoungcy/predictify/internal/metrics"
	"github.com/alanyoungcy/predictify/internal/settlement"
)

// ResolveInput carries a resolution request.
type ResolveInput struct {
	MarketID string
	Resolver string
	Outcome  domain.Outcome
	Note     *string
}

// ResolveResult is returned by a committed resolution.
type ResolveResult struct {
	Market  domain.Market     `json:"market"`
	Payouts []domain.Payout   `json:"payouts"`
	Policy  settlement.Policy `json:"policy"`
	// ChainTxHash is empty when the market has no on-chain id or the mirror
	// transaction failed.
	ChainTxHash string `json:"chainTxHash,omitempty"`
}

// SettlementService persists resolutions and reward claims.
type SettlementService struct {
	store        domain.Store
	relay        RelaySigner
	blobs        domain.BlobWriter
	reports      domain.BlobReader
	events       *events.Publisher
	alerter      Alerter
	metrics      *metrics.Metrics
	txTimeout    time.Duration
	chainTimeout time.Duration
	precision    int32
	logger       *slog.Logger
	now          func() time.Time
}

// SettlementConfig tunes the settlement service.
type SettlementConfig struct {
	TxTimeout time.Duration
	// ChainTimeout bounds the on-chain resolution mirror.
	ChainTimeout time.Duration
	Precision    int32
}

// NewSettlementService wires a SettlementService. relay, blobs, reports,
// alerter and m may be nil.
func NewSettlementService(
	store domain.Store,
	relay RelaySigner,
	blobs domain.BlobWriter,
	reports domain.BlobReader,
	pub *events.Publisher,
	alerter Alerter,
	m *metrics.Metrics,
	cfg SettlementConfig,
	logger *slog.Logger,
) *SettlementService {
	if cfg.TxTimeout <= 0 {
		cfg.TxTimeout = 10 * time.Second
	}
	if cfg.ChainTimeout <= 0 {
		cfg.ChainTimeout = 60 * time.Second
	}
	if cfg.Precision <= 0 {
		cfg.Precision = settlement.DefaultPrecision
	}
	return &SettlementService{
		store:        store,
		relay:        relay,
		blobs:        blobs,
		reports:      reports,
		events:       pub,
		alerter:      alerter,
		metrics:      m,
		txTimeout:    cfg.TxTimeout,
		chainTimeout: cfg.ChainTimeout,
		precision:    cfg.Precision,
		logger:       logger.With(slog.String("component", "settlement_service")),
		now:          time.Now,
	}
}

// ReportPath is the object key of a market's archived settlement report.
func ReportPath(marketID string) string {
	return "settlements/" + marketID + ".json"
}

// Resolve declares a market's outcome and writes every vote's reward, the
// market's resolution and the voters' statistics in one transaction.
//
// After the commit the outcome is mirrored on chain and the report archived.
// Neither step can undo the local resolution.
func (s *SettlementService) Resolve(ctx context.Context, in ResolveInput) (ResolveResult, error) {
	if !in.Outcome.Valid() {
		return ResolveResult{}, domain.NewError(domain.KindValidation, "unknown outcome %q", in.Outcome)
	}
	if in.Resolver == "" {
		return ResolveResult{}, domain.NewError(domain.KindValidation, "resolver identity is required")
	}
	if in.Note != nil {
		n := strings.TrimSpace(*in.Note)
		in.Note = &n
	}

	var (
		market domain.Market
		result settlement.Result
	)
	now := s.now().UTC()
	err := s.store.WithinTx(ctx, s.txTimeout, func(ctx context.Context, tx domain.Repositories) error {
		m, err := tx.Markets().GetForUpdate(ctx, in.MarketID)
		if err != nil {
			return notFound(err, "market", in.MarketID)
		}
		if err := s.checkResolvable(ctx, tx, m, in.Resolver, now); err != nil {
			return err
		}

		votes, err := tx.Votes().ListByMarket(ctx, m.ID)
		if err != nil {
			return err
		}
		result, err = settlement.Compute(in.Outcome, votes, s.precision)
		if err != nil {
			return err
		}

		if err := tx.Votes().SetRewards(ctx, result.Payouts); err != nil {
			return err
		}
		res := domain.Resolution{Outcome: in.Outcome, ResolvedBy: in.Resolver, ResolvedAt: now, Note: in.Note}
		if err := tx.Markets().Resolve(ctx, m.ID, res); err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return domain.NewError(domain.KindAlreadyResolved, "market %s is already resolved", m.ID)
			}
			return err
		}
		if err := tx.Users().ApplyResolutionStats(ctx, result.Stats); err != nil {
			return err
		}

		outcome := in.Outcome
		m.Status = domain.MarketStatusResolved
		m.Outcome = &outcome
		m.ResolvedBy = &in.Resolver
		m.ResolvedAt = &now
		m.ResolutionNote = in.Note
		market = m

		return tx.Audit().Log(ctx, auditMarketResolved, map[string]any{
			"market_id":    m.ID,
			"outcome":      string(in.Outcome),
			"policy":       string(result.Policy),
			"resolved_by":  in.Resolver,
			"total_pool":   result.TotalPool.String(),
			"winning_pool": result.WinningPool.String(),
			"votes":        len(result.Payouts),
		})
	})
	if err != nil {
		return ResolveResult{}, fmt.Errorf("settlement_service: resolve %s: %w", in.MarketID, err)
	}

	s.metrics.Settlement(string(in.Outcome))
	s.logger.InfoContext(ctx, "settlement_service: market resolved",
		slog.String("market_id", market.ID),
		slog.String("outcome", string(in.Outcome)),
		slog.String("policy", string(result.Policy)),
		slog.String("total_pool", result.TotalPool.String()),
		slog.Int("votes", len(result.Payouts)),
	)

	out := ResolveResult{Market: market, Payouts: result.Payouts, Policy: result.Policy}

	// The caller may have gone; the local resolution is final either way.
	after, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.chainTimeout)
	defer cancel()

	out.ChainTxHash = s.mirrorOnChain(after, market)
	s.archive(after, settlement.NewReport(market, result))

	s.events.Publish(after, events.Event{Type: events.MarketResolved, MarketID: market.ID, Data: map[string]any{
		"outcome":    string(in.Outcome),
		"policy":     string(result.Policy),
		"total_pool": result.TotalPool.String(),
	}})
	alert(after, s.alerter, s.logger, AlertMarketResolved, "Market resolved",
		fmt.Sprintf("%s resolved %s (%s, pool %s)", market.Title, in.Outcome, result.Policy, result.TotalPool))
	return out, nil
}

func (s *SettlementService) checkResolvable(ctx context.Context, tx domain.Repositories, m domain.Market, resolver string, now time.Time) error {
	role, err := tx.Groups().Role(ctx, m.GroupID, resolver)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.NewError(domain.KindForbidden, "%s is not a member of group %s", resolver, m.GroupID)
		}
		return err
	}
	if !role.CanResolve() {
		return domain.NewError(domain.KindForbidden, "role %s may not resolve markets", role)
	}

	switch m.Status {
	case domain.MarketStatusResolved:
		return domain.NewError(domain.KindAlreadyResolved, "market %s is already resolved", m.ID)
	case domain.MarketStatusCancelled:
		return domain.NewError(domain.KindInvalidState, "market %s is cancelled", m.ID)
	case domain.MarketStatusPending:
		return domain.NewError(domain.KindInvalidState, "market %s was never initialized on chain", m.ID)
	}
	if now.Before(m.EndDate) {
		return domain.NewError(domain.KindMarketNotEnded, "market %s ends at %s", m.ID, m.EndDate.Format(time.RFC3339))
	}
	return nil
}

// mirrorOnChain submits the resolution to the ledger and returns the tx hash,
// or "" when nothing was submitted.
func (s *SettlementService) mirrorOnChain(ctx context.Context, m domain.Market) string {
	if !m.HasOnChainID() || s.relay == nil {
		return ""
	}
	if !m.ChainNumbered() {
		s.logger.WarnContext(ctx, "settlement_service: no chain market number, resolution not mirrored",
			slog.String("market_id", m.ID),
			slog.String("on_chain_id", *m.OnChainID),
		)
		return ""
	}
	txHash, err := s.relay.SubmitResolution(ctx, *m.OnChainID, *m.Outcome)
	if err == nil {
		s.logger.InfoContext(ctx, "settlement_service: resolution mirrored on chain",
			slog.String("market_id", m.ID),
			slog.String("tx", txHash),
		)
		return txHash
	}

	s.logger.ErrorContext(ctx, "settlement_service: on-chain resolution failed",
		slog.String("market_id", m.ID),
		slog.String("on_chain_id", *m.OnChainID),
		slog.String("error", err.Error()),
	)
	auditBestEffort(ctx, s.store.Audit(), s.logger, auditChainResolveFail, map[string]any{
		"market_id":   m.ID,
		"on_chain_id": *m.OnChainID,
		"outcome":     string(*m.Outcome),
		"error":       err.Error(),
	})
	alert(ctx, s.alerter, s.logger, AlertChainResolveError, "On-chain resolution failed",
		fmt.Sprintf("Market %s (%s) resolved %s locally but not on chain: %v", m.ID, *m.OnChainID, *m.Outcome, err))
	return ""
}

func (s *SettlementService) archive(ctx context.Context, rep settlement.Report) {
	if s.blobs == nil {
		return
	}
	body, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		s.logger.WarnContext(ctx, "settlement_service: encode report failed",
			slog.String("market_id", rep.MarketID),
			slog.String("error", err.Error()),
		)
		return
	}
	if err := s.blobs.Put(ctx, ReportPath(rep.MarketID), bytes.NewReader(body), "application/json"); err != nil {
		s.logger.WarnContext(ctx, "settlement_service: archive report failed",
			slog.String("market_id", rep.MarketID),
			slog.String("error", err.Error()),
		)
	}
}

// Report reads back the archived settlement report of a market.
func (s *SettlementService) Report(ctx context.Context, marketID string) (settlement.Report, error) {
	if s.reports == nil {
		return settlement.Report{}, domain.NewError(domain.KindNotFound, "settlement reports are not archived")
	}
	path := ReportPath(marketID)
	ok, err := s.reports.Exists(ctx, path)
	if err != nil {
		return settlement.Report{}, fmt.Errorf("settlement_service: report %s: %w", marketID, err)
	}
	if !ok {
		return settlement.Report{}, domain.NewError(domain.KindNotFound, "no settlement report for market %s", marketID)
	}

	rc, err := s.reports.Get(ctx, path)
	if err != nil {
		return settlement.Report{}, fmt.Errorf("settlement_service: report %s: %w", marketID, err)
	}
	defer rc.Close()

	var rep settlement.Report
	if err := json.NewDecoder(rc).Decode(&rep); err != nil {
		return settlement.Report{}, fmt.Errorf("settlement_service: decode report %s: %w", marketID, err)
	}
	return rep, nil
}

// ClaimReward marks voter's reward on marketID claimed and credits it to their
// lifetime earnings, exactly once.
func (s *SettlementService) ClaimReward(ctx context.Context, marketID, voter string) (domain.ClaimResult, error) {
	var claim domain.ClaimResult
	err := s.store.WithinTx(ctx, s.txTimeout, func(ctx context.Context, tx domain.Repositories) error {
		m, err := tx.Markets().GetByID(ctx, marketID)
		if err != nil {
			return notFound(err, "market", marketID)
		}
		if m.Status != domain.MarketStatusResolved {
			return domain.NewError(domain.KindNotResolved, "market %s is not resolved", marketID)
		}

		v, err := tx.Votes().GetForUpdate(ctx, marketID, voter)
		if err != nil {
			return notFound(err, "vote by", voter)
		}
		if v.Claimed {
			return domain.NewError(domain.KindAlreadyClaimed, "reward for market %s already claimed", marketID)
		}
		if v.Reward == nil || !v.Reward.IsPositive() {
			return domain.NewError(domain.KindNotEligible, "no reward to claim on market %s", marketID)
		}

		if err := tx.Votes().MarkClaimed(ctx, v.ID); err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return domain.NewError(domain.KindAlreadyClaimed, "reward for market %s already claimed", marketID)
			}
			return err
		}
		if err := tx.Users().AddEarnings(ctx, voter, *v.Reward); err != nil {
			return err
		}
		claim = domain.ClaimResult{MarketID: marketID, Voter: voter, Amount: *v.Reward}
		return tx.Audit().Log(ctx, auditRewardClaimed, map[string]any{
			"market_id": marketID,
			"vote_id":   v.ID,
			"voter":     voter,
			"amount":    v.Reward.String(),
		})
	})
	if err != nil {
		return domain.ClaimResult{}, fmt.Errorf("settlement_service: claim %s: %w", marketID, err)
	}

	s.logger.InfoContext(ctx, "settlement_service: reward claimed",
		slog.String("market_id", marketID),
		slog.String("voter", voter),
		slog.String("amount", claim.Amount.String()),
	)
	s.events.Publish(ctx, events.Event{Type: events.RewardClaimed, MarketID: marketID, Data: map[string]any{
		"voter":  voter,
		"amount": claim.Amount.String(),
	}})
	return claim, nil
}
