package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/predictify/internal/domain"
	"github.com/alanyoungcy/predictify/internal/events"
	"github.com/alanyoungcy/predictify/internal/metrics"
)

// SyncReport summarizes one batch reconciliation.
type SyncReport struct {
	Total     int           `json:"total"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Duration  time.Duration `json:"duration"`
}

// SyncService pulls authoritative chain state into the local market cache.
type SyncService struct {
	store       domain.Store
	reader      domain.LedgerReader
	live        domain.LiveStateCache
	events      *events.Publisher
	metrics     *metrics.Metrics
	txTimeout   time.Duration
	concurrency int
	logger      *slog.Logger
}

// NewSyncService wires a SyncService. live and m may be nil.
func NewSyncService(
	store domain.Store,
	reader domain.LedgerReader,
	live domain.LiveStateCache,
	pub *events.Publisher,
	m *metrics.Metrics,
	txTimeout time.Duration,
	concurrency int,
	logger *slog.Logger,
) *SyncService {
	if txTimeout <= 0 {
		txTimeout = 10 * time.Second
	}
	if concurrency <= 0 {
		concurrency = 4
	}
	return &SyncService{
		store:       store,
		reader:      reader,
		live:        live,
		events:      pub,
		metrics:     m,
		txTimeout:   txTimeout,
		concurrency: concurrency,
		logger:      logger.With(slog.String("component", "sync_service")),
	}
}

// SyncOne overwrites a market's cached status, outcome and pools with the
// chain's. Nothing is written when the ledger read fails.
//
// The write re-reads the market under a row lock, so a resolution that
// commits while the chain read is in flight is never rolled back: a locally
// terminal status is kept even if the chain still reports ACTIVE, and a known
// outcome is never cleared. Pools are overwritten regardless.
func (s *SyncService) SyncOne(ctx context.Context, marketID string) (domain.Market, error) {
	m, err := s.store.Markets().GetByID(ctx, marketID)
	if err != nil {
		return domain.Market{}, fmt.Errorf("sync_service: sync %s: %w", marketID, notFound(err, "market", marketID))
	}
	if err := checkSyncable(m); err != nil {
		return domain.Market{}, err
	}

	st, err := s.reader.MarketState(ctx, *m.OnChainID)
	if err != nil {
		s.metrics.Sync("error")
		return domain.Market{}, domain.WrapError(domain.KindSync, err, "read chain state for market %s", marketID)
	}
	if st.Status == domain.MarketStatusResolved && st.Outcome == nil {
		s.metrics.Sync("error")
		return domain.Market{}, domain.NewError(domain.KindSync,
			"chain reports market %s resolved without an outcome", marketID)
	}

	var before domain.Market
	err = s.store.WithinTx(ctx, s.txTimeout, func(ctx context.Context, tx domain.Repositories) error {
		cur, err := tx.Markets().GetForUpdate(ctx, marketID)
		if err != nil {
			return notFound(err, "market", marketID)
		}
		if err := checkSyncable(cur); err != nil {
			return err
		}
		before = cur

		status := st.Status
		if cur.Status.Terminal() && !status.Terminal() {
			status = cur.Status
		}
		outcome := cur.Outcome
		if st.Outcome != nil {
			outcome = st.Outcome
		}
		pools := st.Pools()
		if err := tx.Markets().ApplyChainState(ctx, marketID, status, outcome, pools); err != nil {
			return domain.WrapError(domain.KindSync, err, "store chain state for market %s", marketID)
		}
		m = cur
		m.Status = status
		m.Outcome = outcome
		m.Pools = pools
		return nil
	})
	if err != nil {
		s.metrics.Sync("error")
		return domain.Market{}, fmt.Errorf("sync_service: sync %s: %w", marketID, err)
	}
	s.metrics.Sync("ok")

	if s.live != nil {
		if err := s.live.Set(ctx, st); err != nil {
			s.logger.DebugContext(ctx, "sync_service: live cache set failed",
				slog.String("market_id", marketID),
				slog.String("error", err.Error()),
			)
		}
	}

	if m.Status != before.Status {
		s.logger.InfoContext(ctx, "sync_service: status changed on chain",
			slog.String("market_id", marketID),
			slog.String("status", string(m.Status)),
		)
		data := map[string]any{"status": string(m.Status)}
		if m.Outcome != nil {
			data["outcome"] = string(*m.Outcome)
		}
		s.events.Publish(ctx, events.Event{Type: events.MarketSynced, MarketID: marketID, Data: data})
	}
	return m, nil
}

func checkSyncable(m domain.Market) error {
	if !m.HasOnChainID() ||
		(m.Status != domain.MarketStatusActive && m.Status != domain.MarketStatusResolved) {
		return domain.NewError(domain.KindNotInitialized,
			"market %s is not committed on chain (status %s)", m.ID, m.Status)
	}
	if !m.ChainNumbered() {
		return domain.NewError(domain.KindInvalidState,
			"market %s has no chain market number (on-chain id %s)", m.ID, *m.OnChainID)
	}
	return nil
}

// SyncActiveMarkets syncs every ACTIVE market with an on-chain id. Individual
// failures are counted and logged; the batch always runs to the end.
func (s *SyncService) SyncActiveMarkets(ctx context.Context) (SyncReport, error) {
	start := time.Now()
	markets, err := s.store.Markets().ListSyncable(ctx)
	if err != nil {
		return SyncReport{}, fmt.Errorf("sync_service: list syncable: %w", err)
	}

	var ok, failed atomic.Int64
	var eg errgroup.Group
	eg.SetLimit(s.concurrency)
	for _, m := range markets {
		eg.Go(func() error {
			if _, err := s.SyncOne(ctx, m.ID); err != nil {
				failed.Add(1)
				s.logger.WarnContext(ctx, "sync_service: market sync failed",
					slog.String("market_id", m.ID),
					slog.String("error", err.Error()),
				)
				return nil
			}
			ok.Add(1)
			return nil
		})
	}
	_ = eg.Wait()

	report := SyncReport{
		Total:     len(markets),
		Succeeded: int(ok.Load()),
		Failed:    int(failed.Load()),
		Duration:  time.Since(start),
	}
	s.logger.InfoContext(ctx, "sync_service: batch complete",
		slog.Int("total", report.Total),
		slog.Int("succeeded", report.Succeeded),
		slog.Int("failed", report.Failed),
		slog.Duration("duration", report.Duration),
	)
	return report, nil
}
