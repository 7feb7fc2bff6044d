package service

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/predictify/internal/domain"
	"github.com/alanyoungcy/predictify/internal/events"
	"github.com/alanyoungcy/predictify/internal/retry"
)

const (
	testGroup = "group-1"
	alice     = "0xaaaa000000000000000000000000000000000001"
	bob       = "0xbbbb000000000000000000000000000000000002"
	judge     = "0xcccc000000000000000000000000000000000003"
	outsider  = "0xdddd000000000000000000000000000000000004"
)

type harness struct {
	store   *memStore
	relay   *fakeRelay
	reader  *fakeReader
	alerter *recordingAlerter
	blobs   *memBlobs

	locks   *InitLockManager
	markets *MarketService
	sync    *SyncService
	settle  *SettlementService
	votes   *VoteService
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := discardLogger()
	h := &harness{
		store:   newMemStore(),
		relay:   &fakeRelay{},
		reader:  &fakeReader{states: map[string]domain.ChainMarketState{}, errs: map[string]error{}},
		alerter: &recordingAlerter{},
		blobs:   &memBlobs{},
	}
	pub := events.NewPublisher(nil, logger)

	h.locks = NewInitLockManager(h.store, domain.InitLockLease, nil, logger)
	h.markets = NewMarketService(h.store, h.relay, h.reader, nil, h.locks, pub, h.alerter, nil, LifecycleConfig{
		InitTimeout:     5 * time.Second,
		TxTimeout:       time.Second,
		ActivationRetry: retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, Multiplier: 2},
		LiveConcurrency: 2,
	}, logger)
	h.sync = NewSyncService(h.store, h.reader, nil, pub, nil, time.Second, 2, logger)
	h.settle = NewSettlementService(h.store, h.relay, h.blobs, h.blobs, pub, h.alerter, nil, SettlementConfig{TxTimeout: time.Second}, logger)
	h.votes = NewVoteService(h.store, pub, time.Second, logger)

	h.store.addMember(testGroup, alice, domain.RoleMember)
	h.store.addMember(testGroup, bob, domain.RoleMember)
	h.store.addMember(testGroup, judge, domain.RoleJudge)
	return h
}

// seedMarket stores a PENDING market ending in a day, after applying opts.
func (h *harness) seedMarket(id string, opts ...func(*domain.Market)) domain.Market {
	now := time.Now().UTC()
	m := domain.Market{
		ID:        id,
		GroupID:   testGroup,
		Title:     "Will it rain on " + id + "?",
		Type:      domain.MarketTypeStandard,
		EndDate:   now.Add(24 * time.Hour),
		MinStake:  decimal.NewFromInt(1),
		Status:    domain.MarketStatusPending,
		Pools:     domain.NewPools(decimal.Zero, decimal.Zero, 0),
		CreatedBy: alice,
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, o := range opts {
		o(&m)
	}
	h.store.putMarket(m)
	return m
}

func active(onChainID string) func(*domain.Market) {
	return func(m *domain.Market) {
		m.Status = domain.MarketStatusActive
		m.OnChainID = &onChainID
	}
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func ptr[T any](v T) *T { return &v }
