package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/predictify/internal/domain"
	"github.com/alanyoungcy/predictify/internal/platform/ledger"
)

func validInput() domain.CreateMarketInput {
	return domain.CreateMarketInput{
		GroupID:   testGroup,
		Title:     "  Will the bridge open by June?  ",
		EndDate:   time.Now().Add(48 * time.Hour),
		MinStake:  decimal.NewFromInt(1),
		CreatedBy: alice,
	}
}

func TestCreateOffChain(t *testing.T) {
	h := newHarness(t)

	m, err := h.markets.CreateOffChain(context.Background(), validInput())
	require.NoError(t, err)

	assert.NotEmpty(t, m.ID)
	assert.Equal(t, "Will the bridge open by June?", m.Title)
	assert.Equal(t, domain.MarketStatusPending, m.Status)
	assert.Equal(t, domain.MarketTypeStandard, m.Type)
	assert.Nil(t, m.OnChainID)
	assert.True(t, m.YesPercentage.Equal(decimal.NewFromInt(50)))
	assert.True(t, m.NoPercentage.Equal(decimal.NewFromInt(50)))

	stored, err := h.store.Markets().GetByID(context.Background(), m.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.MarketStatusPending, stored.Status)
	assert.Equal(t, []string{auditMarketCreated}, h.store.auditEvents())
	assert.Zero(t, h.relay.createCount(), "creation must not touch the chain")
}

func TestCreateOffChainValidation(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*domain.CreateMarketInput)
	}{
		{"empty title", func(in *domain.CreateMarketInput) { in.Title = "   " }},
		{"past end date", func(in *domain.CreateMarketInput) { in.EndDate = time.Now().Add(-time.Minute) }},
		{"zero min stake", func(in *domain.CreateMarketInput) { in.MinStake = decimal.Zero }},
		{"negative max stake", func(in *domain.CreateMarketInput) { in.MaxStake = ptr(decimal.NewFromInt(-1)) }},
		{"max below min", func(in *domain.CreateMarketInput) {
			in.MinStake = decimal.NewFromInt(5)
			in.MaxStake = ptr(decimal.NewFromInt(2))
		}},
		{"unknown type", func(in *domain.CreateMarketInput) { in.Type = "PARIMUTUEL" }},
		{"missing group", func(in *domain.CreateMarketInput) { in.GroupID = "" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			in := validInput()
			tc.mutate(&in)

			_, err := h.markets.CreateOffChain(context.Background(), in)
			require.Error(t, err)
			assert.True(t, errors.Is(err, domain.KindValidation), err.Error())
			assert.Empty(t, h.store.snapshot().markets)
		})
	}
}

func TestCreateOffChainRequiresMembership(t *testing.T) {
	h := newHarness(t)
	in := validInput()
	in.CreatedBy = outsider

	_, err := h.markets.CreateOffChain(context.Background(), in)
	assert.True(t, errors.Is(err, domain.KindForbidden))
	assert.Empty(t, h.store.snapshot().markets)
}

func TestInitializeCommitsOnceAndIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ceiling := decimal.NewFromInt(50)
	h.seedMarket("m1", func(m *domain.Market) { m.MaxStake = &ceiling })

	res, err := h.markets.Initialize(context.Background(), "m1")
	require.NoError(t, err)
	assert.False(t, res.AlreadyInitialized)
	assert.Equal(t, "1", res.OnChainID)
	assert.NotEmpty(t, res.TxHash)

	relayAddr, _ := h.relay.Address()
	assert.Equal(t, relayAddr, h.relay.last.Resolver)
	assert.True(t, h.relay.last.MaxStake.Equal(ceiling))

	stored, err := h.store.Markets().GetByID(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, domain.MarketStatusActive, stored.Status)
	require.NotNil(t, stored.OnChainID)
	assert.Equal(t, "1", *stored.OnChainID)
	assert.Empty(t, h.store.snapshot().locks)

	again, err := h.markets.Initialize(context.Background(), "m1")
	require.NoError(t, err)
	assert.True(t, again.AlreadyInitialized)
	assert.Equal(t, "1", again.OnChainID)
	assert.Equal(t, 1, h.relay.createCount())
}

func TestInitializeConcurrentCallsCommitOnce(t *testing.T) {
	h := newHarness(t)
	h.relay.delay = 20 * time.Millisecond
	h.seedMarket("m1")

	const n = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		ids     = map[string]int{}
		contend int
	)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := h.markets.Initialize(context.Background(), "m1")
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				assert.True(t, errors.Is(err, domain.KindLockContention), err.Error())
				contend++
				return
			}
			ids[res.OnChainID]++
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, h.relay.createCount())
	assert.Len(t, ids, 1)
	assert.Contains(t, ids, "1")
	assert.Equal(t, n, ids["1"]+contend)
}

func TestInitializeRejectsWrongState(t *testing.T) {
	h := newHarness(t)
	h.seedMarket("m1", func(m *domain.Market) {
		m.Status = domain.MarketStatusResolved
		m.Outcome = ptr(domain.OutcomeYes)
	})

	_, err := h.markets.Initialize(context.Background(), "m1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.KindInvalidState))
	assert.False(t, domain.IsRetryable(err))

	stored, _ := h.store.Markets().GetByID(context.Background(), "m1")
	assert.Equal(t, domain.MarketStatusResolved, stored.Status)
	assert.Zero(t, h.relay.createCount())
}

func TestInitializeUnknownMarket(t *testing.T) {
	h := newHarness(t)
	_, err := h.markets.Initialize(context.Background(), "missing")
	assert.True(t, errors.Is(err, domain.KindNotFound))
}

func TestInitializeInsufficientBalance(t *testing.T) {
	h := newHarness(t)
	h.relay.insufficient = true
	h.seedMarket("m1")

	_, err := h.markets.Initialize(context.Background(), "m1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.KindInsufficientBalance))
	assert.True(t, domain.IsRetryable(err))

	snap := h.store.snapshot()
	assert.Equal(t, domain.MarketStatusPending, snap.markets["m1"].Status)
	assert.Empty(t, snap.locks, "lock must be released")
	assert.Zero(t, h.relay.createCount())
	assert.Contains(t, h.store.auditEvents(), auditMarketInitFailed)
	assert.Contains(t, h.alerter.seen(), AlertInitFailed)
}

func TestInitializeSubmissionFailure(t *testing.T) {
	h := newHarness(t)
	h.relay.createErr = domain.NewError(domain.KindTransactionFailed, "rpc unavailable")
	h.seedMarket("m1")

	_, err := h.markets.Initialize(context.Background(), "m1")
	assert.True(t, errors.Is(err, domain.KindTransactionFailed))
	assert.True(t, domain.IsRetryable(err))

	snap := h.store.snapshot()
	assert.Equal(t, domain.MarketStatusPending, snap.markets["m1"].Status)
	assert.Empty(t, snap.locks)

	// A later retry goes through once the chain is reachable.
	h.relay.mu.Lock()
	h.relay.createErr = nil
	h.relay.mu.Unlock()
	res, err := h.markets.Initialize(context.Background(), "m1")
	require.NoError(t, err)
	assert.False(t, res.AlreadyInitialized)
}

func TestInitializeReceiptTimeoutKeepsLease(t *testing.T) {
	h := newHarness(t)
	h.relay.createErr = fmt.Errorf("wait for create_market: %w", ledger.ErrReceiptTimeout)
	h.seedMarket("m1")

	_, err := h.markets.Initialize(context.Background(), "m1")
	require.Error(t, err)

	snap := h.store.snapshot()
	assert.Equal(t, domain.MarketStatusPending, snap.markets["m1"].Status)
	assert.Contains(t, snap.locks, "m1", "an unconfirmed submission must keep the lease")

	_, err = h.markets.Initialize(context.Background(), "m1")
	assert.True(t, errors.Is(err, domain.KindLockContention))
	assert.Equal(t, 1, h.relay.createCount())
}

func TestInitializeRetriesActivationWrite(t *testing.T) {
	h := newHarness(t)
	h.store.activateErrs = []error{errors.New("connection reset by peer")}
	h.seedMarket("m1")

	res, err := h.markets.Initialize(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, "1", res.OnChainID)
	assert.Equal(t, domain.MarketStatusActive, h.store.snapshot().markets["m1"].Status)
	assert.Equal(t, 1, h.relay.createCount())
}

func TestInitializeActivationOrphan(t *testing.T) {
	h := newHarness(t)
	boom := errors.New("connection reset by peer")
	h.store.activateErrs = []error{boom, boom, boom}
	h.seedMarket("m1")

	_, err := h.markets.Initialize(context.Background(), "m1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.KindTransactionFailed))
	assert.False(t, domain.IsRetryable(err))

	snap := h.store.snapshot()
	assert.Equal(t, domain.MarketStatusPending, snap.markets["m1"].Status)
	assert.Contains(t, snap.locks, "m1")
	assert.Contains(t, h.alerter.seen(), AlertActivationOrphan)
}

func TestInitializeSurvivesCallerCancellation(t *testing.T) {
	h := newHarness(t)
	h.relay.delay = 20 * time.Millisecond
	h.seedMarket("m1")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := h.markets.Initialize(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, "1", res.OnChainID)
}

func TestGetMarketLive(t *testing.T) {
	h := newHarness(t)
	h.seedMarket("m1", active("7"))
	h.reader.states["7"] = domain.ChainMarketState{
		OnChainID:        "7",
		Status:           domain.MarketStatusActive,
		YesPool:          dec("40"),
		NoPool:           dec("60"),
		YesPercentage:    dec("40"),
		NoPercentage:     dec("60"),
		ParticipantCount: 3,
	}

	view, err := h.markets.GetMarket(context.Background(), "m1", true)
	require.NoError(t, err)
	require.NotNil(t, view.Live)
	assert.True(t, view.Live.YesPool.Equal(dec("40")))
	assert.True(t, view.YesPool.IsZero(), "cached pools are not mutated")

	plain, err := h.markets.GetMarket(context.Background(), "m1", false)
	require.NoError(t, err)
	assert.Nil(t, plain.Live)
}

func TestGetMarketLiveDegrades(t *testing.T) {
	h := newHarness(t)
	h.seedMarket("m1", active("7"))
	h.reader.errs["7"] = errors.New("rpc timeout")

	view, err := h.markets.GetMarket(context.Background(), "m1", true)
	require.NoError(t, err)
	assert.Nil(t, view.Live)
	assert.Equal(t, "m1", view.ID)

	_, err = h.markets.GetMarket(context.Background(), "nope", true)
	assert.True(t, errors.Is(err, domain.KindNotFound))
}

func TestListByGroupPartialEnrichment(t *testing.T) {
	h := newHarness(t)
	base := time.Now().UTC()
	h.seedMarket("pending", func(m *domain.Market) { m.CreatedAt = base })
	h.seedMarket("ok", active("1"), func(m *domain.Market) { m.CreatedAt = base.Add(time.Second) })
	h.seedMarket("broken", active("2"), func(m *domain.Market) { m.CreatedAt = base.Add(2 * time.Second) })
	h.reader.states["1"] = domain.ChainMarketState{OnChainID: "1", Status: domain.MarketStatusActive, YesPool: dec("5"), NoPool: dec("5")}
	h.reader.errs["2"] = errors.New("execution reverted")

	views, err := h.markets.ListByGroup(context.Background(), domain.MarketFilter{GroupID: testGroup}, true)
	require.NoError(t, err)
	require.Len(t, views, 3)

	assert.Equal(t, "broken", views[0].ID)
	assert.Nil(t, views[0].Live)
	assert.Equal(t, "ok", views[1].ID)
	require.NotNil(t, views[1].Live)
	assert.Nil(t, views[2].Live)

	status := domain.MarketStatusPending
	views, err = h.markets.ListByGroup(context.Background(), domain.MarketFilter{GroupID: testGroup, Status: &status}, false)
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, "pending", views[0].ID)

	bogus := domain.MarketStatus("OPEN")
	_, err = h.markets.ListByGroup(context.Background(), domain.MarketFilter{GroupID: testGroup, Status: &bogus}, false)
	assert.True(t, errors.Is(err, domain.KindValidation))
}
