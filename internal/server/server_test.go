package server_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/predictify/internal/domain"
	"github.com/alanyoungcy/predictify/internal/metrics"
	"github.com/alanyoungcy/predictify/internal/server"
	"github.com/alanyoungcy/predictify/internal/server/handler"
	"github.com/alanyoungcy/predictify/internal/service"
	"github.com/alanyoungcy/predictify/internal/settlement"
)

const wallet = "0xAbCdEf0123456789aBcDeF0123456789AbCdEf01"

type fakeMarkets struct {
	mu         sync.Mutex
	created    domain.CreateMarketInput
	filter     domain.MarketFilter
	live       bool
	initResult domain.InitializeResult
	err        error
}

func (f *fakeMarkets) CreateOffChain(_ context.Context, in domain.CreateMarketInput) (domain.Market, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = in
	if f.err != nil {
		return domain.Market{}, f.err
	}
	return domain.Market{ID: "m1", GroupID: in.GroupID, Title: in.Title, Status: domain.MarketStatusPending, CreatedBy: in.CreatedBy}, nil
}

func (f *fakeMarkets) Initialize(context.Context, string) (domain.InitializeResult, error) {
	return f.initResult, f.err
}

func (f *fakeMarkets) GetMarket(_ context.Context, id string, live bool) (domain.MarketView, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.live = live
	if f.err != nil {
		return domain.MarketView{}, f.err
	}
	return domain.MarketView{Market: domain.Market{ID: id, Status: domain.MarketStatusActive}}, nil
}

func (f *fakeMarkets) ListByGroup(_ context.Context, filter domain.MarketFilter, live bool) ([]domain.MarketView, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filter, f.live = filter, live
	return nil, f.err
}

type fakeSync struct{ err error }

func (f fakeSync) SyncOne(_ context.Context, id string) (domain.Market, error) {
	return domain.Market{ID: id}, f.err
}

func (f fakeSync) SyncActiveMarkets(context.Context) (service.SyncReport, error) {
	return service.SyncReport{Total: 3, Succeeded: 2, Failed: 1}, f.err
}

type fakeVotes struct{ got service.PlaceVoteInput }

func (f *fakeVotes) PlaceVote(_ context.Context, in service.PlaceVoteInput) (domain.Vote, error) {
	f.got = in
	return domain.Vote{ID: "v1", MarketID: in.MarketID, Voter: in.Voter, Prediction: in.Prediction, Amount: in.Amount}, nil
}

type fakeSettle struct {
	got service.ResolveInput
	err error
}

func (f *fakeSettle) Resolve(_ context.Context, in service.ResolveInput) (service.ResolveResult, error) {
	f.got = in
	return service.ResolveResult{Policy: settlement.PolicyProportional}, f.err
}

func (f *fakeSettle) ClaimReward(_ context.Context, marketID, voter string) (domain.ClaimResult, error) {
	return domain.ClaimResult{MarketID: marketID, Voter: voter, Amount: decimal.NewFromInt(100)}, f.err
}

func (f *fakeSettle) Report(_ context.Context, marketID string) (settlement.Report, error) {
	return settlement.Report{MarketID: marketID}, f.err
}

type fakeRelay struct{ configured bool }

func (f fakeRelay) Address() (string, error) {
	if !f.configured {
		return "", domain.NewError(domain.KindWalletNotConfigured, "no key")
	}
	return "0x1111111111111111111111111111111111111111", nil
}
func (fakeRelay) Balance(context.Context) decimal.Decimal { return decimal.NewFromInt(12) }
func (fakeRelay) Threshold() decimal.Decimal { return decimal.NewFromInt(10) }
func (fakeRelay) HasSufficientBalance(context.Context) bool { return true }

type fakeReader struct{}

func (fakeReader) MarketState(context.Context, string) (domain.ChainMarketState, error) {
	return domain.ChainMarketState{}, nil
}
func (fakeReader) MarketCount(context.Context) (uint64, error) { return 7, nil }

type denyLimiter struct{}

func (denyLimiter) Allow(context.Context, string, int, time.Duration) (bool, error) { return false, nil }

type fixture struct {
	markets *fakeMarkets
	votes   *fakeVotes
	settle  *fakeSettle
	handler http.Handler
}

func newFixture(t *testing.T, cfg server.Config, limiter domain.RateLimiter) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := &fixture{markets: &fakeMarkets{}, votes: &fakeVotes{}, settle: &fakeSettle{}}
	srv := server.NewServer(cfg, server.Handlers{
		Health:     handler.NewHealthHandler(nil, logger),
		Markets:    handler.NewMarketHandler(f.markets, fakeSync{}, logger),
		Votes:      handler.NewVoteHandler(f.votes, logger),
		Settlement: handler.NewSettlementHandler(f.settle, logger),
		Relay:      handler.NewRelayHandler(fakeRelay{configured: true}, fakeReader{}, logger),
	}, nil, limiter, metrics.New(), logger)
	f.handler = srv.Handler()
	return f
}

func (f *fixture) do(method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func withWallet() map[string]string { return map[string]string{"X-Wallet-Address": wallet} }

func TestHealthIsPublic(t *testing.T) {
	f := newFixture(t, server.Config{APIKey: "secret"}, nil)
	rec := f.do(http.MethodGet, "/api/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decodeBody(t, rec)["status"])
}

func TestAPIKey(t *testing.T) {
	f := newFixture(t, server.Config{APIKey: "secret"}, nil)

	rec := f.do(http.MethodGet, "/api/markets/m1", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "UNAUTHORIZED", decodeBody(t, rec)["code"])

	rec = f.do(http.MethodGet, "/api/markets/m1", "", map[string]string{"Authorization": "Bearer wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(http.MethodGet, "/api/markets/m1", "", map[string]string{"Authorization": "Bearer secret"})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(http.MethodGet, "/api/markets/m1", "", map[string]string{"X-API-Key": "secret"})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCreateMarketUsesCallerIdentity(t *testing.T) {
	f := newFixture(t, server.Config{}, nil)
	body := `{"title":"Will it rain?","endDate":"2030-01-01T00:00:00Z","minStake":"1","maxStake":"100"}`

	rec := f.do(http.MethodPost, "/api/groups/g1/markets", body, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(http.MethodPost, "/api/groups/g1/markets", body, withWallet())
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "g1", f.markets.created.GroupID)
	assert.Equal(t, strings.ToLower(wallet), f.markets.created.CreatedBy)
	assert.True(t, f.markets.created.MinStake.Equal(decimal.NewFromInt(1)))
	require.NotNil(t, f.markets.created.MaxStake)
	assert.True(t, f.markets.created.MaxStake.Equal(decimal.NewFromInt(100)))
}

func TestMalformedWalletRejected(t *testing.T) {
	f := newFixture(t, server.Config{}, nil)
	rec := f.do(http.MethodPost, "/api/markets/m1/claim", "", map[string]string{"X-Wallet-Address": "not-an-address"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestUnknownFieldRejected(t *testing.T) {
	f := newFixture(t, server.Config{}, nil)
	rec := f.do(http.MethodPost, "/api/groups/g1/markets", `{"title":"x","bogus":1}`, withWallet())
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "VALIDATION_ERROR", decodeBody(t, rec)["code"])
}

func TestListMarketsQuery(t *testing.T) {
	f := newFixture(t, server.Config{}, nil)

	rec := f.do(http.MethodGet, "/api/groups/g1/markets?status=active&live=true&limit=10&offset=5", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, f.markets.filter.Status)
	assert.Equal(t, domain.MarketStatusActive, *f.markets.filter.Status)
	assert.Equal(t, 10, f.markets.filter.Limit)
	assert.Equal(t, 5, f.markets.filter.Offset)
	assert.True(t, f.markets.live)
	assert.Equal(t, []any{}, decodeBody(t, rec)["markets"])

	rec = f.do(http.MethodGet, "/api/groups/g1/markets?limit=-1", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodGet, "/api/groups/g1/markets?live=maybe", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestInitializeStatus(t *testing.T) {
	f := newFixture(t, server.Config{}, nil)

	f.markets.initResult = domain.InitializeResult{MarketID: "m1", OnChainID: "4", TxHash: "0xabc"}
	rec := f.do(http.MethodPost, "/api/markets/m1/initialize", "", nil)
	assert.Equal(t, http.StatusCreated, rec.Code)

	f.markets.initResult = domain.InitializeResult{MarketID: "m1", OnChainID: "4", AlreadyInitialized: true}
	rec = f.do(http.MethodPost, "/api/markets/m1/initialize", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "4", body["onChainId"])
	assert.Equal(t, true, body["alreadyInitialized"])
}

func TestErrorEnvelope(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		status    int
		code      string
		retryable bool
	}{
		{"lock contention", domain.NewError(domain.KindLockContention, "busy"), http.StatusConflict, "LOCK_CONTENTION", false},
		{"insufficient balance", domain.NewError(domain.KindInsufficientBalance, "low"), http.StatusServiceUnavailable, "INSUFFICIENT_BALANCE", true},
		{"not found", domain.NewError(domain.KindNotFound, "market m1 not found"), http.StatusNotFound, "NOT_FOUND", false},
		{"invalid state", domain.NewError(domain.KindInvalidState, "market is RESOLVED"), http.StatusBadRequest, "INVALID_STATE", false},
		{"wrapped", errors.Join(errors.New("ctx"), domain.NewError(domain.KindTransactionFailed, "reverted")), http.StatusInternalServerError, "TRANSACTION_FAILED", true},
		{"untyped", errors.New("pq: connection reset"), http.StatusInternalServerError, "INTERNAL_ERROR", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, server.Config{}, nil)
			f.markets.err = tt.err
			rec := f.do(http.MethodPost, "/api/markets/m1/initialize", "", nil)
			assert.Equal(t, tt.status, rec.Code)
			body := decodeBody(t, rec)
			assert.Equal(t, tt.code, body["code"])
			assert.Equal(t, tt.retryable, body["retryable"])
			if tt.code == "INTERNAL_ERROR" {
				assert.NotContains(t, body["message"], "pq")
			}
		})
	}
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusConflict, handler.StatusFor(domain.NewError(domain.KindAlreadyVoted, "x")))
	assert.Equal(t, http.StatusConflict, handler.StatusFor(domain.NewError(domain.KindAlreadyClaimed, "x")))
	assert.Equal(t, http.StatusForbidden, handler.StatusFor(domain.NewError(domain.KindForbidden, "x")))
	assert.Equal(t, http.StatusBadRequest, handler.StatusFor(domain.NewError(domain.KindMarketNotEnded, "x")))
	assert.Equal(t, http.StatusBadGateway, handler.StatusFor(domain.NewError(domain.KindSync, "x")))
	assert.Equal(t, http.StatusUnauthorized, handler.StatusFor(domain.ErrUnauthorized))
	assert.Equal(t, http.StatusInternalServerError, handler.StatusFor(errors.New("boom")))
}

func TestPlaceVoteNormalisesPrediction(t *testing.T) {
	f := newFixture(t, server.Config{}, nil)
	rec := f.do(http.MethodPost, "/api/markets/m1/votes", `{"prediction":"yes","amount":"25.5"}`, withWallet())
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, domain.OutcomeYes, f.votes.got.Prediction)
	assert.Equal(t, "m1", f.votes.got.MarketID)
	assert.Equal(t, strings.ToLower(wallet), f.votes.got.Voter)
	assert.True(t, f.votes.got.Amount.Equal(decimal.RequireFromString("25.5")))
}

func TestResolveAndClaim(t *testing.T) {
	f := newFixture(t, server.Config{}, nil)

	rec := f.do(http.MethodPost, "/api/markets/m1/resolve", `{"outcome":"no","note":"official result"}`, withWallet())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, domain.OutcomeNo, f.settle.got.Outcome)
	require.NotNil(t, f.settle.got.Note)
	assert.Equal(t, "official result", *f.settle.got.Note)
	assert.Equal(t, "proportional", decodeBody(t, rec)["policy"])

	rec = f.do(http.MethodPost, "/api/markets/m1/claim", "", withWallet())
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "100", decodeBody(t, rec)["amount"])

	f.settle.err = domain.NewError(domain.KindNotFound, "no settlement report for m1")
	rec = f.do(http.MethodGet, "/api/markets/m1/settlement", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSyncRoutes(t *testing.T) {
	f := newFixture(t, server.Config{}, nil)

	rec := f.do(http.MethodPost, "/api/markets/m1/sync", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(http.MethodPost, "/api/sync", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, 3.0, body["total"])
	assert.Equal(t, 1.0, body["failed"])
}

func TestRelayStatus(t *testing.T) {
	f := newFixture(t, server.Config{}, nil)
	rec := f.do(http.MethodGet, "/api/relay/status", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["configured"])
	assert.Equal(t, "12", body["balance"])
	assert.Equal(t, "10", body["threshold"])
	assert.Equal(t, true, body["sufficient"])
	assert.Equal(t, 7.0, body["marketCount"])
}

func TestRateLimit(t *testing.T) {
	f := newFixture(t, server.Config{RateLimit: 5, RateWindow: time.Minute}, denyLimiter{})
	rec := f.do(http.MethodGet, "/api/markets/m1", "", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
	assert.Equal(t, "RATE_LIMITED", decodeBody(t, rec)["code"])
}

func TestCORSPreflight(t *testing.T) {
	f := newFixture(t, server.Config{CORSOrigins: []string{"https://app.example"}, APIKey: "secret"}, nil)

	rec := f.do(http.MethodOptions, "/api/markets/m1", "", map[string]string{"Origin": "https://app.example"})
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://app.example", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), "X-Wallet-Address")

	rec = f.do(http.MethodOptions, "/api/markets/m1", "", map[string]string{"Origin": "https://evil.example"})
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}
