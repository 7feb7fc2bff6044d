package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/alanyoungcy/predictify/internal/domain"
	"github.com/alanyoungcy/predictify/internal/service"
)

// MarketService is the lifecycle surface the market routes need.
type MarketService interface {
	CreateOffChain(ctx context.Context, in domain.CreateMarketInput) (domain.Market, error)
	Initialize(ctx context.Context, marketID string) (domain.InitializeResult, error)
	GetMarket(ctx context.Context, id string, includeLive bool) (domain.MarketView, error)
	ListByGroup(ctx context.Context, filter domain.MarketFilter, includeLive bool) ([]domain.MarketView, error)
}

// SyncService reconciles markets with the ledger.
type SyncService interface {
	SyncOne(ctx context.Context, marketID string) (domain.Market, error)
	SyncActiveMarkets(ctx context.Context) (service.SyncReport, error)
}

// MarketHandler serves market creation, reads, initialization and sync.
type MarketHandler struct {
	markets MarketService
	sync    SyncService
	logger  *slog.Logger
}

func NewMarketHandler(markets MarketService, sync SyncService, logger *slog.Logger) *MarketHandler {
	return &MarketHandler{markets: markets, sync: sync, logger: logger}
}

type listMarketsResponse struct {
	Markets []domain.MarketView `json:"markets"`
	Limit   int                 `json:"limit"`
	Offset  int                 `json:"offset"`
}

// CreateMarket stores a PENDING market in the group.
// POST /api/groups/{groupId}/markets
func (h *MarketHandler) CreateMarket(w http.ResponseWriter, r *http.Request) {
	groupID, err := pathID(r, "groupId")
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	creator, err := caller(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	var in domain.CreateMarketInput
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	in.GroupID = groupID
	in.CreatedBy = creator

	m, err := h.markets.CreateOffChain(r.Context(), in)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

// ListMarkets lists a group's markets.
// GET /api/groups/{groupId}/markets?status=ACTIVE&live=true&limit=50&offset=0
func (h *MarketHandler) ListMarkets(w http.ResponseWriter, r *http.Request) {
	groupID, err := pathID(r, "groupId")
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	opts, err := parseListOpts(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	live, err := parseBool(r, "live")
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	filter := domain.MarketFilter{GroupID: groupID, ListOpts: opts}
	if s := strings.TrimSpace(r.URL.Query().Get("status")); s != "" {
		status := domain.MarketStatus(strings.ToUpper(s))
		filter.Status = &status
	}

	markets, err := h.markets.ListByGroup(r.Context(), filter, live)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if markets == nil {
		markets = []domain.MarketView{}
	}
	writeJSON(w, http.StatusOK, listMarketsResponse{Markets: markets, Limit: opts.Limit, Offset: opts.Offset})
}

// GetMarket returns one market, optionally with live chain state.
// GET /api/markets/{id}?live=true
func (h *MarketHandler) GetMarket(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	live, err := parseBool(r, "live")
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	m, err := h.markets.GetMarket(r.Context(), id, live)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// Initialize commits a PENDING market on chain. Repeating the call after
// success returns the same on-chain id with alreadyInitialized set.
// POST /api/markets/{id}/initialize
func (h *MarketHandler) Initialize(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	res, err := h.markets.Initialize(r.Context(), id)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	status := http.StatusCreated
	if res.AlreadyInitialized {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

// Sync reconciles one market with the ledger.
// POST /api/markets/{id}/sync
func (h *MarketHandler) Sync(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	m, err := h.sync.SyncOne(r.Context(), id)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// SyncAll reconciles every syncable market.
// POST /api/sync
func (h *MarketHandler) SyncAll(w http.ResponseWriter, r *http.Request) {
	report, err := h.sync.SyncActiveMarkets(r.Context())
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total":       report.Total,
		"succeeded":   report.Succeeded,
		"failed":      report.Failed,
		"duration_ms": report.Duration.Milliseconds(),
	})
}
