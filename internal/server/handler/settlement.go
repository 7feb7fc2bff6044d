package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/alanyoungcy/predictify/internal/domain"
	"github.com/alanyoungcy/predictify/internal/service"
	"github.com/alanyoungcy/predictify/internal/settlement"
)

// SettlementService resolves markets and pays out rewards.
type SettlementService interface {
	Resolve(ctx context.Context, in service.ResolveInput) (service.ResolveResult, error)
	ClaimReward(ctx context.Context, marketID, voter string) (domain.ClaimResult, error)
	Report(ctx context.Context, marketID string) (settlement.Report, error)
}

type SettlementHandler struct {
	settle SettlementService
	logger *slog.Logger
}

func NewSettlementHandler(settle SettlementService, logger *slog.Logger) *SettlementHandler {
	return &SettlementHandler{settle: settle, logger: logger}
}

type resolveRequest struct {
	Outcome string  `json:"outcome"`
	Note    *string `json:"note"`
}

// Resolve records the outcome and computes every payout. Only group admins
// and judges may resolve.
// POST /api/markets/{id}/resolve  {"outcome":"YES","note":"..."}
func (h *SettlementHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	resolver, err := caller(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	var req resolveRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	res, err := h.settle.Resolve(r.Context(), service.ResolveInput{
		MarketID: id,
		Resolver: resolver,
		Outcome:  domain.Outcome(strings.ToUpper(strings.TrimSpace(req.Outcome))),
		Note:     req.Note,
	})
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Claim pays the caller's reward once.
// POST /api/markets/{id}/claim
func (h *SettlementHandler) Claim(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	voter, err := caller(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	res, err := h.settle.ClaimReward(r.Context(), id, voter)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Report returns the archived settlement report.
// GET /api/markets/{id}/settlement
func (h *SettlementHandler) Report(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	rep, err := h.settle.Report(r.Context(), id)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}
