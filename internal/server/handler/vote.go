package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/alanyoungcy/predictify/internal/domain"
	"github.com/alanyoungcy/predictify/internal/service"
)

// VoteService records stakes.
type VoteService interface {
	PlaceVote(ctx context.Context, in service.PlaceVoteInput) (domain.Vote, error)
}

type VoteHandler struct {
	votes  VoteService
	logger *slog.Logger
}

func NewVoteHandler(votes VoteService, logger *slog.Logger) *VoteHandler {
	return &VoteHandler{votes: votes, logger: logger}
}

// PlaceVote stakes the caller's amount on YES or NO.
// POST /api/markets/{id}/votes  {"prediction":"YES","amount":"25"}
func (h *VoteHandler) PlaceVote(w http.ResponseWriter, r *http.Request) {
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
	var in service.PlaceVoteInput
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	in.MarketID = id
	in.Voter = voter
	in.Prediction = domain.Prediction(strings.ToUpper(strings.TrimSpace(string(in.Prediction))))

	v, err := h.votes.PlaceVote(r.Context(), in)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, v)
}
