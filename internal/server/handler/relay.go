package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/predictify/internal/domain"
)

// RelayStatus is the slice of the relay signer the status route reads.
type RelayStatus interface {
	Address() (string, error)
	Balance(ctx context.Context) decimal.Decimal
	Threshold() decimal.Decimal
	HasSufficientBalance(ctx context.Context) bool
}

type relayStatusResponse struct {
	Configured  bool            `json:"configured"`
	Address     string          `json:"address,omitempty"`
	Balance     decimal.Decimal `json:"balance"`
	Threshold   decimal.Decimal `json:"threshold"`
	Sufficient  bool            `json:"sufficient"`
	MarketCount *uint64         `json:"marketCount,omitempty"`
}

// RelayHandler reports relay account health.
type RelayHandler struct {
	relay  RelayStatus
	reader domain.LedgerReader
	logger *slog.Logger
}

func NewRelayHandler(relay RelayStatus, reader domain.LedgerReader, logger *slog.Logger) *RelayHandler {
	return &RelayHandler{relay: relay, reader: reader, logger: logger}
}

// Status reports the relay address, balance against the threshold and the
// ledger's market count. A failed count read is omitted, not an error.
// GET /api/relay/status
func (h *RelayHandler) Status(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	resp := relayStatusResponse{Threshold: h.relay.Threshold(), Balance: decimal.Zero}

	addr, err := h.relay.Address()
	if err == nil {
		resp.Configured = true
		resp.Address = addr
		resp.Balance = h.relay.Balance(ctx)
		resp.Sufficient = h.relay.HasSufficientBalance(ctx)
	}

	if h.reader != nil {
		n, err := h.reader.MarketCount(ctx)
		if err != nil {
			h.logger.WarnContext(ctx, "handler: market count unavailable",
				slog.String("error", err.Error()),
			)
		} else {
			resp.MarketCount = &n
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
