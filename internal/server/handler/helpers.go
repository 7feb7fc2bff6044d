package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/alanyoungcy/predictify/internal/domain"
	"github.com/alanyoungcy/predictify/internal/server/middleware"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// errorBody is the envelope every failed request receives.
type errorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

var kindStatus = map[domain.Kind]int{
	domain.KindValidation:          http.StatusBadRequest,
	domain.KindNotFound:            http.StatusNotFound,
	domain.KindInvalidState:        http.StatusBadRequest,
	domain.KindForbidden:           http.StatusForbidden,
	domain.KindInsufficientBalance: http.StatusServiceUnavailable,
	domain.KindTransactionFailed:   http.StatusInternalServerError,
	domain.KindSync:                http.StatusBadGateway,
	domain.KindLockContention:      http.StatusConflict,
	domain.KindNotInitialized:      http.StatusBadRequest,
	domain.KindAlreadyResolved:     http.StatusConflict,
	domain.KindMarketNotEnded:      http.StatusBadRequest,
	domain.KindNotEligible:         http.StatusBadRequest,
	domain.KindAlreadyClaimed:      http.StatusConflict,
	domain.KindNotResolved:         http.StatusBadRequest,
	domain.KindWalletNotConfigured: http.StatusInternalServerError,
	domain.KindAlreadyVoted:        http.StatusConflict,
}

// StatusFor maps an error to its HTTP status. Errors without a kind are 500.
func StatusFor(err error) int {
	if errors.Is(err, domain.ErrUnauthorized) {
		return http.StatusUnauthorized
	}
	if status, ok := kindStatus[domain.KindOf(err)]; ok {
		return status
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"code":"INTERNAL_ERROR","message":"internal server error","retryable":false}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

// writeError renders err. Typed errors expose their message; anything else
// is logged and reported generically.
func writeError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	var de *domain.Error
	switch {
	case errors.As(err, &de):
		status := StatusFor(err)
		if status >= http.StatusInternalServerError {
			logger.ErrorContext(r.Context(), "handler: request failed",
				slog.String("path", r.URL.Path),
				slog.String("kind", string(de.Kind)),
				slog.String("error", err.Error()),
			)
		}
		writeJSON(w, status, errorBody{Code: string(de.Kind), Message: de.Message, Retryable: de.Retryable})
	case errors.Is(err, domain.ErrUnauthorized):
		writeJSON(w, http.StatusUnauthorized, errorBody{Code: "UNAUTHORIZED", Message: "wallet identity required"})
	default:
		logger.ErrorContext(r.Context(), "handler: unexpected error",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		writeJSON(w, http.StatusInternalServerError, errorBody{Code: "INTERNAL_ERROR", Message: "internal server error"})
	}
}

// decodeJSON reads a JSON body into dst. An empty body leaves dst untouched.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return domain.WrapError(domain.KindValidation, err, "invalid request body: %s", err.Error())
	}
	return nil
}

// caller returns the wallet address set by the identity middleware.
func caller(r *http.Request) (string, error) {
	addr := middleware.Wallet(r.Context())
	if addr == "" {
		return "", domain.ErrUnauthorized
	}
	return addr, nil
}

// parseListOpts reads limit and offset. Defaults: limit=50 (max 500), offset=0.
func parseListOpts(r *http.Request) (domain.ListOpts, error) {
	q := r.URL.Query()
	opts := domain.ListOpts{Limit: 50}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return opts, domain.NewError(domain.KindValidation, "limit must be a positive integer")
		}
		opts.Limit = min(n, 500)
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return opts, domain.NewError(domain.KindValidation, "offset must be a non-negative integer")
		}
		opts.Offset = n
	}
	return opts, nil
}

func parseBool(r *http.Request, name string) (bool, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, domain.NewError(domain.KindValidation, "%s must be a boolean", name)
	}
	return b, nil
}

func pathID(r *http.Request, name string) (string, error) {
	id := r.PathValue(name)
	if id == "" {
		return "", domain.NewError(domain.KindValidation, "missing %s", name)
	}
	return id, nil
}
