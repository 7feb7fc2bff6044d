package middleware

import (
	"encoding/json"
	"net/http"
)

// writeError writes the same error envelope the handlers use.
func writeError(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"code":      code,
		"message":   msg,
		"retryable": status == http.StatusTooManyRequests,
	})
}
