package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/alanyoungcy/predictify/internal/metrics"
)

// Metrics counts requests by method and status and observes latency.
func Metrics(m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if m == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := wrap(w)
			next.ServeHTTP(rw, r)
			m.HTTPRequest(r.Method, strconv.Itoa(rw.status), time.Since(start))
		})
	}
}
