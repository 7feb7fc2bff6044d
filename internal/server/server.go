// Package server exposes the market lifecycle over HTTP and WebSocket.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/alanyoungcy/predictify/internal/domain"
	"github.com/alanyoungcy/predictify/internal/metrics"
	"github.com/alanyoungcy/predictify/internal/server/handler"
	"github.com/alanyoungcy/predictify/internal/server/middleware"
	"github.com/alanyoungcy/predictify/internal/server/ws"
)

// Config holds the HTTP server settings.
type Config struct {
	Port        int
	CORSOrigins []string
	// APIKey gates /api/* except health. Empty disables authentication.
	APIKey string

	// RateLimit is requests per RateWindow per client. Zero disables it.
	RateLimit  int
	RateWindow time.Duration

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Handlers aggregates the route handlers.
type Handlers struct {
	Health     *handler.HealthHandler
	Markets    *handler.MarketHandler
	Votes      *handler.VoteHandler
	Settlement *handler.SettlementHandler
	Relay      *handler.RelayHandler
}

// Server is the API server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

const healthPath = "/api/health"

// NewServer registers routes and wraps them in the middleware chain. hub,
// limiter and m may be nil.
func NewServer(cfg Config, h Handlers, hub *ws.Hub, limiter domain.RateLimiter, m *metrics.Metrics, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	mux.HandleFunc("GET "+healthPath, h.Health.HealthCheck)
	mux.Handle("GET /metrics", m.Handler())

	mux.HandleFunc("POST /api/groups/{groupId}/markets", h.Markets.CreateMarket)
	mux.HandleFunc("GET /api/groups/{groupId}/markets", h.Markets.ListMarkets)
	mux.HandleFunc("GET /api/markets/{id}", h.Markets.GetMarket)
	mux.HandleFunc("POST /api/markets/{id}/initialize", h.Markets.Initialize)
	mux.HandleFunc("POST /api/markets/{id}/sync", h.Markets.Sync)
	mux.HandleFunc("POST /api/sync", h.Markets.SyncAll)

	mux.HandleFunc("POST /api/markets/{id}/votes", h.Votes.PlaceVote)

	mux.HandleFunc("POST /api/markets/{id}/resolve", h.Settlement.Resolve)
	mux.HandleFunc("POST /api/markets/{id}/claim", h.Settlement.Claim)
	mux.HandleFunc("GET /api/markets/{id}/settlement", h.Settlement.Report)

	mux.HandleFunc("GET /api/relay/status", h.Relay.Status)

	if hub != nil {
		mux.HandleFunc("GET /ws", hub.HandleWS)
	}

	var root http.Handler = mux
	root = middleware.RateLimit(limiter, cfg.RateLimit, cfg.RateWindow, logger)(root)
	root = middleware.Auth(cfg.APIKey, healthPath)(root)
	root = middleware.Metrics(m)(root)
	root = middleware.Logging(logger)(root)
	root = middleware.Identity()(root)
	root = middleware.CORS(cfg.CORSOrigins)(root)

	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 15 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 90 * time.Second
	}

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           root,
			ReadTimeout:       cfg.ReadTimeout,
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      cfg.WriteTimeout,
			IdleTimeout:       60 * time.Second,
		},
		logger: logger,
	}
}

// Handler returns the fully wrapped root handler.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Start listens on the configured port and blocks until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", s.httpServer.Addr, err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("server: starting", slog.String("addr", ln.Addr().String()))
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: serve: %w", err)
	}
	return nil
}

// Shutdown waits for in-flight requests until ctx ends.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
