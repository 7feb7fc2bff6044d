package app

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/predictify/internal/server"
	"github.com/alanyoungcy/predictify/internal/server/handler"
	"github.com/alanyoungcy/predictify/internal/server/ws"
	"github.com/alanyoungcy/predictify/internal/service"
)

const shutdownTimeout = 15 * time.Second

// APIMode serves HTTP and the websocket feed. Background reconciliation is
// left to a worker process.
func (a *App) APIMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting api mode")
	g, ctx := errgroup.WithContext(ctx)
	a.startHTTPServer(ctx, g, deps)
	return g.Wait()
}

// WorkerMode runs the sync reconciler and housekeeping without serving HTTP.
func (a *App) WorkerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting worker mode")
	g, ctx := errgroup.WithContext(ctx)
	a.startWorkers(ctx, g, deps)
	return g.Wait()
}

// FullMode runs everything in one process.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")
	g, ctx := errgroup.WithContext(ctx)
	a.startWorkers(ctx, g, deps)
	a.startHTTPServer(ctx, g, deps)
	return g.Wait()
}

func (a *App) startWorkers(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	// A relay without a key has nothing to monitor.
	var monitor service.BalanceMonitor
	if _, err := deps.Relay.Address(); err == nil {
		monitor = deps.Relay
	}
	if monitor != nil {
		balance := service.NewHousekeeper(monitor, nil, a.cfg.Relay.MonitorInterval.Duration, a.logger)
		g.Go(func() error { return balance.Run(ctx) })
	}

	sweeper := service.NewHousekeeper(nil, deps.InitLocks, a.cfg.Lifecycle.LockSweepInterval.Duration, a.logger)
	g.Go(func() error { return sweeper.Run(ctx) })

	if a.cfg.Sync.Enabled {
		w := service.NewSyncWorker(deps.Sync, a.cfg.Sync.Interval.Duration, a.logger)
		g.Go(func() error { return w.Run(ctx) })
	} else {
		a.logger.InfoContext(ctx, "sync worker disabled")
	}
}

func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	checks := map[string]handler.Check{
		"postgres": deps.Postgres.Ping,
		"redis":    deps.Redis.Ping,
		"ledger": func(ctx context.Context) error {
			_, err := deps.Ledger.MarketCount(ctx)
			return err
		},
	}
	if deps.Blobs != nil {
		checks["s3"] = deps.Blobs.Health
	}

	hub := ws.NewHub(deps.Bus, ws.Config{AllowedOrigins: a.cfg.Server.CORSOrigins}, a.logger)
	g.Go(func() error { return hub.Run(ctx) })

	srv := server.NewServer(server.Config{
		Port:         a.cfg.Server.Port,
		CORSOrigins:  a.cfg.Server.CORSOrigins,
		APIKey:       a.cfg.Server.APIKey,
		RateLimit:    a.cfg.Server.RateLimit,
		RateWindow:   a.cfg.Server.RateWindow.Duration,
		ReadTimeout:  a.cfg.Server.ReadTimeout.Duration,
		WriteTimeout: a.cfg.Server.WriteTimeout.Duration,
	}, server.Handlers{
		Health:     handler.NewHealthHandler(checks, a.logger),
		Markets:    handler.NewMarketHandler(deps.Markets, deps.Sync, a.logger),
		Votes:      handler.NewVoteHandler(deps.Votes, a.logger),
		Settlement: handler.NewSettlementHandler(deps.Settlement, a.logger),
		Relay:      handler.NewRelayHandler(deps.Relay, deps.Ledger, a.logger),
	}, hub, deps.RateLimiter, deps.Metrics, a.logger)

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("http server shutdown failed", slog.String("error", err.Error()))
		}
		return ctx.Err()
	})
}
