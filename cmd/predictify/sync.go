package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/alanyoungcy/predictify/internal/app"
	"github.com/alanyoungcy/predictify/internal/config"
)

func syncCommand() *cobra.Command {
	var marketID string
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Reconcile markets with the ledger",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withDeps(cmd.Context(), func(ctx context.Context, deps *app.Dependencies, _ *config.Config, logger *slog.Logger) error {
				if marketID != "" {
					m, err := deps.Sync.SyncOne(ctx, marketID)
					if err != nil {
						return err
					}
					fmt.Printf("%s\t%s\n", m.ID, m.Status)
					return nil
				}
				rep, err := deps.Sync.SyncActiveMarkets(ctx)
				if err != nil {
					return err
				}
				logger.Info("sync complete",
					slog.Int("total", rep.Total),
					slog.Int("succeeded", rep.Succeeded),
					slog.Int("failed", rep.Failed),
					slog.Duration("duration", rep.Duration),
				)
				if rep.Failed > 0 {
					return fmt.Errorf("sync: %d of %d markets failed", rep.Failed, rep.Total)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&marketID, "market", "", "reconcile a single market by id")
	return cmd
}
