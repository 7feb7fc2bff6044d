package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/alanyoungcy/predictify/internal/app"
	"github.com/alanyoungcy/predictify/internal/config"
	"github.com/alanyoungcy/predictify/internal/service"
)

func relayCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Inspect the relay account",
	}
	cmd.AddCommand(relayBalanceCommand(), relayMonitorCommand())
	return cmd
}

func relayBalanceCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "balance",
		Short: "Print the relay address and balance",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withDeps(cmd.Context(), func(ctx context.Context, deps *app.Dependencies, _ *config.Config, _ *slog.Logger) error {
				addr, err := deps.Relay.Address()
				if err != nil {
					return err
				}
				out := map[string]any{
					"address":    addr,
					"balance":    deps.Relay.Balance(ctx).String(),
					"threshold":  deps.Relay.Threshold().String(),
					"sufficient": deps.Relay.HasSufficientBalance(ctx),
				}
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(out)
			})
		},
	}
}

func relayMonitorCommand() *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Check the relay balance periodically and alert when low",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withDeps(cmd.Context(), func(ctx context.Context, deps *app.Dependencies, cfg *config.Config, logger *slog.Logger) error {
				if _, err := deps.Relay.Address(); err != nil {
					return err
				}
				if once {
					deps.Relay.MonitorBalance(ctx)
					return nil
				}
				interval := cfg.Relay.MonitorInterval.Duration
				if interval <= 0 {
					interval = time.Minute
				}
				deps.Relay.MonitorBalance(ctx)
				return service.NewHousekeeper(deps.Relay, nil, interval, logger).Run(ctx)
			})
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "check once and exit")
	return cmd
}
