package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/alanyoungcy/predictify/internal/app"
	"github.com/alanyoungcy/predictify/internal/config"
)

func locksCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "locks",
		Short: "Manage market initialization locks",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "sweep",
		Short: "Delete expired initialization locks",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withDeps(cmd.Context(), func(ctx context.Context, deps *app.Dependencies, _ *config.Config, _ *slog.Logger) error {
				n, err := deps.InitLocks.Sweep(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("removed %d expired locks\n", n)
				return nil
			})
		},
	})
	return cmd
}
