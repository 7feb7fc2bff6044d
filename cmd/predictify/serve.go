package main

import (
	"context"
	"errors"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/alanyoungcy/predictify/internal/app"
	"github.com/alanyoungcy/predictify/internal/config"
)

func serveCommand() *cobra.Command {
	var mode string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the API server and background workers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if mode != "" {
				cfg.Mode = mode
				if err := cfg.Validate(); err != nil {
					return err
				}
			}
			logger := newLogger(cfg.LogLevel)
			logger.Info("predictify starting",
				slog.String("mode", cfg.Mode),
				slog.Any("config", config.RedactedConfig(cfg)),
			)

			application := app.New(cfg, logger)
			defer application.Close()

			err = application.Run(cmd.Context())
			if errors.Is(err, context.Canceled) {
				logger.Info("application shut down gracefully")
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "", "override the configured mode (api, worker, full)")
	return cmd
}
