// Command predictify runs the prediction-market backend and its operator
// commands.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/alanyoungcy/predictify/internal/app"
	"github.com/alanyoungcy/predictify/internal/config"
)

const programName = "predictify"

var configPath string

func main() {
	root := &cobra.Command{
		Use:           programName,
		Short:         "Social prediction-market backend",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "config.toml", "path to configuration file")
	root.AddCommand(
		serveCommand(),
		relayCommand(),
		syncCommand(),
		locksCommand(),
		keysCommand(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := root.ExecuteContext(ctx)
	stop()
	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "%s: %v\n", programName, err)
		os.Exit(1)
	}
}

// loadConfig reads and validates the configuration. A missing default file is
// tolerated so deployments can configure purely through the environment.
func loadConfig() (*config.Config, error) {
	path := configPath
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) && path == "config.toml" {
		path = ""
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
	return logger
}

// withDeps wires every dependency, runs fn and tears everything down.
func withDeps(ctx context.Context, fn func(ctx context.Context, deps *app.Dependencies, cfg *config.Config, logger *slog.Logger) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.LogLevel)
	deps, cleanup, err := app.Wire(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()
	return fn(ctx, deps, cfg, logger)
}
