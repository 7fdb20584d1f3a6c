package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	_ "time/tzdata"

	"github.com/spf13/cobra"

	"fieldcam/go-capture-node/internal/app"
	"fieldcam/go-capture-node/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "fieldcam",
	Short: "Sun-scheduled capture node with durable delivery",
	Long: "fieldcam captures images between sunrise and sunset, spools them to disk and delivers them " +
		"to object storage whenever the uplink allows. Configuration comes from FIELDCAM_* variables.",
	SilenceUsage: true,
}

func main() {
	rootCmd.AddCommand(runCmd(), sunCmd(), queueCmd(), drainCmd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the control loop and the status API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := load()
			if err != nil {
				return err
			}

			application, err := app.New(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("start: %w", err)
			}
			if err := application.Run(cmd.Context()); err != nil {
				logger.Error("application terminated", "error", err)
				return err
			}
			logger.Info("application stopped cleanly")
			return nil
		},
	}
}

func load() (config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel(cfg.LogLevel)}))
	logger = logger.With("device", cfg.DeviceID)
	return cfg, logger, nil
}

func logLevel(level string) slog.Leveler {
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

	lv := new(slog.LevelVar)
	lv.Set(lvl)
	return lv
}
