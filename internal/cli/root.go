// Package cli implements the paycore command line interface.
package cli

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"

	"github.com/stablr/paycore/internal/control"
	"github.com/stablr/paycore/internal/core/config"
)

var (
	cfgPath string
	isDebug bool
)

var rootCmd = &cobra.Command{
	Use:   "paycore",
	Short: "Stablecoin payment execution and ledger core",
	Long:  `paycore executes custody-signed stablecoin transfers, tracks them to finality, and keeps a tamper-evident double-entry ledger.`,
	Run:   runCore,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "config.yaml", "config file (default is config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&isDebug, "debug", false, "enable debug logging")
}

func initLogger(level string) {
	slogLevel := slog.LevelInfo
	if isDebug || level == "debug" {
		slogLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      slogLevel,
		TimeFormat: time.RFC3339,
	})))
}

func runCore(cmd *cobra.Command, args []string) {
	_ = godotenv.Load()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		initLogger("")
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	initLogger(cfg.Logging.Level)

	controlCfg := control.Config{
		Port:     cfg.Server.Port,
		Chains:   cfg.Chains,
		Database: cfg.Database,
		Redis:    cfg.Redis,
		Custody:  cfg.Custody,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := control.NewEngine(ctx, controlCfg)
	if err != nil {
		slog.Error("Failed to initialize engine", "error", err)
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	if err := app.Start(ctx); err != nil {
		slog.Error("Failed to start engine", "error", err)
		os.Exit(1)
	}
	slog.Info("paycore started", "config", cfgPath)

	sig := <-sigChan
	slog.Info("Received signal, shutting down...", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := app.Stop(shutdownCtx); err != nil {
		slog.Error("Error during shutdown", "error", err)
		os.Exit(1)
	}
}
