package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/stablr/paycore/internal/core/config"
	"github.com/stablr/paycore/internal/infra/storage/postgres"
	"github.com/stablr/paycore/internal/ledger"
)

var verifyAccount string

var verifyCmd = &cobra.Command{
	Use:   "verify-ledger",
	Short: "Recompute an account's ledger hash chain from genesis",
	Run:   runVerify,
}

func init() {
	verifyCmd.Flags().StringVar(&verifyAccount, "account", "", "account id to verify (required)")
	_ = verifyCmd.MarkFlagRequired("account")
	rootCmd.AddCommand(verifyCmd)
}

func runVerify(cmd *cobra.Command, args []string) {
	initLogger("")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	db, err := postgres.NewDB(ctx, cfg.Database)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = db.Close()
	}()

	engine := ledger.NewEngine(postgres.NewLedgerRepo(db), postgres.NewAccountRepo(db), slog.Default())
	if err := engine.VerifyChain(ctx, verifyAccount); err != nil {
		slog.Error("Ledger verification FAILED", "account", verifyAccount, "error", err)
		os.Exit(1)
	}

	balance, err := engine.Balance(ctx, verifyAccount)
	if err != nil {
		slog.Error("Failed to read balance", "error", err)
		os.Exit(1)
	}
	fmt.Printf("account %s: chain verified, balance %s\n", verifyAccount, balance)
}
