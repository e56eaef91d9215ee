package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/stablr/paycore/internal/core/config"
	"github.com/stablr/paycore/internal/infra/storage/postgres"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show deposit cursors and pending transaction counts",
	Run:   runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) {
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

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "CHAIN\tDEPOSIT CURSOR\tUPDATED")

	rows, err := db.QueryContext(ctx, "SELECT chain, last_block, updated_at FROM deposit_cursors")
	if err != nil {
		slog.Error("Failed to query cursors", "error", err)
		os.Exit(1)
	}
	for rows.Next() {
		var chain string
		var block int64
		var updatedAt string
		if err := rows.Scan(&chain, &block, &updatedAt); err != nil {
			continue
		}
		_, _ = fmt.Fprintf(w, "%s\t%d\t%s\n", chain, block, updatedAt)
	}
	_ = rows.Close()
	_ = w.Flush()

	fmt.Println()
	w = tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "CHAIN\tSTATUS\tCOUNT")

	rows, err = db.QueryContext(ctx,
		"SELECT chain, status, COUNT(*) FROM pending_transactions GROUP BY chain, status ORDER BY chain, status")
	if err != nil {
		slog.Error("Failed to query pending transactions", "error", err)
		os.Exit(1)
	}
	for rows.Next() {
		var chain, status string
		var count int64
		if err := rows.Scan(&chain, &status, &count); err != nil {
			continue
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\n", chain, status, count)
	}
	_ = rows.Close()
	_ = w.Flush()
}
