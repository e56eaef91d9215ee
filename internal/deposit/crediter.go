package deposit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/stablr/paycore/internal/core/domain"
	"github.com/stablr/paycore/internal/infra/storage"
	"github.com/stablr/paycore/internal/ledger"
)

// Crediter consumes observed deposits and credits the receiving account.
// Redelivered deposits are absorbed by the ledger's idempotency key, so
// at-least-once delivery never double-credits.
type Crediter struct {
	accounts storage.AccountRepository
	deposits storage.DepositRepository
	ledger   *ledger.Engine
	log      *slog.Logger
}

// NewCrediter creates a deposit crediter.
func NewCrediter(accounts storage.AccountRepository, deposits storage.DepositRepository, ledgerEngine *ledger.Engine, log *slog.Logger) *Crediter {
	if log == nil {
		log = slog.Default()
	}
	return &Crediter{accounts: accounts, deposits: deposits, ledger: ledgerEngine, log: log}
}

// Run credits deposits from the channel until it closes or the context is
// cancelled.
func (c *Crediter) Run(ctx context.Context, records <-chan *domain.DepositRecord) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case record, ok := <-records:
			if !ok {
				return nil
			}
			if err := c.Credit(ctx, record); err != nil {
				c.log.Error("deposit credit failed",
					"key", record.DedupeKey(), "error", err)
			}
		}
	}
}

// Credit applies one deposit to the receiving account's ledger.
func (c *Crediter) Credit(ctx context.Context, record *domain.DepositRecord) error {
	account, err := c.accounts.GetByAddress(ctx, record.Chain, record.ToAddress)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// A watched address without an account is a configuration
			// gap, not a transient failure.
			c.log.Warn("deposit to unknown address",
				"chain", record.Chain, "address", record.ToAddress, "tx", record.TxHash)
			return nil
		}
		return fmt.Errorf("resolve account for %s: %w", record.ToAddress, err)
	}

	entry, err := c.ledger.Append(ctx, ledger.AppendRequest{
		AccountID:      account.ID,
		Amount:         record.Amount,
		Type:           domain.EntryCredit,
		Reference:      record.TxHash,
		IdempotencyKey: record.DedupeKey(),
		Metadata: map[string]string{
			"tx_hash": record.TxHash,
			"token":   record.Token,
			"from":    record.FromAddress,
			"chain":   string(record.Chain),
		},
	})
	if err != nil {
		return fmt.Errorf("credit %s: %w", record.DedupeKey(), err)
	}

	// The flag only prunes the startup replay set; if it fails to stick
	// the deposit is replayed and the idempotency key absorbs it.
	if err := c.deposits.MarkCredited(ctx, record.TxHash, record.LogIndex); err != nil {
		c.log.Warn("failed to mark deposit credited",
			"key", record.DedupeKey(), "error", err)
	}

	c.log.Debug("deposit credited",
		"account", account.ID, "entry", entry.EntryID, "amount", record.Amount)
	return nil
}
