// Package confirm tracks submitted transactions to finality: depth-gated
// confirmation, reorg detection, and stuck-transaction timeouts.
package confirm

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/stablr/paycore/internal/core/domain"
	"github.com/stablr/paycore/internal/infra/storage"
	"github.com/stablr/paycore/internal/metrics"
)

// ChainReader is the chain surface the tracker needs.
type ChainReader interface {
	BlockNumber(ctx context.Context) (uint64, error)
	BlockByNumber(ctx context.Context, number uint64) (*domain.Block, error)
	TransactionReceipt(ctx context.Context, txHash string) (*domain.Receipt, error)
}

// Config holds per-chain confirmation parameters.
type Config struct {
	// Depth is the number of blocks on top of the inclusion block
	// required before a transaction counts as confirmed.
	Depth uint64 `yaml:"depth"`

	// PollInterval is how often Await re-checks a transaction.
	PollInterval time.Duration `yaml:"poll_interval"`

	// MaxWait bounds how long a transaction may sit unmined before it is
	// marked stuck.
	MaxWait time.Duration `yaml:"max_wait"`
}

// DefaultConfig suits a low-latency EVM chain.
var DefaultConfig = Config{
	Depth:        12,
	PollInterval: 3 * time.Second,
	MaxWait:      10 * time.Minute,
}

// Tracker watches pending transactions until they reach a terminal state.
type Tracker struct {
	chain  domain.ChainID
	reader ChainReader
	txs    storage.PendingTxRepository
	cfg    Config
	log    *slog.Logger
}

// NewTracker creates a tracker for one chain.
func NewTracker(chain domain.ChainID, reader ChainReader, txs storage.PendingTxRepository, cfg Config, log *slog.Logger) *Tracker {
	if cfg.Depth == 0 {
		cfg.Depth = DefaultConfig.Depth
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig.PollInterval
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = DefaultConfig.MaxWait
	}
	if log == nil {
		log = slog.Default()
	}
	return &Tracker{chain: chain, reader: reader, txs: txs, cfg: cfg, log: log}
}

// Await polls a transaction until it confirms, fails, or times out as
// stuck. The returned transaction carries the terminal status.
func (t *Tracker) Await(ctx context.Context, txHash string) (*domain.PendingTransaction, error) {
	ticker := time.NewTicker(t.cfg.PollInterval)
	defer ticker.Stop()

	for {
		tx, err := t.Check(ctx, txHash)
		if err != nil {
			return nil, err
		}
		switch tx.Status {
		case domain.TxStatusConfirmed, domain.TxStatusFailed, domain.TxStatusStuck:
			return tx, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Check advances a transaction's confirmation state by one observation
// and returns the updated record.
func (t *Tracker) Check(ctx context.Context, txHash string) (*domain.PendingTransaction, error) {
	tx, err := t.txs.Get(ctx, txHash)
	if err != nil {
		return nil, fmt.Errorf("load pending tx %s: %w", txHash, err)
	}
	switch tx.Status {
	case domain.TxStatusConfirmed, domain.TxStatusFailed, domain.TxStatusStuck:
		return tx, nil
	}

	receipt, err := t.reader.TransactionReceipt(ctx, txHash)
	if err != nil {
		return nil, fmt.Errorf("receipt %s: %w", txHash, err)
	}

	if receipt == nil {
		// Still unmined. A transaction that was previously observed in a
		// block and now has no receipt was reorged out; keep waiting for
		// it to be re-mined rather than timing it out on the original
		// submission clock alone.
		if tx.BlockNumber != 0 {
			t.noteReorg(ctx, tx)
			if err := t.txs.UpdateConfirmation(ctx, txHash, domain.TxStatusConfirming, 0, "", 0); err != nil {
				return nil, fmt.Errorf("reset after reorg %s: %w", txHash, err)
			}
			tx.Status = domain.TxStatusConfirming
			tx.BlockNumber, tx.BlockHash, tx.Confirmations = 0, "", 0
			return tx, nil
		}
		if time.Since(tx.SubmittedAt) > t.cfg.MaxWait {
			metrics.StuckTransactions.WithLabelValues(string(t.chain)).Inc()
			t.log.Warn("transaction stuck", "tx", txHash,
				"submitted_at", tx.SubmittedAt, "max_wait", t.cfg.MaxWait)
			if err := t.txs.UpdateStatus(ctx, txHash, domain.TxStatusStuck); err != nil {
				return nil, fmt.Errorf("mark stuck %s: %w", txHash, err)
			}
			tx.Status = domain.TxStatusStuck
		}
		return tx, nil
	}

	if !receipt.Success {
		// Mined but reverted: the nonce is consumed, the transfer is not.
		if err := t.txs.UpdateConfirmation(ctx, txHash, domain.TxStatusFailed,
			receipt.BlockNumber, receipt.BlockHash, 0); err != nil {
			return nil, fmt.Errorf("mark failed %s: %w", txHash, err)
		}
		tx.Status = domain.TxStatusFailed
		tx.BlockNumber, tx.BlockHash = receipt.BlockNumber, receipt.BlockHash
		return tx, nil
	}

	// Verify the inclusion block is still canonical before counting depth.
	canonical, err := t.reader.BlockByNumber(ctx, receipt.BlockNumber)
	if err != nil {
		return nil, fmt.Errorf("canonical block %d: %w", receipt.BlockNumber, err)
	}
	if canonical == nil || canonical.Hash != receipt.BlockHash {
		t.noteReorg(ctx, tx)
		if err := t.txs.UpdateConfirmation(ctx, txHash, domain.TxStatusConfirming, 0, "", 0); err != nil {
			return nil, fmt.Errorf("reset after reorg %s: %w", txHash, err)
		}
		tx.Status = domain.TxStatusConfirming
		tx.BlockNumber, tx.BlockHash, tx.Confirmations = 0, "", 0
		return tx, nil
	}

	head, err := t.reader.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("head: %w", err)
	}
	var confirmations uint64
	if head >= receipt.BlockNumber {
		confirmations = head - receipt.BlockNumber + 1
	}

	status := domain.TxStatusConfirming
	if confirmations >= t.cfg.Depth {
		status = domain.TxStatusConfirmed
	}
	if err := t.txs.UpdateConfirmation(ctx, txHash, status,
		receipt.BlockNumber, receipt.BlockHash, confirmations); err != nil {
		return nil, fmt.Errorf("update confirmation %s: %w", txHash, err)
	}
	tx.Status = status
	tx.BlockNumber, tx.BlockHash, tx.Confirmations = receipt.BlockNumber, receipt.BlockHash, confirmations
	return tx, nil
}

func (t *Tracker) noteReorg(ctx context.Context, tx *domain.PendingTransaction) {
	metrics.ReorgsDetected.WithLabelValues(string(t.chain)).Inc()
	t.log.Warn("reorg displaced transaction",
		"tx", tx.TxHash, "block", tx.BlockNumber, "block_hash", tx.BlockHash)
}

// SweepPending runs one Check pass over every non-terminal transaction on
// this chain. The control loop calls it periodically so transactions
// survive process restarts without an Await caller.
func (t *Tracker) SweepPending(ctx context.Context) error {
	for _, status := range []domain.TxStatus{domain.TxStatusSubmitted, domain.TxStatusConfirming} {
		txs, err := t.txs.ListByStatus(ctx, t.chain, status)
		if err != nil {
			return fmt.Errorf("list %s transactions: %w", status, err)
		}
		for _, tx := range txs {
			if _, err := t.Check(ctx, tx.TxHash); err != nil {
				t.log.Error("confirmation check failed", "tx", tx.TxHash, "error", err)
			}
		}
	}
	return nil
}
