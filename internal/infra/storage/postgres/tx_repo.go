package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/stablr/paycore/internal/core/domain"
	"github.com/stablr/paycore/internal/infra/storage"
)

// PendingTxRepo implements storage.PendingTxRepository using PostgreSQL.
type PendingTxRepo struct {
	db *DB
}

// NewPendingTxRepo creates a new PostgreSQL pending transaction repository.
func NewPendingTxRepo(db *DB) *PendingTxRepo {
	return &PendingTxRepo{db: db}
}

type pendingTxRow struct {
	TxHash         string    `db:"tx_hash"`
	Chain          string    `db:"chain"`
	Address        string    `db:"address"`
	Nonce          int64     `db:"nonce"`
	Status         string    `db:"status"`
	IdempotencyKey string    `db:"idempotency_key"`
	BlockNumber    int64     `db:"block_number"`
	BlockHash      string    `db:"block_hash"`
	Confirmations  int64     `db:"confirmations"`
	SubmittedAt    time.Time `db:"submitted_at"`
}

func (r pendingTxRow) toDomain() *domain.PendingTransaction {
	return &domain.PendingTransaction{
		TxHash:         r.TxHash,
		Chain:          domain.ChainID(r.Chain),
		Address:        r.Address,
		Nonce:          uint64(r.Nonce),
		Status:         domain.TxStatus(r.Status),
		IdempotencyKey: r.IdempotencyKey,
		BlockNumber:    uint64(r.BlockNumber),
		BlockHash:      r.BlockHash,
		Confirmations:  uint64(r.Confirmations),
		SubmittedAt:    r.SubmittedAt,
	}
}

// Save upserts a pending transaction.
func (r *PendingTxRepo) Save(ctx context.Context, tx *domain.PendingTransaction) error {
	query := `
		INSERT INTO pending_transactions
			(tx_hash, chain, address, nonce, status, idempotency_key, block_number, block_hash, confirmations, submitted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (tx_hash) DO UPDATE SET
			status = EXCLUDED.status,
			idempotency_key = EXCLUDED.idempotency_key,
			block_number = EXCLUDED.block_number,
			block_hash = EXCLUDED.block_hash,
			confirmations = EXCLUDED.confirmations
	`
	_, err := r.db.ExecContext(ctx, query,
		tx.TxHash,
		string(tx.Chain),
		tx.Address,
		int64(tx.Nonce),
		string(tx.Status),
		tx.IdempotencyKey,
		int64(tx.BlockNumber),
		tx.BlockHash,
		int64(tx.Confirmations),
		tx.SubmittedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save pending tx: %w", mapError(err))
	}
	return nil
}

// Get retrieves a transaction by hash.
func (r *PendingTxRepo) Get(ctx context.Context, txHash string) (*domain.PendingTransaction, error) {
	var row pendingTxRow
	err := r.db.GetContext(ctx, &row,
		`SELECT * FROM pending_transactions WHERE tx_hash = $1`, txHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pending tx: %w", err)
	}
	return row.toDomain(), nil
}

// UpdateStatus updates the lifecycle status.
func (r *PendingTxRepo) UpdateStatus(ctx context.Context, txHash string, status domain.TxStatus) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE pending_transactions SET status = $2 WHERE tx_hash = $1`,
		txHash, string(status))
	if err != nil {
		return fmt.Errorf("failed to update tx status: %w", err)
	}
	return nil
}

// UpdateConfirmation records observed block and confirmation depth.
func (r *PendingTxRepo) UpdateConfirmation(ctx context.Context, txHash string, status domain.TxStatus, blockNumber uint64, blockHash string, confirmations uint64) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE pending_transactions
		SET status = $2, block_number = $3, block_hash = $4, confirmations = $5
		WHERE tx_hash = $1`,
		txHash, string(status), int64(blockNumber), blockHash, int64(confirmations))
	if err != nil {
		return fmt.Errorf("failed to update tx confirmation: %w", err)
	}
	return nil
}

// GetByNonce retrieves the transaction submitted at a nonce.
func (r *PendingTxRepo) GetByNonce(ctx context.Context, chain domain.ChainID, address string, nonce uint64) (*domain.PendingTransaction, error) {
	var row pendingTxRow
	err := r.db.GetContext(ctx, &row,
		`SELECT * FROM pending_transactions WHERE chain = $1 AND address = $2 AND nonce = $3`,
		string(chain), address, int64(nonce))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get tx by nonce: %w", err)
	}
	return row.toDomain(), nil
}

// ListByStatus returns a chain's transactions in a given status.
func (r *PendingTxRepo) ListByStatus(ctx context.Context, chain domain.ChainID, status domain.TxStatus) ([]*domain.PendingTransaction, error) {
	var rows []pendingTxRow
	err := r.db.SelectContext(ctx, &rows,
		`SELECT * FROM pending_transactions WHERE chain = $1 AND status = $2 ORDER BY submitted_at ASC`,
		string(chain), string(status))
	if err != nil {
		return nil, fmt.Errorf("failed to list txs by status: %w", err)
	}
	out := make([]*domain.PendingTransaction, len(rows))
	for i, row := range rows {
		out[i] = row.toDomain()
	}
	return out, nil
}

// ListByBlockWindow returns confirmed transactions mined in the range.
func (r *PendingTxRepo) ListByBlockWindow(ctx context.Context, chain domain.ChainID, fromBlock, toBlock uint64) ([]*domain.PendingTransaction, error) {
	var rows []pendingTxRow
	err := r.db.SelectContext(ctx, &rows, `
		SELECT * FROM pending_transactions
		WHERE chain = $1 AND status = $2 AND block_number BETWEEN $3 AND $4
		ORDER BY block_number ASC`,
		string(chain), string(domain.TxStatusConfirmed), int64(fromBlock), int64(toBlock))
	if err != nil {
		return nil, fmt.Errorf("failed to list txs by block window: %w", err)
	}
	out := make([]*domain.PendingTransaction, len(rows))
	for i, row := range rows {
		out[i] = row.toDomain()
	}
	return out, nil
}
