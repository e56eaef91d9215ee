package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"

	"github.com/stablr/paycore/internal/core/domain"
	"github.com/stablr/paycore/internal/infra/storage"
)

// DepositRepo implements storage.DepositRepository using PostgreSQL.
type DepositRepo struct {
	db *DB
}

// NewDepositRepo creates a new PostgreSQL deposit repository.
func NewDepositRepo(db *DB) *DepositRepo {
	return &DepositRepo{db: db}
}

type depositRow struct {
	TxHash      string `db:"tx_hash"`
	LogIndex    int32  `db:"log_index"`
	Chain       string `db:"chain"`
	Token       string `db:"token"`
	FromAddress string `db:"from_address"`
	ToAddress   string `db:"to_address"`
	Amount      string `db:"amount"`
	BlockNumber int64  `db:"block_number"`
}

func (r depositRow) toDomain() (*domain.DepositRecord, error) {
	amount, ok := new(big.Int).SetString(r.Amount, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q for deposit %s", r.Amount, r.TxHash)
	}
	return &domain.DepositRecord{
		Chain:       domain.ChainID(r.Chain),
		Token:       r.Token,
		FromAddress: r.FromAddress,
		ToAddress:   r.ToAddress,
		Amount:      amount,
		TxHash:      r.TxHash,
		LogIndex:    uint32(r.LogIndex),
		BlockNumber: uint64(r.BlockNumber),
	}, nil
}

// SaveRecord upserts a deposit record.
func (r *DepositRepo) SaveRecord(ctx context.Context, record *domain.DepositRecord) error {
	query := `
		INSERT INTO deposit_records
			(tx_hash, log_index, chain, token, from_address, to_address, amount, block_number)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (tx_hash, log_index) DO NOTHING
	`
	_, err := r.db.ExecContext(ctx, query,
		record.TxHash,
		int32(record.LogIndex),
		string(record.Chain),
		record.Token,
		record.FromAddress,
		record.ToAddress,
		record.Amount.String(),
		int64(record.BlockNumber),
	)
	if err != nil {
		return fmt.Errorf("failed to save deposit record: %w", err)
	}
	return nil
}

// ListRecords returns a chain's deposits in a block range.
func (r *DepositRepo) ListRecords(ctx context.Context, chain domain.ChainID, fromBlock, toBlock uint64) ([]*domain.DepositRecord, error) {
	var rows []depositRow
	err := r.db.SelectContext(ctx, &rows, `
		SELECT tx_hash, log_index, chain, token, from_address, to_address, amount, block_number
		FROM deposit_records
		WHERE chain = $1 AND block_number BETWEEN $2 AND $3
		ORDER BY block_number ASC, log_index ASC`,
		string(chain), int64(fromBlock), int64(toBlock))
	if err != nil {
		return nil, fmt.Errorf("failed to list deposit records: %w", err)
	}
	out := make([]*domain.DepositRecord, 0, len(rows))
	for _, row := range rows {
		rec, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// MarkCredited flags a deposit whose ledger credit landed.
func (r *DepositRepo) MarkCredited(ctx context.Context, txHash string, logIndex uint32) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE deposit_records SET credited = TRUE WHERE tx_hash = $1 AND log_index = $2`,
		txHash, int32(logIndex))
	if err != nil {
		return fmt.Errorf("failed to mark deposit credited: %w", err)
	}
	return nil
}

// ListUncredited returns a chain's persisted deposits that were never
// credited.
func (r *DepositRepo) ListUncredited(ctx context.Context, chain domain.ChainID) ([]*domain.DepositRecord, error) {
	var rows []depositRow
	err := r.db.SelectContext(ctx, &rows, `
		SELECT tx_hash, log_index, chain, token, from_address, to_address, amount, block_number
		FROM deposit_records
		WHERE chain = $1 AND NOT credited
		ORDER BY block_number ASC, log_index ASC`,
		string(chain))
	if err != nil {
		return nil, fmt.Errorf("failed to list uncredited deposits: %w", err)
	}
	out := make([]*domain.DepositRecord, 0, len(rows))
	for _, row := range rows {
		rec, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// GetCursor returns the last fully processed block.
func (r *DepositRepo) GetCursor(ctx context.Context, chain domain.ChainID) (uint64, error) {
	var lastBlock int64
	err := r.db.GetContext(ctx, &lastBlock,
		`SELECT last_block FROM deposit_cursors WHERE chain = $1`, string(chain))
	if errors.Is(err, sql.ErrNoRows) {
		return 0, storage.ErrCursorNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get deposit cursor: %w", err)
	}
	return uint64(lastBlock), nil
}

// SaveCursor advances the cursor.
func (r *DepositRepo) SaveCursor(ctx context.Context, chain domain.ChainID, block uint64) error {
	query := `
		INSERT INTO deposit_cursors (chain, last_block, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (chain) DO UPDATE SET
			last_block = EXCLUDED.last_block,
			updated_at = now()
	`
	_, err := r.db.ExecContext(ctx, query, string(chain), int64(block))
	if err != nil {
		return fmt.Errorf("failed to save deposit cursor: %w", err)
	}
	return nil
}
