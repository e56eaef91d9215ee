package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/lib/pq"

	"github.com/stablr/paycore/internal/core/domain"
)

// LedgerRepo implements storage.LedgerRepository using PostgreSQL.
// Entries are insert-only; the schema has no update path.
type LedgerRepo struct {
	db *DB
}

// NewLedgerRepo creates a new PostgreSQL ledger repository.
func NewLedgerRepo(db *DB) *LedgerRepo {
	return &LedgerRepo{db: db}
}

type ledgerRow struct {
	EntryID        string    `db:"entry_id"`
	AccountID      string    `db:"account_id"`
	Seq            int64     `db:"seq"`
	Amount         string    `db:"amount"`
	EntryType      string    `db:"entry_type"`
	Reference      string    `db:"reference"`
	RunningBalance string    `db:"running_balance"`
	PrevHash       string    `db:"prev_hash"`
	EntryHash      string    `db:"entry_hash"`
	IdempotencyKey string    `db:"idempotency_key"`
	Metadata       []byte    `db:"metadata"`
	CreatedAt      time.Time `db:"created_at"`
}

func (r ledgerRow) toDomain() (*domain.LedgerEntry, error) {
	amount, ok := new(big.Int).SetString(r.Amount, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q for entry %s", r.Amount, r.EntryID)
	}
	balance, ok := new(big.Int).SetString(r.RunningBalance, 10)
	if !ok {
		return nil, fmt.Errorf("invalid balance %q for entry %s", r.RunningBalance, r.EntryID)
	}
	var metadata map[string]string
	if len(r.Metadata) > 0 {
		if err := json.Unmarshal(r.Metadata, &metadata); err != nil {
			return nil, fmt.Errorf("invalid metadata for entry %s: %w", r.EntryID, err)
		}
	}
	return &domain.LedgerEntry{
		EntryID:        r.EntryID,
		AccountID:      r.AccountID,
		Seq:            uint64(r.Seq),
		Amount:         amount,
		Type:           domain.EntryType(r.EntryType),
		Reference:      r.Reference,
		RunningBalance: balance,
		PrevHash:       r.PrevHash,
		EntryHash:      r.EntryHash,
		IdempotencyKey: r.IdempotencyKey,
		Metadata:       metadata,
		CreatedAt:      r.CreatedAt,
	}, nil
}

const ledgerInsert = `
	INSERT INTO ledger_entries
		(entry_id, account_id, seq, amount, entry_type, reference,
		 running_balance, prev_hash, entry_hash, idempotency_key, metadata, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
`

// Append persists a single entry.
func (r *LedgerRepo) Append(ctx context.Context, entry *domain.LedgerEntry) error {
	metadata, err := json.Marshal(entry.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	_, err = r.db.ExecContext(ctx, ledgerInsert,
		entry.EntryID,
		entry.AccountID,
		int64(entry.Seq),
		entry.Amount.String(),
		string(entry.Type),
		entry.Reference,
		entry.RunningBalance.String(),
		entry.PrevHash,
		entry.EntryHash,
		entry.IdempotencyKey,
		metadata,
		entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append entry: %w", mapError(err))
	}
	return nil
}

// AppendBatch persists all entries atomically using a single multi-row
// insert inside one transaction.
func (r *LedgerRepo) AppendBatch(ctx context.Context, entries []*domain.LedgerEntry) error {
	if len(entries) == 0 {
		return nil
	}

	uow, err := r.db.NewUnitOfWork(ctx)
	if err != nil {
		return err
	}
	defer uow.Rollback()

	if err := uow.AppendEntries(ctx, entries); err != nil {
		return err
	}
	return uow.Commit()
}

// GetByIdempotencyKey returns the entry for a key, or nil.
func (r *LedgerRepo) GetByIdempotencyKey(ctx context.Context, key string) (*domain.LedgerEntry, error) {
	var row ledgerRow
	err := r.db.GetContext(ctx, &row,
		`SELECT * FROM ledger_entries WHERE idempotency_key = $1`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get entry by idempotency key: %w", err)
	}
	return row.toDomain()
}

// Last returns the most recent entry for an account, or nil.
func (r *LedgerRepo) Last(ctx context.Context, accountID string) (*domain.LedgerEntry, error) {
	var row ledgerRow
	err := r.db.GetContext(ctx, &row,
		`SELECT * FROM ledger_entries WHERE account_id = $1 ORDER BY seq DESC LIMIT 1`,
		accountID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get last entry: %w", err)
	}
	return row.toDomain()
}

// List returns an account's entries ordered by seq.
func (r *LedgerRepo) List(ctx context.Context, accountID string, fromSeq uint64, limit int) ([]*domain.LedgerEntry, error) {
	query := `SELECT * FROM ledger_entries WHERE account_id = $1 AND seq >= $2 ORDER BY seq ASC`
	args := []any{accountID, int64(fromSeq)}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}

	var rows []ledgerRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list entries: %w", err)
	}
	return toDomainEntries(rows)
}

// ListByReference returns entries whose reference matches.
func (r *LedgerRepo) ListByReference(ctx context.Context, reference string) ([]*domain.LedgerEntry, error) {
	var rows []ledgerRow
	err := r.db.SelectContext(ctx, &rows,
		`SELECT * FROM ledger_entries WHERE reference = $1 ORDER BY created_at ASC`, reference)
	if err != nil {
		return nil, fmt.Errorf("failed to list entries by reference: %w", err)
	}
	return toDomainEntries(rows)
}

func toDomainEntries(rows []ledgerRow) ([]*domain.LedgerEntry, error) {
	out := make([]*domain.LedgerEntry, 0, len(rows))
	for _, row := range rows {
		entry, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, nil
}

// appendEntriesTx performs the multi-row insert used by the unit of work.
func appendEntriesTx(ctx context.Context, tx *sql.Tx, entries []*domain.LedgerEntry) error {
	entryIDs := make([]string, len(entries))
	accountIDs := make([]string, len(entries))
	seqs := make([]int64, len(entries))
	amounts := make([]string, len(entries))
	entryTypes := make([]string, len(entries))
	references := make([]string, len(entries))
	balances := make([]string, len(entries))
	prevHashes := make([]string, len(entries))
	entryHashes := make([]string, len(entries))
	idemKeys := make([]string, len(entries))
	metadatas := make([]string, len(entries))
	createdAts := make([]time.Time, len(entries))

	for i, e := range entries {
		metadata, err := json.Marshal(e.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
		entryIDs[i] = e.EntryID
		accountIDs[i] = e.AccountID
		seqs[i] = int64(e.Seq)
		amounts[i] = e.Amount.String()
		entryTypes[i] = string(e.Type)
		references[i] = e.Reference
		balances[i] = e.RunningBalance.String()
		prevHashes[i] = e.PrevHash
		entryHashes[i] = e.EntryHash
		idemKeys[i] = e.IdempotencyKey
		metadatas[i] = string(metadata)
		createdAts[i] = e.CreatedAt
	}

	query := `
		INSERT INTO ledger_entries
			(entry_id, account_id, seq, amount, entry_type, reference,
			 running_balance, prev_hash, entry_hash, idempotency_key, metadata, created_at)
		SELECT * FROM unnest(
			$1::text[], $2::text[], $3::bigint[], $4::numeric[], $5::text[], $6::text[],
			$7::numeric[], $8::text[], $9::text[], $10::text[], $11::jsonb[], $12::timestamptz[])
	`
	_, err := tx.ExecContext(ctx, query,
		pq.Array(entryIDs),
		pq.Array(accountIDs),
		pq.Array(seqs),
		pq.Array(amounts),
		pq.Array(entryTypes),
		pq.Array(references),
		pq.Array(balances),
		pq.Array(prevHashes),
		pq.Array(entryHashes),
		pq.Array(idemKeys),
		pq.Array(metadatas),
		pq.Array(createdAts),
	)
	if err != nil {
		return fmt.Errorf("failed to append batch: %w", mapError(err))
	}
	return nil
}
