// Package storage defines the persistence interfaces for the payment core.
package storage

import (
	"context"
	"errors"

	"github.com/stablr/paycore/internal/core/domain"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrDuplicateKey is returned when a uniqueness constraint is hit
	// (e.g. idempotency key or entry sequence).
	ErrDuplicateKey = errors.New("duplicate key")

	// ErrCursorNotFound is returned when a deposit cursor doesn't exist.
	ErrCursorNotFound = errors.New("cursor not found")
)

// AccountRepository handles ledger account storage.
type AccountRepository interface {
	// Create persists a new account.
	Create(ctx context.Context, account *domain.Account) error

	// Get retrieves an account by id.
	Get(ctx context.Context, accountID string) (*domain.Account, error)

	// GetByAddress retrieves an account by (chain, address).
	GetByAddress(ctx context.Context, chain domain.ChainID, address string) (*domain.Account, error)

	// SetHalted flips the halted flag (integrity violation lockout).
	SetHalted(ctx context.Context, accountID string, halted bool) error

	// Deactivate marks an account deactivated. Accounts are never deleted.
	Deactivate(ctx context.Context, accountID string) error
}

// LedgerRepository handles append-only ledger entry storage. Entries are
// immutable; no update or delete operation exists.
type LedgerRepository interface {
	// Append persists a single entry. Returns ErrDuplicateKey when the
	// idempotency key or (account, seq) already exists.
	Append(ctx context.Context, entry *domain.LedgerEntry) error

	// AppendBatch persists all entries in one transaction, or none.
	AppendBatch(ctx context.Context, entries []*domain.LedgerEntry) error

	// GetByIdempotencyKey returns the entry for a key, or nil.
	GetByIdempotencyKey(ctx context.Context, key string) (*domain.LedgerEntry, error)

	// Last returns the most recent entry for an account, or nil for a
	// fresh account.
	Last(ctx context.Context, accountID string) (*domain.LedgerEntry, error)

	// List returns an account's entries ordered by seq, starting at
	// fromSeq, up to limit (0 = no limit).
	List(ctx context.Context, accountID string, fromSeq uint64, limit int) ([]*domain.LedgerEntry, error)

	// ListByReference returns entries whose reference matches.
	ListByReference(ctx context.Context, reference string) ([]*domain.LedgerEntry, error)
}

// PendingTxRepository tracks submitted transactions to finality.
type PendingTxRepository interface {
	// Save upserts a pending transaction.
	Save(ctx context.Context, tx *domain.PendingTransaction) error

	// Get retrieves a transaction by hash.
	Get(ctx context.Context, txHash string) (*domain.PendingTransaction, error)

	// UpdateStatus updates the lifecycle status.
	UpdateStatus(ctx context.Context, txHash string, status domain.TxStatus) error

	// UpdateConfirmation records observed block and confirmation depth.
	UpdateConfirmation(ctx context.Context, txHash string, status domain.TxStatus, blockNumber uint64, blockHash string, confirmations uint64) error

	// GetByNonce retrieves the transaction submitted at a nonce.
	GetByNonce(ctx context.Context, chain domain.ChainID, address string, nonce uint64) (*domain.PendingTransaction, error)

	// ListByStatus returns a chain's transactions in a given status.
	ListByStatus(ctx context.Context, chain domain.ChainID, status domain.TxStatus) ([]*domain.PendingTransaction, error)

	// ListByBlockWindow returns confirmed transactions mined in the range.
	ListByBlockWindow(ctx context.Context, chain domain.ChainID, fromBlock, toBlock uint64) ([]*domain.PendingTransaction, error)
}

// NonceRepository persists per-address nonce state.
type NonceRepository interface {
	// Get retrieves nonce state, or nil when the address is new.
	Get(ctx context.Context, chain domain.ChainID, address string) (*domain.NonceState, error)

	// Save upserts nonce state.
	Save(ctx context.Context, state *domain.NonceState) error

	// List returns all persisted nonce states (startup recovery).
	List(ctx context.Context) ([]*domain.NonceState, error)
}

// DepositRepository persists observed deposits and the per-chain resume
// cursor.
type DepositRepository interface {
	// SaveRecord upserts a deposit record (idempotent on tx hash + log
	// index).
	SaveRecord(ctx context.Context, record *domain.DepositRecord) error

	// ListRecords returns a chain's deposits in a block range.
	ListRecords(ctx context.Context, chain domain.ChainID, fromBlock, toBlock uint64) ([]*domain.DepositRecord, error)

	// MarkCredited flags a deposit whose ledger credit landed.
	MarkCredited(ctx context.Context, txHash string, logIndex uint32) error

	// ListUncredited returns a chain's persisted deposits that were never
	// credited, for startup replay.
	ListUncredited(ctx context.Context, chain domain.ChainID) ([]*domain.DepositRecord, error)

	// GetCursor returns the last fully processed block, or
	// ErrCursorNotFound.
	GetCursor(ctx context.Context, chain domain.ChainID) (uint64, error)

	// SaveCursor advances the cursor.
	SaveCursor(ctx context.Context, chain domain.ChainID, block uint64) error
}
