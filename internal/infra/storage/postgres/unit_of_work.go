package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/stablr/paycore/internal/core/domain"
)

// UnitOfWork bundles ledger writes into a single database transaction so a
// batch commits fully or not at all; partial states are never visible.
type UnitOfWork struct {
	tx *sql.Tx
}

// NewUnitOfWork starts a transaction.
func (db *DB) NewUnitOfWork(ctx context.Context) (*UnitOfWork, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &UnitOfWork{tx: tx}, nil
}

// Commit commits the transaction.
func (u *UnitOfWork) Commit() error {
	if u.tx == nil {
		return fmt.Errorf("transaction already completed")
	}
	err := u.tx.Commit()
	u.tx = nil
	return err
}

// Rollback rolls back the transaction. Safe to call after Commit.
func (u *UnitOfWork) Rollback() error {
	if u.tx == nil {
		return nil
	}
	err := u.tx.Rollback()
	u.tx = nil
	return err
}

// AppendEntries writes all entries within the transaction.
func (u *UnitOfWork) AppendEntries(ctx context.Context, entries []*domain.LedgerEntry) error {
	if len(entries) == 0 {
		return nil
	}
	return appendEntriesTx(ctx, u.tx, entries)
}
