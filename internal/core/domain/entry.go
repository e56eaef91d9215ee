package domain

import (
	"math/big"
	"time"
)

// EntryType classifies a ledger entry as a credit or a debit.
type EntryType string

const (
	EntryCredit EntryType = "credit"
	EntryDebit  EntryType = "debit"
)

// LedgerEntry is a single immutable ledger record. Once persisted it is
// never updated or deleted. EntryHash covers the entry's own fields plus
// PrevHash (the previous entry's hash for the same account), forming a
// per-account hash chain rooted at a fixed genesis seed.
type LedgerEntry struct {
	EntryID        string
	AccountID      string
	Seq            uint64
	Amount         *big.Int
	Type           EntryType
	Reference      string
	RunningBalance *big.Int
	PrevHash       string
	EntryHash      string
	IdempotencyKey string
	Metadata       map[string]string
	CreatedAt      time.Time
}

// SignedAmount returns the amount with a sign matching the entry type.
func (e *LedgerEntry) SignedAmount() *big.Int {
	if e.Type == EntryDebit {
		return new(big.Int).Neg(e.Amount)
	}
	return new(big.Int).Set(e.Amount)
}
