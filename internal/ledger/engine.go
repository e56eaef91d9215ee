// Package ledger implements the append-only, hash-chained ledger with
// per-account serialization and idempotent writes.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stablr/paycore/internal/core/domain"
	"github.com/stablr/paycore/internal/infra/storage"
	"github.com/stablr/paycore/internal/metrics"
)

// AppendRequest describes one ledger mutation.
type AppendRequest struct {
	AccountID      string
	Amount         *big.Int
	Type           domain.EntryType
	Reference      string
	IdempotencyKey string
	Metadata       map[string]string
}

// Engine serializes all mutations per account and maintains the hash
// chain. Balances are derived from the last entry, never stored
// separately.
type Engine struct {
	entries  storage.LedgerRepository
	accounts storage.AccountRepository
	log      *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewEngine creates a ledger engine over the given repositories.
func NewEngine(entries storage.LedgerRepository, accounts storage.AccountRepository, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		entries:  entries,
		accounts: accounts,
		log:      log,
		locks:    make(map[string]*sync.Mutex),
	}
}

// accountLock returns the exclusive lock for an account, creating it on
// first use. Accounts are never deleted, so locks live for the process.
func (e *Engine) accountLock(accountID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[accountID]
	if !ok {
		l = &sync.Mutex{}
		e.locks[accountID] = l
	}
	return l
}

// Append writes one entry. Calling Append twice with the same idempotency
// key returns the first call's entry unchanged.
func (e *Engine) Append(ctx context.Context, req AppendRequest) (*domain.LedgerEntry, error) {
	if err := validateRequest(&req); err != nil {
		return nil, err
	}

	lock := e.accountLock(req.AccountID)
	lock.Lock()
	defer lock.Unlock()

	return e.appendLocked(ctx, req)
}

// appendLocked performs the append while the account lock is held.
func (e *Engine) appendLocked(ctx context.Context, req AppendRequest) (*domain.LedgerEntry, error) {
	if existing, err := e.entries.GetByIdempotencyKey(ctx, req.IdempotencyKey); err != nil {
		return nil, fmt.Errorf("idempotency lookup: %w", err)
	} else if existing != nil {
		return existing, nil
	}

	account, err := e.accounts.Get(ctx, req.AccountID)
	if err != nil {
		return nil, fmt.Errorf("load account %s: %w", req.AccountID, err)
	}
	if account.Halted {
		return nil, fmt.Errorf("account %s: %w", req.AccountID, domain.ErrAccountHalted)
	}
	if account.Deactivated {
		return nil, fmt.Errorf("account %s: %w", req.AccountID, domain.ErrAccountDeactivated)
	}

	entry, err := e.buildEntry(ctx, account, req)
	if err != nil {
		return nil, err
	}

	if err := e.entries.Append(ctx, entry); err != nil {
		if errors.Is(err, storage.ErrDuplicateKey) {
			// Lost a race on the idempotency key outside our account
			// lock (e.g. another process); return the winner's entry.
			if existing, gerr := e.entries.GetByIdempotencyKey(ctx, req.IdempotencyKey); gerr == nil && existing != nil {
				return existing, nil
			}
		}
		return nil, fmt.Errorf("append entry: %w", err)
	}

	metrics.LedgerAppends.WithLabelValues(string(entry.Type)).Inc()
	e.log.Debug("ledger entry appended",
		"account", entry.AccountID, "entry", entry.EntryID,
		"type", entry.Type, "seq", entry.Seq)
	return entry, nil
}

// buildEntry computes seq, running balance, and the chained hash for a new
// entry. Caller holds the account lock.
func (e *Engine) buildEntry(ctx context.Context, account *domain.Account, req AppendRequest) (*domain.LedgerEntry, error) {
	last, err := e.entries.Last(ctx, account.ID)
	if err != nil {
		return nil, fmt.Errorf("load last entry: %w", err)
	}

	seq := uint64(1)
	prevHash := GenesisSeed
	balance := new(big.Int)
	if last != nil {
		seq = last.Seq + 1
		prevHash = last.EntryHash
		balance.Set(last.RunningBalance)
	}

	if req.Type == domain.EntryDebit {
		balance.Sub(balance, req.Amount)
		if balance.Sign() < 0 && !account.AllowOverdraft {
			return nil, fmt.Errorf("account %s debit %s: %w",
				account.ID, req.Amount, domain.ErrInsufficientBalance)
		}
	} else {
		balance.Add(balance, req.Amount)
	}

	entry := &domain.LedgerEntry{
		EntryID:        uuid.NewString(),
		AccountID:      account.ID,
		Seq:            seq,
		Amount:         new(big.Int).Set(req.Amount),
		Type:           req.Type,
		Reference:      req.Reference,
		RunningBalance: balance,
		PrevHash:       prevHash,
		IdempotencyKey: req.IdempotencyKey,
		Metadata:       req.Metadata,
		CreatedAt:      time.Now().UTC(),
	}
	entry.EntryHash = entryHash(entry)
	return entry, nil
}

// AppendBatch writes all requests atomically: every entry commits or none
// does. Account locks are taken in sorted order so concurrent batches
// cannot deadlock.
func (e *Engine) AppendBatch(ctx context.Context, reqs []AppendRequest) ([]*domain.LedgerEntry, error) {
	if len(reqs) == 0 {
		return nil, nil
	}
	for i := range reqs {
		if err := validateRequest(&reqs[i]); err != nil {
			return nil, err
		}
	}

	// Deterministic lock order over the distinct accounts involved.
	accountIDs := make([]string, 0, len(reqs))
	seen := make(map[string]struct{}, len(reqs))
	for _, req := range reqs {
		if _, ok := seen[req.AccountID]; !ok {
			seen[req.AccountID] = struct{}{}
			accountIDs = append(accountIDs, req.AccountID)
		}
	}
	sort.Strings(accountIDs)
	for _, id := range accountIDs {
		lock := e.accountLock(id)
		lock.Lock()
		defer lock.Unlock()
	}

	// Idempotency: if any request's key already exists, the whole batch
	// is treated as previously committed and replayed from storage.
	existing := make([]*domain.LedgerEntry, 0, len(reqs))
	for _, req := range reqs {
		entry, err := e.entries.GetByIdempotencyKey(ctx, req.IdempotencyKey)
		if err != nil {
			return nil, fmt.Errorf("idempotency lookup: %w", err)
		}
		if entry != nil {
			existing = append(existing, entry)
		}
	}
	if len(existing) == len(reqs) {
		return existing, nil
	}
	if len(existing) > 0 {
		return nil, fmt.Errorf("batch partially committed: %d of %d keys exist: %w",
			len(existing), len(reqs), storage.ErrDuplicateKey)
	}

	// Build entries per account, tracking balances within the batch.
	type chainState struct {
		account *domain.Account
		seq     uint64
		prev    string
		balance *big.Int
	}
	states := make(map[string]*chainState, len(accountIDs))
	for _, id := range accountIDs {
		account, err := e.accounts.Get(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("load account %s: %w", id, err)
		}
		if account.Halted {
			return nil, fmt.Errorf("account %s: %w", id, domain.ErrAccountHalted)
		}
		if account.Deactivated {
			return nil, fmt.Errorf("account %s: %w", id, domain.ErrAccountDeactivated)
		}
		last, err := e.entries.Last(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("load last entry: %w", err)
		}
		st := &chainState{account: account, seq: 0, prev: GenesisSeed, balance: new(big.Int)}
		if last != nil {
			st.seq = last.Seq
			st.prev = last.EntryHash
			st.balance.Set(last.RunningBalance)
		}
		states[id] = st
	}

	entries := make([]*domain.LedgerEntry, 0, len(reqs))
	now := time.Now().UTC()
	for _, req := range reqs {
		st := states[req.AccountID]
		if req.Type == domain.EntryDebit {
			st.balance.Sub(st.balance, req.Amount)
			if st.balance.Sign() < 0 && !st.account.AllowOverdraft {
				return nil, fmt.Errorf("account %s debit %s: %w",
					req.AccountID, req.Amount, domain.ErrInsufficientBalance)
			}
		} else {
			st.balance.Add(st.balance, req.Amount)
		}
		st.seq++
		entry := &domain.LedgerEntry{
			EntryID:        uuid.NewString(),
			AccountID:      req.AccountID,
			Seq:            st.seq,
			Amount:         new(big.Int).Set(req.Amount),
			Type:           req.Type,
			Reference:      req.Reference,
			RunningBalance: new(big.Int).Set(st.balance),
			PrevHash:       st.prev,
			IdempotencyKey: req.IdempotencyKey,
			Metadata:       req.Metadata,
			CreatedAt:      now,
		}
		entry.EntryHash = entryHash(entry)
		st.prev = entry.EntryHash
		entries = append(entries, entry)
	}

	if err := e.entries.AppendBatch(ctx, entries); err != nil {
		return nil, fmt.Errorf("append batch: %w", err)
	}
	for _, entry := range entries {
		metrics.LedgerAppends.WithLabelValues(string(entry.Type)).Inc()
	}
	return entries, nil
}

// Balance returns the account's current balance.
func (e *Engine) Balance(ctx context.Context, accountID string) (*big.Int, error) {
	last, err := e.entries.Last(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("load last entry: %w", err)
	}
	if last == nil {
		return new(big.Int), nil
	}
	return new(big.Int).Set(last.RunningBalance), nil
}

// EntryByIdempotencyKey returns the entry committed under a key, or nil.
func (e *Engine) EntryByIdempotencyKey(ctx context.Context, key string) (*domain.LedgerEntry, error) {
	return e.entries.GetByIdempotencyKey(ctx, key)
}

// Entries returns an account's entries ordered by sequence.
func (e *Engine) Entries(ctx context.Context, accountID string, fromSeq uint64, limit int) ([]*domain.LedgerEntry, error) {
	return e.entries.List(ctx, accountID, fromSeq, limit)
}

// VerifyChain recomputes the hash chain for an account from the genesis
// seed. On a mismatch the account is halted for writes and
// domain.ErrLedgerIntegrity is returned.
func (e *Engine) VerifyChain(ctx context.Context, accountID string) error {
	lock := e.accountLock(accountID)
	lock.Lock()
	defer lock.Unlock()

	entries, err := e.entries.List(ctx, accountID, 0, 0)
	if err != nil {
		return fmt.Errorf("list entries: %w", err)
	}

	prevHash := GenesisSeed
	balance := new(big.Int)
	expectSeq := uint64(1)
	for _, entry := range entries {
		if entry.Seq != expectSeq {
			return e.integrityViolation(ctx, accountID, entry.EntryID,
				fmt.Sprintf("sequence gap: expected %d, got %d", expectSeq, entry.Seq))
		}
		if entry.PrevHash != prevHash {
			return e.integrityViolation(ctx, accountID, entry.EntryID, "prev hash mismatch")
		}
		if entryHash(entry) != entry.EntryHash {
			return e.integrityViolation(ctx, accountID, entry.EntryID, "entry hash mismatch")
		}
		if entry.Type == domain.EntryDebit {
			balance.Sub(balance, entry.Amount)
		} else {
			balance.Add(balance, entry.Amount)
		}
		if balance.Cmp(entry.RunningBalance) != 0 {
			return e.integrityViolation(ctx, accountID, entry.EntryID, "running balance mismatch")
		}
		prevHash = entry.EntryHash
		expectSeq++
	}
	return nil
}

func (e *Engine) integrityViolation(ctx context.Context, accountID, entryID, detail string) error {
	metrics.LedgerVerifyFailures.Inc()
	e.log.Error("ledger integrity violation, halting account",
		"account", accountID, "entry", entryID, "detail", detail)
	if err := e.accounts.SetHalted(ctx, accountID, true); err != nil {
		e.log.Error("failed to halt account", "account", accountID, "error", err)
	}
	return fmt.Errorf("account %s entry %s: %s: %w",
		accountID, entryID, detail, domain.ErrLedgerIntegrity)
}

func validateRequest(req *AppendRequest) error {
	if req.AccountID == "" {
		return fmt.Errorf("append request missing account id")
	}
	if req.Amount == nil || req.Amount.Sign() <= 0 {
		return fmt.Errorf("append request amount must be positive")
	}
	if req.Type != domain.EntryCredit && req.Type != domain.EntryDebit {
		return fmt.Errorf("append request invalid entry type %q", req.Type)
	}
	if req.IdempotencyKey == "" {
		return fmt.Errorf("append request missing idempotency key")
	}
	return nil
}
