// Package memory provides in-memory repository implementations used by
// tests and local development.
package memory

import (
	"context"
	"sort"
	"strconv"
	"sync"

	"github.com/stablr/paycore/internal/core/domain"
	"github.com/stablr/paycore/internal/infra/storage"
)

func addrKey(chain domain.ChainID, address string) string {
	return string(chain) + "|" + address
}

// AccountRepo implements storage.AccountRepository in memory.
type AccountRepo struct {
	mu     sync.RWMutex
	byID   map[string]*domain.Account
	byAddr map[string]string
}

// NewAccountRepo creates an empty account repository.
func NewAccountRepo() *AccountRepo {
	return &AccountRepo{
		byID:   make(map[string]*domain.Account),
		byAddr: make(map[string]string),
	}
}

func (r *AccountRepo) Create(ctx context.Context, account *domain.Account) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := addrKey(account.Chain, account.Address)
	if _, ok := r.byAddr[key]; ok {
		return storage.ErrDuplicateKey
	}
	cp := *account
	r.byID[account.ID] = &cp
	r.byAddr[key] = account.ID
	return nil
}

func (r *AccountRepo) Get(ctx context.Context, accountID string) (*domain.Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	acct, ok := r.byID[accountID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *acct
	return &cp, nil
}

func (r *AccountRepo) GetByAddress(ctx context.Context, chain domain.ChainID, address string) (*domain.Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byAddr[addrKey(chain, address)]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *r.byID[id]
	return &cp, nil
}

func (r *AccountRepo) SetHalted(ctx context.Context, accountID string, halted bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	acct, ok := r.byID[accountID]
	if !ok {
		return storage.ErrNotFound
	}
	acct.Halted = halted
	return nil
}

func (r *AccountRepo) Deactivate(ctx context.Context, accountID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	acct, ok := r.byID[accountID]
	if !ok {
		return storage.ErrNotFound
	}
	acct.Deactivated = true
	return nil
}

// LedgerRepo implements storage.LedgerRepository in memory.
type LedgerRepo struct {
	mu      sync.RWMutex
	entries []*domain.LedgerEntry
	byID    map[string]*domain.LedgerEntry
	byIK    map[string]*domain.LedgerEntry
	bySeq   map[string]struct{} // accountID|seq
}

// NewLedgerRepo creates an empty ledger repository.
func NewLedgerRepo() *LedgerRepo {
	return &LedgerRepo{
		byID:  make(map[string]*domain.LedgerEntry),
		byIK:  make(map[string]*domain.LedgerEntry),
		bySeq: make(map[string]struct{}),
	}
}

func seqKey(accountID string, seq uint64) string {
	return accountID + "|" + strconv.FormatUint(seq, 10)
}

func (r *LedgerRepo) Append(ctx context.Context, entry *domain.LedgerEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.appendLocked(entry)
}

func (r *LedgerRepo) appendLocked(entry *domain.LedgerEntry) error {
	if _, ok := r.byIK[entry.IdempotencyKey]; ok {
		return storage.ErrDuplicateKey
	}
	if _, ok := r.bySeq[seqKey(entry.AccountID, entry.Seq)]; ok {
		return storage.ErrDuplicateKey
	}
	cp := *entry
	r.entries = append(r.entries, &cp)
	r.byID[entry.EntryID] = &cp
	r.byIK[entry.IdempotencyKey] = &cp
	r.bySeq[seqKey(entry.AccountID, entry.Seq)] = struct{}{}
	return nil
}

func (r *LedgerRepo) AppendBatch(ctx context.Context, entries []*domain.LedgerEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Validate everything before writing anything so a failed batch
	// leaves no partial state.
	seen := make(map[string]struct{}, len(entries))
	for _, entry := range entries {
		if _, ok := r.byIK[entry.IdempotencyKey]; ok {
			return storage.ErrDuplicateKey
		}
		if _, ok := seen[entry.IdempotencyKey]; ok {
			return storage.ErrDuplicateKey
		}
		seen[entry.IdempotencyKey] = struct{}{}
		if _, ok := r.bySeq[seqKey(entry.AccountID, entry.Seq)]; ok {
			return storage.ErrDuplicateKey
		}
	}
	for _, entry := range entries {
		if err := r.appendLocked(entry); err != nil {
			return err
		}
	}
	return nil
}

func (r *LedgerRepo) GetByIdempotencyKey(ctx context.Context, key string) (*domain.LedgerEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.byIK[key]
	if !ok {
		return nil, nil
	}
	cp := *entry
	return &cp, nil
}

func (r *LedgerRepo) Last(ctx context.Context, accountID string) (*domain.LedgerEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var last *domain.LedgerEntry
	for _, e := range r.entries {
		if e.AccountID == accountID && (last == nil || e.Seq > last.Seq) {
			last = e
		}
	}
	if last == nil {
		return nil, nil
	}
	cp := *last
	return &cp, nil
}

func (r *LedgerRepo) List(ctx context.Context, accountID string, fromSeq uint64, limit int) ([]*domain.LedgerEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*domain.LedgerEntry
	for _, e := range r.entries {
		if e.AccountID == accountID && e.Seq >= fromSeq {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *LedgerRepo) ListByReference(ctx context.Context, reference string) ([]*domain.LedgerEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*domain.LedgerEntry
	for _, e := range r.entries {
		if e.Reference == reference {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

// Tamper overwrites a stored entry field in place. Test helper for
// integrity verification; real repositories have no update path.
func (r *LedgerRepo) Tamper(entryID string, mutate func(*domain.LedgerEntry)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.byID[entryID]
	if !ok {
		return false
	}
	mutate(entry)
	return true
}

// PendingTxRepo implements storage.PendingTxRepository in memory.
type PendingTxRepo struct {
	mu  sync.RWMutex
	txs map[string]*domain.PendingTransaction
}

// NewPendingTxRepo creates an empty pending transaction repository.
func NewPendingTxRepo() *PendingTxRepo {
	return &PendingTxRepo{txs: make(map[string]*domain.PendingTransaction)}
}

func (r *PendingTxRepo) Save(ctx context.Context, tx *domain.PendingTransaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *tx
	r.txs[tx.TxHash] = &cp
	return nil
}

func (r *PendingTxRepo) Get(ctx context.Context, txHash string) (*domain.PendingTransaction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tx, ok := r.txs[txHash]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *tx
	return &cp, nil
}

func (r *PendingTxRepo) UpdateStatus(ctx context.Context, txHash string, status domain.TxStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	tx, ok := r.txs[txHash]
	if !ok {
		return storage.ErrNotFound
	}
	tx.Status = status
	return nil
}

func (r *PendingTxRepo) UpdateConfirmation(ctx context.Context, txHash string, status domain.TxStatus, blockNumber uint64, blockHash string, confirmations uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	tx, ok := r.txs[txHash]
	if !ok {
		return storage.ErrNotFound
	}
	tx.Status = status
	tx.BlockNumber = blockNumber
	tx.BlockHash = blockHash
	tx.Confirmations = confirmations
	return nil
}

func (r *PendingTxRepo) GetByNonce(ctx context.Context, chain domain.ChainID, address string, nonce uint64) (*domain.PendingTransaction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, tx := range r.txs {
		if tx.Chain == chain && tx.Address == address && tx.Nonce == nonce {
			cp := *tx
			return &cp, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (r *PendingTxRepo) ListByStatus(ctx context.Context, chain domain.ChainID, status domain.TxStatus) ([]*domain.PendingTransaction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*domain.PendingTransaction
	for _, tx := range r.txs {
		if tx.Chain == chain && tx.Status == status {
			cp := *tx
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *PendingTxRepo) ListByBlockWindow(ctx context.Context, chain domain.ChainID, fromBlock, toBlock uint64) ([]*domain.PendingTransaction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*domain.PendingTransaction
	for _, tx := range r.txs {
		if tx.Chain == chain && tx.Status == domain.TxStatusConfirmed &&
			tx.BlockNumber >= fromBlock && tx.BlockNumber <= toBlock {
			cp := *tx
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BlockNumber < out[j].BlockNumber })
	return out, nil
}

// NonceRepo implements storage.NonceRepository in memory.
type NonceRepo struct {
	mu     sync.RWMutex
	states map[string]*domain.NonceState
}

// NewNonceRepo creates an empty nonce repository.
func NewNonceRepo() *NonceRepo {
	return &NonceRepo{states: make(map[string]*domain.NonceState)}
}

func (r *NonceRepo) Get(ctx context.Context, chain domain.ChainID, address string) (*domain.NonceState, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	state, ok := r.states[addrKey(chain, address)]
	if !ok {
		return nil, nil
	}
	return copyNonceState(state), nil
}

func (r *NonceRepo) Save(ctx context.Context, state *domain.NonceState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states[addrKey(state.Chain, state.Address)] = copyNonceState(state)
	return nil
}

func (r *NonceRepo) List(ctx context.Context) ([]*domain.NonceState, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*domain.NonceState, 0, len(r.states))
	for _, state := range r.states {
		out = append(out, copyNonceState(state))
	}
	return out, nil
}

func copyNonceState(state *domain.NonceState) *domain.NonceState {
	cp := &domain.NonceState{
		Chain:     state.Chain,
		Address:   state.Address,
		NextNonce: state.NextNonce,
		InFlight:  make(map[uint64]struct{}, len(state.InFlight)),
	}
	for n := range state.InFlight {
		cp.InFlight[n] = struct{}{}
	}
	return cp
}

// DepositRepo implements storage.DepositRepository in memory.
type DepositRepo struct {
	mu       sync.RWMutex
	records  map[string]*domain.DepositRecord
	credited map[string]bool
	cursors  map[domain.ChainID]uint64
}

// NewDepositRepo creates an empty deposit repository.
func NewDepositRepo() *DepositRepo {
	return &DepositRepo{
		records:  make(map[string]*domain.DepositRecord),
		credited: make(map[string]bool),
		cursors:  make(map[domain.ChainID]uint64),
	}
}

func recordKey(txHash string, logIndex uint32) string {
	return txHash + "|" + strconv.FormatUint(uint64(logIndex), 10)
}

func (r *DepositRepo) SaveRecord(ctx context.Context, record *domain.DepositRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := recordKey(record.TxHash, record.LogIndex)
	if _, ok := r.records[key]; ok {
		return nil
	}
	cp := *record
	r.records[key] = &cp
	return nil
}

func (r *DepositRepo) MarkCredited(ctx context.Context, txHash string, logIndex uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.credited[recordKey(txHash, logIndex)] = true
	return nil
}

func (r *DepositRepo) ListUncredited(ctx context.Context, chain domain.ChainID) ([]*domain.DepositRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*domain.DepositRecord
	for key, rec := range r.records {
		if rec.Chain == chain && !r.credited[key] {
			cp := *rec
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BlockNumber < out[j].BlockNumber })
	return out, nil
}

func (r *DepositRepo) ListRecords(ctx context.Context, chain domain.ChainID, fromBlock, toBlock uint64) ([]*domain.DepositRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*domain.DepositRecord
	for _, rec := range r.records {
		if rec.Chain == chain && rec.BlockNumber >= fromBlock && rec.BlockNumber <= toBlock {
			cp := *rec
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BlockNumber < out[j].BlockNumber })
	return out, nil
}

func (r *DepositRepo) GetCursor(ctx context.Context, chain domain.ChainID) (uint64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	block, ok := r.cursors[chain]
	if !ok {
		return 0, storage.ErrCursorNotFound
	}
	return block, nil
}

func (r *DepositRepo) SaveCursor(ctx context.Context, chain domain.ChainID, block uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cursors[chain] = block
	return nil
}
