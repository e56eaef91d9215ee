// Package nonce serializes nonce allocation per signing address and
// recovers local state against the chain after restarts.
package nonce

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/stablr/paycore/internal/core/domain"
	"github.com/stablr/paycore/internal/infra/storage"
	"github.com/stablr/paycore/internal/metrics"
)

// ChainNonceReader reads the pending nonce for an address from a chain.
type ChainNonceReader interface {
	PendingNonceAt(ctx context.Context, address string) (uint64, error)
}

// accountNonce guards one (chain, address). The mutex is held from
// Acquire until the lease is committed or released, so allocation and the
// sign+submit that follows it are serialized per address. The recovering
// flag is atomic so health sweeps can inspect it without contending on
// an in-flight lease.
type accountNonce struct {
	mu         sync.Mutex
	state      *domain.NonceState
	recovering atomic.Bool
}

// Manager hands out strictly increasing nonces per signing address.
type Manager struct {
	repo    storage.NonceRepository
	pending storage.PendingTxRepository
	readers map[domain.ChainID]ChainNonceReader
	log     *slog.Logger

	mu       sync.Mutex
	accounts map[string]*accountNonce
}

// NewManager creates a nonce manager backed by the given repositories.
func NewManager(repo storage.NonceRepository, pending storage.PendingTxRepository, readers map[domain.ChainID]ChainNonceReader, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		repo:     repo,
		pending:  pending,
		readers:  readers,
		log:      log,
		accounts: make(map[string]*accountNonce),
	}
}

func acctKey(chain domain.ChainID, address string) string {
	return string(chain) + "|" + address
}

func (m *Manager) account(chain domain.ChainID, address string) *accountNonce {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := acctKey(chain, address)
	acct, ok := m.accounts[key]
	if !ok {
		acct = &accountNonce{}
		m.accounts[key] = acct
	}
	return acct
}

// loadState populates acct.state from the repository or, for a brand new
// address, from the chain's pending nonce. Caller holds acct.mu.
func (m *Manager) loadState(ctx context.Context, acct *accountNonce, chain domain.ChainID, address string) error {
	if acct.state != nil {
		return nil
	}
	state, err := m.repo.Get(ctx, chain, address)
	if err != nil {
		return fmt.Errorf("load nonce state: %w", err)
	}
	if state == nil {
		reader, ok := m.readers[chain]
		if !ok {
			return fmt.Errorf("no nonce reader for chain %s", chain)
		}
		next, err := reader.PendingNonceAt(ctx, address)
		if err != nil {
			return fmt.Errorf("seed nonce from chain: %w", err)
		}
		state = &domain.NonceState{
			Chain:     chain,
			Address:   address,
			NextNonce: next,
			InFlight:  make(map[uint64]struct{}),
		}
		if err := m.repo.Save(ctx, state); err != nil {
			return fmt.Errorf("persist seeded nonce state: %w", err)
		}
		m.log.Info("seeded nonce state from chain",
			"chain", chain, "address", address, "next_nonce", next)
	}
	if state.InFlight == nil {
		state.InFlight = make(map[uint64]struct{})
	}
	acct.state = state
	return nil
}

// Lease is an allocated nonce. The holder must call exactly one of
// Commit (the transaction was handed to the network, or its outcome is
// unknown) or Release (the nonce was never used and may be reissued).
type Lease struct {
	m     *Manager
	acct  *accountNonce
	chain domain.ChainID
	addr  string
	nonce uint64
	done  bool
}

// Nonce returns the allocated value.
func (l *Lease) Nonce() uint64 { return l.nonce }

// Commit marks the nonce consumed: it joins the in-flight set and the
// next allocation moves past it.
func (l *Lease) Commit(ctx context.Context) error {
	if l.done {
		return fmt.Errorf("nonce lease already settled")
	}
	l.done = true
	defer l.acct.mu.Unlock()

	state := l.acct.state
	state.InFlight[l.nonce] = struct{}{}
	state.NextNonce = l.nonce + 1
	if err := l.m.repo.Save(ctx, state); err != nil {
		return fmt.Errorf("persist nonce commit: %w", err)
	}
	metrics.NonceInFlight.WithLabelValues(string(l.chain)).Set(float64(len(state.InFlight)))
	return nil
}

// Release returns the nonce unused. The next Acquire reissues it, so no
// gap is created.
func (l *Lease) Release() {
	if l.done {
		return
	}
	l.done = true
	l.acct.mu.Unlock()
}

// Acquire allocates the next nonce for an address. The per-address lock
// is held until the lease is settled, so two concurrent transfers from
// the same address can never sign the same nonce.
func (m *Manager) Acquire(ctx context.Context, chain domain.ChainID, address string) (*Lease, error) {
	acct := m.account(chain, address)
	acct.mu.Lock()

	if acct.recovering.Load() {
		acct.mu.Unlock()
		return nil, fmt.Errorf("allocation paused for %s/%s: %w",
			chain, address, domain.ErrNonceRecovering)
	}
	if err := m.loadState(ctx, acct, chain, address); err != nil {
		acct.mu.Unlock()
		return nil, err
	}

	return &Lease{
		m:     m,
		acct:  acct,
		chain: chain,
		addr:  address,
		nonce: acct.state.NextNonce,
	}, nil
}

// MarkConfirmed removes a nonce from the in-flight set once its
// transaction reached a terminal state.
func (m *Manager) MarkConfirmed(ctx context.Context, chain domain.ChainID, address string, nonce uint64) error {
	acct := m.account(chain, address)
	acct.mu.Lock()
	defer acct.mu.Unlock()

	if err := m.loadState(ctx, acct, chain, address); err != nil {
		return err
	}
	state := acct.state
	if _, ok := state.InFlight[nonce]; !ok {
		return nil
	}
	delete(state.InFlight, nonce)
	if err := m.repo.Save(ctx, state); err != nil {
		return fmt.Errorf("persist nonce settle: %w", err)
	}
	metrics.NonceInFlight.WithLabelValues(string(chain)).Set(float64(len(state.InFlight)))
	return nil
}

// Recover reconciles local nonce state with the chain. A chain nonce
// ahead of ours means transactions landed that we lost track of; the
// allocator jumps forward. A chain nonce behind ours with local
// in-flight entries means a gap (dropped or stuck transaction); the
// address enters recovery and allocation pauses until SweepRecovery
// resolves the in-flight set.
func (m *Manager) Recover(ctx context.Context, chain domain.ChainID, address string) error {
	reader, ok := m.readers[chain]
	if !ok {
		return fmt.Errorf("no nonce reader for chain %s", chain)
	}

	acct := m.account(chain, address)
	acct.mu.Lock()
	defer acct.mu.Unlock()

	if err := m.loadState(ctx, acct, chain, address); err != nil {
		return err
	}
	state := acct.state

	chainNonce, err := reader.PendingNonceAt(ctx, address)
	if err != nil {
		return fmt.Errorf("read chain nonce: %w", err)
	}

	switch {
	case chainNonce > state.NextNonce:
		// Everything below the chain nonce is consumed for good.
		for n := range state.InFlight {
			if n < chainNonce {
				delete(state.InFlight, n)
			}
		}
		m.log.Warn("chain nonce ahead of local state, advancing",
			"chain", chain, "address", address,
			"local", state.NextNonce, "chain_nonce", chainNonce)
		state.NextNonce = chainNonce
		if err := m.repo.Save(ctx, state); err != nil {
			return fmt.Errorf("persist nonce recovery: %w", err)
		}
		metrics.NonceInFlight.WithLabelValues(string(chain)).Set(float64(len(state.InFlight)))

	case chainNonce < state.NextNonce && len(state.InFlight) > 0:
		acct.recovering.Store(true)
		m.log.Warn("chain nonce behind local state with in-flight entries, pausing allocation",
			"chain", chain, "address", address,
			"local", state.NextNonce, "chain_nonce", chainNonce,
			"in_flight", state.InFlightList())
	}
	return nil
}

// SweepRecovery settles in-flight nonces for an address in recovery by
// consulting the pending transaction store: terminal transactions leave
// the in-flight set, and recovery ends once the set is empty or the
// chain has caught up to our allocator.
func (m *Manager) SweepRecovery(ctx context.Context, chain domain.ChainID, address string) error {
	acct := m.account(chain, address)
	acct.mu.Lock()
	defer acct.mu.Unlock()

	if !acct.recovering.Load() {
		return nil
	}
	state := acct.state

	for _, n := range state.InFlightList() {
		tx, err := m.pending.GetByNonce(ctx, chain, address, n)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return fmt.Errorf("lookup pending tx at nonce %d: %w", n, err)
		}
		switch tx.Status {
		case domain.TxStatusConfirmed, domain.TxStatusFailed:
			delete(state.InFlight, n)
		}
	}

	resolved := len(state.InFlight) == 0
	if !resolved {
		if reader, ok := m.readers[chain]; ok {
			chainNonce, err := reader.PendingNonceAt(ctx, address)
			if err == nil && chainNonce >= state.NextNonce {
				resolved = true
			}
		}
	}
	if resolved {
		acct.recovering.Store(false)
		m.log.Info("nonce recovery resolved", "chain", chain, "address", address)
	}

	if err := m.repo.Save(ctx, state); err != nil {
		return fmt.Errorf("persist nonce sweep: %w", err)
	}
	metrics.NonceInFlight.WithLabelValues(string(chain)).Set(float64(len(state.InFlight)))
	return nil
}

// RecoveringAddresses returns the addresses on a chain whose allocation
// is currently paused for recovery.
func (m *Manager) RecoveringAddresses(chain domain.ChainID) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	prefix := string(chain) + "|"
	var out []string
	for key, acct := range m.accounts {
		if strings.HasPrefix(key, prefix) && acct.recovering.Load() {
			out = append(out, strings.TrimPrefix(key, prefix))
		}
	}
	return out
}

// RecoverAll runs Recover for every persisted address. Called at startup.
func (m *Manager) RecoverAll(ctx context.Context) error {
	states, err := m.repo.List(ctx)
	if err != nil {
		return fmt.Errorf("list nonce states: %w", err)
	}
	for _, state := range states {
		if _, ok := m.readers[state.Chain]; !ok {
			m.log.Warn("skipping nonce recovery for unconfigured chain",
				"chain", state.Chain, "address", state.Address)
			continue
		}
		if err := m.Recover(ctx, state.Chain, state.Address); err != nil {
			return fmt.Errorf("recover %s/%s: %w", state.Chain, state.Address, err)
		}
	}
	return nil
}
