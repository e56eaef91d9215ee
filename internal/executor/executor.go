// Package executor orchestrates outbound transfers: nonce allocation,
// custody signing, hash-checked submission, confirmation, and the ledger
// debit. Funds move on chain only after every prior step committed, and
// the ledger records the debit only after the chain confirmed it.
package executor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/stablr/paycore/internal/core/domain"
	"github.com/stablr/paycore/internal/infra/rpc"
	"github.com/stablr/paycore/internal/infra/storage"
	"github.com/stablr/paycore/internal/ledger"
	"github.com/stablr/paycore/internal/metrics"
	"github.com/stablr/paycore/internal/nonce"
	"github.com/stablr/paycore/internal/signer"
)

// ChainBackend is the per-chain surface the executor needs.
type ChainBackend interface {
	SuggestFees(ctx context.Context) (*domain.FeeQuote, error)
	BuildTransfer(from, token, destination string, amount *big.Int, nonceVal uint64, fees *domain.FeeQuote) *domain.TxPayload
	SendRawTransaction(ctx context.Context, rawTx, expectedHash string) (string, error)
}

// ConfirmationTracker awaits a submitted transaction's terminal state.
type ConfirmationTracker interface {
	Await(ctx context.Context, txHash string) (*domain.PendingTransaction, error)
}

// Executor runs the transfer state machine for all configured chains.
type Executor struct {
	backends map[domain.ChainID]ChainBackend
	trackers map[domain.ChainID]ConfirmationTracker
	accounts storage.AccountRepository
	txs      storage.PendingTxRepository
	ledger   *ledger.Engine
	nonces   *nonce.Manager
	signer   signer.Signer
	log      *slog.Logger
}

// New creates an executor.
func New(
	backends map[domain.ChainID]ChainBackend,
	trackers map[domain.ChainID]ConfirmationTracker,
	accounts storage.AccountRepository,
	txs storage.PendingTxRepository,
	ledgerEngine *ledger.Engine,
	nonces *nonce.Manager,
	custody signer.Signer,
	log *slog.Logger,
) *Executor {
	if log == nil {
		log = slog.Default()
	}
	return &Executor{
		backends: backends,
		trackers: trackers,
		accounts: accounts,
		txs:      txs,
		ledger:   ledgerEngine,
		nonces:   nonces,
		signer:   custody,
		log:      log,
	}
}

// DeriveIdempotencyKey builds a stable key for an instruction that did
// not carry one. Identical instructions map to the same key, so an
// identical retry replays instead of double-spending.
func DeriveIdempotencyKey(in *domain.PaymentInstruction) string {
	h := sha256.New()
	for _, field := range []string{
		in.AccountID, in.Destination, in.Amount.String(),
		in.Token, string(in.Chain), in.Reference,
	} {
		h.Write([]byte(field))
		h.Write([]byte{0})
	}
	return "transfer:" + hex.EncodeToString(h.Sum(nil))
}

// isHexAddress reports whether s is a 0x-prefixed 20-byte hex address.
func isHexAddress(s string) bool {
	if len(s) != 42 || s[0] != '0' || (s[1] != 'x' && s[1] != 'X') {
		return false
	}
	for _, c := range s[2:] {
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}

func validateInstruction(in *domain.PaymentInstruction) error {
	if in.AccountID == "" {
		return fmt.Errorf("instruction missing account id")
	}
	if in.Destination == "" {
		return fmt.Errorf("instruction missing destination")
	}
	if !isHexAddress(in.Destination) {
		return fmt.Errorf("instruction destination %q is not a valid address", in.Destination)
	}
	if in.Token == "" {
		return fmt.Errorf("instruction missing token")
	}
	if in.Amount == nil || in.Amount.Sign() <= 0 {
		return fmt.Errorf("instruction amount must be positive")
	}
	// Token amounts are uint256 on chain; anything wider cannot encode.
	if in.Amount.BitLen() > 256 {
		return fmt.Errorf("instruction amount %s exceeds 256 bits", in.Amount)
	}
	return nil
}

// Transfer executes one payment instruction end to end and returns its
// outcome. Re-invoking with the same idempotency key after a confirmed
// transfer returns the original result without touching the chain.
func (e *Executor) Transfer(ctx context.Context, in *domain.PaymentInstruction) (*domain.PaymentResult, error) {
	if err := validateInstruction(in); err != nil {
		return nil, err
	}
	key := in.IdempotencyKey
	if key == "" {
		key = DeriveIdempotencyKey(in)
	}

	start := time.Now()
	result, err := e.transfer(ctx, in, key)
	status := "error"
	if result != nil {
		status = string(result.Status)
	}
	metrics.PaymentsTotal.WithLabelValues(string(in.Chain), status).Inc()
	metrics.PaymentDuration.WithLabelValues(string(in.Chain)).Observe(time.Since(start).Seconds())
	return result, err
}

func (e *Executor) transfer(ctx context.Context, in *domain.PaymentInstruction, key string) (*domain.PaymentResult, error) {
	// A ledger entry under this key means the transfer already completed.
	if entry, err := e.ledger.EntryByIdempotencyKey(ctx, key); err != nil {
		return nil, fmt.Errorf("idempotency lookup: %w", err)
	} else if entry != nil {
		return &domain.PaymentResult{
			Status:        domain.PaymentConfirmed,
			TxHash:        entry.Metadata["tx_hash"],
			LedgerEntryID: entry.EntryID,
		}, nil
	}

	backend, ok := e.backends[in.Chain]
	if !ok {
		return nil, fmt.Errorf("no backend for chain %s", in.Chain)
	}
	tracker, ok := e.trackers[in.Chain]
	if !ok {
		return nil, fmt.Errorf("no tracker for chain %s", in.Chain)
	}

	account, err := e.accounts.Get(ctx, in.AccountID)
	if err != nil {
		return nil, fmt.Errorf("load account %s: %w", in.AccountID, err)
	}
	if account.Halted {
		return nil, fmt.Errorf("account %s: %w", account.ID, domain.ErrAccountHalted)
	}
	if account.Deactivated {
		return nil, fmt.Errorf("account %s: %w", account.ID, domain.ErrAccountDeactivated)
	}

	// Fail fast on balance before consuming a nonce. The ledger re-checks
	// under its account lock at append time; this check just avoids
	// burning chain work on a transfer that cannot settle.
	if !account.AllowOverdraft {
		balance, err := e.ledger.Balance(ctx, account.ID)
		if err != nil {
			return nil, fmt.Errorf("balance check: %w", err)
		}
		if balance.Cmp(in.Amount) < 0 {
			return nil, fmt.Errorf("account %s balance %s below %s: %w",
				account.ID, balance, in.Amount, domain.ErrInsufficientBalance)
		}
	}

	lease, err := e.nonces.Acquire(ctx, in.Chain, account.Address)
	if err != nil {
		return nil, fmt.Errorf("acquire nonce: %w", err)
	}

	fees, err := backend.SuggestFees(ctx)
	if err != nil {
		lease.Release()
		return nil, fmt.Errorf("fee estimate: %w", err)
	}
	payload := backend.BuildTransfer(account.Address, in.Token, in.Destination, in.Amount, lease.Nonce(), fees)

	env, err := e.signer.Sign(ctx, signer.SignRequest{
		KeyID:   account.Address,
		Chain:   in.Chain,
		Payload: payload,
	})
	if err != nil {
		// Nothing signed reached the network; the nonce is safe to reuse.
		lease.Release()
		return nil, fmt.Errorf("sign transfer: %w", err)
	}

	pending := &domain.PendingTransaction{
		TxHash:         env.TxHash,
		Chain:          in.Chain,
		Address:        account.Address,
		Nonce:          lease.Nonce(),
		Status:         domain.TxStatusSubmitted,
		IdempotencyKey: key,
		SubmittedAt:    time.Now().UTC(),
	}
	if err := e.txs.Save(ctx, pending); err != nil {
		lease.Release()
		return nil, fmt.Errorf("record pending tx: %w", err)
	}

	txHash, err := backend.SendRawTransaction(ctx, env.RawTransaction, env.TxHash)
	if err != nil {
		if rpc.IsDefiniteRejection(err) {
			// The node definitively refused the transaction; it never
			// entered the pool and the nonce can be reissued.
			lease.Release()
			if uerr := e.txs.UpdateStatus(ctx, env.TxHash, domain.TxStatusFailed); uerr != nil {
				e.log.Error("failed to mark rejected tx", "tx", env.TxHash, "error", uerr)
			}
			return &domain.PaymentResult{Status: domain.PaymentFailed, TxHash: env.TxHash},
				fmt.Errorf("submit rejected: %w", err)
		}
		// Ambiguous outcome: the transaction may be in flight, so the
		// nonce is burned and the tracker decides the final state.
		if cerr := lease.Commit(ctx); cerr != nil {
			e.log.Error("nonce commit after ambiguous submit", "tx", env.TxHash, "error", cerr)
		}
		e.log.Warn("submit outcome ambiguous, tracking", "tx", env.TxHash, "error", err)
		return e.await(ctx, in, account, tracker, env.TxHash, lease.Nonce(), key)
	}
	if txHash != env.TxHash {
		e.log.Warn("node returned unexpected tx hash",
			"expected", env.TxHash, "got", txHash)
	}

	if err := lease.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit nonce: %w", err)
	}
	return e.await(ctx, in, account, tracker, env.TxHash, pending.Nonce, key)
}

// await tracks a submitted transaction and settles the ledger on
// confirmation.
func (e *Executor) await(ctx context.Context, in *domain.PaymentInstruction, account *domain.Account, tracker ConfirmationTracker, txHash string, nonceVal uint64, key string) (*domain.PaymentResult, error) {
	tx, err := tracker.Await(ctx, txHash)
	if err != nil {
		// The transaction remains tracked by the background sweep; report
		// pending rather than inventing an outcome.
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return &domain.PaymentResult{Status: domain.PaymentPending, TxHash: txHash}, nil
		}
		return &domain.PaymentResult{Status: domain.PaymentPending, TxHash: txHash},
			fmt.Errorf("track %s: %w", txHash, err)
	}

	switch tx.Status {
	case domain.TxStatusConfirmed:
		if err := e.nonces.MarkConfirmed(ctx, in.Chain, account.Address, nonceVal); err != nil {
			e.log.Error("nonce settle failed", "tx", txHash, "error", err)
		}
		entry, err := e.ledger.Append(ctx, ledger.AppendRequest{
			AccountID:      account.ID,
			Amount:         in.Amount,
			Type:           domain.EntryDebit,
			Reference:      in.Reference,
			IdempotencyKey: key,
			Metadata: map[string]string{
				"tx_hash":     txHash,
				"destination": in.Destination,
				"token":       in.Token,
				"chain":       string(in.Chain),
			},
		})
		if err != nil {
			// Funds moved on chain but the ledger write failed. Surface
			// loudly; the reconciliation report will flag the gap until
			// a retry under the same key lands the entry.
			e.log.Error("confirmed transfer missing ledger entry",
				"tx", txHash, "account", account.ID, "error", err)
			return &domain.PaymentResult{Status: domain.PaymentConfirmed, TxHash: txHash},
				fmt.Errorf("ledger debit for %s: %w", txHash, err)
		}
		return &domain.PaymentResult{
			Status:        domain.PaymentConfirmed,
			TxHash:        txHash,
			LedgerEntryID: entry.EntryID,
			Confirmations: tx.Confirmations,
		}, nil

	case domain.TxStatusFailed:
		// Reverted on chain: the nonce is consumed but no funds moved, so
		// no ledger entry is written.
		if err := e.nonces.MarkConfirmed(ctx, in.Chain, account.Address, nonceVal); err != nil {
			e.log.Error("nonce settle failed", "tx", txHash, "error", err)
		}
		return &domain.PaymentResult{Status: domain.PaymentFailed, TxHash: txHash}, nil

	case domain.TxStatusStuck:
		return &domain.PaymentResult{Status: domain.PaymentStuck, TxHash: txHash}, nil

	default:
		return &domain.PaymentResult{Status: domain.PaymentPending, TxHash: txHash}, nil
	}
}
