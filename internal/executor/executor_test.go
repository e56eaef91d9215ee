package executor

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"testing"

	"github.com/stablr/paycore/internal/core/domain"
	"github.com/stablr/paycore/internal/infra/rpc/provider"
	"github.com/stablr/paycore/internal/infra/storage/memory"
	"github.com/stablr/paycore/internal/ledger"
	"github.com/stablr/paycore/internal/nonce"
	"github.com/stablr/paycore/internal/signer"
)

const (
	testAccount = "acct-1"
	testAddress = "0xaaaa000000000000000000000000000000000001"
	testToken   = "0xusdc00000000000000000000000000000000000"
	testDest    = "0xbbbb000000000000000000000000000000000002"
)

type stubBackend struct {
	mu        sync.Mutex
	submits   int
	submitErr error
}

func (s *stubBackend) SuggestFees(ctx context.Context) (*domain.FeeQuote, error) {
	return &domain.FeeQuote{
		MaxFeePerGas:         big.NewInt(2_000_000_000),
		MaxPriorityFeePerGas: big.NewInt(1_000_000_000),
		GasLimit:             90_000,
	}, nil
}

func (s *stubBackend) BuildTransfer(from, token, destination string, amount *big.Int, nonceVal uint64, fees *domain.FeeQuote) *domain.TxPayload {
	return &domain.TxPayload{
		Chain: domain.ChainEthereum, From: from, To: token, Value: "0",
		Nonce: nonceVal, GasLimit: fees.GasLimit,
	}
}

func (s *stubBackend) SendRawTransaction(ctx context.Context, rawTx, expectedHash string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submits++
	if s.submitErr != nil {
		return "", s.submitErr
	}
	return expectedHash, nil
}

func (s *stubBackend) submitCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.submits
}

type stubTracker struct {
	status        domain.TxStatus
	confirmations uint64
}

func (s *stubTracker) Await(ctx context.Context, txHash string) (*domain.PendingTransaction, error) {
	return &domain.PendingTransaction{
		TxHash: txHash, Status: s.status, Confirmations: s.confirmations,
	}, nil
}

type stubSigner struct {
	mu    sync.Mutex
	err   error
	signs int
}

func (s *stubSigner) Sign(ctx context.Context, req signer.SignRequest) (*signer.SignatureEnvelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signs++
	if s.err != nil {
		return nil, fmt.Errorf("custody: %w", s.err)
	}
	return &signer.SignatureEnvelope{
		Version:        signer.EnvelopeVersion,
		Algorithm:      "secp256k1",
		PublicKey:      "0x04ab",
		Signature:      "0x1c",
		RawTransaction: "0x02f870aa",
		TxHash:         "0x" + strings.Repeat("cd", 31) + fmt.Sprintf("%02x", req.Payload.Nonce),
	}, nil
}

func (s *stubSigner) Healthy(ctx context.Context) error { return nil }

type stubNonceReader struct{ nonce uint64 }

func (s *stubNonceReader) PendingNonceAt(ctx context.Context, address string) (uint64, error) {
	return s.nonce, nil
}

type fixture struct {
	exec    *Executor
	backend *stubBackend
	tracker *stubTracker
	custody *stubSigner
	ledger  *ledger.Engine
	nonces  *nonce.Manager
	txs     *memory.PendingTxRepo
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	accounts := memory.NewAccountRepo()
	entries := memory.NewLedgerRepo()
	txs := memory.NewPendingTxRepo()
	nonceRepo := memory.NewNonceRepo()

	if err := accounts.Create(ctx, &domain.Account{
		ID: testAccount, Chain: domain.ChainEthereum, Address: testAddress,
	}); err != nil {
		t.Fatalf("create account: %v", err)
	}

	ledgerEngine := ledger.NewEngine(entries, accounts, nil)
	if _, err := ledgerEngine.Append(ctx, ledger.AppendRequest{
		AccountID:      testAccount,
		Amount:         big.NewInt(1000),
		Type:           domain.EntryCredit,
		IdempotencyKey: "seed",
	}); err != nil {
		t.Fatalf("seed balance: %v", err)
	}

	nonces := nonce.NewManager(nonceRepo, txs, map[domain.ChainID]nonce.ChainNonceReader{
		domain.ChainEthereum: &stubNonceReader{},
	}, nil)

	backend := &stubBackend{}
	tracker := &stubTracker{status: domain.TxStatusConfirmed, confirmations: 12}
	custody := &stubSigner{}

	exec := New(
		map[domain.ChainID]ChainBackend{domain.ChainEthereum: backend},
		map[domain.ChainID]ConfirmationTracker{domain.ChainEthereum: tracker},
		accounts, txs, ledgerEngine, nonces, custody, nil,
	)
	return &fixture{
		exec: exec, backend: backend, tracker: tracker,
		custody: custody, ledger: ledgerEngine, nonces: nonces, txs: txs,
	}
}

func instruction(amount int64) *domain.PaymentInstruction {
	return &domain.PaymentInstruction{
		AccountID:   testAccount,
		Destination: testDest,
		Amount:      big.NewInt(amount),
		Token:       testToken,
		Chain:       domain.ChainEthereum,
		Reference:   "inv-42",
	}
}

func TestTransferConfirmedDebitsLedger(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.exec.Transfer(ctx, instruction(250))
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if res.Status != domain.PaymentConfirmed {
		t.Fatalf("expected confirmed, got %s", res.Status)
	}
	if res.LedgerEntryID == "" || res.TxHash == "" {
		t.Fatalf("incomplete result: %+v", res)
	}

	balance, _ := f.ledger.Balance(ctx, testAccount)
	if balance.Cmp(big.NewInt(750)) != 0 {
		t.Fatalf("expected balance 750, got %s", balance)
	}
	if f.backend.submitCount() != 1 {
		t.Fatalf("expected 1 submit, got %d", f.backend.submitCount())
	}
}

func TestTransferIdempotentReplay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	in := instruction(250)
	in.IdempotencyKey = "pay-1"

	first, err := f.exec.Transfer(ctx, in)
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	second, err := f.exec.Transfer(ctx, in)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if second.LedgerEntryID != first.LedgerEntryID {
		t.Fatalf("replay created a new entry: %s vs %s", second.LedgerEntryID, first.LedgerEntryID)
	}
	if second.TxHash != first.TxHash {
		t.Fatalf("replay reported different tx hash")
	}
	if f.backend.submitCount() != 1 {
		t.Fatalf("replay resubmitted: %d submits", f.backend.submitCount())
	}
	balance, _ := f.ledger.Balance(ctx, testAccount)
	if balance.Cmp(big.NewInt(750)) != 0 {
		t.Fatalf("replay double-debited: balance %s", balance)
	}
}

func TestTransferSigningFailureReleasesNonce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.custody.err = domain.ErrSigningFailed

	_, err := f.exec.Transfer(ctx, instruction(100))
	if !errors.Is(err, domain.ErrSigningFailed) {
		t.Fatalf("expected ErrSigningFailed, got %v", err)
	}
	if f.backend.submitCount() != 0 {
		t.Fatal("submitted despite signing failure")
	}
	balance, _ := f.ledger.Balance(ctx, testAccount)
	if balance.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("balance changed on signing failure: %s", balance)
	}

	// The nonce was released: the next transfer starts again at 0.
	f.custody.err = nil
	if _, err := f.exec.Transfer(ctx, instruction(100)); err != nil {
		t.Fatalf("transfer after signer recovery: %v", err)
	}
	lease, err := f.nonces.Acquire(ctx, domain.ChainEthereum, testAddress)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer lease.Release()
	if lease.Nonce() != 1 {
		t.Fatalf("expected nonce 1 after one consumed transfer, got %d", lease.Nonce())
	}
}

func TestTransferDefiniteRejectionReleasesNonce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.backend.submitErr = &provider.RPCError{Code: -32000, Message: "invalid transaction"}

	res, err := f.exec.Transfer(ctx, instruction(100))
	if err == nil {
		t.Fatal("expected error for rejected submit")
	}
	if res == nil || res.Status != domain.PaymentFailed {
		t.Fatalf("expected failed result, got %+v", res)
	}
	balance, _ := f.ledger.Balance(ctx, testAccount)
	if balance.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("balance changed on rejection: %s", balance)
	}

	f.backend.submitErr = nil
	lease, err := f.nonces.Acquire(ctx, domain.ChainEthereum, testAddress)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer lease.Release()
	if lease.Nonce() != 0 {
		t.Fatalf("rejected submit burned nonce: next is %d", lease.Nonce())
	}
}

func TestTransferRevertedFailsWithoutLedgerEntry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.tracker.status = domain.TxStatusFailed

	res, err := f.exec.Transfer(ctx, instruction(100))
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if res.Status != domain.PaymentFailed {
		t.Fatalf("expected failed, got %s", res.Status)
	}
	balance, _ := f.ledger.Balance(ctx, testAccount)
	if balance.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("reverted transfer debited ledger: %s", balance)
	}

	// The revert consumed the nonce on chain; the next transfer must not
	// reuse it.
	lease, err := f.nonces.Acquire(ctx, domain.ChainEthereum, testAddress)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer lease.Release()
	if lease.Nonce() != 1 {
		t.Fatalf("expected nonce 1 after reverted tx, got %d", lease.Nonce())
	}
}

func TestTransferStuckReportsStuck(t *testing.T) {
	f := newFixture(t)
	f.tracker.status = domain.TxStatusStuck

	res, err := f.exec.Transfer(context.Background(), instruction(100))
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if res.Status != domain.PaymentStuck {
		t.Fatalf("expected stuck, got %s", res.Status)
	}
	balance, _ := f.ledger.Balance(context.Background(), testAccount)
	if balance.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("stuck transfer debited ledger: %s", balance)
	}
}

func TestTransferInsufficientBalanceFailsFast(t *testing.T) {
	f := newFixture(t)

	_, err := f.exec.Transfer(context.Background(), instruction(5000))
	if !errors.Is(err, domain.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if f.custody.signs != 0 || f.backend.submitCount() != 0 {
		t.Fatal("insufficient balance reached signing or submission")
	}
}

func TestTransferRejectsMalformedInstruction(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	overlong := instruction(100)
	overlong.Destination = "0x" + strings.Repeat("ab", 35)
	if _, err := f.exec.Transfer(ctx, overlong); err == nil {
		t.Fatal("accepted destination longer than an address")
	}

	notHex := instruction(100)
	notHex.Destination = "0xzzzz000000000000000000000000000000000002"
	if _, err := f.exec.Transfer(ctx, notHex); err == nil {
		t.Fatal("accepted non-hex destination")
	}

	huge := instruction(100)
	huge.Amount = new(big.Int).Lsh(big.NewInt(1), 256)
	if _, err := f.exec.Transfer(ctx, huge); err == nil {
		t.Fatal("accepted amount wider than uint256")
	}

	if f.custody.signs != 0 || f.backend.submitCount() != 0 {
		t.Fatal("malformed instruction reached signing or submission")
	}
}

func TestDeriveIdempotencyKeyStable(t *testing.T) {
	a := DeriveIdempotencyKey(instruction(100))
	b := DeriveIdempotencyKey(instruction(100))
	if a != b {
		t.Fatal("identical instructions derived different keys")
	}
	c := DeriveIdempotencyKey(instruction(101))
	if a == c {
		t.Fatal("different amounts derived the same key")
	}
}
