package reconcile

import (
	"context"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/stablr/paycore/internal/core/domain"
	"github.com/stablr/paycore/internal/infra/storage/memory"
	"github.com/stablr/paycore/internal/ledger"
)

const (
	custodyAddr = "0xcustody000000000000000000000000000000001"
	tokenAddr   = "0xusdc000000000000000000000000000000000000"
)

type stubSource struct {
	events []domain.TransferEvent
}

func (s *stubSource) TransferLogs(ctx context.Context, fromBlock, toBlock uint64, tokens, watch []string) ([]domain.TransferEvent, error) {
	var out []domain.TransferEvent
	for _, ev := range s.events {
		if ev.BlockNumber >= fromBlock && ev.BlockNumber <= toBlock {
			out = append(out, ev)
		}
	}
	return out, nil
}

type fixture struct {
	engine   *Engine
	source   *stubSource
	txs      *memory.PendingTxRepo
	deposits *memory.DepositRepo
	entries  *memory.LedgerRepo
	ledger   *ledger.Engine
	accounts *memory.AccountRepo
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	source := &stubSource{}
	txs := memory.NewPendingTxRepo()
	deposits := memory.NewDepositRepo()
	entries := memory.NewLedgerRepo()
	accounts := memory.NewAccountRepo()
	if err := accounts.Create(context.Background(), &domain.Account{
		ID: "acct-1", Chain: domain.ChainEthereum, Address: custodyAddr,
	}); err != nil {
		t.Fatalf("create account: %v", err)
	}
	cfg := Config{Tokens: []string{tokenAddr}, Watch: []string{custodyAddr}}
	ledgerEngine := ledger.NewEngine(entries, accounts, nil)
	if _, err := ledgerEngine.Append(context.Background(), ledger.AppendRequest{
		AccountID: "acct-1", Amount: big.NewInt(1_000_000),
		Type: domain.EntryCredit, IdempotencyKey: "seed",
	}); err != nil {
		t.Fatalf("seed balance: %v", err)
	}
	return &fixture{
		engine:   NewEngine(domain.ChainEthereum, source, txs, deposits, entries, cfg, nil),
		source:   source,
		txs:      txs,
		deposits: deposits,
		entries:  entries,
		ledger:   ledgerEngine,
		accounts: accounts,
	}
}

// addConfirmedTransfer records an outbound transfer on chain, in the
// transaction store, and as the ledger debit its confirmation produced.
func (f *fixture) addConfirmedTransfer(t *testing.T, i int, block uint64) string {
	t.Helper()
	txHash := fmt.Sprintf("0xout%02d", i)
	key := "transfer:" + txHash
	f.source.events = append(f.source.events, domain.TransferEvent{
		Chain: domain.ChainEthereum, Token: tokenAddr,
		From: custodyAddr, To: "0xdest",
		Amount: big.NewInt(100), TxHash: txHash, BlockNumber: block,
	})
	ctx := context.Background()
	err := f.txs.Save(ctx, &domain.PendingTransaction{
		TxHash: txHash, Chain: domain.ChainEthereum, Address: custodyAddr,
		Nonce: uint64(i), Status: domain.TxStatusConfirmed,
		IdempotencyKey: key,
		BlockNumber:    block, SubmittedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("save tx: %v", err)
	}
	if _, err := f.ledger.Append(ctx, ledger.AppendRequest{
		AccountID: "acct-1", Amount: big.NewInt(100),
		Type: domain.EntryDebit, Reference: txHash,
		IdempotencyKey: key,
	}); err != nil {
		t.Fatalf("debit: %v", err)
	}
	return txHash
}

// addCreditedDeposit records an inbound transfer on chain, in the deposit
// store, and as a ledger credit.
func (f *fixture) addCreditedDeposit(t *testing.T, i int, block uint64, amount int64) *domain.DepositRecord {
	t.Helper()
	record := &domain.DepositRecord{
		Chain: domain.ChainEthereum, Token: tokenAddr,
		FromAddress: "0xsender", ToAddress: custodyAddr,
		Amount: big.NewInt(amount), TxHash: fmt.Sprintf("0xin%02d", i),
		LogIndex: 0, BlockNumber: block,
	}
	f.source.events = append(f.source.events, domain.TransferEvent{
		Chain: domain.ChainEthereum, Token: tokenAddr,
		From: record.FromAddress, To: record.ToAddress,
		Amount: big.NewInt(amount), TxHash: record.TxHash,
		LogIndex: 0, BlockNumber: block,
	})
	ctx := context.Background()
	if err := f.deposits.SaveRecord(ctx, record); err != nil {
		t.Fatalf("save deposit: %v", err)
	}
	if _, err := f.ledger.Append(ctx, ledger.AppendRequest{
		AccountID: "acct-1", Amount: big.NewInt(amount),
		Type: domain.EntryCredit, Reference: record.TxHash,
		IdempotencyKey: record.DedupeKey(),
	}); err != nil {
		t.Fatalf("credit: %v", err)
	}
	return record
}

func TestReconcileCleanWindow(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 5; i++ {
		f.addConfirmedTransfer(t, i, uint64(10+i))
		f.addCreditedDeposit(t, i, uint64(20+i), 100)
	}

	report, err := f.engine.Reconcile(context.Background(), 1, 100)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if len(report.Discrepancies) != 0 {
		t.Fatalf("clean window reported discrepancies: %+v", report.Discrepancies)
	}
	if report.MatchedCount != 10 {
		t.Fatalf("expected 10 matches, got %d", report.MatchedCount)
	}
}

func TestReconcileFlagsMissingOnChain(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 10; i++ {
		f.addConfirmedTransfer(t, i, uint64(10+i))
	}
	// Drop one transfer's chain event: the store claims it confirmed but
	// the chain never saw it.
	missing := f.source.events[3].TxHash
	f.source.events = append(f.source.events[:3], f.source.events[4:]...)

	report, err := f.engine.Reconcile(context.Background(), 1, 100)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if len(report.Discrepancies) != 1 {
		t.Fatalf("expected exactly 1 discrepancy, got %d: %+v",
			len(report.Discrepancies), report.Discrepancies)
	}
	d := report.Discrepancies[0]
	if d.Type != domain.DiscrepancyMissingOnChain || d.Reference != missing {
		t.Fatalf("unexpected discrepancy: %+v", d)
	}
	if report.MatchedCount != 9 {
		t.Fatalf("expected 9 matches, got %d", report.MatchedCount)
	}
}

func TestReconcileFlagsUndebitedTransfer(t *testing.T) {
	f := newFixture(t)
	f.addConfirmedTransfer(t, 0, 10)

	// A second transfer confirmed on chain whose ledger debit never
	// landed: the gap the executor defers to reconciliation.
	f.source.events = append(f.source.events, domain.TransferEvent{
		Chain: domain.ChainEthereum, Token: tokenAddr,
		From: custodyAddr, To: "0xdest",
		Amount: big.NewInt(100), TxHash: "0xout99", BlockNumber: 11,
	})
	if err := f.txs.Save(context.Background(), &domain.PendingTransaction{
		TxHash: "0xout99", Chain: domain.ChainEthereum, Address: custodyAddr,
		Nonce: 99, Status: domain.TxStatusConfirmed,
		IdempotencyKey: "transfer:0xout99",
		BlockNumber:    11, SubmittedAt: time.Now(),
	}); err != nil {
		t.Fatalf("save tx: %v", err)
	}

	report, err := f.engine.Reconcile(context.Background(), 1, 100)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if len(report.Discrepancies) != 1 {
		t.Fatalf("expected 1 discrepancy, got %+v", report.Discrepancies)
	}
	d := report.Discrepancies[0]
	if d.Type != domain.DiscrepancyMissingInLedger || d.Reference != "0xout99" {
		t.Fatalf("unexpected discrepancy: %+v", d)
	}
	if report.MatchedCount != 1 {
		t.Fatalf("expected 1 match, got %d", report.MatchedCount)
	}
}

func TestReconcileFlagsUncreditedDeposit(t *testing.T) {
	f := newFixture(t)
	f.addCreditedDeposit(t, 0, 30, 100)

	// A second chain deposit that the monitor never recorded.
	f.source.events = append(f.source.events, domain.TransferEvent{
		Chain: domain.ChainEthereum, Token: tokenAddr,
		From: "0xsender", To: custodyAddr,
		Amount: big.NewInt(700), TxHash: "0xghost", LogIndex: 2, BlockNumber: 31,
	})

	report, err := f.engine.Reconcile(context.Background(), 1, 100)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if len(report.Discrepancies) != 1 {
		t.Fatalf("expected 1 discrepancy, got %+v", report.Discrepancies)
	}
	d := report.Discrepancies[0]
	if d.Type != domain.DiscrepancyMissingInLedger || d.Reference != "0xghost" {
		t.Fatalf("unexpected discrepancy: %+v", d)
	}
}

func TestReconcileFlagsAmountMismatch(t *testing.T) {
	f := newFixture(t)
	record := f.addCreditedDeposit(t, 0, 30, 100)

	// Tamper the ledger credit's amount so it disagrees with the deposit.
	entry, err := f.entries.GetByIdempotencyKey(context.Background(), record.DedupeKey())
	if err != nil || entry == nil {
		t.Fatalf("load credit entry: %v", err)
	}
	f.entries.Tamper(entry.EntryID, func(e *domain.LedgerEntry) {
		e.Amount = big.NewInt(99)
	})

	report, err := f.engine.Reconcile(context.Background(), 1, 100)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if len(report.Discrepancies) != 1 {
		t.Fatalf("expected 1 discrepancy, got %+v", report.Discrepancies)
	}
	if report.Discrepancies[0].Type != domain.DiscrepancyAmountMismatch {
		t.Fatalf("unexpected discrepancy: %+v", report.Discrepancies[0])
	}
}
