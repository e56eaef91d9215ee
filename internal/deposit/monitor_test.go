package deposit

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stablr/paycore/internal/core/domain"
	"github.com/stablr/paycore/internal/infra/storage/memory"
	"github.com/stablr/paycore/internal/ledger"
)

const (
	watchAddr = "0xdeposit0000000000000000000000000000000001"
	tokenAddr = "0xusdc000000000000000000000000000000000000"
)

type stubSource struct {
	mu     sync.Mutex
	head   uint64
	events []domain.TransferEvent
	calls  [][2]uint64
}

func (s *stubSource) BlockNumber(ctx context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.head, nil
}

func (s *stubSource) TransferLogs(ctx context.Context, fromBlock, toBlock uint64, tokens, watch []string) ([]domain.TransferEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, [2]uint64{fromBlock, toBlock})
	var out []domain.TransferEvent
	for _, ev := range s.events {
		if ev.BlockNumber >= fromBlock && ev.BlockNumber <= toBlock {
			out = append(out, ev)
		}
	}
	return out, nil
}

type stubMarker struct {
	mu   sync.Mutex
	seen map[string]bool
}

func (s *stubMarker) MarkSeen(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seen == nil {
		s.seen = make(map[string]bool)
	}
	if s.seen[key] {
		return false, nil
	}
	s.seen[key] = true
	return true, nil
}

func event(block uint64, tx string, logIndex uint32, amount int64) domain.TransferEvent {
	return domain.TransferEvent{
		Chain:       domain.ChainEthereum,
		Token:       tokenAddr,
		From:        "0xsender",
		To:          watchAddr,
		Amount:      big.NewInt(amount),
		TxHash:      tx,
		LogIndex:    logIndex,
		BlockNumber: block,
	}
}

func testConfig() Config {
	return Config{
		Finality:     5,
		WindowSize:   50,
		PollInterval: time.Millisecond,
		BufferSize:   16,
		Tokens:       []string{tokenAddr},
		Watch:        []string{watchAddr},
	}
}

func collect(t *testing.T, ch <-chan *domain.DepositRecord, n int) []*domain.DepositRecord {
	t.Helper()
	var out []*domain.DepositRecord
	timeout := time.After(2 * time.Second)
	for len(out) < n {
		select {
		case rec, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, rec)
		case <-timeout:
			t.Fatalf("timed out after %d of %d records", len(out), n)
		}
	}
	return out
}

func TestMonitorDeliversFinalizedDeposits(t *testing.T) {
	source := &stubSource{head: 100}
	source.events = []domain.TransferEvent{
		event(90, "0xaa", 0, 500),
		event(92, "0xbb", 1, 700),
		// Inside the finality window; must not be delivered yet.
		event(98, "0xcc", 0, 900),
	}
	deposits := memory.NewDepositRepo()
	m := NewMonitor(domain.ChainEthereum, source, deposits, nil, testConfig(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { m.Run(ctx); close(done) }()

	records := collect(t, m.Records(), 2)
	cancel()
	<-done

	if records[0].TxHash != "0xaa" || records[1].TxHash != "0xbb" {
		t.Fatalf("unexpected records: %s, %s", records[0].TxHash, records[1].TxHash)
	}
	cursor, err := deposits.GetCursor(context.Background(), domain.ChainEthereum)
	if err != nil {
		t.Fatalf("cursor: %v", err)
	}
	if cursor != 95 {
		t.Fatalf("expected cursor at safe head 95, got %d", cursor)
	}

	saved, _ := deposits.ListRecords(context.Background(), domain.ChainEthereum, 0, 100)
	if len(saved) != 2 {
		t.Fatalf("expected 2 persisted records, got %d", len(saved))
	}
}

func TestMonitorResumesFromCursor(t *testing.T) {
	source := &stubSource{head: 100}
	deposits := memory.NewDepositRepo()
	if err := deposits.SaveCursor(context.Background(), domain.ChainEthereum, 80); err != nil {
		t.Fatalf("seed cursor: %v", err)
	}
	m := NewMonitor(domain.ChainEthereum, source, deposits, nil, testConfig(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	m.Run(ctx)

	source.mu.Lock()
	defer source.mu.Unlock()
	if len(source.calls) == 0 {
		t.Fatal("no scan happened")
	}
	if source.calls[0][0] != 81 {
		t.Fatalf("expected first scan from block 81, got %d", source.calls[0][0])
	}
}

func TestMonitorMarkerSuppressesRedelivery(t *testing.T) {
	source := &stubSource{head: 100}
	source.events = []domain.TransferEvent{event(90, "0xaa", 0, 500)}
	deposits := memory.NewDepositRepo()
	marker := &stubMarker{}

	// First run delivers, then the cursor is rewound to force a rescan of
	// the same window.
	m := NewMonitor(domain.ChainEthereum, source, deposits, marker, testConfig(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { m.Run(ctx); close(done) }()
	collect(t, m.Records(), 1)
	cancel()
	<-done

	if err := deposits.MarkCredited(context.Background(), "0xaa", 0); err != nil {
		t.Fatalf("mark credited: %v", err)
	}
	if err := deposits.SaveCursor(context.Background(), domain.ChainEthereum, 80); err != nil {
		t.Fatalf("rewind cursor: %v", err)
	}
	m2 := NewMonitor(domain.ChainEthereum, source, deposits, marker, testConfig(), nil)
	ctx2, cancel2 := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel2()
	go m2.Run(ctx2)

	select {
	case rec, ok := <-m2.Records():
		if ok {
			t.Fatalf("marked deposit redelivered: %s", rec.DedupeKey())
		}
	case <-time.After(40 * time.Millisecond):
	}
}

func TestMonitorReplaysUncreditedAtStartup(t *testing.T) {
	// A deposit persisted and marked seen before a crash, but never
	// credited: the rescan is suppressed by the marker, so startup must
	// re-deliver it from the store.
	ctx := context.Background()
	source := &stubSource{head: 100}
	deposits := memory.NewDepositRepo()
	marker := &stubMarker{}

	ev := event(90, "0xaa", 0, 500)
	record := recordFromEvent(&ev)
	if err := deposits.SaveRecord(ctx, record); err != nil {
		t.Fatalf("save record: %v", err)
	}
	if _, err := marker.MarkSeen(ctx, record.DedupeKey()); err != nil {
		t.Fatalf("seed marker: %v", err)
	}
	if err := deposits.SaveCursor(ctx, domain.ChainEthereum, 95); err != nil {
		t.Fatalf("seed cursor: %v", err)
	}

	m := NewMonitor(domain.ChainEthereum, source, deposits, marker, testConfig(), nil)
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() { m.Run(runCtx); close(done) }()

	records := collect(t, m.Records(), 1)
	cancel()
	<-done

	if records[0].DedupeKey() != record.DedupeKey() {
		t.Fatalf("unexpected replayed record: %s", records[0].DedupeKey())
	}
}

func TestCrediterIdempotentOnRedelivery(t *testing.T) {
	ctx := context.Background()
	accounts := memory.NewAccountRepo()
	entries := memory.NewLedgerRepo()
	deposits := memory.NewDepositRepo()
	if err := accounts.Create(ctx, &domain.Account{
		ID: "acct-1", Chain: domain.ChainEthereum, Address: watchAddr,
	}); err != nil {
		t.Fatalf("create account: %v", err)
	}
	engine := ledger.NewEngine(entries, accounts, nil)
	crediter := NewCrediter(accounts, deposits, engine, nil)

	ev := event(90, "0xaa", 0, 500)
	record := recordFromEvent(&ev)
	if err := deposits.SaveRecord(ctx, record); err != nil {
		t.Fatalf("save record: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := crediter.Credit(ctx, record); err != nil {
			t.Fatalf("credit %d: %v", i, err)
		}
	}

	balance, err := engine.Balance(ctx, "acct-1")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("redelivery double-credited: balance %s", balance)
	}

	// A credited deposit leaves the startup replay set.
	uncredited, err := deposits.ListUncredited(ctx, domain.ChainEthereum)
	if err != nil {
		t.Fatalf("list uncredited: %v", err)
	}
	if len(uncredited) != 0 {
		t.Fatalf("credited deposit still queued for replay: %d", len(uncredited))
	}
}

func TestCrediterIgnoresUnknownAddress(t *testing.T) {
	ctx := context.Background()
	accounts := memory.NewAccountRepo()
	deposits := memory.NewDepositRepo()
	engine := ledger.NewEngine(memory.NewLedgerRepo(), accounts, nil)
	crediter := NewCrediter(accounts, deposits, engine, nil)

	ev := event(90, "0xaa", 0, 500)
	record := recordFromEvent(&ev)
	if err := deposits.SaveRecord(ctx, record); err != nil {
		t.Fatalf("save record: %v", err)
	}
	if err := crediter.Credit(ctx, record); err != nil {
		t.Fatalf("unknown address should be skipped, got %v", err)
	}

	// The configuration gap stays visible: the deposit remains in the
	// replay set until an account exists and a replay credits it.
	uncredited, err := deposits.ListUncredited(ctx, domain.ChainEthereum)
	if err != nil {
		t.Fatalf("list uncredited: %v", err)
	}
	if len(uncredited) != 1 {
		t.Fatalf("expected deposit to stay uncredited, got %d", len(uncredited))
	}
}
