// Package deposit watches token transfers into custody addresses and
// delivers them at-least-once for ledger crediting. The scan cursor only
// advances after a window's deposits are persisted and delivered, so a
// crash replays the window instead of dropping it.
package deposit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/stablr/paycore/internal/core/domain"
	"github.com/stablr/paycore/internal/infra/storage"
	"github.com/stablr/paycore/internal/metrics"
)

// ChainSource is the chain surface the monitor scans.
type ChainSource interface {
	BlockNumber(ctx context.Context) (uint64, error)
	TransferLogs(ctx context.Context, fromBlock, toBlock uint64, tokens, watch []string) ([]domain.TransferEvent, error)
}

// SeenMarker records fast de-duplication markers. Markers are advisory;
// the ledger idempotency key remains the authoritative guard.
type SeenMarker interface {
	MarkSeen(ctx context.Context, dedupeKey string) (bool, error)
}

// Config configures a chain's deposit monitor.
type Config struct {
	// Finality is how many blocks behind head the scan stays. Blocks
	// inside the finality window can still reorg and are not scanned.
	Finality uint64 `yaml:"finality"`

	// WindowSize caps the block span of one scan iteration.
	WindowSize uint64 `yaml:"window_size"`

	// PollInterval is the pause between scans when caught up.
	PollInterval time.Duration `yaml:"poll_interval"`

	// StartBlock seeds the cursor when none is persisted yet.
	StartBlock uint64 `yaml:"start_block"`

	// Tokens are the token contracts to watch.
	Tokens []string `yaml:"tokens"`

	// Watch are the custody deposit addresses.
	Watch []string `yaml:"watch"`

	// BufferSize bounds the delivery channel.
	BufferSize int `yaml:"buffer_size"`
}

// Monitor scans one chain for deposits.
type Monitor struct {
	chain    domain.ChainID
	source   ChainSource
	deposits storage.DepositRepository
	markers  SeenMarker
	cfg      Config
	log      *slog.Logger
	records  chan *domain.DepositRecord
}

// NewMonitor creates a deposit monitor. markers may be nil.
func NewMonitor(chain domain.ChainID, source ChainSource, deposits storage.DepositRepository, markers SeenMarker, cfg Config, log *slog.Logger) *Monitor {
	if cfg.WindowSize == 0 {
		cfg.WindowSize = 200
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 256
	}
	if log == nil {
		log = slog.Default()
	}
	return &Monitor{
		chain:    chain,
		source:   source,
		deposits: deposits,
		markers:  markers,
		cfg:      cfg,
		log:      log,
		records:  make(chan *domain.DepositRecord, cfg.BufferSize),
	}
}

// Records is the delivery channel. Consumers must de-duplicate on
// DedupeKey; redelivery happens after crashes and reorg-safe rescans.
func (m *Monitor) Records() <-chan *domain.DepositRecord {
	return m.records
}

// Run scans until the context is cancelled. The records channel is
// closed on return.
func (m *Monitor) Run(ctx context.Context) error {
	defer close(m.records)

	cursor, err := m.deposits.GetCursor(ctx, m.chain)
	if err != nil {
		if !errors.Is(err, storage.ErrCursorNotFound) {
			return fmt.Errorf("load deposit cursor: %w", err)
		}
		cursor = m.cfg.StartBlock
		m.log.Info("no deposit cursor, starting fresh", "chain", m.chain, "start_block", cursor)
	} else {
		m.log.Info("resuming deposit scan", "chain", m.chain, "cursor", cursor)
	}

	// Deposits persisted before a crash may never have reached the
	// crediter, and the seen marker suppresses their rescan delivery.
	// Push them through directly; duplicates die on the idempotency key.
	uncredited, err := m.deposits.ListUncredited(ctx, m.chain)
	if err != nil {
		return fmt.Errorf("list uncredited deposits: %w", err)
	}
	if len(uncredited) > 0 {
		m.log.Info("replaying uncredited deposits", "chain", m.chain, "count", len(uncredited))
	}
	for _, record := range uncredited {
		select {
		case m.records <- record:
		case <-ctx.Done():
			return nil
		}
	}

	for {
		advanced, err := m.scanOnce(ctx, &cursor)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			m.log.Error("deposit scan failed", "chain", m.chain, "cursor", cursor, "error", err)
		}
		if advanced && err == nil {
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(m.cfg.PollInterval):
		}
	}
}

// scanOnce processes at most one window past the cursor. It reports
// whether the cursor advanced.
func (m *Monitor) scanOnce(ctx context.Context, cursor *uint64) (bool, error) {
	head, err := m.source.BlockNumber(ctx)
	if err != nil {
		return false, fmt.Errorf("head: %w", err)
	}
	if head < m.cfg.Finality {
		return false, nil
	}
	safe := head - m.cfg.Finality
	if safe <= *cursor {
		metrics.DepositLag.WithLabelValues(string(m.chain)).Set(0)
		return false, nil
	}
	metrics.DepositLag.WithLabelValues(string(m.chain)).Set(float64(safe - *cursor))

	fromBlock := *cursor + 1
	toBlock := safe
	if toBlock-fromBlock+1 > m.cfg.WindowSize {
		toBlock = fromBlock + m.cfg.WindowSize - 1
	}

	events, err := m.source.TransferLogs(ctx, fromBlock, toBlock, m.cfg.Tokens, m.cfg.Watch)
	if err != nil {
		return false, fmt.Errorf("transfer logs [%d,%d]: %w", fromBlock, toBlock, err)
	}

	for i := range events {
		record := recordFromEvent(&events[i])
		if err := m.deliver(ctx, record); err != nil {
			return false, err
		}
	}

	// Persist and deliver first, cursor last: a crash in between replays
	// the window, which consumers absorb via the dedupe key.
	if err := m.deposits.SaveCursor(ctx, m.chain, toBlock); err != nil {
		return false, fmt.Errorf("save cursor %d: %w", toBlock, err)
	}
	*cursor = toBlock
	return true, nil
}

func (m *Monitor) deliver(ctx context.Context, record *domain.DepositRecord) error {
	if err := m.deposits.SaveRecord(ctx, record); err != nil {
		return fmt.Errorf("save deposit %s: %w", record.DedupeKey(), err)
	}

	if m.markers != nil {
		fresh, err := m.markers.MarkSeen(ctx, record.DedupeKey())
		if err != nil {
			// Marker store down: fall through and deliver anyway, the
			// consumer's idempotency key absorbs the duplicate.
			m.log.Warn("seen marker unavailable", "key", record.DedupeKey(), "error", err)
		} else if !fresh {
			return nil
		}
	}

	metrics.DepositsObserved.WithLabelValues(string(m.chain), record.Token).Inc()
	m.log.Info("deposit observed",
		"chain", m.chain, "token", record.Token, "to", record.ToAddress,
		"amount", record.Amount, "tx", record.TxHash, "log_index", record.LogIndex)

	select {
	case m.records <- record:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func recordFromEvent(ev *domain.TransferEvent) *domain.DepositRecord {
	return &domain.DepositRecord{
		Chain:       ev.Chain,
		Token:       ev.Token,
		FromAddress: ev.From,
		ToAddress:   ev.To,
		Amount:      ev.Amount,
		TxHash:      ev.TxHash,
		LogIndex:    ev.LogIndex,
		BlockNumber: ev.BlockNumber,
	}
}
