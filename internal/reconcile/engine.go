// Package reconcile cross-checks the ledger's view of a block window
// against what actually happened on chain. Findings are advisory: the
// report drives alerts and operator review, never automatic corrections.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/stablr/paycore/internal/core/domain"
	"github.com/stablr/paycore/internal/infra/storage"
	"github.com/stablr/paycore/internal/metrics"
)

// ChainSource reads transfer events for the reconciliation window.
type ChainSource interface {
	TransferLogs(ctx context.Context, fromBlock, toBlock uint64, tokens, watch []string) ([]domain.TransferEvent, error)
}

// Config configures a chain's reconciliation scope.
type Config struct {
	// Tokens are the token contracts covered by reconciliation.
	Tokens []string `yaml:"tokens"`

	// Watch are the custody addresses whose activity is reconciled.
	Watch []string `yaml:"watch"`
}

// Engine reconciles one chain.
type Engine struct {
	chain    domain.ChainID
	source   ChainSource
	txs      storage.PendingTxRepository
	deposits storage.DepositRepository
	entries  storage.LedgerRepository
	cfg      Config
	log      *slog.Logger
}

// NewEngine creates a reconciliation engine.
func NewEngine(chain domain.ChainID, source ChainSource, txs storage.PendingTxRepository, deposits storage.DepositRepository, entries storage.LedgerRepository, cfg Config, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		chain:    chain,
		source:   source,
		txs:      txs,
		deposits: deposits,
		entries:  entries,
		cfg:      cfg,
		log:      log,
	}
}

func eventDedupeKey(ev *domain.TransferEvent) string {
	return "deposit:" + ev.TxHash + ":" + strconv.FormatUint(uint64(ev.LogIndex), 10)
}

// Reconcile compares ledger-side claims against chain events over
// [fromBlock, toBlock] and returns a report. Nothing is mutated.
func (e *Engine) Reconcile(ctx context.Context, fromBlock, toBlock uint64) (*domain.ReconciliationReport, error) {
	events, err := e.source.TransferLogs(ctx, fromBlock, toBlock, e.cfg.Tokens, e.cfg.Watch)
	if err != nil {
		return nil, fmt.Errorf("transfer logs [%d,%d]: %w", fromBlock, toBlock, err)
	}

	watchSet := make(map[string]struct{}, len(e.cfg.Watch))
	for _, addr := range e.cfg.Watch {
		watchSet[strings.ToLower(addr)] = struct{}{}
	}

	// Chain-side index: outbound events by tx hash, inbound events by the
	// same dedupe key the deposit monitor assigns.
	outbound := make(map[string]*domain.TransferEvent)
	inbound := make(map[string]*domain.TransferEvent)
	for i := range events {
		ev := &events[i]
		if _, ok := watchSet[ev.From]; ok {
			outbound[ev.TxHash] = ev
		}
		if _, ok := watchSet[ev.To]; ok {
			inbound[eventDedupeKey(ev)] = ev
		}
	}

	report := &domain.ReconciliationReport{
		Chain:      e.chain,
		StartBlock: fromBlock,
		EndBlock:   toBlock,
	}

	// Outbound: every confirmed transfer we recorded must have a chain
	// event and a ledger debit under its idempotency key, and every chain
	// outbound event must be one of ours.
	confirmed, err := e.txs.ListByBlockWindow(ctx, e.chain, fromBlock, toBlock)
	if err != nil {
		return nil, fmt.Errorf("list confirmed txs: %w", err)
	}
	for _, tx := range confirmed {
		ev, ok := outbound[tx.TxHash]
		if !ok {
			e.addDiscrepancy(report, domain.DiscrepancyMissingOnChain, tx.TxHash,
				fmt.Sprintf("confirmed transfer at block %d has no chain event", tx.BlockNumber))
			continue
		}
		delete(outbound, tx.TxHash)

		if tx.IdempotencyKey == "" {
			e.addDiscrepancy(report, domain.DiscrepancyMissingInLedger, tx.TxHash,
				"confirmed transfer carries no idempotency key to locate its debit")
			continue
		}
		entry, err := e.entries.GetByIdempotencyKey(ctx, tx.IdempotencyKey)
		if err != nil {
			return nil, fmt.Errorf("ledger lookup %s: %w", tx.IdempotencyKey, err)
		}
		if entry == nil {
			e.addDiscrepancy(report, domain.DiscrepancyMissingInLedger, tx.TxHash,
				fmt.Sprintf("confirmed transfer %s never debited", tx.IdempotencyKey))
			continue
		}
		if entry.Amount.Cmp(ev.Amount) != 0 {
			e.addDiscrepancy(report, domain.DiscrepancyAmountMismatch, tx.TxHash,
				fmt.Sprintf("ledger amount %s vs chain %s", entry.Amount, ev.Amount))
			continue
		}
		report.MatchedCount++
	}
	for txHash := range outbound {
		e.addDiscrepancy(report, domain.DiscrepancyMissingInLedger, txHash,
			"outbound chain transfer with no recorded transaction")
	}

	// Inbound: every persisted deposit must have its chain event and its
	// ledger credit, with matching amounts.
	records, err := e.deposits.ListRecords(ctx, e.chain, fromBlock, toBlock)
	if err != nil {
		return nil, fmt.Errorf("list deposit records: %w", err)
	}
	for _, record := range records {
		key := record.DedupeKey()
		ev, onChain := inbound[key]
		if !onChain {
			e.addDiscrepancy(report, domain.DiscrepancyMissingOnChain, record.TxHash,
				fmt.Sprintf("deposit record %s has no chain event", key))
			continue
		}
		delete(inbound, key)

		if ev.Amount.Cmp(record.Amount) != 0 {
			e.addDiscrepancy(report, domain.DiscrepancyAmountMismatch, record.TxHash,
				fmt.Sprintf("chain amount %s vs recorded %s", ev.Amount, record.Amount))
			continue
		}

		entry, err := e.entries.GetByIdempotencyKey(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("ledger lookup %s: %w", key, err)
		}
		if entry == nil {
			e.addDiscrepancy(report, domain.DiscrepancyMissingInLedger, record.TxHash,
				fmt.Sprintf("deposit %s never credited", key))
			continue
		}
		if entry.Amount.Cmp(record.Amount) != 0 {
			e.addDiscrepancy(report, domain.DiscrepancyAmountMismatch, record.TxHash,
				fmt.Sprintf("ledger amount %s vs deposit %s", entry.Amount, record.Amount))
			continue
		}
		report.MatchedCount++
	}
	for key, ev := range inbound {
		e.addDiscrepancy(report, domain.DiscrepancyMissingInLedger, ev.TxHash,
			fmt.Sprintf("chain deposit %s never observed", key))
	}

	e.log.Info("reconciliation complete",
		"chain", e.chain, "from", fromBlock, "to", toBlock,
		"matched", report.MatchedCount, "discrepancies", len(report.Discrepancies))
	return report, nil
}

func (e *Engine) addDiscrepancy(report *domain.ReconciliationReport, typ domain.DiscrepancyType, reference, detail string) {
	metrics.ReconcileDiscrepancies.WithLabelValues(string(e.chain), string(typ)).Inc()
	e.log.Warn("reconciliation discrepancy",
		"chain", e.chain, "type", typ, "reference", reference, "detail", detail)
	report.Discrepancies = append(report.Discrepancies, domain.Discrepancy{
		Type:      typ,
		Reference: reference,
		Detail:    detail,
	})
}
