package domain

// DiscrepancyType classifies a reconciliation mismatch.
type DiscrepancyType string

const (
	// DiscrepancyMissingOnChain is a ledger-recorded transfer with no
	// matching on-chain event.
	DiscrepancyMissingOnChain DiscrepancyType = "missing_on_chain"

	// DiscrepancyMissingInLedger is an on-chain transfer with no ledger
	// entry.
	DiscrepancyMissingInLedger DiscrepancyType = "missing_in_ledger"

	// DiscrepancyAmountMismatch is a matched transfer whose amounts differ.
	DiscrepancyAmountMismatch DiscrepancyType = "amount_mismatch"
)

// Discrepancy is a single reconciliation finding. Reference is the
// transaction hash the finding relates to.
type Discrepancy struct {
	Type      DiscrepancyType
	Reference string
	Detail    string
}

// ReconciliationReport is the diagnostic output of one reconciliation run.
// It is advisory only and never treated as ledger truth.
type ReconciliationReport struct {
	Chain         ChainID
	StartBlock    uint64
	EndBlock      uint64
	MatchedCount  int
	Discrepancies []Discrepancy
}
