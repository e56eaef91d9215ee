package domain

import "errors"

// Error kinds surfaced by the payment core. Callers classify failures with
// errors.Is against these sentinels.
var (
	// ErrNonceConflict indicates a duplicate nonce assignment. Correct
	// locking makes this impossible; treat as a bug if it ever surfaces.
	ErrNonceConflict = errors.New("nonce conflict")

	// ErrNonceRecovering rejects allocation while an address reconciles
	// its nonce state with the chain. Retryable once recovery resolves.
	ErrNonceRecovering = errors.New("nonce recovery in progress")

	// ErrInsufficientBalance is a locally rejected debit. Non-retryable.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrSigningFailed is a custody provider failure. Non-retryable for
	// the attempt; the nonce is released.
	ErrSigningFailed = errors.New("signing failed")

	// ErrReorgDetected marks a transaction requeued for reconfirmation.
	ErrReorgDetected = errors.New("reorg detected")

	// ErrLedgerIntegrity is a hash-chain mismatch. Writes to the affected
	// account halt pending manual audit.
	ErrLedgerIntegrity = errors.New("ledger integrity violation")

	// ErrAccountHalted rejects writes to an account halted after an
	// integrity violation.
	ErrAccountHalted = errors.New("account halted")

	// ErrAccountDeactivated rejects operations on a deactivated account.
	ErrAccountDeactivated = errors.New("account deactivated")
)
