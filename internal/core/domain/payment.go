package domain

import (
	"math/big"
	"strconv"
)

// PaymentStatus is the caller-visible outcome of a payment. A payment is
// never reported as confirmed or failed while the underlying transaction
// state is still ambiguous; ambiguous outcomes surface as pending or stuck.
type PaymentStatus string

const (
	PaymentConfirmed PaymentStatus = "confirmed"
	PaymentFailed    PaymentStatus = "failed"
	PaymentPending   PaymentStatus = "pending"
	PaymentStuck     PaymentStatus = "stuck"
)

// PaymentInstruction is a pre-authorized payment request. Policy and
// compliance evaluation happen upstream and are not re-checked here.
type PaymentInstruction struct {
	AccountID      string
	Destination    string
	Amount         *big.Int
	Token          string
	Chain          ChainID
	Reference      string
	IdempotencyKey string
}

// PaymentResult is returned to the caller for every transfer attempt.
type PaymentResult struct {
	Status        PaymentStatus
	TxHash        string
	LedgerEntryID string
	Confirmations uint64
}

// DepositRecord is an observed inbound transfer to a monitored address.
// Delivery is at-least-once; consumers de-duplicate via DedupeKey.
type DepositRecord struct {
	Chain       ChainID
	Token       string
	FromAddress string
	ToAddress   string
	Amount      *big.Int
	TxHash      string
	LogIndex    uint32
	BlockNumber uint64
}

// DedupeKey is a stable idempotency key for crediting this deposit.
func (d *DepositRecord) DedupeKey() string {
	return "deposit:" + d.TxHash + ":" + strconv.FormatUint(uint64(d.LogIndex), 10)
}
