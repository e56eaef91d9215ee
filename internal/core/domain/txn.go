package domain

import (
	"math/big"
	"time"
)

// TxStatus is the lifecycle state of an outbound transaction.
type TxStatus string

const (
	TxStatusBuilding   TxStatus = "building"
	TxStatusSigned     TxStatus = "signed"
	TxStatusSubmitted  TxStatus = "submitted"
	TxStatusConfirming TxStatus = "confirming"
	TxStatusConfirmed  TxStatus = "confirmed"
	TxStatusFailed     TxStatus = "failed"
	TxStatusStuck      TxStatus = "stuck"
)

// PendingTransaction tracks a submitted transaction until it reaches a
// terminal state. BlockNumber/BlockHash record where the transaction was
// observed mined; a reorg clears them and the status returns to confirming.
// IdempotencyKey ties the transaction to the ledger entry its confirmation
// produces, so reconciliation can verify the debit actually landed.
type PendingTransaction struct {
	TxHash         string
	Chain          ChainID
	Address        string
	Nonce          uint64
	Status         TxStatus
	IdempotencyKey string
	BlockNumber    uint64
	BlockHash      string
	Confirmations  uint64
	SubmittedAt    time.Time
}

// TxPayload is an unsigned transaction handed to the custody signer.
// Amounts and fees are decimal strings of base units so the payload
// serializes losslessly.
type TxPayload struct {
	Chain                ChainID `json:"chain"`
	From                 string  `json:"from"`
	To                   string  `json:"to"`
	Value                string  `json:"value"`
	Data                 string  `json:"data"`
	Nonce                uint64  `json:"nonce"`
	GasLimit             uint64  `json:"gas_limit"`
	MaxFeePerGas         string  `json:"max_fee_per_gas"`
	MaxPriorityFeePerGas string  `json:"max_priority_fee_per_gas"`
}

// FeeQuote holds fee parameters from a gas price estimator.
type FeeQuote struct {
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
	GasLimit             uint64
}

// TransferEvent is a decoded token transfer observed on chain.
type TransferEvent struct {
	Chain       ChainID
	Token       string
	From        string
	To          string
	Amount      *big.Int
	TxHash      string
	LogIndex    uint32
	BlockNumber uint64
}
