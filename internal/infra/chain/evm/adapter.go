// Package evm adapts the generic RPC client to the Ethereum JSON-RPC
// surface the payment core needs.
package evm

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/stablr/paycore/internal/core/domain"
	"github.com/stablr/paycore/internal/infra/rpc"
)

// transferTopic is keccak256("Transfer(address,address,uint256)").
const transferTopic = "0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef"

// erc20TransferSelector is the 4-byte selector of transfer(address,uint256).
const erc20TransferSelector = "a9059cbb"

// defaultTransferGasLimit covers an ERC-20 transfer with headroom.
const defaultTransferGasLimit = 90_000

// Adapter executes chain reads and submits for one chain.
type Adapter struct {
	chain  domain.ChainID
	client *rpc.Client
}

// NewAdapter creates an adapter for the given chain.
func NewAdapter(chain domain.ChainID, client *rpc.Client) *Adapter {
	return &Adapter{chain: chain, client: client}
}

// Chain returns the chain this adapter serves.
func (a *Adapter) Chain() domain.ChainID { return a.chain }

// BlockNumber returns the current head height.
func (a *Adapter) BlockNumber(ctx context.Context) (uint64, error) {
	result, err := a.client.Call(ctx, a.chain, "eth_blockNumber", nil)
	if err != nil {
		return 0, fmt.Errorf("eth_blockNumber: %w", err)
	}
	var hex string
	if err := json.Unmarshal(result, &hex); err != nil {
		return 0, fmt.Errorf("invalid block number response: %w", err)
	}
	return parseHexUint(hex)
}

type rawBlock struct {
	Number     string `json:"number"`
	Hash       string `json:"hash"`
	ParentHash string `json:"parentHash"`
	Timestamp  string `json:"timestamp"`
}

func (a *Adapter) decodeBlock(result json.RawMessage) (*domain.Block, error) {
	if len(result) == 0 || string(result) == "null" {
		return nil, nil
	}
	var raw rawBlock
	if err := json.Unmarshal(result, &raw); err != nil {
		return nil, fmt.Errorf("invalid block format: %w", err)
	}
	number, err := parseHexUint(raw.Number)
	if err != nil {
		return nil, err
	}
	ts, _ := parseHexUint(raw.Timestamp)
	return &domain.Block{
		ChainID:    a.chain,
		Number:     number,
		Hash:       raw.Hash,
		ParentHash: raw.ParentHash,
		Timestamp:  ts,
	}, nil
}

// BlockByNumber returns the block at the given height on the currently
// canonical chain, or nil if it does not exist yet.
func (a *Adapter) BlockByNumber(ctx context.Context, number uint64) (*domain.Block, error) {
	result, err := a.client.Call(ctx, a.chain, "eth_getBlockByNumber", []any{hexUint(number), false})
	if err != nil {
		return nil, fmt.Errorf("eth_getBlockByNumber: %w", err)
	}
	return a.decodeBlock(result)
}

// BlockByHash returns the block with the given hash, or nil if unknown.
func (a *Adapter) BlockByHash(ctx context.Context, hash string) (*domain.Block, error) {
	result, err := a.client.Call(ctx, a.chain, "eth_getBlockByHash", []any{hash, false})
	if err != nil {
		return nil, fmt.Errorf("eth_getBlockByHash: %w", err)
	}
	return a.decodeBlock(result)
}

// TransactionKnown reports whether the node knows the transaction (pending
// or mined).
func (a *Adapter) TransactionKnown(ctx context.Context, txHash string) (bool, error) {
	result, err := a.client.Call(ctx, a.chain, "eth_getTransactionByHash", []any{txHash})
	if err != nil {
		return false, fmt.Errorf("eth_getTransactionByHash: %w", err)
	}
	return len(result) > 0 && string(result) != "null", nil
}

type rawReceipt struct {
	TransactionHash string `json:"transactionHash"`
	BlockNumber     string `json:"blockNumber"`
	BlockHash       string `json:"blockHash"`
	Status          string `json:"status"`
	GasUsed         string `json:"gasUsed"`
}

// TransactionReceipt returns the receipt for a mined transaction, or nil
// while it is still pending.
func (a *Adapter) TransactionReceipt(ctx context.Context, txHash string) (*domain.Receipt, error) {
	result, err := a.client.Call(ctx, a.chain, "eth_getTransactionReceipt", []any{txHash})
	if err != nil {
		return nil, fmt.Errorf("eth_getTransactionReceipt: %w", err)
	}
	if len(result) == 0 || string(result) == "null" {
		return nil, nil
	}
	var raw rawReceipt
	if err := json.Unmarshal(result, &raw); err != nil {
		return nil, fmt.Errorf("invalid receipt format: %w", err)
	}
	blockNumber, err := parseHexUint(raw.BlockNumber)
	if err != nil {
		return nil, err
	}
	gasUsed, _ := parseHexUint(raw.GasUsed)
	return &domain.Receipt{
		TxHash:      raw.TransactionHash,
		BlockNumber: blockNumber,
		BlockHash:   raw.BlockHash,
		Success:     raw.Status == "0x1",
		GasUsed:     gasUsed,
	}, nil
}

// PendingNonceAt returns the chain's authoritative next nonce for an
// address, including pending transactions.
func (a *Adapter) PendingNonceAt(ctx context.Context, address string) (uint64, error) {
	result, err := a.client.Call(ctx, a.chain, "eth_getTransactionCount", []any{address, "pending"})
	if err != nil {
		return 0, fmt.Errorf("eth_getTransactionCount: %w", err)
	}
	var hex string
	if err := json.Unmarshal(result, &hex); err != nil {
		return 0, fmt.Errorf("invalid nonce response: %w", err)
	}
	return parseHexUint(hex)
}

// SuggestFees returns EIP-1559 fee parameters, falling back to legacy gas
// price when the chain does not report a priority fee.
func (a *Adapter) SuggestFees(ctx context.Context) (*domain.FeeQuote, error) {
	quote := &domain.FeeQuote{GasLimit: defaultTransferGasLimit}

	tipRes, err := a.client.Call(ctx, a.chain, "eth_maxPriorityFeePerGas", nil)
	if err == nil {
		var tipHex string
		if json.Unmarshal(tipRes, &tipHex) == nil {
			if tip, perr := parseHexBig(tipHex); perr == nil {
				quote.MaxPriorityFeePerGas = tip
			}
		}
	}

	gasRes, err := a.client.Call(ctx, a.chain, "eth_gasPrice", nil)
	if err != nil {
		return nil, fmt.Errorf("eth_gasPrice: %w", err)
	}
	var gasHex string
	if err := json.Unmarshal(gasRes, &gasHex); err != nil {
		return nil, fmt.Errorf("invalid gas price response: %w", err)
	}
	gasPrice, err := parseHexBig(gasHex)
	if err != nil {
		return nil, err
	}

	if quote.MaxPriorityFeePerGas == nil {
		quote.MaxPriorityFeePerGas = new(big.Int).Set(gasPrice)
	}
	// Double the observed price as the fee cap so moderate base fee swings
	// do not strand the transaction.
	quote.MaxFeePerGas = new(big.Int).Mul(gasPrice, big.NewInt(2))
	return quote, nil
}

// SendRawTransaction broadcasts a signed transaction via the client's
// submit path (hash-checked retries, no blind resubmission).
func (a *Adapter) SendRawTransaction(ctx context.Context, rawTx, expectedHash string) (string, error) {
	return a.client.SubmitTransaction(ctx, a.chain, rawTx, expectedHash)
}

type rawLog struct {
	Address     string   `json:"address"`
	Topics      []string `json:"topics"`
	Data        string   `json:"data"`
	BlockNumber string   `json:"blockNumber"`
	TxHash      string   `json:"transactionHash"`
	LogIndex    string   `json:"logIndex"`
	Removed     bool     `json:"removed"`
}

// TransferLogs returns decoded ERC-20 Transfer events for the given token
// contracts over [fromBlock, toBlock]. If watch is non-empty, only events
// whose sender or recipient is in watch are returned.
func (a *Adapter) TransferLogs(ctx context.Context, fromBlock, toBlock uint64, tokens, watch []string) ([]domain.TransferEvent, error) {
	filter := map[string]any{
		"fromBlock": hexUint(fromBlock),
		"toBlock":   hexUint(toBlock),
		"topics":    []any{transferTopic},
	}
	if len(tokens) > 0 {
		filter["address"] = tokens
	}

	result, err := a.client.Call(ctx, a.chain, "eth_getLogs", []any{filter})
	if err != nil {
		return nil, fmt.Errorf("eth_getLogs: %w", err)
	}

	var logs []rawLog
	if err := json.Unmarshal(result, &logs); err != nil {
		return nil, fmt.Errorf("invalid logs format: %w", err)
	}

	watchSet := make(map[string]struct{}, len(watch))
	for _, addr := range watch {
		watchSet[strings.ToLower(addr)] = struct{}{}
	}

	events := make([]domain.TransferEvent, 0, len(logs))
	for _, lg := range logs {
		if lg.Removed || len(lg.Topics) < 3 {
			continue
		}
		from := topicAddress(lg.Topics[1])
		to := topicAddress(lg.Topics[2])
		if len(watchSet) > 0 {
			_, fromWatched := watchSet[from]
			_, toWatched := watchSet[to]
			if !fromWatched && !toWatched {
				continue
			}
		}
		amount, err := parseHexBig(lg.Data)
		if err != nil {
			continue
		}
		blockNumber, err := parseHexUint(lg.BlockNumber)
		if err != nil {
			continue
		}
		logIndex, _ := parseHexUint(lg.LogIndex)
		events = append(events, domain.TransferEvent{
			Chain:       a.chain,
			Token:       strings.ToLower(lg.Address),
			From:        from,
			To:          to,
			Amount:      amount,
			TxHash:      lg.TxHash,
			LogIndex:    uint32(logIndex),
			BlockNumber: blockNumber,
		})
	}
	return events, nil
}

// BuildTransfer constructs an unsigned ERC-20 transfer on this adapter's
// chain.
func (a *Adapter) BuildTransfer(from, token, destination string, amount *big.Int, nonce uint64, fees *domain.FeeQuote) *domain.TxPayload {
	return BuildTransferPayload(a.chain, from, token, destination, amount, nonce, fees)
}

// BuildTransferPayload constructs the unsigned ERC-20 transfer handed to
// the custody signer.
func BuildTransferPayload(chain domain.ChainID, from, token, destination string, amount *big.Int, nonce uint64, fees *domain.FeeQuote) *domain.TxPayload {
	data := "0x" + erc20TransferSelector + padAddress(destination) + padUint(amount)
	gasLimit := fees.GasLimit
	if gasLimit == 0 {
		gasLimit = defaultTransferGasLimit
	}
	return &domain.TxPayload{
		Chain:                chain,
		From:                 strings.ToLower(from),
		To:                   strings.ToLower(token),
		Value:                "0",
		Data:                 data,
		Nonce:                nonce,
		GasLimit:             gasLimit,
		MaxFeePerGas:         fees.MaxFeePerGas.String(),
		MaxPriorityFeePerGas: fees.MaxPriorityFeePerGas.String(),
	}
}
