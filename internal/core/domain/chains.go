package domain

// ChainID identifies a blockchain network (e.g. "1" for Ethereum mainnet,
// "8453" for Base).
type ChainID string

// Common chain IDs.
const (
	ChainEthereum ChainID = "1"
	ChainBase     ChainID = "8453"
	ChainPolygon  ChainID = "137"
)

// Block represents a block header as observed from a node.
type Block struct {
	ChainID    ChainID
	Number     uint64
	Hash       string
	ParentHash string
	Timestamp  uint64
}

// Receipt is the execution result of a mined transaction.
type Receipt struct {
	TxHash      string
	BlockNumber uint64
	BlockHash   string
	Success     bool
	GasUsed     uint64
}
