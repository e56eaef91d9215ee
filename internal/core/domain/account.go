package domain

import "time"

// Account is an internal ledger account bound to a (chain, address) pair.
// Accounts are created on first use and never deleted, only deactivated.
type Account struct {
	ID             string
	Chain          ChainID
	Address        string
	AllowOverdraft bool
	Halted         bool
	Deactivated    bool
	CreatedAt      time.Time
}

// NonceState is the persisted nonce counter for a (chain, address) pair.
// It is mutated only by the nonce manager under an exclusive per-address
// lock. NextNonce is monotonically non-decreasing; a nonce in InFlight is
// never reused while still outstanding.
type NonceState struct {
	Chain     ChainID
	Address   string
	NextNonce uint64
	InFlight  map[uint64]struct{}
}

// InFlightList returns the in-flight nonces in ascending order.
func (s *NonceState) InFlightList() []uint64 {
	out := make([]uint64, 0, len(s.InFlight))
	for n := range s.InFlight {
		out = append(out, n)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j] < out[j-1]; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}
