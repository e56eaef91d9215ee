package evm

import (
	"fmt"
	"math/big"
	"strings"
)

func parseHexUint(s string) (uint64, error) {
	s = strings.TrimPrefix(s, "0x")
	if s == "" {
		return 0, fmt.Errorf("empty hex string")
	}
	var v uint64
	if _, err := fmt.Sscanf(s, "%x", &v); err != nil {
		return 0, fmt.Errorf("invalid hex %q: %w", s, err)
	}
	return v, nil
}

func parseHexBig(s string) (*big.Int, error) {
	s = strings.TrimPrefix(s, "0x")
	if s == "" {
		return nil, fmt.Errorf("empty hex string")
	}
	v, ok := new(big.Int).SetString(s, 16)
	if !ok {
		return nil, fmt.Errorf("invalid hex %q", s)
	}
	return v, nil
}

func hexUint(v uint64) string {
	return fmt.Sprintf("0x%x", v)
}

// topicAddress extracts the 20-byte address from a 32-byte log topic.
func topicAddress(topic string) string {
	topic = strings.TrimPrefix(topic, "0x")
	if len(topic) < 40 {
		return "0x" + topic
	}
	return "0x" + strings.ToLower(topic[len(topic)-40:])
}

// padAddress left-pads an address to a 32-byte hex word (no 0x prefix).
// Input longer than a word is truncated to its low 32 bytes rather than
// panicking; callers validate addresses before building calldata.
func padAddress(addr string) string {
	addr = strings.ToLower(strings.TrimPrefix(addr, "0x"))
	if len(addr) >= 64 {
		return addr[len(addr)-64:]
	}
	return strings.Repeat("0", 64-len(addr)) + addr
}

// padUint left-pads a big integer to a 32-byte hex word (no 0x prefix).
func padUint(v *big.Int) string {
	s := v.Text(16)
	if len(s) >= 64 {
		return s[len(s)-64:]
	}
	return strings.Repeat("0", 64-len(s)) + s
}
