package evm

import (
	"math/big"
	"strings"
	"testing"
)

func TestParseHexUint(t *testing.T) {
	tests := []struct {
		in      string
		want    uint64
		wantErr bool
	}{
		{"0x0", 0, false},
		{"0x2a", 42, false},
		{"0x112a880", 18_000_000, false},
		{"2a", 42, false},
		{"0x", 0, true},
		{"", 0, true},
		{"0xzz", 0, true},
	}
	for _, tt := range tests {
		got, err := parseHexUint(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseHexUint(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("parseHexUint(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestParseHexBig(t *testing.T) {
	got, err := parseHexBig("0xde0b6b3a7640000")
	if err != nil {
		t.Fatalf("parseHexBig failed: %v", err)
	}
	want, _ := new(big.Int).SetString("1000000000000000000", 10)
	if got.Cmp(want) != 0 {
		t.Errorf("expected %s, got %s", want, got)
	}

	if _, err := parseHexBig("0x"); err == nil {
		t.Error("expected error for empty hex")
	}
	if _, err := parseHexBig("0xnope"); err == nil {
		t.Error("expected error for invalid hex")
	}
}

func TestTopicAddress(t *testing.T) {
	topic := "0x000000000000000000000000A0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"
	want := "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48"
	if got := topicAddress(topic); got != want {
		t.Errorf("topicAddress = %s, want %s", got, want)
	}
}

func TestPadding(t *testing.T) {
	if got := padAddress("0xCCCC567890123456789012345678901234567890"); len(got) != 64 {
		t.Errorf("padAddress length = %d, want 64", len(got))
	}
	if got := padUint(big.NewInt(1)); got != "0000000000000000000000000000000000000000000000000000000000000001" {
		t.Errorf("padUint(1) = %s", got)
	}
	if got := hexUint(255); got != "0xff" {
		t.Errorf("hexUint(255) = %s", got)
	}
}

func TestPaddingOversizedInput(t *testing.T) {
	// Inputs wider than one 32-byte word keep the low word instead of
	// panicking.
	long := "0x" + strings.Repeat("ab", 35)
	got := padAddress(long)
	if len(got) != 64 {
		t.Fatalf("padAddress oversized length = %d, want 64", len(got))
	}
	if got != strings.Repeat("ab", 32) {
		t.Errorf("padAddress oversized = %s", got)
	}

	over := new(big.Int).Lsh(big.NewInt(1), 256) // one bit past uint256
	if got := padUint(over); len(got) != 64 {
		t.Errorf("padUint oversized length = %d, want 64", len(got))
	}
	exact := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
	if got := padUint(exact); got != strings.Repeat("f", 64) {
		t.Errorf("padUint max uint256 = %s", got)
	}
}
