package routing

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stablr/paycore/internal/infra/rpc/provider"
)

func TestBackoffGrowsAndCaps(t *testing.T) {
	p := RetryPolicy{
		MaxAttempts: 5,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    time.Second,
		Multiplier:  2.0,
	}

	if got := p.Backoff(0); got != 100*time.Millisecond {
		t.Errorf("attempt 0: expected 100ms, got %v", got)
	}
	if got := p.Backoff(2); got != 400*time.Millisecond {
		t.Errorf("attempt 2: expected 400ms, got %v", got)
	}
	if got := p.Backoff(10); got != time.Second {
		t.Errorf("attempt 10: expected cap at 1s, got %v", got)
	}
}

func TestBackoffJitterStaysInBounds(t *testing.T) {
	p := RetryPolicy{
		BaseDelay:  100 * time.Millisecond,
		MaxDelay:   time.Second,
		Multiplier: 2.0,
		Jitter:     0.2,
	}

	lo := 80 * time.Millisecond
	hi := 120 * time.Millisecond
	for i := 0; i < 100; i++ {
		d := p.Backoff(0)
		if d < lo || d > hi {
			t.Fatalf("jittered delay %v outside [%v, %v]", d, lo, hi)
		}
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorAction
	}{
		{"method not found", &provider.RPCError{Code: -32601, Message: "method not found"}, ActionFatal},
		{"invalid params", &provider.RPCError{Code: -32602, Message: "invalid params"}, ActionFatal},
		{"execution reverted", &provider.RPCError{Code: 3, Message: "execution reverted"}, ActionFatal},
		{"server-side rpc error", &provider.RPCError{Code: -32000, Message: "header not found"}, ActionRetry},
		{"wrapped rpc error", fmt.Errorf("call: %w", &provider.RPCError{Code: -32700, Message: "parse error"}), ActionFatal},
		{"rate limited", errors.New("rate limited (429), retry after: 2"), ActionFailover},
		{"quota exceeded", errors.New("daily quota exceeded"), ActionFailover},
		{"unauthorized", errors.New("http 401: unauthorized"), ActionFailover},
		{"timeout", errors.New("rpc call: context deadline exceeded"), ActionRetry},
		{"http 503", errors.New("http 503: upstream unavailable"), ActionRetry},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyError(tt.err); got != tt.want {
				t.Errorf("ClassifyError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
