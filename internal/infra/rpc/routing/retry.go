// Package routing handles endpoint selection, circuit breaking, and retry
// policy for the RPC client.
package routing

import (
	"errors"
	"math"
	"math/rand"
	"strings"
	"time"

	"github.com/stablr/paycore/internal/infra/rpc/provider"
)

// RetryPolicy is an explicit, configurable retry policy value object.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	// Jitter is the fraction of the computed delay randomized away
	// (0.2 = +/-20%).
	Jitter float64
}

// DefaultRetryPolicy provides sensible defaults.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts: 4,
	BaseDelay:   500 * time.Millisecond,
	MaxDelay:    15 * time.Second,
	Multiplier:  2.0,
	Jitter:      0.2,
}

// Backoff returns the jittered delay before the given zero-based attempt.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	mult := p.Multiplier
	if mult <= 0 {
		mult = 2.0
	}
	delay := float64(p.BaseDelay) * math.Pow(mult, float64(attempt))
	if max := float64(p.MaxDelay); p.MaxDelay > 0 && delay > max {
		delay = max
	}
	if p.Jitter > 0 {
		delay += delay * p.Jitter * (2*rand.Float64() - 1)
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// ErrorAction determines how the client reacts to a call error.
type ErrorAction int

const (
	// ActionRetry retries the same endpoint after a backoff.
	ActionRetry ErrorAction = iota

	// ActionFailover moves to the next endpoint immediately.
	ActionFailover

	// ActionFatal aborts the call; the request itself is bad.
	ActionFatal
)

// ClassifyError determines the action for a given call error.
func ClassifyError(err error) ErrorAction {
	if err == nil {
		return ActionRetry
	}

	var rpcErr *provider.RPCError
	if errors.As(err, &rpcErr) {
		switch rpcErr.Code {
		// Parse error, invalid request, method not found, invalid params.
		case -32700, -32600, -32601, -32602:
			return ActionFatal
		}
		// Execution reverts are a node verdict about the request, not
		// endpoint health.
		if rpcErr.Code == 3 {
			return ActionFatal
		}
		return ActionRetry
	}

	s := strings.ToLower(err.Error())
	if strings.Contains(s, "429") || strings.Contains(s, "too many requests") ||
		strings.Contains(s, "rate limit") || strings.Contains(s, "quota") ||
		strings.Contains(s, "forbidden") || strings.Contains(s, "unauthorized") {
		return ActionFailover
	}

	// Network errors, 5xx, timeouts.
	return ActionRetry
}
