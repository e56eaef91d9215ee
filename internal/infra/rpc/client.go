// Package rpc provides a resilient JSON-RPC client for blockchain networks
// with ranked endpoints, per-endpoint circuit breaking, and failover.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/stablr/paycore/internal/core/domain"
	"github.com/stablr/paycore/internal/infra/rpc/provider"
	"github.com/stablr/paycore/internal/infra/rpc/routing"
	"github.com/stablr/paycore/internal/metrics"
)

// ErrUnavailable is returned only when every configured endpoint for a
// chain is unhealthy or exhausted its retry budget.
var ErrUnavailable = errors.New("rpc: all endpoints unavailable")

// Client executes JSON-RPC calls against a ranked endpoint pool.
type Client struct {
	pool   *routing.Pool
	policy routing.RetryPolicy
	log    *slog.Logger
}

// NewClient creates a client over the given pool.
func NewClient(pool *routing.Pool, policy routing.RetryPolicy, log *slog.Logger) *Client {
	if policy.MaxAttempts <= 0 {
		policy = routing.DefaultRetryPolicy
	}
	if log == nil {
		log = slog.Default()
	}
	return &Client{pool: pool, policy: policy, log: log}
}

// Pool exposes the underlying endpoint pool for health reporting.
func (c *Client) Pool() *routing.Pool { return c.pool }

// Call executes a JSON-RPC call, retrying transient errors with jittered
// exponential backoff and failing over across endpoints in priority order.
func (c *Client) Call(ctx context.Context, chain domain.ChainID, method string, params []any) (json.RawMessage, error) {
	members := c.pool.Ranked(chain)
	if len(members) == 0 {
		return nil, fmt.Errorf("%w: no endpoints for chain %s", ErrUnavailable, chain)
	}

	var lastErr error
	for _, m := range members {
		if !m.Breaker.Allow() {
			metrics.BreakerOpen.WithLabelValues(string(chain), m.Endpoint.Name()).Set(1)
			continue
		}
		metrics.BreakerOpen.WithLabelValues(string(chain), m.Endpoint.Name()).Set(0)

		result, err := c.callEndpoint(ctx, chain, m, method, params)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if routing.ClassifyError(err) == routing.ActionFatal {
			return nil, err
		}
		c.log.Warn("endpoint failed, trying next",
			"chain", chain, "endpoint", m.Endpoint.Name(), "method", method, "error", err)
	}

	if lastErr == nil {
		return nil, fmt.Errorf("%w: chain %s", ErrUnavailable, chain)
	}
	return nil, fmt.Errorf("%w: %w", ErrUnavailable, lastErr)
}

// callEndpoint runs the per-endpoint retry loop.
func (c *Client) callEndpoint(ctx context.Context, chain domain.ChainID, m *routing.Member, method string, params []any) (json.RawMessage, error) {
	var lastErr error
	for attempt := 0; attempt < c.policy.MaxAttempts; attempt++ {
		start := time.Now()
		metrics.RPCCallsTotal.WithLabelValues(string(chain), m.Endpoint.Name(), method).Inc()

		result, err := m.Endpoint.Call(ctx, method, params)
		metrics.RPCLatency.WithLabelValues(string(chain), m.Endpoint.Name(), method).
			Observe(time.Since(start).Seconds())
		if err == nil {
			m.Breaker.RecordSuccess()
			return result, nil
		}

		metrics.RPCErrorsTotal.WithLabelValues(string(chain), m.Endpoint.Name()).Inc()
		lastErr = err

		switch routing.ClassifyError(err) {
		case routing.ActionFatal:
			// The request is bad; the endpoint is fine.
			m.Breaker.RecordSuccess()
			return nil, err
		case routing.ActionFailover:
			m.Breaker.RecordFailure()
			return nil, err
		}

		m.Breaker.RecordFailure()
		if attempt == c.policy.MaxAttempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.policy.Backoff(attempt)):
		}
	}
	return nil, fmt.Errorf("failed after %d attempts: %w", c.policy.MaxAttempts, lastErr)
}

// SubmitTransaction broadcasts a raw signed transaction. Unlike reads, a
// submit is never blindly retried: before any resubmission the client
// checks whether the prior attempt already landed by looking up the
// expected hash. A node rejecting the payload as already known counts as a
// successful broadcast.
func (c *Client) SubmitTransaction(ctx context.Context, chain domain.ChainID, rawTx, expectedHash string) (string, error) {
	var lastErr error
	for attempt := 0; attempt < c.policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			// The prior attempt's outcome is unknown; confirm it did not
			// land before submitting again.
			known, err := c.transactionKnown(ctx, chain, expectedHash)
			if err == nil && known {
				return expectedHash, nil
			}
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(c.policy.Backoff(attempt - 1)):
			}
		}

		result, err := c.broadcast(ctx, chain, rawTx)
		if err == nil {
			var hash string
			if uerr := json.Unmarshal(result, &hash); uerr != nil {
				return expectedHash, nil
			}
			return hash, nil
		}
		lastErr = err

		if isAlreadyKnown(err) {
			return expectedHash, nil
		}
		if isDefiniteRejection(err) {
			if attempt > 0 {
				// A resubmission can be rejected because the original
				// broadcast landed in the meantime.
				if known, kerr := c.transactionKnown(ctx, chain, expectedHash); kerr == nil && known {
					return expectedHash, nil
				}
			}
			return "", err
		}
	}
	return "", fmt.Errorf("submit outcome unknown after %d attempts: %w", c.policy.MaxAttempts, lastErr)
}

// broadcast sends the raw transaction exactly once per endpoint. Submits
// never use the per-endpoint retry loop: duplicating a broadcast is the
// caller's decision, made only after a landed-hash check. A node-level RPC
// error is a verdict on the payload and is returned as-is for
// classification.
func (c *Client) broadcast(ctx context.Context, chain domain.ChainID, rawTx string) (json.RawMessage, error) {
	members := c.pool.Ranked(chain)
	if len(members) == 0 {
		return nil, fmt.Errorf("%w: no endpoints for chain %s", ErrUnavailable, chain)
	}

	var lastErr error
	for _, m := range members {
		if !m.Breaker.Allow() {
			continue
		}

		start := time.Now()
		metrics.RPCCallsTotal.WithLabelValues(string(chain), m.Endpoint.Name(), "eth_sendRawTransaction").Inc()
		result, err := m.Endpoint.Call(ctx, "eth_sendRawTransaction", []any{rawTx})
		metrics.RPCLatency.WithLabelValues(string(chain), m.Endpoint.Name(), "eth_sendRawTransaction").
			Observe(time.Since(start).Seconds())
		if err == nil {
			m.Breaker.RecordSuccess()
			return result, nil
		}

		metrics.RPCErrorsTotal.WithLabelValues(string(chain), m.Endpoint.Name()).Inc()
		lastErr = err

		var rpcErr *provider.RPCError
		if errors.As(err, &rpcErr) {
			// The endpoint answered; only the transaction was refused.
			m.Breaker.RecordSuccess()
			return nil, err
		}

		m.Breaker.RecordFailure()
		c.log.Warn("broadcast failed, trying next endpoint",
			"chain", chain, "endpoint", m.Endpoint.Name(), "error", err)
	}

	if lastErr == nil {
		return nil, fmt.Errorf("%w: chain %s", ErrUnavailable, chain)
	}
	return nil, fmt.Errorf("%w: %w", ErrUnavailable, lastErr)
}

func (c *Client) transactionKnown(ctx context.Context, chain domain.ChainID, hash string) (bool, error) {
	result, err := c.Call(ctx, chain, "eth_getTransactionByHash", []any{hash})
	if err != nil {
		return false, err
	}
	return len(result) > 0 && string(result) != "null", nil
}

// isAlreadyKnown matches node responses meaning the transaction is already
// in the pool or mined; the broadcast succeeded previously.
func isAlreadyKnown(err error) bool {
	var rpcErr *provider.RPCError
	if !errors.As(err, &rpcErr) {
		return false
	}
	msg := strings.ToLower(rpcErr.Message)
	return strings.Contains(msg, "already known") ||
		strings.Contains(msg, "already exists") ||
		strings.Contains(msg, "known transaction")
}

// IsDefiniteRejection reports whether a submit error is a final node
// verdict against the transaction. Callers may safely release the nonce
// and fail the payment; anything else leaves the outcome ambiguous.
func IsDefiniteRejection(err error) bool {
	return isDefiniteRejection(err)
}

// isDefiniteRejection matches node verdicts that the transaction itself is
// invalid and will never be accepted.
func isDefiniteRejection(err error) bool {
	var rpcErr *provider.RPCError
	if !errors.As(err, &rpcErr) {
		return false
	}
	msg := strings.ToLower(rpcErr.Message)
	return strings.Contains(msg, "invalid") ||
		strings.Contains(msg, "nonce too low") ||
		strings.Contains(msg, "insufficient funds") ||
		strings.Contains(msg, "exceeds block gas limit") ||
		strings.Contains(msg, "underpriced")
}
