// Package provider implements JSON-RPC endpoint transports.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// RPCError is a JSON-RPC 2.0 error object returned by a node.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// HealthStatus is a snapshot of an endpoint's recent behavior.
type HealthStatus struct {
	Available     bool
	LastSuccessAt time.Time
	LastFailureAt time.Time
	SuccessCount  int
	FailureCount  int
}

// Endpoint is a single JSON-RPC node reached over HTTP.
type Endpoint struct {
	name       string
	url        string
	httpClient *http.Client

	mu     sync.RWMutex
	health HealthStatus
}

// NewEndpoint creates an HTTP JSON-RPC endpoint.
func NewEndpoint(name, url string, timeout time.Duration) *Endpoint {
	return &Endpoint{
		name: name,
		url:  url,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		health: HealthStatus{
			Available:     true,
			LastSuccessAt: time.Now(),
		},
	}
}

// Name returns the configured endpoint name.
func (e *Endpoint) Name() string { return e.name }

// Health returns a copy of the endpoint's health snapshot.
func (e *Endpoint) Health() HealthStatus {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.health
}

// Call makes a single JSON-RPC call. A *RPCError is returned for node-level
// errors so callers can classify by code.
func (e *Endpoint) Call(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	reqBody := map[string]any{
		"jsonrpc": "2.0",
		"method":  method,
		"params":  params,
		"id":      1,
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		e.recordFailure()
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(jsonData))
	if err != nil {
		e.recordFailure()
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		e.recordFailure()
		return nil, fmt.Errorf("rpc call: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		e.recordFailure()
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		e.recordFailure()
		return nil, fmt.Errorf("rate limited (429), retry after: %s", resp.Header.Get("Retry-After"))
	}
	if resp.StatusCode != http.StatusOK {
		e.recordFailure()
		return nil, fmt.Errorf("http %d: %s", resp.StatusCode, string(body))
	}

	var rpcResp struct {
		Result json.RawMessage `json:"result"`
		Error  *RPCError       `json:"error"`
	}
	if err := json.Unmarshal(body, &rpcResp); err != nil {
		e.recordFailure()
		return nil, fmt.Errorf("parse response: %w", err)
	}

	if rpcResp.Error != nil {
		e.recordFailure()
		return nil, rpcResp.Error
	}

	e.recordSuccess()
	return rpcResp.Result, nil
}

func (e *Endpoint) recordSuccess() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.health.Available = true
	e.health.LastSuccessAt = time.Now()
	e.health.SuccessCount++
}

func (e *Endpoint) recordFailure() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.health.LastFailureAt = time.Now()
	e.health.FailureCount++
}
