package signer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/stablr/paycore/internal/core/domain"
)

// FireblocksConfig configures the Fireblocks-style custody client.
type FireblocksConfig struct {
	BaseURL  string        `yaml:"base_url"`
	APIKey   string        `yaml:"api_key"`
	VaultID  string        `yaml:"vault_id"`
	Timeout  time.Duration `yaml:"timeout"`
	PollWait time.Duration `yaml:"poll_wait"`
}

// FireblocksClient signs through a Fireblocks-style custody API. Unlike
// the Turnkey flow, signing is asynchronous: the service returns a
// transaction id that is polled until the signature is ready.
type FireblocksClient struct {
	baseURL    string
	apiKey     string
	vaultID    string
	pollWait   time.Duration
	httpClient *http.Client
}

// NewFireblocksClient creates a custody client for a Fireblocks-style
// service.
func NewFireblocksClient(cfg FireblocksConfig) *FireblocksClient {
	timeout := 30 * time.Second
	if cfg.Timeout > 0 {
		timeout = cfg.Timeout
	}
	pollWait := 500 * time.Millisecond
	if cfg.PollWait > 0 {
		pollWait = cfg.PollWait
	}
	return &FireblocksClient{
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		vaultID:    cfg.VaultID,
		pollWait:   pollWait,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type fireblocksCreateRequest struct {
	VaultID string            `json:"vault_id"`
	AssetID string            `json:"asset_id"`
	KeyID   string            `json:"key_id"`
	Payload *domain.TxPayload `json:"payload"`
}

type fireblocksTxResponse struct {
	ID       string             `json:"id"`
	Status   string             `json:"status"`
	Envelope *SignatureEnvelope `json:"envelope,omitempty"`
	Error    string             `json:"error,omitempty"`
}

// Sign implements Signer. It creates a signing transaction and polls
// until the service reports a terminal status or the context expires.
func (c *FireblocksClient) Sign(ctx context.Context, req SignRequest) (*SignatureEnvelope, error) {
	created, err := c.createTransaction(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("fireblocks create: %v: %w", err, domain.ErrSigningFailed)
	}

	for {
		tx, err := c.getTransaction(ctx, created.ID)
		if err != nil {
			return nil, fmt.Errorf("fireblocks poll %s: %v: %w", created.ID, err, domain.ErrSigningFailed)
		}
		switch tx.Status {
		case "COMPLETED":
			if err := tx.Envelope.Validate(); err != nil {
				return nil, err
			}
			return tx.Envelope, nil
		case "FAILED", "CANCELLED", "REJECTED", "BLOCKED":
			return nil, fmt.Errorf("fireblocks tx %s status %s: %s: %w",
				created.ID, tx.Status, tx.Error, domain.ErrSigningFailed)
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("fireblocks tx %s: %v: %w", created.ID, ctx.Err(), domain.ErrSigningFailed)
		case <-time.After(c.pollWait):
		}
	}
}

// Healthy implements Signer.
func (c *FireblocksClient) Healthy(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/health", nil)
	if err != nil {
		return err
	}
	httpReq.Header.Set("X-API-Key", c.apiKey)
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("fireblocks health check: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fireblocks health status %d", resp.StatusCode)
	}
	return nil
}

func (c *FireblocksClient) createTransaction(ctx context.Context, req SignRequest) (*fireblocksTxResponse, error) {
	body := fireblocksCreateRequest{
		VaultID: c.vaultID,
		AssetID: string(req.Chain),
		KeyID:   req.KeyID,
		Payload: req.Payload,
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	return c.doJSON(ctx, http.MethodPost, "/v1/transactions", bytes.NewReader(data))
}

func (c *FireblocksClient) getTransaction(ctx context.Context, id string) (*fireblocksTxResponse, error) {
	return c.doJSON(ctx, http.MethodGet, "/v1/transactions/"+id, nil)
}

func (c *FireblocksClient) doJSON(ctx context.Context, method, path string, body io.Reader) (*fireblocksTxResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-API-Key", c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, string(raw))
	}
	var tx fireblocksTxResponse
	if err := json.Unmarshal(raw, &tx); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &tx, nil
}
