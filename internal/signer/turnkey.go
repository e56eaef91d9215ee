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

// TurnkeyConfig configures the Turnkey-style custody client.
type TurnkeyConfig struct {
	BaseURL        string        `yaml:"base_url"`
	APIKey         string        `yaml:"api_key"`
	OrganizationID string        `yaml:"organization_id"`
	Timeout        time.Duration `yaml:"timeout"`
}

// TurnkeyClient signs through a Turnkey-style custody HTTP API.
type TurnkeyClient struct {
	baseURL    string
	apiKey     string
	orgID      string
	httpClient *http.Client
}

// NewTurnkeyClient creates a custody client for a Turnkey-style service.
func NewTurnkeyClient(cfg TurnkeyConfig) *TurnkeyClient {
	timeout := 30 * time.Second
	if cfg.Timeout > 0 {
		timeout = cfg.Timeout
	}
	return &TurnkeyClient{
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		orgID:      cfg.OrganizationID,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type turnkeySignRequest struct {
	OrganizationID string            `json:"organization_id"`
	SignWith       string            `json:"sign_with"`
	Chain          string            `json:"chain"`
	Payload        *domain.TxPayload `json:"payload"`
}

type turnkeySignResponse struct {
	Status   string             `json:"status"`
	Envelope *SignatureEnvelope `json:"envelope"`
	Error    string             `json:"error,omitempty"`
}

// Sign implements Signer.
func (c *TurnkeyClient) Sign(ctx context.Context, req SignRequest) (*SignatureEnvelope, error) {
	body := turnkeySignRequest{
		OrganizationID: c.orgID,
		SignWith:       req.KeyID,
		Chain:          string(req.Chain),
		Payload:        req.Payload,
	}

	raw, err := c.post(ctx, "/public/v1/submit/sign_transaction", body)
	if err != nil {
		return nil, fmt.Errorf("turnkey sign request: %v: %w", err, domain.ErrSigningFailed)
	}

	var resp turnkeySignResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("turnkey response decode: %v: %w", err, domain.ErrSigningFailed)
	}
	if resp.Status != "completed" {
		return nil, fmt.Errorf("turnkey sign status %q: %s: %w", resp.Status, resp.Error, domain.ErrSigningFailed)
	}
	if err := resp.Envelope.Validate(); err != nil {
		return nil, err
	}
	return resp.Envelope, nil
}

// Healthy implements Signer.
func (c *TurnkeyClient) Healthy(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/public/v1/health", nil)
	if err != nil {
		return err
	}
	c.setHeaders(httpReq)
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("turnkey health check: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("turnkey health status %d", resp.StatusCode)
	}
	return nil
}

func (c *TurnkeyClient) post(ctx context.Context, path string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	c.setHeaders(httpReq)

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
	return raw, nil
}

func (c *TurnkeyClient) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", c.apiKey)
}
