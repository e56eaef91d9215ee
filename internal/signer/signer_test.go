package signer

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stablr/paycore/internal/core/domain"
)

func validEnvelope() *SignatureEnvelope {
	return &SignatureEnvelope{
		Version:        EnvelopeVersion,
		Algorithm:      "secp256k1",
		PublicKey:      "0x04aabb",
		Signature:      "0x1c22",
		RawTransaction: "0x02f87001",
		TxHash:         "0x" + strings.Repeat("ab", 32),
	}
}

func TestEnvelopeValidate(t *testing.T) {
	if err := validEnvelope().Validate(); err != nil {
		t.Fatalf("valid envelope rejected: %v", err)
	}

	cases := map[string]func(*SignatureEnvelope){
		"bad version":   func(e *SignatureEnvelope) { e.Version = 2 },
		"no algorithm":  func(e *SignatureEnvelope) { e.Algorithm = "" },
		"no public key": func(e *SignatureEnvelope) { e.PublicKey = "" },
		"no signature":  func(e *SignatureEnvelope) { e.Signature = "" },
		"raw not hex":   func(e *SignatureEnvelope) { e.RawTransaction = "02f870" },
		"raw empty":     func(e *SignatureEnvelope) { e.RawTransaction = "0x" },
		"hash short":    func(e *SignatureEnvelope) { e.TxHash = "0xabcd" },
		"hash not hex":  func(e *SignatureEnvelope) { e.TxHash = "0x" + strings.Repeat("zz", 32) },
	}
	for name, mutate := range cases {
		env := validEnvelope()
		mutate(env)
		if err := env.Validate(); !errors.Is(err, domain.ErrSigningFailed) {
			t.Errorf("%s: expected ErrSigningFailed, got %v", name, err)
		}
	}

	var nilEnv *SignatureEnvelope
	if err := nilEnv.Validate(); !errors.Is(err, domain.ErrSigningFailed) {
		t.Errorf("nil envelope: expected ErrSigningFailed, got %v", err)
	}
}

func signRequest() SignRequest {
	return SignRequest{
		KeyID: "key-1",
		Chain: domain.ChainEthereum,
		Payload: &domain.TxPayload{
			Chain:    domain.ChainEthereum,
			From:     "0xfrom",
			To:       "0xtoken",
			Value:    "0",
			Nonce:    3,
			GasLimit: 90000,
		},
	}
}

func TestTurnkeySign(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/public/v1/submit/sign_transaction" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("X-API-Key") != "secret" {
			t.Error("missing api key header")
		}
		var req turnkeySignRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.SignWith != "key-1" || req.Payload.Nonce != 3 {
			t.Errorf("unexpected request: %+v", req)
		}
		json.NewEncoder(w).Encode(turnkeySignResponse{
			Status:   "completed",
			Envelope: validEnvelope(),
		})
	}))
	defer srv.Close()

	c := NewTurnkeyClient(TurnkeyConfig{BaseURL: srv.URL, APIKey: "secret", OrganizationID: "org"})
	env, err := c.Sign(context.Background(), signRequest())
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if env.TxHash != validEnvelope().TxHash {
		t.Fatalf("unexpected envelope hash %s", env.TxHash)
	}
}

func TestTurnkeySignFailsClosed(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"service error status", func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "internal", http.StatusInternalServerError)
		}},
		{"rejected", func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(turnkeySignResponse{Status: "rejected", Error: "policy"})
		}},
		{"invalid envelope", func(w http.ResponseWriter, r *http.Request) {
			env := validEnvelope()
			env.Signature = ""
			json.NewEncoder(w).Encode(turnkeySignResponse{Status: "completed", Envelope: env})
		}},
		{"garbage body", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("not json"))
		}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(tc.handler)
			defer srv.Close()
			c := NewTurnkeyClient(TurnkeyConfig{BaseURL: srv.URL, APIKey: "secret"})
			env, err := c.Sign(context.Background(), signRequest())
			if !errors.Is(err, domain.ErrSigningFailed) {
				t.Fatalf("expected ErrSigningFailed, got %v", err)
			}
			if env != nil {
				t.Fatal("envelope returned despite failure")
			}
		})
	}
}

func TestFireblocksSignPollsToCompletion(t *testing.T) {
	var polls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v1/transactions":
			json.NewEncoder(w).Encode(fireblocksTxResponse{ID: "tx-9", Status: "SUBMITTED"})
		case r.Method == http.MethodGet && r.URL.Path == "/v1/transactions/tx-9":
			polls++
			if polls < 3 {
				json.NewEncoder(w).Encode(fireblocksTxResponse{ID: "tx-9", Status: "PENDING_SIGNATURE"})
				return
			}
			json.NewEncoder(w).Encode(fireblocksTxResponse{
				ID: "tx-9", Status: "COMPLETED", Envelope: validEnvelope(),
			})
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
	}))
	defer srv.Close()

	c := NewFireblocksClient(FireblocksConfig{
		BaseURL: srv.URL, APIKey: "secret", VaultID: "v1", PollWait: time.Millisecond,
	})
	env, err := c.Sign(context.Background(), signRequest())
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if env.TxHash != validEnvelope().TxHash {
		t.Fatalf("unexpected envelope hash %s", env.TxHash)
	}
	if polls < 3 {
		t.Fatalf("expected at least 3 polls, got %d", polls)
	}
}

func TestFireblocksSignRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			json.NewEncoder(w).Encode(fireblocksTxResponse{ID: "tx-1", Status: "SUBMITTED"})
			return
		}
		json.NewEncoder(w).Encode(fireblocksTxResponse{ID: "tx-1", Status: "REJECTED", Error: "policy"})
	}))
	defer srv.Close()

	c := NewFireblocksClient(FireblocksConfig{
		BaseURL: srv.URL, APIKey: "secret", VaultID: "v1", PollWait: time.Millisecond,
	})
	if _, err := c.Sign(context.Background(), signRequest()); !errors.Is(err, domain.ErrSigningFailed) {
		t.Fatalf("expected ErrSigningFailed, got %v", err)
	}
}
