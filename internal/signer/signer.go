// Package signer defines the custody signing boundary. Keys never enter
// this process; signing is delegated to an external custody service and
// every response is validated before use. Any doubt about a response
// fails the signing attempt.
package signer

import (
	"context"
	"fmt"
	"strings"

	"github.com/stablr/paycore/internal/core/domain"
)

// EnvelopeVersion is the only envelope version this build accepts.
// Unknown versions are rejected rather than best-effort parsed.
const EnvelopeVersion = 1

// SignRequest asks the custody service to sign one transaction payload
// with the key identified by KeyID.
type SignRequest struct {
	KeyID   string
	Chain   domain.ChainID
	Payload *domain.TxPayload
}

// SignatureEnvelope is the custody service's signed result. The service
// assembles and serializes the final transaction; we carry the raw bytes
// and the expected hash through submission.
type SignatureEnvelope struct {
	Version        int    `json:"version"`
	Algorithm      string `json:"algorithm"`
	PublicKey      string `json:"public_key"`
	Signature      string `json:"signature"`
	RawTransaction string `json:"raw_transaction"`
	TxHash         string `json:"tx_hash"`
}

// Validate rejects envelopes that are malformed, incomplete, or from an
// unsupported version.
func (e *SignatureEnvelope) Validate() error {
	if e == nil {
		return fmt.Errorf("nil envelope: %w", domain.ErrSigningFailed)
	}
	if e.Version != EnvelopeVersion {
		return fmt.Errorf("unsupported envelope version %d: %w", e.Version, domain.ErrSigningFailed)
	}
	if e.Algorithm == "" {
		return fmt.Errorf("envelope missing algorithm: %w", domain.ErrSigningFailed)
	}
	if e.PublicKey == "" {
		return fmt.Errorf("envelope missing public key: %w", domain.ErrSigningFailed)
	}
	if e.Signature == "" {
		return fmt.Errorf("envelope missing signature: %w", domain.ErrSigningFailed)
	}
	if !isHexPayload(e.RawTransaction) {
		return fmt.Errorf("envelope raw transaction not hex: %w", domain.ErrSigningFailed)
	}
	if !isTxHash(e.TxHash) {
		return fmt.Errorf("envelope tx hash malformed: %w", domain.ErrSigningFailed)
	}
	return nil
}

// Signer signs transaction payloads through a custody service.
type Signer interface {
	// Sign requests a signature and returns a validated envelope. Any
	// transport error, service error, or malformed response yields an
	// error wrapping domain.ErrSigningFailed; no partial envelope is
	// ever returned.
	Sign(ctx context.Context, req SignRequest) (*SignatureEnvelope, error)

	// Healthy reports whether the custody service is reachable.
	Healthy(ctx context.Context) error
}

func isHexPayload(s string) bool {
	if !strings.HasPrefix(s, "0x") || len(s) <= 2 || len(s)%2 != 0 {
		return false
	}
	return isHexDigits(s[2:])
}

func isTxHash(s string) bool {
	if !strings.HasPrefix(s, "0x") || len(s) != 66 {
		return false
	}
	return isHexDigits(s[2:])
}

func isHexDigits(s string) bool {
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		case c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}
