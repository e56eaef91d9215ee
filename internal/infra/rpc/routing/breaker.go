package routing

import (
	"sync"
	"time"
)

// BreakerConfig tunes the per-endpoint circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before the
	// breaker opens.
	FailureThreshold int

	// Cooldown is how long an open breaker blocks traffic before a
	// half-open probe is allowed through.
	Cooldown time.Duration
}

// DefaultBreakerConfig provides sensible defaults.
var DefaultBreakerConfig = BreakerConfig{
	FailureThreshold: 5,
	Cooldown:         30 * time.Second,
}

// Breaker is a per-endpoint circuit breaker. After FailureThreshold
// consecutive failures it opens for Cooldown; the first call after the
// cooldown passes through as a half-open probe.
type Breaker struct {
	cfg BreakerConfig

	mu               sync.Mutex
	consecutiveFails int
	openUntil        time.Time
	probing          bool
}

// NewBreaker creates a breaker with the given config, applying defaults
// for zero values.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultBreakerConfig.FailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultBreakerConfig.Cooldown
	}
	return &Breaker{cfg: cfg}
}

// Allow reports whether a call may proceed. After the cooldown expires it
// lets a single probe through; further callers are blocked until the probe
// reports an outcome.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.consecutiveFails < b.cfg.FailureThreshold {
		return true
	}
	if time.Now().Before(b.openUntil) {
		return false
	}
	if b.probing {
		return false
	}
	b.probing = true
	return true
}

// Open reports whether the breaker is currently rejecting traffic.
func (b *Breaker) Open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consecutiveFails >= b.cfg.FailureThreshold && time.Now().Before(b.openUntil)
}

// RecordSuccess closes the breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveFails = 0
	b.probing = false
	b.openUntil = time.Time{}
}

// RecordFailure counts a failure and opens the breaker once the threshold
// is reached. A failed half-open probe re-opens for another cooldown.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveFails++
	b.probing = false
	if b.consecutiveFails >= b.cfg.FailureThreshold {
		b.openUntil = time.Now().Add(b.cfg.Cooldown)
	}
}
