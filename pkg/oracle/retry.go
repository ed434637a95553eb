package oracle

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

// Backoff strategies.
const (
	BackoffFixed       = "fixed"
	BackoffExponential = "exponential"
)

// RetryPolicy controls re-attempts after TIMEOUT or ERROR outcomes.
// REFUSED is final and never retried.
type RetryPolicy struct {
	MaxRetries  int    `json:"maxRetries"`
	Strategy    string `json:"strategy"`
	BaseDelayMs int64  `json:"baseDelayMs"`
	MaxDelayMs  int64  `json:"maxDelayMs"`
	MaxJitterMs int64  `json:"maxJitterMs"`
}

// DefaultRetryPolicy is 2 retries with exponential backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:  2,
		Strategy:    BackoffExponential,
		BaseDelayMs: 250,
		MaxDelayMs:  5_000,
		MaxJitterMs: 100,
	}
}

// Backoff returns the delay before attempt (0-based attempt index of
// the retry). Jitter is deterministic: a PRF over (seedKey, attempt),
// so replaying a run schedules identically.
func (p RetryPolicy) Backoff(attempt int, seedKey string) time.Duration {
	base := p.BaseDelayMs
	if p.Strategy == BackoffExponential && attempt > 0 {
		shift := attempt
		if shift > 30 {
			shift = 30 // cap exponent to avoid overflow
		}
		base = p.BaseDelayMs << shift
	}
	if p.MaxDelayMs > 0 && base > p.MaxDelayMs {
		base = p.MaxDelayMs
	}
	return time.Duration(base+p.jitter(attempt, seedKey)) * time.Millisecond
}

func (p RetryPolicy) jitter(attempt int, seedKey string) int64 {
	if p.MaxJitterMs <= 0 {
		return 0
	}
	seed := fmt.Sprintf("%s:%d", seedKey, attempt)
	hash := sha256.Sum256([]byte(seed))
	basis := binary.BigEndian.Uint64(hash[:8])
	return int64(basis % uint64(p.MaxJitterMs))
}
