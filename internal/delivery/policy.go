package delivery

import (
	"math"
	"math/rand/v2"
	"time"
)

// Policy bounds the retries spent on one (recipient, item) pair.
type Policy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	// Jitter adds up to 50% of the delay to spread retries against a busy UI.
	Jitter bool
	// ShortCircuit abandons a recipient's remaining items when its first item
	// could never be located.
	ShortCircuit bool
}

// DefaultPolicy returns 3 attempts, 500ms initial delay doubling up to 5s,
// with jitter and short-circuiting enabled.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  3,
		InitialDelay: 500 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
		Jitter:       true,
		ShortCircuit: true,
	}
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.Multiplier < 1 {
		p.Multiplier = 1
	}
	if p.InitialDelay < 0 {
		p.InitialDelay = 0
	}
	return p
}

// Backoff returns the wait after the given failed attempt (1-indexed):
// InitialDelay * Multiplier^(attempt-1), capped at MaxDelay, plus jitter.
func (p Policy) Backoff(attempt int) time.Duration {
	p = p.normalized()
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	base := time.Duration(delay)
	if !p.Jitter || base <= 0 {
		return base
	}
	return base + time.Duration(rand.Int64N(int64(base/2)+1))
}
