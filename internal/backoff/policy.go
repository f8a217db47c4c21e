// Package backoff computes exponential retry delays with jitter.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy defines exponential backoff parameters.
type Policy struct {
	Initial time.Duration
	Max     time.Duration
	// Factor multiplies the delay after every attempt.
	Factor float64
	// Jitter is the fraction (0..1) of random extra delay.
	Jitter float64
}

// Delay returns the wait after the given attempt (1-indexed):
// min(Max, Initial*Factor^(attempt-1) * (1 + Jitter*rand)).
func (p Policy) Delay(attempt int) time.Duration {
	return p.delay(attempt, rand.Float64()) // #nosec G404 -- jitter does not need crypto randomness
}

func (p Policy) delay(attempt int, r float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	base := float64(p.Initial) * math.Pow(p.Factor, exp)
	total := base + base*p.Jitter*r
	if p.Max > 0 && total > float64(p.Max) {
		total = float64(p.Max)
	}
	return time.Duration(total)
}

// RequesterPolicy is used between LLM requester retries.
func RequesterPolicy() Policy {
	return Policy{Initial: 500 * time.Millisecond, Max: 8 * time.Second, Factor: 2, Jitter: 0.2}
}

// ReconnectPolicy is used by platform adapters re-establishing connections.
func ReconnectPolicy() Policy {
	return Policy{Initial: time.Second, Max: time.Minute, Factor: 2, Jitter: 0.1}
}
