package request

import (
	"math"
	"math/rand/v2"
	"time"
)

// Backoff computes retry delays for failed dispatch attempts.
type Backoff struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// Jitter is the upper bound of the random delay added on top. Zero means BaseDelay.
	Jitter time.Duration
}

// NewBackoff creates a policy with jitter up to one base delay.
func NewBackoff(baseDelay, maxDelay time.Duration) Backoff {
	return Backoff{BaseDelay: baseDelay, MaxDelay: maxDelay}
}

// Delay returns min(base * 2^attempts, max) plus random jitter.
// attempts is the number of failures so far, starting at 1.
func (b Backoff) Delay(attempts int) time.Duration {
	return b.capped(attempts) + b.jitter()
}

func (b Backoff) capped(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	multiplier := math.Pow(2, float64(attempts))
	delay := float64(b.BaseDelay) * multiplier
	if b.MaxDelay > 0 && delay > float64(b.MaxDelay) {
		return b.MaxDelay
	}
	return time.Duration(delay)
}

func (b Backoff) jitter() time.Duration {
	limit := b.Jitter
	if limit == 0 {
		limit = b.BaseDelay
	}
	if limit <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(limit)))
}
