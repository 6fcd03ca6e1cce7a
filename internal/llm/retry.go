package llm

import (
	"math/rand"
	"time"
)

// Retry bounds.
const (
	DefaultMaxAttempts = 3
	MaxAttemptsCap     = 5
	defaultBaseDelay   = 500 * time.Millisecond
	defaultMaxDelay    = 8 * time.Second
)

// RetryOptions bounds retry behavior for one ChatCompletion call.
type RetryOptions struct {
	MaxAttempts int           // default 3, capped at 5
	BaseDelay   time.Duration // first backoff step
	MaxDelay    time.Duration // per-attempt delay cap
}

func (r RetryOptions) normalized() RetryOptions {
	if r.MaxAttempts <= 0 {
		r.MaxAttempts = DefaultMaxAttempts
	}
	if r.MaxAttempts > MaxAttemptsCap {
		r.MaxAttempts = MaxAttemptsCap
	}
	if r.BaseDelay <= 0 {
		r.BaseDelay = defaultBaseDelay
	}
	if r.MaxDelay <= 0 {
		r.MaxDelay = defaultMaxDelay
	}
	return r
}

// delay returns the capped exponential backoff with jitter for the given
// attempt number (1-based).
func (r RetryOptions) delay(attempt int) time.Duration {
	d := r.BaseDelay << (attempt - 1)
	if d > r.MaxDelay {
		d = r.MaxDelay
	}
	// Up to 50% jitter to spread thundering herds.
	return d + time.Duration(rand.Int63n(int64(d/2)+1))
}
