package syncer

import (
	"math"
	"math/rand/v2"
	"time"
)

const jitterRatio = 0.5

// Random supplies uniformly distributed values in [0, 1).
type Random interface {
	Float64() float64
}

// RandomFunc adapts a function to Random.
type RandomFunc func() float64

// Float64 calls f.
func (f RandomFunc) Float64() float64 {
	return f()
}

func defaultRandom() Random {
	return RandomFunc(rand.Float64)
}

// RetryPolicy configures exponential backoff for retryable failures.
type RetryPolicy struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Factor       float64
	MaxRetries   int
}

// DefaultRetryPolicy returns 1s initial delay doubling up to 30s, five retries.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Factor:       2,
		MaxRetries:   5,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	defaults := DefaultRetryPolicy()
	if p == (RetryPolicy{}) {
		return defaults
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = defaults.InitialDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = defaults.MaxDelay
	}
	if p.MaxDelay < p.InitialDelay {
		p.MaxDelay = p.InitialDelay
	}
	if p.Factor < 1 {
		p.Factor = defaults.Factor
	}
	if p.MaxRetries < 0 {
		p.MaxRetries = defaults.MaxRetries
	}
	return p
}

// Delay returns min(MaxDelay, InitialDelay*Factor^retries) plus a jitter of
// up to half that base. A nil random source adds no jitter.
func (p RetryPolicy) Delay(retries int, random Random) time.Duration {
	if retries < 0 {
		retries = 0
	}
	base := float64(p.InitialDelay) * math.Pow(p.Factor, float64(retries))
	if math.IsInf(base, 0) || math.IsNaN(base) || base > float64(p.MaxDelay) {
		base = float64(p.MaxDelay)
	}
	jitter := 0.0
	if random != nil {
		jitter = random.Float64() * jitterRatio * base
	}
	return time.Duration(base + jitter)
}
