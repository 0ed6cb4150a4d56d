package syncer

import (
	"testing"
	"time"
)

func fixedRandom(value float64) Random {
	return RandomFunc(func() float64 { return value })
}

func TestDelayStaysWithinJitterBounds(t *testing.T) {
	policy := DefaultRetryPolicy()
	cases := []struct {
		retries int
		minimum time.Duration
		maximum time.Duration
	}{
		{retries: 0, minimum: time.Second, maximum: 1500 * time.Millisecond},
		{retries: 1, minimum: 2 * time.Second, maximum: 3 * time.Second},
		{retries: 3, minimum: 8 * time.Second, maximum: 12 * time.Second},
		{retries: 10, minimum: 30 * time.Second, maximum: 45 * time.Second},
	}
	for _, testCase := range cases {
		for _, sample := range []float64{0, 0.25, 0.5, 0.999999} {
			delay := policy.Delay(testCase.retries, fixedRandom(sample))
			if delay < testCase.minimum || delay >= testCase.maximum {
				t.Fatalf("retries %d sample %v: delay %v outside [%v, %v)", testCase.retries, sample, delay, testCase.minimum, testCase.maximum)
			}
		}
	}
}

func TestDelayWithoutRandomHasNoJitter(t *testing.T) {
	policy := DefaultRetryPolicy()
	if delay := policy.Delay(2, nil); delay != 4*time.Second {
		t.Fatalf("expected 4s, got %v", delay)
	}
	if delay := policy.Delay(-3, nil); delay != time.Second {
		t.Fatalf("expected negative retries to act as zero, got %v", delay)
	}
	if delay := policy.Delay(5000, nil); delay != 30*time.Second {
		t.Fatalf("expected overflowing exponent to cap, got %v", delay)
	}
}

func TestRetryPolicyDefaults(t *testing.T) {
	if policy := (RetryPolicy{}).withDefaults(); policy != DefaultRetryPolicy() {
		t.Fatalf("expected zero policy to take defaults, got %#v", policy)
	}
	policy := RetryPolicy{InitialDelay: 10 * time.Second, MaxDelay: time.Second, Factor: 0.5, MaxRetries: 2}.withDefaults()
	if policy.MaxDelay != 10*time.Second || policy.Factor != 2 || policy.MaxRetries != 2 {
		t.Fatalf("unexpected normalized policy %#v", policy)
	}
}
