package backoff

import (
	"testing"
	"time"
)

func TestComputeGrowth(t *testing.T) {
	policy := Policy{Initial: time.Second, Max: 10 * time.Second, Factor: 2}

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 10 * time.Second}, // clamped
		{10, 10 * time.Second},
	}
	for _, tc := range cases {
		got := ComputeWithRand(policy, tc.attempt, 0)
		if got != tc.want {
			t.Errorf("attempt %d: got %v, want %v", tc.attempt, got, tc.want)
		}
	}
}

func TestComputeJitterBounds(t *testing.T) {
	policy := Policy{Initial: time.Second, Max: time.Minute, Factor: 2, Jitter: 0.5}

	lo := ComputeWithRand(policy, 2, 0)
	hi := ComputeWithRand(policy, 2, 0.999)
	if lo != 2*time.Second {
		t.Errorf("zero jitter draw = %v, want 2s", lo)
	}
	if hi <= lo || hi >= 3*time.Second {
		t.Errorf("max jitter draw = %v, want in (2s, 3s)", hi)
	}
}

func TestComputeAttemptFloor(t *testing.T) {
	policy := Policy{Initial: time.Second, Max: 10 * time.Second, Factor: 2}
	if got := ComputeWithRand(policy, 0, 0); got != time.Second {
		t.Errorf("attempt 0 treated as first attempt, got %v", got)
	}
}
