package ratelimit

import (
	"errors"
	"testing"
	"time"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestLimiter(cfg Config) (*Limiter, *fakeClock) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	cfg.Clock = clock.Now
	return New(cfg), clock
}

func TestCheckAllowsWithinLimits(t *testing.T) {
	l, _ := newTestLimiter(Config{
		Enabled:           true,
		RequestsPerMinute: 5,
		RequestsPerHour:   10,
		TokensPerMinute:   1000,
		MaxConcurrent:     2,
		BurstMultiplier:   1.0,
		PerUser:           true,
	})

	for i := 0; i < 5; i++ {
		if err := l.Check("alice", 100); err != nil {
			t.Fatalf("request %d rejected: %v", i, err)
		}
		l.Record("alice", 100)
	}
}

func TestCheckRejectsMinuteLimit(t *testing.T) {
	l, clock := newTestLimiter(Config{
		Enabled:           true,
		RequestsPerMinute: 2,
		BurstMultiplier:   1.0,
		PerUser:           true,
	})

	l.Record("alice", 0)
	l.Record("alice", 0)
	clock.Advance(10 * time.Second)

	err := l.Check("alice", 0)
	var exceeded *ExceededError
	if !errors.As(err, &exceeded) {
		t.Fatalf("err = %v, want *ExceededError", err)
	}
	if exceeded.Kind != KindRequestsPerMinute {
		t.Errorf("Kind = %s, want %s", exceeded.Kind, KindRequestsPerMinute)
	}
	if exceeded.RetryAfter != 50*time.Second {
		t.Errorf("RetryAfter = %v, want 50s (window remainder)", exceeded.RetryAfter)
	}
}

func TestCheckWindowReset(t *testing.T) {
	l, clock := newTestLimiter(Config{
		Enabled:           true,
		RequestsPerMinute: 1,
		BurstMultiplier:   1.0,
		PerUser:           true,
	})

	l.Record("alice", 0)
	if err := l.Check("alice", 0); err == nil {
		t.Fatal("second request within the window should be rejected")
	}
	clock.Advance(61 * time.Second)
	if err := l.Check("alice", 0); err != nil {
		t.Errorf("request after window reset rejected: %v", err)
	}
}

func TestBurstMultiplierAdmitOnly(t *testing.T) {
	l, _ := newTestLimiter(Config{
		Enabled:           true,
		RequestsPerMinute: 10,
		BurstMultiplier:   1.5,
		PerUser:           true,
	})

	// Burst ceiling admits up to 15 requests in the minute window.
	for i := 0; i < 15; i++ {
		if err := l.Check("alice", 0); err != nil {
			t.Fatalf("burst request %d rejected: %v", i, err)
		}
		l.Record("alice", 0)
	}
	if err := l.Check("alice", 0); err == nil {
		t.Fatal("request 16 should exceed burst ceiling")
	}

	// Usage reports against the base limit, not the burst ceiling.
	usage := l.Usage("alice")
	if usage.RequestsMinute.Used != 15 || usage.RequestsMinute.Limit != 10 {
		t.Errorf("usage = %+v, want used 15 limit 10", usage.RequestsMinute)
	}
	if usage.RequestsMinute.Remaining != 0 {
		t.Errorf("Remaining = %d, want 0", usage.RequestsMinute.Remaining)
	}
}

func TestHourLimitNoBurst(t *testing.T) {
	l, _ := newTestLimiter(Config{
		Enabled:         true,
		RequestsPerHour: 3,
		BurstMultiplier: 2.0,
		PerUser:         true,
	})

	for i := 0; i < 3; i++ {
		l.Record("alice", 0)
	}
	err := l.Check("alice", 0)
	var exceeded *ExceededError
	if !errors.As(err, &exceeded) || exceeded.Kind != KindRequestsPerHour {
		t.Fatalf("err = %v, want hour-limit rejection (burst never applies to the hour window)", err)
	}
}

func TestTokenLimit(t *testing.T) {
	l, _ := newTestLimiter(Config{
		Enabled:         true,
		TokensPerMinute: 1000,
		BurstMultiplier: 1.0,
		PerUser:         true,
	})

	l.Record("alice", 900)
	if err := l.Check("alice", 100); err != nil {
		t.Fatalf("request at exactly the limit rejected: %v", err)
	}
	err := l.Check("alice", 101)
	var exceeded *ExceededError
	if !errors.As(err, &exceeded) || exceeded.Kind != KindTokensPerMinute {
		t.Fatalf("err = %v, want token-limit rejection", err)
	}
}

func TestConcurrencySlots(t *testing.T) {
	l, _ := newTestLimiter(Config{
		Enabled:       true,
		MaxConcurrent: 2,
		PerUser:       true,
	})

	l.AcquireSlot("alice")
	l.AcquireSlot("alice")
	err := l.Check("alice", 0)
	var exceeded *ExceededError
	if !errors.As(err, &exceeded) || exceeded.Kind != KindConcurrent {
		t.Fatalf("err = %v, want concurrency rejection", err)
	}

	// Another identity is unaffected in per-user mode.
	if err := l.Check("bob", 0); err != nil {
		t.Errorf("bob rejected by alice's slots: %v", err)
	}

	l.ReleaseSlot("alice")
	if err := l.Check("alice", 0); err != nil {
		t.Errorf("check after release rejected: %v", err)
	}

	// Over-release never goes negative.
	l.ReleaseSlot("alice")
	l.ReleaseSlot("alice")
	if got := l.Usage("alice").Concurrent.Used; got != 0 {
		t.Errorf("concurrent used = %d after over-release, want 0", got)
	}
}

func TestGlobalMode(t *testing.T) {
	l, _ := newTestLimiter(Config{
		Enabled:           true,
		RequestsPerMinute: 2,
		BurstMultiplier:   1.0,
		PerUser:           false,
	})

	l.Record("alice", 0)
	l.Record("bob", 0)
	if err := l.Check("carol", 0); err == nil {
		t.Fatal("global window should reject carol after alice and bob")
	}
}

func TestDisabledLimiter(t *testing.T) {
	l, _ := newTestLimiter(Config{Enabled: false, RequestsPerMinute: 1})

	for i := 0; i < 10; i++ {
		if err := l.Check("alice", 1000000); err != nil {
			t.Fatalf("disabled limiter rejected request: %v", err)
		}
		l.Record("alice", 1000000)
	}
}

func TestCleanupDropsStaleWindows(t *testing.T) {
	l, clock := newTestLimiter(Config{
		Enabled:           true,
		RequestsPerMinute: 10,
		BurstMultiplier:   1.0,
		PerUser:           true,
	})

	l.Record("alice", 0)
	clock.Advance(3 * time.Minute)
	// Any check triggers cleanup of windows idle beyond twice their length.
	l.Check("bob", 0)

	l.mu.Lock()
	_, ok := l.minuteStates["alice"]
	l.mu.Unlock()
	if ok {
		t.Error("stale minute window for alice not garbage collected")
	}
}

func TestReset(t *testing.T) {
	l, _ := newTestLimiter(Config{
		Enabled:           true,
		RequestsPerMinute: 1,
		BurstMultiplier:   1.0,
		PerUser:           true,
	})

	l.Record("alice", 0)
	if err := l.Check("alice", 0); err == nil {
		t.Fatal("expected rejection before reset")
	}
	l.Reset("alice")
	if err := l.Check("alice", 0); err != nil {
		t.Errorf("check after reset rejected: %v", err)
	}
}
