package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func noSleep(ctx context.Context, d time.Duration) error { return nil }

func TestDoSucceedsAfterFailures(t *testing.T) {
	calls := 0
	cfg := Transient()
	cfg.Sleep = noSleep

	result := Do(context.Background(), cfg, func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})

	if result.Err != nil {
		t.Fatalf("Err = %v, want nil", result.Err)
	}
	if result.Attempts != 3 || calls != 3 {
		t.Errorf("attempts = %d, calls = %d, want 3", result.Attempts, calls)
	}
}

func TestDoExhaustsAttempts(t *testing.T) {
	cfg := Config{MaxAttempts: 3, Sleep: noSleep}
	wantErr := errors.New("still failing")

	result := Do(context.Background(), cfg, func() error { return wantErr })

	if !errors.Is(result.Err, wantErr) {
		t.Errorf("Err = %v, want %v", result.Err, wantErr)
	}
	if result.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", result.Attempts)
	}
}

func TestDoStopsOnPermanent(t *testing.T) {
	calls := 0
	cfg := Config{MaxAttempts: 5, Sleep: noSleep}

	result := Do(context.Background(), cfg, func() error {
		calls++
		return Permanent(errors.New("bad request"))
	})

	if calls != 1 {
		t.Errorf("calls = %d, want 1 (permanent errors are not retried)", calls)
	}
	if !IsPermanent(result.Err) {
		t.Error("result should carry the permanent error")
	}
}

func TestDoRetryableClassifier(t *testing.T) {
	transient := errors.New("connection reset")
	fatal := errors.New("unauthorized")
	cfg := Config{
		MaxAttempts: 4,
		Sleep:       noSleep,
		Retryable:   func(err error) bool { return errors.Is(err, transient) },
	}

	calls := 0
	result := Do(context.Background(), cfg, func() error {
		calls++
		if calls == 2 {
			return fatal
		}
		return transient
	})

	if calls != 2 {
		t.Errorf("calls = %d, want 2 (classifier stops retry)", calls)
	}
	if !errors.Is(result.Err, fatal) {
		t.Errorf("Err = %v, want %v", result.Err, fatal)
	}
}

func TestDoHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := Do(ctx, Config{MaxAttempts: 3, Sleep: noSleep}, func() error {
		t.Fatal("op should not run with cancelled context")
		return nil
	})

	if !errors.Is(result.Err, context.Canceled) {
		t.Errorf("Err = %v, want context.Canceled", result.Err)
	}
}

func TestDoWithValue(t *testing.T) {
	cfg := Config{MaxAttempts: 2, Sleep: noSleep}
	calls := 0

	value, result := DoWithValue(context.Background(), cfg, func() (string, error) {
		calls++
		if calls == 1 {
			return "", errors.New("transient")
		}
		return "ok", nil
	})

	if result.Err != nil || value != "ok" {
		t.Errorf("value = %q, err = %v", value, result.Err)
	}
}
