package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/parley-ai/parley/internal/config"
	"github.com/parley-ai/parley/internal/memory"
	"github.com/parley-ai/parley/internal/provider"
)

func staticCheck(status Status, detail string) CheckFunc {
	return func(ctx context.Context) (Status, string) {
		return status, detail
	}
}

func TestCheckAggregatesWorstStatus(t *testing.T) {
	cases := []struct {
		name     string
		statuses []Status
		want     Status
	}{
		{"all healthy", []Status{StatusHealthy, StatusHealthy}, StatusHealthy},
		{"one degraded", []Status{StatusHealthy, StatusDegraded}, StatusDegraded},
		{"unhealthy beats degraded", []Status{StatusDegraded, StatusUnhealthy}, StatusUnhealthy},
		{"no checks", nil, StatusHealthy},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			checker := New(Config{Version: "1.0.0"}, nil)
			for i, status := range tc.statuses {
				checker.AddCheck(string(rune('a'+i)), staticCheck(status, ""))
			}
			report := checker.Check(context.Background())
			if report.Status != tc.want {
				t.Errorf("status = %s, want %s", report.Status, tc.want)
			}
			if len(report.Checks) != len(tc.statuses) {
				t.Errorf("checks = %d, want %d", len(report.Checks), len(tc.statuses))
			}
			if report.Version != "1.0.0" {
				t.Errorf("version = %q", report.Version)
			}
		})
	}
}

func TestCheckCachesReport(t *testing.T) {
	now := time.Now()
	checker := New(Config{CacheFor: 10 * time.Second}, nil)
	checker.clock = func() time.Time { return now }

	runs := 0
	checker.AddCheck("counted", func(ctx context.Context) (Status, string) {
		runs++
		return StatusHealthy, ""
	})

	checker.Check(context.Background())
	checker.Check(context.Background())
	if runs != 1 {
		t.Errorf("probe ran %d times inside cache window, want 1", runs)
	}

	now = now.Add(11 * time.Second)
	checker.Check(context.Background())
	if runs != 2 {
		t.Errorf("probe ran %d times after cache expiry, want 2", runs)
	}
}

func TestCheckTimesOutSlowProbe(t *testing.T) {
	checker := New(Config{Timeout: 20 * time.Millisecond}, nil)
	checker.AddCheck("slow", func(ctx context.Context) (Status, string) {
		select {
		case <-time.After(5 * time.Second):
		case <-ctx.Done():
		}
		return StatusHealthy, ""
	})

	report := checker.Check(context.Background())
	if report.Status != StatusUnhealthy {
		t.Errorf("status = %s, want unhealthy", report.Status)
	}
	if report.Checks[0].Detail == "" {
		t.Error("expected timeout detail")
	}
}

func TestReadiness(t *testing.T) {
	degraded := New(Config{}, nil)
	degraded.AddCheck("cache", staticCheck(StatusDegraded, "cache down"))
	if ready, _ := degraded.Readiness(context.Background()); !ready {
		t.Error("degraded service should still be ready")
	}

	unhealthy := New(Config{}, nil)
	unhealthy.AddCheck("provider", staticCheck(StatusUnhealthy, "no client"))
	if ready, _ := unhealthy.Readiness(context.Background()); ready {
		t.Error("unhealthy service should not be ready")
	}
}

func TestLiveness(t *testing.T) {
	checker := New(Config{Version: "2.0.0"}, nil)
	checker.AddCheck("never", func(ctx context.Context) (Status, string) {
		t.Error("liveness must not run dependency probes")
		return StatusUnhealthy, ""
	})

	report := checker.Liveness()
	if report.Status != StatusHealthy {
		t.Errorf("status = %s", report.Status)
	}
	if report.Version != "2.0.0" {
		t.Errorf("version = %q", report.Version)
	}
}

type failingCache struct{}

func (failingCache) Get(ctx context.Context, chatID string) (map[string]any, error) {
	return nil, errors.New("connection refused")
}
func (failingCache) Set(ctx context.Context, chatID string, data map[string]any) error {
	return errors.New("connection refused")
}
func (failingCache) Delete(ctx context.Context, chatID string) error {
	return errors.New("connection refused")
}
func (failingCache) Keys(ctx context.Context) ([]string, error) {
	return nil, errors.New("connection refused")
}
func (failingCache) TTL(ctx context.Context, chatID string) (time.Duration, error) {
	return -1, errors.New("connection refused")
}
func (failingCache) Close() error { return nil }

func TestCacheCheck(t *testing.T) {
	if status, _ := CacheCheck(memory.NewInMemoryCache(time.Hour))(context.Background()); status != StatusHealthy {
		t.Errorf("working cache status = %s", status)
	}
	status, detail := CacheCheck(failingCache{})(context.Background())
	if status != StatusDegraded {
		t.Errorf("failing cache status = %s", status)
	}
	if detail == "" {
		t.Error("expected failure detail")
	}
	if status, _ := CacheCheck(nil)(context.Background()); status != StatusDegraded {
		t.Errorf("nil cache status = %s", status)
	}
}

func TestStoreCheck(t *testing.T) {
	if status, _ := StoreCheck(memory.NewInMemoryStore())(context.Background()); status != StatusHealthy {
		t.Errorf("working store status = %s", status)
	}
	if status, _ := StoreCheck(nil)(context.Background()); status != StatusDegraded {
		t.Errorf("nil store status = %s", status)
	}
}

func TestERPCheckDisabled(t *testing.T) {
	status, detail := ERPCheck(nil)(context.Background())
	if status != StatusHealthy {
		t.Errorf("status = %s", status)
	}
	if detail != "erp disabled" {
		t.Errorf("detail = %q", detail)
	}
}

func TestProviderCheck(t *testing.T) {
	if status, _ := ProviderCheck(nil)(context.Background()); status != StatusUnhealthy {
		t.Errorf("nil registry status = %s", status)
	}

	registry, err := provider.NewRegistryWithFactory(
		config.ModelsConfig{
			Default:   "main",
			Providers: []config.ModelProviderConfig{{Name: "main", Provider: "openai", Model: "gpt-4o", APIKey: "sk-test"}},
		},
		provider.NewClient,
	)
	if err != nil {
		t.Fatalf("NewRegistryWithFactory: %v", err)
	}
	if status, _ := ProviderCheck(registry)(context.Background()); status != StatusHealthy {
		t.Errorf("status = %s", status)
	}
}
