// Package health aggregates dependency probes into a single readiness
// report. Checks run concurrently with a shared timeout and results are
// cached briefly so probe storms never amplify load on dependencies.
package health

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/parley-ai/parley/internal/breaker"
	"github.com/parley-ai/parley/internal/mcp"
	"github.com/parley-ai/parley/internal/memory"
	"github.com/parley-ai/parley/internal/observability"
	"github.com/parley-ai/parley/internal/provider"
)

// Status is the aggregate or per-check health state.
type Status string

const (
	// StatusHealthy means the component is fully operational.
	StatusHealthy Status = "healthy"
	// StatusDegraded means the component is impaired but requests can still
	// be served, possibly with reduced capability.
	StatusDegraded Status = "degraded"
	// StatusUnhealthy means the component cannot serve requests.
	StatusUnhealthy Status = "unhealthy"
)

// rank orders statuses for aggregation; the worst one wins.
func rank(s Status) int {
	switch s {
	case StatusUnhealthy:
		return 2
	case StatusDegraded:
		return 1
	default:
		return 0
	}
}

// CheckFunc probes one dependency. It returns the dependency's status and a
// short human-readable detail.
type CheckFunc func(ctx context.Context) (Status, string)

// CheckResult is one dependency's probe outcome.
type CheckResult struct {
	Name      string `json:"name"`
	Status    Status `json:"status"`
	Detail    string `json:"detail,omitempty"`
	LatencyMs int64  `json:"latency_ms"`
}

// Report is the aggregate health of the service.
type Report struct {
	Status        Status        `json:"status"`
	Version       string        `json:"version,omitempty"`
	UptimeSeconds float64       `json:"uptime_seconds"`
	Checks        []CheckResult `json:"checks,omitempty"`
	CheckedAt     time.Time     `json:"checked_at"`
}

// Config configures the checker.
type Config struct {
	// Timeout bounds each individual probe. Default 5s.
	Timeout time.Duration
	// CacheFor is how long a report is reused. Default 10s.
	CacheFor time.Duration
	// Version is reported verbatim.
	Version string
}

type namedCheck struct {
	name string
	run  CheckFunc
}

// Checker runs registered dependency probes and aggregates them.
type Checker struct {
	config    Config
	logger    *observability.Logger
	checks    []namedCheck
	startedAt time.Time
	clock     func() time.Time

	mu       sync.Mutex
	cached   *Report
	cachedAt time.Time
}

// New creates a checker.
func New(config Config, logger *observability.Logger) *Checker {
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Second
	}
	if config.CacheFor <= 0 {
		config.CacheFor = 10 * time.Second
	}
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{Level: "error", Output: io.Discard})
	}
	now := time.Now()
	return &Checker{
		config:    config,
		logger:    logger,
		startedAt: now,
		clock:     time.Now,
	}
}

// AddCheck registers a named probe.
func (c *Checker) AddCheck(name string, run CheckFunc) {
	c.checks = append(c.checks, namedCheck{name: name, run: run})
}

// Check runs all probes concurrently and aggregates the results. A cached
// report is returned while it is still fresh.
func (c *Checker) Check(ctx context.Context) *Report {
	c.mu.Lock()
	if c.cached != nil && c.clock().Sub(c.cachedAt) < c.config.CacheFor {
		report := *c.cached
		c.mu.Unlock()
		return &report
	}
	c.mu.Unlock()

	results := make([]CheckResult, len(c.checks))
	g, gctx := errgroup.WithContext(ctx)
	for i, check := range c.checks {
		g.Go(func() error {
			checkCtx, cancel := context.WithTimeout(gctx, c.config.Timeout)
			defer cancel()

			start := c.clock()
			status, detail := c.runProbe(checkCtx, check)
			results[i] = CheckResult{
				Name:      check.name,
				Status:    status,
				Detail:    detail,
				LatencyMs: c.clock().Sub(start).Milliseconds(),
			}
			return nil
		})
	}
	_ = g.Wait()

	aggregate := StatusHealthy
	for _, result := range results {
		if rank(result.Status) > rank(aggregate) {
			aggregate = result.Status
		}
		if result.Status != StatusHealthy {
			c.logger.Warn(ctx, "health check not healthy",
				"check", result.Name, "status", string(result.Status), "detail", result.Detail)
		}
	}

	now := c.clock()
	report := &Report{
		Status:        aggregate,
		Version:       c.config.Version,
		UptimeSeconds: now.Sub(c.startedAt).Seconds(),
		Checks:        results,
		CheckedAt:     now.UTC(),
	}

	c.mu.Lock()
	c.cached = report
	c.cachedAt = now
	c.mu.Unlock()

	copied := *report
	return &copied
}

// runProbe executes one probe, converting timeouts into unhealthy results.
func (c *Checker) runProbe(ctx context.Context, check namedCheck) (Status, string) {
	type outcome struct {
		status Status
		detail string
	}
	done := make(chan outcome, 1)
	go func() {
		status, detail := check.run(ctx)
		done <- outcome{status, detail}
	}()
	select {
	case <-ctx.Done():
		return StatusUnhealthy, fmt.Sprintf("check timed out after %s", c.config.Timeout)
	case result := <-done:
		return result.status, result.detail
	}
}

// Readiness reports whether the service should receive traffic. Degraded
// still counts as ready.
func (c *Checker) Readiness(ctx context.Context) (bool, *Report) {
	report := c.Check(ctx)
	return report.Status != StatusUnhealthy, report
}

// Liveness reports process liveness without touching dependencies.
func (c *Checker) Liveness() *Report {
	now := c.clock()
	return &Report{
		Status:        StatusHealthy,
		Version:       c.config.Version,
		UptimeSeconds: now.Sub(c.startedAt).Seconds(),
		CheckedAt:     now.UTC(),
	}
}

// CacheCheck probes the hot cache tier. A failing cache degrades the service
// but does not make it unready: histories fall back to the cold store.
func CacheCheck(cache memory.Cache) CheckFunc {
	return func(ctx context.Context) (Status, string) {
		if cache == nil {
			return StatusDegraded, "cache not configured"
		}
		if _, err := cache.Get(ctx, "health-probe"); err != nil {
			return StatusDegraded, fmt.Sprintf("cache unreachable: %v", err)
		}
		return StatusHealthy, ""
	}
}

// StoreCheck probes the cold store tier.
func StoreCheck(store memory.Store) CheckFunc {
	return func(ctx context.Context) (Status, string) {
		if store == nil {
			return StatusDegraded, "persistence not configured"
		}
		if _, err := store.List(ctx, 1); err != nil {
			return StatusDegraded, fmt.Sprintf("cold store unreachable: %v", err)
		}
		return StatusHealthy, ""
	}
}

// ERPCheck probes the ERP adapter. An open circuit or a missing connection
// degrades the service; local tools keep working.
func ERPCheck(erp *mcp.ERPTool) CheckFunc {
	return func(ctx context.Context) (Status, string) {
		if erp == nil {
			return StatusHealthy, "erp disabled"
		}
		if !erp.IsConnected() {
			return StatusDegraded, "erp not connected"
		}
		if erp.Breaker() != nil && erp.Breaker().State() == breaker.StateOpen {
			return StatusDegraded, "erp circuit open"
		}
		return StatusHealthy, ""
	}
}

// ProviderCheck verifies the default model client can be built. Without a
// working model client no question can be answered.
func ProviderCheck(registry *provider.Registry) CheckFunc {
	return func(ctx context.Context) (Status, string) {
		if registry == nil {
			return StatusUnhealthy, "no model providers configured"
		}
		if _, err := registry.Client(""); err != nil {
			return StatusUnhealthy, fmt.Sprintf("default model client: %v", err)
		}
		return StatusHealthy, ""
	}
}
