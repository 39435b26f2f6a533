// Package ratelimit implements sliding-window rate limiting for assistant
// requests: request counts per minute and hour, token budgets per minute,
// and a concurrency cap, per identity or global.
package ratelimit

import (
	"fmt"
	"sync"
	"time"
)

// Limit kinds reported in ExceededError.Kind.
const (
	KindRequestsPerMinute = "requests_per_minute"
	KindRequestsPerHour   = "requests_per_hour"
	KindTokensPerMinute   = "tokens_per_minute"
	KindConcurrent        = "concurrent"
)

// ExceededError reports a rejected request. RetryAfter is the remainder of
// the violated window, never negative.
type ExceededError struct {
	Kind       string
	RetryAfter time.Duration
	Message    string
}

func (e *ExceededError) Error() string { return e.Message }

// Config configures a Limiter. Zero limits disable the corresponding check.
type Config struct {
	Enabled bool

	RequestsPerMinute int
	RequestsPerHour   int
	TokensPerMinute   int
	MaxConcurrent     int

	// BurstMultiplier scales the admit ceiling for the minute-window
	// request and token checks. It never scales the hour window, and
	// recorded usage is always counted against the base limits.
	BurstMultiplier float64

	// PerUser scopes windows to each identity; when false all identities
	// share one window.
	PerUser bool

	// Clock overrides time.Now for tests.
	Clock func() time.Time
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:           true,
		RequestsPerMinute: 60,
		RequestsPerHour:   1000,
		TokensPerMinute:   100000,
		MaxConcurrent:     10,
		BurstMultiplier:   1.5,
		PerUser:           true,
	}
}

type windowState struct {
	count       int
	tokens      int
	windowStart time.Time
	concurrent  int
}

// Usage is a point-in-time usage snapshot for one identity.
type Usage struct {
	RequestsMinute WindowUsage `json:"requests_minute"`
	RequestsHour   WindowUsage `json:"requests_hour"`
	TokensMinute   WindowUsage `json:"tokens_minute"`
	Concurrent     WindowUsage `json:"concurrent"`
}

// WindowUsage reports used/limit/remaining for one window.
type WindowUsage struct {
	Used      int `json:"used"`
	Limit     int `json:"limit"`
	Remaining int `json:"remaining"`
}

// Limiter applies sliding-window limits. A single mutex guards all window
// maps; every operation is a short critical section.
type Limiter struct {
	config Config

	mu           sync.Mutex
	minuteStates map[string]*windowState
	hourStates   map[string]*windowState
	globalMinute windowState
	globalHour   windowState
	concurrent   map[string]int
	globalSlots  int
}

// New creates a Limiter.
func New(config Config) *Limiter {
	if config.Clock == nil {
		config.Clock = time.Now
	}
	if config.BurstMultiplier < 1 {
		config.BurstMultiplier = 1
	}
	return &Limiter{
		config:       config,
		minuteStates: make(map[string]*windowState),
		hourStates:   make(map[string]*windowState),
		concurrent:   make(map[string]int),
	}
}

// Check verifies that a request for identity fits within all limits.
// Returns nil when admitted, or an *ExceededError naming the first violated
// limit. Check does not record the request; call Record after completion.
// An empty identity maps to "global".
func (l *Limiter) Check(identity string, estimatedTokens int) error {
	if !l.config.Enabled {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.config.Clock()
	identity = normalize(identity)

	l.cleanupLocked(now)

	if err := l.checkConcurrentLocked(identity); err != nil {
		return err
	}
	if err := l.checkRequestsLocked(identity, now); err != nil {
		return err
	}
	if estimatedTokens > 0 {
		if err := l.checkTokensLocked(identity, estimatedTokens, now); err != nil {
			return err
		}
	}
	return nil
}

func (l *Limiter) checkConcurrentLocked(identity string) error {
	if l.config.MaxConcurrent <= 0 {
		return nil
	}
	current := l.globalSlots
	if l.config.PerUser {
		current = l.concurrent[identity]
	}
	if current >= l.config.MaxConcurrent {
		return &ExceededError{
			Kind:       KindConcurrent,
			RetryAfter: time.Second,
			Message:    fmt.Sprintf("too many concurrent requests: %d/%d", current, l.config.MaxConcurrent),
		}
	}
	return nil
}

func (l *Limiter) checkRequestsLocked(identity string, now time.Time) error {
	minute := l.minuteStateLocked(identity)
	if now.Sub(minute.windowStart) >= time.Minute {
		minute.count = 0
		minute.tokens = 0
		minute.windowStart = now
	}
	if l.config.RequestsPerMinute > 0 {
		ceiling := int(float64(l.config.RequestsPerMinute) * l.config.BurstMultiplier)
		if minute.count >= ceiling {
			return &ExceededError{
				Kind:       KindRequestsPerMinute,
				RetryAfter: remaining(now, minute.windowStart, time.Minute),
				Message:    fmt.Sprintf("rate limit exceeded: %d/%d requests per minute", minute.count, l.config.RequestsPerMinute),
			}
		}
	}

	hour := l.hourStateLocked(identity)
	if now.Sub(hour.windowStart) >= time.Hour {
		hour.count = 0
		hour.tokens = 0
		hour.windowStart = now
	}
	if l.config.RequestsPerHour > 0 && hour.count >= l.config.RequestsPerHour {
		return &ExceededError{
			Kind:       KindRequestsPerHour,
			RetryAfter: remaining(now, hour.windowStart, time.Hour),
			Message:    fmt.Sprintf("rate limit exceeded: %d/%d requests per hour", hour.count, l.config.RequestsPerHour),
		}
	}
	return nil
}

func (l *Limiter) checkTokensLocked(identity string, tokens int, now time.Time) error {
	if l.config.TokensPerMinute <= 0 {
		return nil
	}
	minute := l.minuteStateLocked(identity)
	ceiling := int(float64(l.config.TokensPerMinute) * l.config.BurstMultiplier)
	if minute.tokens+tokens > ceiling {
		return &ExceededError{
			Kind:       KindTokensPerMinute,
			RetryAfter: remaining(now, minute.windowStart, time.Minute),
			Message:    fmt.Sprintf("token limit exceeded: %d/%d tokens per minute", minute.tokens+tokens, l.config.TokensPerMinute),
		}
	}
	return nil
}

// Record counts a completed request and its actual token usage against the
// identity's windows.
func (l *Limiter) Record(identity string, tokensUsed int) {
	if !l.config.Enabled {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	identity = normalize(identity)
	minute := l.minuteStateLocked(identity)
	minute.count++
	minute.tokens += tokensUsed
	hour := l.hourStateLocked(identity)
	hour.count++
	hour.tokens += tokensUsed
}

// AcquireSlot takes a concurrency slot for identity. The caller must pair it
// with ReleaseSlot on every exit path.
func (l *Limiter) AcquireSlot(identity string) {
	if !l.config.Enabled {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.config.PerUser {
		l.concurrent[normalize(identity)]++
	} else {
		l.globalSlots++
	}
}

// ReleaseSlot returns a concurrency slot. Releasing more than acquired is a
// no-op; counts never go negative.
func (l *Limiter) ReleaseSlot(identity string) {
	if !l.config.Enabled {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.config.PerUser {
		id := normalize(identity)
		if l.concurrent[id] > 0 {
			l.concurrent[id]--
		}
	} else if l.globalSlots > 0 {
		l.globalSlots--
	}
}

// Usage returns the current usage snapshot for identity.
func (l *Limiter) Usage(identity string) Usage {
	l.mu.Lock()
	defer l.mu.Unlock()

	identity = normalize(identity)
	minute := windowState{}
	if s, ok := l.minuteStates[identity]; ok {
		minute = *s
	}
	hour := windowState{}
	if s, ok := l.hourStates[identity]; ok {
		hour = *s
	}

	return Usage{
		RequestsMinute: WindowUsage{
			Used:      minute.count,
			Limit:     l.config.RequestsPerMinute,
			Remaining: max(0, l.config.RequestsPerMinute-minute.count),
		},
		RequestsHour: WindowUsage{
			Used:      hour.count,
			Limit:     l.config.RequestsPerHour,
			Remaining: max(0, l.config.RequestsPerHour-hour.count),
		},
		TokensMinute: WindowUsage{
			Used:      minute.tokens,
			Limit:     l.config.TokensPerMinute,
			Remaining: max(0, l.config.TokensPerMinute-minute.tokens),
		},
		Concurrent: WindowUsage{
			Used:  l.concurrent[identity],
			Limit: l.config.MaxConcurrent,
		},
	}
}

// Reset clears limits for one identity, or all state when identity is empty.
func (l *Limiter) Reset(identity string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if identity != "" {
		delete(l.minuteStates, identity)
		delete(l.hourStates, identity)
		delete(l.concurrent, identity)
		return
	}
	l.minuteStates = make(map[string]*windowState)
	l.hourStates = make(map[string]*windowState)
	l.concurrent = make(map[string]int)
	l.globalMinute = windowState{}
	l.globalHour = windowState{}
	l.globalSlots = 0
}

// cleanupLocked drops windows idle for more than twice their length and
// concurrency counters at zero.
func (l *Limiter) cleanupLocked(now time.Time) {
	for k, v := range l.minuteStates {
		if now.Sub(v.windowStart) > 2*time.Minute {
			delete(l.minuteStates, k)
		}
	}
	for k, v := range l.hourStates {
		if now.Sub(v.windowStart) > 2*time.Hour {
			delete(l.hourStates, k)
		}
	}
	for k, v := range l.concurrent {
		if v == 0 {
			delete(l.concurrent, k)
		}
	}
}

func (l *Limiter) minuteStateLocked(identity string) *windowState {
	if !l.config.PerUser {
		return &l.globalMinute
	}
	s, ok := l.minuteStates[identity]
	if !ok {
		s = &windowState{windowStart: l.config.Clock()}
		l.minuteStates[identity] = s
	}
	return s
}

func (l *Limiter) hourStateLocked(identity string) *windowState {
	if !l.config.PerUser {
		return &l.globalHour
	}
	s, ok := l.hourStates[identity]
	if !ok {
		s = &windowState{windowStart: l.config.Clock()}
		l.hourStates[identity] = s
	}
	return s
}

func remaining(now, windowStart time.Time, window time.Duration) time.Duration {
	left := window - now.Sub(windowStart)
	if left < 0 {
		return 0
	}
	return left
}

func normalize(identity string) string {
	if identity == "" {
		return "global"
	}
	return identity
}
