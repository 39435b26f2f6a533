package mcp

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"golang.org/x/oauth2"
)

type stubCredential struct {
	tokens []*oauth2.Token
	errs   []error
	calls  int
}

func (c *stubCredential) Token(ctx context.Context) (*oauth2.Token, error) {
	i := c.calls
	c.calls++
	if i < len(c.errs) && c.errs[i] != nil {
		return nil, c.errs[i]
	}
	if i >= len(c.tokens) {
		i = len(c.tokens) - 1
	}
	return c.tokens[i], nil
}

func noSleep(ctx context.Context, d time.Duration) error { return nil }

func testProvider(cred Credential, buffer time.Duration) *TokenProvider {
	p := NewTokenProviderWithCredential(cred, "https://erp.example.com/", buffer, nil)
	p.sleep = noSleep
	return p
}

func TestGetTokenCachesUntilBuffer(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	cred := &stubCredential{tokens: []*oauth2.Token{
		{AccessToken: "tok-1", Expiry: now.Add(time.Hour)},
		{AccessToken: "tok-2", Expiry: now.Add(2 * time.Hour)},
	}}
	p := testProvider(cred, 5*time.Minute)
	p.clock = func() time.Time { return now }

	got, err := p.GetToken(ctx)
	if err != nil {
		t.Fatalf("GetToken: %v", err)
	}
	if got != "tok-1" {
		t.Errorf("token = %q, want tok-1", got)
	}

	// Still valid, no second acquisition.
	got, _ = p.GetToken(ctx)
	if got != "tok-1" || cred.calls != 1 {
		t.Errorf("cached token not reused: %q after %d calls", got, cred.calls)
	}

	// Inside the 5 minute buffer the token counts as expired.
	now = now.Add(56 * time.Minute)
	got, err = p.GetToken(ctx)
	if err != nil {
		t.Fatalf("GetToken after buffer: %v", err)
	}
	if got != "tok-2" || cred.calls != 2 {
		t.Errorf("expected refresh inside buffer, got %q after %d calls", got, cred.calls)
	}
}

func TestRefreshDiscardsCache(t *testing.T) {
	ctx := context.Background()
	cred := &stubCredential{tokens: []*oauth2.Token{
		{AccessToken: "tok-1", Expiry: time.Now().Add(time.Hour)},
		{AccessToken: "tok-2", Expiry: time.Now().Add(time.Hour)},
	}}
	p := testProvider(cred, 5*time.Minute)

	if _, err := p.GetToken(ctx); err != nil {
		t.Fatalf("GetToken: %v", err)
	}
	got, err := p.Refresh(ctx)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if got != "tok-2" || cred.calls != 2 {
		t.Errorf("refresh = %q after %d calls, want tok-2 after 2", got, cred.calls)
	}
}

func TestAcquireRetriesTransientErrors(t *testing.T) {
	ctx := context.Background()
	serverErr := &oauth2.RetrieveError{Response: &http.Response{StatusCode: 503}}
	cred := &stubCredential{
		errs:   []error{serverErr, serverErr},
		tokens: []*oauth2.Token{nil, nil, {AccessToken: "tok-1", Expiry: time.Now().Add(time.Hour)}},
	}
	p := testProvider(cred, 5*time.Minute)

	got, err := p.GetToken(ctx)
	if err != nil {
		t.Fatalf("GetToken: %v", err)
	}
	if got != "tok-1" {
		t.Errorf("token = %q, want tok-1", got)
	}
	if cred.calls != 3 {
		t.Errorf("credential called %d times, want 3", cred.calls)
	}
}

func TestAcquireDoesNotRetryAuthErrors(t *testing.T) {
	ctx := context.Background()
	authErr := &oauth2.RetrieveError{Response: &http.Response{StatusCode: 401}}
	cred := &stubCredential{
		errs:   []error{authErr, authErr, authErr},
		tokens: []*oauth2.Token{nil, nil, nil},
	}
	p := testProvider(cred, 5*time.Minute)

	if _, err := p.GetToken(ctx); err == nil {
		t.Fatal("expected error from auth failure")
	}
	if cred.calls != 1 {
		t.Errorf("credential called %d times, want 1 for permanent error", cred.calls)
	}
	if p.HasCachedToken() {
		t.Error("failed acquisition should not cache a token")
	}
}

func TestIsTransientTokenError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"5xx retrieve", &oauth2.RetrieveError{Response: &http.Response{StatusCode: 502}}, true},
		{"4xx retrieve", &oauth2.RetrieveError{Response: &http.Response{StatusCode: 400}}, false},
		{"deadline", context.DeadlineExceeded, true},
		{"plain", errors.New("boom"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := isTransientTokenError(tc.err); got != tc.want {
				t.Errorf("isTransientTokenError = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestProviderScopeAndClose(t *testing.T) {
	cred := &stubCredential{tokens: []*oauth2.Token{
		{AccessToken: "tok-1", Expiry: time.Now().Add(time.Hour)},
	}}
	p := testProvider(cred, 0)

	if p.Scope() != "https://erp.example.com/.default" {
		t.Errorf("scope = %q", p.Scope())
	}
	if p.EnvironmentURL() != "https://erp.example.com" {
		t.Errorf("environment url = %q", p.EnvironmentURL())
	}

	if _, err := p.GetToken(context.Background()); err != nil {
		t.Fatalf("GetToken: %v", err)
	}
	if !p.HasCachedToken() {
		t.Fatal("token not cached")
	}
	p.Close()
	if p.HasCachedToken() {
		t.Error("Close should drop the cached token")
	}
	if !p.ExpiresAt().IsZero() {
		t.Error("Close should clear expiry")
	}
}
