package mcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/parley-ai/parley/internal/observability"
	"github.com/parley-ai/parley/internal/retry"
)

// Credential issues OAuth tokens. The production implementation is the
// client-credentials flow against the tenant's token endpoint; tests use a
// stub.
type Credential interface {
	Token(ctx context.Context) (*oauth2.Token, error)
}

type clientSecretCredential struct {
	conf *clientcredentials.Config
}

// NewClientSecretCredential builds a client-credentials flow for the given
// tenant. The scope is the ERP environment URL plus "/.default".
func NewClientSecretCredential(tenantID, clientID, clientSecret, scope string) Credential {
	return &clientSecretCredential{
		conf: &clientcredentials.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			TokenURL:     fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", tenantID),
			Scopes:       []string{scope},
			AuthStyle:    oauth2.AuthStyleInParams,
		},
	}
}

func (c *clientSecretCredential) Token(ctx context.Context) (*oauth2.Token, error) {
	return c.conf.Token(ctx)
}

// TokenProviderConfig configures a TokenProvider.
type TokenProviderConfig struct {
	// EnvironmentURL is the ERP environment base URL; it doubles as the
	// OAuth resource.
	EnvironmentURL string
	TenantID       string
	ClientID       string
	ClientSecret   string
	// RefreshBuffer refreshes the token this long before its actual
	// expiry. Defaults to 5 minutes.
	RefreshBuffer time.Duration
}

// TokenProvider acquires and caches OAuth tokens for the ERP MCP endpoint.
// The cached token is reused until it is within the refresh buffer of
// expiry; refreshes are serialized with double-checked locking so
// concurrent tool calls trigger at most one token request.
type TokenProvider struct {
	credential Credential
	scope      string
	envURL     string
	buffer     time.Duration
	logger     *observability.Logger

	mu        sync.Mutex
	cached    string
	expiresAt time.Time

	clock func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewTokenProvider creates a provider using the client-credentials flow.
func NewTokenProvider(cfg TokenProviderConfig, logger *observability.Logger) (*TokenProvider, error) {
	if cfg.EnvironmentURL == "" {
		return nil, fmt.Errorf("environment url is required")
	}
	envURL := strings.TrimRight(cfg.EnvironmentURL, "/")
	scope := envURL + "/.default"
	return newTokenProvider(
		NewClientSecretCredential(cfg.TenantID, cfg.ClientID, cfg.ClientSecret, scope),
		envURL, scope, cfg.RefreshBuffer, logger,
	), nil
}

// NewTokenProviderWithCredential creates a provider over a caller-supplied
// credential.
func NewTokenProviderWithCredential(credential Credential, environmentURL string, buffer time.Duration, logger *observability.Logger) *TokenProvider {
	envURL := strings.TrimRight(environmentURL, "/")
	return newTokenProvider(credential, envURL, envURL+"/.default", buffer, logger)
}

func newTokenProvider(credential Credential, envURL, scope string, buffer time.Duration, logger *observability.Logger) *TokenProvider {
	if buffer <= 0 {
		buffer = 5 * time.Minute
	}
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{Level: "error", Output: io.Discard})
	}
	return &TokenProvider{
		credential: credential,
		scope:      scope,
		envURL:     envURL,
		buffer:     buffer,
		logger:     logger,
		clock:      time.Now,
	}
}

// GetToken returns a valid access token, acquiring a new one when the cache
// is empty or inside the refresh buffer.
func (p *TokenProvider) GetToken(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.tokenValidLocked() {
		return p.cached, nil
	}
	return p.acquireLocked(ctx)
}

// Refresh discards any cached token and acquires a new one.
func (p *TokenProvider) Refresh(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cached = ""
	p.expiresAt = time.Time{}
	return p.acquireLocked(ctx)
}

func (p *TokenProvider) tokenValidLocked() bool {
	if p.cached == "" || p.expiresAt.IsZero() {
		return false
	}
	return p.clock().Before(p.expiresAt.Add(-p.buffer))
}

func (p *TokenProvider) acquireLocked(ctx context.Context) (string, error) {
	config := retry.Transient()
	config.Retryable = isTransientTokenError
	config.Sleep = p.sleep

	token, result := retry.DoWithValue(ctx, config, func() (*oauth2.Token, error) {
		return p.credential.Token(ctx)
	})
	if result.Err != nil {
		p.logger.Error(ctx, "failed to acquire oauth token",
			"scope", p.scope,
			"attempts", result.Attempts,
			"error", result.Err,
		)
		return "", fmt.Errorf("acquire token for %s: %w", p.scope, result.Err)
	}

	p.cached = token.AccessToken
	p.expiresAt = token.Expiry
	p.logger.Info(ctx, "acquired oauth token",
		"scope", p.scope,
		"expires_at", token.Expiry.UTC().Format(time.RFC3339),
	)
	return p.cached, nil
}

// isTransientTokenError retries network-level failures and 5xx responses
// from the token endpoint; auth failures are permanent.
func isTransientTokenError(err error) bool {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		return retrieveErr.Response != nil && retrieveErr.Response.StatusCode >= 500
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// EnvironmentURL returns the ERP environment base URL.
func (p *TokenProvider) EnvironmentURL() string { return p.envURL }

// Scope returns the OAuth scope.
func (p *TokenProvider) Scope() string { return p.scope }

// ExpiresAt returns the cached token's expiry, zero when nothing is cached.
func (p *TokenProvider) ExpiresAt() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.expiresAt
}

// HasCachedToken reports whether a token is currently cached.
func (p *TokenProvider) HasCachedToken() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cached != ""
}

// Close drops the cached token.
func (p *TokenProvider) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cached = ""
	p.expiresAt = time.Time{}
}
