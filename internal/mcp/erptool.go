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

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/parley-ai/parley/internal/backoff"
	"github.com/parley-ai/parley/internal/breaker"
	"github.com/parley-ai/parley/internal/config"
	"github.com/parley-ai/parley/internal/observability"
)

// ERPToolConfig configures the ERP MCP tool adapter.
type ERPToolConfig struct {
	// Name identifies this MCP server, used in session keys and spans.
	Name string
	// EnvironmentURL is the ERP environment base URL; the MCP endpoint is
	// EnvironmentURL + "/mcp".
	EnvironmentURL string
	Timeouts       TransportTimeouts

	// MaxRetries is the number of retries after the first attempt.
	MaxRetries     int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration

	Breaker breaker.Config
}

// DefaultERPToolConfig returns the production defaults.
func DefaultERPToolConfig() ERPToolConfig {
	return ERPToolConfig{
		Name:           "erp",
		Timeouts:       DefaultTransportTimeouts(),
		MaxRetries:     3,
		RetryBaseDelay: time.Second,
		RetryMaxDelay:  30 * time.Second,
	}
}

// ERPToolConfigFromConfig maps the YAML ERP section onto the adapter config.
func ERPToolConfigFromConfig(cfg config.ERPConfig) ERPToolConfig {
	out := DefaultERPToolConfig()
	out.EnvironmentURL = cfg.EnvironmentURL
	if cfg.ConnectTimeout > 0 {
		out.Timeouts.Connect = cfg.ConnectTimeout
	}
	if cfg.ReadTimeout > 0 {
		out.Timeouts.Read = cfg.ReadTimeout
	}
	if cfg.WriteTimeout > 0 {
		out.Timeouts.Write = cfg.WriteTimeout
	}
	if cfg.PoolTimeout > 0 {
		out.Timeouts.Pool = cfg.PoolTimeout
	}
	if cfg.MaxRetries > 0 {
		out.MaxRetries = cfg.MaxRetries
	}
	if cfg.RetryBaseDelay > 0 {
		out.RetryBaseDelay = cfg.RetryBaseDelay
	}
	if cfg.RetryMaxDelay > 0 {
		out.RetryMaxDelay = cfg.RetryMaxDelay
	}
	out.Breaker = breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		RecoveryTimeout:  cfg.Breaker.RecoveryTimeout,
	}
	return out
}

// SessionConfigFromConfig maps the YAML MCP section onto the session config.
func SessionConfigFromConfig(cfg config.MCPConfig) SessionConfig {
	out := DefaultSessionConfig()
	out.Enabled = cfg.Enabled
	out.PersistSessions = cfg.PersistSessions
	if cfg.SessionTTL > 0 {
		out.SessionTTL = cfg.SessionTTL
	}
	if cfg.CachePrefix != "" {
		out.CachePrefix = cfg.CachePrefix
	}
	return out
}

// ERPTool adapts a stateful ERP MCP server into a tool the agent can call.
// Every call goes through the circuit breaker; inside it, transient
// failures are retried with exponential backoff, a 401 triggers a token
// refresh and retry, and a 429 honors the server's Retry-After.
type ERPTool struct {
	config   ERPToolConfig
	endpoint string

	tokens   *TokenProvider
	sessions *SessionManager
	breaker  *breaker.Breaker

	logger  *observability.Logger
	tracer  *observability.Tracer
	metrics *observability.Metrics

	sleep func(ctx context.Context, d time.Duration) error

	mu        sync.Mutex
	transport Transport
	tools     []ToolInfo
	connected bool
}

// NewERPTool wires the adapter. The session manager is optional; without it
// no session context is injected into calls.
func NewERPTool(
	config ERPToolConfig,
	tokens *TokenProvider,
	sessions *SessionManager,
	logger *observability.Logger,
	tracer *observability.Tracer,
	metrics *observability.Metrics,
) (*ERPTool, error) {
	if config.EnvironmentURL == "" {
		return nil, fmt.Errorf("erp environment url is required")
	}
	if tokens == nil {
		return nil, fmt.Errorf("erp token provider is required")
	}
	if config.Name == "" {
		config.Name = "erp"
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.RetryBaseDelay <= 0 {
		config.RetryBaseDelay = time.Second
	}
	if config.RetryMaxDelay <= 0 {
		config.RetryMaxDelay = 30 * time.Second
	}
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{Level: "error", Output: io.Discard})
	}

	envURL := strings.TrimRight(config.EnvironmentURL, "/")
	return &ERPTool{
		config:   config,
		endpoint: envURL + "/mcp",
		tokens:   tokens,
		sessions: sessions,
		breaker:  breaker.New(config.Breaker),
		logger:   logger,
		tracer:   tracer,
		metrics:  metrics,
		sleep:    sleepContext,
	}, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Connect acquires a token, opens the transport and lists the server's
// tools. Connecting twice is a no-op.
func (t *ERPTool) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.connected {
		return nil
	}

	token, err := t.tokens.GetToken(ctx)
	if err != nil {
		return fmt.Errorf("connect to erp mcp: %w", err)
	}

	transport := t.transport
	if transport == nil {
		transport = newHTTPTransport(t.endpoint, token, t.config.Timeouts)
	} else {
		transport.SetAuthToken(token)
	}

	tools, err := transport.ListTools(ctx)
	if err != nil {
		if t.transport == nil {
			transport.Close()
		}
		return fmt.Errorf("list erp mcp tools: %w", err)
	}

	t.transport = transport
	t.tools = tools
	t.connected = true
	t.logger.Info(ctx, "connected to erp mcp",
		"name", t.config.Name,
		"endpoint", t.endpoint,
		"tool_count", len(tools),
	)
	return nil
}

// SetTransport injects a transport before Connect. Used by tests.
func (t *ERPTool) SetTransport(transport Transport) {
	t.mu.Lock()
	t.transport = transport
	t.mu.Unlock()
}

// Tools returns the tool definitions reported by the server at Connect.
func (t *ERPTool) Tools() []ToolInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]ToolInfo, len(t.tools))
	copy(out, t.tools)
	return out
}

// IsConnected reports whether Connect succeeded.
func (t *ERPTool) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// Endpoint returns the MCP endpoint URL.
func (t *ERPTool) Endpoint() string { return t.endpoint }

// Breaker exposes the circuit breaker, used by health checks.
func (t *ERPTool) Breaker() *breaker.Breaker { return t.breaker }

// Name returns the server name.
func (t *ERPTool) Name() string { return t.config.Name }

// CallTool invokes a named tool on the ERP server. Session context for the
// chat is injected into the arguments, and form context from the result is
// written back to the session.
func (t *ERPTool) CallTool(ctx context.Context, toolName string, arguments map[string]any, chatID, userID string) (map[string]any, error) {
	t.mu.Lock()
	connected := t.connected
	transport := t.transport
	t.mu.Unlock()
	if !connected || transport == nil {
		return nil, fmt.Errorf("not connected to erp mcp, call Connect first")
	}

	spanCtx := ctx
	if t.tracer != nil {
		var span trace.Span
		spanCtx, span = t.tracer.Start(ctx, "erp."+toolName,
			attribute.String("mcp.tool", toolName),
			attribute.String("erp.endpoint", t.endpoint),
		)
		defer span.End()
	}

	start := time.Now()
	var result map[string]any
	err := t.breaker.Do(spanCtx, func(ctx context.Context) error {
		var callErr error
		result, callErr = t.executeWithRetry(ctx, transport, toolName, arguments, chatID, userID)
		return callErr
	})
	duration := time.Since(start)

	status := "ok"
	if err != nil {
		status = "error"
	}
	if t.metrics != nil {
		t.metrics.RecordToolExecution("erp."+toolName, status, duration.Seconds())
		var openErr *breaker.OpenError
		if errors.As(err, &openErr) {
			t.metrics.RecordError("erp_mcp", "circuit_open")
		} else if err != nil {
			t.metrics.RecordError("erp_mcp", "call_failed")
		}
	}
	if err != nil {
		t.logger.Warn(ctx, "erp tool call failed",
			"tool", toolName,
			"chat_id", chatID,
			"duration_ms", duration.Milliseconds(),
			"error", err,
		)
		return nil, err
	}
	return result, nil
}

// executeWithRetry drives the retry loop around a single tool call.
func (t *ERPTool) executeWithRetry(ctx context.Context, transport Transport, toolName string, arguments map[string]any, chatID, userID string) (map[string]any, error) {
	var lastErr error
	for attempt := 0; attempt <= t.config.MaxRetries; attempt++ {
		result, err := t.executeOnce(ctx, transport, toolName, arguments, chatID, userID)
		if err == nil {
			return result, nil
		}
		lastErr = err

		var statusErr *StatusError
		switch {
		case errors.As(err, &statusErr) && statusErr.StatusCode == 401 && attempt < t.config.MaxRetries:
			t.logger.Warn(ctx, "got 401 from erp mcp, refreshing token", "attempt", attempt, "tool", toolName)
			token, refreshErr := t.tokens.Refresh(ctx)
			if refreshErr != nil {
				return nil, fmt.Errorf("refresh token after 401: %w", refreshErr)
			}
			transport.SetAuthToken(token)

		case errors.As(err, &statusErr) && statusErr.StatusCode == 429 && attempt < t.config.MaxRetries:
			retryAfter := statusErr.RetryAfter
			if retryAfter <= 0 {
				retryAfter = 5 * time.Second
			}
			t.logger.Warn(ctx, "rate limited by erp mcp, backing off",
				"attempt", attempt, "retry_after", retryAfter.String(), "tool", toolName)
			if sleepErr := t.sleep(ctx, retryAfter); sleepErr != nil {
				return nil, sleepErr
			}

		case isTransportError(err) && attempt < t.config.MaxRetries:
			delay := backoff.Compute(backoff.Policy{
				Initial: t.config.RetryBaseDelay,
				Max:     t.config.RetryMaxDelay,
				Factor:  2,
			}, attempt+1)
			t.logger.Warn(ctx, "transient erp mcp error, retrying",
				"attempt", attempt, "backoff", delay.String(), "tool", toolName, "error", err)
			if sleepErr := t.sleep(ctx, delay); sleepErr != nil {
				return nil, sleepErr
			}

		default:
			return nil, err
		}
	}
	return nil, lastErr
}

// executeOnce performs one tool call: session kwargs in, form context out.
func (t *ERPTool) executeOnce(ctx context.Context, transport Transport, toolName string, arguments map[string]any, chatID, userID string) (map[string]any, error) {
	callArgs := arguments
	if t.sessions != nil && chatID != "" {
		session, err := t.sessions.GetOrCreateSession(ctx, chatID, t.config.Name, userID)
		if err == nil && session != nil {
			callArgs = make(map[string]any, len(arguments)+4)
			for k, v := range arguments {
				callArgs[k] = v
			}
			for k, v := range t.sessions.BuildKwargs(session) {
				callArgs[k] = v
			}
		}
	}

	result, err := transport.CallTool(ctx, toolName, callArgs)
	if err != nil {
		return nil, err
	}

	if t.sessions != nil && chatID != "" {
		t.processFormContext(ctx, result, chatID)
	}
	return result, nil
}

// processFormContext writes form state from a tool result back into the
// chat's session.
func (t *ERPTool) processFormContext(ctx context.Context, result map[string]any, chatID string) {
	formContext, _ := result["form_context"].(map[string]any)
	formName, _ := result["form_name"].(string)
	if formName == "" {
		formName, _ = result["_form_name"].(string)
	}
	if formContext == nil || formName == "" {
		return
	}

	session, err := t.sessions.GetOrCreateSession(ctx, chatID, t.config.Name, "")
	if err != nil || session == nil {
		return
	}
	t.sessions.UpdateFormContext(ctx, session.SessionID, formName, formContext)
	t.logger.Debug(ctx, "updated erp form context", "form_name", formName, "chat_id", chatID)
}

// isTransportError reports network-level failures worth retrying.
func isTransportError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, context.DeadlineExceeded)
}

// Close shuts down the transport and drops the cached token.
func (t *ERPTool) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	var err error
	if t.transport != nil {
		err = t.transport.Close()
		t.transport = nil
	}
	t.connected = false
	t.tokens.Close()
	t.logger.Info(context.Background(), "erp tool closed", "name", t.config.Name)
	return err
}
