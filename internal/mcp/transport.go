package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// ToolInfo describes one tool exposed by the MCP server.
type ToolInfo struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// Transport executes raw MCP requests. The production implementation speaks
// JSON-RPC over HTTP; tests script one.
type Transport interface {
	CallTool(ctx context.Context, name string, arguments map[string]any) (map[string]any, error)
	ListTools(ctx context.Context) ([]ToolInfo, error)
	// SetAuthToken replaces the bearer token used on subsequent requests.
	SetAuthToken(token string)
	Close() error
}

// StatusError reports a non-2xx HTTP response from the MCP server.
type StatusError struct {
	StatusCode int
	// RetryAfter carries the Retry-After header on 429 responses.
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("mcp server returned HTTP %d", e.StatusCode)
}

// TransportTimeouts splits the HTTP timeout budget.
type TransportTimeouts struct {
	Connect time.Duration
	Read    time.Duration
	Write   time.Duration
	Pool    time.Duration
}

// DefaultTransportTimeouts returns the production timeout budget.
func DefaultTransportTimeouts() TransportTimeouts {
	return TransportTimeouts{
		Connect: 10 * time.Second,
		Read:    60 * time.Second,
		Write:   10 * time.Second,
		Pool:    5 * time.Second,
	}
}

type jsonRPCRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type jsonRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type jsonRPCResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *jsonRPCError   `json:"error"`
}

// httpTransport is the JSON-RPC over HTTP MCP client.
type httpTransport struct {
	endpoint string
	client   *http.Client
	nextID   atomic.Int64

	mu    sync.RWMutex
	token string
}

func newHTTPTransport(endpoint, token string, timeouts TransportTimeouts) *httpTransport {
	if timeouts.Connect <= 0 {
		timeouts = DefaultTransportTimeouts()
	}
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: timeouts.Connect,
		}).DialContext,
		ResponseHeaderTimeout: timeouts.Read,
		IdleConnTimeout:       timeouts.Pool,
	}
	return &httpTransport{
		endpoint: endpoint,
		token:    token,
		client: &http.Client{
			Transport: transport,
			Timeout:   timeouts.Connect + timeouts.Read + timeouts.Write,
		},
	}
}

func (t *httpTransport) SetAuthToken(token string) {
	t.mu.Lock()
	t.token = token
	t.mu.Unlock()
}

func (t *httpTransport) authToken() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.token
}

func (t *httpTransport) CallTool(ctx context.Context, name string, arguments map[string]any) (map[string]any, error) {
	raw, err := t.call(ctx, "tools/call", map[string]any{
		"name":      name,
		"arguments": arguments,
	})
	if err != nil {
		return nil, err
	}
	var result map[string]any
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode tool result: %w", err)
	}
	return result, nil
}

func (t *httpTransport) ListTools(ctx context.Context) ([]ToolInfo, error) {
	raw, err := t.call(ctx, "tools/list", nil)
	if err != nil {
		return nil, err
	}
	var result struct {
		Tools []ToolInfo `json:"tools"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode tool list: %w", err)
	}
	return result.Tools, nil
}

func (t *httpTransport) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	body, err := json.Marshal(jsonRPCRequest{
		JSONRPC: "2.0",
		ID:      t.nextID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+t.authToken())

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, resp.Body)
		statusErr := &StatusError{StatusCode: resp.StatusCode}
		if resp.StatusCode == http.StatusTooManyRequests {
			if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
				statusErr.RetryAfter = time.Duration(secs) * time.Second
			}
		}
		return nil, statusErr
	}

	var rpcResp jsonRPCResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if rpcResp.Error != nil {
		return nil, fmt.Errorf("mcp error %d: %s", rpcResp.Error.Code, rpcResp.Error.Message)
	}
	return rpcResp.Result, nil
}

func (t *httpTransport) Close() error {
	t.client.CloseIdleConnections()
	return nil
}
