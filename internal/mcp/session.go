// Package mcp provides stateful MCP session management and the ERP tool
// adapter that talks to an external MCP server over OAuth-protected HTTP.
package mcp

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/parley-ai/parley/internal/memory"
	"github.com/parley-ai/parley/internal/observability"
)

// SessionConfig configures MCP session management.
type SessionConfig struct {
	Enabled         bool
	SessionTTL      time.Duration
	PersistSessions bool
	CachePrefix     string
}

// DefaultSessionConfig returns the session management defaults.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		SessionTTL:      time.Hour,
		PersistSessions: true,
		CachePrefix:     "mcp_session:",
	}
}

// SessionState holds the per-chat state of one stateful MCP server,
// including the form context the ERP server threads across tool calls.
type SessionState struct {
	SessionID    string         `json:"session_id"`
	ChatID       string         `json:"chat_id"`
	ServerName   string         `json:"mcp_server_name"`
	UserID       string         `json:"user_id,omitempty"`
	FormContext  map[string]any `json:"form_context"`
	CreatedAt    time.Time      `json:"created_at"`
	LastAccessed time.Time      `json:"last_accessed"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

func (s *SessionState) toDocument() map[string]any {
	b, err := json.Marshal(s)
	if err != nil {
		return nil
	}
	var doc map[string]any
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil
	}
	return doc
}

func sessionFromDocument(doc map[string]any) (*SessionState, error) {
	b, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	var state SessionState
	if err := json.Unmarshal(b, &state); err != nil {
		return nil, err
	}
	if state.FormContext == nil {
		state.FormContext = make(map[string]any)
	}
	return &state, nil
}

// SessionManager tracks MCP sessions across memory, the hot cache and the
// cold store. Sessions are keyed by (chat ID, server name) so one chat can
// hold sessions with several stateful servers at once.
type SessionManager struct {
	config SessionConfig
	cache  memory.Cache
	store  memory.Store
	logger *observability.Logger

	mu       sync.Mutex
	sessions map[string]*SessionState

	clock func() time.Time
}

// NewSessionManager wires the manager. Cache and store may be nil; the
// in-memory session table always works.
func NewSessionManager(config SessionConfig, cache memory.Cache, store memory.Store, logger *observability.Logger) *SessionManager {
	if config.SessionTTL <= 0 {
		config.SessionTTL = time.Hour
	}
	if config.CachePrefix == "" {
		config.CachePrefix = "mcp_session:"
	}
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{Level: "error", Output: io.Discard})
	}
	return &SessionManager{
		config:   config,
		cache:    cache,
		store:    store,
		logger:   logger,
		sessions: make(map[string]*SessionState),
		clock:    time.Now,
	}
}

func (m *SessionManager) cacheKey(chatID, serverName string) string {
	return m.config.CachePrefix + chatID + ":" + serverName
}

// GetOrCreateSession resolves the session for a chat/server pair. Lookup
// order: in-memory table, cache, cold store, new session. Storage failures
// degrade to a fresh session rather than failing the tool call.
func (m *SessionManager) GetOrCreateSession(ctx context.Context, chatID, serverName, userID string) (*SessionState, error) {
	key := m.cacheKey(chatID, serverName)

	m.mu.Lock()
	if session, ok := m.sessions[key]; ok {
		session.LastAccessed = m.clock().UTC()
		m.mu.Unlock()
		return session, nil
	}
	m.mu.Unlock()

	if m.cache != nil {
		cached, err := m.cache.Get(ctx, key)
		if err != nil {
			m.logger.Warn(ctx, "mcp session cache lookup failed", "error", err)
		}
		if cached != nil {
			if session, err := sessionFromDocument(cached); err == nil {
				session.LastAccessed = m.clock().UTC()
				m.remember(key, session)
				m.logger.Debug(ctx, "found mcp session in cache", "session_id", session.SessionID)
				return session, nil
			}
		}
	}

	if m.store != nil && m.config.PersistSessions {
		persisted, err := m.store.Get(ctx, key)
		if err != nil {
			m.logger.Warn(ctx, "mcp session store lookup failed", "error", err)
		}
		if persisted != nil {
			if session, err := sessionFromDocument(persisted); err == nil {
				session.LastAccessed = m.clock().UTC()
				m.remember(key, session)
				if m.cache != nil {
					if err := m.cache.Set(ctx, key, session.toDocument()); err != nil {
						m.logger.Warn(ctx, "failed to warm mcp session cache", "error", err)
					}
				}
				m.logger.Debug(ctx, "found mcp session in cold store", "session_id", session.SessionID)
				return session, nil
			}
		}
	}

	now := m.clock().UTC()
	session := &SessionState{
		SessionID:    uuid.NewString(),
		ChatID:       chatID,
		ServerName:   serverName,
		UserID:       userID,
		FormContext:  make(map[string]any),
		CreatedAt:    now,
		LastAccessed: now,
		Metadata:     make(map[string]any),
	}
	if err := m.SaveSession(ctx, session, m.config.PersistSessions); err != nil {
		m.logger.Warn(ctx, "failed to save new mcp session", "error", err)
	}
	m.logger.Info(ctx, "created new mcp session",
		"session_id", session.SessionID,
		"chat_id", chatID,
		"mcp_server", serverName,
	)
	return session, nil
}

func (m *SessionManager) remember(key string, session *SessionState) {
	m.mu.Lock()
	m.sessions[key] = session
	m.mu.Unlock()
}

// GetSession looks up an active session by its session ID. Only the
// in-memory table is searched; callers holding a chat ID should prefer
// GetOrCreateSession.
func (m *SessionManager) GetSession(sessionID string) *SessionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, session := range m.sessions {
		if session.SessionID == sessionID {
			return session
		}
	}
	return nil
}

// SaveSession writes the session to the in-memory table and the cache, and
// to the cold store when persist is set. Storage failures are logged, not
// returned, except when every tier fails.
func (m *SessionManager) SaveSession(ctx context.Context, session *SessionState, persist bool) error {
	key := m.cacheKey(session.ChatID, session.ServerName)
	session.LastAccessed = m.clock().UTC()
	doc := session.toDocument()

	m.remember(key, session)

	if m.cache != nil {
		if err := m.cache.Set(ctx, key, doc); err != nil {
			m.logger.Warn(ctx, "failed to cache mcp session", "error", err)
		}
	}
	if persist && m.store != nil {
		if err := m.store.Save(ctx, key, doc); err != nil {
			m.logger.Warn(ctx, "failed to persist mcp session", "error", err)
		}
	}
	return nil
}

// UpdateFormContext records field data for a named form in the session,
// marking it as the active form. Used to thread ERP form state across tool
// calls.
func (m *SessionManager) UpdateFormContext(ctx context.Context, sessionID, formName string, fieldData map[string]any) bool {
	session := m.GetSession(sessionID)
	if session == nil {
		m.logger.Warn(ctx, "session not found for form context update", "session_id", sessionID)
		return false
	}

	m.mu.Lock()
	form, _ := session.FormContext[formName].(map[string]any)
	if form == nil {
		form = make(map[string]any)
	}
	for k, v := range fieldData {
		form[k] = v
	}
	session.FormContext[formName] = form
	session.FormContext["_active_form"] = formName
	session.FormContext["_last_update"] = m.clock().UTC().Format(time.RFC3339)
	m.mu.Unlock()

	if err := m.SaveSession(ctx, session, m.config.PersistSessions); err != nil {
		m.logger.Warn(ctx, "failed to save session after form update", "error", err)
	}
	m.logger.Debug(ctx, "updated form context",
		"session_id", sessionID,
		"form_name", formName,
		"field_count", len(fieldData),
	)
	return true
}

// ClearFormContext removes one form from the session, or the whole form
// context when formName is empty.
func (m *SessionManager) ClearFormContext(ctx context.Context, sessionID, formName string) bool {
	session := m.GetSession(sessionID)
	if session == nil {
		return false
	}

	m.mu.Lock()
	if formName != "" {
		delete(session.FormContext, formName)
		if session.FormContext["_active_form"] == formName {
			delete(session.FormContext, "_active_form")
		}
	} else {
		session.FormContext = make(map[string]any)
	}
	m.mu.Unlock()

	if err := m.SaveSession(ctx, session, m.config.PersistSessions); err != nil {
		m.logger.Warn(ctx, "failed to save session after form clear", "error", err)
	}
	return true
}

// BuildKwargs returns the session context arguments injected into every MCP
// tool call for this session.
func (m *SessionManager) BuildKwargs(session *SessionState) map[string]any {
	return map[string]any{
		"session_id":   session.SessionID,
		"user_id":      session.UserID,
		"form_context": session.FormContext,
		"chat_id":      session.ChatID,
	}
}

// DeleteSession removes the session for a chat/server pair from every tier.
func (m *SessionManager) DeleteSession(ctx context.Context, chatID, serverName string) {
	key := m.cacheKey(chatID, serverName)

	m.mu.Lock()
	delete(m.sessions, key)
	m.mu.Unlock()

	if m.cache != nil {
		if err := m.cache.Delete(ctx, key); err != nil {
			m.logger.Warn(ctx, "failed to delete session from cache", "error", err)
		}
	}
	if m.store != nil {
		if err := m.store.Delete(ctx, key); err != nil {
			m.logger.Warn(ctx, "failed to delete session from store", "error", err)
		}
	}
	m.logger.Info(ctx, "deleted mcp session", "chat_id", chatID, "mcp_server", serverName)
}

// ListSessions returns active sessions, optionally filtered by chat ID.
func (m *SessionManager) ListSessions(chatID string) []*SessionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*SessionState
	for _, session := range m.sessions {
		if chatID == "" || session.ChatID == chatID {
			out = append(out, session)
		}
	}
	return out
}

// Close persists all active sessions and clears the table.
func (m *SessionManager) Close(ctx context.Context) {
	m.mu.Lock()
	sessions := make([]*SessionState, 0, len(m.sessions))
	for _, session := range m.sessions {
		sessions = append(sessions, session)
	}
	m.sessions = make(map[string]*SessionState)
	m.mu.Unlock()

	if m.store != nil && m.config.PersistSessions {
		for _, session := range sessions {
			key := m.cacheKey(session.ChatID, session.ServerName)
			if err := m.store.Save(ctx, key, session.toDocument()); err != nil {
				m.logger.Warn(ctx, "failed to persist session on close",
					"session_id", session.SessionID, "error", err)
			}
		}
	}
	m.logger.Info(ctx, "mcp session manager closed")
}
