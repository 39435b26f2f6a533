package memory

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/parley-ai/parley/internal/observability"
	"github.com/parley-ai/parley/pkg/models"
)

// Config configures the chat history manager.
type Config struct {
	// PersistenceEnabled turns the cold store tier on.
	PersistenceEnabled bool
	// CacheTTL is the hot cache entry lifetime.
	CacheTTL time.Duration
	// PersistAt is how long before cache expiry an entry is flushed to the
	// cold store (the N in a "ttl+N" schedule).
	PersistAt time.Duration

	// SummarizationEnabled turns automatic context compaction on.
	SummarizationEnabled bool
	// MaxTokens is the estimated thread size that triggers summarization.
	MaxTokens int
	// SummaryTargetTokens is the requested summary size.
	SummaryTargetTokens int
	// RecentMessagesKept is how many trailing messages survive compaction.
	RecentMessagesKept int
}

// DefaultConfig returns the production memory defaults.
func DefaultConfig() Config {
	return Config{
		CacheTTL:             24 * time.Hour,
		PersistAt:            5 * time.Minute,
		SummarizationEnabled: true,
		MaxTokens:            8000,
		SummaryTargetTokens:  2000,
		RecentMessagesKept:   5,
	}
}

// session tracks one active chat.
type session struct {
	chatID          string
	thread          *Thread
	createdAt       time.Time
	lastAccessed    time.Time
	messageCount    int
	persisted       bool
	summarized      bool
	summaryCount    int
	estimatedTokens int
}

// SessionStats reports the state of an active chat session.
type SessionStats struct {
	ChatID             string `json:"chat_id"`
	CreatedAt          string `json:"created_at"`
	LastAccessed       string `json:"last_accessed"`
	MessageCount       int    `json:"message_count"`
	EstimatedTokens    int    `json:"estimated_tokens"`
	MaxTokens          int    `json:"max_tokens"`
	NeedsSummarization bool   `json:"needs_summarization"`
	Summarized         bool   `json:"summarized"`
	SummaryCount       int    `json:"summary_count"`
	Persisted          bool   `json:"persisted"`
}

// Manager orchestrates chat history across active sessions, the hot cache
// and the cold store.
//
// Lookup order on GetOrCreateThread: active session, cache, cold store, new
// thread. Saves always go to the cache; the cold store is written on demand,
// before cache expiry by the background flush loop, and on Close.
type Manager struct {
	config     Config
	cache      Cache
	store      Store
	logger     *observability.Logger
	metrics    *observability.Metrics
	summarizer *Summarizer

	mu       sync.Mutex
	sessions map[string]*session

	clock   func() time.Time
	stop    chan struct{}
	wg      sync.WaitGroup
	running bool
}

// NewManager wires the manager. A nil store disables persistence regardless
// of config; a nil logger discards logs.
func NewManager(config Config, cache Cache, store Store, logger *observability.Logger, metrics *observability.Metrics) *Manager {
	if cache == nil {
		cache = NewInMemoryCache(config.CacheTTL)
	}
	if store == nil {
		config.PersistenceEnabled = false
	}
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{Level: "error", Output: io.Discard})
	}
	if config.PersistAt <= 0 {
		config.PersistAt = 5 * time.Minute
	}
	return &Manager{
		config:   config,
		cache:    cache,
		store:    store,
		logger:   logger,
		metrics:  metrics,
		sessions: make(map[string]*session),
		clock:    time.Now,
		stop:     make(chan struct{}),
	}
}

// SetSummarizer installs the summarizer used by SummarizeIfNeeded.
func (m *Manager) SetSummarizer(s *Summarizer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.summarizer = s
}

// GetOrCreateThread resolves a chat ID to its thread, restoring from the
// cache or cold store when needed. An empty chat ID creates a new chat with
// a generated UUID. Restores that fail validation fall back to a fresh
// thread rather than failing the request.
func (m *Manager) GetOrCreateThread(ctx context.Context, chatID string) (string, *Thread, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if chatID == "" {
		chatID = uuid.NewString()
		m.logger.Info(ctx, "generated new chat id", "chat_id", chatID)
		return chatID, m.createSessionLocked(chatID), nil
	}

	if sess, ok := m.sessions[chatID]; ok {
		sess.lastAccessed = m.clock()
		return chatID, sess.thread, nil
	}

	cached, err := m.cache.Get(ctx, chatID)
	if err != nil {
		m.logger.Warn(ctx, "cache lookup failed", "chat_id", chatID, "error", err)
	}
	if cached != nil {
		m.recordCacheOp("get", "hit")
		m.logger.Info(ctx, "loading thread from cache", "chat_id", chatID)
		return chatID, m.restoreSessionLocked(ctx, chatID, cached), nil
	}
	m.recordCacheOp("get", "miss")

	if m.config.PersistenceEnabled {
		persisted, err := m.store.Get(ctx, chatID)
		if err != nil {
			m.logger.Warn(ctx, "cold store lookup failed", "chat_id", chatID, "error", err)
		}
		if persisted != nil {
			m.logger.Info(ctx, "loading thread from cold store", "chat_id", chatID)
			if err := m.cache.Set(ctx, chatID, persisted); err != nil {
				m.logger.Warn(ctx, "failed to warm cache", "chat_id", chatID, "error", err)
			}
			return chatID, m.restoreSessionLocked(ctx, chatID, persisted), nil
		}
	}

	m.logger.Info(ctx, "creating new thread", "chat_id", chatID)
	return chatID, m.createSessionLocked(chatID), nil
}

func (m *Manager) createSessionLocked(chatID string) *Thread {
	thread := NewThread()
	now := m.clock()
	m.sessions[chatID] = &session{
		chatID:       chatID,
		thread:       thread,
		createdAt:    now,
		lastAccessed: now,
	}
	return thread
}

func (m *Manager) restoreSessionLocked(ctx context.Context, chatID string, data map[string]any) *Thread {
	if !validateThreadData(data) {
		m.logger.Error(ctx, "thread data failed schema validation, creating new session", "chat_id", chatID)
		return m.createSessionLocked(chatID)
	}

	clean := make(map[string]any, len(data))
	for key, value := range data {
		if len(key) > 0 && key[0] == '_' {
			continue
		}
		clean[key] = value
	}

	thread, err := deserializeThread(clean)
	if err != nil {
		m.logger.Warn(ctx, "failed to deserialize thread, creating new", "chat_id", chatID, "error", err)
		return m.createSessionLocked(chatID)
	}

	now := m.clock()
	sess := &session{
		chatID:       chatID,
		thread:       thread,
		createdAt:    now,
		lastAccessed: now,
	}
	if created, ok := data["_created_at"].(string); ok {
		if t, err := time.Parse(time.RFC3339, created); err == nil {
			sess.createdAt = t
		}
	}
	if count, ok := data["_message_count"].(float64); ok {
		sess.messageCount = int(count)
	}
	if persisted, ok := data["_persisted"].(bool); ok {
		sess.persisted = persisted
	}
	m.sessions[chatID] = sess
	return thread
}

// SaveThread writes the thread to the cache, stamping bookkeeping metadata.
// With forcePersist, or when the cache write fails, the thread is also
// flushed to the cold store.
func (m *Manager) SaveThread(ctx context.Context, chatID string, thread *Thread, forcePersist bool) error {
	data := thread.Serialize()

	m.mu.Lock()
	if sess, ok := m.sessions[chatID]; ok {
		sess.lastAccessed = m.clock()
		sess.messageCount = thread.Len()
		data["_created_at"] = sess.createdAt.UTC().Format(time.RFC3339)
		data["_message_count"] = sess.messageCount
	}
	m.mu.Unlock()
	data["_updated_at"] = m.clock().UTC().Format(time.RFC3339)

	cacheErr := m.cache.Set(ctx, chatID, data)
	if cacheErr != nil {
		m.recordCacheOp("set", "error")
		m.logger.Warn(ctx, "cache write failed", "chat_id", chatID, "error", cacheErr)
	} else {
		m.recordCacheOp("set", "ok")
	}

	if (forcePersist || cacheErr != nil) && m.config.PersistenceEnabled {
		if err := m.persistWithMerge(ctx, chatID, data); err != nil {
			m.logger.Error(ctx, "persist failed", "chat_id", chatID, "error", err)
			if cacheErr != nil {
				return fmt.Errorf("thread %s not saved to any tier: %w", chatID, err)
			}
		}
	}
	return nil
}

// persistWithMerge writes to the cold store, merging with any existing
// persisted document so concurrent writers never truncate history.
func (m *Manager) persistWithMerge(ctx context.Context, chatID string, data map[string]any) error {
	existing, err := m.store.Get(ctx, chatID)
	if err != nil {
		return fmt.Errorf("load existing history: %w", err)
	}

	merged := data
	if existing != nil {
		merged = mergeThreadData(existing, data)
		mergeCount := 0
		if n, ok := existing["_merge_count"].(float64); ok {
			mergeCount = int(n)
		}
		merged["_merge_count"] = mergeCount + 1
	}
	merged["_persisted"] = true
	merged["_persisted_at"] = m.clock().UTC().Format(time.RFC3339)

	if err := m.store.Save(ctx, chatID, merged); err != nil {
		return err
	}

	m.mu.Lock()
	if sess, ok := m.sessions[chatID]; ok {
		sess.persisted = true
	}
	m.mu.Unlock()
	return nil
}

// mergeThreadData combines an existing persisted document with newer data.
// New values win for scalar fields, the original creation time is kept, and
// messages are unioned: by sequence number when both sides carry them,
// otherwise the longer list wins, falling back to content+timestamp dedupe.
func mergeThreadData(existing, update map[string]any) map[string]any {
	merged := make(map[string]any, len(existing)+len(update))
	for k, v := range existing {
		merged[k] = v
	}
	for k, v := range update {
		merged[k] = v
	}
	if created, ok := existing["_created_at"]; ok {
		merged["_created_at"] = created
	}

	existingMsgs, eok := existing["messages"].([]any)
	updateMsgs, uok := update["messages"].([]any)
	if !eok || !uok {
		return merged
	}

	if allHaveSeq(existingMsgs) && allHaveSeq(updateMsgs) {
		merged["messages"] = unionBySeq(existingMsgs, updateMsgs)
		return merged
	}
	if len(updateMsgs) >= len(existingMsgs) {
		merged["messages"] = updateMsgs
		return merged
	}

	seen := make(map[string]bool)
	var all []any
	for _, raw := range append(append([]any{}, existingMsgs...), updateMsgs...) {
		msg, _ := raw.(map[string]any)
		key := fmt.Sprint(msg["content"]) + fmt.Sprint(msg["timestamp"])
		if seen[key] {
			continue
		}
		seen[key] = true
		all = append(all, raw)
	}
	merged["messages"] = all
	return merged
}

func allHaveSeq(msgs []any) bool {
	if len(msgs) == 0 {
		return false
	}
	for _, raw := range msgs {
		msg, ok := raw.(map[string]any)
		if !ok {
			return false
		}
		if _, ok := msg["seq"].(float64); !ok {
			return false
		}
	}
	return true
}

// unionBySeq merges two message lists keyed by sequence number, newer data
// winning on collisions, ordered by sequence.
func unionBySeq(existing, update []any) []any {
	bySeq := make(map[int64]any, len(existing)+len(update))
	for _, raw := range existing {
		seq := int64(raw.(map[string]any)["seq"].(float64))
		bySeq[seq] = raw
	}
	for _, raw := range update {
		seq := int64(raw.(map[string]any)["seq"].(float64))
		bySeq[seq] = raw
	}
	seqs := make([]int64, 0, len(bySeq))
	for seq := range bySeq {
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	out := make([]any, 0, len(seqs))
	for _, seq := range seqs {
		out = append(out, bySeq[seq])
	}
	return out
}

// DeleteChat removes a chat from every tier.
func (m *Manager) DeleteChat(ctx context.Context, chatID string) error {
	var firstErr error
	if err := m.cache.Delete(ctx, chatID); err != nil {
		firstErr = err
	}
	if m.config.PersistenceEnabled {
		if err := m.store.Delete(ctx, chatID); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	m.mu.Lock()
	delete(m.sessions, chatID)
	m.mu.Unlock()
	return firstErr
}

// ListChats lists known chats from the requested source ("cache",
// "persistence" or "all"), active sessions first, deduped across tiers.
func (m *Manager) ListChats(ctx context.Context, source string, limit int) ([]models.ChatListItem, error) {
	if limit <= 0 {
		limit = 100
	}
	if source == "" {
		source = "all"
	}

	var results []models.ChatListItem
	seen := make(map[string]bool)

	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if len(results) >= limit {
			break
		}
		sess := m.sessions[id]
		results = append(results, models.ChatListItem{
			ChatID:       id,
			Active:       true,
			CreatedAt:    sess.createdAt.UTC().Format(time.RFC3339),
			LastAccessed: sess.lastAccessed.UTC().Format(time.RFC3339),
			MessageCount: sess.messageCount,
			Persisted:    sess.persisted,
		})
		seen[id] = true
	}
	m.mu.Unlock()

	if source == "cache" || source == "all" {
		cachedIDs, err := m.cache.Keys(ctx)
		if err != nil {
			m.logger.Warn(ctx, "failed to list cache keys", "error", err)
		}
		for _, id := range cachedIDs {
			if seen[id] || len(results) >= limit {
				continue
			}
			results = append(results, models.ChatListItem{ChatID: id, Cached: true})
			seen[id] = true
		}
	}

	if (source == "persistence" || source == "all") && m.config.PersistenceEnabled {
		persisted, err := m.store.List(ctx, limit)
		if err != nil {
			m.logger.Warn(ctx, "failed to list cold store", "error", err)
		}
		for _, meta := range persisted {
			id, _ := meta["chat_id"].(string)
			if id == "" || seen[id] || len(results) >= limit {
				continue
			}
			item := models.ChatListItem{ChatID: id, Persisted: true}
			if updated, ok := meta["updated_at"].(string); ok {
				item.LastAccessed = updated
			}
			results = append(results, item)
			seen[id] = true
		}
	}
	return results, nil
}

// StartBackgroundPersist launches the loop that flushes cached chats to the
// cold store before their cache TTL expires. No-op when persistence is off.
func (m *Manager) StartBackgroundPersist() {
	if !m.config.PersistenceEnabled {
		return
	}
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.mu.Unlock()

	interval := m.config.PersistAt / 4
	if interval > time.Minute || interval <= 0 {
		interval = time.Minute
	}

	m.wg.Add(1)
	go m.backgroundPersistLoop(interval)
	m.logger.Info(context.Background(), "started background persist loop", "interval", interval.String())
}

func (m *Manager) backgroundPersistLoop(interval time.Duration) {
	defer m.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.flushExpiring(context.Background())
		}
	}
}

// flushExpiring persists every cached chat whose remaining TTL is inside
// the persist window.
func (m *Manager) flushExpiring(ctx context.Context) {
	chatIDs, err := m.cache.Keys(ctx)
	if err != nil {
		m.logger.Warn(ctx, "background persist: failed to list cache", "error", err)
		return
	}
	threshold := m.config.CacheTTL - m.config.PersistAt
	for _, chatID := range chatIDs {
		ttl, err := m.cache.TTL(ctx, chatID)
		if err != nil || ttl < 0 {
			continue
		}
		if ttl > threshold {
			continue
		}
		m.logger.Info(ctx, "auto-persisting before cache expiry", "chat_id", chatID, "ttl", ttl.String())
		cached, err := m.cache.Get(ctx, chatID)
		if err != nil || cached == nil {
			continue
		}
		if err := m.persistWithMerge(ctx, chatID, cached); err != nil {
			m.logger.Warn(ctx, "background persist failed", "chat_id", chatID, "error", err)
		}
	}
}

// Close stops the background loop, persists all unpersisted active sessions
// and closes both tiers.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.running = false
		close(m.stop)
	}
	sessions := make([]*session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sessions = append(sessions, sess)
	}
	m.mu.Unlock()
	m.wg.Wait()

	if m.config.PersistenceEnabled {
		for _, sess := range sessions {
			if sess.persisted {
				continue
			}
			data := sess.thread.Serialize()
			data["_created_at"] = sess.createdAt.UTC().Format(time.RFC3339)
			data["_message_count"] = sess.thread.Len()
			if err := m.persistWithMerge(ctx, sess.chatID, data); err != nil {
				m.logger.Warn(ctx, "failed to persist on close", "chat_id", sess.chatID, "error", err)
			}
		}
	}

	var firstErr error
	if err := m.cache.Close(); err != nil {
		firstErr = err
	}
	if m.store != nil {
		if err := m.store.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	m.mu.Lock()
	m.sessions = make(map[string]*session)
	m.mu.Unlock()
	m.logger.Info(ctx, "chat history manager closed")
	return firstErr
}

// NeedsSummarization reports whether the chat's estimated token footprint
// exceeds the configured budget.
func (m *Manager) NeedsSummarization(chatID string) bool {
	if !m.config.SummarizationEnabled || m.config.MaxTokens <= 0 {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[chatID]
	if !ok {
		return false
	}
	sess.estimatedTokens = EstimateThreadTokens(sess.thread)
	return sess.estimatedTokens > m.config.MaxTokens
}

// SummarizeIfNeeded compacts the conversation when it exceeds the token
// budget: older messages are replaced by a generated summary, the most
// recent ones are kept verbatim. Returns true when compaction happened.
// Summarization failures leave the original thread untouched.
func (m *Manager) SummarizeIfNeeded(ctx context.Context, chatID string) (bool, error) {
	if !m.NeedsSummarization(chatID) {
		return false, nil
	}

	m.mu.Lock()
	sess, ok := m.sessions[chatID]
	summarizer := m.summarizer
	m.mu.Unlock()
	if !ok {
		return false, nil
	}
	if summarizer == nil {
		m.logger.Warn(ctx, "no summarizer available", "chat_id", chatID)
		return false, nil
	}

	messages := sess.thread.Messages()
	keep := m.config.RecentMessagesKept
	if len(messages) <= keep {
		m.logger.Debug(ctx, "not enough messages to summarize", "chat_id", chatID, "count", len(messages))
		return false, nil
	}

	old := messages
	var recent []models.Message
	if keep > 0 {
		old = messages[:len(messages)-keep]
		recent = messages[len(messages)-keep:]
	}

	m.logger.Info(ctx, "starting conversation summarization",
		"chat_id", chatID,
		"estimated_tokens", sess.estimatedTokens,
		"message_count", len(messages),
	)

	summary, err := summarizer.Summarize(ctx, old)
	if err != nil || summary == "" {
		m.recordSummarization("error")
		m.logger.Error(ctx, "summarization failed", "chat_id", chatID, "error", err)
		return false, err
	}

	newThread := NewThread()
	newThread.Append(SummaryMessage(summary))
	for _, msg := range recent {
		// Keeps the original sequence numbers so later merges stay ordered.
		newThread.Append(msg)
	}

	// The swap must strictly shrink the context. A verbose summary that
	// grows the thread would trigger summarization again on every request.
	before := EstimateThreadTokens(sess.thread)
	after := EstimateThreadTokens(newThread)
	if after >= before {
		m.recordSummarization("skipped")
		m.logger.Warn(ctx, "summary did not shrink the conversation, keeping original",
			"chat_id", chatID, "tokens_before", before, "tokens_after", after)
		return false, nil
	}

	m.mu.Lock()
	sess.thread = newThread
	sess.summarized = true
	sess.summaryCount++
	sess.estimatedTokens = after
	m.mu.Unlock()

	if err := m.SaveThread(ctx, chatID, newThread, false); err != nil {
		m.logger.Warn(ctx, "failed to save summarized thread", "chat_id", chatID, "error", err)
	}
	m.recordSummarization("ok")
	m.logger.Info(ctx, "conversation summarized",
		"chat_id", chatID,
		"old_message_count", len(messages),
		"new_message_count", newThread.Len(),
	)
	return true, nil
}

// GetSessionStats reports the state of an active session, or nil when the
// chat is not active.
func (m *Manager) GetSessionStats(chatID string) *SessionStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[chatID]
	if !ok {
		return nil
	}
	sess.estimatedTokens = EstimateThreadTokens(sess.thread)
	return &SessionStats{
		ChatID:             chatID,
		CreatedAt:          sess.createdAt.UTC().Format(time.RFC3339),
		LastAccessed:       sess.lastAccessed.UTC().Format(time.RFC3339),
		MessageCount:       sess.messageCount,
		EstimatedTokens:    sess.estimatedTokens,
		MaxTokens:          m.config.MaxTokens,
		NeedsSummarization: m.config.SummarizationEnabled && sess.estimatedTokens > m.config.MaxTokens,
		Summarized:         sess.summarized,
		SummaryCount:       sess.summaryCount,
		Persisted:          sess.persisted,
	}
}

func (m *Manager) recordCacheOp(op, result string) {
	if m.metrics != nil {
		m.metrics.RecordCacheOp(op, result)
	}
}

func (m *Manager) recordSummarization(status string) {
	if m.metrics != nil {
		m.metrics.Summarizations.WithLabelValues(status).Inc()
	}
}
