package memory

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/parley-ai/parley/pkg/models"
)

func testManager(store Store) (*Manager, Cache) {
	cache := NewInMemoryCache(time.Hour)
	cfg := DefaultConfig()
	cfg.PersistenceEnabled = store != nil
	return NewManager(cfg, cache, store, nil, nil), cache
}

func TestGetOrCreateThreadGeneratesID(t *testing.T) {
	m, _ := testManager(nil)
	defer m.Close(context.Background())

	chatID, thread, err := m.GetOrCreateThread(context.Background(), "")
	if err != nil {
		t.Fatalf("GetOrCreateThread: %v", err)
	}
	if chatID == "" {
		t.Fatal("expected generated chat id")
	}
	if thread == nil || thread.Len() != 0 {
		t.Fatal("expected empty new thread")
	}

	// Same ID returns the same live thread.
	_, again, err := m.GetOrCreateThread(context.Background(), chatID)
	if err != nil {
		t.Fatalf("GetOrCreateThread second: %v", err)
	}
	if again != thread {
		t.Error("expected the in-memory session to be reused")
	}
}

func TestThreadRoundTripThroughCache(t *testing.T) {
	cache := NewInMemoryCache(time.Hour)
	cfg := DefaultConfig()
	m := NewManager(cfg, cache, nil, nil, nil)

	chatID, thread, err := m.GetOrCreateThread(context.Background(), "chat-1")
	if err != nil {
		t.Fatalf("GetOrCreateThread: %v", err)
	}
	thread.Append(models.Message{Role: models.RoleUser, Content: "hello"})
	thread.Append(models.Message{Role: models.RoleAssistant, Content: "hi there"})
	if err := m.SaveThread(context.Background(), chatID, thread, false); err != nil {
		t.Fatalf("SaveThread: %v", err)
	}

	// A fresh manager sharing the cache restores from it.
	m2 := NewManager(cfg, cache, nil, nil, nil)
	_, restored, err := m2.GetOrCreateThread(context.Background(), "chat-1")
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	msgs := restored.Messages()
	if len(msgs) != 2 {
		t.Fatalf("restored %d messages, want 2", len(msgs))
	}
	if msgs[0].Content != "hello" || msgs[1].Role != models.RoleAssistant {
		t.Errorf("restored messages = %+v", msgs)
	}
	if msgs[0].Seq != 1 || msgs[1].Seq != 2 {
		t.Errorf("sequence numbers not preserved: %d, %d", msgs[0].Seq, msgs[1].Seq)
	}
}

func TestRestoreFromColdStoreWarmsCache(t *testing.T) {
	store := NewInMemoryStore()
	data := map[string]any{
		"messages": []any{
			map[string]any{"role": "user", "content": "persisted question", "seq": float64(1)},
		},
		"_created_at":    "2026-01-02T03:04:05Z",
		"_message_count": float64(1),
		"_persisted":     true,
	}
	if err := store.Save(context.Background(), "chat-cold", data); err != nil {
		t.Fatal(err)
	}

	m, cache := testManager(store)
	_, thread, err := m.GetOrCreateThread(context.Background(), "chat-cold")
	if err != nil {
		t.Fatalf("GetOrCreateThread: %v", err)
	}
	if thread.Len() != 1 || thread.Messages()[0].Content != "persisted question" {
		t.Fatalf("cold restore failed: %+v", thread.Messages())
	}

	// The cold document is now cached.
	cached, err := cache.Get(context.Background(), "chat-cold")
	if err != nil || cached == nil {
		t.Errorf("cache not warmed: %v %v", cached, err)
	}

	stats := m.GetSessionStats("chat-cold")
	if stats == nil || !stats.Persisted || stats.CreatedAt != "2026-01-02T03:04:05Z" {
		t.Errorf("session metadata not restored: %+v", stats)
	}
}

func TestRestoreRejectsInvalidSchema(t *testing.T) {
	cache := NewInMemoryCache(time.Hour)
	bad := map[string]any{
		"messages": []any{
			map[string]any{"role": "supervisor", "content": "x"},
		},
	}
	if err := cache.Set(context.Background(), "chat-bad", bad); err != nil {
		t.Fatal(err)
	}

	m := NewManager(DefaultConfig(), cache, nil, nil, nil)
	_, thread, err := m.GetOrCreateThread(context.Background(), "chat-bad")
	if err != nil {
		t.Fatalf("GetOrCreateThread: %v", err)
	}
	// Invalid data falls back to a fresh thread instead of failing.
	if thread.Len() != 0 {
		t.Errorf("expected fresh thread, got %d messages", thread.Len())
	}
}

func TestValidateThreadData(t *testing.T) {
	valid := map[string]any{
		"messages": []any{
			map[string]any{"role": "user", "content": "hi"},
			map[string]any{"role": "assistant", "content": nil},
		},
		"_created_at": "2026-01-01T00:00:00Z",
	}
	if !validateThreadData(valid) {
		t.Error("valid data rejected")
	}

	cases := []map[string]any{
		{"messages": "not a list"},
		{"messages": []any{"not a map"}},
		{"messages": []any{map[string]any{"role": 42}}},
		{"messages": []any{map[string]any{"content": 3.14}}},
		{"_created_at": 12345},
	}
	for i, data := range cases {
		if validateThreadData(data) {
			t.Errorf("case %d: invalid data accepted: %v", i, data)
		}
	}
}

func TestPersistWithMergeUnionsBySeq(t *testing.T) {
	store := NewInMemoryStore()
	existing := map[string]any{
		"messages": []any{
			map[string]any{"role": "user", "content": "one", "seq": float64(1)},
			map[string]any{"role": "assistant", "content": "two", "seq": float64(2)},
			map[string]any{"role": "user", "content": "three", "seq": float64(3)},
		},
		"_created_at": "2026-01-01T00:00:00Z",
	}
	if err := store.Save(context.Background(), "chat-m", existing); err != nil {
		t.Fatal(err)
	}

	m, _ := testManager(store)
	// The new document overlaps at seq 2-3 and adds seq 4.
	update := map[string]any{
		"messages": []any{
			map[string]any{"role": "assistant", "content": "two", "seq": float64(2)},
			map[string]any{"role": "user", "content": "three", "seq": float64(3)},
			map[string]any{"role": "assistant", "content": "four", "seq": float64(4)},
		},
		"_created_at": "2026-05-05T00:00:00Z",
	}
	if err := m.persistWithMerge(context.Background(), "chat-m", update); err != nil {
		t.Fatalf("persistWithMerge: %v", err)
	}

	merged, err := store.Get(context.Background(), "chat-m")
	if err != nil {
		t.Fatal(err)
	}
	msgs := merged["messages"].([]any)
	if len(msgs) != 4 {
		t.Fatalf("merged %d messages, want 4", len(msgs))
	}
	for i, want := range []string{"one", "two", "three", "four"} {
		if got := msgs[i].(map[string]any)["content"]; got != want {
			t.Errorf("message %d = %v, want %s", i, got, want)
		}
	}
	// Original creation time is kept, merge count stamped.
	if merged["_created_at"] != "2026-01-01T00:00:00Z" {
		t.Errorf("_created_at = %v", merged["_created_at"])
	}
	if merged["_merge_count"] != 1 {
		t.Errorf("_merge_count = %v, want 1", merged["_merge_count"])
	}
	if merged["_persisted"] != true {
		t.Error("_persisted not set")
	}
}

func TestMergeFallbackDedupe(t *testing.T) {
	// Messages without sequence numbers and a shorter update fall back to
	// content+timestamp dedupe.
	existing := map[string]any{
		"messages": []any{
			map[string]any{"content": "a", "timestamp": "t1"},
			map[string]any{"content": "b", "timestamp": "t2"},
		},
	}
	update := map[string]any{
		"messages": []any{
			map[string]any{"content": "b", "timestamp": "t2"},
		},
	}
	merged := mergeThreadData(existing, update)
	msgs := merged["messages"].([]any)
	if len(msgs) != 2 {
		t.Fatalf("merged %d messages, want 2", len(msgs))
	}
}

func TestSaveThreadForcePersist(t *testing.T) {
	store := NewInMemoryStore()
	m, _ := testManager(store)

	chatID, thread, _ := m.GetOrCreateThread(context.Background(), "chat-f")
	thread.Append(models.Message{Role: models.RoleUser, Content: "save me"})
	if err := m.SaveThread(context.Background(), chatID, thread, true); err != nil {
		t.Fatalf("SaveThread: %v", err)
	}

	persisted, err := store.Get(context.Background(), "chat-f")
	if err != nil || persisted == nil {
		t.Fatalf("not persisted: %v %v", persisted, err)
	}
	if persisted["_message_count"] != 1 {
		t.Errorf("_message_count = %v", persisted["_message_count"])
	}
	if stats := m.GetSessionStats("chat-f"); stats == nil || !stats.Persisted {
		t.Error("session not marked persisted")
	}
}

func TestDeleteChatRemovesAllTiers(t *testing.T) {
	store := NewInMemoryStore()
	m, cache := testManager(store)

	chatID, thread, _ := m.GetOrCreateThread(context.Background(), "chat-d")
	thread.Append(models.Message{Role: models.RoleUser, Content: "x"})
	m.SaveThread(context.Background(), chatID, thread, true)

	if err := m.DeleteChat(context.Background(), chatID); err != nil {
		t.Fatalf("DeleteChat: %v", err)
	}
	if data, _ := cache.Get(context.Background(), chatID); data != nil {
		t.Error("still in cache")
	}
	if data, _ := store.Get(context.Background(), chatID); data != nil {
		t.Error("still in cold store")
	}
	if m.GetSessionStats(chatID) != nil {
		t.Error("session still active")
	}
}

func TestListChatsDedupesAcrossTiers(t *testing.T) {
	store := NewInMemoryStore()
	m, cache := testManager(store)
	ctx := context.Background()

	// Active session, also cached.
	chatID, thread, _ := m.GetOrCreateThread(ctx, "chat-active")
	thread.Append(models.Message{Role: models.RoleUser, Content: "x"})
	m.SaveThread(ctx, chatID, thread, false)
	// Cache-only entry.
	cache.Set(ctx, "chat-cached", map[string]any{"messages": []any{}})
	// Store-only entry.
	store.Save(ctx, "chat-stored", map[string]any{"messages": []any{}})

	items, err := m.ListChats(ctx, "all", 10)
	if err != nil {
		t.Fatalf("ListChats: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("got %d items, want 3: %+v", len(items), items)
	}
	byID := make(map[string]models.ChatListItem)
	for _, item := range items {
		byID[item.ChatID] = item
	}
	if !byID["chat-active"].Active {
		t.Error("active chat not flagged")
	}
	if !byID["chat-cached"].Cached {
		t.Error("cached chat not flagged")
	}
	if !byID["chat-stored"].Persisted {
		t.Error("stored chat not flagged")
	}
}

func TestSummarizeIfNeeded(t *testing.T) {
	m, _ := testManager(nil)
	m.config.MaxTokens = 50
	m.SetSummarizer(&Summarizer{
		TargetTokens: 20,
		Complete: func(ctx context.Context, prompt string) (string, error) {
			if !strings.Contains(prompt, "CONVERSATION:") {
				t.Error("prompt missing conversation section")
			}
			return "they talked about databases", nil
		},
	})

	ctx := context.Background()
	chatID, thread, _ := m.GetOrCreateThread(ctx, "chat-s")
	for i := 0; i < 10; i++ {
		thread.Append(models.Message{Role: models.RoleUser, Content: strings.Repeat("blah ", 10) + fmt.Sprint(i)})
	}

	done, err := m.SummarizeIfNeeded(ctx, chatID)
	if err != nil {
		t.Fatalf("SummarizeIfNeeded: %v", err)
	}
	if !done {
		t.Fatal("expected summarization to run")
	}

	_, compacted, _ := m.GetOrCreateThread(ctx, chatID)
	msgs := compacted.Messages()
	// Summary message plus the 5 kept recent messages.
	if len(msgs) != 6 {
		t.Fatalf("compacted to %d messages, want 6", len(msgs))
	}
	if msgs[0].Role != models.RoleSystem || !strings.Contains(msgs[0].Content, "[CONVERSATION SUMMARY]") {
		t.Errorf("first message is not the summary: %+v", msgs[0])
	}
	if !strings.Contains(msgs[0].Content, "they talked about databases") {
		t.Error("summary text missing")
	}
	if !strings.HasSuffix(msgs[5].Content, "9") {
		t.Errorf("recent messages not preserved in order: %q", msgs[5].Content)
	}

	stats := m.GetSessionStats(chatID)
	if stats == nil || !stats.Summarized || stats.SummaryCount != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestSummarizeFailureKeepsOriginal(t *testing.T) {
	m, _ := testManager(nil)
	m.config.MaxTokens = 10
	m.SetSummarizer(&Summarizer{
		Complete: func(ctx context.Context, prompt string) (string, error) {
			return "", fmt.Errorf("model unavailable")
		},
	})

	ctx := context.Background()
	chatID, thread, _ := m.GetOrCreateThread(ctx, "chat-fail")
	for i := 0; i < 8; i++ {
		thread.Append(models.Message{Role: models.RoleUser, Content: strings.Repeat("words ", 20)})
	}

	done, err := m.SummarizeIfNeeded(ctx, chatID)
	if done {
		t.Error("summarization reported success on failure")
	}
	if err == nil {
		t.Error("expected error")
	}
	_, after, _ := m.GetOrCreateThread(ctx, chatID)
	if after.Len() != 8 {
		t.Errorf("original thread modified: %d messages", after.Len())
	}
}

func TestSummarizeRequiresStrictReduction(t *testing.T) {
	m, _ := testManager(nil)
	m.config.MaxTokens = 10
	m.SetSummarizer(&Summarizer{
		Complete: func(ctx context.Context, prompt string) (string, error) {
			// A "summary" longer than the conversation it replaces.
			return strings.Repeat("an extremely detailed recap ", 100), nil
		},
	})

	ctx := context.Background()
	chatID, thread, _ := m.GetOrCreateThread(ctx, "chat-verbose")
	for i := 0; i < 8; i++ {
		thread.Append(models.Message{Role: models.RoleUser, Content: "short message"})
	}

	done, err := m.SummarizeIfNeeded(ctx, chatID)
	if err != nil {
		t.Fatalf("SummarizeIfNeeded: %v", err)
	}
	if done {
		t.Error("swap happened although the summary grew the thread")
	}
	_, after, _ := m.GetOrCreateThread(ctx, chatID)
	if after.Len() != 8 {
		t.Errorf("original thread modified: %d messages", after.Len())
	}
	if stats := m.GetSessionStats(chatID); stats != nil && stats.Summarized {
		t.Error("session marked summarized without a swap")
	}
}

func TestSummarizeSkipsShortThreads(t *testing.T) {
	m, _ := testManager(nil)
	m.config.MaxTokens = 1
	m.SetSummarizer(&Summarizer{
		Complete: func(ctx context.Context, prompt string) (string, error) {
			t.Error("summarizer called for a short thread")
			return "", nil
		},
	})

	ctx := context.Background()
	chatID, thread, _ := m.GetOrCreateThread(ctx, "chat-short")
	for i := 0; i < 4; i++ {
		thread.Append(models.Message{Role: models.RoleUser, Content: "long enough to exceed tiny budget"})
	}
	if done, _ := m.SummarizeIfNeeded(ctx, chatID); done {
		t.Error("summarized a thread with fewer messages than the keep count")
	}
}

func TestFlushExpiringPersistsNearTTL(t *testing.T) {
	store := NewInMemoryStore()
	cache := NewInMemoryCache(time.Hour)
	cfg := DefaultConfig()
	cfg.PersistenceEnabled = true
	cfg.CacheTTL = time.Hour
	cfg.PersistAt = 5 * time.Minute
	m := NewManager(cfg, cache, store, nil, nil)

	ctx := context.Background()
	cache.Set(ctx, "chat-old", map[string]any{"messages": []any{}})
	// Age the entry to within the persist window.
	now := time.Now()
	cache.clock = func() time.Time { return now.Add(57 * time.Minute) }

	m.flushExpiring(ctx)

	if data, _ := store.Get(ctx, "chat-old"); data == nil {
		t.Fatal("expiring entry not persisted")
	}

	// A fresh entry stays unpersisted.
	cache.clock = time.Now
	cache.Set(ctx, "chat-new", map[string]any{"messages": []any{}})
	m.flushExpiring(ctx)
	if data, _ := store.Get(ctx, "chat-new"); data != nil {
		t.Error("fresh entry persisted early")
	}
}

func TestCloseFlushesActiveSessions(t *testing.T) {
	store := NewInMemoryStore()
	m, _ := testManager(store)

	ctx := context.Background()
	chatID, thread, _ := m.GetOrCreateThread(ctx, "chat-close")
	thread.Append(models.Message{Role: models.RoleUser, Content: "remember this"})

	if err := m.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	data, err := store.Get(ctx, chatID)
	if err != nil || data == nil {
		t.Fatalf("session not persisted on close: %v %v", data, err)
	}
}
