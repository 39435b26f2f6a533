// Package memory manages chat history across an in-process session table, a
// hot cache and a cold store, with merge-on-persist and context
// summarization for long conversations.
package memory

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/parley-ai/parley/pkg/models"
)

// Thread holds the ordered message history of one chat. Appends assign a
// monotonic sequence number so histories written from different replicas can
// be merged deterministically. Safe for concurrent use.
type Thread struct {
	mu       sync.Mutex
	messages []models.Message
	nextSeq  int64
}

// NewThread returns an empty thread.
func NewThread() *Thread {
	return &Thread{nextSeq: 1}
}

// Append adds a message, assigning its sequence number and timestamp when
// unset.
func (t *Thread) Append(msg models.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if msg.Seq == 0 {
		msg.Seq = t.nextSeq
	}
	if msg.Seq >= t.nextSeq {
		t.nextSeq = msg.Seq + 1
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	t.messages = append(t.messages, msg)
}

// Messages returns a copy of the message history.
func (t *Thread) Messages() []models.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]models.Message, len(t.messages))
	copy(out, t.messages)
	return out
}

// Len returns the number of messages.
func (t *Thread) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.messages)
}

// Serialize renders the thread as a plain document suitable for the cache
// and cold store. Metadata fields with a leading underscore are added by the
// manager, never here.
func (t *Thread) Serialize() map[string]any {
	msgs := t.Messages()
	raw := make([]any, 0, len(msgs))
	for _, m := range msgs {
		b, err := json.Marshal(m)
		if err != nil {
			continue
		}
		var doc map[string]any
		if err := json.Unmarshal(b, &doc); err != nil {
			continue
		}
		raw = append(raw, doc)
	}
	return map[string]any{"messages": raw}
}

// deserializeThread rebuilds a thread from a document that already passed
// schema validation. Metadata fields are ignored.
func deserializeThread(data map[string]any) (*Thread, error) {
	thread := NewThread()
	rawMsgs, ok := data["messages"].([]any)
	if !ok {
		return thread, nil
	}
	for i, raw := range rawMsgs {
		b, err := json.Marshal(raw)
		if err != nil {
			return nil, fmt.Errorf("message %d: %w", i, err)
		}
		var msg models.Message
		if err := json.Unmarshal(b, &msg); err != nil {
			return nil, fmt.Errorf("message %d: %w", i, err)
		}
		thread.Append(msg)
	}
	return thread, nil
}

// validateThreadData checks a document against the expected thread schema
// before deserialization. Unknown top-level keys are tolerated; structural
// violations are not.
func validateThreadData(data map[string]any) bool {
	if data == nil {
		return false
	}

	if rawMsgs, present := data["messages"]; present {
		msgs, ok := rawMsgs.([]any)
		if !ok {
			return false
		}
		for _, raw := range msgs {
			msg, ok := raw.(map[string]any)
			if !ok {
				return false
			}
			if role, present := msg["role"]; present {
				s, ok := role.(string)
				if !ok || !models.ValidRole(models.Role(s)) {
					return false
				}
			}
			if content, present := msg["content"]; present && content != nil {
				switch content.(type) {
				case string, []any:
				default:
					return false
				}
			}
		}
	}

	for _, field := range []string{"_created_at", "_updated_at", "_persisted_at"} {
		if value, present := data[field]; present && value != nil {
			if _, ok := value.(string); !ok {
				return false
			}
		}
	}
	return true
}
