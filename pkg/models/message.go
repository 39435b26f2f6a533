package models

import (
	"encoding/json"
	"time"
)

// Role indicates the message author type.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
	RoleFunction  Role = "function"
)

// ValidRole reports whether r is one of the roles accepted in persisted
// conversation threads.
func ValidRole(r Role) bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant, RoleTool, RoleFunction:
		return true
	}
	return false
}

// Message is a single turn in a conversation thread.
//
// Seq is assigned by the history manager when the message is appended and is
// monotonically increasing within a thread. Replicas that merge divergent
// copies of the same thread union messages by Seq; messages written by older
// builds carry Seq 0 and are deduplicated by (content, timestamp) instead.
type Message struct {
	Role       Role           `json:"role"`
	Content    string         `json:"content"`
	Name       string         `json:"name,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	ToolCalls  []ToolCall     `json:"tool_calls,omitempty"`
	Seq        int64          `json:"seq,omitempty"`
	Timestamp  time.Time      `json:"timestamp,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// ToolCall represents a model's request to execute a tool.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolResult represents the output of a tool execution.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}

// ToolCallRecord summarizes one executed tool call for response envelopes.
// Arguments are previews, not full payloads.
type ToolCallRecord struct {
	Name        string `json:"name"`
	ArgsPreview string `json:"args_preview,omitempty"`
	DurationMs  int64  `json:"duration_ms"`
	Success     bool   `json:"success"`
}

// TokenUsage reports model token consumption for a single request.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Preview returns at most n characters of s, appending an ellipsis marker
// when truncated. Used for log and audit previews of untrusted content.
func Preview(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
