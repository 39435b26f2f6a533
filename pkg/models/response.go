package models

// Error type labels carried in response envelopes. Envelopes never expose
// stack traces or provider payloads, only these labels plus a short message.
const (
	ErrorTypeRateLimit  = "rate_limit"
	ErrorTypeValidation = "validation"
	ErrorTypeProvider   = "provider"
	ErrorTypeNotFound   = "not_found"
	ErrorTypeInternal   = "internal"
)

// QuestionResponse is the envelope for a completed question. On failure the
// answer carries the safe error text and RetryAfter reports the wait in
// seconds for rate-limited requests.
type QuestionResponse struct {
	Question   string           `json:"question"`
	Answer     string           `json:"answer"`
	ChatID     string           `json:"chat_id"`
	Success    bool             `json:"success"`
	ErrorType  string           `json:"error_type,omitempty"`
	RetryAfter float64          `json:"retry_after,omitempty"`
	ToolCalls  []ToolCallRecord `json:"tool_calls,omitempty"`
	Usage      *TokenUsage      `json:"usage,omitempty"`
	LatencyMS  float64          `json:"latency_ms,omitempty"`
	Model      string           `json:"model,omitempty"`
}

// StreamChunk is one increment of a streaming answer. Exactly one chunk per
// stream has Done set; that chunk carries the chat id and tool call records
// and may have empty text.
type StreamChunk struct {
	Text      string           `json:"text"`
	Done      bool             `json:"done"`
	ChatID    string           `json:"chat_id,omitempty"`
	ErrorType string           `json:"error_type,omitempty"`
	ToolCalls []ToolCallRecord `json:"tool_calls,omitempty"`
}

// WorkflowStep records one agent's participation in a workflow run.
type WorkflowStep struct {
	Agent  string `json:"agent"`
	Status string `json:"status"`
}

// WorkflowResponse is the envelope for a completed workflow run. Answer
// concatenates each agent's contribution under an author annotation; Author
// names the final responding agent.
type WorkflowResponse struct {
	Workflow  string         `json:"workflow"`
	Message   string         `json:"message"`
	Answer    string         `json:"answer"`
	ChatID    string         `json:"chat_id"`
	Author    string         `json:"author,omitempty"`
	Steps     []WorkflowStep `json:"steps,omitempty"`
	Success   bool           `json:"success"`
	ErrorType string         `json:"error_type,omitempty"`
	LatencyMS float64        `json:"latency_ms,omitempty"`
}

// WorkflowStreamChunk is one increment of a streaming workflow run.
type WorkflowStreamChunk struct {
	Agent     string `json:"agent,omitempty"`
	Text      string `json:"text"`
	Done      bool   `json:"done"`
	ChatID    string `json:"chat_id,omitempty"`
	ErrorType string `json:"error_type,omitempty"`
}

// ChatListItem summarizes one stored conversation for listings. A chat can
// appear in several tiers at once; the flags report where it was found.
type ChatListItem struct {
	ChatID       string `json:"chat_id"`
	Active       bool   `json:"active,omitempty"`
	Cached       bool   `json:"cached,omitempty"`
	Persisted    bool   `json:"persisted,omitempty"`
	MessageCount int    `json:"message_count,omitempty"`
	CreatedAt    string `json:"created_at,omitempty"`
	LastAccessed string `json:"last_accessed,omitempty"`
}
