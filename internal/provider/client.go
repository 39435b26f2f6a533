// Package provider holds the model registry and the chat-client
// implementations for the supported provider kinds.
package provider

import (
	"context"
	"encoding/json"

	"github.com/parley-ai/parley/pkg/models"
)

// CompletionMessage is one turn sent to a chat client.
type CompletionMessage struct {
	Role        string
	Content     string
	ToolCalls   []models.ToolCall
	ToolResults []models.ToolResult
}

// ToolDefinition describes a tool offered to the model.
type ToolDefinition struct {
	Name        string
	Description string
	Schema      json.RawMessage
}

// CompletionRequest is a chat completion request.
type CompletionRequest struct {
	Model     string
	System    string
	Messages  []CompletionMessage
	Tools     []ToolDefinition
	MaxTokens int
}

// CompletionChunk is one increment of a streaming completion. Exactly one
// chunk per stream has Done set; Error, when non-nil, terminates the stream.
type CompletionChunk struct {
	Text     string
	ToolCall *models.ToolCall
	Usage    *models.TokenUsage
	Done     bool
	Error    error
}

// ChatClient is the capability every model provider implements. Complete
// returns immediately with a channel that delivers chunks as they arrive;
// the implementation closes the channel after the terminal chunk.
type ChatClient interface {
	Name() string
	Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error)
}

// Collect drains a completion stream into the full text and tool calls.
// It returns on the Done chunk or the first error.
func Collect(ctx context.Context, chunks <-chan *CompletionChunk) (string, []models.ToolCall, error) {
	var text string
	var calls []models.ToolCall
	for {
		select {
		case <-ctx.Done():
			return text, calls, ctx.Err()
		case chunk, ok := <-chunks:
			if !ok {
				return text, calls, nil
			}
			if chunk.Error != nil {
				return text, calls, chunk.Error
			}
			text += chunk.Text
			if chunk.ToolCall != nil {
				calls = append(calls, *chunk.ToolCall)
			}
			if chunk.Done {
				return text, calls, nil
			}
		}
	}
}
