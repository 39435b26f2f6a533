// Package agent runs the question-answering loop and the assistant
// orchestrator that fronts it: rate limiting, validation, history, model
// selection, tool dispatch and response envelopes.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/parley-ai/parley/internal/mcp"
	"github.com/parley-ai/parley/internal/observability"
	"github.com/parley-ai/parley/internal/provider"
	"github.com/parley-ai/parley/internal/tools"
	"github.com/parley-ai/parley/pkg/models"
)

// LoopConfig bounds the tool-use loop.
type LoopConfig struct {
	// MaxIterations limits model round-trips per question. Default 10.
	MaxIterations int
	// MaxTokens is the per-completion token cap. Default 4096.
	MaxTokens int
}

// DefaultLoopConfig returns the default loop bounds.
func DefaultLoopConfig() LoopConfig {
	return LoopConfig{MaxIterations: 10, MaxTokens: 4096}
}

// Loop drives one question through the model until it stops requesting
// tools. Local tools run through the middleware dispatcher; tools the
// registry does not know are routed to the ERP adapter.
type Loop struct {
	config     LoopConfig
	dispatcher *tools.Dispatcher
	erp        *mcp.ERPTool
	logger     *observability.Logger
}

// NewLoop wires the loop. The ERP adapter may be nil.
func NewLoop(config LoopConfig, dispatcher *tools.Dispatcher, erp *mcp.ERPTool, logger *observability.Logger) *Loop {
	if config.MaxIterations <= 0 {
		config.MaxIterations = DefaultLoopConfig().MaxIterations
	}
	if config.MaxTokens <= 0 {
		config.MaxTokens = DefaultLoopConfig().MaxTokens
	}
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{Level: "error", Output: io.Discard})
	}
	return &Loop{
		config:     config,
		dispatcher: dispatcher,
		erp:        erp,
		logger:     logger,
	}
}

// RunInput is one question with its conversation context.
type RunInput struct {
	Client  provider.ChatClient
	Model   string
	System  string
	History []models.Message
	ChatID  string
	UserID  string
}

// RunResult is the outcome of a loop run. NewMessages holds every message
// produced during the run, in order, ready to append to the thread.
type RunResult struct {
	Text        string
	NewMessages []models.Message
	ToolCalls   []models.ToolCallRecord
	Usage       models.TokenUsage
}

// Run executes the loop. Text deltas are passed to onText as they stream in;
// a nil onText collects silently.
func (l *Loop) Run(ctx context.Context, input RunInput, onText func(string)) (*RunResult, error) {
	messages := historyToCompletion(input.History)
	toolDefs := l.toolDefinitions()
	result := &RunResult{}

	for iteration := 0; iteration < l.config.MaxIterations; iteration++ {
		req := &provider.CompletionRequest{
			Model:     input.Model,
			System:    input.System,
			Messages:  messages,
			Tools:     toolDefs,
			MaxTokens: l.config.MaxTokens,
		}
		chunks, err := input.Client.Complete(ctx, req)
		if err != nil {
			return result, err
		}

		text, calls, usage, err := drain(ctx, chunks, onText)
		result.Usage.InputTokens += usage.InputTokens
		result.Usage.OutputTokens += usage.OutputTokens
		result.Usage.TotalTokens += usage.TotalTokens
		if err != nil {
			return result, err
		}
		if text != "" {
			if result.Text != "" {
				result.Text += "\n"
			}
			result.Text += text
		}

		if len(calls) == 0 {
			result.NewMessages = append(result.NewMessages, models.Message{
				Role:    models.RoleAssistant,
				Content: text,
			})
			return result, nil
		}

		messages = append(messages, provider.CompletionMessage{
			Role:      "assistant",
			Content:   text,
			ToolCalls: calls,
		})
		result.NewMessages = append(result.NewMessages, models.Message{
			Role:      models.RoleAssistant,
			Content:   text,
			ToolCalls: calls,
		})

		toolResults := make([]models.ToolResult, 0, len(calls))
		for _, call := range calls {
			toolResult, record := l.executeToolCall(ctx, call, input.ChatID, input.UserID)
			toolResults = append(toolResults, toolResult)
			result.ToolCalls = append(result.ToolCalls, record)
			result.NewMessages = append(result.NewMessages, models.Message{
				Role:       models.RoleTool,
				Content:    toolResult.Content,
				Name:       call.Name,
				ToolCallID: call.ID,
			})
		}
		messages = append(messages, provider.CompletionMessage{
			Role:        "tool",
			ToolResults: toolResults,
		})
	}

	return result, fmt.Errorf("tool iteration limit %d reached", l.config.MaxIterations)
}

// drain consumes one completion stream, forwarding text deltas.
func drain(ctx context.Context, chunks <-chan *provider.CompletionChunk, onText func(string)) (string, []models.ToolCall, models.TokenUsage, error) {
	var text string
	var calls []models.ToolCall
	var usage models.TokenUsage
	for {
		select {
		case <-ctx.Done():
			return text, calls, usage, ctx.Err()
		case chunk, ok := <-chunks:
			if !ok {
				return text, calls, usage, nil
			}
			if chunk.Error != nil {
				return text, calls, usage, chunk.Error
			}
			if chunk.Text != "" {
				text += chunk.Text
				if onText != nil {
					onText(chunk.Text)
				}
			}
			if chunk.ToolCall != nil {
				calls = append(calls, *chunk.ToolCall)
			}
			if chunk.Usage != nil {
				usage = *chunk.Usage
			}
			if chunk.Done {
				return text, calls, usage, nil
			}
		}
	}
}

// executeToolCall routes one tool call and renders its outcome as a tool
// result message plus an envelope record. Tool failures become error results
// the model can react to, never loop failures.
func (l *Loop) executeToolCall(ctx context.Context, call models.ToolCall, chatID, userID string) (models.ToolResult, models.ToolCallRecord) {
	args := make(map[string]any)
	if len(call.Input) > 0 {
		if err := json.Unmarshal(call.Input, &args); err != nil {
			l.logger.Warn(ctx, "malformed tool call arguments", "tool", call.Name, "error", err)
			args = make(map[string]any)
		}
	}

	start := time.Now()
	content, err := l.invoke(ctx, call.Name, args, chatID, userID)
	elapsed := time.Since(start)

	record := models.ToolCallRecord{
		Name:        call.Name,
		ArgsPreview: models.Preview(string(call.Input), 200),
		DurationMs:  elapsed.Milliseconds(),
		Success:     err == nil,
	}
	if err != nil {
		l.logger.Warn(ctx, "tool call failed", "tool", call.Name, "error", err)
		return models.ToolResult{
			ToolCallID: call.ID,
			Content:    fmt.Sprintf("tool error: %v", err),
			IsError:    true,
		}, record
	}
	return models.ToolResult{ToolCallID: call.ID, Content: content}, record
}

func (l *Loop) invoke(ctx context.Context, name string, args map[string]any, chatID, userID string) (string, error) {
	if l.dispatcher != nil {
		if _, ok := l.dispatcher.Registry().Get(name); ok {
			return l.dispatcher.Dispatch(ctx, name, args)
		}
	}
	if l.erp != nil && l.erp.IsConnected() && l.erpHasTool(name) {
		result, err := l.erp.CallTool(ctx, name, args, chatID, userID)
		if err != nil {
			return "", err
		}
		rendered, err := json.Marshal(result)
		if err != nil {
			return "", fmt.Errorf("render tool result: %w", err)
		}
		return string(rendered), nil
	}
	return "", fmt.Errorf("unknown tool %q", name)
}

func (l *Loop) erpHasTool(name string) bool {
	for _, info := range l.erp.Tools() {
		if info.Name == name {
			return true
		}
	}
	return false
}

// toolDefinitions merges registry tools with the remote ERP catalog.
func (l *Loop) toolDefinitions() []provider.ToolDefinition {
	var defs []provider.ToolDefinition
	if l.dispatcher != nil {
		for _, desc := range l.dispatcher.Registry().List() {
			if !desc.Enabled {
				continue
			}
			defs = append(defs, provider.ToolDefinition{
				Name:        desc.Name,
				Description: desc.Description,
				Schema:      desc.Schema,
			})
		}
	}
	if l.erp != nil && l.erp.IsConnected() {
		for _, info := range l.erp.Tools() {
			defs = append(defs, provider.ToolDefinition{
				Name:        info.Name,
				Description: info.Description,
				Schema:      info.InputSchema,
			})
		}
	}
	return defs
}

// historyToCompletion converts persisted thread messages to the provider
// format. Consecutive tool messages are folded into one tool turn.
func historyToCompletion(history []models.Message) []provider.CompletionMessage {
	var out []provider.CompletionMessage
	for _, msg := range history {
		if msg.Role == models.RoleTool {
			result := models.ToolResult{
				ToolCallID: msg.ToolCallID,
				Content:    msg.Content,
			}
			if n := len(out); n > 0 && out[n-1].Role == "tool" {
				out[n-1].ToolResults = append(out[n-1].ToolResults, result)
				continue
			}
			out = append(out, provider.CompletionMessage{
				Role:        "tool",
				ToolResults: []models.ToolResult{result},
			})
			continue
		}
		out = append(out, provider.CompletionMessage{
			Role:      string(msg.Role),
			Content:   msg.Content,
			ToolCalls: msg.ToolCalls,
		})
	}
	return out
}
