package agent

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/parley-ai/parley/internal/observability"
	"github.com/parley-ai/parley/internal/provider"
	"github.com/parley-ai/parley/internal/tools"
	"github.com/parley-ai/parley/pkg/models"
)

// scriptedClient replays pre-built completion turns. Turn i answers the i-th
// Complete call; the last turn repeats when calls run past the script.
type scriptedClient struct {
	turns    [][]*provider.CompletionChunk
	errs     []error
	calls    int
	requests []*provider.CompletionRequest
}

func (c *scriptedClient) Name() string { return "scripted" }

func (c *scriptedClient) Complete(ctx context.Context, req *provider.CompletionRequest) (<-chan *provider.CompletionChunk, error) {
	c.requests = append(c.requests, req)
	i := c.calls
	c.calls++
	if i < len(c.errs) && c.errs[i] != nil {
		return nil, c.errs[i]
	}
	turn := c.turns[len(c.turns)-1]
	if i < len(c.turns) {
		turn = c.turns[i]
	}
	out := make(chan *provider.CompletionChunk, len(turn))
	for _, chunk := range turn {
		out <- chunk
	}
	close(out)
	return out, nil
}

func textTurn(parts ...string) []*provider.CompletionChunk {
	var chunks []*provider.CompletionChunk
	for _, p := range parts {
		chunks = append(chunks, &provider.CompletionChunk{Text: p})
	}
	return append(chunks, &provider.CompletionChunk{
		Done:  true,
		Usage: &models.TokenUsage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15},
	})
}

func toolCallTurn(id, name, input string) []*provider.CompletionChunk {
	return []*provider.CompletionChunk{
		{ToolCall: &models.ToolCall{ID: id, Name: name, Input: json.RawMessage(input)}},
		{Done: true, Usage: &models.TokenUsage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15}},
	}
}

func quietLogger() *observability.Logger {
	return observability.NewLogger(observability.LogConfig{Level: "error", Output: io.Discard})
}

func lookupDispatcher(t *testing.T) *tools.Dispatcher {
	t.Helper()
	registry := tools.NewRegistry(quietLogger())
	err := registry.Register(tools.Descriptor{
		Name:        "lookup",
		Description: "Looks up a record.",
	}, func(ctx context.Context, args map[string]any) (string, error) {
		return "record for " + args["q"].(string), nil
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	return tools.NewDispatcher(registry, nil)
}

func TestLoopPlainAnswer(t *testing.T) {
	client := &scriptedClient{turns: [][]*provider.CompletionChunk{textTurn("The answer ", "is 42.")}}
	loop := NewLoop(LoopConfig{}, nil, nil, quietLogger())

	var streamed strings.Builder
	result, err := loop.Run(context.Background(), RunInput{
		Client:  client,
		Model:   "gpt-4o",
		System:  "Be brief.",
		History: []models.Message{{Role: models.RoleUser, Content: "What is the answer?"}},
	}, func(text string) { streamed.WriteString(text) })
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if result.Text != "The answer is 42." {
		t.Errorf("text = %q", result.Text)
	}
	if streamed.String() != "The answer is 42." {
		t.Errorf("streamed = %q", streamed.String())
	}
	if len(result.NewMessages) != 1 || result.NewMessages[0].Role != models.RoleAssistant {
		t.Errorf("new messages = %+v", result.NewMessages)
	}
	if len(result.ToolCalls) != 0 {
		t.Errorf("unexpected tool calls: %+v", result.ToolCalls)
	}
	if result.Usage.TotalTokens != 15 {
		t.Errorf("usage = %+v", result.Usage)
	}
	if client.requests[0].System != "Be brief." {
		t.Errorf("system prompt = %q", client.requests[0].System)
	}
}

func TestLoopToolRoundTrip(t *testing.T) {
	client := &scriptedClient{turns: [][]*provider.CompletionChunk{
		toolCallTurn("call_1", "lookup", `{"q":"widgets"}`),
		textTurn("Found it."),
	}}
	loop := NewLoop(LoopConfig{}, lookupDispatcher(t), nil, quietLogger())

	result, err := loop.Run(context.Background(), RunInput{
		Client:  client,
		Model:   "gpt-4o",
		History: []models.Message{{Role: models.RoleUser, Content: "Find widgets."}},
	}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if result.Text != "Found it." {
		t.Errorf("text = %q", result.Text)
	}
	if len(result.ToolCalls) != 1 {
		t.Fatalf("tool calls = %+v", result.ToolCalls)
	}
	record := result.ToolCalls[0]
	if record.Name != "lookup" || !record.Success {
		t.Errorf("record = %+v", record)
	}

	// assistant(tool call), tool result, assistant(answer)
	if len(result.NewMessages) != 3 {
		t.Fatalf("new messages = %+v", result.NewMessages)
	}
	if result.NewMessages[1].Role != models.RoleTool || result.NewMessages[1].Content != "record for widgets" {
		t.Errorf("tool message = %+v", result.NewMessages[1])
	}

	// Second round trip carries the tool exchange back to the model.
	second := client.requests[1].Messages
	if second[len(second)-1].Role != "tool" {
		t.Errorf("last message of second request = %+v", second[len(second)-1])
	}
	if second[len(second)-1].ToolResults[0].Content != "record for widgets" {
		t.Errorf("tool result = %+v", second[len(second)-1].ToolResults)
	}
	if second[len(second)-2].Role != "assistant" || len(second[len(second)-2].ToolCalls) != 1 {
		t.Errorf("assistant tool call message = %+v", second[len(second)-2])
	}
}

func TestLoopUnknownToolBecomesErrorResult(t *testing.T) {
	client := &scriptedClient{turns: [][]*provider.CompletionChunk{
		toolCallTurn("call_1", "teleport", `{}`),
		textTurn("I could not do that."),
	}}
	loop := NewLoop(LoopConfig{}, lookupDispatcher(t), nil, quietLogger())

	result, err := loop.Run(context.Background(), RunInput{
		Client:  client,
		History: []models.Message{{Role: models.RoleUser, Content: "Teleport me."}},
	}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(result.ToolCalls) != 1 || result.ToolCalls[0].Success {
		t.Fatalf("tool calls = %+v", result.ToolCalls)
	}
	toolMsg := result.NewMessages[1]
	if !strings.Contains(toolMsg.Content, "unknown tool") {
		t.Errorf("tool message = %q", toolMsg.Content)
	}
	if result.Text != "I could not do that." {
		t.Errorf("text = %q", result.Text)
	}
}

func TestLoopIterationLimit(t *testing.T) {
	client := &scriptedClient{turns: [][]*provider.CompletionChunk{
		toolCallTurn("call_1", "lookup", `{"q":"a"}`),
	}}
	loop := NewLoop(LoopConfig{MaxIterations: 2}, lookupDispatcher(t), nil, quietLogger())

	_, err := loop.Run(context.Background(), RunInput{
		Client:  client,
		History: []models.Message{{Role: models.RoleUser, Content: "Loop forever."}},
	}, nil)
	if err == nil || !strings.Contains(err.Error(), "iteration limit") {
		t.Fatalf("err = %v, want iteration limit", err)
	}
	if client.calls != 2 {
		t.Errorf("model calls = %d, want 2", client.calls)
	}
}

func TestLoopPropagatesCompleteError(t *testing.T) {
	wantErr := errors.New("connection refused")
	client := &scriptedClient{
		turns: [][]*provider.CompletionChunk{textTurn("unused")},
		errs:  []error{wantErr},
	}
	loop := NewLoop(LoopConfig{}, nil, nil, quietLogger())

	_, err := loop.Run(context.Background(), RunInput{
		Client:  client,
		History: []models.Message{{Role: models.RoleUser, Content: "hi"}},
	}, nil)
	if !errors.Is(err, wantErr) {
		t.Fatalf("err = %v", err)
	}
}

func TestLoopOffersRegistryTools(t *testing.T) {
	client := &scriptedClient{turns: [][]*provider.CompletionChunk{textTurn("ok")}}
	loop := NewLoop(LoopConfig{}, lookupDispatcher(t), nil, quietLogger())

	if _, err := loop.Run(context.Background(), RunInput{
		Client:  client,
		History: []models.Message{{Role: models.RoleUser, Content: "hi"}},
	}, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}

	defs := client.requests[0].Tools
	if len(defs) != 1 || defs[0].Name != "lookup" {
		t.Errorf("tool definitions = %+v", defs)
	}
}

func TestHistoryToCompletionFoldsToolMessages(t *testing.T) {
	history := []models.Message{
		{Role: models.RoleUser, Content: "go"},
		{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{
			{ID: "a", Name: "lookup", Input: json.RawMessage(`{}`)},
			{ID: "b", Name: "lookup", Input: json.RawMessage(`{}`)},
		}},
		{Role: models.RoleTool, ToolCallID: "a", Content: "one"},
		{Role: models.RoleTool, ToolCallID: "b", Content: "two"},
		{Role: models.RoleAssistant, Content: "done"},
	}

	out := historyToCompletion(history)
	if len(out) != 4 {
		t.Fatalf("len = %d, want 4: %+v", len(out), out)
	}
	if out[2].Role != "tool" || len(out[2].ToolResults) != 2 {
		t.Errorf("folded tool message = %+v", out[2])
	}
	if out[2].ToolResults[1].ToolCallID != "b" {
		t.Errorf("tool results = %+v", out[2].ToolResults)
	}
}
