package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/parley-ai/parley/pkg/models"
)

const anthropicDefaultMaxTokens = 4096

// AnthropicConfig configures the Anthropic chat client.
type AnthropicConfig struct {
	APIKey string
	// Model is the model ID used when a request leaves Model empty.
	Model string
	// BaseURL overrides the API base URL.
	BaseURL string
}

// AnthropicClient streams chat completions from the Anthropic Messages API.
// Tool input arrives as partial JSON deltas and is assembled per content
// block.
type AnthropicClient struct {
	client       anthropic.Client
	defaultModel string
}

// NewAnthropicClient creates the client.
func NewAnthropicClient(cfg AnthropicConfig) (*AnthropicClient, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: api key is required")
	}
	options := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		options = append(options, option.WithBaseURL(cfg.BaseURL))
	}
	return &AnthropicClient{
		client:       anthropic.NewClient(options...),
		defaultModel: cfg.Model,
	}, nil
}

func (c *AnthropicClient) Name() string { return "anthropic" }

// Complete starts a streaming completion and returns the chunk channel.
func (c *AnthropicClient) Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error) {
	model := req.Model
	if model == "" {
		model = c.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = anthropicDefaultMaxTokens
	}

	messages, err := convertAnthropicMessages(req.Messages)
	if err != nil {
		return nil, fmt.Errorf("anthropic: %w", err)
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}
	if len(req.Tools) > 0 {
		tools, err := convertAnthropicTools(req.Tools)
		if err != nil {
			return nil, fmt.Errorf("anthropic: %w", err)
		}
		params.Tools = tools
	}

	stream := c.client.Messages.NewStreaming(ctx, params)

	chunks := make(chan *CompletionChunk)
	go c.processStream(stream, chunks, model)
	return chunks, nil
}

func (c *AnthropicClient) processStream(stream *ssestream.Stream[anthropic.MessageStreamEventUnion], chunks chan<- *CompletionChunk, model string) {
	defer close(chunks)

	var currentToolCall *models.ToolCall
	var currentToolInput strings.Builder
	var usage models.TokenUsage

	for stream.Next() {
		event := stream.Current()
		switch event.Type {
		case "message_start":
			messageStart := event.AsMessageStart()
			if messageStart.Message.Usage.InputTokens > 0 {
				usage.InputTokens = int(messageStart.Message.Usage.InputTokens)
			}

		case "content_block_start":
			contentBlock := event.AsContentBlockStart().ContentBlock
			if contentBlock.Type == "tool_use" {
				toolUse := contentBlock.AsToolUse()
				currentToolCall = &models.ToolCall{ID: toolUse.ID, Name: toolUse.Name}
				currentToolInput.Reset()
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					chunks <- &CompletionChunk{Text: delta.Text}
				}
			case "input_json_delta":
				currentToolInput.WriteString(delta.PartialJSON)
			}

		case "content_block_stop":
			if currentToolCall != nil {
				currentToolCall.Input = json.RawMessage(currentToolInput.String())
				chunks <- &CompletionChunk{ToolCall: currentToolCall}
				currentToolCall = nil
			}

		case "message_delta":
			messageDelta := event.AsMessageDelta()
			if messageDelta.Usage.OutputTokens > 0 {
				usage.OutputTokens = int(messageDelta.Usage.OutputTokens)
			}

		case "message_stop":
			usage.TotalTokens = usage.InputTokens + usage.OutputTokens
			chunks <- &CompletionChunk{Done: true, Usage: &usage}
			return
		}
	}

	if err := stream.Err(); err != nil {
		chunks <- &CompletionChunk{Error: Classify(err, "anthropic", model), Done: true}
		return
	}
	usage.TotalTokens = usage.InputTokens + usage.OutputTokens
	chunks <- &CompletionChunk{Done: true, Usage: &usage}
}

// convertAnthropicMessages maps the internal format to Anthropic content
// blocks. System messages are carried in params.System, not here; tool
// results ride in user messages.
func convertAnthropicMessages(messages []CompletionMessage) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam
	for _, msg := range messages {
		if msg.Role == "system" {
			continue
		}

		var content []anthropic.ContentBlockParamUnion
		if msg.Content != "" {
			content = append(content, anthropic.NewTextBlock(msg.Content))
		}
		for _, tr := range msg.ToolResults {
			content = append(content, anthropic.NewToolResultBlock(tr.ToolCallID, tr.Content, tr.IsError))
		}
		for _, tc := range msg.ToolCalls {
			var input map[string]any
			if err := json.Unmarshal(tc.Input, &input); err != nil {
				return nil, fmt.Errorf("invalid tool call input for %s: %w", tc.Name, err)
			}
			content = append(content, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
		}
		if len(content) == 0 {
			continue
		}

		if msg.Role == "assistant" {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}
	return result, nil
}

func convertAnthropicTools(tools []ToolDefinition) ([]anthropic.ToolUnionParam, error) {
	var result []anthropic.ToolUnionParam
	for _, tool := range tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(tool.Schema, &schema); err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", tool.Name, err)
		}
		toolParam := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if toolParam.OfTool == nil {
			return nil, fmt.Errorf("invalid tool schema for %s: missing tool definition", tool.Name)
		}
		toolParam.OfTool.Description = anthropic.String(tool.Description)
		result = append(result, toolParam)
	}
	return result, nil
}
