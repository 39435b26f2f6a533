package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"

	openai "github.com/sashabaranov/go-openai"

	"github.com/parley-ai/parley/pkg/models"
)

// OpenAIConfig configures the OpenAI chat client.
type OpenAIConfig struct {
	APIKey string
	// Model is the model ID used when a request leaves Model empty.
	Model string
	// BaseURL overrides the API base URL, for proxies and compatible servers.
	BaseURL string
}

// OpenAIClient streams chat completions from the OpenAI API. Tool calls
// arrive incrementally and are accumulated until the stream marks them
// complete.
type OpenAIClient struct {
	client       *openai.Client
	defaultModel string
	name         string
}

// NewOpenAIClient creates the client.
func NewOpenAIClient(cfg OpenAIConfig) (*OpenAIClient, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai: api key is required")
	}
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	return &OpenAIClient{
		client:       openai.NewClientWithConfig(clientConfig),
		defaultModel: cfg.Model,
		name:         "openai",
	}, nil
}

func (c *OpenAIClient) Name() string { return c.name }

// Complete starts a streaming completion and returns the chunk channel.
func (c *OpenAIClient) Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error) {
	model := req.Model
	if model == "" {
		model = c.defaultModel
	}

	chatReq := openai.ChatCompletionRequest{
		Model:    model,
		Messages: convertOpenAIMessages(req.Messages, req.System),
		Stream:   true,
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = convertOpenAITools(req.Tools)
	}

	stream, err := c.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, Classify(err, c.name, model)
	}

	chunks := make(chan *CompletionChunk)
	go c.processStream(ctx, stream, chunks, model)
	return chunks, nil
}

func (c *OpenAIClient) processStream(ctx context.Context, stream *openai.ChatCompletionStream, chunks chan<- *CompletionChunk, model string) {
	defer close(chunks)
	defer stream.Close()

	// Tool calls stream in fragments keyed by index.
	toolCalls := make(map[int]*models.ToolCall)

	emitToolCalls := func() {
		indexes := make([]int, 0, len(toolCalls))
		for i := range toolCalls {
			indexes = append(indexes, i)
		}
		sort.Ints(indexes)
		for _, i := range indexes {
			tc := toolCalls[i]
			if tc.ID != "" && tc.Name != "" {
				chunks <- &CompletionChunk{ToolCall: tc}
			}
		}
		toolCalls = make(map[int]*models.ToolCall)
	}

	for {
		select {
		case <-ctx.Done():
			chunks <- &CompletionChunk{Error: ctx.Err(), Done: true}
			return
		default:
		}

		response, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				emitToolCalls()
				chunks <- &CompletionChunk{Done: true}
				return
			}
			chunks <- &CompletionChunk{Error: Classify(err, c.name, model), Done: true}
			return
		}
		if len(response.Choices) == 0 {
			continue
		}

		delta := response.Choices[0].Delta
		if delta.Content != "" {
			chunks <- &CompletionChunk{Text: delta.Content}
		}

		for _, tc := range delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			if toolCalls[index] == nil {
				toolCalls[index] = &models.ToolCall{}
			}
			if tc.ID != "" {
				toolCalls[index].ID = tc.ID
			}
			if tc.Function.Name != "" {
				toolCalls[index].Name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				toolCalls[index].Input = json.RawMessage(string(toolCalls[index].Input) + tc.Function.Arguments)
			}
		}

		if response.Choices[0].FinishReason == "tool_calls" {
			emitToolCalls()
		}
	}
}

// convertOpenAIMessages maps the internal format to the OpenAI wire format.
// The system prompt becomes the first message; tool results each become a
// separate message with the tool role.
func convertOpenAIMessages(messages []CompletionMessage, system string) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if system != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for _, msg := range messages {
		if msg.Role == "tool" && len(msg.ToolResults) > 0 {
			for _, tr := range msg.ToolResults {
				result = append(result, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    tr.Content,
					ToolCallID: tr.ToolCallID,
				})
			}
			continue
		}

		oaiMsg := openai.ChatCompletionMessage{
			Role:    msg.Role,
			Content: msg.Content,
		}
		if msg.Role == "assistant" && len(msg.ToolCalls) > 0 {
			oaiMsg.ToolCalls = make([]openai.ToolCall, len(msg.ToolCalls))
			for i, tc := range msg.ToolCalls {
				oaiMsg.ToolCalls[i] = openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Input),
					},
				}
			}
		}
		result = append(result, oaiMsg)
	}
	return result
}

func convertOpenAITools(tools []ToolDefinition) []openai.Tool {
	result := make([]openai.Tool, len(tools))
	for i, tool := range tools {
		var schemaMap map[string]any
		if err := json.Unmarshal(tool.Schema, &schemaMap); err != nil || schemaMap == nil {
			schemaMap = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  schemaMap,
			},
		}
	}
	return result
}

// AzureOpenAIConfig configures the Azure OpenAI chat client. The deployment
// name stands in for the model ID.
type AzureOpenAIConfig struct {
	APIKey     string
	Endpoint   string
	APIVersion string
	Deployment string
}

// NewAzureOpenAIClient creates an OpenAI client pointed at an Azure OpenAI
// resource. The wire protocol is shared with the plain OpenAI client.
func NewAzureOpenAIClient(cfg AzureOpenAIConfig) (*OpenAIClient, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("azure_openai: api key is required")
	}
	if cfg.Endpoint == "" {
		return nil, errors.New("azure_openai: endpoint is required")
	}
	clientConfig := openai.DefaultAzureConfig(cfg.APIKey, cfg.Endpoint)
	if cfg.APIVersion != "" {
		clientConfig.APIVersion = cfg.APIVersion
	}
	if cfg.Deployment == "" {
		return nil, fmt.Errorf("azure_openai: deployment (model) is required")
	}
	return &OpenAIClient{
		client:       openai.NewClientWithConfig(clientConfig),
		defaultModel: cfg.Deployment,
		name:         "azure_openai",
	}, nil
}
