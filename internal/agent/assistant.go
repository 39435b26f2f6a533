package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/parley-ai/parley/internal/config"
	"github.com/parley-ai/parley/internal/mcp"
	"github.com/parley-ai/parley/internal/memory"
	"github.com/parley-ai/parley/internal/observability"
	"github.com/parley-ai/parley/internal/provider"
	"github.com/parley-ai/parley/internal/ratelimit"
	"github.com/parley-ai/parley/internal/retry"
	"github.com/parley-ai/parley/internal/security"
	"github.com/parley-ai/parley/internal/tools"
	"github.com/parley-ai/parley/internal/workflow"
	"github.com/parley-ai/parley/pkg/models"
)

// globalIdentity is the rate-limit identity used when no user ID is given.
const globalIdentity = "global"

// Deps holds the wired subsystems the assistant orchestrates. ERP and
// Sessions may be nil when the ERP integration is disabled.
type Deps struct {
	Config     config.Config
	Logger     *observability.Logger
	Tracer     *observability.Tracer
	Metrics    *observability.Metrics
	Limiter    *ratelimit.Limiter
	Validator  *security.InputValidator
	Dispatcher *tools.Dispatcher
	Memory     *memory.Manager
	Sessions   *mcp.SessionManager
	ERP        *mcp.ERPTool
	Providers  *provider.Registry
	Workflows  *workflow.Engine
}

// Assistant is the request orchestrator. Every question passes through rate
// limiting, input validation, history resolution, model selection and the
// tool loop, and leaves as a response envelope that never exposes internal
// error detail.
type Assistant struct {
	deps         Deps
	loop         *Loop
	systemPrompt string
	retryConfig  retry.Config

	initMu        sync.Mutex
	summarizeOnce sync.Once
}

// NewAssistant wires the assistant. The system prompt comes from the
// assistant config, falling back to the prompt file when set.
func NewAssistant(deps Deps) (*Assistant, error) {
	prompt, err := config.LoadSystemPrompt(deps.Config.Assistant)
	if err != nil {
		return nil, err
	}

	retryConfig := retry.Transient()
	retryConfig.Retryable = provider.IsTransient
	if deps.Config.Assistant.MaxAgentRetries > 0 {
		retryConfig.MaxAttempts = deps.Config.Assistant.MaxAgentRetries
	}

	return &Assistant{
		deps:         deps,
		loop:         NewLoop(DefaultLoopConfig(), deps.Dispatcher, deps.ERP, deps.Logger),
		systemPrompt: prompt,
		retryConfig:  retryConfig,
	}, nil
}

// ensureInit performs the lazy startup work that needs a live request
// context: connecting the ERP adapter and installing the summarizer. ERP
// connection failures degrade the request rather than failing it, and are
// retried on the next request.
func (a *Assistant) ensureInit(ctx context.Context) {
	a.initMu.Lock()
	defer a.initMu.Unlock()

	if a.deps.ERP != nil && !a.deps.ERP.IsConnected() {
		if err := a.deps.ERP.Connect(ctx); err != nil {
			a.deps.Logger.Warn(ctx, "erp connection failed, continuing without erp tools", "error", err)
		}
	}

	a.summarizeOnce.Do(func() {
		client, err := a.deps.Providers.Client("")
		if err != nil {
			a.deps.Logger.Warn(ctx, "no default model client, summarization disabled", "error", err)
			return
		}
		a.deps.Memory.SetSummarizer(&memory.Summarizer{
			TargetTokens: a.deps.Config.Memory.SummaryTargetTokens,
			Complete: func(ctx context.Context, prompt string) (string, error) {
				chunks, err := client.Complete(ctx, &provider.CompletionRequest{
					Messages: []provider.CompletionMessage{{Role: "user", Content: prompt}},
				})
				if err != nil {
					return "", err
				}
				text, _, err := provider.Collect(ctx, chunks)
				return text, err
			},
		})
	})
}

// ProcessQuestion answers one question, blocking until the full answer is
// available.
func (a *Assistant) ProcessQuestion(ctx context.Context, question, chatID, userID, model string) *models.QuestionResponse {
	start := time.Now()
	ctx, span := a.deps.Tracer.Start(ctx, "process_question",
		attribute.String("chat_id", chatID),
		attribute.String("model", model),
	)
	defer span.End()
	if userID != "" {
		ctx = observability.AddUserID(ctx, userID)
	}

	a.ensureInit(ctx)

	identity := userID
	if identity == "" {
		identity = globalIdentity
	}
	if err := a.deps.Limiter.Check(identity, memory.EstimateTokens(question)); err != nil {
		a.recordRateLimitRejection(err)
		return a.failQuestion(ctx, span, question, chatID, err, start)
	}
	a.deps.Limiter.AcquireSlot(identity)
	defer a.deps.Limiter.ReleaseSlot(identity)

	clean, err := a.deps.Validator.Validate(question, security.ContextQuestion)
	if err != nil {
		return a.failQuestion(ctx, span, question, chatID, err, start)
	}

	chatID, thread, err := a.deps.Memory.GetOrCreateThread(ctx, chatID)
	if err != nil {
		return a.failQuestion(ctx, span, question, chatID, err, start)
	}
	ctx = observability.AddChatID(ctx, chatID)
	span.SetAttributes(attribute.String("resolved_chat_id", chatID))

	if _, err := a.deps.Memory.SummarizeIfNeeded(ctx, chatID); err != nil {
		a.deps.Logger.Warn(ctx, "summarization failed, continuing with full history", "error", err)
	}

	thread.Append(models.Message{Role: models.RoleUser, Content: clean})

	client, modelID, err := a.resolveModel(model)
	if err != nil {
		return a.failQuestion(ctx, span, question, chatID, err, start)
	}

	result, err := a.runLoop(ctx, client, modelID, thread.Messages(), chatID, userID, nil)
	if err != nil {
		return a.failQuestion(ctx, span, question, chatID, err, start)
	}

	for _, msg := range result.NewMessages {
		thread.Append(msg)
	}
	if err := a.deps.Memory.SaveThread(ctx, chatID, thread, false); err != nil {
		a.deps.Logger.Warn(ctx, "failed to save thread", "chat_id", chatID, "error", err)
	}

	a.deps.Limiter.Record(identity, result.Usage.TotalTokens)
	elapsed := time.Since(start)
	a.recordSuccess(client.Name(), modelID, result.Usage, elapsed)
	a.deps.Logger.Info(ctx, "question answered",
		"chat_id", chatID,
		"tool_calls", len(result.ToolCalls),
		"latency_ms", elapsed.Milliseconds(),
	)

	response := &models.QuestionResponse{
		Question:  clean,
		Answer:    result.Text,
		ChatID:    chatID,
		Success:   true,
		ToolCalls: result.ToolCalls,
		LatencyMS: float64(elapsed) / float64(time.Millisecond),
		Model:     modelID,
	}
	if result.Usage.TotalTokens > 0 {
		usage := result.Usage
		response.Usage = &usage
	}
	return response
}

// ProcessQuestionStream answers one question, streaming text deltas as they
// arrive. Exactly one chunk has Done set; it carries the chat ID and the
// tool call records.
func (a *Assistant) ProcessQuestionStream(ctx context.Context, question, chatID, userID, model string) <-chan *models.StreamChunk {
	out := make(chan *models.StreamChunk)
	go func() {
		defer close(out)

		start := time.Now()
		ctx, span := a.deps.Tracer.Start(ctx, "process_question_stream",
			attribute.String("chat_id", chatID),
		)
		defer span.End()

		fail := func(resolvedChatID string, err error) {
			a.recordFailure(ctx, span, err, start)
			out <- &models.StreamChunk{
				Done:      true,
				ChatID:    resolvedChatID,
				ErrorType: errorKindOf(err),
			}
		}

		a.ensureInit(ctx)

		identity := userID
		if identity == "" {
			identity = globalIdentity
		}
		if err := a.deps.Limiter.Check(identity, memory.EstimateTokens(question)); err != nil {
			a.recordRateLimitRejection(err)
			fail(chatID, err)
			return
		}
		a.deps.Limiter.AcquireSlot(identity)
		defer a.deps.Limiter.ReleaseSlot(identity)

		clean, err := a.deps.Validator.Validate(question, security.ContextQuestion)
		if err != nil {
			fail(chatID, err)
			return
		}

		chatID, thread, err := a.deps.Memory.GetOrCreateThread(ctx, chatID)
		if err != nil {
			fail(chatID, err)
			return
		}
		ctx = observability.AddChatID(ctx, chatID)

		if _, err := a.deps.Memory.SummarizeIfNeeded(ctx, chatID); err != nil {
			a.deps.Logger.Warn(ctx, "summarization failed, continuing with full history", "error", err)
		}

		thread.Append(models.Message{Role: models.RoleUser, Content: clean})

		client, modelID, err := a.resolveModel(model)
		if err != nil {
			fail(chatID, err)
			return
		}

		onText := func(text string) {
			select {
			case out <- &models.StreamChunk{Text: text}:
			case <-ctx.Done():
			}
		}
		result, err := a.runLoop(ctx, client, modelID, thread.Messages(), chatID, userID, onText)
		if err != nil {
			fail(chatID, err)
			return
		}

		for _, msg := range result.NewMessages {
			thread.Append(msg)
		}
		if err := a.deps.Memory.SaveThread(ctx, chatID, thread, false); err != nil {
			a.deps.Logger.Warn(ctx, "failed to save thread", "chat_id", chatID, "error", err)
		}

		a.deps.Limiter.Record(identity, result.Usage.TotalTokens)
		a.recordSuccess(client.Name(), modelID, result.Usage, time.Since(start))

		out <- &models.StreamChunk{
			Done:      true,
			ChatID:    chatID,
			ToolCalls: result.ToolCalls,
		}
	}()
	return out
}

// resolveModel picks the chat client and model ID for a request. An empty
// name means the default provider.
func (a *Assistant) resolveModel(name string) (provider.ChatClient, string, error) {
	client, err := a.deps.Providers.Client(name)
	if err != nil {
		return nil, "", err
	}
	modelID, err := a.deps.Providers.ModelID(name)
	if err != nil {
		return nil, "", err
	}
	return client, modelID, nil
}

// runLoop executes the tool loop, retrying only transient provider failures.
// Streaming runs are never retried past first output: once text reached the
// caller a retry would duplicate it.
func (a *Assistant) runLoop(ctx context.Context, client provider.ChatClient, modelID string, history []models.Message, chatID, userID string, onText func(string)) (*RunResult, error) {
	input := RunInput{
		Client:  client,
		Model:   modelID,
		System:  a.systemPrompt,
		History: history,
		ChatID:  chatID,
		UserID:  userID,
	}

	retryConfig := a.retryConfig
	if onText != nil {
		emitted := false
		wrapped := onText
		onText = func(text string) {
			emitted = true
			wrapped(text)
		}
		inner := retryConfig.Retryable
		retryConfig.Retryable = func(err error) bool {
			return !emitted && (inner == nil || inner(err))
		}
	}

	result, outcome := retry.DoWithValue(ctx, retryConfig, func() (*RunResult, error) {
		return a.loop.Run(ctx, input, onText)
	})
	if outcome.Err != nil {
		return nil, outcome.Err
	}
	if outcome.Attempts > 1 {
		a.deps.Logger.Info(ctx, "model request succeeded after retry", "attempts", outcome.Attempts)
	}
	return result, nil
}

// RunWorkflow executes a named workflow over a question. The answer
// concatenates each agent's output under an author annotation.
func (a *Assistant) RunWorkflow(ctx context.Context, workflowName, question, chatID, userID string) *models.WorkflowResponse {
	start := time.Now()
	ctx, span := a.deps.Tracer.Start(ctx, "run_workflow",
		attribute.String("workflow", workflowName),
	)
	defer span.End()

	fail := func(resolvedChatID string, err error) *models.WorkflowResponse {
		a.recordFailure(ctx, span, err, start)
		kind := errorKindOf(err)
		return &models.WorkflowResponse{
			Workflow:  workflowName,
			Message:   question,
			Answer:    failureAnswer(err, kind),
			ChatID:    resolvedChatID,
			Success:   false,
			ErrorType: kind,
			LatencyMS: latencyMS(start),
		}
	}

	a.ensureInit(ctx)

	identity := userID
	if identity == "" {
		identity = globalIdentity
	}
	if err := a.deps.Limiter.Check(identity, memory.EstimateTokens(question)); err != nil {
		a.recordRateLimitRejection(err)
		return fail(chatID, err)
	}
	a.deps.Limiter.AcquireSlot(identity)
	defer a.deps.Limiter.ReleaseSlot(identity)

	clean, err := a.deps.Validator.Validate(question, security.ContextQuestion)
	if err != nil {
		return fail(chatID, err)
	}

	chatID, thread, err := a.deps.Memory.GetOrCreateThread(ctx, chatID)
	if err != nil {
		return fail(chatID, err)
	}
	ctx = observability.AddChatID(ctx, chatID)

	steps, err := a.deps.Workflows.Run(ctx, workflowName, clean, a.workflowAgentRunner(chatID, userID, nil))
	if err != nil {
		return fail(chatID, err)
	}

	parts := make([]string, 0, len(steps))
	stepRecords := make([]models.WorkflowStep, 0, len(steps))
	for _, step := range steps {
		parts = append(parts, fmt.Sprintf("**%s:**\n%s", step.Agent, step.Output))
		stepRecords = append(stepRecords, models.WorkflowStep{Agent: step.Agent, Status: "completed"})
	}
	answer := strings.Join(parts, "\n\n")

	thread.Append(models.Message{Role: models.RoleUser, Content: clean})
	thread.Append(models.Message{Role: models.RoleAssistant, Content: answer})
	if err := a.deps.Memory.SaveThread(ctx, chatID, thread, false); err != nil {
		a.deps.Logger.Warn(ctx, "failed to save thread", "chat_id", chatID, "error", err)
	}

	author := ""
	if len(steps) > 0 {
		author = steps[len(steps)-1].Agent
	}
	a.deps.Metrics.RecordRequest("ok", "", time.Since(start).Seconds())
	return &models.WorkflowResponse{
		Workflow:  workflowName,
		Message:   clean,
		Answer:    answer,
		ChatID:    chatID,
		Author:    author,
		Steps:     stepRecords,
		Success:   true,
		LatencyMS: latencyMS(start),
	}
}

// RunWorkflowStream executes a named workflow, streaming each agent's text
// as it is produced.
func (a *Assistant) RunWorkflowStream(ctx context.Context, workflowName, question, chatID, userID string) <-chan *models.WorkflowStreamChunk {
	out := make(chan *models.WorkflowStreamChunk)
	go func() {
		defer close(out)

		start := time.Now()
		ctx, span := a.deps.Tracer.Start(ctx, "run_workflow_stream",
			attribute.String("workflow", workflowName),
		)
		defer span.End()

		fail := func(resolvedChatID string, err error) {
			a.recordFailure(ctx, span, err, start)
			out <- &models.WorkflowStreamChunk{
				Done:      true,
				ChatID:    resolvedChatID,
				ErrorType: errorKindOf(err),
			}
		}

		a.ensureInit(ctx)

		identity := userID
		if identity == "" {
			identity = globalIdentity
		}
		if err := a.deps.Limiter.Check(identity, memory.EstimateTokens(question)); err != nil {
			a.recordRateLimitRejection(err)
			fail(chatID, err)
			return
		}
		a.deps.Limiter.AcquireSlot(identity)
		defer a.deps.Limiter.ReleaseSlot(identity)

		clean, err := a.deps.Validator.Validate(question, security.ContextQuestion)
		if err != nil {
			fail(chatID, err)
			return
		}

		chatID, thread, err := a.deps.Memory.GetOrCreateThread(ctx, chatID)
		if err != nil {
			fail(chatID, err)
			return
		}

		emit := func(agent, text string) {
			select {
			case out <- &models.WorkflowStreamChunk{Agent: agent, Text: text}:
			case <-ctx.Done():
			}
		}
		steps, err := a.deps.Workflows.Run(ctx, workflowName, clean, a.workflowAgentRunner(chatID, userID, emit))
		if err != nil {
			fail(chatID, err)
			return
		}

		parts := make([]string, 0, len(steps))
		for _, step := range steps {
			parts = append(parts, fmt.Sprintf("**%s:**\n%s", step.Agent, step.Output))
		}
		thread.Append(models.Message{Role: models.RoleUser, Content: clean})
		thread.Append(models.Message{Role: models.RoleAssistant, Content: strings.Join(parts, "\n\n")})
		if err := a.deps.Memory.SaveThread(ctx, chatID, thread, false); err != nil {
			a.deps.Logger.Warn(ctx, "failed to save thread", "chat_id", chatID, "error", err)
		}

		a.deps.Metrics.RecordRequest("ok", "", time.Since(start).Seconds())
		out <- &models.WorkflowStreamChunk{Done: true, ChatID: chatID}
	}()
	return out
}

// workflowAgentRunner adapts the tool loop to the workflow engine's agent
// interface. Each agent runs with its own instructions and optional model,
// seeing only its input rather than the chat history.
func (a *Assistant) workflowAgentRunner(chatID, userID string, emit func(agent, text string)) workflow.RunAgentFunc {
	return func(ctx context.Context, spec workflow.AgentSpec, input string) (string, error) {
		client, err := a.deps.Providers.Client(spec.Model)
		if err != nil {
			return "", err
		}
		modelID, err := a.deps.Providers.ModelID(spec.Model)
		if err != nil {
			return "", err
		}

		var onText func(string)
		if emit != nil {
			onText = func(text string) { emit(spec.Name, text) }
		}

		runInput := RunInput{
			Client:  client,
			Model:   modelID,
			System:  spec.Instructions,
			History: []models.Message{{Role: models.RoleUser, Content: input}},
			ChatID:  chatID,
			UserID:  userID,
		}
		result, outcome := retry.DoWithValue(ctx, a.retryConfig, func() (*RunResult, error) {
			return a.loop.Run(ctx, runInput, onText)
		})
		if outcome.Err != nil {
			return "", outcome.Err
		}
		return result.Text, nil
	}
}

// ListChats lists known chats from the requested source.
func (a *Assistant) ListChats(ctx context.Context, source string, limit int) ([]models.ChatListItem, error) {
	return a.deps.Memory.ListChats(ctx, source, limit)
}

// DeleteChat removes a chat's history and any MCP sessions bound to it.
func (a *Assistant) DeleteChat(ctx context.Context, chatID string) error {
	if a.deps.Sessions != nil {
		for _, session := range a.deps.Sessions.ListSessions(chatID) {
			a.deps.Sessions.DeleteSession(ctx, session.ChatID, session.ServerName)
		}
	}
	return a.deps.Memory.DeleteChat(ctx, chatID)
}

// ListWorkflows returns the names of the loaded workflows.
func (a *Assistant) ListWorkflows() []string {
	return a.deps.Workflows.ListWorkflows()
}

// WorkflowInfo describes a loaded workflow, or nil when not found.
func (a *Assistant) WorkflowInfo(name string) *workflow.Info {
	return a.deps.Workflows.GetWorkflowInfo(name)
}

// SessionStats reports the state of an active chat session.
func (a *Assistant) SessionStats(chatID string) *memory.SessionStats {
	return a.deps.Memory.GetSessionStats(chatID)
}

// Close shuts the assistant down, flushing history and closing the ERP
// connection.
func (a *Assistant) Close(ctx context.Context) error {
	var firstErr error
	if a.deps.Sessions != nil {
		a.deps.Sessions.Close(ctx)
	}
	if a.deps.ERP != nil {
		if err := a.deps.ERP.Close(); err != nil {
			firstErr = err
		}
	}
	if err := a.deps.Memory.Close(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func (a *Assistant) failQuestion(ctx context.Context, span trace.Span, question, chatID string, err error, start time.Time) *models.QuestionResponse {
	a.recordFailure(ctx, span, err, start)
	kind := errorKindOf(err)
	return &models.QuestionResponse{
		Question:   question,
		ChatID:     chatID,
		Success:    false,
		ErrorType:  kind,
		Answer:     failureAnswer(err, kind),
		RetryAfter: retryAfterSeconds(err),
		LatencyMS:  latencyMS(start),
	}
}

func (a *Assistant) recordFailure(ctx context.Context, span trace.Span, err error, start time.Time) {
	kind := errorKindOf(err)
	a.deps.Metrics.RecordRequest("error", kind, time.Since(start).Seconds())
	a.deps.Metrics.RecordError("assistant", kind)
	a.deps.Tracer.RecordError(span, err)
	a.deps.Logger.Error(ctx, "request failed", "error_type", kind, "error", err)
}

func (a *Assistant) recordRateLimitRejection(err error) {
	var exceeded *ratelimit.ExceededError
	kind := "unknown"
	if errors.As(err, &exceeded) {
		kind = exceeded.Kind
	}
	a.deps.Metrics.RecordRateLimitRejection(kind)
}

func (a *Assistant) recordSuccess(providerName, modelID string, usage models.TokenUsage, elapsed time.Duration) {
	a.deps.Metrics.RecordRequest("ok", "", elapsed.Seconds())
	a.deps.Metrics.RecordLLMRequest(providerName, modelID, "ok", elapsed.Seconds(), usage.InputTokens, usage.OutputTokens)
}

func errorKindOf(err error) string {
	var exceeded *ratelimit.ExceededError
	if errors.As(err, &exceeded) {
		return models.ErrorTypeRateLimit
	}
	var validation *security.ValidationError
	if errors.As(err, &validation) {
		return models.ErrorTypeValidation
	}
	var provErr *provider.Error
	if errors.As(err, &provErr) {
		return models.ErrorTypeProvider
	}
	if strings.Contains(err.Error(), "unknown model provider") || strings.Contains(err.Error(), "not found") {
		return models.ErrorTypeNotFound
	}
	return models.ErrorTypeInternal
}

// failureAnswer builds the user-facing text for a failed request. Rate limit
// and validation failures surface their typed messages, which are written to
// be safe for callers; provider and internal failures stay generic so no
// backend detail leaks.
func failureAnswer(err error, kind string) string {
	switch kind {
	case models.ErrorTypeRateLimit:
		var exceeded *ratelimit.ExceededError
		if errors.As(err, &exceeded) {
			msg := exceeded.Message
			if rest, ok := strings.CutPrefix(msg, "rate limit exceeded: "); ok {
				msg = rest
			}
			return "Rate limit exceeded: " + msg
		}
		return "Rate limit exceeded: please wait a moment and try again."
	case models.ErrorTypeValidation:
		var validation *security.ValidationError
		if errors.As(err, &validation) {
			return "Error: " + validation.Message
		}
		return "Error: input validation failed."
	case models.ErrorTypeNotFound:
		return "Error: " + err.Error()
	default:
		return "Something went wrong while answering your question. Please try again."
	}
}

// retryAfterSeconds extracts the wait reported by a rate-limit rejection.
func retryAfterSeconds(err error) float64 {
	var exceeded *ratelimit.ExceededError
	if errors.As(err, &exceeded) {
		return exceeded.RetryAfter.Seconds()
	}
	return 0
}

func latencyMS(start time.Time) float64 {
	return float64(time.Since(start)) / float64(time.Millisecond)
}
