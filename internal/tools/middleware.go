package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/parley-ai/parley/internal/observability"
	"github.com/parley-ai/parley/internal/ratelimit"
	"github.com/parley-ai/parley/internal/security"
)

// Call carries one tool invocation through the middleware chain. Middleware
// may rewrite Args before the tool runs and observe Result afterwards.
type Call struct {
	Tool   string
	Args   map[string]any
	Result string
}

// Next continues the chain.
type Next func(ctx context.Context) error

// Middleware intercepts a tool call. It must propagate errors from next
// upward so the outermost frame sees every failure.
type Middleware func(ctx context.Context, call *Call, next Next) error

// Combine stacks middleware into one, applied in argument order: the first
// middleware is outermost.
func Combine(middlewares ...Middleware) Middleware {
	return func(ctx context.Context, call *Call, next Next) error {
		chain := next
		for i := len(middlewares) - 1; i >= 0; i-- {
			mw := middlewares[i]
			inner := chain
			chain = func(ctx context.Context) error {
				return mw(ctx, call, inner)
			}
		}
		return chain(ctx)
	}
}

const argsPreviewLimit = 200

func argsPreview(args map[string]any) string {
	s := fmt.Sprintf("%v", args)
	if len(s) > argsPreviewLimit {
		s = s[:argsPreviewLimit]
	}
	return s
}

// TracingMiddleware opens a span per tool call, logs start and completion,
// and records the tool execution metric.
func TracingMiddleware(tracer *observability.Tracer, metrics *observability.Metrics, logger *observability.Logger) Middleware {
	return func(ctx context.Context, call *Call, next Next) error {
		preview := argsPreview(call.Args)
		start := time.Now()

		var span trace.Span
		if tracer != nil {
			ctx, span = tracer.Start(ctx, "tool_execution",
				attribute.String("tool.name", call.Tool),
				attribute.String("tool.args_preview", preview),
			)
			defer span.End()
		}

		logger.Info(ctx, "tool call starting", "tool", call.Tool, "args_preview", preview)

		err := next(ctx)
		elapsed := time.Since(start)

		status := "ok"
		if err != nil {
			status = "error"
		}
		if span != nil {
			span.SetAttributes(
				attribute.Bool("tool.success", err == nil),
				attribute.Float64("tool.latency_ms", float64(elapsed.Milliseconds())),
			)
			if err != nil {
				tracer.RecordError(span, err)
			}
		}
		if metrics != nil {
			metrics.RecordToolExecution(call.Tool, status, elapsed.Seconds())
			if err != nil {
				metrics.RecordError("tools", "tool_"+call.Tool)
			}
		}

		if err != nil {
			logger.Error(ctx, "tool call failed",
				"tool", call.Tool,
				"elapsed_ms", elapsed.Milliseconds(),
				"error", err,
			)
			return err
		}

		resultPreview := call.Result
		if len(resultPreview) > argsPreviewLimit {
			resultPreview = resultPreview[:argsPreviewLimit]
		}
		logger.Info(ctx, "tool call completed",
			"tool", call.Tool,
			"elapsed_ms", elapsed.Milliseconds(),
			"result_preview", resultPreview,
		)
		return nil
	}
}

// SecurityMiddleware screens the tool name against the allow and block lists
// and validates every string argument with the input validator, writing the
// normalized values back into the call. A nil allowedTools admits every tool
// not in blockedTools.
func SecurityMiddleware(validator *security.InputValidator, allowedTools, blockedTools []string, logger *observability.Logger) Middleware {
	return func(ctx context.Context, call *Call, next Next) error {
		if validator != nil {
			validated, err := validator.ValidateToolCall(call.Tool, call.Args, allowedTools, blockedTools)
			if err != nil {
				logger.Warn(ctx, "tool call rejected",
					"tool", call.Tool, "error", err)
				return fmt.Errorf("tool %q: %w", call.Tool, err)
			}
			call.Args = validated
		}
		return next(ctx)
	}
}

// RateLimitMiddleware applies per-tool admission with identity "tool:<name>"
// and records the call on success.
func RateLimitMiddleware(limiter *ratelimit.Limiter, logger *observability.Logger) Middleware {
	return func(ctx context.Context, call *Call, next Next) error {
		identity := "tool:" + call.Tool
		if limiter != nil {
			if err := limiter.Check(identity, 0); err != nil {
				logger.Warn(ctx, "tool rate limit exceeded", "tool", call.Tool, "error", err)
				return err
			}
		}
		if err := next(ctx); err != nil {
			return err
		}
		if limiter != nil {
			limiter.Record(identity, 0)
		}
		return nil
	}
}

// sensitiveArgKeys mask argument values in audit records.
var sensitiveArgKeys = []string{"password", "token", "secret", "key", "credential", "auth"}

func redactArgs(args map[string]any) map[string]any {
	out := make(map[string]any, len(args))
	for k, v := range args {
		lower := strings.ToLower(k)
		redacted := false
		for _, s := range sensitiveArgKeys {
			if strings.Contains(lower, s) {
				out[k] = "[REDACTED]"
				redacted = true
				break
			}
		}
		if !redacted {
			out[k] = v
		}
	}
	return out
}

// AuditFunc receives one audit record per tool call.
type AuditFunc func(entry map[string]any)

// AuditMiddleware records every tool call with sensitive argument values
// masked. When fn is nil the record goes to the logger.
func AuditMiddleware(fn AuditFunc, logger *observability.Logger) Middleware {
	return func(ctx context.Context, call *Call, next Next) error {
		entry := map[string]any{
			"event":     "tool_call",
			"tool":      call.Tool,
			"args":      redactArgs(call.Args),
			"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		}

		err := next(ctx)
		if err != nil {
			entry["success"] = false
			entry["error"] = err.Error()
		} else {
			entry["success"] = true
			preview := call.Result
			if len(preview) > 100 {
				preview = preview[:100]
			}
			entry["result_preview"] = preview
		}

		if fn != nil {
			fn(entry)
		} else {
			logger.Info(ctx, "tool call recorded",
				"tool", entry["tool"],
				"args", entry["args"],
				"success", entry["success"],
			)
		}
		return err
	}
}

// PerformanceMiddleware warns when a tool call exceeds the threshold.
// Zero threshold means 10 seconds.
func PerformanceMiddleware(threshold time.Duration, logger *observability.Logger) Middleware {
	if threshold <= 0 {
		threshold = 10 * time.Second
	}
	return func(ctx context.Context, call *Call, next Next) error {
		start := time.Now()
		err := next(ctx)
		elapsed := time.Since(start)

		logger.Debug(ctx, "tool execution timed",
			"tool", call.Tool, "elapsed_ms", elapsed.Milliseconds())
		if elapsed > threshold {
			logger.Warn(ctx, "slow tool call",
				"tool", call.Tool, "elapsed_seconds", elapsed.Seconds())
		}
		return err
	}
}

// Dispatcher runs registry tools through a middleware chain.
type Dispatcher struct {
	registry   *Registry
	middleware Middleware
}

// NewDispatcher wires a dispatcher. A nil middleware dispatches directly.
func NewDispatcher(registry *Registry, middleware Middleware) *Dispatcher {
	return &Dispatcher{registry: registry, middleware: middleware}
}

// Registry returns the underlying registry.
func (d *Dispatcher) Registry() *Registry { return d.registry }

// Dispatch validates arguments against the tool schema, runs the middleware
// chain and invokes the tool.
func (d *Dispatcher) Dispatch(ctx context.Context, name string, args map[string]any) (string, error) {
	desc, ok := d.registry.Get(name)
	if !ok {
		return "", fmt.Errorf("unknown tool %q", name)
	}
	if args == nil {
		args = make(map[string]any)
	}
	if err := d.registry.ValidateArgs(name, args); err != nil {
		return "", err
	}

	call := &Call{Tool: name, Args: args}
	invoke := func(ctx context.Context) error {
		result, err := desc.handler(ctx, call.Args)
		if err != nil {
			return err
		}
		call.Result = result
		return nil
	}

	var err error
	if d.middleware != nil {
		err = d.middleware(ctx, call, invoke)
	} else {
		err = invoke(ctx)
	}
	if err != nil {
		return "", err
	}
	return call.Result, nil
}
