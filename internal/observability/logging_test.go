package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func TestLoggerRedactsSecrets(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "debug", Format: "json", Output: &buf})

	logger.Info(context.Background(), "connecting", "detail", "api_key=abcdefghij0123456789")

	out := buf.String()
	if strings.Contains(out, "abcdefghij0123456789") {
		t.Errorf("secret leaked into log output: %s", out)
	}
	if !strings.Contains(out, "[REDACTED]") {
		t.Errorf("expected redaction marker in output: %s", out)
	}
}

func TestLoggerRedactsSensitiveMapKeys(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Format: "json", Output: &buf})

	logger.Info(context.Background(), "tool call", "args", map[string]any{
		"password": "hunter2secret",
		"query":    "open orders",
	})

	out := buf.String()
	if strings.Contains(out, "hunter2secret") {
		t.Errorf("password value leaked: %s", out)
	}
	if !strings.Contains(out, "open orders") {
		t.Errorf("benign value dropped: %s", out)
	}
}

func TestLoggerContextCorrelation(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Format: "json", Output: &buf})

	ctx := AddRequestID(context.Background(), "req-1")
	ctx = AddChatID(ctx, "chat-2")
	ctx = AddUserID(ctx, "user-3")
	logger.Info(ctx, "hello")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("log output is not JSON: %v", err)
	}
	if record["request_id"] != "req-1" || record["chat_id"] != "chat-2" || record["user_id"] != "user-3" {
		t.Errorf("missing correlation fields: %v", record)
	}
}

func TestLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "warn", Format: "text", Output: &buf})

	logger.Info(context.Background(), "should be filtered")
	if buf.Len() != 0 {
		t.Errorf("info record emitted at warn level: %s", buf.String())
	}
	logger.Warn(context.Background(), "should appear")
	if buf.Len() == 0 {
		t.Error("warn record not emitted")
	}
}

func TestNewTracerNoEndpoint(t *testing.T) {
	tracer, shutdown := NewTracer(TraceConfig{ServiceName: "test"})
	defer shutdown(context.Background())

	ctx, span := tracer.Start(context.Background(), "op")
	span.End()
	if GetTraceID(ctx) != "" {
		t.Error("no-op tracer should not produce a valid trace id")
	}
}
