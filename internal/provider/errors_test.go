package provider

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/parley-ai/parley/pkg/models"
)

type fakeNetError struct {
	timeout bool
}

func (e *fakeNetError) Error() string   { return "dial tcp: network unreachable" }
func (e *fakeNetError) Timeout() bool   { return e.timeout }
func (e *fakeNetError) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Reason
	}{
		{"deadline exceeded", context.DeadlineExceeded, ReasonTimeout},
		{"net timeout", &fakeNetError{timeout: true}, ReasonTimeout},
		{"net connection", &fakeNetError{}, ReasonConnection},
		{"rate limit message", errors.New("error, status code: 429, message: rate limit exceeded"), ReasonRateLimit},
		{"server error", errors.New("error, status code: 503, message: overloaded"), ReasonServerError},
		{"auth", errors.New("error, status code: 401, message: invalid api key"), ReasonAuth},
		{"bad request", errors.New("error, status code: 400, message: invalid request"), ReasonInvalidRequest},
		{"unknown", errors.New("something odd happened"), ReasonUnknown},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Classify(tc.err, "openai", "gpt-4o")
			if got.Reason != tc.want {
				t.Errorf("reason = %s, want %s", got.Reason, tc.want)
			}
			if got.Provider != "openai" || got.Model != "gpt-4o" {
				t.Errorf("provider/model = %s/%s", got.Provider, got.Model)
			}
			if !errors.Is(got, tc.err) {
				t.Error("classified error should unwrap to the cause")
			}
		})
	}

	if Classify(nil, "openai", "gpt-4o") != nil {
		t.Error("Classify(nil) should be nil")
	}
}

func TestReasonIsTransient(t *testing.T) {
	transient := []Reason{ReasonRateLimit, ReasonTimeout, ReasonConnection, ReasonServerError}
	for _, r := range transient {
		if !r.IsTransient() {
			t.Errorf("%s should be transient", r)
		}
	}
	permanent := []Reason{ReasonAuth, ReasonInvalidRequest, ReasonUnknown}
	for _, r := range permanent {
		if r.IsTransient() {
			t.Errorf("%s should not be transient", r)
		}
	}
}

func TestIsTransient(t *testing.T) {
	if !IsTransient(Classify(errors.New("rate limit"), "openai", "gpt-4o")) {
		t.Error("classified rate limit should be transient")
	}
	if IsTransient(Classify(errors.New("401 unauthorized"), "openai", "gpt-4o")) {
		t.Error("auth failure should not be transient")
	}
	if !IsTransient(&fakeNetError{}) {
		t.Error("bare net error should be transient")
	}
	if !IsTransient(context.DeadlineExceeded) {
		t.Error("deadline exceeded should be transient")
	}
	if IsTransient(errors.New("plain failure")) {
		t.Error("plain error should not be transient")
	}
}

func TestErrorFormatting(t *testing.T) {
	err := &Error{Reason: ReasonRateLimit, Provider: "openai", Model: "gpt-4o", Message: "slow down"}
	if got := err.Error(); got != "[rate_limit] openai gpt-4o: slow down" {
		t.Errorf("Error() = %q", got)
	}

	cause := errors.New("underlying")
	err = &Error{Reason: ReasonUnknown, Provider: "anthropic", Model: "claude", Cause: cause}
	if got := err.Error(); got != "[unknown] anthropic claude: underlying" {
		t.Errorf("Error() = %q", got)
	}
	if !errors.Is(err, cause) {
		t.Error("Unwrap should expose the cause")
	}
}

func TestCollect(t *testing.T) {
	chunks := make(chan *CompletionChunk, 4)
	chunks <- &CompletionChunk{Text: "The answer "}
	chunks <- &CompletionChunk{Text: "is 42."}
	chunks <- &CompletionChunk{ToolCall: &models.ToolCall{
		ID: "call_1", Name: "get_customer", Input: json.RawMessage(`{"id":"C-7"}`),
	}}
	chunks <- &CompletionChunk{Done: true, Usage: &models.TokenUsage{InputTokens: 10, OutputTokens: 5}}
	close(chunks)

	text, calls, err := Collect(context.Background(), chunks)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if text != "The answer is 42." {
		t.Errorf("text = %q", text)
	}
	if len(calls) != 1 || calls[0].Name != "get_customer" {
		t.Errorf("calls = %+v", calls)
	}
}

func TestCollectStopsOnError(t *testing.T) {
	streamErr := Classify(errors.New("503 overloaded"), "anthropic", "claude")
	chunks := make(chan *CompletionChunk, 2)
	chunks <- &CompletionChunk{Text: "partial"}
	chunks <- &CompletionChunk{Error: streamErr, Done: true}
	close(chunks)

	text, _, err := Collect(context.Background(), chunks)
	if !errors.Is(err, streamErr) {
		t.Fatalf("err = %v, want stream error", err)
	}
	if text != "partial" {
		t.Errorf("text = %q, want partial output preserved", text)
	}
}

func TestCollectHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	chunks := make(chan *CompletionChunk)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _, err := Collect(ctx, chunks)
		if !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v, want context.Canceled", err)
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Collect did not return on cancelled context")
	}
}
