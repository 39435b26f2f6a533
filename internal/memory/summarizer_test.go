package memory

import (
	"context"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/parley-ai/parley/pkg/models"
)

func TestFormatForSummary(t *testing.T) {
	msgs := []models.Message{
		{Role: models.RoleUser, Content: "short question"},
		{Role: models.RoleAssistant, Content: strings.Repeat("x", 1500)},
	}
	out := FormatForSummary(msgs)

	if !strings.Contains(out, "USER: short question") {
		t.Errorf("missing user line: %q", out)
	}
	if !strings.Contains(out, "ASSISTANT: ") {
		t.Error("missing assistant line")
	}
	if !strings.Contains(out, "...[truncated]") {
		t.Error("long message not truncated")
	}
	if strings.Contains(out, strings.Repeat("x", 1001)) {
		t.Error("truncation kept more than the cap")
	}
}

func TestFormatForSummaryTruncatesOnRuneBoundary(t *testing.T) {
	// 999 ASCII bytes followed by multi-byte runes puts a rune boundary
	// astride the byte cap.
	content := strings.Repeat("x", 999) + strings.Repeat("é", 10)
	out := FormatForSummary([]models.Message{
		{Role: models.RoleUser, Content: content},
	})

	if !utf8.ValidString(out) {
		t.Fatal("truncated output is not valid UTF-8")
	}
	if !strings.Contains(out, "...[truncated]") {
		t.Error("long message not truncated")
	}
}

func TestSummarizePromptMentionsTarget(t *testing.T) {
	var gotPrompt string
	s := &Summarizer{
		TargetTokens: 1234,
		Complete: func(ctx context.Context, prompt string) (string, error) {
			gotPrompt = prompt
			return "  a summary  ", nil
		},
	}
	summary, err := s.Summarize(context.Background(), []models.Message{
		{Role: models.RoleUser, Content: "hello"},
	})
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if summary != "a summary" {
		t.Errorf("summary = %q, want trimmed text", summary)
	}
	if !strings.Contains(gotPrompt, "under 1234 tokens") {
		t.Error("prompt does not mention target size")
	}
	if !strings.Contains(gotPrompt, "USER: hello") {
		t.Error("prompt missing conversation")
	}
}

func TestSummaryMessage(t *testing.T) {
	msg := SummaryMessage("key points here")
	if msg.Role != models.RoleSystem {
		t.Errorf("role = %s, want system", msg.Role)
	}
	for _, want := range []string{"[CONVERSATION SUMMARY]", "key points here", "[END SUMMARY]", "The conversation continues below:"} {
		if !strings.Contains(msg.Content, want) {
			t.Errorf("summary message missing %q", want)
		}
	}
}

func TestEstimateTokens(t *testing.T) {
	if got := EstimateTokens(strings.Repeat("a", 400)); got != 100 {
		t.Errorf("EstimateTokens = %d, want 100", got)
	}

	thread := NewThread()
	thread.Append(models.Message{Role: models.RoleUser, Content: strings.Repeat("a", 40)})
	thread.Append(models.Message{Role: models.RoleAssistant, Content: strings.Repeat("b", 60)})
	if got := EstimateThreadTokens(thread); got != 25 {
		t.Errorf("EstimateThreadTokens = %d, want 25", got)
	}
	if EstimateThreadTokens(nil) != 0 {
		t.Error("nil thread should estimate 0")
	}
}
