package memory

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/parley-ai/parley/pkg/models"
)

// AvgCharsPerToken is the character-based token estimate used for
// summarization thresholds. Rough, but stable and model-independent.
const AvgCharsPerToken = 4

// maxMessageCharsInSummary truncates very long messages before they are fed
// to the summary prompt.
const maxMessageCharsInSummary = 1000

// SummarizeFunc produces a completion for the given prompt. The manager
// plugs in a model call here; tests plug in a stub.
type SummarizeFunc func(ctx context.Context, prompt string) (string, error)

// Summarizer condenses old conversation history into a single summary
// message.
type Summarizer struct {
	// TargetTokens is the requested summary size, mentioned in the prompt.
	TargetTokens int
	// Complete generates the summary text.
	Complete SummarizeFunc
}

// Summarize renders the messages into a prompt and returns the generated
// summary text.
func (s *Summarizer) Summarize(ctx context.Context, messages []models.Message) (string, error) {
	if s.Complete == nil {
		return "", fmt.Errorf("summarizer has no completion function")
	}
	target := s.TargetTokens
	if target <= 0 {
		target = 2000
	}

	prompt := fmt.Sprintf(`Please provide a concise summary of the following conversation.
Focus on:
1. Key topics discussed
2. Important decisions or conclusions
3. Any action items or pending questions
4. Context that would be needed to continue the conversation

Keep the summary under %d tokens.

CONVERSATION:
%s

SUMMARY:`, target, FormatForSummary(messages))

	summary, err := s.Complete(ctx, prompt)
	if err != nil {
		return "", fmt.Errorf("summary generation failed: %w", err)
	}
	return strings.TrimSpace(summary), nil
}

// FormatForSummary renders messages as "ROLE: content" blocks, truncating
// oversized messages.
func FormatForSummary(messages []models.Message) string {
	lines := make([]string, 0, len(messages))
	for _, msg := range messages {
		content := msg.Content
		if len(content) > maxMessageCharsInSummary {
			cut := maxMessageCharsInSummary
			for cut > 0 && !utf8.RuneStart(content[cut]) {
				cut--
			}
			content = content[:cut] + "...[truncated]"
		}
		lines = append(lines, strings.ToUpper(string(msg.Role))+": "+content)
	}
	return strings.Join(lines, "\n\n")
}

// SummaryMessage wraps a generated summary as the system message that heads
// a compacted thread.
func SummaryMessage(summary string) models.Message {
	return models.Message{
		Role: models.RoleSystem,
		Content: fmt.Sprintf(
			"[CONVERSATION SUMMARY]\n%s\n[END SUMMARY]\n\nThe conversation continues below:",
			summary,
		),
	}
}

// EstimateTokens estimates tokens in a text using the character heuristic.
func EstimateTokens(text string) int {
	return len(text) / AvgCharsPerToken
}

// EstimateThreadTokens estimates the total token footprint of a thread.
func EstimateThreadTokens(thread *Thread) int {
	if thread == nil {
		return 0
	}
	total := 0
	for _, msg := range thread.Messages() {
		total += len(msg.Content)
	}
	return total / AvgCharsPerToken
}
