// Package security validates untrusted input before it reaches the model or
// any tool: length caps, prompt-injection screening, blocked content and PII
// handling.
package security

import (
	"fmt"
	"regexp"
	"strings"
)

// Validation contexts. The context selects the applicable length cap.
const (
	ContextQuestion  = "question"
	ContextToolParam = "tool_param"
)

// Validation failure kinds reported in ValidationError.Kind.
const (
	KindLength          = "length"
	KindPromptInjection = "prompt_injection"
	KindBlockedContent  = "blocked_content"
	KindPII             = "pii"
	KindToolNotAllowed  = "tool_not_allowed"
	KindToolBlocked     = "tool_blocked"
)

// ValidationError reports rejected input. The message is safe to surface to
// callers; it names the category of problem without echoing the input.
type ValidationError struct {
	Kind    string
	Message string
	Details map[string]any
}

func (e *ValidationError) Error() string { return e.Message }

// Config configures an InputValidator.
type Config struct {
	// MaxQuestionLength caps inputs validated in the question context.
	// Defaults to 32000.
	MaxQuestionLength int
	// MaxToolParamLength caps inputs in every other context.
	// Defaults to 10000.
	MaxToolParamLength int

	// BlockPromptInjection enables injection screening. Defaults on via
	// DefaultConfig.
	BlockPromptInjection bool
	// InjectionPatterns overrides DefaultInjectionPatterns when non-empty.
	InjectionPatterns []string

	// BlockPII rejects input containing PII.
	BlockPII bool
	// RedactPII replaces PII with [REDACTED-<KIND>] markers instead.
	RedactPII bool

	// BlockedPatterns are extra case-insensitive content patterns that
	// reject input on match.
	BlockedPatterns []string
}

// DefaultConfig returns the production validation defaults.
func DefaultConfig() Config {
	return Config{
		MaxQuestionLength:    32000,
		MaxToolParamLength:   10000,
		BlockPromptInjection: true,
		RedactPII:            true,
	}
}

// DefaultInjectionPatterns are the built-in prompt-injection signatures,
// applied case-insensitively.
var DefaultInjectionPatterns = []string{
	// System prompt manipulation
	`ignore\s+(all\s+)?(previous|above|prior)\s+(instructions?|prompts?|rules?)`,
	`disregard\s+(all\s+)?(previous|above|prior)\s+(instructions?|prompts?|rules?)`,
	`forget\s+(all\s+)?(previous|above|prior)\s+(instructions?|prompts?|rules?)`,
	`new\s+instructions?\s*:`,
	`system\s*:\s*you\s+are`,
	`<\s*system\s*>`,
	`\[\s*system\s*\]`,
	`override\s+(system|instructions?|rules?)`,

	// Role manipulation
	`pretend\s+you\s+are`,
	`act\s+as\s+(if\s+you\s+are\s+)?a`,
	`roleplay\s+as`,
	`you\s+are\s+now\s+a`,
	`from\s+now\s+on\s+you\s+are`,

	// Jailbreak attempts
	`do\s+anything\s+now`,
	`dan\s+mode`,
	`developer\s+mode`,
	`jailbreak`,
	`bypass\s+(safety|filter|restriction)`,

	// Instruction extraction
	`(print|show|reveal|display|output)\s+(your\s+)?(system\s+)?(prompt|instructions?)`,
	`what\s+(are|is)\s+your\s+(system\s+)?(prompt|instructions?)`,

	// Code injection markers in non-code contexts
	"```\\s*(python|bash|shell|javascript|js)\\s*\\n\\s*(import\\s+os|subprocess|eval|exec)",
}

type piiPattern struct {
	name    string
	pattern string
}

// piiPatterns is ordered so redaction is deterministic; more specific
// patterns run before generic ones they could overlap with.
var piiPatterns = []piiPattern{
	{"azure_connection_string", `DefaultEndpointsProtocol=https;AccountName=[^;]+;AccountKey=[^;]+`},
	{"aws_access_key", `\bAKIA[0-9A-Z]{16}\b`},
	{"aws_secret_key", `\b[A-Za-z0-9/+=]{40}\b`},
	{"email", `[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`},
	{"iban", `\b[A-Z]{2}\d{2}[A-Z0-9]{11,30}\b`},
	{"credit_card", `\b(?:4\d{3}|5[1-5]\d{2}|6011|3[47]\d{2})[-.\s]?\d{4}[-.\s]?\d{4}[-.\s]?\d{4}\b`},
	{"ssn", `\b\d{3}[-.\s]?\d{2}[-.\s]?\d{4}\b`},
	{"bank_account", `\b\d{9}[-.\s]?\d{8,17}\b`},
	{"phone", `(\+?1[-.\s]?)?\(?\d{3}\)?[-.\s]?\d{3}[-.\s]?\d{4}`},
	{"ip_address", `\b(?:(?:25[0-5]|2[0-4][0-9]|[01]?[0-9][0-9]?)\.){3}(?:25[0-5]|2[0-4][0-9]|[01]?[0-9][0-9]?)\b`},
	{"passport", `\b[A-Z]?\d{8,9}\b`},
	{"drivers_license", `\b[A-Z]{1,2}\d{5,8}\b`},
}

// InputValidator screens untrusted text. Validation is pure string work and
// safe for concurrent use.
type InputValidator struct {
	config    Config
	injection []*regexp.Regexp
	pii       []compiledPII
	blocked   []*regexp.Regexp
}

type compiledPII struct {
	name string
	re   *regexp.Regexp
}

// NewValidator compiles all patterns up front. Invalid custom patterns are
// reported as an error rather than silently skipped.
func NewValidator(config Config) (*InputValidator, error) {
	if config.MaxQuestionLength <= 0 {
		config.MaxQuestionLength = 32000
	}
	if config.MaxToolParamLength <= 0 {
		config.MaxToolParamLength = 10000
	}

	patterns := config.InjectionPatterns
	if len(patterns) == 0 {
		patterns = DefaultInjectionPatterns
	}
	injection := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(`(?i)` + p)
		if err != nil {
			return nil, fmt.Errorf("invalid injection pattern %q: %w", p, err)
		}
		injection = append(injection, re)
	}

	pii := make([]compiledPII, 0, len(piiPatterns))
	for _, p := range piiPatterns {
		pii = append(pii, compiledPII{name: p.name, re: regexp.MustCompile(p.pattern)})
	}

	blocked := make([]*regexp.Regexp, 0, len(config.BlockedPatterns))
	for _, p := range config.BlockedPatterns {
		re, err := regexp.Compile(`(?i)` + p)
		if err != nil {
			return nil, fmt.Errorf("invalid blocked pattern %q: %w", p, err)
		}
		blocked = append(blocked, re)
	}

	return &InputValidator{
		config:    config,
		injection: injection,
		pii:       pii,
		blocked:   blocked,
	}, nil
}

// Validate checks text in the given context and returns the validated
// (possibly redacted) text, or a *ValidationError. Checks run in a fixed
// order: length, injection, blocked content, PII.
func (v *InputValidator) Validate(text, context string) (string, error) {
	maxLength := v.config.MaxToolParamLength
	if context == ContextQuestion {
		maxLength = v.config.MaxQuestionLength
	}
	if len(text) > maxLength {
		return "", &ValidationError{
			Kind:    KindLength,
			Message: fmt.Sprintf("input exceeds maximum length (%d > %d)", len(text), maxLength),
			Details: map[string]any{"length": len(text), "max": maxLength},
		}
	}

	if v.config.BlockPromptInjection {
		if match := v.detectInjection(text); match != "" {
			return "", &ValidationError{
				Kind:    KindPromptInjection,
				Message: "input contains potentially harmful content",
				Details: map[string]any{"pattern": match},
			}
		}
	}

	for _, re := range v.blocked {
		if re.MatchString(text) {
			return "", &ValidationError{
				Kind:    KindBlockedContent,
				Message: "input contains blocked content",
			}
		}
	}

	if v.config.BlockPII {
		if found := v.detectPII(text); len(found) > 0 {
			return "", &ValidationError{
				Kind:    KindPII,
				Message: fmt.Sprintf("input contains PII: %s", strings.Join(found, ", ")),
				Details: map[string]any{"pii_types": found},
			}
		}
	}
	if v.config.RedactPII {
		text = v.redactPII(text)
	}

	return text, nil
}

// ValidateToolCall validates a tool invocation: the tool name against the
// allow/block lists and every string parameter in the tool_param context.
// Non-string parameters pass through untouched.
func (v *InputValidator) ValidateToolCall(toolName string, params map[string]any, allowedTools, blockedTools []string) (map[string]any, error) {
	if allowedTools != nil && !contains(allowedTools, toolName) {
		return nil, &ValidationError{
			Kind:    KindToolNotAllowed,
			Message: fmt.Sprintf("tool %q is not allowed", toolName),
			Details: map[string]any{"tool": toolName},
		}
	}
	if contains(blockedTools, toolName) {
		return nil, &ValidationError{
			Kind:    KindToolBlocked,
			Message: fmt.Sprintf("tool %q is blocked", toolName),
			Details: map[string]any{"tool": toolName},
		}
	}

	validated := make(map[string]any, len(params))
	for key, value := range params {
		if s, ok := value.(string); ok {
			clean, err := v.Validate(s, ContextToolParam)
			if err != nil {
				return nil, err
			}
			validated[key] = clean
		} else {
			validated[key] = value
		}
	}
	return validated, nil
}

func (v *InputValidator) detectInjection(text string) string {
	for _, re := range v.injection {
		if match := re.FindString(text); match != "" {
			return match
		}
	}
	return ""
}

func (v *InputValidator) detectPII(text string) []string {
	var found []string
	for _, p := range v.pii {
		if p.re.MatchString(text) {
			found = append(found, p.name)
		}
	}
	return found
}

func (v *InputValidator) redactPII(text string) string {
	for _, p := range v.pii {
		text = p.re.ReplaceAllString(text, "[REDACTED-"+strings.ToUpper(p.name)+"]")
	}
	return text
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
