package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Reason categorizes a provider failure for retry decisions.
type Reason string

const (
	ReasonRateLimit      Reason = "rate_limit"
	ReasonTimeout        Reason = "timeout"
	ReasonConnection     Reason = "connection"
	ReasonServerError    Reason = "server_error"
	ReasonAuth           Reason = "auth"
	ReasonInvalidRequest Reason = "invalid_request"
	ReasonUnknown        Reason = "unknown"
)

// IsTransient reports whether retrying the same request may succeed.
func (r Reason) IsTransient() bool {
	switch r {
	case ReasonRateLimit, ReasonTimeout, ReasonConnection, ReasonServerError:
		return true
	}
	return false
}

// Error is a structured failure from a chat client.
type Error struct {
	Reason   Reason
	Provider string
	Model    string
	Message  string
	Cause    error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	return fmt.Sprintf("[%s] %s %s: %s", e.Reason, e.Provider, e.Model, msg)
}

func (e *Error) Unwrap() error { return e.Cause }

// Classify wraps err with a reason inferred from its shape and message.
func Classify(err error, providerName, model string) *Error {
	if err == nil {
		return nil
	}

	reason := ReasonUnknown
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		reason = ReasonTimeout
	case errors.As(err, &netErr):
		if netErr.Timeout() {
			reason = ReasonTimeout
		} else {
			reason = ReasonConnection
		}
	default:
		msg := strings.ToLower(err.Error())
		switch {
		case strings.Contains(msg, "rate limit") || strings.Contains(msg, "429"):
			reason = ReasonRateLimit
		case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded"):
			reason = ReasonTimeout
		case strings.Contains(msg, "connection refused") || strings.Contains(msg, "connection reset") || strings.Contains(msg, "no such host"):
			reason = ReasonConnection
		case strings.Contains(msg, "500") || strings.Contains(msg, "502") || strings.Contains(msg, "503") || strings.Contains(msg, "504"):
			reason = ReasonServerError
		case strings.Contains(msg, "401") || strings.Contains(msg, "403") || strings.Contains(msg, "unauthorized") || strings.Contains(msg, "invalid api key") || strings.Contains(msg, "authentication"):
			reason = ReasonAuth
		case strings.Contains(msg, "400") || strings.Contains(msg, "invalid request"):
			reason = ReasonInvalidRequest
		}
	}

	return &Error{
		Reason:   reason,
		Provider: providerName,
		Model:    model,
		Cause:    err,
	}
}

// IsTransient reports whether err is a transient provider failure.
func IsTransient(err error) bool {
	var pErr *Error
	if errors.As(err, &pErr) {
		return pErr.Reason.IsTransient()
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
