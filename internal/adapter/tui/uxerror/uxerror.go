// Package uxerror translates raw errors into user-friendly messages with
// recovery hints for the TUI.
package uxerror

import (
	"errors"
	"fmt"
	"strings"

	"agentdeck/internal/adapter/tui/theme"
	"agentdeck/internal/domain"
)

// FriendlyError is a user-facing error with suggestions for recovery.
type FriendlyError struct {
	Title   string   // short heading, e.g. "Connection Refused"
	Message string   // one-liner explanation
	Hints   []string // actionable recovery suggestions
	Raw     string   // original error text (for debug)
}

// Render formats the FriendlyError for display in the TUI message list.
func (fe FriendlyError) Render() string {
	var sb strings.Builder
	sb.WriteString(fe.Title)
	if fe.Message != "" {
		sb.WriteString("\n  ")
		sb.WriteString(fe.Message)
	}
	if len(fe.Hints) > 0 {
		sb.WriteString("\n  Suggestions:")
		for _, h := range fe.Hints {
			sb.WriteString(fmt.Sprintf("\n    %s %s", theme.SymbolBullet, h))
		}
	}
	return sb.String()
}

type errorPattern struct {
	match   func(err error) bool
	produce func(err error) FriendlyError
}

var patterns = []errorPattern{
	// Domain sentinel errors (checked first so errors.Is works through wrapping).
	{
		match: is(domain.ErrBackendUnavailable),
		produce: constantError("Agent Backend Unavailable", "The agent server did not accept the request.",
			[]string{"Check that the agent server is running", "Verify backend.url in config"}),
	},
	{
		match: is(domain.ErrStreamTransport),
		produce: constantError("Stream Interrupted", "The connection dropped while the reply was streaming.",
			[]string{"Send the message again", "Check your network connection"}),
	},
	{
		match: is(domain.ErrRunFailed),
		produce: func(err error) FriendlyError {
			return FriendlyError{
				Title:   "Agent Run Failed",
				Message: "The agent reported an error while answering.",
				Hints:   []string{"Try rephrasing the request", "Start a fresh thread with /new"},
				Raw:     err.Error(),
			}
		},
	},
	{
		match: is(domain.ErrPathOutsideSandbox),
		produce: constantError("Sandbox Violation", "The requested path is outside the workspace.",
			[]string{"Use paths relative to the workspace root"}),
	},
	{
		match: is(domain.ErrSessionClosed),
		produce: constantError("Session Closed", "This chat session has shut down.",
			[]string{"Restart agentdeck chat"}),
	},
	{
		match: is(domain.ErrMalformedFrame),
		produce: constantError("Unexpected Server Reply", "The agent server sent data agentdeck could not read.",
			[]string{"Check that backend.url points at a compatible server"}),
	},

	// Network / connectivity patterns (string matching for external errors).
	{
		match:   containsAny("connection refused", "dial tcp", "no such host"),
		produce: constantError("Connection Failed", "Could not reach the agent server.", []string{"Verify backend.url in config", "Check if a firewall is blocking the connection"}),
	},
	{
		match:   containsAny("deadline exceeded", "timeout", "context deadline"),
		produce: constantError("Request Timed Out", "The request took too long to complete.", []string{"Try a shorter prompt or simpler task", "Increase session.run_timeout in config"}),
	},

	// Auth patterns.
	{
		match:   containsAny("401", "403", "unauthorized", "forbidden"),
		produce: constantError("Authentication Failed", "The agent server rejected the credentials.", []string{"Check backend.api_key in config", "Re-encrypt the key with 'agentdeck encrypt'"}),
	},

	// Rate limiting.
	{
		match:   containsAny("429", "rate limit", "too many requests"),
		produce: constantError("Rate Limited", "Too many requests sent to the agent server.", []string{"Wait a moment before retrying"}),
	},
}

// Humanize converts a raw error into a FriendlyError with recovery hints.
func Humanize(err error) FriendlyError {
	if err == nil {
		return FriendlyError{Title: "Unknown Error", Raw: "nil"}
	}

	for _, p := range patterns {
		if p.match(err) {
			return p.produce(err)
		}
	}

	// Fallback for unrecognized errors.
	return FriendlyError{
		Title:   "Unexpected Error",
		Message: err.Error(),
		Hints:   []string{"Try again", "Run with -log-level debug for more details"},
		Raw:     err.Error(),
	}
}

// containsAny returns a match func that checks if the error string contains
// any of the given substrings (case-insensitive).
func containsAny(substrs ...string) func(error) bool {
	return func(err error) bool {
		lower := strings.ToLower(err.Error())
		for _, s := range substrs {
			if strings.Contains(lower, s) {
				return true
			}
		}
		return false
	}
}

func is(target error) func(error) bool {
	return func(err error) bool { return errors.Is(err, target) }
}

// constantError returns a produce func that always returns the same FriendlyError.
func constantError(title, message string, hints []string) func(error) FriendlyError {
	return func(err error) FriendlyError {
		return FriendlyError{
			Title:   title,
			Message: message,
			Hints:   hints,
			Raw:     err.Error(),
		}
	}
}
