// Package uxerror translates raw errors into user-friendly messages with
// recovery hints for the TUI.
package uxerror

import (
	"errors"
	"fmt"
	"strings"

	"llmshell/internal/adapter/tui/theme"
	"llmshell/internal/domain"
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
			sb.WriteString(fmt.Sprintf("\n    %s %s", theme.G.Sep, h))
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
		match: func(err error) bool { return errors.Is(err, domain.ErrModelNotFound) },
		produce: func(err error) FriendlyError {
			return FriendlyError{
				Title:   "Unknown Model",
				Message: "The model is not listed in the app config.",
				Hints:   []string{"Run /models to list the available models", "Add the model to models.model_list"},
				Raw:     err.Error(),
			}
		},
	},
	{
		match: func(err error) bool { return errors.Is(err, domain.ErrFeatureUnsupported) },
		produce: func(err error) FriendlyError {
			return FriendlyError{
				Title:   "Device Not Supported",
				Message: "The worker's device lacks a feature this model requires.",
				Hints:   []string{"Pick a model without required_features", "Enable the feature in engine.features on the worker"},
				Raw:     err.Error(),
			}
		},
	},
	{
		match:   func(err error) bool { return errors.Is(err, domain.ErrEngineNotLoaded) },
		produce: constantError("No Model Loaded", "Send a prompt or pick a model with /model first.", []string{"Run /model <id>"}),
	},
	{
		match:   func(err error) bool { return errors.Is(err, domain.ErrBusy) },
		produce: constantError("Busy", "Another operation is still running.", []string{"Wait for it to finish", "Use /cancel to stop the running generation", "Set controller.policy to queue"}),
	},
	{
		match:   func(err error) bool { return errors.Is(err, domain.ErrEmptyPrompt) },
		produce: constantError("Empty Prompt", "There is nothing to send.", nil),
	},
	{
		match: func(err error) bool {
			return errors.Is(err, domain.ErrChannelClosed) || errors.Is(err, domain.ErrProtocol)
		},
		produce: constantError("Worker Connection Lost", "The worker stopped answering.", []string{"Restart the shell", "Check the worker's logs", "Run 'llmshell doctor'"}),
	},
	{
		match:   func(err error) bool { return errors.Is(err, domain.ErrTransportHandshake) },
		produce: constantError("Worker Refused Connection", "The worker rejected the handshake.", []string{"Check worker.auth_token matches on both sides", "Wait a minute if the worker rate-limits connects"}),
	},
	{
		match:   func(err error) bool { return errors.Is(err, domain.ErrBackendUnavailable) },
		produce: constantError("Backend Unavailable", "The model backend could not be reached.", []string{"Check that the worker or local server is running", "Verify the address in config", "Run 'llmshell discover' to find workers"}),
	},
	{
		match:   func(err error) bool { return errors.Is(err, domain.ErrNotSupported) },
		produce: constantError("Not Supported", "The selected backend does not support this operation.", nil),
	},

	// Network / connectivity patterns (string matching for external errors).
	{
		match:   containsAny("connection refused", "dial tcp", "no such host"),
		produce: constantError("Connection Failed", "Could not reach the remote service.", []string{"Check the service address in config", "Check if a firewall is blocking the connection"}),
	},
	{
		match:   containsAny("deadline exceeded", "timeout", "context deadline"),
		produce: constantError("Request Timed Out", "The request took too long to complete.", []string{"Try a shorter prompt", "Increase the timeout in config"}),
	},

	// Auth patterns.
	{
		match:   containsAny("401", "unauthorized", "invalid api key", "authentication failed"),
		produce: constantError("Authentication Failed", "The credentials were rejected.", []string{"Check rest.api_key", "Check worker.auth_token"}),
	},

	// Rate limiting.
	{
		match:   containsAny("429", "rate limit", "too many requests"),
		produce: constantError("Rate Limited", "Too many requests sent to the backend.", []string{"Wait a moment before retrying"}),
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
		Hints:   []string{"Try again", "Run with LLMSHELL_LOGGER_LEVEL=debug for more details"},
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
