package uxerror

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"llmshell/internal/domain"
)

func TestHumanize(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		title string
	}{
		{"model not found", domain.NewDomainError("Controller.SelectModel", domain.ErrModelNotFound, "x"), "Unknown Model"},
		{"feature", fmt.Errorf("reload: %w", domain.ErrFeatureUnsupported), "Device Not Supported"},
		{"busy", domain.ErrBusy, "Busy"},
		{"channel closed", fmt.Errorf("worker: %w", domain.ErrChannelClosed), "Worker Connection Lost"},
		{"handshake", domain.ErrTransportHandshake, "Worker Refused Connection"},
		{"backend", domain.ErrBackendUnavailable, "Backend Unavailable"},
		{"dial", errors.New("dial tcp 127.0.0.1:8000: connection refused"), "Connection Failed"},
		{"timeout", errors.New("context deadline exceeded"), "Request Timed Out"},
		{"rate", errors.New("status 429"), "Rate Limited"},
		{"other", errors.New("something odd"), "Unexpected Error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Humanize(tt.err).Title; got != tt.title {
				t.Errorf("Humanize().Title = %q, want %q", got, tt.title)
			}
		})
	}
}

func TestHumanize_Nil(t *testing.T) {
	if got := Humanize(nil).Title; got != "Unknown Error" {
		t.Errorf("Title = %q", got)
	}
}

func TestFriendlyErrorRender(t *testing.T) {
	out := Humanize(domain.ErrBusy).Render()
	if !strings.HasPrefix(out, "Busy\n  Another operation is still running.") {
		t.Errorf("Render() = %q", out)
	}
	if !strings.Contains(out, "Suggestions:") {
		t.Errorf("Render() lacks suggestions: %q", out)
	}
}
