package logger

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"llmshell/internal/infra/config"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"ERROR", slog.LevelError},
		{"unknown", slog.LevelInfo},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.input); got != tt.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestOpenOutputStreams(t *testing.T) {
	for _, name := range []string{"stdout", "stderr", ""} {
		w, closer, err := openOutput(name)
		if err != nil {
			t.Fatalf("openOutput(%q): %v", name, err)
		}
		if w == nil {
			t.Errorf("openOutput(%q) returned nil writer", name)
		}
		if err := closer(); err != nil {
			t.Errorf("closer: %v", err)
		}
	}
	w, _, _ := openOutput("stdout")
	if w != os.Stdout {
		t.Error("stdout should map to os.Stdout")
	}
}

func TestOpenOutputInvalidPath(t *testing.T) {
	if _, _, err := openOutput("/nonexistent/dir/log.txt"); err == nil {
		t.Error("expected error for invalid path")
	}
}

func TestNewLoggerFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "llmshell.log")

	cfg := config.LoggerConfig{Level: "info", Format: "json", Output: path}
	log, closer, err := New(cfg, WithAttrs("component", "worker"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	log.Debug("filtered")
	log.Info("file output test", "key", "value")
	if err := closer(); err != nil {
		t.Fatalf("closer: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	out := string(data)
	if !strings.Contains(out, "file output test") {
		t.Error("log file should contain the logged message")
	}
	if !strings.Contains(out, `"component":"worker"`) {
		t.Errorf("log file should carry attrs, got %s", out)
	}
	if strings.Contains(out, "filtered") {
		t.Error("debug record should be filtered at info level")
	}
}

func TestNewLoggerStdoutReserved(t *testing.T) {
	cfg := config.LoggerConfig{Level: "debug", Format: "text", Output: "stdout"}
	log, closer, err := New(cfg, WithStdoutReserved())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer closer()
	if log == nil {
		t.Fatal("logger is nil")
	}
}

func TestNewLoggerInvalidOutput(t *testing.T) {
	cfg := config.LoggerConfig{Level: "info", Format: "text", Output: "/nonexistent/dir/app.log"}
	if _, _, err := New(cfg); err == nil {
		t.Error("expected error for invalid output path")
	}
}

func TestDiscard(t *testing.T) {
	Discard().Error("nothing to see")
}
