package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"llmshell/internal/infra/config"
)

type options struct {
	stdoutReserved bool
	attrs          []any
}

// Option customizes New.
type Option func(*options)

// WithStdoutReserved redirects an "stdout" output to stderr. Used when stdout
// carries protocol traffic (stdio workers).
func WithStdoutReserved() Option {
	return func(o *options) { o.stdoutReserved = true }
}

// WithAttrs attaches attributes to every record.
func WithAttrs(args ...any) Option {
	return func(o *options) { o.attrs = append(o.attrs, args...) }
}

// New creates a configured *slog.Logger.
// The returned closer function should be deferred to flush/close file handles.
func New(cfg config.LoggerConfig, opts ...Option) (*slog.Logger, func() error, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	output := cfg.Output
	if o.stdoutReserved && strings.EqualFold(output, "stdout") {
		output = "stderr"
	}

	writer, closer, err := openOutput(output)
	if err != nil {
		return nil, nil, fmt.Errorf("open log output: %w", err)
	}

	handlerOpts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}

	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "json":
		handler = slog.NewJSONHandler(writer, handlerOpts)
	default:
		handler = slog.NewTextHandler(writer, handlerOpts)
	}

	log := slog.New(handler)
	if len(o.attrs) > 0 {
		log = log.With(o.attrs...)
	}
	return log, closer, nil
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// parseLevel converts a string level to slog.Level.
func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// openOutput returns an io.Writer for the specified output target.
func openOutput(output string) (io.Writer, func() error, error) {
	noop := func() error { return nil }

	switch strings.ToLower(output) {
	case "stdout":
		return os.Stdout, noop, nil
	case "stderr", "":
		return os.Stderr, noop, nil
	default:
		f, err := os.OpenFile(output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
		if err != nil {
			return nil, nil, err
		}
		return f, f.Close, nil
	}
}
