package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
)

// runAsk sends one prompt, streams the reply to stdout and exits. Ctrl+C
// interrupts the generation and keeps the partial reply.
func runAsk(flags cliFlags) error {
	prompt := strings.TrimSpace(strings.Join(flags.Args, " "))
	if prompt == "" {
		return errors.New("usage: llmshell ask [--model ID] [--stats] PROMPT")
	}

	a, err := newApp(context.Background(), flags, appOptions{})
	if err != nil {
		return err
	}
	defer a.shutdown()

	ctx := context.Background()
	if flags.Model != "" {
		if err := a.ctrl.SelectModel(ctx, flags.Model); err != nil {
			return err
		}
	}

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-sigCtx.Done():
			if err := a.ctrl.Interrupt(context.Background()); err != nil {
				a.log.Warn("interrupt failed", "error", err)
			}
		case <-done:
		}
	}()

	out := newDeltaWriter(os.Stdout)
	reply, err := a.ctrl.SendPrompt(ctx, prompt, func(_ int, msg string) {
		out.Update(msg)
	})
	if err != nil {
		return err
	}
	out.Update(reply)
	fmt.Fprintln(os.Stdout)

	if flags.Stats {
		text, err := a.ctrl.Stats(ctx)
		if err != nil {
			return fmt.Errorf("stats: %w", err)
		}
		fmt.Fprintln(os.Stdout, text)
	}
	return nil
}

// deltaWriter prints only what a progress message adds to the text already
// written. Progress messages carry the whole reply so far.
type deltaWriter struct {
	mu      sync.Mutex
	w       io.Writer
	written string
}

func newDeltaWriter(w io.Writer) *deltaWriter {
	return &deltaWriter{w: w}
}

// Update writes the new suffix of msg. A message that does not extend the
// written text (the engine rewrote it) is printed on a fresh line.
func (d *deltaWriter) Update(msg string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch {
	case msg == d.written:
		return
	case strings.HasPrefix(msg, d.written):
		io.WriteString(d.w, msg[len(d.written):])
	default:
		io.WriteString(d.w, "\n"+msg)
	}
	d.written = msg
}
