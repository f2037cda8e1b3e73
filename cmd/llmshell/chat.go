package main

import (
	"context"
	"os/signal"
	"syscall"

	tuichat "llmshell/internal/adapter/tui/chat"
)

// runChat opens the full-screen chat on top of the controller.
func runChat(flags cliFlags) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(ctx, flags, appOptions{interactive: true})
	if err != nil {
		return err
	}
	defer a.shutdown()

	if flags.Model != "" {
		if err := a.ctrl.SelectModel(ctx, flags.Model); err != nil {
			return err
		}
	}

	prog := tuichat.NewProgram(a.ctrl, a.bus, a.workerName, a.log.With("component", "tui"))
	return prog.Run(ctx)
}
