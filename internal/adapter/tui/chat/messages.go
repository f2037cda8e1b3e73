// Package chat implements the Bubble Tea chat screen of llmshell.
package chat

import "llmshell/internal/domain"

// PromptProgressMsg carries one streamed step of the running generation.
// Gen identifies the prompt so stale steps can be discarded.
type PromptProgressMsg struct {
	Gen     uint64
	Step    int
	Message string
}

// PromptDoneMsg signals that SendPrompt returned.
// Gen identifies the prompt so stale completions can be discarded.
type PromptDoneMsg struct {
	Gen   uint64
	Reply string
	Err   error
}

// ModelSelectedMsg signals that a /model switch finished.
type ModelSelectedMsg struct {
	ID  string
	Err error
}

// CommandResultMsg carries the outcome of a backend slash command.
type CommandResultMsg struct {
	Command string
	Output  string
	Err     error
}

// BusEventMsg forwards an event bus event into the update loop.
type BusEventMsg struct {
	Event domain.Event
}

// QuitMsg signals the program to exit.
type QuitMsg struct{}

// RevealTickMsg shows the next words of a reply that arrived whole.
type RevealTickMsg struct {
	Gen uint64
}
