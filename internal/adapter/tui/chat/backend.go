package chat

import (
	"context"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"llmshell/internal/domain"
)

// Backend is what the chat screen drives. *chat.Controller from the usecase
// layer satisfies it.
type Backend interface {
	SendPrompt(ctx context.Context, prompt string, onProgress domain.GenerateProgressFunc) (string, error)
	SelectModel(ctx context.Context, id string) error
	Models() []string
	Selected() string
	Reset(ctx context.Context) error
	Stats(ctx context.Context) (string, error)
	Interrupt(ctx context.Context) error
}

// commandTimeout bounds backend slash commands. A model switch may download
// weights, so it gets longer.
const (
	commandTimeout = 30 * time.Second
	selectTimeout  = 10 * time.Minute
)

// sendPromptCmd runs SendPrompt in a background goroutine. Progress steps are
// delivered through notify, tagged with gen.
func sendPromptCmd(ctx context.Context, backend Backend, notify func(tea.Msg), prompt string, gen uint64) tea.Cmd {
	return func() tea.Msg {
		reply, err := backend.SendPrompt(ctx, prompt, func(step int, message string) {
			if notify != nil {
				notify(PromptProgressMsg{Gen: gen, Step: step, Message: message})
			}
		})
		return PromptDoneMsg{Gen: gen, Reply: reply, Err: err}
	}
}

func selectModelCmd(backend Backend, id string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), selectTimeout)
		defer cancel()
		return ModelSelectedMsg{ID: id, Err: backend.SelectModel(ctx, id)}
	}
}

func resetCmd(backend Backend) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()
		return CommandResultMsg{Command: "/reset", Err: backend.Reset(ctx)}
	}
}

func statsCmd(backend Backend) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()
		text, err := backend.Stats(ctx)
		return CommandResultMsg{Command: "/stats", Output: text, Err: err}
	}
}

// interruptCmd bypasses the backend's queue; the running SendPrompt then
// returns the partial reply.
func interruptCmd(backend Backend) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()
		if err := backend.Interrupt(ctx); err != nil {
			return CommandResultMsg{Command: "/cancel", Err: err}
		}
		return nil
	}
}

func revealTickCmd(gen uint64) tea.Cmd {
	return tea.Tick(revealRate, func(time.Time) tea.Msg {
		return RevealTickMsg{Gen: gen}
	})
}
