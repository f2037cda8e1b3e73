package chat

import (
	"context"
	"log/slog"
	"sync"

	tea "github.com/charmbracelet/bubbletea"

	"llmshell/internal/domain"
)

// Program runs the chat screen as a full-screen Bubble Tea program.
type Program struct {
	backend    Backend
	bus        domain.EventBus // optional, nil = no event pane feed
	logger     *slog.Logger
	workerName string

	mu      sync.Mutex
	program *tea.Program
}

// NewProgram creates the chat program. bus may be nil.
func NewProgram(backend Backend, bus domain.EventBus, workerName string, logger *slog.Logger) *Program {
	return &Program{
		backend:    backend,
		bus:        bus,
		logger:     logger,
		workerName: workerName,
	}
}

// Run blocks until the user quits or ctx is cancelled.
func (p *Program) Run(ctx context.Context) error {
	model := NewChatModel(ChatModelDeps{
		Backend:    p.backend,
		Notify:     p.send,
		Logger:     p.logger,
		WorkerName: p.workerName,
	})

	prog := tea.NewProgram(
		model,
		tea.WithAltScreen(),
		tea.WithMouseCellMotion(),
	)
	p.mu.Lock()
	p.program = prog
	p.mu.Unlock()

	// Forward every bus event to the event pane.
	if p.bus != nil {
		unsub := p.bus.SubscribeAll(func(_ context.Context, event domain.Event) {
			p.send(BusEventMsg{Event: event})
		})
		defer unsub()
	}

	go func() {
		<-ctx.Done()
		p.send(QuitMsg{})
	}()

	_, err := prog.Run()
	return err
}

// Stop signals the program to quit.
func (p *Program) Stop() {
	p.send(QuitMsg{})
}

func (p *Program) send(msg tea.Msg) {
	p.mu.Lock()
	prog := p.program
	p.mu.Unlock()
	if prog != nil {
		prog.Send(msg)
	}
}
