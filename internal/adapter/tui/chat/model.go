package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"llmshell/internal/adapter/tui/components"
	"llmshell/internal/adapter/tui/theme"
	"llmshell/internal/adapter/tui/uxerror"
	"llmshell/internal/domain"
)

const transcriptLimit = 1000

// ChatModelDeps are dependencies injected into the chat model.
type ChatModelDeps struct {
	Backend Backend
	// Notify delivers messages from background goroutines, normally
	// tea.Program.Send. Nil drops streamed progress.
	Notify     func(tea.Msg)
	Logger     *slog.Logger
	WorkerName string
}

// operation is what the screen is waiting on. At most one runs at a time.
type operation int

const (
	opNone   operation = iota
	opPrompt           // SendPrompt in flight
	opLoad             // SelectModel in flight
	opReveal           // a whole reply is being put on screen
)

// ChatModel is the root Bubble Tea model for the chat TUI.
type ChatModel struct {
	deps ChatModelDeps

	transcript components.Transcript
	prompt     components.PromptInput
	status     components.StatusBar
	events     components.EventStreamModel
	spinner    spinner.Model
	panes      panes

	showEvents  bool
	focusEvents bool
	scrolling   bool // keys scroll instead of typing
	width       int
	height      int
	quitting    bool

	op          operation
	interrupted bool // an interrupt was sent for the running prompt
	pace        revealPace
	reveal      reveal
	partial     bool // the reply being revealed was interrupted

	// gen is bumped for every prompt; progress, completions and reveal
	// ticks from an older gen are discarded.
	gen    uint64
	cancel context.CancelFunc // abandons the wait on the running prompt
}

// NewChatModel creates the root chat model.
func NewChatModel(deps ChatModelDeps) ChatModel {
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.DiscardHandler)
	}

	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(theme.SpinnerColor)

	m := ChatModel{
		deps:       deps,
		transcript: components.NewTranscript(transcriptLimit),
		prompt:     components.NewPromptInput(suggestions(deps.Backend)),
		status: components.StatusBar{
			Worker: deps.WorkerName,
			Model:  deps.Backend.Selected(),
			State:  theme.StateIdle,
		},
		events:  components.NewEventStream(),
		spinner: s,
	}
	m.refreshHints()
	return m
}

// Init starts the spinner.
func (m ChatModel) Init() tea.Cmd {
	return m.spinner.Tick
}

// Update handles all incoming messages.
func (m ChatModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.resize()
		return m, nil

	case tea.KeyMsg:
		cmd := m.handleKey(msg)
		return m, cmd

	case tea.MouseMsg:
		cmd := m.scroll(msg)
		return m, cmd

	case components.PromptSubmitMsg:
		cmd := m.submit(msg.Text)
		m.resize()
		return m, cmd

	case PromptProgressMsg:
		if msg.Gen == m.gen && m.op == opPrompt {
			m.progress(msg)
		}
		return m, nil

	case PromptDoneMsg:
		if msg.Gen != m.gen || m.op != opPrompt {
			return m, nil
		}
		cmd := m.promptDone(msg)
		return m, cmd

	case RevealTickMsg:
		if msg.Gen != m.gen || m.op != opReveal {
			return m, nil
		}
		cmd := m.revealStep()
		return m, cmd

	case ModelSelectedMsg:
		if m.op != opLoad {
			return m, nil
		}
		m.status.Model = m.deps.Backend.Selected()
		if msg.Err != nil {
			m.settle(theme.StateFailed)
			m.addFailure(msg.Err)
			return m, nil
		}
		m.settle(theme.StateIdle)
		m.transcript.AddNotice(fmt.Sprintf("%s Model %s loaded.", theme.G.OK, msg.ID))
		return m, nil

	case CommandResultMsg:
		m.commandResult(msg)
		return m, nil

	case BusEventMsg:
		m.busEvent(msg.Event)
		return m, nil

	case QuitMsg:
		m.quitting = true
		return m, tea.Quit

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	var cmd tea.Cmd
	m.prompt, cmd = m.prompt.Update(msg)
	return m, cmd
}

// View renders the entire chat UI.
func (m ChatModel) View() string {
	if m.quitting {
		return "Goodbye!\n"
	}
	if m.width == 0 {
		return "  Initializing..."
	}
	var eventPane string
	if m.showEvents {
		eventPane = lipgloss.JoinVertical(lipgloss.Left, m.eventHeader(), m.events.View())
	}
	return lipgloss.JoinVertical(lipgloss.Left,
		m.panes.join(m.transcript.View(), eventPane, m.focusEvents),
		components.Divider(m.width),
		m.inputView(),
		m.status.View(),
	)
}

func (m ChatModel) eventHeader() string {
	header := theme.Bold.Render(" Events") + theme.Muted.Render(fmt.Sprintf(" (%d)", m.events.FilteredCount()))
	if f := m.events.Filter(); f != "" {
		header += theme.Faint.Render(" " + string(f) + "*")
	}
	return header
}

func (m ChatModel) inputView() string {
	var line string
	switch m.op {
	case opNone:
		return m.prompt.View()
	case opPrompt:
		line = "waiting for the model... (Ctrl+C to stop)"
	case opLoad:
		line = "loading " + m.status.Detail + "..."
	case opReveal:
		line = "(Ctrl+C to show the whole reply)"
	}
	return theme.Faint.Render("> "+line) + "\n" + m.spinner.View() + " " + theme.Badge(m.status.State, m.status.Detail)
}

// resize recomputes the panes. The input grows while the completion popup
// is open, so this also runs after typing.
func (m *ChatModel) resize() {
	if m.width == 0 {
		return
	}
	m.prompt.SetWidth(m.width)
	m.status.SetWidth(m.width)
	bodyH := max(m.height-lipgloss.Height(m.inputView())-2, 5)
	m.panes = computePanes(m.width, bodyH, m.showEvents)
	m.transcript.SetSize(m.panes.transcriptW, m.panes.transcriptH)
	if m.panes.eventsW > 0 {
		m.events.SetSize(m.panes.eventsW, m.panes.eventsH)
	}
}

func (m *ChatModel) handleKey(msg tea.KeyMsg) tea.Cmd {
	if leakedMouseSequence(msg.String()) {
		return nil
	}
	completing := len(m.prompt.Suggestions()) > 0

	switch msg.Type {
	case tea.KeyCtrlC:
		if m.busy() {
			return m.interrupt()
		}
		return m.quit(nil)

	case tea.KeyCtrlT:
		return m.toggleEvents(nil)

	case tea.KeyCtrlL:
		if m.busy() {
			return nil
		}
		return m.resetChat(nil)

	case tea.KeyPgUp, tea.KeyPgDown:
		return m.scroll(msg)

	case tea.KeyTab:
		if m.showEvents && !completing {
			m.focusEvents = !m.focusEvents
			m.refreshHints()
			return nil
		}

	case tea.KeyEsc:
		if !m.scrolling && !completing {
			m.scrolling = true
			m.refreshHints()
			return nil
		}
	}

	if m.scrolling || m.busy() {
		return m.scrollKey(msg)
	}
	var cmd tea.Cmd
	m.prompt, cmd = m.prompt.Update(msg)
	if completing != (len(m.prompt.Suggestions()) > 0) {
		m.resize()
	}
	return cmd
}

// scrollKey handles keys while typing is off: the viewport keymap gives
// j/k and paging, g/G jump, i returns to the input.
func (m *ChatModel) scrollKey(msg tea.KeyMsg) tea.Cmd {
	switch msg.String() {
	case "i":
		if m.scrolling {
			m.scrolling = false
			m.refreshHints()
		}
		return nil
	case "g":
		if m.focusEvents {
			m.events.Viewport.GotoTop()
		} else {
			m.transcript.GotoTop()
		}
		return nil
	case "G":
		if m.focusEvents {
			m.events.Viewport.GotoBottom()
		} else {
			m.transcript.GotoBottom()
		}
		return nil
	}
	return m.scroll(msg)
}

// scroll sends msg to the focused pane.
func (m *ChatModel) scroll(msg tea.Msg) tea.Cmd {
	var cmd tea.Cmd
	if m.showEvents && m.focusEvents {
		m.events, cmd = m.events.Update(msg)
		return cmd
	}
	m.transcript, cmd = m.transcript.Update(msg)
	return cmd
}

func (m *ChatModel) submit(text string) tea.Cmd {
	if name, args, ok := components.ParseCommand(text); ok {
		return m.runCommand(name, args)
	}
	if m.busy() {
		return nil
	}

	m.transcript.AddPrompt(text)
	m.gen++
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.begin(opPrompt, theme.StateGenerating, "")
	return sendPromptCmd(ctx, m.deps.Backend, m.deps.Notify, text, m.gen)
}

// progress shows the accumulated reply as steps stream in.
func (m *ChatModel) progress(msg PromptProgressMsg) {
	if !m.transcript.ReplyOpen() {
		m.transcript.BeginReply(m.deps.Backend.Selected())
	}
	m.transcript.StreamReply(msg.Step, msg.Message)
	if !m.interrupted {
		m.status.SetState(theme.StateGenerating, fmt.Sprintf("step %d", msg.Step))
	}
}

// promptDone settles the running prompt, or starts revealing a reply that
// arrived in one piece.
func (m *ChatModel) promptDone(msg PromptDoneMsg) tea.Cmd {
	m.status.Model = m.deps.Backend.Selected()

	if msg.Err != nil {
		if last, ok := m.transcript.Last(); ok && m.transcript.ReplyOpen() {
			m.transcript.EndReply(last.Text, true)
		}
		if errors.Is(msg.Err, context.Canceled) {
			m.settle(theme.StateInterrupted)
			return nil
		}
		m.settle(theme.StateFailed)
		m.addFailure(msg.Err)
		return nil
	}

	if m.transcript.ReplyOpen() {
		m.transcript.EndReply(msg.Reply, m.interrupted)
		m.settle(m.finalState())
		return nil
	}

	m.transcript.BeginReply(m.deps.Backend.Selected())
	if m.pace.wordsPerTick() == 0 || msg.Reply == "" {
		m.transcript.EndReply(msg.Reply, m.interrupted)
		m.settle(m.finalState())
		return nil
	}
	m.partial = m.interrupted
	m.reveal = newReveal(msg.Reply)
	m.op = opReveal
	return revealTickCmd(m.gen)
}

func (m *ChatModel) revealStep() tea.Cmd {
	shown := m.reveal.advance(m.pace.wordsPerTick())
	if m.reveal.active() {
		m.transcript.StreamReply(0, shown)
		return revealTickCmd(m.gen)
	}
	m.finishReveal()
	return nil
}

func (m *ChatModel) finishReveal() {
	m.transcript.EndReply(m.reveal.text, m.partial)
	m.reveal = reveal{}
	if m.partial {
		m.settle(theme.StateInterrupted)
	} else {
		m.settle(theme.StateIdle)
	}
	m.partial = false
}

func (m *ChatModel) finalState() string {
	if m.interrupted {
		return theme.StateInterrupted
	}
	return theme.StateIdle
}

// interrupt asks the backend to stop; SendPrompt then returns the partial
// reply through the usual PromptDoneMsg. A reveal is finished at once.
func (m *ChatModel) interrupt() tea.Cmd {
	switch m.op {
	case opReveal:
		m.finishReveal()
		return nil
	case opLoad:
		m.transcript.AddNotice("A model load cannot be stopped. Wait for it to finish.")
		return nil
	case opPrompt:
		if m.interrupted {
			return nil
		}
		m.interrupted = true
		m.status.SetState(theme.StateInterrupted, "stopping")
		return interruptCmd(m.deps.Backend)
	}
	return nil
}

func (m *ChatModel) commandResult(msg CommandResultMsg) {
	if msg.Err != nil {
		m.addFailure(msg.Err)
		return
	}
	switch msg.Command {
	case "/reset":
		m.transcript.AddNotice(theme.G.OK + " Conversation reset.")
	case "/stats":
		m.transcript.AddNotice(msg.Output)
	}
}

// busEvent feeds the event pane and shows load progress on the badge.
func (m *ChatModel) busEvent(evt domain.Event) {
	m.events.AddEvent(evt)
	if evt.Type != domain.EventInitProgress || m.op != opLoad {
		return
	}
	var report domain.InitProgressReport
	if json.Unmarshal(evt.Payload, &report) == nil {
		m.status.SetState(theme.StateLoading, fmt.Sprintf("%s %.0f%%", evt.ModelID, report.Progress*100))
	}
}

func (m ChatModel) busy() bool { return m.op != opNone }

func (m *ChatModel) begin(op operation, state, detail string) {
	m.op = op
	m.interrupted = false
	m.prompt.SetBusy(true)
	m.status.SetState(state, detail)
	m.refreshHints()
	m.resize()
}

func (m *ChatModel) settle(state string) {
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.op = opNone
	m.interrupted = false
	m.prompt.SetBusy(false)
	m.status.SetState(state, "")
	m.refreshHints()
	m.resize()
}

func (m *ChatModel) addFailure(err error) {
	m.deps.Logger.Debug("chat command failed", "error", err)
	m.transcript.AddFailure(uxerror.Humanize(err).Render())
}

func (m *ChatModel) refreshHints() {
	switch {
	case m.scrolling:
		m.status.Hints = []components.KeyHint{{Key: "j/k", Desc: "Scroll"}, {Key: "g/G", Desc: "Top/bottom"}, {Key: "i", Desc: "Type"}}
	case m.busy():
		m.status.Hints = []components.KeyHint{{Key: "Ctrl+C", Desc: "Stop"}, {Key: "j/k", Desc: "Scroll"}}
	case m.showEvents && m.focusEvents:
		m.status.Hints = []components.KeyHint{{Key: "Tab", Desc: "Transcript"}, {Key: "Esc", Desc: "Scroll"}, {Key: "Ctrl+T", Desc: "Close"}}
	default:
		m.status.Hints = []components.KeyHint{{Key: "Enter", Desc: "Send"}, {Key: "/", Desc: "Commands"}, {Key: "Ctrl+T", Desc: "Events"}, {Key: "Ctrl+C", Desc: "Quit"}}
	}
}

// leakedMouseSequence reports mouse reports that reached us as key runes
// instead of tea.MouseMsg, which happens during fast trackpad scrolling.
// SGR ("<65;38;21M"), X10 ("[M") and urxvt ("[1;2;3M") forms are caught.
func leakedMouseSequence(s string) bool {
	digits := func(body string) bool {
		for _, r := range body {
			if r != ';' && (r < '0' || r > '9') {
				return false
			}
		}
		return true
	}
	n := len(s)
	switch {
	case n >= 5 && s[0] == '<' && (s[n-1] == 'M' || s[n-1] == 'm'):
		return digits(s[1 : n-1])
	case n >= 2 && s[0] == '[' && (s[1] == 'M' || s[1] == 'm'):
		return true
	case n >= 5 && s[0] == '[' && s[n-1] == 'M':
		return digits(s[1 : n-1])
	}
	return false
}
