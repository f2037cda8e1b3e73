package components

import (
	"strings"

	"github.com/charmbracelet/bubbles/textarea"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"llmshell/internal/adapter/tui/theme"
)

const maxSuggestions = 7

// PromptSubmitMsg is sent when the user presses Enter on a non-empty line.
type PromptSubmitMsg struct {
	Text string
}

// Suggestion is one completion offered while a command is being typed.
type Suggestion struct {
	Text    string // inserted on accept, e.g. "/model" or "/model model-b"
	Usage   string // shown instead of Text when set, e.g. "/model <id>"
	Summary string
}

// SuggestFunc returns the completions for the current input, or nil.
type SuggestFunc func(input string) []Suggestion

// PromptInput is the line the user types prompts and slash commands into.
// While busy it ignores keys; completions come from suggest.
type PromptInput struct {
	area    textarea.Model
	suggest SuggestFunc
	options []Suggestion
	choice  int
	busy    bool
	width   int
}

// NewPromptInput creates a focused input. suggest may be nil.
func NewPromptInput(suggest SuggestFunc) PromptInput {
	ta := textarea.New()
	ta.Placeholder = "Type a prompt, or / for commands"
	ta.Prompt = "> "
	ta.ShowLineNumbers = false
	ta.CharLimit = 0
	ta.SetHeight(3)
	ta.FocusedStyle.CursorLine = lipgloss.NewStyle()
	ta.FocusedStyle.Prompt = theme.InputCaret
	ta.FocusedStyle.Placeholder = theme.InputHint
	ta.Focus()
	return PromptInput{area: ta, suggest: suggest}
}

// SetWidth resizes the input.
func (p *PromptInput) SetWidth(w int) {
	p.width = w
	p.area.SetWidth(w - 2)
}

// SetBusy blocks typing while the engine works and restores focus after.
func (p *PromptInput) SetBusy(busy bool) {
	p.busy = busy
	if busy {
		p.area.Blur()
		p.options = nil
		return
	}
	p.area.Focus()
}

// Busy reports whether typing is blocked.
func (p PromptInput) Busy() bool { return p.busy }

// Value returns the current text.
func (p PromptInput) Value() string { return p.area.Value() }

// SetValue replaces the text and refreshes completions.
func (p *PromptInput) SetValue(s string) {
	p.area.SetValue(s)
	p.area.CursorEnd()
	p.refreshOptions()
}

// Suggestions returns the completions currently on offer.
func (p PromptInput) Suggestions() []Suggestion { return p.options }

// Update handles keys. Enter submits unless a completion other than the
// typed text is highlighted, in which case it accepts that completion.
func (p PromptInput) Update(msg tea.Msg) (PromptInput, tea.Cmd) {
	if p.busy {
		return p, nil
	}
	key, isKey := msg.(tea.KeyMsg)
	if !isKey {
		if _, isMouse := msg.(tea.MouseMsg); isMouse {
			return p, nil
		}
		var cmd tea.Cmd
		p.area, cmd = p.area.Update(msg)
		return p, cmd
	}

	if len(p.options) > 0 {
		switch key.Type {
		case tea.KeyTab, tea.KeyDown:
			p.choice = (p.choice + 1) % len(p.shown())
			return p, nil
		case tea.KeyShiftTab, tea.KeyUp:
			p.choice = (p.choice + len(p.shown()) - 1) % len(p.shown())
			return p, nil
		case tea.KeyEsc:
			p.options = nil
			return p, nil
		case tea.KeyEnter:
			// An exact match submits instead of completing again.
			if pick := p.shown()[p.choice].Text; pick != strings.TrimSpace(p.area.Value()) {
				p.SetValue(pick + " ")
				return p, nil
			}
		}
	}

	if key.Type == tea.KeyEnter {
		text := strings.TrimSpace(p.area.Value())
		if text == "" {
			return p, nil
		}
		p.area.Reset()
		p.options = nil
		return p, func() tea.Msg { return PromptSubmitMsg{Text: text} }
	}

	var cmd tea.Cmd
	p.area, cmd = p.area.Update(msg)
	p.refreshOptions()
	return p, cmd
}

// View renders the completion popup, if any, above the input.
func (p PromptInput) View() string {
	if popup := p.popup(); popup != "" {
		return popup + "\n" + p.area.View()
	}
	return p.area.View()
}

func (p *PromptInput) refreshOptions() {
	value := p.area.Value()
	if p.suggest == nil || !strings.HasPrefix(value, "/") {
		p.options = nil
		p.choice = 0
		return
	}
	p.options = p.suggest(value)
	if p.choice >= len(p.shown()) {
		p.choice = 0
	}
}

func (p PromptInput) shown() []Suggestion {
	if len(p.options) > maxSuggestions {
		return p.options[:maxSuggestions]
	}
	return p.options
}

func (p PromptInput) popup() string {
	shown := p.shown()
	if len(shown) == 0 {
		return ""
	}
	nameW := 0
	for _, s := range shown {
		nameW = max(nameW, len([]rune(s.label())))
	}
	room := max(p.width-nameW-10, 10)

	lines := make([]string, len(shown))
	for i, s := range shown {
		label := s.label() + strings.Repeat(" ", nameW-len([]rune(s.label())))
		summary := s.Summary
		if r := []rune(summary); len(r) > room {
			summary = string(r[:room-1]) + theme.G.More
		}
		marker := "  "
		if i == p.choice {
			marker = theme.Busy.Render(theme.G.Arrow) + " "
		}
		lines[i] = marker + label + "  " + theme.Muted.Render(summary)
	}
	return theme.Popup.Render(strings.Join(lines, "\n"))
}

func (s Suggestion) label() string {
	if s.Usage != "" {
		return s.Usage
	}
	return s.Text
}

// ParseCommand splits a slash command into its lowercased name and
// arguments. ok is false for anything that is not a command.
func ParseCommand(input string) (name string, args []string, ok bool) {
	fields := strings.Fields(input)
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return "", nil, false
	}
	return strings.ToLower(fields[0]), fields[1:], true
}
