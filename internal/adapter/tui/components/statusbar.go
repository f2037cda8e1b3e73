package components

import (
	"strings"

	"github.com/charmbracelet/lipgloss"

	"llmshell/internal/adapter/tui/theme"
)

// KeyHint is one keybinding shown on the left of the status bar.
type KeyHint struct {
	Key  string
	Desc string
}

// StatusBar shows key hints on the left and, on the right, the worker, the
// selected model and the engine state badge.
type StatusBar struct {
	Hints  []KeyHint
	Worker string
	Model  string
	State  string // one of the theme.State* values
	Detail string // e.g. "step 12" or "40%"
	width  int
}

// SetWidth updates the available width.
func (s *StatusBar) SetWidth(w int) { s.width = w }

// SetState updates the engine badge.
func (s *StatusBar) SetState(state, detail string) {
	s.State = state
	s.Detail = detail
}

// View renders the bar as a single line.
func (s StatusBar) View() string {
	hints := make([]string, len(s.Hints))
	for i, h := range s.Hints {
		hints[i] = theme.BarKey.Render(h.Key) + ": " + h.Desc
	}
	left := strings.Join(hints, "  "+theme.Faint.Render("|")+"  ")

	var who []string
	for _, part := range []string{s.Worker, s.Model} {
		if part != "" {
			who = append(who, part)
		}
	}
	right := theme.Badge(s.State, s.Detail)
	if len(who) > 0 {
		right = theme.Muted.Render(strings.Join(who, " "+theme.G.Sep+" ")) + "  " + right
	}

	gap := max(s.width-lipgloss.Width(left)-lipgloss.Width(right), 1)
	return theme.Bar.Width(s.width).Render(left + strings.Repeat(" ", gap) + right)
}
