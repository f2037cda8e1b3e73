package chat

import (
	"strings"

	"github.com/charmbracelet/lipgloss"

	"llmshell/internal/adapter/tui/theme"
)

// panes is how the area above the input is shared between the transcript
// and the event pane. Wide terminals put the pane on the right; narrow ones
// stack it under the transcript.
type panes struct {
	transcriptW, transcriptH int
	eventsW, eventsH         int // zero while the pane is hidden
	sideBySide               bool
}

const eventHeaderH = 1

func computePanes(width, bodyH int, showEvents bool) panes {
	p := panes{transcriptW: width, transcriptH: bodyH}
	if !showEvents {
		return p
	}
	if width >= theme.EventPaneMinWidth {
		p.sideBySide = true
		p.eventsW = theme.Clamp(width*38/100, 36, 64)
		p.transcriptW = width - p.eventsW - 1
		p.eventsH = bodyH - eventHeaderH
		return p
	}
	p.eventsW = width
	p.eventsH = max(bodyH/3, 3)
	p.transcriptH = max(bodyH-p.eventsH-eventHeaderH-1, 3)
	return p
}

// join draws the transcript and the event pane with a rule between them.
// The rule takes the accent color while the event pane has focus.
func (p panes) join(transcript, events string, eventsFocused bool) string {
	if p.eventsW == 0 {
		return transcript
	}
	rule := theme.Rule(eventsFocused)
	if p.sideBySide {
		bar := strings.TrimSuffix(strings.Repeat("│\n", p.transcriptH), "\n")
		left := lipgloss.NewStyle().Width(p.transcriptW).Height(p.transcriptH).Render(transcript)
		return lipgloss.JoinHorizontal(lipgloss.Top, left, rule.Render(bar), events)
	}
	return lipgloss.JoinVertical(lipgloss.Left,
		transcript,
		rule.Render(strings.Repeat("─", p.eventsW)),
		events,
	)
}
