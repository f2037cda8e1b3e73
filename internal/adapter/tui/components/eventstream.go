package components

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"llmshell/internal/adapter/tui/theme"
	"llmshell/internal/domain"
)

const maxEventEntries = 500

// EventStreamModel displays a scrollable stream of bus events with smart auto-scroll.
type EventStreamModel struct {
	Viewport viewport.Model
	events   []domain.Event
	filter   domain.EventType // empty = show all
	ready    bool
	atBottom bool
	width    int
	height   int
}

// NewEventStream creates an event stream viewer.
func NewEventStream() EventStreamModel {
	return EventStreamModel{atBottom: true}
}

// SetSize sets the viewport dimensions.
func (m *EventStreamModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	if !m.ready {
		m.Viewport = viewport.New(w, h)
		m.Viewport.MouseWheelEnabled = true
		m.Viewport.MouseWheelDelta = 3
		m.ready = true
	} else {
		m.Viewport.Width = w
		m.Viewport.Height = h
	}
	m.refreshContent()
}

// SetFilter sets the event type filter. Empty string shows all events.
func (m *EventStreamModel) SetFilter(t domain.EventType) {
	m.filter = t
	m.refreshContent()
}

// Filter returns the active type prefix, or "".
func (m EventStreamModel) Filter() domain.EventType { return m.filter }

// AddEvent appends an event and auto-scrolls if at bottom.
func (m *EventStreamModel) AddEvent(event domain.Event) {
	m.events = append(m.events, event)
	// Ring buffer: drop oldest when exceeding max.
	if len(m.events) > maxEventEntries {
		m.events = m.events[len(m.events)-maxEventEntries:]
	}
	m.refreshContent()
	if m.atBottom {
		m.Viewport.GotoBottom()
	}
}

// Update handles viewport scrolling.
func (m EventStreamModel) Update(msg tea.Msg) (EventStreamModel, tea.Cmd) {
	if !m.ready {
		return m, nil
	}
	var cmd tea.Cmd
	m.Viewport, cmd = m.Viewport.Update(msg)
	m.atBottom = m.Viewport.AtBottom()
	return m, cmd
}

// EventCount returns the total number of events.
func (m EventStreamModel) EventCount() int {
	return len(m.events)
}

// FilteredCount returns the number of events matching the current filter.
func (m EventStreamModel) FilteredCount() int {
	if m.filter == "" {
		return len(m.events)
	}
	count := 0
	for _, evt := range m.events {
		if evt.Type == m.filter || strings.HasPrefix(string(evt.Type), string(m.filter)) {
			count++
		}
	}
	return count
}

// View renders the event stream.
func (m EventStreamModel) View() string {
	if !m.ready {
		return ""
	}
	return m.Viewport.View()
}

func (m *EventStreamModel) refreshContent() {
	if !m.ready {
		return
	}

	if len(m.events) == 0 {
		m.Viewport.SetContent(theme.Muted.Render("  Waiting for events..."))
		return
	}

	var sb strings.Builder
	for _, evt := range m.events {
		if m.filter != "" && !strings.HasPrefix(string(evt.Type), string(m.filter)) {
			continue
		}

		ts := evt.Timestamp.Format("15:04:05")
		eventType := string(evt.Type)
		model := ""
		if evt.ModelID != "" {
			model = " " + evt.ModelID
		}

		line := fmt.Sprintf("  %s  %s%s",
			theme.Faint.Render(ts),
			theme.EventStyle(eventType).Render(fmt.Sprintf("%-22s", eventType)),
			theme.Muted.Render(model),
		)
		if detail := EventDetail(evt); detail != "" {
			line += "\n" + theme.Faint.Render("    "+detail)
		}

		sb.WriteString(line + "\n")
	}

	m.Viewport.SetContent(sb.String())
}

// EventDetail summarizes an event payload in one line. Unknown payloads
// render as "".
func EventDetail(evt domain.Event) string {
	if len(evt.Payload) == 0 {
		return ""
	}
	switch evt.Type {
	case domain.EventInitProgress:
		var p domain.InitProgressReport
		if json.Unmarshal(evt.Payload, &p) != nil {
			return ""
		}
		return fmt.Sprintf("%3.0f%% %s", p.Progress*100, p.Text)
	case domain.EventModelLoaded:
		var p domain.ModelEventPayload
		if json.Unmarshal(evt.Payload, &p) != nil || p.Elapsed == 0 {
			return ""
		}
		return fmt.Sprintf("loaded in %dms", p.Elapsed)
	case domain.EventGenerateStarted, domain.EventGenerateProgress, domain.EventGenerateCompleted, domain.EventGenerateFailed:
		var p domain.GenerateEventPayload
		if json.Unmarshal(evt.Payload, &p) != nil {
			return ""
		}
		switch {
		case p.Error != "":
			return p.Error
		case p.Step > 0:
			return fmt.Sprintf("step %d", p.Step)
		case evt.Type == domain.EventGenerateStarted:
			return truncate(p.Prompt, 60)
		}
		return ""
	case domain.EventStatsReport:
		var p domain.StatsEventPayload
		if json.Unmarshal(evt.Payload, &p) != nil {
			return ""
		}
		return p.Text
	case domain.EventWorkerConnected, domain.EventWorkerDisconnected, domain.EventWorkerDiscovered:
		var p domain.WorkerEventPayload
		if json.Unmarshal(evt.Payload, &p) != nil {
			return ""
		}
		return strings.TrimSpace(p.Transport + " " + p.Address)
	}
	return ""
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	more := theme.G.More
	return string(r[:max(n-len([]rune(more)), 0)]) + more
}
