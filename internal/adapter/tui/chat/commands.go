package chat

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"

	"llmshell/internal/adapter/tui/components"
	"llmshell/internal/adapter/tui/theme"
	"llmshell/internal/domain"
)

// command is one slash command. The table drives dispatch, /help and the
// completion popup.
type command struct {
	name    string
	aliases []string
	args    string
	summary string
	// needsIdle commands talk to the engine and are refused while a prompt
	// or model load is in flight.
	needsIdle bool
	run       func(m *ChatModel, args []string) tea.Cmd
}

func (c command) usage() string {
	if c.args == "" {
		return c.name
	}
	return c.name + " " + c.args
}

func slashCommands() []command {
	return []command{
		{name: "/help", summary: "Show commands and keys", run: (*ChatModel).showHelp},
		{name: "/model", args: "<id>", summary: "Load another model, unloading the current one", needsIdle: true, run: (*ChatModel).loadModel},
		{name: "/models", summary: "List models", run: (*ChatModel).listModels},
		{name: "/reset", aliases: []string{"/clear"}, summary: "Start a new conversation", needsIdle: true, run: (*ChatModel).resetChat},
		{name: "/stats", summary: "Show runtime statistics", needsIdle: true, run: (*ChatModel).showStats},
		{name: "/cancel", summary: "Stop the running generation", run: (*ChatModel).cancelRunning},
		{name: "/events", args: "[type-prefix]", summary: "Toggle the event pane", run: (*ChatModel).toggleEvents},
		{name: "/speed", args: "[steady|fast|off]", summary: "How whole replies are revealed", run: (*ChatModel).setPace},
		{name: "/quit", aliases: []string{"/exit"}, summary: "Leave llmshell", run: (*ChatModel).quit},
	}
}

func lookupCommand(name string) (command, bool) {
	for _, c := range slashCommands() {
		if c.name == name {
			return c, true
		}
		for _, alias := range c.aliases {
			if alias == name {
				return c, true
			}
		}
	}
	return command{}, false
}

// suggestions completes command names, and model ids after "/model ".
func suggestions(backend Backend) components.SuggestFunc {
	return func(input string) []components.Suggestion {
		name, rest, hasArgs := strings.Cut(input, " ")
		name = strings.ToLower(name)
		if !hasArgs {
			var out []components.Suggestion
			for _, c := range slashCommands() {
				if strings.HasPrefix(c.name, name) {
					out = append(out, components.Suggestion{Text: c.name, Usage: c.usage(), Summary: c.summary})
				}
			}
			return out
		}
		if name != "/model" {
			return nil
		}
		prefix := strings.ToLower(strings.TrimSpace(rest))
		selected := backend.Selected()
		var out []components.Suggestion
		for _, id := range backend.Models() {
			if !strings.HasPrefix(strings.ToLower(id), prefix) {
				continue
			}
			s := components.Suggestion{Text: "/model " + id}
			if id == selected {
				s.Summary = "selected"
			}
			out = append(out, s)
		}
		return out
	}
}

func (m *ChatModel) runCommand(name string, args []string) tea.Cmd {
	c, ok := lookupCommand(name)
	if !ok {
		m.transcript.AddNotice(fmt.Sprintf("Unknown command: %s. Type /help for available commands.", name))
		return nil
	}
	if c.needsIdle && m.busy() {
		m.transcript.AddNotice("Busy. Wait for the running operation or /cancel it.")
		return nil
	}
	return c.run(m, args)
}

func (m *ChatModel) showHelp([]string) tea.Cmd {
	var sb strings.Builder
	sb.WriteString("Commands:")
	cmds := slashCommands()
	width := 0
	for _, c := range cmds {
		width = max(width, len(c.usage()))
	}
	for _, c := range cmds {
		fmt.Fprintf(&sb, "\n  %-*s  %s", width, c.usage(), c.summary)
		if len(c.aliases) > 0 {
			fmt.Fprintf(&sb, " (also %s)", strings.Join(c.aliases, ", "))
		}
	}
	sb.WriteString(`

Keys:
  Enter       Send, or accept a completion
  Tab         Next completion, or switch pane focus
  Esc         Scroll mode (j/k, g/G, i to type again)
  Ctrl+T      Toggle the event pane
  Ctrl+L      New conversation
  Ctrl+C      Stop the generation, or quit
  PgUp/PgDn   Scroll`)
	m.transcript.AddNotice(sb.String())
	return nil
}

func (m *ChatModel) loadModel(args []string) tea.Cmd {
	if len(args) == 0 {
		m.transcript.AddNotice(fmt.Sprintf("Current model: %s. Usage: /model <id>", m.deps.Backend.Selected()))
		return nil
	}
	// Ids may contain spaces, e.g. the local server entry.
	id := strings.Join(args, " ")
	m.begin(opLoad, theme.StateLoading, id)
	return selectModelCmd(m.deps.Backend, id)
}

func (m *ChatModel) listModels([]string) tea.Cmd {
	selected := m.deps.Backend.Selected()
	var sb strings.Builder
	sb.WriteString("Models:")
	for _, id := range m.deps.Backend.Models() {
		marker := "  "
		if id == selected {
			marker = theme.G.Arrow + " "
		}
		note := ""
		if id == domain.LocalServerModel {
			note = theme.Muted.Render("  (REST backend)")
		}
		sb.WriteString("\n  " + marker + id + note)
	}
	m.transcript.AddNotice(sb.String())
	return nil
}

func (m *ChatModel) resetChat([]string) tea.Cmd {
	m.transcript.Clear()
	m.status.SetState(theme.StateIdle, "")
	return resetCmd(m.deps.Backend)
}

func (m *ChatModel) showStats([]string) tea.Cmd {
	return statsCmd(m.deps.Backend)
}

func (m *ChatModel) cancelRunning([]string) tea.Cmd {
	if !m.busy() {
		m.transcript.AddNotice("No active generation to stop.")
		return nil
	}
	return m.interrupt()
}

func (m *ChatModel) toggleEvents(args []string) tea.Cmd {
	if len(args) > 0 {
		m.events.SetFilter(domain.EventType(args[0]))
		m.showEvents = true
	} else {
		m.events.SetFilter("")
		m.showEvents = !m.showEvents
	}
	if !m.showEvents {
		m.focusEvents = false
	}
	m.resize()
	m.refreshHints()
	return nil
}

func (m *ChatModel) setPace(args []string) tea.Cmd {
	next := m.pace.next()
	if len(args) > 0 {
		p, ok := parsePace(strings.ToLower(args[0]))
		if !ok {
			m.transcript.AddNotice("Usage: /speed [steady|fast|off]")
			return nil
		}
		next = p
	}
	m.pace = next
	m.transcript.AddNotice("Reveal speed: " + next.String())
	return nil
}

func (m *ChatModel) quit([]string) tea.Cmd {
	m.quitting = true
	return tea.Quit
}
