package components

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"llmshell/internal/adapter/tui/theme"
)

// EntryKind says who produced a transcript entry.
type EntryKind int

const (
	EntryPrompt  EntryKind = iota // typed by the user
	EntryReply                    // produced by the model
	EntryNotice                   // command output and status lines
	EntryFailure                  // a humanized error
)

// Entry is one block of the transcript.
type Entry struct {
	Kind    EntryKind
	Text    string
	At      time.Time
	Model   string // replies: the model that answered
	Steps   int    // replies: last decode step reported
	Partial bool   // replies: generation was interrupted
	Open    bool   // replies: still streaming

	rendered string // cached markdown, reset whenever Text changes
}

// Transcript is the scrollable conversation. It follows new output while the
// user is at the bottom and stays put once they scroll up.
type Transcript struct {
	Viewport viewport.Model

	entries []Entry
	limit   int // 0 keeps everything
	dropped int

	width  int
	ready  bool
	follow bool
	md     *glamour.TermRenderer
}

// NewTranscript creates an empty transcript holding at most limit entries.
func NewTranscript(limit int) Transcript {
	return Transcript{limit: limit, follow: true}
}

// SetSize resizes the viewport; the first call creates it.
func (t *Transcript) SetSize(w, h int) {
	if w != t.width {
		t.width = w
		t.md = nil
		for i := range t.entries {
			t.entries[i].rendered = ""
		}
	}
	if !t.ready {
		t.Viewport = viewport.New(w, h)
		t.Viewport.MouseWheelEnabled = true
		t.Viewport.MouseWheelDelta = 3
		t.ready = true
	} else {
		t.Viewport.Width = w
		t.Viewport.Height = h
	}
	t.refresh()
}

// Entries returns the transcript entries, oldest first.
func (t Transcript) Entries() []Entry { return t.entries }

// Last returns the newest entry, or false when the transcript is empty.
func (t Transcript) Last() (Entry, bool) {
	if len(t.entries) == 0 {
		return Entry{}, false
	}
	return t.entries[len(t.entries)-1], true
}

// AddPrompt records a prompt the user sent.
func (t *Transcript) AddPrompt(text string) {
	t.add(Entry{Kind: EntryPrompt, Text: text})
}

// AddNotice records command output.
func (t *Transcript) AddNotice(text string) {
	t.add(Entry{Kind: EntryNotice, Text: text})
}

// AddFailure records an already humanized error.
func (t *Transcript) AddFailure(text string) {
	t.add(Entry{Kind: EntryFailure, Text: text})
}

// BeginReply opens an empty reply from model.
func (t *Transcript) BeginReply(model string) {
	t.add(Entry{Kind: EntryReply, Model: model, Open: true})
}

// StreamReply replaces the open reply's text with the accumulated message
// at step. Without an open reply it does nothing.
func (t *Transcript) StreamReply(step int, text string) {
	r := t.openReply()
	if r == nil {
		return
	}
	r.Text = text
	r.rendered = ""
	if step > 0 {
		r.Steps = step
	}
	t.refresh()
}

// EndReply closes the open reply with its final text.
func (t *Transcript) EndReply(text string, partial bool) {
	r := t.openReply()
	if r == nil {
		return
	}
	r.Text = text
	r.rendered = ""
	r.Partial = partial
	r.Open = false
	t.refresh()
}

// ReplyOpen reports whether a reply is still streaming.
func (t Transcript) ReplyOpen() bool {
	if len(t.entries) == 0 {
		return false
	}
	last := t.entries[len(t.entries)-1]
	return last.Kind == EntryReply && last.Open
}

// Clear drops every entry.
func (t *Transcript) Clear() {
	t.entries = nil
	t.dropped = 0
	t.follow = true
	t.refresh()
	t.Viewport.GotoTop()
}

// Update scrolls the viewport and tracks whether to keep following output.
func (t Transcript) Update(msg tea.Msg) (Transcript, tea.Cmd) {
	if !t.ready {
		return t, nil
	}
	var cmd tea.Cmd
	t.Viewport, cmd = t.Viewport.Update(msg)
	t.follow = t.Viewport.AtBottom()
	return t, cmd
}

// GotoTop scrolls to the first entry and stops following output.
func (t *Transcript) GotoTop() {
	t.Viewport.GotoTop()
	t.follow = t.Viewport.AtBottom()
}

// GotoBottom scrolls to the newest entry and follows output again.
func (t *Transcript) GotoBottom() {
	t.Viewport.GotoBottom()
	t.follow = true
}

// View renders the visible part of the transcript.
func (t Transcript) View() string {
	if !t.ready {
		return "  Initializing..."
	}
	return t.Viewport.View()
}

func (t *Transcript) openReply() *Entry {
	if !t.ReplyOpen() {
		return nil
	}
	return &t.entries[len(t.entries)-1]
}

func (t *Transcript) add(e Entry) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	t.entries = append(t.entries, e)
	if t.limit > 0 && len(t.entries) > t.limit {
		n := len(t.entries) - t.limit
		t.entries = t.entries[n:]
		t.dropped += n
	}
	t.refresh()
}

func (t *Transcript) refresh() {
	if !t.ready {
		return
	}
	t.Viewport.SetContent(t.render())
	if t.follow {
		t.Viewport.GotoBottom()
	}
}

func (t *Transcript) render() string {
	if len(t.entries) == 0 {
		return theme.Muted.Render("  No messages yet. Type a prompt, or /help for commands.")
	}
	width := theme.Clamp(t.width-4, 40, theme.ReadableWidth)

	var sb strings.Builder
	if t.dropped > 0 {
		sb.WriteString(theme.Muted.Render(fmt.Sprintf("  (%d older entries dropped)", t.dropped)) + "\n\n")
	}
	for i := range t.entries {
		if i > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(t.renderEntry(&t.entries[i], width))
	}
	return sb.String()
}

func (t *Transcript) renderEntry(e *Entry, width int) string {
	header := entryLabel(e) + " " + theme.Stamp.Render(e.At.Format("15:04"))

	switch e.Kind {
	case EntryReply:
		if e.rendered == "" && e.Text != "" {
			if e.Open {
				// Markdown is rendered once the reply settles.
				e.rendered = indent(wrap(e.Text, width-2))
			} else {
				e.rendered = strings.TrimRight(t.markdown(e.Text, width), "\n")
			}
		}
		out := header
		if e.rendered != "" {
			out += "\n" + e.rendered
		}
		return out + replyFooter(e)
	case EntryFailure:
		return header + "\n" + indent(theme.Failure.Render(wrap(e.Text, width-2)))
	default:
		body := wrap(e.Text, max(width-lipgloss.Width(header)-2, 20))
		first, rest, _ := strings.Cut(body, "\n")
		out := header + "  " + first
		if rest != "" {
			out += "\n" + indent(rest)
		}
		return out
	}
}

func entryLabel(e *Entry) string {
	switch e.Kind {
	case EntryPrompt:
		return theme.PromptLabel.Render("You")
	case EntryReply:
		if e.Model == "" {
			return theme.ReplyLabel.Render("Model")
		}
		return theme.ReplyLabel.Render(e.Model)
	case EntryFailure:
		return theme.FailureLabel.Render(theme.G.Fail + " Error")
	}
	return theme.NoticeLabel.Render("System")
}

// replyFooter notes the step count and an interruption under a reply.
func replyFooter(e *Entry) string {
	var parts []string
	if e.Steps > 0 {
		parts = append(parts, fmt.Sprintf("%d steps", e.Steps))
	}
	if e.Partial {
		parts = append(parts, theme.StateStyle(theme.StateInterrupted).Render(theme.StateInterrupted))
	}
	if len(parts) == 0 {
		return ""
	}
	return "\n  " + theme.Faint.Render(strings.Join(parts, " "+theme.G.Sep+" "))
}

func (t *Transcript) markdown(text string, width int) string {
	if t.md == nil {
		r, err := glamour.NewTermRenderer(glamour.WithAutoStyle(), glamour.WithWordWrap(width))
		if err != nil {
			return indent(text)
		}
		t.md = r
	}
	out, err := t.md.Render(text)
	if err != nil {
		return indent(text)
	}
	return out
}

func indent(s string) string {
	return "  " + strings.ReplaceAll(s, "\n", "\n  ")
}

// wrap breaks s at spaces so no line exceeds width runes. Words longer than
// width are split.
func wrap(s string, width int) string {
	if width <= 0 {
		return s
	}
	var out []string
	for _, para := range strings.Split(s, "\n") {
		line := []rune{}
		for _, word := range strings.Fields(para) {
			w := []rune(word)
			for len(w) > width {
				if len(line) > 0 {
					out = append(out, string(line))
					line = line[:0]
				}
				out = append(out, string(w[:width]))
				w = w[width:]
			}
			switch {
			case len(line) == 0:
				line = append(line, w...)
			case len(line)+1+len(w) <= width:
				line = append(append(line, ' '), w...)
			default:
				out = append(out, string(line))
				line = append([]rune{}, w...)
			}
		}
		out = append(out, string(line))
	}
	return strings.Join(out, "\n")
}

// Divider renders a horizontal rule across width.
func Divider(width int) string {
	return theme.Rule(false).Render(strings.Repeat("─", max(width, 0)))
}
