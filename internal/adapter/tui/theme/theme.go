// Package theme holds the chat screen's palette, the engine-state badge and
// the glyph set. Colors adapt to light and dark terminals; lipgloss honours
// NO_COLOR on its own.
package theme

import (
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var (
	colorOK    = lipgloss.AdaptiveColor{Light: "#2e7d32", Dark: "#66bb6a"}
	colorFail  = lipgloss.AdaptiveColor{Light: "#c62828", Dark: "#ef5350"}
	colorWarn  = lipgloss.AdaptiveColor{Light: "#e65100", Dark: "#ffa726"}
	colorBusy  = lipgloss.AdaptiveColor{Light: "#0277bd", Dark: "#4fc3f7"}
	colorModel = lipgloss.AdaptiveColor{Light: "#6a1b9a", Dark: "#ce93d8"}
	colorMuted = lipgloss.AdaptiveColor{Light: "#757575", Dark: "#9e9e9e"}
	colorFaint = lipgloss.AdaptiveColor{Light: "#9e9e9e", Dark: "#757575"}
	colorRule  = lipgloss.AdaptiveColor{Light: "#bdbdbd", Dark: "#616161"}
	colorFocus = lipgloss.AdaptiveColor{Light: "#1565c0", Dark: "#42a5f5"}
	colorBarBg = lipgloss.AdaptiveColor{Light: "#f5f5f5", Dark: "#2d2d2d"}
)

var (
	Bold  = lipgloss.NewStyle().Bold(true)
	Faint = lipgloss.NewStyle().Faint(true)
	Muted = lipgloss.NewStyle().Foreground(colorMuted)

	Failure = lipgloss.NewStyle().Foreground(colorFail).Bold(true)
	Warn    = lipgloss.NewStyle().Foreground(colorWarn).Bold(true)
	Busy    = lipgloss.NewStyle().Foreground(colorBusy)
	Model   = lipgloss.NewStyle().Foreground(colorModel)

	// Transcript headers.
	PromptLabel  = lipgloss.NewStyle().Foreground(colorBusy).Bold(true)
	ReplyLabel   = lipgloss.NewStyle().Foreground(colorModel).Bold(true)
	NoticeLabel  = lipgloss.NewStyle().Foreground(colorMuted).Bold(true)
	FailureLabel = lipgloss.NewStyle().Foreground(colorFail).Bold(true)
	Stamp        = lipgloss.NewStyle().Foreground(colorFaint).Faint(true)

	Bar    = lipgloss.NewStyle().Foreground(colorFaint).Background(colorBarBg).Padding(0, 1)
	BarKey = lipgloss.NewStyle().Foreground(colorBusy).Bold(true)

	InputCaret = lipgloss.NewStyle().Foreground(colorBusy).Bold(true)
	InputHint  = lipgloss.NewStyle().Foreground(colorFaint)

	Popup = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(colorFocus).Padding(0, 1)
)

// SpinnerColor tints the busy spinner.
var SpinnerColor = colorBusy

// Rule styles a divider; a focused pane gets the accent color.
func Rule(focused bool) lipgloss.Style {
	if focused {
		return lipgloss.NewStyle().Foreground(colorFocus)
	}
	return lipgloss.NewStyle().Foreground(colorRule)
}

// Engine states shown in the status bar. The first three mirror the
// controller; the others only exist on screen.
const (
	StateIdle        = "idle"
	StateLoading     = "loading"
	StateGenerating  = "generating"
	StateInterrupted = "interrupted"
	StateFailed      = "failed"
)

// StateStyle returns the badge style for an engine state.
func StateStyle(state string) lipgloss.Style {
	switch state {
	case StateLoading:
		return lipgloss.NewStyle().Foreground(colorWarn)
	case StateGenerating:
		return lipgloss.NewStyle().Foreground(colorBusy).Bold(true)
	case StateInterrupted:
		return lipgloss.NewStyle().Foreground(colorWarn).Bold(true)
	case StateFailed:
		return lipgloss.NewStyle().Foreground(colorFail).Bold(true)
	default:
		return lipgloss.NewStyle().Foreground(colorOK)
	}
}

// Badge renders "<glyph> <state>" plus an optional detail such as a step
// count or load percentage.
func Badge(state, detail string) string {
	if state == "" {
		state = StateIdle
	}
	var glyph string
	switch state {
	case StateLoading, StateGenerating:
		glyph = G.Busy
	case StateInterrupted:
		glyph = G.Stop
	case StateFailed:
		glyph = G.Fail
	default:
		glyph = G.OK
	}
	text := glyph + " " + state
	if detail != "" {
		text += " " + detail
	}
	return StateStyle(state).Render(text)
}

// EventStyle colors an event type by its category prefix.
func EventStyle(eventType string) lipgloss.Style {
	switch {
	case eventType == "generate.failed":
		return Failure
	case strings.HasPrefix(eventType, "engine."):
		return lipgloss.NewStyle().Foreground(colorWarn)
	case strings.HasPrefix(eventType, "generate."):
		return Busy
	case strings.HasPrefix(eventType, "worker."):
		return Model
	}
	return Muted
}

// Glyphs are the small symbols drawn around text.
type Glyphs struct {
	OK, Fail, Busy, Stop string
	Arrow, Sep, More     string
}

var (
	unicodeGlyphs = Glyphs{OK: "✓", Fail: "✗", Busy: "⏳", Stop: "■", Arrow: "→", Sep: "•", More: "…"}
	asciiGlyphs   = Glyphs{OK: "[ok]", Fail: "[x]", Busy: "[..]", Stop: "[stop]", Arrow: "->", Sep: "*", More: "..."}
)

// G is the active glyph set.
var G = PickGlyphs(os.Getenv)

// PickGlyphs chooses ASCII when LLMSHELL_ASCII_SYMBOLS is set, on a dumb
// terminal, or when the locale names a non-UTF-8 charset.
func PickGlyphs(getenv func(string) string) Glyphs {
	if v := getenv("LLMSHELL_ASCII_SYMBOLS"); v == "1" || strings.EqualFold(v, "true") {
		return asciiGlyphs
	}
	if getenv("TERM") == "dumb" {
		return asciiGlyphs
	}
	for _, key := range []string{"LC_ALL", "LC_CTYPE", "LANG"} {
		val := strings.ToLower(getenv(key))
		if val == "" {
			continue
		}
		if strings.Contains(val, "utf-8") || strings.Contains(val, "utf8") {
			return unicodeGlyphs
		}
		if val == "c" || val == "posix" || strings.Contains(val, ".") {
			return asciiGlyphs
		}
	}
	return unicodeGlyphs
}

// ReadableWidth caps prose so replies stay readable on wide terminals.
const ReadableWidth = 100

// EventPaneMinWidth is the narrowest terminal that still shows the event pane.
const EventPaneMinWidth = 100

// Clamp returns v limited to [lo, hi].
func Clamp(v, lo, hi int) int {
	return min(max(v, lo), hi)
}
