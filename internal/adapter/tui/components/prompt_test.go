package components

import (
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
)

func commandSuggestions(input string) []Suggestion {
	all := []Suggestion{
		{Text: "/model", Usage: "/model <id>", Summary: "Switch model"},
		{Text: "/models", Summary: "List models"},
		{Text: "/reset", Summary: "New conversation"},
	}
	var out []Suggestion
	for _, s := range all {
		if strings.HasPrefix(s.Text, input) {
			out = append(out, s)
		}
	}
	return out
}

func typeInto(p PromptInput, s string) PromptInput {
	for _, r := range s {
		p, _ = p.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{r}})
	}
	return p
}

func TestPromptInput_SubmitTrims(t *testing.T) {
	p := NewPromptInput(nil)
	p.SetWidth(80)
	p = typeInto(p, "  hello ")

	p, cmd := p.Update(tea.KeyMsg{Type: tea.KeyEnter})
	if cmd == nil {
		t.Fatal("Enter did not submit")
	}
	if got := cmd().(PromptSubmitMsg).Text; got != "hello" {
		t.Errorf("submitted %q, want %q", got, "hello")
	}
	if p.Value() != "" {
		t.Errorf("input not cleared: %q", p.Value())
	}
}

func TestPromptInput_CompletionAccept(t *testing.T) {
	p := NewPromptInput(commandSuggestions)
	p.SetWidth(80)
	p = typeInto(p, "/mo")
	if got := len(p.Suggestions()); got != 2 {
		t.Fatalf("suggestions = %d, want 2", got)
	}
	if !strings.Contains(p.View(), "/model <id>") {
		t.Error("popup does not show the usage line")
	}

	p, _ = p.Update(tea.KeyMsg{Type: tea.KeyTab})
	p, cmd := p.Update(tea.KeyMsg{Type: tea.KeyEnter})
	if cmd != nil {
		t.Error("accepting a completion must not submit")
	}
	if p.Value() != "/models " {
		t.Errorf("value = %q, want %q", p.Value(), "/models ")
	}
}

func TestPromptInput_BusyIgnoresKeys(t *testing.T) {
	p := NewPromptInput(nil)
	p.SetBusy(true)
	p = typeInto(p, "x")
	if p.Value() != "" {
		t.Errorf("busy input accepted %q", p.Value())
	}
	p.SetBusy(false)
	p = typeInto(p, "x")
	if p.Value() != "x" {
		t.Errorf("value = %q, want x", p.Value())
	}
}

func TestParseCommand(t *testing.T) {
	name, args, ok := ParseCommand("  /MODEL model-b  ")
	if !ok || name != "/model" || len(args) != 1 || args[0] != "model-b" {
		t.Errorf("ParseCommand() = %q %v %v", name, args, ok)
	}
	if _, _, ok := ParseCommand("hello /model"); ok {
		t.Error("plain text parsed as a command")
	}
	if _, _, ok := ParseCommand("   "); ok {
		t.Error("blank input parsed as a command")
	}
}

func TestPromptInput_ExactMatchSubmits(t *testing.T) {
	p := NewPromptInput(commandSuggestions)
	p.SetWidth(80)
	p = typeInto(p, "/model")
	if len(p.Suggestions()) == 0 {
		t.Fatal("no suggestions for /model")
	}

	_, cmd := p.Update(tea.KeyMsg{Type: tea.KeyEnter})
	if cmd == nil {
		t.Fatal("exact match did not submit")
	}
	if got := cmd().(PromptSubmitMsg).Text; got != "/model" {
		t.Errorf("submitted %q, want /model", got)
	}
}
