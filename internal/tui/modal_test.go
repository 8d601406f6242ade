package tui

import (
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/harborhq/harbor/internal/consent"
)

func specialKey(k string) tea.KeyMsg {
	switch k {
	case "esc":
		return tea.KeyMsg{Type: tea.KeyEscape}
	case "tab":
		return tea.KeyMsg{Type: tea.KeyTab}
	case "enter":
		return tea.KeyMsg{Type: tea.KeyEnter}
	case "space":
		return tea.KeyMsg{Type: tea.KeySpace, Runes: []rune(" ")}
	default:
		return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(k)}
	}
}

func testPrompt(tools ...string) consent.PromptEvent {
	return consent.PromptEvent{
		ID:     "p-1",
		Origin: "https://example.com",
		Scopes: []string{"mcp:tools.call"},
		Reason: "run the echo tool",
		Tools:  tools,
	}
}

func runCmd(t *testing.T, cmd tea.Cmd) tea.Msg {
	t.Helper()
	if cmd == nil {
		t.Fatal("expected a command")
	}
	return cmd()
}

func TestConsentModal_OpenClose(t *testing.T) {
	m := NewConsentModal()
	if m.IsOpen() {
		t.Fatal("should start closed")
	}
	m.Open(testPrompt())
	if !m.IsOpen() {
		t.Fatal("should be open")
	}
	m.Close()
	if m.IsOpen() {
		t.Fatal("should be closed")
	}
}

func TestConsentModal_OpenResets(t *testing.T) {
	m := NewConsentModal()
	m.Open(testPrompt("srv:a", "srv:b"))
	m.toolChecks[1] = false
	m.focusIndex = 3
	m.Open(testPrompt("srv:a", "srv:b"))
	if !m.toolChecks[0] || !m.toolChecks[1] {
		t.Fatal("Open() should recheck all tools")
	}
	if m.FocusIndex() != 2 {
		t.Fatalf("focus should start on Allow Once, got %d", m.FocusIndex())
	}
}

func TestConsentModal_EscDismisses(t *testing.T) {
	m := NewConsentModal()
	m.Open(testPrompt())
	cmd := m.Update(specialKey("esc"))
	if m.IsOpen() {
		t.Fatal("esc should close the modal")
	}
	msg, ok := runCmd(t, cmd).(ConsentDismissedMsg)
	if !ok {
		t.Fatalf("expected ConsentDismissedMsg, got %T", msg)
	}
	if msg.PromptID != "p-1" {
		t.Fatalf("wrong prompt id %q", msg.PromptID)
	}
}

func TestConsentModal_ShortcutsAnswer(t *testing.T) {
	cases := []struct {
		key       string
		granted   bool
		grantType string
		deny      bool
	}{
		{"o", true, "once", false},
		{"a", true, "always", false},
		{"d", false, "", true},
	}
	for _, tc := range cases {
		m := NewConsentModal()
		m.Open(testPrompt())
		cmd := m.Update(specialKey(tc.key))
		msg, ok := runCmd(t, cmd).(ConsentAnsweredMsg)
		if !ok {
			t.Fatalf("%s: expected ConsentAnsweredMsg", tc.key)
		}
		if msg.Answer.Granted != tc.granted || msg.Answer.GrantType != tc.grantType || msg.Answer.Deny != tc.deny {
			t.Fatalf("%s: unexpected answer %+v", tc.key, msg.Answer)
		}
		if m.IsOpen() {
			t.Fatalf("%s: modal should close after answering", tc.key)
		}
	}
}

func TestConsentModal_EnterOnButtons(t *testing.T) {
	m := NewConsentModal()
	m.Open(testPrompt())
	// Focus starts on Allow Once; tab twice to Deny.
	m.Update(specialKey("tab"))
	m.Update(specialKey("tab"))
	cmd := m.Update(specialKey("enter"))
	msg := runCmd(t, cmd).(ConsentAnsweredMsg)
	if msg.Answer.Granted || !msg.Answer.Deny {
		t.Fatalf("expected explicit deny, got %+v", msg.Answer)
	}
}

func TestConsentModal_ToolChecklistFiltersGrant(t *testing.T) {
	m := NewConsentModal()
	m.Open(testPrompt("srv:alpha", "srv:beta"))
	// Focus starts past the checklist; step back onto the second tool
	// and uncheck it.
	m.Update(specialKey("shift+tab"))
	if m.FocusIndex() != 1 {
		t.Fatalf("expected focus on second tool, got %d", m.FocusIndex())
	}
	m.Update(specialKey("space"))
	cmd := m.Update(specialKey("a"))
	msg := runCmd(t, cmd).(ConsentAnsweredMsg)
	if len(msg.Answer.AllowedTools) != 1 || msg.Answer.AllowedTools[0] != "srv:alpha" {
		t.Fatalf("expected only srv:alpha allowed, got %v", msg.Answer.AllowedTools)
	}
}

func TestConsentModal_DenyCarriesNoTools(t *testing.T) {
	m := NewConsentModal()
	m.Open(testPrompt("srv:alpha"))
	cmd := m.Update(specialKey("d"))
	msg := runCmd(t, cmd).(ConsentAnsweredMsg)
	if len(msg.Answer.AllowedTools) != 0 {
		t.Fatalf("deny should not carry tools, got %v", msg.Answer.AllowedTools)
	}
}

func TestConsentModal_ViewShowsPrompt(t *testing.T) {
	m := NewConsentModal()
	if m.View() != "" {
		t.Fatal("closed modal should render nothing")
	}
	m.Open(testPrompt("srv:alpha"))
	v := m.View()
	for _, want := range []string{"Permission Request", "https://example.com", "mcp:tools.call", "srv:alpha", "[ Deny ]"} {
		if !strings.Contains(v, want) {
			t.Fatalf("view missing %q", want)
		}
	}
}
