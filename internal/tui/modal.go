package tui

import (
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/harborhq/harbor/internal/consent"
)

type ModalState int

const (
	ModalClosed ModalState = iota
	ModalOpen
)

// ConsentModal renders one outstanding permission prompt and collects the
// operator's answer. Focus walks the tool checklist (when the prompt carries
// one) and then the three answer buttons.
type ConsentModal struct {
	state      ModalState
	prompt     consent.PromptEvent
	focusIndex int
	toolChecks []bool
}

// Answer button positions, offset past the tool checklist.
const (
	btnAllowOnce = iota
	btnAllowAlways
	btnDeny
	buttonCount
)

func NewConsentModal() ConsentModal {
	return ConsentModal{state: ModalClosed}
}

// Open resets the modal for a fresh prompt. All listed tools start checked.
func (m *ConsentModal) Open(ev consent.PromptEvent) {
	m.state = ModalOpen
	m.prompt = ev
	m.focusIndex = len(ev.Tools) + btnAllowOnce
	m.toolChecks = make([]bool, len(ev.Tools))
	for i := range m.toolChecks {
		m.toolChecks[i] = true
	}
}

func (m *ConsentModal) Close()            { m.state = ModalClosed }
func (m ConsentModal) IsOpen() bool       { return m.state == ModalOpen }
func (m ConsentModal) PromptID() string   { return m.prompt.ID }
func (m ConsentModal) FocusIndex() int    { return m.focusIndex }
func (m ConsentModal) ToolChecks() []bool { return m.toolChecks }

// ConsentAnsweredMsg carries the operator's answer back to the program loop,
// which forwards it to the broker.
type ConsentAnsweredMsg struct {
	PromptID string
	Answer   consent.Answer
}

// ConsentDismissedMsg is emitted when the prompt is closed without choosing.
type ConsentDismissedMsg struct {
	PromptID string
}

func (m *ConsentModal) fieldCount() int {
	return len(m.prompt.Tools) + buttonCount
}

func (m *ConsentModal) Update(msg tea.KeyMsg) tea.Cmd {
	n := m.fieldCount()
	switch msg.String() {
	case "esc":
		return m.dismiss()
	case "tab", "down", "j":
		m.focusIndex = (m.focusIndex + 1) % n
		return nil
	case "shift+tab", "up", "k":
		m.focusIndex = (m.focusIndex + n - 1) % n
		return nil
	case "o":
		return m.submit(true, "once", false)
	case "a":
		return m.submit(true, "always", false)
	case "d":
		return m.submit(false, "", true)
	case " ":
		if m.focusIndex < len(m.toolChecks) {
			m.toolChecks[m.focusIndex] = !m.toolChecks[m.focusIndex]
		}
		return nil
	case "enter":
		if m.focusIndex < len(m.toolChecks) {
			m.toolChecks[m.focusIndex] = !m.toolChecks[m.focusIndex]
			return nil
		}
		switch m.focusIndex - len(m.toolChecks) {
		case btnAllowOnce:
			return m.submit(true, "once", false)
		case btnAllowAlways:
			return m.submit(true, "always", false)
		case btnDeny:
			return m.submit(false, "", true)
		}
	}
	return nil
}

func (m *ConsentModal) submit(granted bool, grantType string, deny bool) tea.Cmd {
	ans := consent.Answer{Granted: granted, GrantType: grantType, Deny: deny}
	if granted && len(m.prompt.Tools) > 0 {
		allowed := make([]string, 0, len(m.prompt.Tools))
		for i, tool := range m.prompt.Tools {
			if m.toolChecks[i] {
				allowed = append(allowed, tool)
			}
		}
		ans.AllowedTools = allowed
	}
	id := m.prompt.ID
	m.Close()
	return func() tea.Msg {
		return ConsentAnsweredMsg{PromptID: id, Answer: ans}
	}
}

func (m *ConsentModal) dismiss() tea.Cmd {
	id := m.prompt.ID
	m.Close()
	return func() tea.Msg {
		return ConsentDismissedMsg{PromptID: id}
	}
}

func (m ConsentModal) View() string {
	if !m.IsOpen() {
		return ""
	}

	border := lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("62")).Padding(1, 2).Width(58)
	title := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62"))
	focus := lipgloss.NewStyle().Foreground(lipgloss.Color("86"))
	dim := lipgloss.NewStyle().Foreground(lipgloss.Color("240"))

	mk := func(idx int) string {
		if m.focusIndex == idx {
			return focus.Render("▸ ")
		}
		return "  "
	}

	var b strings.Builder
	b.WriteString(title.Render("Permission Request") + "\n\n")
	b.WriteString("  Origin: " + m.prompt.Origin + "\n")
	b.WriteString("  Scopes: " + strings.Join(m.prompt.Scopes, ", ") + "\n")
	if m.prompt.Reason != "" {
		b.WriteString("  Reason: " + m.prompt.Reason + "\n")
	}
	if m.prompt.SessionName != "" {
		b.WriteString("  Session: " + m.prompt.SessionName + "\n")
	}
	if len(m.prompt.Tools) > 0 {
		b.WriteString("\n  Tools:\n")
		for i, tool := range m.prompt.Tools {
			check := "[ ]"
			if m.toolChecks[i] {
				check = "[x]"
			}
			b.WriteString(mk(i) + check + " " + tool + "\n")
		}
	}
	b.WriteString("\n")
	base := len(m.prompt.Tools)
	btn := func(idx int, label string) string {
		if m.focusIndex == base+idx {
			return focus.Render(label)
		}
		return label
	}
	b.WriteString("  " + btn(btnAllowOnce, "[ Allow Once ]") +
		" " + btn(btnAllowAlways, "[ Allow Always ]") +
		" " + btn(btnDeny, "[ Deny ]") + "\n")
	b.WriteString(dim.Render("  o/a/d to answer, Esc to dismiss") + "\n")
	return border.Render(b.String())
}
