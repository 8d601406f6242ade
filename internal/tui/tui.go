// Package tui is the terminal consent surface. When harbord runs attached
// to a terminal it renders permission prompts as a modal and routes the
// operator's answer back to the consent broker.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/harborhq/harbor/internal/bus"
	"github.com/harborhq/harbor/internal/consent"
)

// Snapshot is the status line rendered while no prompt is open.
type Snapshot struct {
	Origin     string
	Sessions   int
	Agents     int
	Servers    int
	BridgeUp   bool
	LastPrompt string
	Uptime     time.Duration
}

// StatusProvider supplies the idle-screen snapshot once per tick.
type StatusProvider func() Snapshot

type model struct {
	broker   *consent.Broker
	provider StatusProvider
	snap     Snapshot
	modal    ConsentModal
}

type promptMsg consent.PromptEvent

type tickMsg time.Time

func tickCmd() tea.Cmd {
	return tea.Tick(1*time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m model) Init() tea.Cmd {
	return tickCmd()
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if m.modal.IsOpen() {
			return m, m.modal.Update(msg)
		}
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}
	case promptMsg:
		ev := consent.PromptEvent(msg)
		if ev.Closed {
			// The broker resolved the prompt elsewhere (extension popup,
			// timeout, superseded). Drop the stale modal.
			if m.modal.IsOpen() && m.modal.PromptID() == ev.ID {
				m.modal.Close()
			}
			return m, nil
		}
		m.modal.Open(ev)
		m.snap.LastPrompt = ev.Origin
		return m, nil
	case ConsentAnsweredMsg:
		if m.broker != nil {
			_ = m.broker.Respond(msg.PromptID, msg.Answer)
		}
		return m, nil
	case ConsentDismissedMsg:
		if m.broker != nil {
			_ = m.broker.Dismiss(msg.PromptID)
		}
		return m, nil
	case tickMsg:
		if m.provider != nil {
			m.snap = m.provider()
		}
		return m, tickCmd()
	}
	return m, nil
}

func (m model) View() string {
	if m.modal.IsOpen() {
		return m.modal.View()
	}
	bridge := "down"
	if m.snap.BridgeUp {
		bridge = "up"
	}
	last := m.snap.LastPrompt
	if last == "" {
		last = "(none)"
	}
	var b strings.Builder
	b.WriteString("Harbor Status\n\n")
	fmt.Fprintf(&b, "Sessions: %d\nAgents: %d\nTool Servers: %d\nBridge: %s\n", m.snap.Sessions, m.snap.Agents, m.snap.Servers, bridge)
	fmt.Fprintf(&b, "Uptime: %s\nLast Prompt: %s\n", m.snap.Uptime.Truncate(time.Second), last)
	b.WriteString("\nPress q to quit.\n")
	return b.String()
}

// Run drives the terminal UI until ctx is canceled or the operator quits.
// Prompt events arrive over b; answers go back through broker. A prompt
// already pending when the UI starts is shown immediately.
func Run(ctx context.Context, broker *consent.Broker, b *bus.Bus, provider StatusProvider) error {
	defer bestEffortResetTTY()

	m := model{broker: broker, provider: provider}
	if provider != nil {
		m.snap = provider()
	}
	p := tea.NewProgram(m)

	var sub *bus.Subscription
	if b != nil {
		sub = b.Subscribe(bus.TopicPermissionPrompt)
		defer b.Unsubscribe(sub)
		go func() {
			for ev := range sub.Ch() {
				pe, ok := ev.Payload.(consent.PromptEvent)
				if !ok {
					continue
				}
				p.Send(promptMsg(pe))
			}
		}()
	}
	if broker != nil {
		if pending := broker.Pending(); pending != nil {
			p.Send(promptMsg(*pending))
		}
	}

	done := make(chan error, 1)
	go func() {
		_, err := p.Run()
		done <- err
	}()

	select {
	case <-ctx.Done():
		p.Quit()
		return ctx.Err()
	case err := <-done:
		return err
	}
}
