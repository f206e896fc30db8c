package ui

import (
	tea "github.com/charmbracelet/bubbletea"
	"github.com/desertthunder/mirrorbot/internal/engine"
)

// eventMsg carries one orchestrator event into the update loop.
type eventMsg engine.Event

// eventsClosedMsg signals that the subscription was torn down.
type eventsClosedMsg struct{}

// waitForEvent blocks on the subscription channel and converts the next
// event into a message.
func waitForEvent(events <-chan engine.Event) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-events
		if !ok {
			return eventsClosedMsg{}
		}
		return eventMsg(ev)
	}
}
