// Package ui renders the live transfer dashboard: every known task with its
// state and progress, updated from orchestrator events, with key bindings
// for pause, resume, and cancel.
package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/desertthunder/mirrorbot/internal/engine"
	"github.com/desertthunder/mirrorbot/internal/format"
	"github.com/desertthunder/mirrorbot/internal/models"
)

// Controller is the slice of the orchestrator the dashboard drives.
// Satisfied by [engine.Engine].
type Controller interface {
	List(owner string) []models.Task
	Cancel(id string) error
	Pause(id string) error
	Resume(id string) error
	Subscribe() (<-chan engine.Event, func())
}

// Model represents the TUI application state.
type Model struct {
	controller  Controller
	owner       string
	events      <-chan engine.Event
	unsubscribe func()

	tasks    []models.Task
	selected int
	width    int
	height   int
	status   string

	help help.Model
	keys keyMap
}

// NewModel creates a dashboard over the controller's tasks. A non-empty
// owner restricts the view to that owner's tasks.
func NewModel(controller Controller, owner string) *Model {
	return &Model{
		controller: controller,
		owner:      owner,
		help:       help.New(),
		keys:       newKeyMap(),
	}
}

// Init subscribes to orchestrator events and loads the initial task list.
func (m *Model) Init() tea.Cmd {
	m.events, m.unsubscribe = m.controller.Subscribe()
	m.tasks = m.controller.List(m.owner)
	return waitForEvent(m.events)
}

// Update handles incoming messages and updates the model state.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tea.KeyMsg:
		return m.handleKeys(msg)

	case eventMsg:
		m.tasks = m.controller.List(m.owner)
		m.clampSelection()
		return m, waitForEvent(m.events)

	case eventsClosedMsg:
		return m, tea.Quit
	}

	return m, nil
}

// View renders the dashboard.
func (m *Model) View() string {
	var b strings.Builder

	b.WriteString(styles.title.Render("Transfers"))
	b.WriteString("\n")

	if len(m.tasks) == 0 {
		b.WriteString(styles.help.Render("No tasks yet."))
		b.WriteString("\n")
	}

	for i, t := range m.tasks {
		line := m.renderTask(&t)
		if i == m.selected {
			line = styles.selected.Render("> ") + line
		} else {
			line = "  " + line
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	if m.status != "" {
		b.WriteString("\n")
		b.WriteString(styles.warn.Render(m.status))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(m.help.ShortHelpView(m.keys.ShortHelp()))
	return b.String()
}

func (m *Model) handleKeys(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.quit):
		if m.unsubscribe != nil {
			m.unsubscribe()
			m.unsubscribe = nil
		}
		return m, tea.Quit

	case key.Matches(msg, m.keys.up):
		if m.selected > 0 {
			m.selected--
		}

	case key.Matches(msg, m.keys.down):
		if m.selected < len(m.tasks)-1 {
			m.selected++
		}

	case key.Matches(msg, m.keys.pause):
		m.act("pause", m.controller.Pause)

	case key.Matches(msg, m.keys.resume):
		m.act("resume", m.controller.Resume)

	case key.Matches(msg, m.keys.cancel):
		m.act("cancel", m.controller.Cancel)
	}

	return m, nil
}

// act applies an operation to the selected task and surfaces any error in
// the status line.
func (m *Model) act(name string, op func(id string) error) {
	if m.selected >= len(m.tasks) {
		return
	}
	id := m.tasks[m.selected].ID
	if err := op(id); err != nil {
		m.status = fmt.Sprintf("%s failed: %v", name, err)
		return
	}
	m.status = ""
	m.tasks = m.controller.List(m.owner)
	m.clampSelection()
}

func (m *Model) clampSelection() {
	if m.selected >= len(m.tasks) {
		m.selected = len(m.tasks) - 1
	}
	if m.selected < 0 {
		m.selected = 0
	}
}

// renderTask formats one dashboard row: state, progress bar, and the
// task summary line.
func (m *Model) renderTask(t *models.Task) string {
	state := t.State.String()
	switch t.State {
	case models.StateCompleted:
		state = styles.ok.Render(state)
	case models.StateFailed:
		state = styles.err.Render(state)
	case models.StateCancelled, models.StatePaused:
		state = styles.warn.Render(state)
	}

	if t.State.IsActive() {
		return fmt.Sprintf("%-22s %s %s", state, format.Bar(t.Progress.Percent()), format.TaskLine(t))
	}
	return fmt.Sprintf("%-22s %s", state, format.TaskLine(t))
}
