// Package tui renders the session state in the terminal and turns key
// presses into user gestures.
package tui

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/dkeye/voicelink/internal/domain"
)

// Controller is the subset of the orchestrator the UI drives.
type Controller interface {
	Start()
	Stop()
	Retry()
}

// SnapshotMsg carries a new orchestrator snapshot.
type SnapshotMsg domain.Snapshot

type closedMsg struct{}

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7D56F4"))
	labelStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")).Width(8)
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF5F5F"))
	helpStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#626262"))
	frameStyle  = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	stateColors = map[domain.ConnectionState]lipgloss.Color{
		domain.StateIdle:         "#888888",
		domain.StateConnecting:   "#FFAF00",
		domain.StateWaitingAgent: "#00AFFF",
		domain.StateConnected:    "#5FD75F",
		domain.StateReconnecting: "#FFAF00",
	}
)

type Model struct {
	ctl       Controller
	snapshots <-chan domain.Snapshot
	room      string

	snap     domain.Snapshot
	width    int
	quitting bool
}

func New(ctl Controller, snapshots <-chan domain.Snapshot, room string) Model {
	return Model{ctl: ctl, snapshots: snapshots, room: room}
}

func (m Model) Init() tea.Cmd {
	return m.listen()
}

func (m Model) listen() tea.Cmd {
	return func() tea.Msg {
		s, ok := <-m.snapshots
		if !ok {
			return closedMsg{}
		}
		return SnapshotMsg(s)
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q", "esc":
			m.quitting = true
			return m, tea.Quit
		case "s", "enter":
			m.ctl.Start()
		case "r":
			m.ctl.Retry()
		case "x":
			m.ctl.Stop()
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width

	case SnapshotMsg:
		m.snap = domain.Snapshot(msg)
		return m, m.listen()

	case closedMsg:
		m.quitting = true
		return m, tea.Quit
	}
	return m, nil
}

func (m Model) View() string {
	if m.quitting {
		return "Bye.\n"
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render("voicelink"))
	if m.room != "" {
		b.WriteString(helpStyle.Render("  room " + m.room))
	}
	b.WriteString("\n\n")

	state := lipgloss.NewStyle().Bold(true).Foreground(stateColors[m.snap.State]).Render(m.snap.State.String())
	row := func(label, value string) {
		b.WriteString(labelStyle.Render(label) + value + "\n")
	}
	row("state", state)
	row("status", m.snap.Status)
	if m.snap.AgentIdentity != "" {
		row("agent", fmt.Sprintf("%s (%s)", m.snap.AgentIdentity, m.snap.Agent))
	} else {
		row("agent", "none")
	}
	mic := "off"
	if m.snap.MediaEnabled {
		mic = "on"
	}
	row("mic", mic)
	if m.snap.Err != nil {
		b.WriteString("\n" + errorStyle.Render("error: "+m.snap.Err.Error()) + "\n")
	}

	b.WriteString("\n" + helpStyle.Render(m.help()))
	return frameStyle.Render(b.String()) + "\n"
}

func (m Model) help() string {
	switch {
	case m.snap.Err != nil:
		return "r retry • q quit"
	case m.snap.State == domain.StateIdle:
		return "s start • q quit"
	default:
		return "x stop • q quit"
	}
}
