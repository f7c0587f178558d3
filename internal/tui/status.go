// Package tui implements `agentd status --watch`: a read-only terminal
// dashboard of power state, license state, dispatcher queue depth, and
// update engine state. Grounded on the teacher's cmd/alex/tui_chat and
// cmd/alex/ui bubbletea/bubbles conventions; has no bearing on protocol
// correctness (spec.md §2 lists interactive UI surfaces as a Non-goal,
// but this one is read-only diagnostics, not a control surface).
package tui

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// Snapshot is the data the dashboard renders each tick; the caller
// (cmd/agentd) is responsible for assembling it from the live components
// without the tui package importing them directly, keeping this a pure
// view.
type Snapshot struct {
	Connected     bool
	SessionID     string
	PowerState    string
	LicenseStatus string
	QueueDepth    int
	UpdateState   string
	Version       string
}

type tickMsg time.Time

type model struct {
	snapshotFn func() Snapshot
	snap       Snapshot
	spin       spinner.Model
}

func NewModel(snapshotFn func() Snapshot) tea.Model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	return &model{snapshotFn: snapshotFn, snap: snapshotFn(), spin: sp}
}

func (m *model) Init() tea.Cmd {
	return tea.Batch(tickCmd(), m.spin.Tick)
}

// updateInTransition reports whether the update engine is mid-cycle, the
// only time the dashboard spends a spinner frame rather than static text.
func (m *model) updateInTransition() bool {
	switch m.snap.UpdateState {
	case "CHECKING", "DOWNLOADING", "INSTALLING":
		return true
	default:
		return false
	}
}

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m *model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "q" || msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
	case tickMsg:
		m.snap = m.snapshotFn()
		return m, tickCmd()
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd
	}
	return m, nil
}

var (
	labelStyle = lipgloss.NewStyle().Bold(true).Width(16)
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	badStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
)

func (m *model) View() string {
	connStyle := badStyle
	connText := "disconnected"
	if m.snap.Connected {
		connStyle = okStyle
		connText = "connected (" + m.snap.SessionID + ")"
	}

	licenseStyle := okStyle
	switch m.snap.LicenseStatus {
	case "blocked", "expired":
		licenseStyle = badStyle
	case "pending":
		licenseStyle = warnStyle
	}

	updateText := m.snap.UpdateState
	if m.updateInTransition() {
		updateText = m.spin.View() + " " + updateText
	}

	rows := []string{
		labelStyle.Render("session") + connStyle.Render(connText),
		labelStyle.Render("power") + m.snap.PowerState,
		labelStyle.Render("license") + licenseStyle.Render(m.snap.LicenseStatus),
		labelStyle.Render("queue depth") + fmt.Sprintf("%d", m.snap.QueueDepth),
		labelStyle.Render("update") + updateText,
		labelStyle.Render("version") + m.snap.Version,
	}

	out := ""
	for _, r := range rows {
		out += r + "\n"
	}
	return out + "\n(press q to quit)\n"
}
