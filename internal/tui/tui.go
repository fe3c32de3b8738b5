// Package tui is the terminal dashboard shown with --tui: one row per test,
// refreshed from the status store, plus protocol counters per device.
package tui

import (
	"fmt"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/KevinKickass/OpenCellCycler/internal/interfaces"
	"github.com/KevinKickass/OpenCellCycler/internal/status"
	"github.com/KevinKickass/OpenCellCycler/internal/types"
)

const refreshInterval = 250 * time.Millisecond

// --- STYLES ---
var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#575B7E")).
			Padding(0, 1)

	baseStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.NormalBorder()).
			BorderForeground(lipgloss.Color("240"))

	statusKeyStyle = lipgloss.NewStyle().Bold(true)
	selectedStyle  = lipgloss.NewStyle().Background(lipgloss.Color("237"))
	failedStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	stoppedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("226"))
	chargeStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	dischargeStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))

	nameStyle   = lipgloss.NewStyle().Width(18).Padding(0, 1)
	modeStyle   = lipgloss.NewStyle().Width(14).Padding(0, 1)
	numberStyle = lipgloss.NewStyle().Width(10).Align(lipgloss.Right).Padding(0, 1)
)

// Source is what the dashboard reads and the one action it can take.
type Source interface {
	Store() *status.Store
	GetCurrentStatus() interfaces.SystemStatus
	StopTest(name string) error
}

// --- MODEL ---
type tickMsg time.Time

type Model struct {
	source   Source
	tests    []types.TestStatus
	system   interfaces.SystemStatus
	cursor   int
	width    int
	message  string
	quitting bool
}

func NewModel(source Source) Model {
	return Model{source: source}
}

func tick() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m Model) Init() tea.Cmd {
	return tick()
}

// --- UPDATE ---
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "up", "k":
			if m.cursor > 0 {
				m.cursor--
			}
		case "down", "j":
			if m.cursor < len(m.tests)-1 {
				m.cursor++
			}
		case "s":
			m.stopSelected()
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width

	case tickMsg:
		m.refresh()
		return m, tick()
	}
	return m, nil
}

func (m *Model) refresh() {
	m.tests = m.source.Store().List()
	m.system = m.source.GetCurrentStatus()
	if m.cursor >= len(m.tests) {
		m.cursor = max(len(m.tests)-1, 0)
	}
}

func (m *Model) stopSelected() {
	if len(m.tests) == 0 {
		return
	}
	name := m.tests[m.cursor].Test
	if err := m.source.StopTest(name); err != nil {
		m.message = fmt.Sprintf("Error: %v", err)
		return
	}
	m.message = fmt.Sprintf("Stop requested for %s", name)
}

// --- VIEW ---
func (m Model) View() string {
	if m.quitting {
		return ""
	}
	return lipgloss.JoinVertical(lipgloss.Left,
		m.renderStatusPane(),
		m.renderTestPane(),
		m.renderTransportPane(),
		m.renderFooter(),
	)
}

func (m Model) paneWidth() int {
	if m.width > 4 {
		return m.width - 2
	}
	return 130
}

func (m Model) renderStatusPane() string {
	content := lipgloss.JoinVertical(lipgloss.Left,
		titleStyle.Render("OpenCellCycler"),
		statusKeyStyle.Render("State:  ")+m.system.State,
		statusKeyStyle.Render("Tests:  ")+fmt.Sprintf("%d (%d active, %d failed)", m.system.Tests, m.system.Active, m.system.Failed),
	)
	if m.system.Error != "" {
		content = lipgloss.JoinVertical(lipgloss.Left, content, failedStyle.Render(m.system.Error))
	}
	return baseStyle.Width(m.paneWidth()).Render(content)
}

func (m Model) renderTestPane() string {
	var content strings.Builder
	header := lipgloss.JoinHorizontal(lipgloss.Left,
		nameStyle.Render("Test"),
		modeStyle.Render("Mode"),
		modeStyle.Render("Next"),
		numberStyle.Render("Cycle"),
		numberStyle.Render("U [mV]"),
		numberStyle.Render("I [mA]"),
		numberStyle.Render("T [°C]"),
		numberStyle.Render("Ah"),
		numberStyle.Render("R [mΩ]"),
	)
	content.WriteString(titleStyle.Render(header) + "\n")

	if len(m.tests) == 0 {
		content.WriteString("Waiting for the first tick...")
	}
	for i, st := range m.tests {
		line := renderTestRow(st)
		if i == m.cursor {
			line = selectedStyle.Render(line)
		}
		content.WriteString(line + "\n")
		if st.Failed && st.ErrorMessage != "" {
			content.WriteString(failedStyle.Render("  "+st.ErrorMessage) + "\n")
		}
	}
	return baseStyle.Width(m.paneWidth()).Render(content.String())
}

func renderTestRow(st types.TestStatus) string {
	mode := string(st.Mode)
	if st.Measurement.Regulation != "" && st.Mode != types.ModeOff {
		mode += " " + string(st.Measurement.Regulation)
	}
	modeCell := modeStyle.Render(mode)
	switch {
	case st.Failed:
		modeCell = failedStyle.Inherit(modeStyle).Render("FAILED")
	case st.Stopped:
		modeCell = stoppedStyle.Inherit(modeStyle).Render("STOPPED")
	case st.Mode == types.ModeCharge:
		modeCell = chargeStyle.Inherit(modeStyle).Render(mode)
	case st.Mode == types.ModeDischarge:
		modeCell = dischargeStyle.Inherit(modeStyle).Render(mode)
	}

	resistance := "-"
	if st.LastResistance != 0 {
		resistance = fmt.Sprintf("%.1f", st.LastResistance*1000)
	}

	return lipgloss.JoinHorizontal(lipgloss.Left,
		nameStyle.Render(st.Test),
		modeCell,
		modeStyle.Render(string(st.NextMode)),
		numberStyle.Render(fmt.Sprintf("%d", st.Cycle)),
		numberStyle.Render(fmt.Sprintf("%d", st.Measurement.Voltage)),
		numberStyle.Render(fmt.Sprintf("%d", st.Measurement.Current)),
		numberStyle.Render(fmt.Sprintf("%.1f", st.Measurement.Temperature)),
		numberStyle.Render(fmt.Sprintf("%.3f", st.Measurement.AmpHours)),
		numberStyle.Render(resistance),
	)
}

func (m Model) renderTransportPane() string {
	transports := m.source.Store().Transports()
	names := make([]string, 0, len(transports))
	for name := range transports {
		names = append(names, name)
	}
	sort.Strings(names)

	var content strings.Builder
	content.WriteString(titleStyle.Render("Devices") + "\n")
	for _, name := range names {
		t := transports[name]
		content.WriteString(fmt.Sprintf("%-12s requests %-8d retries %-6d timeouts %-6d mismatches %-6d failures %d\n",
			name, t.Requests, t.Retries, t.Timeouts, t.Mismatches, t.Failures))
	}
	return baseStyle.Width(m.paneWidth()).Render(strings.TrimRight(content.String(), "\n"))
}

func (m Model) renderFooter() string {
	help := "(↑/↓) select | (s) stop selected test | (q) quit"
	if m.message != "" {
		return lipgloss.JoinVertical(lipgloss.Left, m.message, help)
	}
	return help
}
