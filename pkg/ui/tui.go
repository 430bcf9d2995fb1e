// Package ui provides the Bubble Tea TUI for the market collector.
package ui

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	dataflowApp "github.com/fd1az/market-collector/business/dataflow/app"
	fanoutApp "github.com/fd1az/market-collector/business/fanout/app"
	monitoringDomain "github.com/fd1az/market-collector/business/monitoring/domain"
)

// Phase represents the current UI phase.
type Phase string

const (
	PhaseWelcome   Phase = "welcome"
	PhaseDashboard Phase = "dashboard"
)

// WelcomeDuration is how long the welcome screen shows before auto-advancing.
const WelcomeDuration = 2 * time.Second

const maxAlertRows = 8

// Model is the main Bubble Tea model for the TUI.
type Model struct {
	phase        Phase
	welcomeStart time.Time

	ready    bool
	quitting bool
	width    int
	height   int

	stats    dataflowApp.StatsSnapshot
	pool     fanoutApp.PoolStats
	score    float64
	adapters map[string]bool

	alerts     []monitoringDomain.Alert // active, newest last
	alertLog   []string                 // recent fired/resolved lines
	lastUpdate time.Time
	errorMsg   string

	sinksTable table.Model
}

// New creates a new TUI model.
func New() Model {
	columns := []table.Column{
		{Title: "Sink", Width: 12},
		{Title: "Type", Width: 10},
		{Title: "Health", Width: 10},
		{Title: "Sent", Width: 10},
		{Title: "Errors", Width: 8},
		{Title: "p95", Width: 10},
	}

	t := table.New(
		table.WithColumns(columns),
		table.WithHeight(6),
		table.WithFocused(false),
	)
	st := table.DefaultStyles()
	st.Header = st.Header.Bold(true).Foreground(ColorPrimary)
	st.Selected = lipgloss.NewStyle()
	t.SetStyles(st)

	return Model{
		phase:        PhaseWelcome,
		welcomeStart: time.Now(),
		adapters:     make(map[string]bool),
		sinksTable:   t,
	}
}

// Init initializes the TUI model.
func (m Model) Init() tea.Cmd {
	return tickCmd()
}

// tickCmd returns a command that sends a tick every 250ms.
func tickCmd() tea.Cmd {
	return tea.Tick(250*time.Millisecond, func(time.Time) tea.Msg {
		return TickMsg{}
	})
}

// Update handles messages and updates the model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "e":
			m.errorMsg = ""
			return m, nil
		}
		if m.phase == PhaseWelcome {
			m.startDashboard()
			return m, tickCmd()
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.ready = true

	case TickMsg:
		if m.phase == PhaseWelcome && time.Since(m.welcomeStart) >= WelcomeDuration {
			m.startDashboard()
		}
		return m, tickCmd()

	case StatsMsg:
		m.stats = msg.Stats
		m.lastUpdate = time.Now()
		m.sinksTable.SetRows(sinkRows(msg.Stats.Sinks))

	case PoolMsg:
		m.pool = msg.Stats

	case ScoreMsg:
		m.score = msg.Score

	case AdapterMsg:
		m.adapters[msg.Name] = msg.Connected

	case AlertMsg:
		m.alerts = append(m.alerts, msg.Alert)
		m.pushAlertLog(fmt.Sprintf("fired [%s] %s", msg.Alert.Severity, msg.Alert.Name))

	case AlertResolvedMsg:
		for i, a := range m.alerts {
			if a.RuleID == msg.Alert.RuleID {
				m.alerts = append(m.alerts[:i], m.alerts[i+1:]...)
				break
			}
		}
		m.pushAlertLog(fmt.Sprintf("resolved [%s] %s", msg.Alert.Severity, msg.Alert.Name))

	case ErrorMsg:
		if msg.Error != nil {
			m.errorMsg = msg.Error.Error()
		}
	}

	return m, nil
}

func (m *Model) startDashboard() {
	m.phase = PhaseDashboard
	if OnStartModules != nil {
		go OnStartModules()
	}
}

func (m *Model) pushAlertLog(line string) {
	m.alertLog = append(m.alertLog, time.Now().Format("15:04:05")+" "+line)
	if len(m.alertLog) > maxAlertRows {
		m.alertLog = m.alertLog[len(m.alertLog)-maxAlertRows:]
	}
}

func sinkRows(sinks map[string]dataflowApp.SinkStatus) []table.Row {
	ids := make([]string, 0, len(sinks))
	for id := range sinks {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	rows := make([]table.Row, 0, len(ids))
	for _, id := range ids {
		s := sinks[id]
		rows = append(rows, table.Row{
			s.ID,
			string(s.Type),
			string(s.Health),
			fmt.Sprintf("%d", s.MessagesSent),
			fmt.Sprintf("%d", s.Errors),
			s.LatencyP95.Round(time.Microsecond).String(),
		})
	}
	return rows
}

// View renders the UI.
func (m Model) View() string {
	if m.quitting {
		return "bye\n"
	}

	if m.phase == PhaseWelcome {
		return m.viewWelcome()
	}
	return m.viewDashboard()
}

func (m Model) viewWelcome() string {
	body := TitleStyle.Render(" Market Collector ") + "\n\n" +
		MutedValue.Render("collecting, routing and fanning out market data") + "\n\n" +
		HelpStyle.Render("press any key to continue")
	return lipgloss.Place(m.width, m.height, lipgloss.Center, lipgloss.Center, body)
}

func (m Model) viewDashboard() string {
	var b strings.Builder

	b.WriteString(TitleStyle.Render(" Market Collector "))
	b.WriteString("  ")
	b.WriteString(m.statusLine())
	b.WriteString("\n\n")

	stats := fmt.Sprintf(
		"processed %d   errors %d   dropped %d   queue %d   rate %.1f/s   p95 %s   score %.1f",
		m.stats.TotalProcessed,
		m.stats.TotalErrors,
		m.stats.TotalDropped,
		m.stats.CurrentQueueSize,
		m.stats.MessagesPerSecond,
		m.stats.LatencyP95.Round(time.Microsecond),
		m.score,
	)
	b.WriteString(BoxStyle.Render(HeaderStyle.Render("Engine") + "\n" + stats))
	b.WriteString("\n")

	poolLine := fmt.Sprintf("connections %d/%d   sent %d   errors %d",
		m.pool.ActiveConnections, m.pool.MaxConnections,
		m.pool.TotalMessagesSent, m.pool.TotalErrors)
	b.WriteString(BoxStyle.Render(HeaderStyle.Render("Fan-out") + "\n" + poolLine))
	b.WriteString("\n")

	b.WriteString(BoxStyle.Render(HeaderStyle.Render("Sinks") + "\n" + m.sinksTable.View()))
	b.WriteString("\n")

	b.WriteString(BoxStyle.Render(HeaderStyle.Render("Alerts") + "\n" + m.viewAlerts()))
	b.WriteString("\n")

	if m.errorMsg != "" {
		b.WriteString(StatusUnhealthy.Render("error: " + m.errorMsg))
		b.WriteString("\n")
	}

	b.WriteString(HelpStyle.Render("q quit  ·  e clear error"))
	return b.String()
}

func (m Model) statusLine() string {
	parts := make([]string, 0, len(m.adapters)+1)

	names := make([]string, 0, len(m.adapters))
	for name := range m.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if m.adapters[name] {
			parts = append(parts, StatusHealthy.Render("● "+name))
		} else {
			parts = append(parts, StatusUnhealthy.Render("○ "+name))
		}
	}

	if !m.lastUpdate.IsZero() {
		parts = append(parts, MutedValue.Render(
			fmt.Sprintf("updated %s ago", time.Since(m.lastUpdate).Round(time.Second))))
	}

	return strings.Join(parts, "  │  ")
}

func (m Model) viewAlerts() string {
	if len(m.alerts) == 0 && len(m.alertLog) == 0 {
		return MutedValue.Render("no alerts")
	}

	var lines []string
	for _, a := range m.alerts {
		style := AlertWarning
		if a.Severity == monitoringDomain.SeverityCritical {
			style = AlertCritical
		}
		lines = append(lines, style.Render(fmt.Sprintf("▲ [%s] %s", a.Severity, a.Message)))
	}
	for _, l := range m.alertLog {
		lines = append(lines, MutedValue.Render(l))
	}
	return strings.Join(lines, "\n")
}

// Program holds the Bubble Tea program instance for external access.
var Program *tea.Program

// OnStartModules is called when the welcome screen completes and modules
// should start. Set by main.go.
var OnStartModules func()

// Send sends a message to the running program.
func Send(msg tea.Msg) {
	if Program != nil {
		Program.Send(msg)
	}
	if _, ok := msg.(StartModulesMsg); ok && OnStartModules != nil {
		OnStartModules()
	}
}
