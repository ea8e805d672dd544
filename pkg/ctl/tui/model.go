// Package tui provides the interactive terminal dashboard for devgatectl.
// It is built on the bubbletea/lipgloss stack and renders four tabs:
// Overview, Endpoints, Devices and Errors, refreshed from the gateway's
// metrics dashboard API.
package tui

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/strand-protocol/devgate/pkg/ctl/api"
	"github.com/strand-protocol/devgate/pkg/observability"
)

// ---------------------------------------------------------------------------
// Shared styles
// ---------------------------------------------------------------------------

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			Background(lipgloss.Color("25")).
			Padding(0, 1)

	activeTabStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			Background(lipgloss.Color("25")).
			Padding(0, 2)

	inactiveTabStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("240")).
				Padding(0, 2)

	headerCellStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("12")).
			PaddingRight(1)

	rowStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("252")).
			PaddingRight(1)

	altRowStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")).
			Background(lipgloss.Color("236")).
			PaddingRight(1)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")).
			Width(22)

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241")).
			Italic(true)

	statusBarStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241")).
			PaddingLeft(1)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("1")).
			Bold(true).
			PaddingLeft(1)
)

// ---------------------------------------------------------------------------
// Tabs and messages
// ---------------------------------------------------------------------------

type tab int

const (
	tabOverview tab = iota
	tabEndpoints
	tabDevices
	tabErrors
	tabCount // must stay last
)

// tickMsg is sent every refresh interval to trigger a data refresh.
type tickMsg time.Time

// dataMsg carries a freshly fetched dataset.
type dataMsg struct {
	stats *observability.Stats
	debug *api.Debug
}

// errMsg carries a fetch error to display in the status bar.
type errMsg struct{ err error }

// ---------------------------------------------------------------------------
// Model
// ---------------------------------------------------------------------------

// Source is the part of the API the dashboard reads.
type Source interface {
	Stats() (*observability.Stats, error)
	Debug() (*api.Debug, error)
}

// DefaultRefresh is the default refresh interval.
const DefaultRefresh = 2 * time.Second

// Model is the top-level bubbletea model for the dashboard.
type Model struct {
	src       Source
	server    string
	refresh   time.Duration
	tabs      []string
	activeTab tab
	stats     *observability.Stats
	debug     *api.Debug
	width     int
	height    int
	err       error
	loading   bool
	lastFetch time.Time
}

// New returns a Model reading from src. server is shown in the status bar.
func New(src Source, server string, refresh time.Duration) Model {
	if refresh <= 0 {
		refresh = DefaultRefresh
	}
	return Model{
		src:     src,
		server:  server,
		refresh: refresh,
		tabs:    []string{"Overview", "Endpoints", "Devices", "Errors"},
		loading: true,
	}
}

// Init starts the periodic tick and issues the first data fetch.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.tick(), fetchData(m.src))
}

func (m Model) tick() tea.Cmd {
	return tea.Tick(m.refresh, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// Update processes messages and returns an updated model plus any commands.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "tab", "right", "l":
			m.activeTab = (m.activeTab + 1) % tabCount
		case "shift+tab", "left", "h":
			m.activeTab = (m.activeTab - 1 + tabCount) % tabCount
		case "1", "2", "3", "4":
			m.activeTab = tab(msg.String()[0] - '1')
		case "r":
			m.loading = true
			m.err = nil
			return m, fetchData(m.src)
		}
		return m, nil

	case tickMsg:
		m.loading = true
		return m, tea.Batch(m.tick(), fetchData(m.src))

	case dataMsg:
		m.loading = false
		m.err = nil
		m.stats = msg.stats
		m.debug = msg.debug
		m.lastFetch = time.Now()
		return m, nil

	case errMsg:
		m.loading = false
		m.err = msg.err
		return m, nil
	}
	return m, nil
}

// View renders the entire dashboard to a string.
func (m Model) View() string {
	if m.width == 0 {
		return "Loading…"
	}
	var sb strings.Builder
	sb.WriteString(titleStyle.Render("  devgate dashboard  "))
	sb.WriteString("\n")

	var tabParts []string
	for i, name := range m.tabs {
		label := fmt.Sprintf(" %d: %s ", i+1, name)
		if tab(i) == m.activeTab {
			tabParts = append(tabParts, activeTabStyle.Render(label))
		} else {
			tabParts = append(tabParts, inactiveTabStyle.Render(label))
		}
	}
	sb.WriteString(strings.Join(tabParts, ""))
	sb.WriteString("\n")
	sb.WriteString(strings.Repeat("─", m.width))
	sb.WriteString("\n")

	contentHeight := m.height - 5
	if contentHeight < 1 {
		contentHeight = 1
	}
	sb.WriteString(clipLines(m.renderActiveTab(), contentHeight))
	sb.WriteString("\n")

	sb.WriteString(strings.Repeat("─", m.width))
	sb.WriteString("\n")
	sb.WriteString(m.renderStatus())
	return sb.String()
}

func (m Model) renderActiveTab() string {
	if m.stats == nil {
		return dimStyle.Render("  Waiting for data…")
	}
	w := m.width - 2
	switch m.activeTab {
	case tabOverview:
		return renderOverview(m.stats)
	case tabEndpoints:
		return renderCounts("ENDPOINT", m.stats.TopEndpoints, w)
	case tabDevices:
		var offline []api.OfflineDevice
		if m.debug != nil {
			offline = m.debug.OfflineDevices
		}
		return renderDevices(m.stats.TopDevices, offline, w)
	case tabErrors:
		var recent []observability.Outcome
		if m.debug != nil {
			recent = m.debug.ErrorDetails
		}
		return renderErrors(m.stats.Errors, recent, w)
	}
	return ""
}

func (m Model) renderStatus() string {
	if m.err != nil {
		return errorStyle.Render(fmt.Sprintf("Error: %v", m.err))
	}
	parts := []string{fmt.Sprintf("server: %s", m.server)}
	if !m.lastFetch.IsZero() {
		parts = append(parts, fmt.Sprintf("last refresh: %s", m.lastFetch.Format("15:04:05")))
	}
	if m.loading {
		parts = append(parts, "refreshing…")
	}
	parts = append(parts, "q: quit  tab: next tab  r: refresh")
	return statusBarStyle.Render(strings.Join(parts, "  |  "))
}

func clipLines(s string, maxLines int) string {
	lines := strings.Split(s, "\n")
	if len(lines) <= maxLines {
		return s
	}
	return strings.Join(lines[:maxLines], "\n")
}

// fetchData reads stats and the debug page. The debug page is optional: an
// error there still shows the stats.
func fetchData(src Source) tea.Cmd {
	return func() tea.Msg {
		stats, err := src.Stats()
		if err != nil {
			return errMsg{err}
		}
		debug, _ := src.Debug()
		return dataMsg{stats: stats, debug: debug}
	}
}
