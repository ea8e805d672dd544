package tui

import (
	"errors"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strand-protocol/devgate/pkg/ctl/api"
	"github.com/strand-protocol/devgate/pkg/observability"
)

type failingSource struct{}

func (failingSource) Stats() (*observability.Stats, error) { return nil, errors.New("connection refused") }
func (failingSource) Debug() (*api.Debug, error)           { return nil, errors.New("connection refused") }

func sized(t *testing.T, m tea.Model) Model {
	t.Helper()
	next, _ := m.Update(tea.WindowSizeMsg{Width: 120, Height: 40})
	return next.(Model)
}

func load(t *testing.T, m Model) Model {
	t.Helper()
	msg := fetchData(m.src)()
	next, _ := m.Update(msg)
	return next.(Model)
}

func key(m Model, k string) Model {
	var msg tea.KeyMsg
	switch k {
	case "tab":
		msg = tea.KeyMsg{Type: tea.KeyTab}
	case "shift+tab":
		msg = tea.KeyMsg{Type: tea.KeyShiftTab}
	default:
		msg = tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(k)}
	}
	next, _ := m.Update(msg)
	return next.(Model)
}

func TestModel_LoadingBeforeSize(t *testing.T) {
	m := New(&api.MockClient{}, "http://gw", time.Second)
	assert.Equal(t, "Loading…", m.View())
	assert.NotNil(t, m.Init())
}

func TestModel_Overview(t *testing.T) {
	m := load(t, sized(t, New(&api.MockClient{}, "http://gw", 0)))
	require.NotNil(t, m.stats)
	assert.False(t, m.loading)

	v := m.View()
	assert.Contains(t, v, "devgate dashboard")
	assert.Contains(t, v, "1h 30m 0s")
	assert.Contains(t, v, "97.00%")
	assert.Contains(t, v, "server: http://gw")
}

func TestModel_Tabs(t *testing.T) {
	m := load(t, sized(t, New(&api.MockClient{}, "http://gw", 0)))

	m = key(m, "tab")
	assert.Equal(t, tabEndpoints, m.activeTab)
	assert.Contains(t, m.View(), "GET /interface")

	m = key(m, "3")
	assert.Equal(t, tabDevices, m.activeTab)
	v := m.View()
	assert.Contains(t, v, "edge-01")
	assert.Contains(t, v, "connection refused")
	assert.Contains(t, v, "21s")

	m = key(m, "4")
	assert.Contains(t, m.View(), "INVALID_SESSION")

	m = key(m, "tab")
	assert.Equal(t, tabOverview, m.activeTab, "tab wraps around")
	m = key(m, "shift+tab")
	assert.Equal(t, tabErrors, m.activeTab)
}

func TestModel_FetchError(t *testing.T) {
	m := load(t, sized(t, New(failingSource{}, "http://gw", 0)))
	require.Error(t, m.err)
	assert.Contains(t, m.View(), "Error: connection refused")
	assert.Contains(t, m.View(), "Waiting for data")
}

func TestModel_Quit(t *testing.T) {
	m := sized(t, New(&api.MockClient{}, "http://gw", 0))
	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	require.NotNil(t, cmd)
	assert.Equal(t, tea.Quit(), cmd())
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 5))
	assert.Equal(t, "ab…", truncate("abcdef", 3))
	assert.Equal(t, "", truncate("abc", 0))
}
