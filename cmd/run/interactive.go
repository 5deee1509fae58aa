package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	wasmactors "github.com/wippyai/wasm-actors"
	"github.com/wippyai/wasm-actors/codec"
	"github.com/wippyai/wasm-actors/message"
	"github.com/wippyai/wasm-actors/runtime"
	"github.com/wippyai/wasm-actors/supervisor"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#87CEEB"))

	selectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4"))

	runningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#98FB98"))

	resultStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#90EE90"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666"))
)

const refreshInterval = 500 * time.Millisecond

type dashboardModel struct {
	ctx      context.Context
	rt       *runtime.Runtime
	rows     []componentRow
	selected int
	input    textinput.Model
	state    modelState
	result   string
	err      error
}

type componentRow struct {
	id       wasmactors.ComponentID
	stats    supervisor.ComponentStats
	handled  uint64
	failed   uint64
	hasActor bool
}

type modelState int

const (
	stateBrowse modelState = iota
	stateInputPayload
	stateShowResult
)

type tickMsg time.Time

type resultMsg struct {
	err    error
	result string
}

func newDashboardModel(ctx context.Context, rt *runtime.Runtime) *dashboardModel {
	ti := textinput.New()
	ti.Placeholder = "null"
	ti.Prompt = "payload: "
	ti.Width = 60
	return &dashboardModel{ctx: ctx, rt: rt, input: ti, state: stateBrowse}
}

func tick() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m *dashboardModel) Init() tea.Cmd {
	m.refresh()
	return tick()
}

func (m *dashboardModel) refresh() {
	ids := m.rt.Components()
	rows := make([]componentRow, 0, len(ids))
	for _, id := range ids {
		cs, err := m.rt.Supervisor().ComponentStats(id)
		if err != nil {
			continue
		}
		row := componentRow{id: id, stats: cs}
		if a, ok := m.rt.Actor(id); ok {
			st := a.Stats()
			row.handled, row.failed, row.hasActor = st.Handled, st.Failed, true
		}
		rows = append(rows, row)
	}
	m.rows = rows
	if m.selected >= len(m.rows) {
		m.selected = max(len(m.rows)-1, 0)
	}
}

func (m *dashboardModel) current() (wasmactors.ComponentID, bool) {
	if len(m.rows) == 0 {
		return "", false
	}
	return m.rows[m.selected].id, true
}

func (m *dashboardModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			return m, tea.Quit

		case "q":
			if m.state != stateInputPayload {
				return m, tea.Quit
			}

		case "up", "k":
			if m.state == stateBrowse && m.selected > 0 {
				m.selected--
			}

		case "down", "j":
			if m.state == stateBrowse && m.selected < len(m.rows)-1 {
				m.selected++
			}

		case "r":
			if m.state == stateBrowse {
				return m, m.restart
			}

		case "enter":
			switch m.state {
			case stateBrowse:
				if _, ok := m.current(); ok {
					m.state = stateInputPayload
					m.input.SetValue("")
					m.input.Focus()
				}
				return m, nil
			case stateInputPayload:
				m.input.Blur()
				return m, m.send
			case stateShowResult:
				m.state = stateBrowse
				m.result, m.err = "", nil
			}

		case "esc":
			switch m.state {
			case stateInputPayload:
				m.input.Blur()
				m.state = stateBrowse
			case stateShowResult:
				m.state = stateBrowse
				m.result, m.err = "", nil
			}
		}

	case tickMsg:
		if m.ctx.Err() != nil {
			return m, tea.Quit
		}
		m.refresh()
		return m, tick()

	case resultMsg:
		m.result, m.err = msg.result, msg.err
		m.state = stateShowResult
	}

	if m.state == stateInputPayload {
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m *dashboardModel) send() tea.Msg {
	id, ok := m.current()
	if !ok {
		return resultMsg{err: fmt.Errorf("no component selected")}
	}
	payload := strings.TrimSpace(m.input.Value())
	if payload == "" {
		payload = "null"
	}
	resp, err := m.rt.Request(m.ctx, message.NewRequest("", id, codec.JSON, []byte(payload)), 5*time.Second)
	if err != nil {
		return resultMsg{err: err}
	}
	return resultMsg{result: fmt.Sprintf("%s (%s)", resp.Payload, resp.Codec)}
}

func (m *dashboardModel) restart() tea.Msg {
	id, ok := m.current()
	if !ok {
		return resultMsg{err: fmt.Errorf("no component selected")}
	}
	d, err := m.rt.Restart(m.ctx, id)
	if err != nil {
		return resultMsg{err: err}
	}
	return resultMsg{result: fmt.Sprintf("restart of %s: %s after %s", id, d.Action, d.Delay)}
}

func (m *dashboardModel) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("wasm-actors"))
	b.WriteString(fmt.Sprintf(" %d components\n\n", len(m.rows)))

	b.WriteString(headerStyle.Render(fmt.Sprintf("  %-20s %-11s %-8s %-10s %-9s %-8s",
		"COMPONENT", "STATE", "RESTARTS", "HEALTH", "HANDLED", "FAILED")))
	b.WriteString("\n")
	for i, r := range m.rows {
		line := fmt.Sprintf("%-20s %-11s %-8d %-10s %-9d %-8d",
			r.id, r.stats.State, r.stats.TotalRestarts, r.stats.LastHealth.State, r.handled, r.failed)
		switch {
		case i == m.selected:
			b.WriteString(selectedStyle.Render("> " + line))
		case r.stats.State == supervisor.StateRunning:
			b.WriteString("  " + runningStyle.Render(line))
		case r.stats.State == supervisor.StateFailed:
			b.WriteString("  " + errorStyle.Render(line))
		default:
			b.WriteString("  " + line)
		}
		b.WriteString("\n")
	}
	b.WriteString("\n")

	switch m.state {
	case stateBrowse:
		if len(m.rows) > 0 {
			if msg := m.rows[m.selected].stats.LastError; msg != "" {
				b.WriteString(errorStyle.Render("last error: " + msg))
				b.WriteString("\n\n")
			}
		}
		b.WriteString(helpStyle.Render("↑/↓ select • enter send request • r restart • q quit"))

	case stateInputPayload:
		id, _ := m.current()
		b.WriteString(fmt.Sprintf("Request to %s\n\n", id))
		b.WriteString(m.input.View())
		b.WriteString("\n\n")
		b.WriteString(helpStyle.Render("enter send • esc back"))

	case stateShowResult:
		if m.err != nil {
			b.WriteString(errorStyle.Render(fmt.Sprintf("Error: %v", m.err)))
		} else {
			b.WriteString(resultStyle.Render(m.result))
		}
		b.WriteString("\n\n")
		b.WriteString(helpStyle.Render("enter continue • q quit"))
	}

	return b.String()
}

func runInteractive(ctx context.Context, rt *runtime.Runtime) error {
	p := tea.NewProgram(newDashboardModel(ctx, rt), tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}
