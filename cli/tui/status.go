package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/pithecene-io/stepwise/server"
)

// DefaultRefreshInterval is the status poll interval of a LiveStatus view.
const DefaultRefreshInterval = time.Second

// LiveStatus is a status view that re-polls the server.
type LiveStatus struct {
	Initial  *server.StatusResponse
	Refresh  func(ctx context.Context) (*server.StatusResponse, error)
	Interval time.Duration
}

// StatusModel is the session dashboard.
type StatusModel struct {
	status   *server.StatusResponse
	refresh  func(ctx context.Context) (*server.StatusResponse, error)
	interval time.Duration
	err      error
	quitting bool
}

type statusMsg struct {
	status *server.StatusResponse
	err    error
}

type refreshMsg struct{}

// NewStatusModel accepts a *server.StatusResponse or a LiveStatus.
func NewStatusModel(data any) (StatusModel, error) {
	switch d := data.(type) {
	case *server.StatusResponse:
		return StatusModel{status: d}, nil
	case LiveStatus:
		if d.Interval <= 0 {
			d.Interval = DefaultRefreshInterval
		}
		return StatusModel{status: d.Initial, refresh: d.Refresh, interval: d.Interval}, nil
	default:
		return StatusModel{}, fmt.Errorf("invalid data type %T for status view", data)
	}
}

// Init implements tea.Model.
func (m StatusModel) Init() tea.Cmd {
	return m.schedule()
}

func (m StatusModel) schedule() tea.Cmd {
	if m.refresh == nil {
		return nil
	}
	return tea.Tick(m.interval, func(time.Time) tea.Msg { return refreshMsg{} })
}

func (m StatusModel) poll() tea.Cmd {
	refresh, timeout := m.refresh, m.interval
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		s, err := refresh(ctx)
		return statusMsg{status: s, err: err}
	}
}

// Update implements tea.Model.
func (m StatusModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if key.Matches(msg, keys.Quit) {
			m.quitting = true
			return m, tea.Quit
		}
	case refreshMsg:
		return m, m.poll()
	case statusMsg:
		m.err = msg.err
		if msg.err == nil {
			m.status = msg.status
		}
		return m, m.schedule()
	}
	return m, nil
}

// View implements tea.Model.
func (m StatusModel) View() string {
	if m.quitting {
		return ""
	}
	if m.status == nil {
		return "Waiting for status..."
	}

	s := m.status.Session
	var b strings.Builder
	b.WriteString(TitleStyle.Render("stepwise " + m.status.Version))
	b.WriteString("\n")

	rows := [][2]string{
		{"State", StateStyle(s.State).Render(string(s.State))},
		{"Session", s.SessionID},
		{"Username", s.Username},
		{"Tick", fmt.Sprintf("%d", s.Tick)},
		{"Wait ticks", fmt.Sprintf("%d", s.WaitTicks)},
	}
	if s.Stepping {
		rows = append(rows, [2]string{"Stepping", WarningStyle.Render("step in flight")})
	}
	for _, row := range rows {
		b.WriteString(LabelStyle.Render(row[0]+":") + " " + ValueStyle.Render(row[1]) + "\n")
	}
	b.WriteString("\n")

	mt := m.status.Metrics
	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top,
		statBox("Steps", mt.StepsCompleted, highlightColor),
		statBox("Script errors", mt.ScriptErrors, errorColor),
		statBox("Recoveries", mt.Recoveries, warningColor),
		statBox("Sessions", mt.SessionsStarted, successColor),
	))
	b.WriteString("\n")
	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top,
		statBox("Ticks", mt.Ticks, primaryColor),
		statBox("Events dropped", mt.EventsDropped, warningColor),
		statBox("Published", mt.PublishSuccess, successColor),
		statBox("Publish failed", mt.PublishFailure, errorColor),
	))

	if m.err != nil {
		b.WriteString("\n" + ErrorStyle.Render("refresh failed: "+m.err.Error()))
	}
	b.WriteString("\n" + HelpStyle.Render("Press q to quit"))
	return b.String()
}

func statBox(label string, value int64, color lipgloss.Color) string {
	content := lipgloss.JoinVertical(lipgloss.Center,
		StatValueStyle.Foreground(color).Render(fmt.Sprintf("%d", value)),
		StatLabelStyle.Render(label),
	)
	return StatBoxStyle.BorderForeground(color).Render(content)
}
