package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/pithecene-io/stepwise/types"
)

// StepModel inspects one step observation, one diagnostic at a time.
type StepModel struct {
	obs      *types.Observation
	cursor   int
	quitting bool
}

// NewStepModel accepts a *types.Observation.
func NewStepModel(data any) (StepModel, error) {
	obs, ok := data.(*types.Observation)
	if !ok || obs == nil {
		return StepModel{}, fmt.Errorf("invalid data type %T for step view", data)
	}
	return StepModel{obs: obs}, nil
}

// Init implements tea.Model.
func (m StepModel) Init() tea.Cmd {
	return nil
}

// Update implements tea.Model.
func (m StepModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	km, ok := msg.(tea.KeyMsg)
	if !ok {
		return m, nil
	}
	switch {
	case key.Matches(km, keys.Quit):
		m.quitting = true
		return m, tea.Quit
	case key.Matches(km, keys.Next):
		if m.cursor < len(m.obs.Diagnostics)-1 {
			m.cursor++
		}
	case key.Matches(km, keys.Prev):
		if m.cursor > 0 {
			m.cursor--
		}
	}
	return m, nil
}

// View implements tea.Model.
func (m StepModel) View() string {
	if m.quitting {
		return ""
	}
	obs := m.obs
	var b strings.Builder
	b.WriteString(TitleStyle.Render(fmt.Sprintf("Step %d", obs.Step)))
	b.WriteString("\n")

	rows := [][2]string{
		{"Outcome", OutcomeStyle(obs.Outcome).Render(string(obs.Outcome))},
		{"Session", obs.SessionID},
		{"Tick", fmt.Sprintf("%d", obs.Tick)},
		{"Position", obs.Snapshot.State.Position.String()},
		{"Events", fmt.Sprintf("%d (%d dropped)", len(obs.Events), obs.DroppedEvents)},
	}
	for _, row := range rows {
		b.WriteString(LabelStyle.Render(row[0]+":") + " " + ValueStyle.Render(row[1]) + "\n")
	}

	if len(obs.Diagnostics) == 0 {
		b.WriteString("\n" + SuccessStyle.Render("No diagnostics."))
	} else {
		d := obs.Diagnostics[m.cursor]
		b.WriteString(fmt.Sprintf("\nDiagnostic %d of %d", m.cursor+1, len(obs.Diagnostics)))
		if d.Async {
			b.WriteString(WarningStyle.Render(" (async)"))
		}
		b.WriteString("\n")
		b.WriteString(SelectedBoxStyle.Render(diagnosticBody(d)))
	}

	b.WriteString("\n" + HelpStyle.Render("↑/↓ diagnostics, q to quit"))
	return b.String()
}

func diagnosticBody(d types.Diagnostic) string {
	var b strings.Builder
	b.WriteString(ErrorStyle.Render(d.Message))
	if d.Code != nil {
		b.WriteString("\n\n" + LabelStyle.Render("Your code:"))
		b.WriteString(fmt.Sprintf(" line %d\n  %s", d.Code.Line, d.Code.Snippet))
	}
	if d.Program != nil {
		where := fmt.Sprintf("line %d", d.Program.Line)
		if d.Program.File != "" {
			where = fmt.Sprintf("%s:%d", d.Program.File, d.Program.Line)
		}
		b.WriteString("\n\n" + LabelStyle.Render("Program:"))
		b.WriteString(fmt.Sprintf(" %s\n  %s", where, d.Program.Snippet))
	}
	return b.String()
}
