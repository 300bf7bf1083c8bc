// Package tui provides Bubble Tea views for the stepwise CLI.
//
// TUI mode is opt-in (--tui) and read-only. Views render the same payloads
// as the json, table and yaml formats and never fetch extra data, except
// that the status view re-polls /status on an interval.
package tui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/pithecene-io/stepwise/types"
)

// Color palette.
var (
	primaryColor   = lipgloss.Color("#0EA5E9") // Sky
	successColor   = lipgloss.Color("#10B981") // Green
	warningColor   = lipgloss.Color("#F59E0B") // Amber
	errorColor     = lipgloss.Color("#EF4444") // Red
	mutedColor     = lipgloss.Color("#6B7280") // Gray
	highlightColor = lipgloss.Color("#A855F7") // Violet
)

// Styles for TUI components.
var (
	TitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			MarginBottom(1)

	LabelStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Width(12)

	ValueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFFFFF"))

	SuccessStyle = lipgloss.NewStyle().Foreground(successColor)
	WarningStyle = lipgloss.NewStyle().Foreground(warningColor)
	ErrorStyle   = lipgloss.NewStyle().Foreground(errorColor)

	BoxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(mutedColor).
			Padding(1, 2)

	// SelectedBoxStyle frames the diagnostic under the cursor.
	SelectedBoxStyle = BoxStyle.BorderForeground(highlightColor)

	HelpStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			MarginTop(1)

	StatBoxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			Padding(0, 2).
			Width(18).
			Align(lipgloss.Center)

	StatLabelStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Align(lipgloss.Center)

	StatValueStyle = lipgloss.NewStyle().
			Bold(true).
			Align(lipgloss.Center)
)

// StateStyle returns the style for a session state.
func StateStyle(state types.SessionState) lipgloss.Style {
	switch state {
	case types.StateActive:
		return SuccessStyle
	case types.StateConnecting, types.StateTerminating:
		return WarningStyle
	case types.StateDisconnected:
		return ErrorStyle
	default:
		return ValueStyle
	}
}

// OutcomeStyle returns the style for a step outcome.
func OutcomeStyle(o types.StepOutcome) lipgloss.Style {
	if o == types.OutcomeSuccess {
		return SuccessStyle
	}
	return ErrorStyle
}
