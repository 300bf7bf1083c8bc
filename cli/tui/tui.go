package tui

import (
	"fmt"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
)

// View types with a TUI.
const (
	ViewStatus = "status"
	ViewStep   = "step"
)

// Run starts the TUI for viewType over data.
func Run(viewType string, data any) error {
	var model tea.Model
	switch viewType {
	case ViewStatus:
		m, err := NewStatusModel(data)
		if err != nil {
			return err
		}
		model = m
	case ViewStep:
		m, err := NewStepModel(data)
		if err != nil {
			return err
		}
		model = m
	default:
		return fmt.Errorf("TUI mode is not supported for %s", viewType)
	}
	_, err := tea.NewProgram(model, tea.WithAltScreen()).Run()
	return err
}

// IsTUISupported returns true if the view type supports TUI mode.
func IsTUISupported(viewType string) bool {
	for _, v := range SupportedTUIViews() {
		if v == viewType {
			return true
		}
	}
	return false
}

// SupportedTUIViews returns the view types that support TUI.
func SupportedTUIViews() []string {
	return []string{ViewStatus, ViewStep}
}

type keyMap struct {
	Quit key.Binding
	Next key.Binding
	Prev key.Binding
}

var keys = keyMap{
	Quit: key.NewBinding(
		key.WithKeys("q", "ctrl+c", "esc"),
		key.WithHelp("q", "quit"),
	),
	Next: key.NewBinding(
		key.WithKeys("down", "j", "n"),
		key.WithHelp("↓/j", "next"),
	),
	Prev: key.NewBinding(
		key.WithKeys("up", "k", "p"),
		key.WithHelp("↑/k", "previous"),
	),
}
