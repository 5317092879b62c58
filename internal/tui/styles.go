package tui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/jobsched/internal/scheduler"
)

// Border styles
var (
	StyleFocusedBorder = lipgloss.NewStyle().
				Border(lipgloss.RoundedBorder()).
				BorderForeground(lipgloss.Color("62"))

	StyleUnfocusedBorder = lipgloss.NewStyle().
				Border(lipgloss.RoundedBorder()).
				BorderForeground(lipgloss.Color("240"))
)

// Status styles
var (
	StyleStatusRunning = lipgloss.NewStyle().
				Foreground(lipgloss.Color("yellow")).
				Bold(true)

	StyleStatusDone = lipgloss.NewStyle().
			Foreground(lipgloss.Color("green")).
			Bold(true)

	StyleStatusError = lipgloss.NewStyle().
				Foreground(lipgloss.Color("red")).
				Bold(true)

	StyleStatusAborted = lipgloss.NewStyle().
				Foreground(lipgloss.Color("magenta"))

	StyleStatusWaiting = lipgloss.NewStyle().
				Foreground(lipgloss.Color("240"))
)

// UI element styles
var (
	StyleTitle = lipgloss.NewStyle().
			Bold(true).
			Padding(0, 1)

	StyleHelp = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	StyleSelected = lipgloss.NewStyle().
			Background(lipgloss.Color("62")).
			Foreground(lipgloss.Color("0"))
)

// StatusIcon returns a styled indicator for a job or task status.
func StatusIcon(s scheduler.Status) string {
	switch s {
	case scheduler.StatusRunning:
		return StyleStatusRunning.Render("●")
	case scheduler.StatusDone:
		return StyleStatusDone.Render("✓")
	case scheduler.StatusError:
		return StyleStatusError.Render("✗")
	case scheduler.StatusAborted:
		return StyleStatusAborted.Render("⊘")
	default:
		return StyleStatusWaiting.Render("○")
	}
}
