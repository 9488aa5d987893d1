package commands

import "github.com/charmbracelet/lipgloss"

// Color palette
var (
	colorPrimary = lipgloss.Color("39")  // blue
	colorSuccess = lipgloss.Color("76")  // green
	colorWarning = lipgloss.Color("214") // orange
	colorError   = lipgloss.Color("196") // red
	colorMuted   = lipgloss.Color("242") // gray
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorPrimary)

	infoStyle = lipgloss.NewStyle().
			Foreground(colorSuccess)

	warnStyle = lipgloss.NewStyle().
			Foreground(colorWarning).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(colorError).
			Bold(true)

	mutedStyle = lipgloss.NewStyle().
			Foreground(colorMuted)

	cellStyle = lipgloss.NewStyle().
			PaddingRight(2)
)

func statusStyle(status string) lipgloss.Style {
	switch status {
	case "hanging":
		return infoStyle
	case "terminated":
		return errorStyle
	default:
		return warnStyle
	}
}
