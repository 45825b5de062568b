package cli

import "github.com/charmbracelet/lipgloss"

var (
	colorPrimary   = lipgloss.Color("75")
	colorSecondary = lipgloss.Color("241")
	colorSuccess   = lipgloss.Color("42")
	colorError     = lipgloss.Color("160")
	colorWarning   = lipgloss.Color("214")

	styleTitle   = lipgloss.NewStyle().Foreground(colorPrimary).Bold(true)
	styleSubtle  = lipgloss.NewStyle().Foreground(colorSecondary)
	styleSuccess = lipgloss.NewStyle().Foreground(colorSuccess)
	styleWarning = lipgloss.NewStyle().Foreground(colorWarning)
	styleError   = lipgloss.NewStyle().Foreground(colorError).Bold(true)
	styleLabel   = lipgloss.NewStyle().Foreground(colorSecondary).Width(10)

	styleTableHeader = lipgloss.NewStyle().Foreground(colorPrimary).Bold(true).Padding(0, 1)
	styleTableCell   = lipgloss.NewStyle().Padding(0, 1)
)
