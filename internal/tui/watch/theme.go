// Package watch implements the bcibot live monitor: per-channel completion
// and counters polled from /status, plus the /events stream.
package watch

import "github.com/charmbracelet/lipgloss"

// Theme centralizes all styling for the watch TUI.
type Theme struct {
	// Channel and command outcome colors
	Done     lipgloss.Style
	Busy     lipgloss.Style
	Failed   lipgloss.Style
	Rejected lipgloss.Style
	Closed   lipgloss.Style

	Border    lipgloss.Style
	Title     lipgloss.Style
	Dim       lipgloss.Style
	Highlight lipgloss.Style

	TickerActive   lipgloss.Style
	TickerInactive lipgloss.Style
}

func NewDefaultTheme() Theme {
	purple := lipgloss.Color("#874BFD")

	return Theme{
		Done:     lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00")),
		Busy:     lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFF00")),
		Failed:   lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000")),
		Rejected: lipgloss.NewStyle().Foreground(lipgloss.Color("#FF8800")),
		Closed:   lipgloss.NewStyle().Foreground(lipgloss.Color("#666666")),

		Border: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(purple),
		Title: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Padding(0, 1),
		Dim:       lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),
		Highlight: lipgloss.NewStyle().Foreground(lipgloss.Color("#E5C07B")),

		TickerActive:   lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00")),
		TickerInactive: lipgloss.NewStyle().Foreground(lipgloss.Color("#444444")),
	}
}
