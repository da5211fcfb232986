package watch

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/bcibot/internal/events"
)

const (
	eventLogSize   = 50
	eventLogShown  = 10
	maxDescription = 60
)

func renderEventStream(eventLog []events.Event, theme Theme, width int) string {
	innerWidth := width - 4

	if len(eventLog) == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("EVENT STREAM"),
			theme.Dim.Render("  Waiting for events..."),
		)
		return theme.Border.Width(innerWidth).Render(content)
	}

	var lines []string
	for i, e := range eventLog {
		if i >= eventLogShown {
			break
		}
		lines = append(lines, formatEvent(e, theme))
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render("EVENT STREAM"),
		lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n")),
	)
	return theme.Border.Width(innerWidth).Render(content)
}

func formatEvent(e events.Event, theme Theme) string {
	var style lipgloss.Style
	switch e.Type {
	case events.TypeCommandCompleted, events.TypeChannelIdle:
		style = theme.Done
	case events.TypeCommandFailed, events.TypeSinkReport:
		style = theme.Failed
	case events.TypeCommandSent:
		style = theme.Busy
	case events.TypeChannelState:
		style = theme.Highlight
	default:
		style = theme.Dim
	}

	return fmt.Sprintf("%s %s %s",
		theme.Dim.Render(e.At.Format("15:04:05")),
		style.Render(fmt.Sprintf("%-18s", e.Type)),
		describeEvent(e),
	)
}

// eventFields is the union of the command, channel and report payloads.
type eventFields struct {
	ID      string `json:"id"`
	Channel string `json:"channel"`
	Payload string `json:"payload"`
	Outcome string `json:"outcome"`
	Reply   string `json:"reply"`
	State   string `json:"state"`
	Text    string `json:"text"`
}

func describeEvent(e events.Event) string {
	var f eventFields
	if err := json.Unmarshal(e.Data, &f); err != nil {
		return truncate(string(e.Data))
	}

	var parts []string
	if f.ID != "" {
		id := f.ID
		if len(id) > 8 {
			id = id[:8]
		}
		parts = append(parts, "["+id+"]")
	}
	for _, s := range []string{f.Channel, strings.TrimRight(f.Payload, "\r\n"), f.State, f.Reply, f.Text} {
		if s != "" {
			parts = append(parts, s)
		}
	}
	if len(parts) == 0 {
		return truncate(string(e.Data))
	}
	return truncate(strings.Join(parts, " "))
}

func truncate(s string) string {
	if len(s) > maxDescription {
		return s[:maxDescription] + "..."
	}
	return s
}
