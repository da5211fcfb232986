package watch

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

// HealthState tracks daemon health from /healthz polling.
type HealthState struct {
	Status        string
	UptimeSeconds int64
	QueueDepth    int
	Connected     bool
	LastCheck     time.Time
}

// Spinner lights up on events and fades when the stream goes quiet.
type Spinner struct {
	dots      int
	lastEvent time.Time
}

func (s *Spinner) OnEvent() {
	s.dots = 5
	s.lastEvent = time.Now()
}

// Decay drops one dot for every two quiet seconds.
func (s *Spinner) Decay() {
	if s.dots == 0 {
		return
	}
	quiet := int(time.Since(s.lastEvent) / (2 * time.Second))
	s.dots = max(0, 5-quiet)
}

func (s Spinner) Render(theme Theme) string {
	var b strings.Builder
	for i := range 5 {
		if i < s.dots {
			b.WriteString(theme.TickerActive.Render("●"))
		} else {
			b.WriteString(theme.TickerInactive.Render("○"))
		}
	}
	return b.String()
}

func renderHeader(health HealthState, allDone bool, spinner Spinner, theme Theme, width int) string {
	innerWidth := width - 4

	state := theme.Done.Render("IDLE")
	switch {
	case !health.Connected:
		state = theme.Failed.Render("CONNECTING")
	case health.Status != "ok" && health.Status != "":
		state = theme.Failed.Render("DEGRADED")
	case !allDone:
		state = theme.Busy.Render("BUSY")
	}

	lastEvent := "never"
	if !spinner.lastEvent.IsZero() {
		lastEvent = fmt.Sprintf("%s ago", time.Since(spinner.lastEvent).Round(time.Second))
	}

	title := " BCIBOT WATCH"
	clock := theme.Dim.Render(time.Now().Format("15:04:05"))
	pad := innerWidth - lipgloss.Width(title) - lipgloss.Width(clock) - 4
	if pad < 1 {
		pad = 1
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		title+strings.Repeat(" ", pad)+clock+" ",
		fmt.Sprintf(" %s  up %s  queued: %d", state, formatDuration(time.Duration(health.UptimeSeconds)*time.Second), health.QueueDepth),
		fmt.Sprintf(" Last event: %s %s", lastEvent, spinner.Render(theme)),
	)
	return theme.Border.Width(innerWidth).Render(content)
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}
