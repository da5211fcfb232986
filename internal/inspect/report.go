// Package inspect renders journal entries as timelines for operators.
package inspect

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mattjoyce/bcibot/internal/journal"
	"github.com/mattjoyce/bcibot/internal/protocol"
)

// DefaultNeighbors is how many commands either side of the inspected one
// are shown.
const DefaultNeighbors = 3

// Report is the structured JSON representation of a command report.
type Report struct {
	CommandID string         `json:"command_id"`
	Channel   protocol.Tag   `json:"channel"`
	Payload   string         `json:"payload"`
	Status    journal.Status `json:"status"`
	Reply     string         `json:"reply,omitempty"`
	Error     string         `json:"error,omitempty"`
	Probes    int            `json:"probes"`
	Steps     []Step         `json:"steps"`
	WaitedMS  int64          `json:"waited_ms"`
	RanMS     int64          `json:"ran_ms"`
	Before    []Neighbor     `json:"before"`
	After     []Neighbor     `json:"after"`
}

// Step is one point on the command timeline.
type Step struct {
	Name string    `json:"name"`
	At   time.Time `json:"at"`
}

// Neighbor summarizes a command completed on the same channel.
type Neighbor struct {
	CommandID   string         `json:"command_id"`
	Payload     string         `json:"payload"`
	Status      journal.Status `json:"status"`
	CompletedAt time.Time      `json:"completed_at"`
}

// BuildReport renders a terminal-friendly report for one command.
func BuildReport(ctx context.Context, j *journal.Journal, commandID string, neighbors int) (string, error) {
	report, err := gatherReportData(ctx, j, commandID, neighbors)
	if err != nil {
		return "", err
	}

	var out strings.Builder
	fmt.Fprintf(&out, "Command Report\n")
	fmt.Fprintf(&out, "Command ID  : %s\n", report.CommandID)
	fmt.Fprintf(&out, "Channel     : %s\n", report.Channel)
	fmt.Fprintf(&out, "Payload     : %s\n", renderUnset(report.Payload, "<empty>"))
	fmt.Fprintf(&out, "Status      : %s\n", report.Status)
	fmt.Fprintf(&out, "Reply       : %s\n", renderUnset(report.Reply, "<none>"))
	if report.Error != "" {
		fmt.Fprintf(&out, "Error       : %s\n", report.Error)
	}
	fmt.Fprintf(&out, "Probes      : %d\n", report.Probes)
	fmt.Fprintf(&out, "\n")

	fmt.Fprintf(&out, "Timeline\n")
	for _, step := range report.Steps {
		fmt.Fprintf(&out, "  %-9s %s\n", step.Name, step.At.Format(time.RFC3339Nano))
	}
	fmt.Fprintf(&out, "  waited    %s\n", time.Duration(report.WaitedMS)*time.Millisecond)
	fmt.Fprintf(&out, "  ran       %s\n", time.Duration(report.RanMS)*time.Millisecond)
	fmt.Fprintf(&out, "\n")

	writeNeighbors(&out, "Before", report.Before)
	writeNeighbors(&out, "After", report.After)

	return strings.TrimRight(out.String(), "\n") + "\n", nil
}

// BuildJSONReport returns the machine-readable report for one command.
func BuildJSONReport(ctx context.Context, j *journal.Journal, commandID string, neighbors int) (string, error) {
	report, err := gatherReportData(ctx, j, commandID, neighbors)
	if err != nil {
		return "", err
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal json report: %w", err)
	}
	return string(data), nil
}

// BuildList renders entries as a fixed-width table, newest first.
func BuildList(entries []journal.Entry) string {
	if len(entries) == 0 {
		return "No commands recorded.\n"
	}
	var out strings.Builder
	fmt.Fprintf(&out, "%-36s  %-8s  %-9s  %-24s  %s\n", "COMMAND ID", "CHANNEL", "STATUS", "COMPLETED", "PAYLOAD")
	for _, e := range entries {
		fmt.Fprintf(&out, "%-36s  %-8s  %-9s  %-24s  %s\n",
			e.ID, strings.ToLower(e.Channel.String()), e.Status,
			e.CompletedAt.Local().Format("2006-01-02 15:04:05.000"), e.Payload)
	}
	return out.String()
}

func gatherReportData(ctx context.Context, j *journal.Journal, commandID string, neighbors int) (*Report, error) {
	if strings.TrimSpace(commandID) == "" {
		return nil, fmt.Errorf("command_id is required")
	}

	e, err := j.Get(ctx, commandID)
	if err != nil {
		return nil, fmt.Errorf("command %q: %w", commandID, err)
	}

	report := &Report{
		CommandID: e.ID,
		Channel:   e.Channel,
		Payload:   e.Payload,
		Status:    e.Status,
		Reply:     e.Reply,
		Error:     e.Error,
		Probes:    e.Probes,
		Steps:     []Step{{Name: "queued", At: e.QueuedAt}},
		Before:    make([]Neighbor, 0),
		After:     make([]Neighbor, 0),
	}

	// Commands dropped at close never reached the wire.
	if e.StartedAt != nil {
		report.Steps = append(report.Steps, Step{Name: "started", At: *e.StartedAt})
		report.WaitedMS = e.StartedAt.Sub(e.QueuedAt).Milliseconds()
		report.RanMS = e.CompletedAt.Sub(*e.StartedAt).Milliseconds()
	} else {
		report.WaitedMS = e.CompletedAt.Sub(e.QueuedAt).Milliseconds()
	}
	report.Steps = append(report.Steps, Step{Name: "completed", At: e.CompletedAt})

	before, after, err := j.Neighbors(ctx, e, neighbors)
	if err != nil {
		return nil, err
	}
	for _, n := range before {
		report.Before = append(report.Before, toNeighbor(n))
	}
	for _, n := range after {
		report.After = append(report.After, toNeighbor(n))
	}
	return report, nil
}

func toNeighbor(e journal.Entry) Neighbor {
	return Neighbor{CommandID: e.ID, Payload: e.Payload, Status: e.Status, CompletedAt: e.CompletedAt}
}

func writeNeighbors(out *strings.Builder, title string, ns []Neighbor) {
	fmt.Fprintf(out, "%s\n", title)
	if len(ns) == 0 {
		fmt.Fprintf(out, "  <none>\n\n")
		return
	}
	for _, n := range ns {
		fmt.Fprintf(out, "  %s  %-9s %s\n", n.CommandID, n.Status, renderUnset(n.Payload, "<empty>"))
	}
	fmt.Fprintf(out, "\n")
}

func renderUnset(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
