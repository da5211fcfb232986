package api

import (
	"github.com/mattjoyce/bcibot/internal/channel"
	"github.com/mattjoyce/bcibot/internal/journal"
)

// CommandRequest is the JSON body for POST /command
type CommandRequest struct {
	Command string `json:"command"`
}

// CommandResponse is returned once a command has been accepted. Routed is
// false for an unknown prefix, which is accepted and silently dropped.
type CommandResponse struct {
	Routed    bool   `json:"routed"`
	CommandID string `json:"command_id,omitempty"`
	Channel   string `json:"channel,omitempty"`
	Payload   string `json:"payload,omitempty"`
}

// StatusResponse is returned by GET /status
type StatusResponse struct {
	AllDone    bool            `json:"all_done"`
	Done       map[string]bool `json:"done"`
	QueueDepth int             `json:"queue_depth"`
	Channels   []channel.Stats `json:"channels"`
}

// WaitResponse is returned by POST /wait/{target}
type WaitResponse struct {
	Target   string `json:"target"`
	Done     bool   `json:"done"`
	WaitedMS int64  `json:"waited_ms"`
}

// JournalListResponse is returned by GET /journal
type JournalListResponse struct {
	Entries []journal.Entry `json:"entries"`
	Count   int             `json:"count"`
}

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	QueueDepth    int    `json:"queue_depth"`
}
