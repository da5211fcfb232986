package webhook

import (
	"github.com/mattjoyce/bcibot/internal/channel"
	"github.com/mattjoyce/bcibot/internal/protocol"
)

// Submitter queues one raw command line.
type Submitter interface {
	Submit(raw string) (channel.Command, error)
}

// Config holds webhook server configuration.
type Config struct {
	Listen    string
	Endpoints []EndpointConfig
}

// EndpointConfig defines a single signed ingress path.
type EndpointConfig struct {
	Path            string
	Secret          string
	SignatureHeader string
	MaxBodySize     int64
	// Channels limits which channels this endpoint may drive. Empty allows all.
	Channels []protocol.Tag
}

func (e *EndpointConfig) allows(tag protocol.Tag) bool {
	if len(e.Channels) == 0 {
		return true
	}
	for _, c := range e.Channels {
		if c == tag {
			return true
		}
	}
	return false
}

// TriggerResponse is the JSON response for an accepted body.
type TriggerResponse struct {
	Commands []QueuedCommand `json:"commands"`
	Unrouted int             `json:"unrouted"`
}

// QueuedCommand identifies one queued line.
type QueuedCommand struct {
	CommandID string `json:"command_id"`
	Channel   string `json:"channel"`
}

// ErrorResponse is the JSON response for webhook errors. A batch refused
// part way through submission lists the lines queued before the refusal;
// those are not withdrawn.
type ErrorResponse struct {
	Error    string          `json:"error"`
	Commands []QueuedCommand `json:"commands,omitempty"`
}

const (
	DefaultMaxBodySize     = 64 * 1024
	DefaultSignatureHeader = "X-Bcibot-Signature"
)
