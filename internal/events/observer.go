package events

import (
	"encoding/json"

	"github.com/mattjoyce/bcibot/internal/channel"
	"github.com/mattjoyce/bcibot/internal/protocol"
)

// CommandData is the payload of command.* events.
type CommandData struct {
	ID         string       `json:"id"`
	Channel    protocol.Tag `json:"channel"`
	Payload    string       `json:"payload"`
	Outcome    string       `json:"outcome,omitempty"`
	Reply      string       `json:"reply,omitempty"`
	Probes     int          `json:"probes,omitempty"`
	Error      string       `json:"error,omitempty"`
	DurationMS int64        `json:"duration_ms,omitempty"`
}

// ChannelData is the payload of channel.* events.
type ChannelData struct {
	Channel protocol.Tag `json:"channel"`
	State   string       `json:"state,omitempty"`
}

// ReportData is the payload of sink.report events.
type ReportData struct {
	Text string `json:"text"`
}

// Observer publishes channel notifications onto a Hub.
type Observer struct {
	hub *Hub
}

// NewObserver returns a channel.Observer backed by hub.
func NewObserver(hub *Hub) *Observer {
	return &Observer{hub: hub}
}

func (o *Observer) CommandQueued(cmd channel.Command) {
	o.hub.Publish(TypeCommandQueued, commandData(cmd))
}

func (o *Observer) CommandSent(cmd channel.Command) {
	o.hub.Publish(TypeCommandSent, commandData(cmd))
}

func (o *Observer) CommandCompleted(res channel.Result) {
	data := commandData(res.Command)
	data.Outcome = string(res.Outcome)
	data.Reply = res.Reply
	data.Probes = res.Probes
	if !res.StartedAt.IsZero() {
		data.DurationMS = res.CompletedAt.Sub(res.StartedAt).Milliseconds()
	}
	typ := TypeCommandCompleted
	if res.Err != nil {
		data.Error = res.Err.Error()
		typ = TypeCommandFailed
	}
	o.hub.Publish(typ, data)
}

func (o *Observer) ChannelIdle(tag protocol.Tag) {
	o.hub.Publish(TypeChannelIdle, ChannelData{Channel: tag})
}

func (o *Observer) StateChanged(tag protocol.Tag, s channel.State) {
	o.hub.Publish(TypeChannelState, ChannelData{Channel: tag, State: s.String()})
}

// Report implements sink.Sink so error text also reaches subscribers.
func (o *Observer) Report(text string) {
	o.hub.Publish(TypeSinkReport, ReportData{Text: text})
}

func commandData(cmd channel.Command) CommandData {
	return CommandData{ID: cmd.ID, Channel: cmd.Channel, Payload: cmd.Payload}
}

var _ channel.Observer = (*Observer)(nil)

// ChannelOf returns the channel an event concerns. Sink reports and foreign
// payloads have none.
func ChannelOf(ev Event) (protocol.Tag, bool) {
	var probe struct {
		Channel *protocol.Tag `json:"channel"`
	}
	if err := json.Unmarshal(ev.Data, &probe); err != nil || probe.Channel == nil {
		return 0, false
	}
	return *probe.Channel, true
}
