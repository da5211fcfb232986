// Package events is an in-process pub/sub of channel activity, with a small
// replay buffer for subscribers that attach late (SSE clients, the monitor).
package events

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mattjoyce/bcibot/internal/protocol"
)

// Event types published by the dispatcher and its channels.
const (
	TypeCommandQueued    = "command.queued"
	TypeCommandSent      = "command.sent"
	TypeCommandCompleted = "command.completed"
	TypeCommandFailed    = "command.failed"
	TypeChannelIdle      = "channel.idle"
	TypeChannelState     = "channel.state"
	TypeSinkReport       = "sink.report"
)

const (
	defaultBacklog   = 256
	subscriberBuffer = 128
)

type Event struct {
	ID   int64           `json:"id"`
	Type string          `json:"type"`
	At   time.Time       `json:"at"`
	Data json.RawMessage `json:"data"`
}

// Filter picks the events a subscriber or a replay sees. nil keeps all.
type Filter func(Event) bool

// ForChannel keeps events about tag and those tied to no channel.
func ForChannel(tag protocol.Tag) Filter {
	return func(ev Event) bool {
		t, ok := ChannelOf(ev)
		return !ok || t == tag
	}
}

func (f Filter) keep(ev Event) bool {
	return f == nil || f(ev)
}

type subscriber struct {
	feed   chan Event
	filter Filter
}

// Hub fans channel activity out to subscribers and keeps the most recent
// events for late joiners. Publish never blocks: a subscriber whose feed is
// full misses the event and has to catch up from the backlog.
type Hub struct {
	nextID atomic.Int64

	mu      sync.Mutex
	backlog []Event
	limit   int
	subs    map[*subscriber]struct{}
	closed  bool
}

// NewHub keeps up to backlog events for replay; 0 picks the default.
func NewHub(backlog int) *Hub {
	if backlog <= 0 {
		backlog = defaultBacklog
	}
	return &Hub{
		backlog: make([]Event, 0, backlog),
		limit:   backlog,
		subs:    make(map[*subscriber]struct{}),
	}
}

// Publish numbers an event carrying data as JSON and delivers it. After
// Close the event is still numbered and returned but goes nowhere.
func (h *Hub) Publish(eventType string, data any) Event {
	payload := json.RawMessage("{}")
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			payload = b
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	ev := Event{
		ID:   h.nextID.Add(1),
		Type: eventType,
		At:   time.Now().UTC(),
		Data: payload,
	}
	if h.closed {
		return ev
	}

	if len(h.backlog) == h.limit {
		n := copy(h.backlog, h.backlog[1:])
		h.backlog = h.backlog[:n]
	}
	h.backlog = append(h.backlog, ev)

	for sub := range h.subs {
		if !sub.filter.keep(ev) {
			continue
		}
		select {
		case sub.feed <- ev:
		default:
		}
	}
	return ev
}

// Subscribe returns a live feed of the events filter keeps and a cancel func
// that closes it. On a closed hub the feed is already closed.
func (h *Hub) Subscribe(filter Filter) (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	sub := &subscriber{feed: make(chan Event, subscriberBuffer), filter: filter}
	if h.closed {
		close(sub.feed)
		return sub.feed, func() {}
	}
	h.subs[sub] = struct{}{}

	return sub.feed, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.subs[sub]; ok {
			delete(h.subs, sub)
			close(sub.feed)
		}
	}
}

// SnapshotSince returns the backlog events newer than lastID that filter
// keeps, oldest first.
func (h *Hub) SnapshotSince(lastID int64, filter Filter) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	var out []Event
	for _, ev := range h.backlog {
		if ev.ID > lastID && filter.keep(ev) {
			out = append(out, ev)
		}
	}
	return out
}

// Close ends every subscription.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for sub := range h.subs {
		delete(h.subs, sub)
		close(sub.feed)
	}
}
