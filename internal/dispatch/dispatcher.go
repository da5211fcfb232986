package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/bcibot/internal/channel"
	"github.com/mattjoyce/bcibot/internal/config"
	"github.com/mattjoyce/bcibot/internal/log"
	"github.com/mattjoyce/bcibot/internal/protocol"
	"github.com/mattjoyce/bcibot/internal/sink"
	"github.com/mattjoyce/bcibot/internal/status"
)

// minCommandLen is prefix plus separator.
const minCommandLen = protocol.PrefixLen + protocol.SeparatorLen

var (
	// ErrShortCommand is returned for input that cannot hold a prefix and separator.
	ErrShortCommand = errors.New("command too short")
	// ErrUnknownPrefix is returned when no channel owns the prefix.
	ErrUnknownPrefix = errors.New("unknown channel prefix")
	// ErrMultiLine is returned when the payload holds a line break before its
	// end. The controller answers each line, so a second line would leave a
	// stale reply for the next command on that channel.
	ErrMultiLine = errors.New("command spans multiple lines")
)

// Route splits raw into its channel and payload. The payload is returned
// exactly as supplied, trailing newline included.
func Route(raw string) (protocol.Tag, string, error) {
	if utf8.RuneCountInString(raw) < minCommandLen {
		return 0, "", ErrShortCommand
	}
	prefix := raw[:protocol.PrefixLen]
	tag, ok := protocol.TagForPrefix(prefix)
	if !ok {
		return 0, "", fmt.Errorf("%w %q", ErrUnknownPrefix, prefix)
	}
	_, sepLen := utf8.DecodeRuneInString(raw[protocol.PrefixLen:])
	payload := raw[protocol.PrefixLen+sepLen:]
	if strings.ContainsAny(strings.TrimRight(payload, "\r\n"), "\r\n") {
		return 0, "", ErrMultiLine
	}
	return tag, payload, nil
}

type options struct {
	sink      sink.Sink
	observers []channel.Observer
	registry  *status.Registry
}

// Option configures a Dispatcher.
type Option func(*options)

// WithSink sets the error sink. The default logs reports at error level.
func WithSink(s sink.Sink) Option {
	return func(o *options) { o.sink = s }
}

// WithObserver adds a channel observer (events, journal).
func WithObserver(obs channel.Observer) Option {
	return func(o *options) { o.observers = append(o.observers, obs) }
}

// WithRegistry shares an existing completion registry.
func WithRegistry(r *status.Registry) Option {
	return func(o *options) { o.registry = r }
}

// Dispatcher owns the four channels and the completion registry.
type Dispatcher struct {
	channels [len(protocol.Tags)]*channel.Channel
	registry *status.Registry
	sink     sink.Sink
	logger   *slog.Logger
	started  time.Time

	closeOnce sync.Once
	closeErr  error
}

// New connects all four channels concurrently and starts their workers.
// Connection failures are reported to the sink; the affected channels stay
// addressable and report each command they cannot transmit.
func New(ctx context.Context, cfg *config.Config, opts ...Option) *Dispatcher {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	logger := log.WithComponent("dispatch")
	if o.sink == nil {
		o.sink = sink.NewLogSink(logger)
	}
	if o.registry == nil {
		o.registry = status.NewRegistry(cfg.Timing.WaitPoll)
	}

	d := &Dispatcher{
		registry: o.registry,
		sink:     o.sink,
		logger:   logger,
		started:  time.Now(),
	}

	chOpts := channel.Options{
		DialTimeout:    cfg.Timing.DialTimeout,
		KeepAliveDelay: cfg.Timing.KeepAliveDelay,
		ReadTimeout:    cfg.Timing.ReadTimeout,
		ClosePoll:      cfg.Timing.ClosePoll,
		CloseGrace:     cfg.Timing.CloseGrace,
		Redial:         cfg.Robot.RedialOnSend,
		Registry:       d.registry,
		Observer:       channel.MultiObserver(o.observers...),
	}

	var g errgroup.Group
	for _, tag := range protocol.Tags {
		g.Go(func() error {
			d.channels[tag] = channel.New(ctx, tag, cfg.Robot.Addr(tag), d.sink, chOpts)
			return nil
		})
	}
	_ = g.Wait()

	for _, c := range d.channels {
		d.logger.Info("channel ready", "channel", c.Tag().String(), "addr", c.Addr(), "state", c.State().String())
	}
	return d
}

// SendCommand routes raw to its channel. It never blocks and never returns
// an error; failures surface only through the sink.
func (d *Dispatcher) SendCommand(raw string) {
	_, _ = d.Submit(raw)
}

// Submit is SendCommand for callers that want the queued command or the
// reason it was not queued. Reporting to the sink is identical.
func (d *Dispatcher) Submit(raw string) (channel.Command, error) {
	tag, payload, err := Route(raw)
	switch {
	case errors.Is(err, ErrShortCommand), errors.Is(err, ErrMultiLine):
		d.sink.Report("dispatch: " + err.Error())
		return channel.Command{}, err
	case err != nil:
		d.logger.Debug("unroutable command dropped", "error", err)
		return channel.Command{}, err
	}

	cmd := channel.Command{
		ID:       uuid.NewString(),
		Channel:  tag,
		Payload:  payload,
		QueuedAt: time.Now(),
	}
	if err := d.channels[tag].Enqueue(cmd); err != nil {
		return cmd, err
	}
	return cmd, nil
}

// Route is the package-level Route, for callers holding a Dispatcher.
func (d *Dispatcher) Route(raw string) (protocol.Tag, string, error) {
	return Route(raw)
}

// Close drains and closes each channel in order, Move first. ctx bounds the
// whole shutdown; past its deadline remaining queues are dropped and reported.
// Close is idempotent.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.closeOnce.Do(func() {
		var errs []error
		for _, c := range d.channels {
			d.logger.Info("closing channel", "channel", c.Tag().String())
			if err := c.Close(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		d.closeErr = errors.Join(errs...)
		d.logger.Info("dispatcher closed")
	})
	return d.closeErr
}

// Disconnect is Close.
func (d *Dispatcher) Disconnect(ctx context.Context) error {
	return d.Close(ctx)
}

// IsDone reports the completion flag of one channel.
func (d *Dispatcher) IsDone(tag protocol.Tag) bool {
	return d.registry.IsDone(tag)
}

// Snapshot reads all four flags. The reads are not one joint atomic read.
func (d *Dispatcher) Snapshot() map[protocol.Tag]bool {
	return d.registry.Snapshot()
}

// WaitFor blocks until target holds or ctx ends.
func (d *Dispatcher) WaitFor(ctx context.Context, target status.Target) error {
	return d.registry.WaitFor(ctx, target)
}

// ArchitectureError forwards text verbatim to the error sink.
func (d *Dispatcher) ArchitectureError(text string) {
	d.sink.Report(text)
}

// Registry exposes the completion flags.
func (d *Dispatcher) Registry() *status.Registry { return d.registry }

// Channel returns the channel for tag, or nil for an invalid tag.
func (d *Dispatcher) Channel(tag protocol.Tag) *channel.Channel {
	if !tag.Valid() {
		return nil
	}
	return d.channels[tag]
}

// Stats returns per-channel stats in channel order.
func (d *Dispatcher) Stats() []channel.Stats {
	out := make([]channel.Stats, 0, len(d.channels))
	for _, c := range d.channels {
		out = append(out, c.Stats())
	}
	return out
}

// QueueDepth is the number of commands queued or in flight across all channels.
func (d *Dispatcher) QueueDepth() int {
	n := 0
	for _, st := range d.Stats() {
		n += st.Queued
		if st.InFlight {
			n++
		}
	}
	return n
}

// Uptime is the time since New returned.
func (d *Dispatcher) Uptime() time.Duration { return time.Since(d.started) }
