// Package channel owns one controller connection and the single worker that
// drains its command queue in order.
//
// Every channel has exactly one long-lived worker goroutine. Enqueue appends
// to the FIFO and signals the worker; the worker transmits one command at a
// time and runs the OK/events handshake before taking the next. The shared
// completion flag for the channel is cleared on enqueue and set again once
// per drain-to-empty, so observers never see "done" while work is queued or
// on the wire.
package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mattjoyce/bcibot/internal/log"
	"github.com/mattjoyce/bcibot/internal/protocol"
	"github.com/mattjoyce/bcibot/internal/sink"
	"github.com/mattjoyce/bcibot/internal/status"
)

// Defaults for Options fields left at zero.
const (
	DefaultDialTimeout = 5 * time.Second
	DefaultClosePoll   = time.Second
	DefaultCloseGrace  = time.Second
)

// State is the connection lifecycle of a channel.
type State int32

const (
	StateConnecting State = iota
	StateConnected
	StateFailed
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// MarshalText encodes the state name.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText decodes a state name written by MarshalText.
func (s *State) UnmarshalText(b []byte) error {
	for st := StateConnecting; st <= StateClosed; st++ {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown channel state %q", b)
}

// Command is one payload queued for a channel.
type Command struct {
	ID       string
	Channel  protocol.Tag
	Payload  string
	QueuedAt time.Time
}

// Outcome is the terminal classification of a transmitted command.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"   // transport failure or dropped on close
	OutcomeRejected  Outcome = "rejected" // controller replied with an error
)

// Result describes how one command finished.
type Result struct {
	Command     Command
	Outcome     Outcome
	Reply       string
	Probes      int
	Err         error
	StartedAt   time.Time
	CompletedAt time.Time
}

// Observer receives lifecycle notifications. Calls are made from the
// channel's goroutines, some while the queue lock is held, so
// implementations must not block or call back into the channel.
type Observer interface {
	CommandQueued(cmd Command)
	CommandSent(cmd Command)
	CommandCompleted(res Result)
	ChannelIdle(tag protocol.Tag)
	StateChanged(tag protocol.Tag, state State)
}

// NopObserver ignores every notification. Embed it to implement a subset.
type NopObserver struct{}

func (NopObserver) CommandQueued(Command)            {}
func (NopObserver) CommandSent(Command)              {}
func (NopObserver) CommandCompleted(Result)          {}
func (NopObserver) ChannelIdle(protocol.Tag)         {}
func (NopObserver) StateChanged(protocol.Tag, State) {}

type multiObserver []Observer

// MultiObserver notifies every non-nil observer in order.
func MultiObserver(observers ...Observer) Observer {
	out := make(multiObserver, 0, len(observers))
	for _, o := range observers {
		if o != nil {
			out = append(out, o)
		}
	}
	return out
}

func (m multiObserver) CommandQueued(cmd Command) {
	for _, o := range m {
		o.CommandQueued(cmd)
	}
}

func (m multiObserver) CommandSent(cmd Command) {
	for _, o := range m {
		o.CommandSent(cmd)
	}
}

func (m multiObserver) CommandCompleted(res Result) {
	for _, o := range m {
		o.CommandCompleted(res)
	}
}

func (m multiObserver) ChannelIdle(tag protocol.Tag) {
	for _, o := range m {
		o.ChannelIdle(tag)
	}
}

func (m multiObserver) StateChanged(tag protocol.Tag, s State) {
	for _, o := range m {
		o.StateChanged(tag, s)
	}
}

// Options tunes a channel. Zero durations fall back to the package defaults,
// except KeepAliveDelay and ReadTimeout where zero is meaningful.
type Options struct {
	DialTimeout    time.Duration
	KeepAliveDelay time.Duration // zero means probe immediately
	ReadTimeout    time.Duration // zero means block until the peer answers
	ClosePoll      time.Duration
	CloseGrace     time.Duration
	Redial         bool // reconnect lazily when a command finds no connection

	Registry *status.Registry // shared completion flags; private if nil
	Observer Observer
}

// DefaultOptions mirrors the controller's stock timings.
func DefaultOptions() Options {
	return Options{
		DialTimeout:    DefaultDialTimeout,
		KeepAliveDelay: protocol.DefaultKeepAliveDelay,
		ClosePoll:      DefaultClosePoll,
		CloseGrace:     DefaultCloseGrace,
	}
}

func (o Options) withDefaults() Options {
	if o.DialTimeout <= 0 {
		o.DialTimeout = DefaultDialTimeout
	}
	if o.ClosePoll <= 0 {
		o.ClosePoll = DefaultClosePoll
	}
	if o.CloseGrace <= 0 {
		o.CloseGrace = DefaultCloseGrace
	}
	if o.Registry == nil {
		o.Registry = status.NewRegistry(0)
	}
	if o.Observer == nil {
		o.Observer = NopObserver{}
	}
	return o
}

// Stats is a point-in-time view of a channel.
type Stats struct {
	Channel  protocol.Tag `json:"channel"`
	Address  string       `json:"address"`
	State    State        `json:"state"`
	Done     bool         `json:"done"`
	Queued   int          `json:"queued"`
	InFlight bool         `json:"in_flight"`
	Sent     int64        `json:"sent"`
	Failed   int64        `json:"failed"`
	Rejected int64        `json:"rejected"`
}

// Channel is one controller endpoint with its ordered command queue.
type Channel struct {
	tag    protocol.Tag
	addr   string
	sink   sink.Sink
	opts   Options
	reg    *status.Registry
	obs    Observer
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	state atomic.Int32

	connMu sync.Mutex
	conn   *protocol.Conn

	mu       sync.Mutex
	cond     *sync.Cond
	queue    []Command
	busy     bool
	idle     bool // flag already raised for the current empty period
	closing  bool
	stopping bool

	workerDone chan struct{}
	closeOnce  sync.Once
	closeErr   error

	sent     atomic.Int64
	failed   atomic.Int64
	rejected atomic.Int64
}

// New connects to addr and starts the channel's worker. A failed connection
// is reported to snk and leaves the channel in StateFailed; commands queued
// on it are reported as transmit errors unless Redial is set.
func New(ctx context.Context, tag protocol.Tag, addr string, snk sink.Sink, opts Options) *Channel {
	if snk == nil {
		snk = sink.Discard
	}
	opts = opts.withDefaults()
	wctx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	c := &Channel{
		tag:        tag,
		addr:       addr,
		sink:       snk,
		opts:       opts,
		reg:        opts.Registry,
		obs:        opts.Observer,
		logger:     log.WithChannel(tag.String()).With("addr", addr),
		ctx:        wctx,
		cancel:     cancel,
		idle:       true,
		workerDone: make(chan struct{}),
	}
	c.cond = sync.NewCond(&c.mu)
	c.reg.SetDone(tag, true)

	c.setState(StateConnecting)
	if conn, err := c.dial(ctx); err != nil {
		c.setState(StateFailed)
		c.report(&Error{Kind: KindConnection, Channel: tag, Addr: addr, Err: err})
	} else {
		c.conn = conn
		c.setState(StateConnected)
	}

	go c.run()
	return c
}

// Tag returns the channel identity.
func (c *Channel) Tag() protocol.Tag { return c.tag }

// Addr returns the controller endpoint.
func (c *Channel) Addr() string { return c.addr }

// State returns the current lifecycle state.
func (c *Channel) State() State { return State(c.state.Load()) }

// Done reports the channel's completion flag.
func (c *Channel) Done() bool { return c.reg.IsDone(c.tag) }

// Enqueue appends cmd to the queue and wakes the worker. After Close has
// begun the command is refused, reported, and ErrClosed is returned wrapped
// in an Error.
func (c *Channel) Enqueue(cmd Command) error {
	if cmd.QueuedAt.IsZero() {
		cmd.QueuedAt = time.Now()
	}
	cmd.Channel = c.tag

	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		err := &Error{Kind: KindRejected, Channel: c.tag, Addr: c.addr, Command: cmd.Payload, Err: ErrClosed}
		c.report(err)
		return err
	}
	c.queue = append(c.queue, cmd)
	c.idle = false
	c.reg.SetDone(c.tag, false)
	c.obs.CommandQueued(cmd)
	c.cond.Signal()
	c.mu.Unlock()

	c.logger.Debug("command queued", "command_id", cmd.ID, "payload", cmd.Payload)
	return nil
}

// Idle reports whether the queue is empty and nothing is on the wire.
func (c *Channel) Idle() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue) == 0 && !c.busy
}

// Stats returns counters and queue depth.
func (c *Channel) Stats() Stats {
	c.mu.Lock()
	queued, busy := len(c.queue), c.busy
	c.mu.Unlock()
	return Stats{
		Channel:  c.tag,
		Address:  c.addr,
		State:    c.State(),
		Done:     c.Done(),
		Queued:   queued,
		InFlight: busy,
		Sent:     c.sent.Load(),
		Failed:   c.failed.Load(),
		Rejected: c.rejected.Load(),
	}
}

// Close refuses new commands, waits for the queue to drain, allows a grace
// period for the last reply, then stops the worker and closes the
// connection. If ctx ends first, queued commands are dropped and reported
// and the in-flight exchange is cut off. Close is idempotent.
func (c *Channel) Close(ctx context.Context) error {
	c.closeOnce.Do(func() { c.closeErr = c.close(ctx) })
	return c.closeErr
}

func (c *Channel) close(ctx context.Context) error {
	c.mu.Lock()
	c.closing = true
	c.mu.Unlock()
	c.setState(StateClosing)

	forced := c.awaitDrain(ctx)

	c.mu.Lock()
	c.stopping = true
	dropped := c.queue
	c.queue = nil
	c.cond.Broadcast()
	c.mu.Unlock()

	c.cancel()
	teardownErr := c.closeConn()
	<-c.workerDone

	for _, cmd := range dropped {
		c.finish(Result{
			Command:     cmd,
			Outcome:     OutcomeFailed,
			Err:         &Error{Kind: KindTransmit, Channel: c.tag, Addr: c.addr, Command: cmd.Payload, Err: ErrDropped},
			CompletedAt: time.Now(),
		})
	}
	c.reg.SetDone(c.tag, true)

	if teardownErr != nil {
		teardownErr = &Error{Kind: KindTeardown, Channel: c.tag, Addr: c.addr, Err: teardownErr}
		c.report(teardownErr)
	}
	c.setState(StateClosed)
	c.logger.Info("channel closed", "dropped", len(dropped))
	return errors.Join(forced, teardownErr)
}

// awaitDrain polls until the channel is idle, then sleeps the grace period.
func (c *Channel) awaitDrain(ctx context.Context) error {
	ticker := time.NewTicker(c.opts.ClosePoll)
	defer ticker.Stop()
	for !c.Idle() {
		select {
		case <-ctx.Done():
			return fmt.Errorf("close %s: %w", c.tag, ctx.Err())
		case <-ticker.C:
		}
	}

	grace := time.NewTimer(c.opts.CloseGrace)
	defer grace.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("close %s: %w", c.tag, ctx.Err())
	case <-grace.C:
		return nil
	}
}

func (c *Channel) run() {
	defer close(c.workerDone)
	for {
		cmd, ok := c.next()
		if !ok {
			return
		}
		c.transmit(cmd)
	}
}

// next blocks until a command is available or the worker is stopped. Reaching
// an empty queue raises the completion flag once for that empty period.
func (c *Channel) next() (Command, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.busy = false
	for {
		if c.stopping {
			return Command{}, false
		}
		if len(c.queue) > 0 {
			break
		}
		if !c.idle {
			c.idle = true
			c.reg.SetDone(c.tag, true)
			c.obs.ChannelIdle(c.tag)
			c.logger.Debug("channel drained")
		}
		c.cond.Wait()
	}
	cmd := c.queue[0]
	c.queue[0] = Command{}
	c.queue = c.queue[1:]
	c.busy = true
	return cmd, true
}

func (c *Channel) transmit(cmd Command) {
	logger := c.logger.With("command_id", cmd.ID)
	res := Result{Command: cmd, StartedAt: time.Now()}
	c.obs.CommandSent(cmd)

	conn, err := c.connection()
	if err != nil {
		res.Outcome = OutcomeFailed
		res.Err = &Error{Kind: KindTransmit, Channel: c.tag, Addr: c.addr, Command: cmd.Payload, Err: err}
		res.CompletedAt = time.Now()
		c.finish(res)
		return
	}

	logger.Info("sending", "payload", cmd.Payload)
	ex, err := conn.Exchange(c.ctx, cmd.Payload)
	res.Reply, res.Probes, res.CompletedAt = ex.Reply, ex.Probes, time.Now()

	switch {
	case err != nil:
		res.Outcome = OutcomeFailed
		res.Err = &Error{Kind: KindTransmit, Channel: c.tag, Addr: c.addr, Command: cmd.Payload, Err: err}
		if c.opts.Redial {
			c.dropConn(conn)
		}
	case ex.Failed():
		res.Outcome = OutcomeRejected
		res.Err = &Error{Kind: KindProtocol, Channel: c.tag, Addr: c.addr, Command: cmd.Payload, Reply: ex.Reply}
	default:
		res.Outcome = OutcomeSucceeded
	}
	logger.Info("response", "reply", ex.Reply, "probes", ex.Probes, "outcome", string(res.Outcome))
	c.finish(res)
}

// finish counts, reports and publishes a terminal result.
func (c *Channel) finish(res Result) {
	switch res.Outcome {
	case OutcomeSucceeded:
		c.sent.Add(1)
	case OutcomeRejected:
		c.rejected.Add(1)
	default:
		c.failed.Add(1)
	}
	if res.Err != nil {
		c.report(res.Err)
	}
	c.obs.CommandCompleted(res)
}

func (c *Channel) report(err error) {
	c.logger.Warn("channel error", "error", err)
	c.sink.Report(err.Error())
}

// setState moves to s. Once closing has begun the state only moves forward.
func (c *Channel) setState(s State) {
	for {
		cur := State(c.state.Load())
		if cur == s || (cur >= StateClosing && s < cur) {
			return
		}
		if c.state.CompareAndSwap(int32(cur), int32(s)) {
			c.logger.Debug("state changed", "from", cur.String(), "to", s.String())
			c.obs.StateChanged(c.tag, s)
			return
		}
	}
}

func (c *Channel) dial(ctx context.Context) (*protocol.Conn, error) {
	dctx, cancel := context.WithTimeout(ctx, c.opts.DialTimeout)
	defer cancel()
	return protocol.Dial(dctx, c.addr,
		protocol.WithKeepAliveDelay(c.opts.KeepAliveDelay),
		protocol.WithReadTimeout(c.opts.ReadTimeout),
	)
}

// connection returns the live connection, dialing again when Redial is set.
func (c *Channel) connection() (*protocol.Conn, error) {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn != nil {
		return c.conn, nil
	}
	if !c.opts.Redial || c.ctx.Err() != nil {
		return nil, ErrNotConnected
	}

	c.setState(StateConnecting)
	conn, err := c.dial(c.ctx)
	if err != nil {
		c.setState(StateFailed)
		return nil, fmt.Errorf("redial %s: %w", c.addr, err)
	}
	c.conn = conn
	c.setState(StateConnected)
	c.logger.Info("reconnected")
	return conn, nil
}

// dropConn discards conn after a transport failure so the next command redials.
func (c *Channel) dropConn(conn *protocol.Conn) {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn != conn {
		return
	}
	_ = conn.Close()
	c.conn = nil
	c.setState(StateFailed)
}

func (c *Channel) closeConn() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}
