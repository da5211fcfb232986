package protocol

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"
)

// DefaultKeepAliveDelay is the pause between an OK keep-alive and the probe that answers it.
const DefaultKeepAliveDelay = 500 * time.Millisecond

// Conn is a line-oriented connection to one controller channel.
type Conn struct {
	mu             sync.Mutex
	c              net.Conn
	br             *bufio.Reader
	bw             *bufio.Writer
	keepAliveDelay time.Duration
	readTimeout    time.Duration
}

// ConnOption configures a Conn.
type ConnOption func(*Conn)

// WithKeepAliveDelay sets the wait between receiving OK and sending the events probe.
func WithKeepAliveDelay(d time.Duration) ConnOption {
	return func(c *Conn) {
		if d >= 0 {
			c.keepAliveDelay = d
		}
	}
}

// WithReadTimeout bounds each line read. Zero means block until the peer answers.
func WithReadTimeout(d time.Duration) ConnOption {
	return func(c *Conn) {
		if d >= 0 {
			c.readTimeout = d
		}
	}
}

// NewConn wraps an established net.Conn.
func NewConn(nc net.Conn, opts ...ConnOption) *Conn {
	c := &Conn{
		c:              nc,
		br:             bufio.NewReader(nc),
		bw:             bufio.NewWriter(nc),
		keepAliveDelay: DefaultKeepAliveDelay,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Dial opens a TCP connection to address and wraps it.
func Dial(ctx context.Context, address string, opts ...ConnOption) (*Conn, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	return NewConn(nc, opts...), nil
}

// WriteLine writes line followed by a single newline. Any line terminator the
// caller already supplied is folded into that newline.
func (c *Conn) WriteLine(line string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writeLineLocked(line)
}

func (c *Conn) writeLineLocked(line string) error {
	line = strings.TrimRight(line, "\r\n")
	if _, err := c.bw.WriteString(line); err != nil {
		return err
	}
	if err := c.bw.WriteByte('\n'); err != nil {
		return err
	}
	return c.bw.Flush()
}

// ReadLine reads one line with its terminator stripped.
func (c *Conn) ReadLine() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readLineLocked()
}

func (c *Conn) readLineLocked() (string, error) {
	if c.readTimeout > 0 {
		if err := c.c.SetReadDeadline(time.Now().Add(c.readTimeout)); err != nil {
			return "", err
		}
	}
	line, err := c.br.ReadString('\n')
	if err != nil {
		// A final unterminated line still counts when the peer closes after it.
		if errors.Is(err, io.EOF) && line != "" {
			return strings.TrimRight(line, "\r\n"), nil
		}
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// Exchange is the outcome of one command handshake.
type Exchange struct {
	Reply  string // first non keep-alive line
	Probes int    // events probes sent while waiting
}

// Failed reports whether the terminal reply denotes a controller-side error.
func (e Exchange) Failed() bool {
	return IsErrorReply(e.Reply)
}

// Exchange transmits command and runs the acknowledgment handshake: every
// exact "OK" reply is answered, after the keep-alive delay, with an "events"
// probe; the first other line is returned as the terminal reply.
//
// ctx only interrupts the keep-alive delay. Once written, a command is never
// abandoned by the client.
func (c *Conn) Exchange(ctx context.Context, command string) (Exchange, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var ex Exchange
	if err := c.writeLineLocked(command); err != nil {
		return ex, fmt.Errorf("write command: %w", err)
	}

	for {
		line, err := c.readLineLocked()
		if err != nil {
			return ex, fmt.Errorf("read reply: %w", err)
		}
		if line != KeepAlive {
			ex.Reply = line
			return ex, nil
		}

		if err := sleepCtx(ctx, c.keepAliveDelay); err != nil {
			return ex, fmt.Errorf("keep-alive wait: %w", err)
		}
		if err := c.writeLineLocked(Probe); err != nil {
			return ex, fmt.Errorf("write probe: %w", err)
		}
		ex.Probes++
	}
}

// Request writes one line and returns the next line read. It is the
// single-shot form used by registry lookups.
func (c *Conn) Request(line string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.writeLineLocked(line); err != nil {
		return "", fmt.Errorf("write request: %w", err)
	}
	reply, err := c.readLineLocked()
	if err != nil {
		return "", fmt.Errorf("read reply: %w", err)
	}
	return reply, nil
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() net.Addr { return c.c.RemoteAddr() }

// Close closes the connection. It does not wait for an in-progress
// Exchange, so a blocked read is released with an error.
func (c *Conn) Close() error {
	return c.c.Close()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
