// Package simulator runs a scripted stand-in for the robot controller: one
// line-protocol listener per channel that answers each command with a
// configurable number of OK keep-alives followed by a terminal reply.
package simulator

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mattjoyce/bcibot/internal/log"
	"github.com/mattjoyce/bcibot/internal/protocol"
)

// Script is how the controller answers one command.
type Script struct {
	KeepAlives int           // OK lines sent, each waiting for an events probe
	Reply      string        // terminal reply
	Delay      time.Duration // pause before the first line
	Hang       bool          // never answer
	Drop       bool          // close the connection instead of answering
}

// Responder picks the script for a command received on a channel.
type Responder func(tag protocol.Tag, command string) Script

// DefaultResponder acknowledges movement with one keep-alive, everything else
// immediately, and rejects empty commands.
func DefaultResponder(tag protocol.Tag, command string) Script {
	if strings.TrimSpace(command) == "" {
		return Script{Reply: "error: empty command"}
	}
	if tag == protocol.Move {
		return Script{KeepAlives: 1, Reply: "done"}
	}
	return Script{Reply: "done"}
}

// Reply answers every command with text and no keep-alives.
func Reply(text string) Responder {
	return func(protocol.Tag, string) Script { return Script{Reply: text} }
}

// Server is the simulated controller.
type Server struct {
	responder Responder
	logger    *slog.Logger

	mu        sync.Mutex
	listeners map[protocol.Tag]net.Listener
	conns     map[net.Conn]struct{}
	received  map[protocol.Tag][]string
	probes    map[protocol.Tag]int
	closed    bool

	wg sync.WaitGroup
}

// New returns a server that answers with responder (DefaultResponder if nil).
func New(responder Responder) *Server {
	if responder == nil {
		responder = DefaultResponder
	}
	return &Server{
		responder: responder,
		logger:    log.WithComponent("simulator"),
		listeners: make(map[protocol.Tag]net.Listener),
		conns:     make(map[net.Conn]struct{}),
		received:  make(map[protocol.Tag][]string),
		probes:    make(map[protocol.Tag]int),
	}
}

// Listen opens one listener per channel on host. A port of 0 (or a channel
// missing from ports) picks an ephemeral port; use Port to find it.
func (s *Server) Listen(host string, ports map[protocol.Tag]int) error {
	for _, tag := range protocol.Tags {
		addr := net.JoinHostPort(host, strconv.Itoa(ports[tag]))
		l, err := net.Listen("tcp", addr)
		if err != nil {
			_ = s.Close()
			return fmt.Errorf("listen %s on %s: %w", tag, addr, err)
		}
		s.mu.Lock()
		s.listeners[tag] = l
		s.mu.Unlock()

		s.wg.Add(1)
		go s.serve(tag, l)
		s.logger.Info("channel listening", "channel", tag.String(), "addr", l.Addr().String())
	}
	return nil
}

// Port returns the bound port for tag, or 0 if it is not listening.
func (s *Server) Port(tag protocol.Tag) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.listeners[tag]
	if !ok {
		return 0
	}
	return l.Addr().(*net.TCPAddr).Port
}

// Ports returns every bound port keyed by channel.
func (s *Server) Ports() map[protocol.Tag]int {
	out := make(map[protocol.Tag]int, len(protocol.Tags))
	for _, tag := range protocol.Tags {
		out[tag] = s.Port(tag)
	}
	return out
}

// Received returns the commands seen on tag, in arrival order. Probes are not included.
func (s *Server) Received(tag protocol.Tag) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.received[tag]))
	copy(out, s.received[tag])
	return out
}

// Probes returns how many events probes arrived on tag.
func (s *Server) Probes(tag protocol.Tag) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.probes[tag]
}

// StopChannel closes the listener and live connections of one channel so
// that further I/O on it fails.
func (s *Server) StopChannel(tag protocol.Tag) {
	s.mu.Lock()
	l := s.listeners[tag]
	delete(s.listeners, tag)
	s.mu.Unlock()
	if l != nil {
		_ = l.Close()
	}
}

// Close stops every listener and connection and waits for handlers to exit.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	var errs []error
	for _, l := range s.listeners {
		if err := l.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}
	for c := range s.conns {
		_ = c.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	return errors.Join(errs...)
}

func (s *Server) serve(tag protocol.Tag, l net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handle(tag, conn)
	}
}

func (s *Server) handle(tag protocol.Tag, conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		_ = conn.Close()
	}()

	br := bufio.NewReader(conn)
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")
		if line == protocol.Probe {
			// Probe with nothing pending; count it and stay quiet.
			s.countProbe(tag)
			continue
		}

		s.mu.Lock()
		s.received[tag] = append(s.received[tag], line)
		s.mu.Unlock()

		script := s.responder(tag, line)
		if script.Delay > 0 {
			time.Sleep(script.Delay)
		}
		if script.Drop {
			return
		}
		if script.Hang {
			continue
		}

		for i := 0; i < script.KeepAlives; i++ {
			if _, err := conn.Write([]byte(protocol.KeepAlive + "\n")); err != nil {
				return
			}
			probe, err := br.ReadString('\n')
			if err != nil {
				return
			}
			if strings.TrimRight(probe, "\r\n") == protocol.Probe {
				s.countProbe(tag)
			} else {
				s.logger.Warn("expected events probe", "channel", tag.String(), "got", probe)
			}
		}

		if _, err := conn.Write([]byte(script.Reply + "\n")); err != nil {
			return
		}
	}
}

func (s *Server) countProbe(tag protocol.Tag) {
	s.mu.Lock()
	s.probes[tag]++
	s.mu.Unlock()
}
