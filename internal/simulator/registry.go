package simulator

import (
	"bufio"
	"net"
	"strings"
	"sync"

	"github.com/mattjoyce/bcibot/internal/protocol"
)

// Registry answers robot address lookups. "GET <name>" is answered with the
// registered address or "error: unknown robot <name>"; "SET <name> <addr>"
// registers an address and is answered with "OK".
type Registry struct {
	mu      sync.Mutex
	entries map[string]string
	l       net.Listener
	wg      sync.WaitGroup
}

// NewRegistry returns a registry holding entries (name -> address).
func NewRegistry(entries map[string]string) *Registry {
	r := &Registry{entries: make(map[string]string, len(entries))}
	for k, v := range entries {
		r.entries[strings.ToLower(k)] = v
	}
	return r
}

// Set registers or replaces one entry.
func (r *Registry) Set(name, addr string) {
	r.mu.Lock()
	r.entries[strings.ToLower(name)] = addr
	r.mu.Unlock()
}

// Listen starts serving on addr ("127.0.0.1:0" for an ephemeral port).
func (r *Registry) Listen(addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	r.l = l
	r.wg.Add(1)
	go r.serve()
	return nil
}

// Addr returns the bound listener address.
func (r *Registry) Addr() string {
	if r.l == nil {
		return ""
	}
	return r.l.Addr().String()
}

// Close stops the listener and waits for open lookups to finish.
func (r *Registry) Close() error {
	if r.l == nil {
		return nil
	}
	err := r.l.Close()
	r.wg.Wait()
	return err
}

func (r *Registry) serve() {
	defer r.wg.Done()
	for {
		conn, err := r.l.Accept()
		if err != nil {
			return
		}
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			defer conn.Close()
			line, err := bufio.NewReader(conn).ReadString('\n')
			if err != nil && line == "" {
				return
			}
			_, _ = conn.Write([]byte(r.answer(line) + "\n"))
		}()
	}
}

func (r *Registry) answer(line string) string {
	fields := strings.Fields(line)
	switch {
	case len(fields) == 2 && fields[0] == "GET":
		name := strings.ToLower(fields[1])
		r.mu.Lock()
		addr, ok := r.entries[name]
		r.mu.Unlock()
		if !ok {
			return "error: unknown robot " + name
		}
		return addr
	case len(fields) == 3 && fields[0] == "SET":
		r.Set(fields[1], fields[2])
		return protocol.KeepAlive
	default:
		return "error: bad request"
	}
}
