package protocol

import (
	"bufio"
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"
)

// scriptedPeer answers the first command line with the given replies. Every
// reply except the last must be answered by the client before the next is sent.
func scriptedPeer(t *testing.T, server net.Conn, replies []string) <-chan []string {
	t.Helper()
	seen := make(chan []string, 1)
	go func() {
		defer server.Close()
		br := bufio.NewReader(server)
		var lines []string
		line, err := br.ReadString('\n')
		if err != nil {
			seen <- lines
			return
		}
		lines = append(lines, line)
		for i, reply := range replies {
			if _, err := server.Write([]byte(reply + "\n")); err != nil {
				break
			}
			if i == len(replies)-1 {
				break
			}
			line, err := br.ReadString('\n')
			if err != nil {
				break
			}
			lines = append(lines, line)
		}
		seen <- lines
	}()
	return seen
}

func TestExchange_KeepAliveProbes(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	delay := 20 * time.Millisecond
	conn := NewConn(client, WithKeepAliveDelay(delay))
	seen := scriptedPeer(t, server, []string{"OK", "OK", "done"})

	start := time.Now()
	ex, err := conn.Exchange(context.Background(), "move forward\n")
	if err != nil {
		t.Fatalf("Exchange() error = %v", err)
	}
	elapsed := time.Since(start)

	if ex.Reply != "done" {
		t.Errorf("Reply = %q, want %q", ex.Reply, "done")
	}
	if ex.Probes != 2 {
		t.Errorf("Probes = %d, want 2", ex.Probes)
	}
	if elapsed < 2*delay {
		t.Errorf("handshake took %v, want at least %v", elapsed, 2*delay)
	}

	lines := <-seen
	want := []string{"move forward\n", "events\n", "events\n"}
	if strings.Join(lines, "|") != strings.Join(want, "|") {
		t.Errorf("peer saw %q, want %q", lines, want)
	}
}

func TestExchange_ImmediateTerminalReply(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	conn := NewConn(client, WithKeepAliveDelay(0))
	seen := scriptedPeer(t, server, []string{"error: gripper jam"})

	ex, err := conn.Exchange(context.Background(), "gripper open")
	if err != nil {
		t.Fatalf("Exchange() error = %v", err)
	}
	if !ex.Failed() {
		t.Errorf("Failed() = false for reply %q", ex.Reply)
	}
	if ex.Probes != 0 {
		t.Errorf("Probes = %d, want 0", ex.Probes)
	}
	if lines := <-seen; len(lines) != 1 || lines[0] != "gripper open\n" {
		t.Errorf("peer saw %q", lines)
	}
}

func TestExchange_OKIsExactMatch(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	conn := NewConn(client, WithKeepAliveDelay(0))
	scriptedPeer(t, server, []string{"OK then"})

	ex, err := conn.Exchange(context.Background(), "speak \"hi\"")
	if err != nil {
		t.Fatalf("Exchange() error = %v", err)
	}
	if ex.Reply != "OK then" || ex.Probes != 0 {
		t.Errorf("got %+v, want terminal reply %q without probes", ex, "OK then")
	}
}

func TestExchange_PeerClosed(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	go func() {
		br := bufio.NewReader(server)
		_, _ = br.ReadString('\n')
		server.Close()
	}()

	conn := NewConn(client)
	if _, err := conn.Exchange(context.Background(), "stop"); err == nil {
		t.Fatal("expected error when peer closes without a reply")
	}
}

func TestExchange_ReadTimeout(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		br := bufio.NewReader(server)
		_, _ = br.ReadString('\n')
	}()

	conn := NewConn(client, WithReadTimeout(30*time.Millisecond))
	_, err := conn.Exchange(context.Background(), "stop")
	if err == nil {
		t.Fatal("expected timeout error")
	}
	var ne net.Error
	if !errors.As(err, &ne) || !ne.Timeout() {
		t.Errorf("error = %v, want a timeout", err)
	}
}

func TestRequest(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	seen := scriptedPeer(t, server, []string{"10.0.0.7"})
	conn := NewConn(client)

	reply, err := conn.Request("GET er1\n")
	if err != nil {
		t.Fatalf("Request() error = %v", err)
	}
	if reply != "10.0.0.7" {
		t.Errorf("reply = %q", reply)
	}
	if lines := <-seen; len(lines) != 1 || lines[0] != "GET er1\n" {
		t.Errorf("peer saw %q", lines)
	}
}
