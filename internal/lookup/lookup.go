// Package lookup resolves a robot's address by name from the lab registry.
package lookup

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattjoyce/bcibot/internal/log"
	"github.com/mattjoyce/bcibot/internal/protocol"
)

// DefaultTimeout bounds a lookup when the caller's context has no deadline.
const DefaultTimeout = 5 * time.Second

// ErrNotRegistered is returned when the registry answers with an error reply.
var ErrNotRegistered = errors.New("robot not registered")

// Resolve asks the registry at addr for the address registered under name.
// The exchange is one request line and one reply line on a fresh connection.
func Resolve(ctx context.Context, addr, name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" || strings.ContainsAny(name, " \r\n") {
		return "", fmt.Errorf("invalid robot name %q", name)
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultTimeout)
		defer cancel()
	}

	logger := log.WithComponent("lookup").With("registry", addr, "name", name)
	conn, err := protocol.Dial(ctx, addr, protocol.WithReadTimeout(remaining(ctx)))
	if err != nil {
		return "", fmt.Errorf("connect to registry: %w", err)
	}
	defer conn.Close()

	reply, err := conn.Request("GET " + name)
	if err != nil {
		return "", fmt.Errorf("lookup %s: %w", name, err)
	}
	reply = strings.TrimSpace(reply)
	if protocol.IsErrorReply(reply) {
		logger.Warn("registry refused lookup", "reply", reply)
		return "", fmt.Errorf("%w: %s: %s", ErrNotRegistered, name, reply)
	}
	logger.Info("robot resolved", "address", reply)
	return reply, nil
}

func remaining(ctx context.Context) time.Duration {
	deadline, ok := ctx.Deadline()
	if !ok {
		return DefaultTimeout
	}
	if d := time.Until(deadline); d > 0 {
		return d
	}
	return time.Millisecond
}
