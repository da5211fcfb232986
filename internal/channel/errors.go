package channel

import (
	"errors"
	"fmt"

	"github.com/mattjoyce/bcibot/internal/protocol"
)

// Kind classifies a channel failure.
type Kind int

const (
	KindConnection Kind = iota // endpoint could not be reached
	KindTransmit               // I/O failed mid-command
	KindProtocol               // controller answered with an error reply
	KindTeardown               // closing the connection failed
	KindRejected               // command refused because the channel is closing
)

func (k Kind) String() string {
	switch k {
	case KindConnection:
		return "connection error"
	case KindTransmit:
		return "transmit error"
	case KindProtocol:
		return "protocol error"
	case KindTeardown:
		return "teardown error"
	case KindRejected:
		return "rejected"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

var (
	// ErrClosed is returned for commands enqueued after Close has begun.
	ErrClosed = errors.New("channel is closed")
	// ErrNotConnected is reported when a command is dequeued without a live connection.
	ErrNotConnected = errors.New("not connected")
	// ErrDropped marks queued commands discarded by a forced close.
	ErrDropped = errors.New("dropped before transmission")
)

// Error is a failure attributed to one channel. Its text is what the error
// sink receives, so it always names the channel.
type Error struct {
	Kind    Kind
	Channel protocol.Tag
	Addr    string
	Command string
	Reply   string
	Err     error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindProtocol:
		return fmt.Sprintf("%s %s: %s", e.Channel, e.Kind, e.Reply)
	case KindConnection:
		return fmt.Sprintf("%s %s: connection on %s failed: %v", e.Channel, e.Kind, e.Addr, e.Err)
	case KindRejected:
		return fmt.Sprintf("%s %s: %q: %v", e.Channel, e.Kind, e.Command, e.Err)
	default:
		return fmt.Sprintf("%s %s: %v", e.Channel, e.Kind, e.Err)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// IsKind reports whether err is a channel Error of kind k.
func IsKind(err error, k Kind) bool {
	var ce *Error
	return errors.As(err, &ce) && ce.Kind == k
}
