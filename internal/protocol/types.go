package protocol

import (
	"fmt"
	"strings"
)

// Tag identifies one of the controller's command channels.
type Tag int

const (
	Move Tag = iota
	Speak
	Gripper
	Camera
)

// Tags lists every channel in close order.
var Tags = [...]Tag{Move, Speak, Gripper, Camera}

// Wire-level literals shared by every channel.
const (
	KeepAlive   = "OK"     // peer acknowledgment that needs a probe
	Probe       = "events" // client re-poll sent after each keep-alive
	ErrorMarker = "error"  // substring marking a failed terminal reply

	PrefixLen    = 3
	SeparatorLen = 1
)

type tagInfo struct {
	name   string
	prefix string
	port   int
}

var tagTable = [...]tagInfo{
	Move:    {name: "Move", prefix: "ER1", port: 9010},
	Speak:   {name: "Speak", prefix: "SPK", port: 9011},
	Gripper: {name: "Gripper", prefix: "GRP", port: 9012},
	Camera:  {name: "Camera", prefix: "CAM", port: 9013},
}

// Valid reports whether t is one of the four known channels.
func (t Tag) Valid() bool {
	return t >= Move && t <= Camera
}

func (t Tag) String() string {
	if !t.Valid() {
		return fmt.Sprintf("Tag(%d)", int(t))
	}
	return tagTable[t].name
}

// Prefix returns the 3-character routing key for t.
func (t Tag) Prefix() string {
	if !t.Valid() {
		return ""
	}
	return tagTable[t].prefix
}

// DefaultPort returns the controller port the channel listens on.
func (t Tag) DefaultPort() int {
	if !t.Valid() {
		return 0
	}
	return tagTable[t].port
}

// MarshalText encodes the tag as its lower-case name.
func (t Tag) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("invalid channel tag %d", int(t))
	}
	return []byte(strings.ToLower(t.String())), nil
}

// UnmarshalText accepts a channel name or routing prefix.
func (t *Tag) UnmarshalText(b []byte) error {
	parsed, err := ParseTag(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// ParseTag resolves a channel by name ("move", "Speak") or by prefix ("ER1").
func ParseTag(s string) (Tag, error) {
	s = strings.TrimSpace(s)
	for _, tag := range Tags {
		if strings.EqualFold(s, tag.String()) || s == tag.Prefix() {
			return tag, nil
		}
	}
	return 0, fmt.Errorf("unknown channel %q", s)
}

// TagForPrefix looks up the channel routed by prefix. Matching is exact.
func TagForPrefix(prefix string) (Tag, bool) {
	for _, tag := range Tags {
		if tag.Prefix() == prefix {
			return tag, true
		}
	}
	return 0, false
}

// IsErrorReply reports whether a terminal reply denotes a controller-side failure.
func IsErrorReply(reply string) bool {
	return strings.Contains(reply, ErrorMarker)
}
