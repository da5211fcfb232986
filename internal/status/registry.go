// Package status holds the per-channel completion flags that callers poll to
// learn when the robot has finished what it was told to do.
package status

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/mattjoyce/bcibot/internal/protocol"
)

// DefaultPollInterval matches the cadence callers have always used to wait for completion.
const DefaultPollInterval = 250 * time.Millisecond

// Registry is the set of four completion flags. All flags start true (idle).
// Writes are atomic so readers on other goroutines observe them promptly.
type Registry struct {
	flags [len(protocol.Tags)]atomic.Bool
	poll  time.Duration
}

// NewRegistry returns a registry with every channel idle. A non-positive poll
// interval selects DefaultPollInterval.
func NewRegistry(poll time.Duration) *Registry {
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	r := &Registry{poll: poll}
	for i := range r.flags {
		r.flags[i].Store(true)
	}
	return r
}

// IsDone reports whether tag has no queued or in-flight command.
func (r *Registry) IsDone(tag protocol.Tag) bool {
	if !tag.Valid() {
		return false
	}
	return r.flags[tag].Load()
}

// SetDone publishes the completion flag for tag. It returns the previous value.
func (r *Registry) SetDone(tag protocol.Tag, done bool) bool {
	if !tag.Valid() {
		return false
	}
	return r.flags[tag].Swap(done)
}

// Snapshot reads every flag once. The reads are individually atomic but not
// taken as a single joint read.
func (r *Registry) Snapshot() map[protocol.Tag]bool {
	out := make(map[protocol.Tag]bool, len(protocol.Tags))
	for _, tag := range protocol.Tags {
		out[tag] = r.flags[tag].Load()
	}
	return out
}

// AllDone reports whether all four flags are true at the moment of the call.
func (r *Registry) AllDone() bool {
	for _, tag := range protocol.Tags {
		if !r.flags[tag].Load() {
			return false
		}
	}
	return true
}

// Holds reports whether target is currently satisfied.
func (r *Registry) Holds(target Target) bool {
	if target.all {
		return r.AllDone()
	}
	return r.IsDone(target.tag)
}

// WaitFor polls until target holds. With a context that never ends it waits
// forever, so a hung controller stalls the caller; give ctx a deadline to
// bound the wait.
func (r *Registry) WaitFor(ctx context.Context, target Target) error {
	ticker := time.NewTicker(r.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("wait for %s: %w", target, ctx.Err())
		case <-ticker.C:
			if r.Holds(target) {
				return nil
			}
		}
	}
}

// Target is what WaitFor waits on: one channel or all of them.
type Target struct {
	all bool
	tag protocol.Tag
}

// All waits for every channel to be idle.
var All = Target{all: true}

// For waits on a single channel.
func For(tag protocol.Tag) Target {
	return Target{tag: tag}
}

// IsAll reports whether the target covers every channel.
func (t Target) IsAll() bool { return t.all }

// Tag returns the single channel targeted. It is meaningless when IsAll is true.
func (t Target) Tag() protocol.Tag { return t.tag }

func (t Target) String() string {
	if t.all {
		return "all done"
	}
	return strings.ToLower(t.tag.String()) + " done"
}

// ParseTarget accepts "all", a channel name or prefix, and the
// "<channel> done" / "all done" forms.
func ParseTarget(s string) (Target, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.TrimSpace(strings.TrimSuffix(s, "done"))
	if s == "all" {
		return All, nil
	}
	tag, err := protocol.ParseTag(strings.ToUpper(s))
	if err != nil {
		return Target{}, fmt.Errorf("invalid wait target %q", s)
	}
	return For(tag), nil
}
