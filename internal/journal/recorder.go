package journal

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mattjoyce/bcibot/internal/channel"
	"github.com/mattjoyce/bcibot/internal/log"
)

const (
	defaultRecorderBuffer = 256
	writeTimeout          = 5 * time.Second
)

// Recorder is a channel.Observer that journals completed commands from a
// background writer, so channel workers never wait on the database.
type Recorder struct {
	channel.NopObserver

	journal *Journal
	logger  *slog.Logger

	mu      sync.Mutex
	results chan channel.Result
	closed  bool

	dropped atomic.Int64
}

// NewRecorder returns a recorder writing to j. Call Run to start writing.
func NewRecorder(j *Journal, buffer int) *Recorder {
	if buffer <= 0 {
		buffer = defaultRecorderBuffer
	}
	return &Recorder{
		journal: j,
		logger:  log.WithComponent("journal"),
		results: make(chan channel.Result, buffer),
	}
}

// CommandCompleted queues res for writing. If the buffer is full the result
// is counted as dropped rather than blocking the channel.
func (r *Recorder) CommandCompleted(res channel.Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		r.dropped.Add(1)
		return
	}
	select {
	case r.results <- res:
	default:
		r.dropped.Add(1)
	}
}

// Dropped returns how many results were never written.
func (r *Recorder) Dropped() int64 { return r.dropped.Load() }

// Run writes queued results until Close is called and the buffer is empty,
// or until ctx ends, in which case whatever is already buffered is flushed.
func (r *Recorder) Run(ctx context.Context) error {
	for {
		select {
		case res, ok := <-r.results:
			if !ok {
				return nil
			}
			r.write(ctx, res)
		case <-ctx.Done():
			r.flush(context.WithoutCancel(ctx))
			return nil
		}
	}
}

// Close stops accepting results. Run returns once the backlog is written.
func (r *Recorder) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	close(r.results)
}

func (r *Recorder) flush(ctx context.Context) {
	for {
		select {
		case res, ok := <-r.results:
			if !ok {
				return
			}
			r.write(ctx, res)
		default:
			return
		}
	}
}

func (r *Recorder) write(ctx context.Context, res channel.Result) {
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := r.journal.Record(wctx, EntryFromResult(res)); err != nil {
		r.logger.Error("failed to journal command", "command_id", res.Command.ID, "error", err)
	}
}
