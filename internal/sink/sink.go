// Package sink provides the one-way textual error output shared by every
// channel and the dispatcher.
package sink

import (
	"log/slog"
	"sync"
)

//go:generate mockgen -destination=mocks/mock_sink.go -package=mocks github.com/mattjoyce/bcibot/internal/sink Sink

// Sink receives diagnostic text. Implementations must be safe for concurrent
// use and must not block for long: reports come from channel workers.
type Sink interface {
	Report(text string)
}

// Func adapts a function to a Sink.
type Func func(text string)

func (f Func) Report(text string) { f(text) }

// Discard drops every report.
var Discard Sink = Func(func(string) {})

// LogSink writes each report as an error record on a slog.Logger.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink returns a sink that logs to logger.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Report(text string) {
	s.logger.Error(text)
}

type tee []Sink

func (t tee) Report(text string) {
	for _, s := range t {
		s.Report(text)
	}
}

// Tee fans a report out to every non-nil sink in order.
func Tee(sinks ...Sink) Sink {
	out := make(tee, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

// Recorder keeps every report in memory.
type Recorder struct {
	mu      sync.Mutex
	reports []string
}

func (r *Recorder) Report(text string) {
	r.mu.Lock()
	r.reports = append(r.reports, text)
	r.mu.Unlock()
}

// Reports returns a copy of what has been reported so far.
func (r *Recorder) Reports() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.reports))
	copy(out, r.reports)
	return out
}

// Len returns the number of reports.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.reports)
}
