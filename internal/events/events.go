// Package events carries structured match/merge/conflict events out of the
// merge engine. Components emit events instead of printing; the CLI routes
// them to slog and tests assert against a Recorder.
package events

import (
	"context"
	"log/slog"
	"sync"
)

// Kind names the type of event
type Kind string

const (
	KindMatch         Kind = "match"
	KindNoMatch       Kind = "no_match"
	KindMerge         Kind = "merge"
	KindConflict      Kind = "conflict"
	KindUpsert        Kind = "upsert"
	KindRecordError   Kind = "record_error"
	KindConfigWarning Kind = "config_warning"
	KindRunStarted    Kind = "run_started"
	KindRunComplete   Kind = "run_complete"
	KindImportError   Kind = "import_error"
	KindImported      Kind = "imported"
)

// Event is one structured occurrence inside a merge pass
type Event struct {
	Kind    Kind
	Address string
	Source  string
	Method  string
	Field   string
	Attrs   map[string]any
	Err     error
}

// Sink receives events. Implementations must be safe for concurrent use.
type Sink interface {
	Emit(Event)
}

// Discard drops every event
var Discard Sink = discard{}

type discard struct{}

func (discard) Emit(Event) {}

// SlogSink writes events to a slog logger. Errors log at warn, run
// boundaries at info, everything else at debug.
type SlogSink struct {
	Logger *slog.Logger
}

// NewSlogSink creates a sink over logger (slog.Default when nil)
func NewSlogSink(logger *slog.Logger) *SlogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogSink{Logger: logger}
}

// Emit logs the event
func (s *SlogSink) Emit(e Event) {
	level := slog.LevelDebug
	switch e.Kind {
	case KindRecordError, KindConfigWarning, KindImportError:
		level = slog.LevelWarn
	case KindRunStarted, KindRunComplete, KindImported:
		level = slog.LevelInfo
	}

	attrs := make([]slog.Attr, 0, 6+len(e.Attrs))
	attrs = append(attrs, slog.String("event", string(e.Kind)))
	if e.Address != "" {
		attrs = append(attrs, slog.String("address", e.Address))
	}
	if e.Source != "" {
		attrs = append(attrs, slog.String("source", e.Source))
	}
	if e.Method != "" {
		attrs = append(attrs, slog.String("method", e.Method))
	}
	if e.Field != "" {
		attrs = append(attrs, slog.String("field", e.Field))
	}
	if e.Err != nil {
		attrs = append(attrs, slog.String("error", e.Err.Error()))
	}
	for k, v := range e.Attrs {
		attrs = append(attrs, slog.Any(k, v))
	}
	s.Logger.LogAttrs(context.Background(), level, string(e.Kind), attrs...)
}

// Recorder keeps every event in memory
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// NewRecorder creates an empty recorder
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Emit stores the event
func (r *Recorder) Emit(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

// Events returns a copy of all recorded events
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfKind returns recorded events of kind k
func (r *Recorder) OfKind(k Kind) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Kind == k {
			out = append(out, e)
		}
	}
	return out
}

// Reset clears the recorder
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}

type multi []Sink

func (m multi) Emit(e Event) {
	for _, s := range m {
		s.Emit(e)
	}
}

// Multi fans events out to several sinks
func Multi(sinks ...Sink) Sink {
	var out multi
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

// OrDiscard returns s, or Discard when s is nil
func OrDiscard(s Sink) Sink {
	if s == nil {
		return Discard
	}
	return s
}
