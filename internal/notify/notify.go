// Package notify carries user-facing progress notifications. Notifications
// are advisory: a failing sink never affects the data path.
package notify

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Notification types.
const (
	TypeInfo     = "info"
	TypeLoading  = "loading"
	TypeProgress = "progress"
	TypeSuccess  = "success"
	TypeError    = "error"
)

// Notification describes a toast to show.
type Notification struct {
	Type     string   `json:"type"`
	Category string   `json:"category,omitempty"`
	Message  string   `json:"message"`
	Progress *float64 `json:"progress,omitempty"`
}

// Sink displays notifications.
type Sink interface {
	Show(n Notification) string
	UpdateProgress(id string, pct float64, message string)
	Complete(id string, message string)
	Fail(id string, message string)
	Dismiss(id string)
}

// Safe wraps a Sink so that a nil sink is a no-op and a panicking sink is
// recovered and logged.
type Safe struct {
	sink     Sink
	log      zerolog.Logger
	failures atomic.Int64
}

// NewSafe wraps sink. sink may be nil.
func NewSafe(sink Sink, log zerolog.Logger) *Safe {
	return &Safe{sink: sink, log: log}
}

// Failures returns how many sink calls panicked.
func (s *Safe) Failures() int64 {
	return s.failures.Load()
}

func (s *Safe) guard(op string) {
	if r := recover(); r != nil {
		s.failures.Add(1)
		s.log.Warn().Str("op", op).Str("panic", fmt.Sprint(r)).Msg("notification sink failed")
	}
}

// Show displays n and returns its id, or "" when no sink is available.
func (s *Safe) Show(n Notification) (id string) {
	if s == nil || s.sink == nil {
		return ""
	}
	defer s.guard("show")
	return s.sink.Show(n)
}

// UpdateProgress updates a shown notification.
func (s *Safe) UpdateProgress(id string, pct float64, message string) {
	if s == nil || s.sink == nil || id == "" {
		return
	}
	defer s.guard("update_progress")
	s.sink.UpdateProgress(id, pct, message)
}

// Complete marks a notification successful.
func (s *Safe) Complete(id, message string) {
	if s == nil || s.sink == nil || id == "" {
		return
	}
	defer s.guard("complete")
	s.sink.Complete(id, message)
}

// Fail marks a notification failed.
func (s *Safe) Fail(id, message string) {
	if s == nil || s.sink == nil || id == "" {
		return
	}
	defer s.guard("fail")
	s.sink.Fail(id, message)
}

// Dismiss hides a notification.
func (s *Safe) Dismiss(id string) {
	if s == nil || s.sink == nil || id == "" {
		return
	}
	defer s.guard("dismiss")
	s.sink.Dismiss(id)
}

// LogSink writes notifications to a logger.
type LogSink struct {
	log zerolog.Logger
}

// NewLogSink creates a sink that logs every notification event.
func NewLogSink(log zerolog.Logger) *LogSink {
	return &LogSink{log: log}
}

func (l *LogSink) Show(n Notification) string {
	id := uuid.NewString()
	ev := l.log.Info().Str("id", id).Str("type", n.Type).Str("category", n.Category)
	if n.Progress != nil {
		ev = ev.Float64("progress", *n.Progress)
	}
	ev.Msg(n.Message)
	return id
}

func (l *LogSink) UpdateProgress(id string, pct float64, message string) {
	l.log.Debug().Str("id", id).Float64("progress", pct).Msg(message)
}

func (l *LogSink) Complete(id, message string) {
	l.log.Info().Str("id", id).Str("type", TypeSuccess).Msg(message)
}

func (l *LogSink) Fail(id, message string) {
	l.log.Warn().Str("id", id).Str("type", TypeError).Msg(message)
}

func (l *LogSink) Dismiss(id string) {
	l.log.Debug().Str("id", id).Msg("dismissed")
}

// Event is one recorded sink call.
type Event struct {
	Op       string    `json:"op"`
	ID       string    `json:"id"`
	Type     string    `json:"type,omitempty"`
	Category string    `json:"category,omitempty"`
	Message  string    `json:"message,omitempty"`
	Progress *float64  `json:"progress,omitempty"`
	At       time.Time `json:"at"`
}

// Recorder keeps the most recent notification events in memory and
// optionally forwards them to another sink.
type Recorder struct {
	mu     sync.Mutex
	events []Event
	limit  int
	next   Sink
}

// NewRecorder creates a recorder retaining up to limit events.
func NewRecorder(limit int, next Sink) *Recorder {
	if limit <= 0 {
		limit = 200
	}
	return &Recorder{limit: limit, next: next}
}

func (r *Recorder) record(e Event) {
	e.At = time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	if over := len(r.events) - r.limit; over > 0 {
		r.events = append(r.events[:0], r.events[over:]...)
	}
}

// Events returns a copy of the recorded events, oldest first.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Ops returns the recorded operation names, oldest first.
func (r *Recorder) Ops() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Op
	}
	return out
}

func (r *Recorder) Show(n Notification) string {
	var id string
	if r.next != nil {
		id = r.next.Show(n)
	}
	if id == "" {
		id = uuid.NewString()
	}
	r.record(Event{Op: "show", ID: id, Type: n.Type, Category: n.Category, Message: n.Message, Progress: n.Progress})
	return id
}

func (r *Recorder) UpdateProgress(id string, pct float64, message string) {
	if r.next != nil {
		r.next.UpdateProgress(id, pct, message)
	}
	r.record(Event{Op: "progress", ID: id, Message: message, Progress: &pct})
}

func (r *Recorder) Complete(id, message string) {
	if r.next != nil {
		r.next.Complete(id, message)
	}
	r.record(Event{Op: "complete", ID: id, Message: message})
}

func (r *Recorder) Fail(id, message string) {
	if r.next != nil {
		r.next.Fail(id, message)
	}
	r.record(Event{Op: "fail", ID: id, Message: message})
}

func (r *Recorder) Dismiss(id string) {
	if r.next != nil {
		r.next.Dismiss(id)
	}
	r.record(Event{Op: "dismiss", ID: id})
}
