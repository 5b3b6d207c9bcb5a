// Package transcript holds the ordered, append-only timeline of
// transcription and system messages for one UI session.
package transcript

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind classifies a message.
type Kind string

const (
	KindTranscription Kind = "transcription"
	KindSystem        Kind = "system"
)

// Message is one immutable timeline entry.
type Message struct {
	ID        string
	Text      string
	Timestamp time.Time
	Kind      Kind
}

// Sink receives every appended message, e.g. the on-disk archive.
type Sink interface {
	Record(Message) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Message) error

// Record implements Sink.
func (f SinkFunc) Record(m Message) error { return f(m) }

// Observer is notified of appends while auto-scroll is enabled.
type Observer func(Message)

// Appender is the narrow view other components use to write the log.
type Appender interface {
	Append(text string, kind Kind) Message
}

// Log is the ordered message store. Appends come from the session loop;
// snapshots may be taken from any goroutine.
type Log struct {
	mu         sync.RWMutex
	messages   []Message
	autoScroll bool
	observers  []Observer
	sinks      []Sink

	now    func() time.Time
	logger *slog.Logger
}

// New creates an empty log with auto-scroll enabled.
func New(logger *slog.Logger) *Log {
	return NewWithClock(logger, time.Now)
}

// NewWithClock creates an empty log stamping messages with now.
func NewWithClock(logger *slog.Logger, now func() time.Time) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	return &Log{
		autoScroll: true,
		now:        now,
		logger:     logger,
	}
}

// Append stamps text with a fresh id and the current time and adds it to
// the end of the timeline.
func (l *Log) Append(text string, kind Kind) Message {
	msg := Message{
		ID:        newID(kind),
		Text:      text,
		Timestamp: l.now(),
		Kind:      kind,
	}

	l.mu.Lock()
	l.messages = append(l.messages, msg)
	sinks := l.sinks
	var observers []Observer
	if l.autoScroll {
		observers = l.observers
	}
	l.mu.Unlock()

	for _, s := range sinks {
		if err := s.Record(msg); err != nil {
			l.logger.Warn("record transcript message", "id", msg.ID, "err", err)
		}
	}
	for _, o := range observers {
		o(msg)
	}

	return msg
}

// Messages returns a copy of the timeline.
func (l *Log) Messages() []Message {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Message, len(l.messages))
	copy(out, l.messages)
	return out
}

// Len returns the number of messages.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.messages)
}

// SetAutoScroll toggles observer notification.
func (l *Log) SetAutoScroll(enabled bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.autoScroll = enabled
}

// AutoScroll reports whether observers are currently notified.
func (l *Log) AutoScroll() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.autoScroll
}

// Observe registers an auto-scroll observer.
func (l *Log) Observe(o Observer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.observers = append(l.observers[:len(l.observers):len(l.observers)], o)
}

// AddSink registers a sink that sees every append.
func (l *Log) AddSink(s Sink) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sinks = append(l.sinks[:len(l.sinks):len(l.sinks)], s)
}

func newID(kind Kind) string {
	prefix := "msg-"
	if kind == KindSystem {
		prefix = "sys-"
	}
	return prefix + uuid.NewString()
}
