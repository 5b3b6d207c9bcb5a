// Package capture implements the audio-capture state machine: it owns one
// device handle between Start and Stop and emits one chunk per tick while
// capturing.
package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/jwulff/livescribe/internal/loop"
	"github.com/jwulff/livescribe/internal/transcript"
)

// ErrCaptureUnavailable is returned when the device cannot be opened.
var ErrCaptureUnavailable = errors.New("capture unavailable")

// Status is the capture state.
type Status int

const (
	StatusIdle Status = iota
	StatusCapturing
	StatusPaused
)

func (s Status) String() string {
	switch s {
	case StatusCapturing:
		return "Capturing"
	case StatusPaused:
		return "Paused"
	default:
		return "Idle"
	}
}

// Device is an open audio source. ReadChunk returns whatever audio has
// accumulated since the previous call, possibly nothing.
type Device interface {
	ReadChunk() ([]byte, error)
	Pause() error
	Resume() error
	Close() error
}

// Provider opens the capture device, e.g. after a permission prompt.
type Provider interface {
	Open(ctx context.Context) (Device, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context) (Device, error)

// Open implements Provider.
func (f ProviderFunc) Open(ctx context.Context) (Device, error) { return f(ctx) }

// ChunkSink receives emitted chunks, normally the transport's Send.
type ChunkSink func(chunk []byte)

// Config wires a Session.
type Config struct {
	Interval  time.Duration
	Provider  Provider
	Sink      ChunkSink
	Log       transcript.Appender
	Scheduler loop.Scheduler
	Logger    *slog.Logger
	Now       func() time.Time
}

// Session is the capture state machine. All methods must run on the
// session loop.
type Session struct {
	cfg Config

	status    Status
	startedAt time.Time
	device    Device
	ticker    loop.Timer
	emitted   int
}

// New creates an idle session.
func New(cfg Config) *Session {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Sink == nil {
		cfg.Sink = func([]byte) {}
	}
	return &Session{cfg: cfg}
}

// Status returns the current state.
func (s *Session) Status() Status { return s.status }

// StartedAt returns when the current capture began, zero when idle.
func (s *Session) StartedAt() time.Time { return s.startedAt }

// Emitted returns how many chunks this session has handed to the sink.
func (s *Session) Emitted() int { return s.emitted }

// Start opens the device and begins periodic emission. It does nothing
// unless the session is idle. A device failure leaves the session idle,
// is reported once in the log, and is not retried.
func (s *Session) Start(ctx context.Context) error {
	if s.status != StatusIdle {
		return nil
	}

	dev, err := s.cfg.Provider.Open(ctx)
	if err != nil {
		s.cfg.Logger.Error("open capture device", "err", err)
		s.cfg.Log.Append("Audio capture unavailable: "+err.Error(), transcript.KindSystem)
		return fmt.Errorf("%w: %w", ErrCaptureUnavailable, err)
	}

	s.device = dev
	s.startedAt = s.cfg.Now()
	s.status = StatusCapturing
	s.startTicker()
	s.cfg.Logger.Info("capture started", "interval", s.cfg.Interval)
	s.cfg.Log.Append("Transcription started", transcript.KindSystem)
	return nil
}

// Pause suspends emission and keeps the device open. Audio buffered before
// the pause is flushed first so nothing is emitted while paused.
func (s *Session) Pause() {
	if s.status != StatusCapturing {
		return
	}
	s.stopTicker()
	s.flush()
	if err := s.device.Pause(); err != nil {
		s.cfg.Logger.Warn("pause capture device", "err", err)
	}
	s.status = StatusPaused
	s.cfg.Log.Append("Transcription paused", transcript.KindSystem)
}

// Resume restarts emission after Pause.
func (s *Session) Resume() {
	if s.status != StatusPaused {
		return
	}
	if err := s.device.Resume(); err != nil {
		s.cfg.Logger.Warn("resume capture device", "err", err)
	}
	s.status = StatusCapturing
	s.startTicker()
	s.cfg.Log.Append("Transcription resumed", transcript.KindSystem)
}

// Stop cancels emission, flushes the final chunk, and releases the device.
func (s *Session) Stop() {
	if s.status == StatusIdle {
		return
	}
	s.stopTicker()
	if s.status == StatusCapturing {
		s.flush()
	}

	if err := s.device.Close(); err != nil {
		s.cfg.Logger.Warn("close capture device", "err", err)
	}
	s.device = nil
	s.status = StatusIdle
	s.startedAt = time.Time{}
	s.cfg.Logger.Info("capture stopped", "chunks", s.emitted)
	s.cfg.Log.Append("Transcription stopped", transcript.KindSystem)
}

func (s *Session) startTicker() {
	s.ticker = s.cfg.Scheduler.Every(s.cfg.Interval, s.tick)
}

func (s *Session) stopTicker() {
	if s.ticker != nil {
		s.ticker.Stop()
		s.ticker = nil
	}
}

func (s *Session) tick() {
	if s.status != StatusCapturing {
		return
	}
	if s.flush() {
		s.cfg.Logger.Info("capture source exhausted")
		s.Stop()
	}
}

// flush reads one chunk and hands it to the sink. It reports whether the
// device has no more audio to give.
func (s *Session) flush() (exhausted bool) {
	chunk, err := s.device.ReadChunk()
	if len(chunk) > 0 {
		s.emitted++
		s.cfg.Sink(chunk)
	}
	if err != nil {
		if errors.Is(err, io.EOF) {
			return true
		}
		s.cfg.Logger.Warn("read capture chunk", "err", err)
	}
	return false
}
