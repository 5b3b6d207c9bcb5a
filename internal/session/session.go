// Package session assembles one UI session: a transcript log, a relay
// channel and a capture state machine, all driven from a single loop.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/jwulff/livescribe/internal/capture"
	"github.com/jwulff/livescribe/internal/config"
	"github.com/jwulff/livescribe/internal/db"
	"github.com/jwulff/livescribe/internal/export"
	"github.com/jwulff/livescribe/internal/loop"
	"github.com/jwulff/livescribe/internal/transcript"
	"github.com/jwulff/livescribe/internal/transport"
)

// ErrClosed is returned by calls made before Open succeeds or after Close.
var ErrClosed = errors.New("session closed")

// Options wires a Session. Only Config is required.
type Options struct {
	Config   config.Config
	Provider capture.Provider
	Dialer   transport.Dialer

	// Store, when set, archives every message under a new session id.
	Store  *db.Store
	Logger *slog.Logger
	Now    func() time.Time

	// OnChange is called on the loop after a connection state change.
	OnChange func()
}

// Status is a point-in-time view of the session.
type Status struct {
	ID         string
	Capture    capture.Status
	Connection transport.State
	Attempt    int
	StartedAt  time.Time
	Messages   int
	AutoScroll bool
	Chunks     int
}

// Session owns the core components. Its methods are safe to call from any
// goroutine except the loop itself.
type Session struct {
	id     string
	cfg    config.Config
	logger *slog.Logger
	now    func() time.Time
	store  *db.Store

	loop    *loop.Loop
	log     *transcript.Log
	capture *capture.Session
	channel *transport.Channel

	opened    atomic.Bool
	cancel    context.CancelFunc
	closedSig chan struct{}
}

// New builds an unopened session.
func New(opts Options) *Session {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	provider := opts.Provider
	if provider == nil {
		provider = capture.NoDevice
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = transport.WebsocketDialer{}
	}

	s := &Session{
		id:        uuid.NewString(),
		cfg:       opts.Config,
		logger:    logger,
		now:       now,
		store:     opts.Store,
		loop:      loop.New(256),
		log:       transcript.NewWithClock(logger, now),
		closedSig: make(chan struct{}, 1),
	}

	s.channel = transport.New(transport.Config{
		Endpoint:    opts.Config.Endpoint,
		MaxAttempts: opts.Config.ReconnectAttempts,
		Delay:       opts.Config.ReconnectDelay,
		Dialer:      dialer,
		Exec:        s.loop,
		Scheduler:   s.loop,
		Log:         s.log,
		Logger:      logger.With("component", "transport"),
		OnState: func(st transport.State) {
			if st == transport.StateClosed {
				select {
				case s.closedSig <- struct{}{}:
				default:
				}
			}
			if opts.OnChange != nil {
				opts.OnChange()
			}
		},
	})

	s.capture = capture.New(capture.Config{
		Interval: opts.Config.ChunkInterval,
		Provider: provider,
		Sink: func(chunk []byte) {
			// Drops are logged by the channel.
			_ = s.channel.Send(chunk)
		},
		Log:       s.log,
		Scheduler: s.loop,
		Logger:    logger.With("component", "capture"),
		Now:       now,
	})

	return s
}

// ID returns the archive session id.
func (s *Session) ID() string { return s.id }

// Log exposes the transcript for observers and snapshots.
func (s *Session) Log() *transcript.Log { return s.log }

// Open starts the loop, registers the archive and connects to the relay.
func (s *Session) Open(ctx context.Context) error {
	if s.store != nil {
		if err := s.store.CreateSession(s.id, s.cfg.Endpoint, s.now()); err != nil {
			return fmt.Errorf("archive session: %w", err)
		}
		s.log.AddSink(s.store.Recorder(s.id))
	}

	ctx, s.cancel = context.WithCancel(ctx)
	go func() {
		if err := s.loop.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("session loop", "err", err)
		}
	}()
	s.opened.Store(true)

	s.logger.Info("session opened", "id", s.id, "endpoint", s.cfg.Endpoint)
	if !s.loop.Do(func() { s.channel.Open(ctx) }) {
		return ErrClosed
	}
	return nil
}

// Start begins capturing.
func (s *Session) Start(ctx context.Context) error {
	var err error
	if doErr := s.do(func() { err = s.capture.Start(ctx) }); doErr != nil {
		return doErr
	}
	return err
}

// Pause suspends capture.
func (s *Session) Pause() error { return s.do(s.capture.Pause) }

// Resume continues a paused capture.
func (s *Session) Resume() error { return s.do(s.capture.Resume) }

// Stop ends capture.
func (s *Session) Stop() error { return s.do(s.capture.Stop) }

// Reconnect opens a new connection after the channel gave up or closed.
func (s *Session) Reconnect(ctx context.Context) error {
	return s.do(func() { s.channel.Open(ctx) })
}

// SetAutoScroll toggles observer notification on the log.
func (s *Session) SetAutoScroll(enabled bool) {
	s.log.SetAutoScroll(enabled)
}

// Status returns a snapshot taken on the loop. Before Open only the log
// fields are filled in.
func (s *Session) Status() Status {
	st := Status{ID: s.id}
	s.do(func() {
		st.Capture = s.capture.Status()
		st.StartedAt = s.capture.StartedAt()
		st.Chunks = s.capture.Emitted()
		st.Connection = s.channel.State()
		st.Attempt = s.channel.Attempt()
	})
	st.Messages = s.log.Len()
	st.AutoScroll = s.log.AutoScroll()
	return st
}

// Messages returns a copy of the transcript.
func (s *Session) Messages() []transcript.Message {
	return s.log.Messages()
}

// Export renders the transcript and saves it under the configured export
// directory, returning the file path.
func (s *Session) Export(opts export.Options) (string, error) {
	exportedAt := s.now()
	payload, err := export.Transcription(s.log.Messages(), opts, exportedAt)
	if err != nil {
		if errors.Is(err, export.ErrExportEmpty) {
			s.do(func() { s.log.Append("Nothing to export", transcript.KindSystem) })
		}
		return "", err
	}

	path, err := export.Save(s.cfg.ExportDir, exportedAt, opts.Format, payload)
	if err != nil {
		s.logger.Error("save export", "err", err)
		return "", err
	}
	s.logger.Info("transcript exported", "path", path, "format", string(opts.Format))
	s.do(func() { s.log.Append("Exported to "+path, transcript.KindSystem) })
	return path, nil
}

// Close stops capture, closes the relay connection and stops the loop.
func (s *Session) Close() error {
	if s.cancel == nil {
		return nil
	}

	var settled bool
	s.loop.Do(func() {
		select {
		case <-s.closedSig:
		default:
		}
		s.capture.Stop()
		s.channel.Close()
		st := s.channel.State()
		settled = st == transport.StateClosed || st == transport.StateUninstantiated
	})
	if !settled {
		select {
		case <-s.closedSig:
		case <-time.After(5 * time.Second):
			s.logger.Warn("transport did not close in time")
		}
	}

	s.cancel()
	s.cancel = nil
	<-s.loop.Done()

	if s.store != nil {
		if err := s.store.EndSession(s.id, s.now()); err != nil {
			return fmt.Errorf("archive session end: %w", err)
		}
	}
	s.logger.Info("session closed", "id", s.id, "messages", s.log.Len())
	return nil
}

func (s *Session) do(fn func()) error {
	if !s.opened.Load() || !s.loop.Do(fn) {
		return ErrClosed
	}
	return nil
}
