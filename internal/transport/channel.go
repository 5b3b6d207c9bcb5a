// Package transport keeps a persistent connection to the relay, reconnecting
// a bounded number of times after abnormal closes. Outbound audio chunks go
// out as binary frames; inbound text frames become transcript entries.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jwulff/livescribe/internal/loop"
	"github.com/jwulff/livescribe/internal/transcript"
)

var (
	// ErrTransportUnreachable is reported once the reconnect budget is spent.
	ErrTransportUnreachable = errors.New("transport unreachable")

	// ErrSendWhileClosed is returned by Send when the channel is not open.
	ErrSendWhileClosed = errors.New("send while not open")
)

// Close codes used by the channel.
const (
	CloseNormal   = 1000
	CloseAbnormal = 1006
)

// State is the connection state.
type State int

const (
	StateUninstantiated State = iota
	StateConnecting
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "Connecting"
	case StateOpen:
		return "Open"
	case StateClosing:
		return "Closing"
	case StateClosed:
		return "Closed"
	default:
		return "Uninstantiated"
	}
}

// Frame is one inbound message.
type Frame struct {
	Text bool
	Data []byte
}

// Conn is a live connection. ReadMessage is called from a single reader
// goroutine; every other method is called from the loop.
type Conn interface {
	WriteBinary(data []byte) error
	ReadMessage() (Frame, error)
	// CloseNormal starts the closing handshake with code 1000.
	CloseNormal() error
	Close() error
}

// Dialer opens connections.
type Dialer interface {
	Dial(ctx context.Context, endpoint string) (Conn, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, endpoint string) (Conn, error)

// Dial implements Dialer.
func (f DialerFunc) Dial(ctx context.Context, endpoint string) (Conn, error) {
	return f(ctx, endpoint)
}

// CloseError reports the close code the peer sent, or CloseAbnormal when
// the connection dropped without a handshake.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("connection closed (code %d)", e.Code)
	}
	return fmt.Sprintf("connection closed (code %d): %s", e.Code, e.Reason)
}

// closeCode extracts the close code from a read error.
func closeCode(err error) int {
	var ce *CloseError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return CloseAbnormal
}

// Config wires a Channel.
type Config struct {
	Endpoint    string
	MaxAttempts int
	Delay       time.Duration

	// CloseGrace bounds how long Close waits for the peer's close frame.
	CloseGrace time.Duration

	Dialer    Dialer
	Exec      loop.Executor
	Scheduler loop.Scheduler
	Log       transcript.Appender
	Logger    *slog.Logger

	// OnState, if set, is called on the loop after every transition.
	OnState func(State)
}

// Channel is the reconnecting transport. Every exported method must be
// called on the loop.
type Channel struct {
	cfg Config
	ctx context.Context

	state   State
	attempt int
	conn    Conn

	// gen identifies the current connection attempt. Results posted by an
	// older dial or reader carry a stale gen and are ignored.
	gen        int
	cancelDial context.CancelFunc
	reconnect  loop.Timer
	grace      loop.Timer

	lastErr error
}

// New creates an uninstantiated channel.
func New(cfg Config) *Channel {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.CloseGrace <= 0 {
		cfg.CloseGrace = 2 * time.Second
	}
	return &Channel{cfg: cfg, ctx: context.Background()}
}

// State returns the connection state.
func (c *Channel) State() State { return c.state }

// Attempt returns the number of reconnects spent since the last successful
// connection.
func (c *Channel) Attempt() int { return c.attempt }

// Err returns ErrTransportUnreachable after the budget was exhausted.
func (c *Channel) Err() error { return c.lastErr }

// Open starts connecting. It does nothing unless the channel is
// Uninstantiated or Closed. Reopening a closed channel starts with a fresh
// reconnect budget.
func (c *Channel) Open(ctx context.Context) {
	if c.state != StateUninstantiated && c.state != StateClosed {
		return
	}
	c.ctx = ctx
	c.attempt = 0
	c.lastErr = nil
	c.setState(StateConnecting)
	c.dial()
}

// Send writes one binary chunk. Chunks sent while the channel is not open
// are dropped.
func (c *Channel) Send(chunk []byte) error {
	if c.state != StateOpen {
		c.cfg.Logger.Warn("dropping audio chunk", "state", c.state.String(), "bytes", len(chunk))
		return ErrSendWhileClosed
	}
	if err := c.conn.WriteBinary(chunk); err != nil {
		c.cfg.Logger.Warn("send audio chunk", "bytes", len(chunk), "err", err)
		return fmt.Errorf("send chunk: %w", err)
	}
	return nil
}

// Close shuts the channel down deliberately. Pending reconnects and dials
// are cancelled; an open connection gets a normal close handshake bounded
// by CloseGrace.
func (c *Channel) Close() {
	c.stopReconnect()
	switch c.state {
	case StateConnecting:
		c.gen++
		if c.cancelDial != nil {
			c.cancelDial()
			c.cancelDial = nil
		}
		c.setState(StateClosed)
		c.cfg.Logger.Info("relay connection cancelled")
	case StateOpen:
		c.setState(StateClosing)
		if err := c.conn.CloseNormal(); err != nil {
			c.cfg.Logger.Warn("send close frame", "err", err)
			c.finish(CloseNormal)
			return
		}
		gen := c.gen
		c.grace = c.cfg.Scheduler.AfterFunc(c.cfg.CloseGrace, func() {
			if gen == c.gen && c.state == StateClosing {
				c.cfg.Logger.Warn("relay did not acknowledge close, forcing")
				c.finish(CloseNormal)
			}
		})
	}
}

func (c *Channel) setState(s State) {
	if c.state == s {
		return
	}
	c.cfg.Logger.Debug("transport state", "from", c.state.String(), "to", s.String())
	c.state = s
	if c.cfg.OnState != nil {
		c.cfg.OnState(s)
	}
}

func (c *Channel) dial() {
	c.gen++
	gen := c.gen
	ctx, cancel := context.WithCancel(c.ctx)
	c.cancelDial = cancel

	dialer := c.cfg.Dialer
	endpoint := c.cfg.Endpoint
	go func() {
		conn, err := dialer.Dial(ctx, endpoint)
		posted := c.cfg.Exec.Post(func() { c.dialed(gen, conn, err) })
		if !posted && conn != nil {
			conn.Close()
		}
	}()
}

func (c *Channel) dialed(gen int, conn Conn, err error) {
	if gen != c.gen || c.state != StateConnecting {
		if conn != nil {
			conn.Close()
		}
		return
	}
	if c.cancelDial != nil {
		c.cancelDial()
		c.cancelDial = nil
	}

	if err != nil {
		c.cfg.Logger.Warn("dial relay", "endpoint", c.cfg.Endpoint, "err", err)
		c.cfg.Log.Append("Could not connect to relay", transcript.KindSystem)
		c.retry()
		return
	}

	c.conn = conn
	c.attempt = 0
	c.setState(StateOpen)
	c.cfg.Logger.Info("relay connected", "endpoint", c.cfg.Endpoint)
	c.cfg.Log.Append("Connected to relay", transcript.KindSystem)
	go c.read(gen, conn)
}

func (c *Channel) read(gen int, conn Conn) {
	for {
		frame, err := conn.ReadMessage()
		if err != nil {
			code := closeCode(err)
			c.cfg.Exec.Post(func() { c.closed(gen, code, err) })
			return
		}
		if !c.cfg.Exec.Post(func() { c.received(gen, frame) }) {
			return
		}
	}
}

func (c *Channel) received(gen int, f Frame) {
	if gen != c.gen {
		return
	}
	if !f.Text {
		c.cfg.Logger.Debug("ignoring binary frame from relay", "bytes", len(f.Data))
		return
	}
	text := strings.TrimSpace(string(f.Data))
	if text == "" {
		return
	}
	c.cfg.Log.Append(text, transcript.KindTranscription)
}

func (c *Channel) closed(gen, code int, err error) {
	if gen != c.gen {
		return
	}
	if c.state == StateClosing {
		c.finish(code)
		return
	}

	c.releaseConn()
	c.cfg.Log.Append(fmt.Sprintf("Disconnected from relay (code %d)", code), transcript.KindSystem)
	if code == CloseNormal {
		c.cfg.Logger.Info("relay closed connection")
		c.setState(StateClosed)
		return
	}
	c.cfg.Logger.Warn("relay connection lost", "code", code, "err", err)
	c.retry()
}

// retry schedules the next reconnect or, with the budget spent, settles in
// Closed.
func (c *Channel) retry() {
	if c.attempt >= c.cfg.MaxAttempts {
		c.setState(StateClosed)
		c.lastErr = fmt.Errorf("%w after %d attempts", ErrTransportUnreachable, c.attempt)
		c.cfg.Logger.Error("relay unreachable", "endpoint", c.cfg.Endpoint, "attempts", c.attempt)
		c.cfg.Log.Append(fmt.Sprintf("Relay unreachable after %d reconnect attempts", c.attempt), transcript.KindSystem)
		return
	}

	c.attempt++
	c.setState(StateConnecting)
	c.cfg.Log.Append(fmt.Sprintf("Reconnecting (attempt %d/%d)", c.attempt, c.cfg.MaxAttempts), transcript.KindSystem)
	c.reconnect = c.cfg.Scheduler.AfterFunc(c.cfg.Delay, func() {
		c.reconnect = nil
		if c.state == StateConnecting {
			c.dial()
		}
	})
}

func (c *Channel) finish(code int) {
	if c.grace != nil {
		c.grace.Stop()
		c.grace = nil
	}
	c.gen++
	c.releaseConn()
	c.setState(StateClosed)
	c.cfg.Logger.Info("relay connection closed", "code", code)
	c.cfg.Log.Append(fmt.Sprintf("Disconnected from relay (code %d)", code), transcript.KindSystem)
}

func (c *Channel) releaseConn() {
	if c.conn == nil {
		return
	}
	if err := c.conn.Close(); err != nil {
		c.cfg.Logger.Debug("close relay connection", "err", err)
	}
	c.conn = nil
}

func (c *Channel) stopReconnect() {
	if c.reconnect != nil {
		c.reconnect.Stop()
		c.reconnect = nil
	}
}
