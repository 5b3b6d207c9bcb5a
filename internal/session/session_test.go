package session

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jwulff/livescribe/internal/capture"
	"github.com/jwulff/livescribe/internal/config"
	"github.com/jwulff/livescribe/internal/db"
	"github.com/jwulff/livescribe/internal/export"
	"github.com/jwulff/livescribe/internal/transcript"
	"github.com/jwulff/livescribe/internal/transport"
)

// scriptedRelay answers the first audio chunk with two transcripts.
func scriptedRelay(t *testing.T, replies ...string) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		answered := false
		for {
			mt, _, err := ws.ReadMessage()
			if err != nil {
				return
			}
			if mt == websocket.BinaryMessage && !answered {
				answered = true
				for _, text := range replies {
					ws.WriteMessage(websocket.TextMessage, []byte(text))
				}
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

type tickDevice struct{}

func (tickDevice) ReadChunk() ([]byte, error) { return []byte("pcm"), nil }
func (tickDevice) Pause() error               { return nil }
func (tickDevice) Resume() error              { return nil }
func (tickDevice) Close() error               { return nil }

var tickProvider = capture.ProviderFunc(func(context.Context) (capture.Device, error) {
	return tickDevice{}, nil
})

func testConfig(t *testing.T, endpoint string) config.Config {
	cfg := config.Preset(config.Development)
	cfg.Endpoint = endpoint
	cfg.ChunkInterval = 10 * time.Millisecond
	cfg.ReconnectAttempts = 0
	cfg.ExportDir = t.TempDir()
	return cfg
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func hasText(msgs []transcript.Message, text string) bool {
	for _, m := range msgs {
		if m.Text == text {
			return true
		}
	}
	return false
}

func TestCaptureToExportScenario(t *testing.T) {
	endpoint := scriptedRelay(t, "hello", "world")
	store, err := db.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	cfg := testConfig(t, endpoint)
	s := New(Options{Config: cfg, Provider: tickProvider, Store: store})
	ctx := context.Background()

	if err := s.Open(ctx); err != nil {
		t.Fatalf("Open: %v", err)
	}
	waitFor(t, "relay connection", func() bool { return s.Status().Connection == transport.StateOpen })

	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "transcripts", func() bool { return hasText(s.Messages(), "world") })

	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	msgs := s.Messages()
	if last := msgs[len(msgs)-1]; last.Text != "Transcription stopped" || last.Kind != transcript.KindSystem {
		t.Errorf("last entry = %+v", last)
	}
	if s.Status().Capture != capture.StatusIdle {
		t.Errorf("capture status = %s", s.Status().Capture)
	}

	path, err := s.Export(export.Options{Format: export.FormatTXT})
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read export: %v", err)
	}
	want := "AI Audio Transcription\n==============================\n\nhello\nworld"
	if string(data) != want {
		t.Errorf("export = %q, want %q", data, want)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	archived, err := store.Session(s.ID())
	if err != nil || archived == nil {
		t.Fatalf("archived session: %v, %v", archived, err)
	}
	if archived.Status != db.StatusCompleted {
		t.Errorf("archived status = %q", archived.Status)
	}
	stored, _ := store.MessagesForSession(s.ID())
	if len(stored) != len(s.Messages()) {
		t.Errorf("archived %d messages, log has %d", len(stored), len(s.Messages()))
	}
}

func unreachable() transport.Dialer {
	return transport.DialerFunc(func(context.Context, string) (transport.Conn, error) {
		return nil, errors.New("connection refused")
	})
}

func TestExportEmptyIsNarrated(t *testing.T) {
	cfg := testConfig(t, "ws://relay.invalid")
	s := New(Options{Config: cfg, Dialer: unreachable()})
	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()
	waitFor(t, "channel to give up", func() bool { return s.Status().Connection == transport.StateClosed })

	_, err := s.Export(export.Options{Format: export.FormatSRT, IncludeSystemMessages: true})
	if !errors.Is(err, export.ErrExportEmpty) {
		t.Fatalf("err = %v, want ErrExportEmpty", err)
	}
	msgs := s.Messages()
	if msgs[len(msgs)-1].Text != "Nothing to export" {
		t.Errorf("last entry = %q", msgs[len(msgs)-1].Text)
	}
	entries, _ := os.ReadDir(cfg.ExportDir)
	if len(entries) != 0 {
		t.Errorf("export dir has %d files, want none", len(entries))
	}
}

func TestStartWithoutDevice(t *testing.T) {
	s := New(Options{Config: testConfig(t, "ws://relay.invalid"), Dialer: unreachable()})
	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	err := s.Start(context.Background())
	if !errors.Is(err, capture.ErrCaptureUnavailable) {
		t.Fatalf("err = %v, want ErrCaptureUnavailable", err)
	}
	if st := s.Status(); st.Capture != capture.StatusIdle {
		t.Errorf("capture status = %s, want Idle", st.Capture)
	}
}

func TestCallsAfterClose(t *testing.T) {
	s := New(Options{Config: testConfig(t, "ws://relay.invalid"), Dialer: unreachable()})
	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if err := s.Pause(); !errors.Is(err, ErrClosed) {
		t.Errorf("Pause after close err = %v, want ErrClosed", err)
	}
	if err := s.Start(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Start after close err = %v, want ErrClosed", err)
	}
}

func TestCallsBeforeOpen(t *testing.T) {
	closed, err := db.Open(filepath.Join(t.TempDir(), "archive.sqlite"))
	if err != nil {
		t.Fatalf("db.Open: %v", err)
	}
	closed.Close()

	tests := []struct {
		name string
		open bool
	}{
		{name: "never opened"},
		{name: "open failed", open: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(Options{Config: testConfig(t, "ws://relay.invalid"), Dialer: unreachable(), Store: closed})
			if tt.open {
				if err := s.Open(context.Background()); err == nil {
					t.Fatal("Open on a closed archive should fail")
				}
			}

			done := make(chan struct{})
			go func() {
				defer close(done)
				if err := s.Start(context.Background()); !errors.Is(err, ErrClosed) {
					t.Errorf("Start err = %v, want ErrClosed", err)
				}
				for name, call := range map[string]func() error{
					"Pause":  s.Pause,
					"Resume": s.Resume,
					"Stop":   s.Stop,
					"Reconnect": func() error {
						return s.Reconnect(context.Background())
					},
				} {
					if err := call(); !errors.Is(err, ErrClosed) {
						t.Errorf("%s err = %v, want ErrClosed", name, err)
					}
				}
				if st := s.Status(); st.Capture != capture.StatusIdle || st.Connection != transport.StateUninstantiated {
					t.Errorf("status = %+v, want idle and uninstantiated", st)
				}
			}()
			select {
			case <-done:
			case <-time.After(2 * time.Second):
				t.Fatal("calls on an unopened session blocked")
			}
		})
	}
}

func TestAutoScrollToggle(t *testing.T) {
	s := New(Options{Config: testConfig(t, "ws://relay.invalid")})
	var seen int
	s.Log().Observe(func(transcript.Message) { seen++ })

	s.SetAutoScroll(false)
	s.Log().Append("quiet", transcript.KindSystem)
	s.SetAutoScroll(true)
	s.Log().Append("loud", transcript.KindSystem)

	if seen != 1 {
		t.Errorf("observer saw %d entries, want 1", seen)
	}
}
