package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/jwulff/livescribe/internal/capture"
	"github.com/jwulff/livescribe/internal/export"
	"github.com/jwulff/livescribe/internal/session"
	"github.com/jwulff/livescribe/internal/transcript"
	"github.com/jwulff/livescribe/internal/transport"
)

type fakeController struct {
	status     session.Status
	messages   []transcript.Message
	calls      []string
	err        error
	exportPath string
	exportOpts export.Options
	autoScroll []bool
}

func (f *fakeController) Start(context.Context) error {
	f.calls = append(f.calls, "start")
	return f.err
}

func (f *fakeController) Pause() error {
	f.calls = append(f.calls, "pause")
	return f.err
}

func (f *fakeController) Resume() error {
	f.calls = append(f.calls, "resume")
	return f.err
}

func (f *fakeController) Stop() error {
	f.calls = append(f.calls, "stop")
	return f.err
}

func (f *fakeController) Reconnect(context.Context) error {
	f.calls = append(f.calls, "reconnect")
	return f.err
}

func (f *fakeController) Export(opts export.Options) (string, error) {
	f.calls = append(f.calls, "export")
	f.exportOpts = opts
	return f.exportPath, f.err
}

func (f *fakeController) Status() session.Status         { return f.status }
func (f *fakeController) Messages() []transcript.Message { return f.messages }
func (f *fakeController) SetAutoScroll(enabled bool)     { f.autoScroll = append(f.autoScroll, enabled) }

func newTestModel(ctrl *fakeController) Model {
	m := New(context.Background(), ctrl, "ws://localhost:8080")
	m.width = 80
	m.height = 24
	return m
}

func key(s string) tea.KeyMsg {
	switch s {
	case " ":
		return tea.KeyMsg{Type: tea.KeySpace, Runes: []rune{' '}}
	case "up":
		return tea.KeyMsg{Type: tea.KeyUp}
	case "down":
		return tea.KeyMsg{Type: tea.KeyDown}
	case "end":
		return tea.KeyMsg{Type: tea.KeyEnd}
	case "ctrl+c":
		return tea.KeyMsg{Type: tea.KeyCtrlC}
	}
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

// runCmd executes cmd and feeds the resulting message back into the model.
func runCmd(t *testing.T, m Model, cmd tea.Cmd) Model {
	t.Helper()
	if cmd == nil {
		t.Fatal("expected a command")
	}
	m, _ = applyUpdate(m, cmd())
	return m
}

func entries(n int) []transcript.Message {
	base := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	out := make([]transcript.Message, n)
	for i := range out {
		out[i] = transcript.Message{
			ID:        fmt.Sprintf("transcription-%d", i),
			Text:      fmt.Sprintf("line %d", i),
			Timestamp: base.Add(time.Duration(i) * time.Second),
			Kind:      transcript.KindTranscription,
		}
	}
	return out
}

func TestNewModel(t *testing.T) {
	m := New(context.Background(), &fakeController{}, "")
	if !m.transcriptLive {
		t.Error("new model should be in live mode")
	}
	if m.View() != "Initializing..." {
		t.Error("view before WindowSizeMsg should be the placeholder")
	}
}

func TestSpaceStartsWhenIdle(t *testing.T) {
	ctrl := &fakeController{}
	m := newTestModel(ctrl)

	_, cmd := m.Update(key(KeySpace))
	runCmd(t, m, cmd)

	if len(ctrl.calls) != 1 || ctrl.calls[0] != "start" {
		t.Errorf("calls = %v, want [start]", ctrl.calls)
	}
}

func TestSpaceStopsWhileCapturing(t *testing.T) {
	ctrl := &fakeController{status: session.Status{Capture: capture.StatusCapturing}}
	m := newTestModel(ctrl)
	m.status = ctrl.status

	_, cmd := m.Update(key(KeySpace))
	runCmd(t, m, cmd)

	if len(ctrl.calls) != 1 || ctrl.calls[0] != "stop" {
		t.Errorf("calls = %v, want [stop]", ctrl.calls)
	}
}

func TestPauseToggle(t *testing.T) {
	tests := []struct {
		status capture.Status
		want   string
	}{
		{capture.StatusCapturing, "pause"},
		{capture.StatusPaused, "resume"},
	}
	for _, tt := range tests {
		t.Run(tt.status.String(), func(t *testing.T) {
			ctrl := &fakeController{}
			m := newTestModel(ctrl)
			m.status.Capture = tt.status

			_, cmd := m.Update(key(KeyPause))
			runCmd(t, m, cmd)
			if len(ctrl.calls) != 1 || ctrl.calls[0] != tt.want {
				t.Errorf("calls = %v, want [%s]", ctrl.calls, tt.want)
			}
		})
	}
}

func TestPauseWhileIdleDoesNothing(t *testing.T) {
	m := newTestModel(&fakeController{})
	if _, cmd := m.Update(key(KeyPause)); cmd != nil {
		t.Error("pause while idle should not issue a command")
	}
}

func TestReconnectOnlyWhenClosed(t *testing.T) {
	ctrl := &fakeController{}
	m := newTestModel(ctrl)
	m.status.Connection = transport.StateOpen
	if _, cmd := m.Update(key(KeyReconnect)); cmd != nil {
		t.Error("reconnect while open should not issue a command")
	}

	m.status.Connection = transport.StateClosed
	_, cmd := m.Update(key(KeyReconnect))
	runCmd(t, m, cmd)
	if len(ctrl.calls) != 1 || ctrl.calls[0] != "reconnect" {
		t.Errorf("calls = %v, want [reconnect]", ctrl.calls)
	}
}

func TestCommandErrorShowsTransientError(t *testing.T) {
	ctrl := &fakeController{err: capture.ErrCaptureUnavailable}
	m := newTestModel(ctrl)

	_, cmd := m.Update(key(KeySpace))
	m = runCmd(t, m, cmd)
	if !strings.Contains(m.errorMessage, "start") {
		t.Errorf("errorMessage = %q", m.errorMessage)
	}
	if !strings.Contains(m.View(), "Error:") {
		t.Error("view should render the error bar")
	}

	m, _ = applyUpdate(m, ClearTransientErrorMsg{})
	if m.errorMessage != "" {
		t.Errorf("errorMessage after clear = %q", m.errorMessage)
	}
}

func TestExportOptions(t *testing.T) {
	ctrl := &fakeController{exportPath: "/tmp/transcription.csv"}
	m := newTestModel(ctrl)

	m, _ = applyUpdate(m, key(KeyFormat))
	m, _ = applyUpdate(m, key(KeyFormat))
	m, _ = applyUpdate(m, key(KeyTimestamps))
	m, _ = applyUpdate(m, key(KeySystem))

	_, cmd := m.Update(key(KeyExport))
	m = runCmd(t, m, cmd)

	want := export.Options{
		Format:                export.Formats[2],
		IncludeTimestamps:     true,
		IncludeSystemMessages: true,
	}
	if ctrl.exportOpts != want {
		t.Errorf("export opts = %+v, want %+v", ctrl.exportOpts, want)
	}
	if m.notice != "Saved /tmp/transcription.csv" {
		t.Errorf("notice = %q", m.notice)
	}
}

func TestFormatCycleWraps(t *testing.T) {
	m := newTestModel(&fakeController{})
	for range export.Formats {
		m, _ = applyUpdate(m, key(KeyFormat))
	}
	if m.formatIndex != 0 {
		t.Errorf("formatIndex = %d, want 0 after a full cycle", m.formatIndex)
	}
}

func TestExportEmptyIsNotAnError(t *testing.T) {
	m := newTestModel(&fakeController{})
	m, _ = applyUpdate(m, ExportDoneMsg{Err: export.ErrExportEmpty})
	if m.errorMessage != "" {
		t.Errorf("errorMessage = %q, want none", m.errorMessage)
	}

	m, _ = applyUpdate(m, ExportDoneMsg{Err: errors.New("disk full")})
	if !strings.Contains(m.errorMessage, "disk full") {
		t.Errorf("errorMessage = %q", m.errorMessage)
	}
}

func TestSnapshotUpdatesState(t *testing.T) {
	m := newTestModel(&fakeController{})
	st := session.Status{Capture: capture.StatusCapturing, Connection: transport.StateOpen, Chunks: 3}
	m, _ = applyUpdate(m, SnapshotMsg{Status: st, Messages: entries(2)})

	if m.status != st {
		t.Errorf("status = %+v", m.status)
	}
	if len(m.entries) != 2 {
		t.Errorf("entries = %d, want 2", len(m.entries))
	}
	view := m.View()
	for _, want := range []string{"LIVESCRIBE", "REC", "connected", "[09:00:01] line 1"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q", want)
		}
	}
}

func TestSystemEntriesRender(t *testing.T) {
	m := newTestModel(&fakeController{})
	m.entries = []transcript.Message{{
		ID:        "system-1",
		Text:      "Transcription started",
		Timestamp: time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC),
		Kind:      transcript.KindSystem,
	}}
	if !strings.Contains(m.View(), "Transcription started") {
		t.Error("view should include system entries")
	}
}

func TestLogAppendedDeduplicates(t *testing.T) {
	m := newTestModel(&fakeController{})
	msg := entries(1)[0]
	m, _ = applyUpdate(m, LogAppendedMsg{Message: msg})
	m, _ = applyUpdate(m, LogAppendedMsg{Message: msg})
	if len(m.entries) != 1 {
		t.Errorf("entries = %d, want 1", len(m.entries))
	}
}

func TestLateAppendAfterSnapshot(t *testing.T) {
	m := newTestModel(&fakeController{})
	msgs := entries(2)
	m, _ = applyUpdate(m, SnapshotMsg{Messages: msgs})
	m, _ = applyUpdate(m, LogAppendedMsg{Message: msgs[0]})

	if len(m.entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(m.entries))
	}
	if m.entries[0].ID != msgs[0].ID || m.entries[1].ID != msgs[1].ID {
		t.Errorf("entries out of order: %q, %q", m.entries[0].ID, m.entries[1].ID)
	}
}

func TestObserverDeliversInOrder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan string, 16)
	observe := Observer(ctx, func(msg tea.Msg) {
		got <- msg.(LogAppendedMsg).Message.ID
	})
	msgs := entries(10)
	for _, m := range msgs {
		observe(m)
	}

	for i, want := range msgs {
		select {
		case id := <-got:
			if id != want.ID {
				t.Fatalf("delivery %d = %q, want %q", i, id, want.ID)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for delivery %d", i)
		}
	}
}

func TestScrollDisablesAutoScroll(t *testing.T) {
	ctrl := &fakeController{}
	m := newTestModel(ctrl)
	m.entries = entries(50)
	m.scrollToBottom()
	bottom := m.transcriptScroll
	if bottom == 0 {
		t.Fatal("expected scrollable transcript")
	}

	m, _ = applyUpdate(m, key(KeyUp))
	if m.transcriptLive {
		t.Error("scrolling up should leave live mode")
	}
	if m.transcriptScroll != bottom-1 {
		t.Errorf("scroll = %d, want %d", m.transcriptScroll, bottom-1)
	}
	if !strings.Contains(m.View(), "SCROLL") {
		t.Error("view should show the scroll badge")
	}

	m, _ = applyUpdate(m, key(KeyDown))
	if !m.transcriptLive {
		t.Error("scrolling to the bottom should restore live mode")
	}
	if len(ctrl.autoScroll) != 2 || ctrl.autoScroll[0] || !ctrl.autoScroll[1] {
		t.Errorf("SetAutoScroll calls = %v, want [false true]", ctrl.autoScroll)
	}
}

func TestAutoScrollKey(t *testing.T) {
	ctrl := &fakeController{}
	m := newTestModel(ctrl)

	m, _ = applyUpdate(m, key(KeyAutoScroll))
	if m.transcriptLive {
		t.Error("a should turn auto-scroll off")
	}
	m, _ = applyUpdate(m, key(KeyEnd))
	if !m.transcriptLive {
		t.Error("end should turn auto-scroll back on")
	}
	if len(ctrl.autoScroll) != 2 {
		t.Errorf("SetAutoScroll calls = %v", ctrl.autoScroll)
	}
}

func TestQuitKeys(t *testing.T) {
	for _, k := range []string{KeyQuit, KeyQuitUpper, KeyCtrlC} {
		m := newTestModel(&fakeController{})
		_, cmd := m.Update(key(k))
		if cmd == nil {
			t.Fatalf("%q: expected quit command", k)
		}
		if _, ok := cmd().(tea.QuitMsg); !ok {
			t.Errorf("%q: expected tea.QuitMsg", k)
		}
	}
}

func TestFooterReflectsState(t *testing.T) {
	m := newTestModel(&fakeController{})
	m.status.Connection = transport.StateClosed
	footer := m.renderFooter()
	if !strings.Contains(footer, "Start") || !strings.Contains(footer, "Reconnect") {
		t.Errorf("idle footer = %q", footer)
	}

	m.status.Capture = capture.StatusPaused
	m.status.Connection = transport.StateOpen
	footer = m.renderFooter()
	if !strings.Contains(footer, "Resume") || strings.Contains(footer, "Reconnect") {
		t.Errorf("paused footer = %q", footer)
	}
}

func TestWrapText(t *testing.T) {
	tests := []struct {
		text  string
		width int
		want  int
	}{
		{"short", 20, 1},
		{"the quick brown fox jumps over the lazy dog", 10, 5},
		{"", 10, 1},
		{"a\nb", 10, 2},
	}
	for _, tt := range tests {
		got := wrapText(tt.text, tt.width)
		if len(got) != tt.want {
			t.Errorf("wrapText(%q, %d) = %d lines %q, want %d", tt.text, tt.width, len(got), got, tt.want)
		}
	}
}

func applyUpdate(m Model, msg tea.Msg) (Model, tea.Cmd) {
	newModel, cmd := m.Update(msg)
	return newModel.(Model), cmd
}
