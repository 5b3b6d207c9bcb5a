package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/jwulff/livescribe/internal/capture"
	"github.com/jwulff/livescribe/internal/export"
	"github.com/jwulff/livescribe/internal/session"
	"github.com/jwulff/livescribe/internal/transcript"
	"github.com/jwulff/livescribe/internal/transport"
	"github.com/jwulff/livescribe/internal/ui"

	tea "github.com/charmbracelet/bubbletea"
)

// Controller is the session surface the TUI drives.
type Controller interface {
	Start(ctx context.Context) error
	Pause() error
	Resume() error
	Stop() error
	Reconnect(ctx context.Context) error
	Export(opts export.Options) (string, error)
	Status() session.Status
	Messages() []transcript.Message
	SetAutoScroll(enabled bool)
}

const refreshInterval = 250 * time.Millisecond

// Model is the root bubbletea model for the livescribe TUI.
type Model struct {
	ctx      context.Context
	ctrl     Controller
	endpoint string

	status  session.Status
	entries []transcript.Message

	// Export options
	formatIndex       int
	includeTimestamps bool
	includeSystem     bool

	// UI state
	width            int
	height           int
	transcriptScroll int
	transcriptLive   bool

	// Errors and notices
	errorMessage   string
	errorTransient bool
	notice         string
}

// New creates a Model driving ctrl.
func New(ctx context.Context, ctrl Controller, endpoint string) Model {
	return Model{
		ctx:            ctx,
		ctrl:           ctrl,
		endpoint:       endpoint,
		transcriptLive: true,
	}
}

// Init starts the refresh loop.
func (m Model) Init() tea.Cmd {
	return tea.Batch(snapshotCmd(m.ctrl), refreshTickCmd())
}

// Observer returns a transcript observer that forwards appends to send,
// typically tea.Program.Send. It runs on the session loop and must not
// block. One goroutine delivers in append order; appends are dropped while
// it is behind and the refresh tick fills the gap. Delivery stops when ctx
// is done.
func Observer(ctx context.Context, send func(tea.Msg)) transcript.Observer {
	queue := make(chan transcript.Message, 64)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-queue:
				send(LogAppendedMsg{Message: msg})
			}
		}
	}()
	return func(msg transcript.Message) {
		select {
		case queue <- msg:
		default:
		}
	}
}

func snapshotCmd(ctrl Controller) tea.Cmd {
	return func() tea.Msg {
		return SnapshotMsg{Status: ctrl.Status(), Messages: ctrl.Messages()}
	}
}

func refreshTickCmd() tea.Cmd {
	return tea.Tick(refreshInterval, func(time.Time) tea.Msg {
		return RefreshTickMsg{}
	})
}

// commandCmd runs a controller call off the UI goroutine.
func commandCmd(op string, fn func() error) tea.Cmd {
	return func() tea.Msg {
		return CommandDoneMsg{Op: op, Err: fn()}
	}
}

func exportCmd(ctrl Controller, opts export.Options) tea.Cmd {
	return func() tea.Msg {
		path, err := ctrl.Export(opts)
		return ExportDoneMsg{Path: path, Err: err}
	}
}

// clearTransientErrorCmd fires after a delay to clear transient errors.
func clearTransientErrorCmd() tea.Cmd {
	return tea.Tick(5*time.Second, func(time.Time) tea.Msg {
		return ClearTransientErrorMsg{}
	})
}

func (m Model) exportOptions() export.Options {
	return export.Options{
		Format:                export.Formats[m.formatIndex],
		IncludeTimestamps:     m.includeTimestamps,
		IncludeSystemMessages: m.includeSystem,
	}
}

// Update processes messages and returns the updated model and any commands.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {

	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		if m.transcriptLive {
			m.scrollToBottom()
		}
		return m, nil

	case SnapshotMsg:
		m.status = msg.Status
		m.entries = msg.Messages
		if m.transcriptLive {
			m.scrollToBottom()
		}
		return m, nil

	case LogAppendedMsg:
		if !m.hasEntry(msg.Message.ID) {
			m.entries = append(m.entries, msg.Message)
		}
		m.transcriptLive = true
		m.scrollToBottom()
		return m, nil

	case RefreshTickMsg:
		return m, tea.Batch(snapshotCmd(m.ctrl), refreshTickCmd())

	case CommandDoneMsg:
		if msg.Err != nil {
			m.errorMessage = msg.Op + ": " + msg.Err.Error()
			m.errorTransient = true
			return m, tea.Batch(snapshotCmd(m.ctrl), clearTransientErrorCmd())
		}
		return m, snapshotCmd(m.ctrl)

	case ExportDoneMsg:
		if msg.Err != nil {
			if errors.Is(msg.Err, export.ErrExportEmpty) {
				m.notice = ""
			} else {
				m.errorMessage = "export: " + msg.Err.Error()
				m.errorTransient = true
				return m, tea.Batch(snapshotCmd(m.ctrl), clearTransientErrorCmd())
			}
		} else {
			m.notice = "Saved " + msg.Path
		}
		return m, snapshotCmd(m.ctrl)

	case ClearTransientErrorMsg:
		if m.errorTransient {
			m.errorMessage = ""
			m.errorTransient = false
		}
		return m, nil
	}

	return m, nil
}

// hasEntry reports whether id is already shown. A snapshot may have
// delivered it before its append notification arrived.
func (m Model) hasEntry(id string) bool {
	for i := len(m.entries) - 1; i >= 0; i-- {
		if m.entries[i].ID == id {
			return true
		}
	}
	return false
}

// handleKey processes key presses.
func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case KeyQuit, KeyQuitUpper, KeyCtrlC:
		return m, tea.Quit

	case KeySpace:
		if m.status.Capture == capture.StatusIdle {
			return m, commandCmd("start", func() error { return m.ctrl.Start(m.ctx) })
		}
		return m, commandCmd("stop", m.ctrl.Stop)

	case KeyPause:
		switch m.status.Capture {
		case capture.StatusCapturing:
			return m, commandCmd("pause", m.ctrl.Pause)
		case capture.StatusPaused:
			return m, commandCmd("resume", m.ctrl.Resume)
		}
		return m, nil

	case KeyReconnect:
		if m.status.Connection == transport.StateClosed {
			return m, commandCmd("reconnect", func() error { return m.ctrl.Reconnect(m.ctx) })
		}
		return m, nil

	case KeyExport:
		return m, exportCmd(m.ctrl, m.exportOptions())

	case KeyFormat:
		m.formatIndex = (m.formatIndex + 1) % len(export.Formats)
		return m, nil

	case KeyTimestamps:
		m.includeTimestamps = !m.includeTimestamps
		return m, nil

	case KeySystem:
		m.includeSystem = !m.includeSystem
		return m, nil

	case KeyAutoScroll:
		m.setLive(!m.transcriptLive)
		return m, nil

	case KeyUp, KeyK:
		m.setLive(false)
		if m.transcriptScroll > 0 {
			m.transcriptScroll--
		}
		return m, nil

	case KeyDown, KeyJ:
		maxScroll := m.maxTranscriptScroll()
		m.transcriptScroll++
		if m.transcriptScroll >= maxScroll {
			m.transcriptScroll = maxScroll
			m.setLive(true)
		}
		return m, nil

	case KeyEnd:
		m.setLive(true)
		return m, nil
	}

	return m, nil
}

// setLive couples the scroll badge to the log's auto-scroll flag.
func (m *Model) setLive(live bool) {
	if m.transcriptLive == live {
		return
	}
	m.transcriptLive = live
	m.ctrl.SetAutoScroll(live)
	if live {
		m.scrollToBottom()
	}
}

func (m *Model) scrollToBottom() {
	m.transcriptScroll = m.maxTranscriptScroll()
}

func (m Model) maxTranscriptScroll() int {
	total := len(m.displayLines(m.transcriptWidth()))
	visible := m.transcriptVisibleLines()
	if total <= visible {
		return 0
	}
	return total - visible
}

func (m Model) transcriptVisibleLines() int {
	if m.height == 0 {
		return 20
	}
	// Reserve: header(1) + status(1) + divider(2) + title(1) + options(1) + error(1) + footer(1)
	reserved := 8
	return max(5, m.height-reserved)
}

func (m Model) transcriptWidth() int {
	if m.width == 0 {
		return 80
	}
	return max(30, m.width-2)
}

// View renders the full TUI.
func (m Model) View() string {
	if m.width == 0 {
		return "Initializing..."
	}

	var sections []string
	sections = append(sections, m.renderHeader())
	sections = append(sections, m.renderStatusBar())
	sections = append(sections, ui.DividerStyle.Render(strings.Repeat("─", m.width)))
	sections = append(sections, m.renderTranscriptPanel(m.transcriptWidth(), m.transcriptVisibleLines()))
	sections = append(sections, ui.DividerStyle.Render(strings.Repeat("─", m.width)))
	sections = append(sections, m.renderExportOptions())

	if m.errorMessage != "" {
		sections = append(sections, m.renderErrorBar())
	} else if m.notice != "" {
		sections = append(sections, ui.NoticeStyle.Render(m.notice))
	}

	sections = append(sections, m.renderFooter())
	return strings.Join(sections, "\n")
}

func (m Model) renderHeader() string {
	title := ui.TitleStyle.Render("LIVESCRIBE")
	if m.endpoint != "" {
		title += ui.DimStyle.Render(" · " + m.endpoint)
	}
	return title
}

func (m Model) renderStatusBar() string {
	var dot string
	switch m.status.Capture {
	case capture.StatusCapturing:
		dot = ui.RecordingDotStyle.Render("● REC")
	case capture.StatusPaused:
		dot = ui.PausedDotStyle.Render("❚❚ PAUSED")
	default:
		dot = ui.IdleDotStyle.Render("○ IDLE")
	}

	var elapsed string
	if !m.status.StartedAt.IsZero() {
		d := time.Since(m.status.StartedAt).Truncate(time.Second)
		elapsed = ui.StatusStyle.Render(fmt.Sprintf("  %s  %d chunks", d, m.status.Chunks))
	}

	return dot + elapsed + "  " + renderConnection(m.status.Connection, m.status.Attempt)
}

func renderConnection(state transport.State, attempt int) string {
	switch state {
	case transport.StateOpen:
		return ui.ConnectedStyle.Render("◆ connected")
	case transport.StateConnecting:
		if attempt > 0 {
			return ui.ConnectingStyle.Render(fmt.Sprintf("◇ reconnecting (%d)", attempt))
		}
		return ui.ConnectingStyle.Render("◇ connecting")
	case transport.StateClosing:
		return ui.ConnectingStyle.Render("◇ closing")
	case transport.StateClosed:
		return ui.DisconnectedStyle.Render("◇ disconnected")
	default:
		return ui.DimStyle.Render("◇ offline")
	}
}

// displayLines flattens the transcript into wrapped, styled rows.
func (m Model) displayLines(width int) []string {
	// Prefix: "[HH:MM:SS] " = 11 chars visible
	const prefixWidth = 11
	textWidth := max(10, width-prefixWidth-2)
	indentStr := strings.Repeat(" ", prefixWidth)

	var out []string
	for _, e := range m.entries {
		ts := ui.TimestampStyle.Render(e.Timestamp.Format("[15:04:05]"))
		style := lipgloss.NewStyle()
		if e.Kind == transcript.KindSystem {
			style = ui.SystemTextStyle
		}
		wrapped := wrapText(e.Text, textWidth)
		out = append(out, ts+" "+style.Render(wrapped[0]))
		for _, wl := range wrapped[1:] {
			out = append(out, indentStr+style.Render(wl))
		}
	}
	return out
}

func (m Model) renderTranscriptPanel(width, height int) string {
	var badge string
	if m.transcriptLive {
		badge = ui.LiveBadgeStyle.Render(" LIVE")
	} else {
		badge = ui.ScrollBadgeStyle.Render(" SCROLL")
	}
	header := ui.PanelTitleStyle.Render(fmt.Sprintf("TRANSCRIPT (%d)", len(m.entries))) + badge

	lines := []string{header}
	contentHeight := height - 1

	if len(m.entries) == 0 {
		lines = append(lines, "")
		lines = append(lines, ui.DimStyle.Render("  Press Space to start transcribing"))
	} else {
		displayLines := m.displayLines(width)

		start := 0
		if m.transcriptLive {
			if len(displayLines) > contentHeight {
				start = len(displayLines) - contentHeight
			}
		} else {
			start = m.transcriptScroll
		}
		if start < 0 {
			start = 0
		}

		end := start + contentHeight
		if end > len(displayLines) {
			end = len(displayLines)
		}

		for i := start; i < end; i++ {
			lines = append(lines, "  "+displayLines[i])
		}
	}

	for len(lines) < height {
		lines = append(lines, "")
	}
	if len(lines) > height {
		lines = lines[:height]
	}

	return strings.Join(lines, "\n")
}

func (m Model) renderExportOptions() string {
	opts := m.exportOptions()
	return ui.DimStyle.Render("Export ") +
		ui.OptionOnStyle.Render(string(opts.Format)) +
		renderToggle("timestamps", opts.IncludeTimestamps) +
		renderToggle("system", opts.IncludeSystemMessages)
}

func renderToggle(label string, on bool) string {
	if on {
		return "  " + ui.OptionOnStyle.Render(label+":on")
	}
	return "  " + ui.DimStyle.Render(label+":off")
}

func (m Model) renderErrorBar() string {
	return ui.ErrorStyle.Render("Error: ") + ui.ErrorTextStyle.Render(m.errorMessage)
}

func (m Model) renderFooter() string {
	var parts []string

	switch m.status.Capture {
	case capture.StatusIdle:
		parts = append(parts, footerKey("Space", "Start"))
	case capture.StatusCapturing:
		parts = append(parts, footerKey("Space", "Stop"), footerKey("p", "Pause"))
	case capture.StatusPaused:
		parts = append(parts, footerKey("Space", "Stop"), footerKey("p", "Resume"))
	}
	if m.status.Connection == transport.StateClosed {
		parts = append(parts, footerKey("r", "Reconnect"))
	}
	parts = append(parts,
		footerKey("e", "Export"),
		footerKey("f", "Format"),
		footerKey("t/s", "Options"),
		footerKey("a", "Auto-scroll"),
		footerKey("↑↓", "Scroll"),
		footerKey("q", "Quit"),
	)

	return strings.Join(parts, "  ")
}

func footerKey(key, desc string) string {
	return ui.FooterKeyStyle.Render(key) + ui.FooterDescStyle.Render(" "+desc)
}

// Helpers

func wrapText(text string, width int) []string {
	if width <= 0 {
		return []string{text}
	}

	var lines []string
	for _, paragraph := range strings.Split(text, "\n") {
		var current string
		for _, word := range strings.Fields(paragraph) {
			if current == "" {
				current = word
			} else if len(current)+1+len(word) <= width {
				current += " " + word
			} else {
				lines = append(lines, current)
				current = word
			}
		}
		if current != "" {
			lines = append(lines, current)
		} else {
			lines = append(lines, "")
		}
	}
	if len(lines) == 0 {
		return []string{""}
	}
	return lines
}
