package app

import (
	"github.com/jwulff/livescribe/internal/session"
	"github.com/jwulff/livescribe/internal/transcript"
)

// SnapshotMsg carries a fresh view of the session.
type SnapshotMsg struct {
	Status   session.Status
	Messages []transcript.Message
}

// LogAppendedMsg is sent by the log observer while auto-scroll is on.
type LogAppendedMsg struct {
	Message transcript.Message
}

// RefreshTickMsg triggers a periodic snapshot.
type RefreshTickMsg struct{}

// CommandDoneMsg reports the outcome of a capture or connection command.
type CommandDoneMsg struct {
	Op  string
	Err error
}

// ExportDoneMsg reports a finished export.
type ExportDoneMsg struct {
	Path string
	Err  error
}

// ClearTransientErrorMsg clears a transient error after a timeout.
type ClearTransientErrorMsg struct{}
