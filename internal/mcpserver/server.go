// Package mcpserver exposes the transcript archive to MCP clients over stdio.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jwulff/livescribe/internal/db"
	"github.com/jwulff/livescribe/internal/export"
	"github.com/jwulff/livescribe/internal/transcript"
)

// Archive is the read side of the store the tools need.
type Archive interface {
	Sessions(limit int) ([]db.Session, error)
	Session(id string) (*db.Session, error)
	LatestSession() (*db.Session, error)
	MessagesForSession(id string) ([]transcript.Message, error)
}

// Handlers implements the tool calls.
type Handlers struct {
	Archive Archive
	Now     func() time.Time
}

// New builds an MCP server with the livescribe tools registered.
func New(version string, h *Handlers) *server.MCPServer {
	s := server.NewMCPServer("livescribe", version, server.WithToolCapabilities(false))

	s.AddTool(mcp.NewTool("list_sessions",
		mcp.WithDescription("List archived transcription sessions, newest first."),
		mcp.WithNumber("limit", mcp.Description("Maximum number of sessions (default 20).")),
	), h.ListSessions)

	s.AddTool(mcp.NewTool("export_session",
		mcp.WithDescription("Render an archived session as txt, json, csv or srt."),
		mcp.WithString("session_id", mcp.Description("Session to export; defaults to the most recent.")),
		mcp.WithString("format", mcp.Description("Export format."), mcp.Enum("txt", "json", "csv", "srt")),
		mcp.WithBoolean("include_timestamps", mcp.Description("Prefix entries with their time (txt, csv).")),
		mcp.WithBoolean("include_system_messages", mcp.Description("Include status notices.")),
	), h.ExportSession)

	return s
}

// ServeStdio runs s on stdin/stdout until the client disconnects.
func ServeStdio(s *server.MCPServer) error {
	return server.ServeStdio(s)
}

type sessionJSON struct {
	ID           string     `json:"id"`
	StartedAt    time.Time  `json:"startedAt"`
	EndedAt      *time.Time `json:"endedAt,omitempty"`
	Endpoint     string     `json:"endpoint"`
	Status       string     `json:"status"`
	MessageCount int        `json:"messageCount"`
}

// ListSessions handles list_sessions.
func (h *Handlers) ListSessions(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessions, err := h.Archive.Sessions(req.GetInt("limit", 20))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("list sessions: %v", err)), nil
	}

	out := make([]sessionJSON, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, sessionJSON{
			ID:           s.ID,
			StartedAt:    s.StartedAt.UTC(),
			EndedAt:      utcPtr(s.EndedAt),
			Endpoint:     s.Endpoint,
			Status:       s.Status,
			MessageCount: s.MessageCount,
		})
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal sessions: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}

// ExportSession handles export_session.
func (h *Handlers) ExportSession(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	format, err := export.ParseFormat(req.GetString("format", string(export.FormatTXT)))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	var sess *db.Session
	if id := req.GetString("session_id", ""); id != "" {
		sess, err = h.Archive.Session(id)
	} else {
		sess, err = h.Archive.LatestSession()
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("load session: %v", err)), nil
	}
	if sess == nil {
		return mcp.NewToolResultError("session not found"), nil
	}

	msgs, err := h.Archive.MessagesForSession(sess.ID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("load messages: %v", err)), nil
	}

	now := time.Now
	if h.Now != nil {
		now = h.Now
	}
	payload, err := export.Transcription(msgs, export.Options{
		Format:                format,
		IncludeTimestamps:     req.GetBool("include_timestamps", false),
		IncludeSystemMessages: req.GetBool("include_system_messages", false),
	}, now())
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(payload), nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
