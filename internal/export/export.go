// Package export renders a transcript snapshot as txt, json, csv or srt.
//
// Rendering is pure: the same messages, options and export instant always
// produce the same bytes. Writing the result to disk is a separate step
// (see Save).
package export

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jwulff/livescribe/internal/transcript"
)

// ErrExportEmpty is returned when no message survives filtering.
var ErrExportEmpty = errors.New("nothing to export")

// Format selects the output encoding.
type Format string

const (
	FormatTXT  Format = "txt"
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
	FormatSRT  Format = "srt"
)

// Formats lists every supported format in display order.
var Formats = []Format{FormatTXT, FormatJSON, FormatCSV, FormatSRT}

// ParseFormat validates a format name.
func ParseFormat(s string) (Format, error) {
	f := Format(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Formats {
		if f == known {
			return f, nil
		}
	}
	return "", fmt.Errorf("unknown export format %q", s)
}

// Ext returns the file extension without the dot.
func (f Format) Ext() string { return string(f) }

// MimeType returns the content type used when saving.
func (f Format) MimeType() string {
	switch f {
	case FormatJSON:
		return "application/json"
	case FormatCSV:
		return "text/csv"
	default:
		return "text/plain"
	}
}

// Options controls filtering and layout.
type Options struct {
	Format                Format
	IncludeTimestamps     bool
	IncludeSystemMessages bool

	// Location is used for human-readable timestamps; nil means local time.
	Location *time.Location
}

const (
	txtHeader = "AI Audio Transcription\n" + "==============================" + "\n\n"

	// localLayout mirrors a browser's default toLocaleString output.
	localLayout = "1/2/2006, 3:04:05 PM"
	isoLayout   = "2006-01-02T15:04:05.000Z"

	cueDuration = 3000 // milliseconds
)

// Transcription renders msgs according to opts. exportedAt stamps the json
// header; it is a parameter so the output stays deterministic.
func Transcription(msgs []transcript.Message, opts Options, exportedAt time.Time) (string, error) {
	filtered := filter(msgs, opts)
	if opts.Format == FormatSRT {
		filtered = onlyTranscriptions(filtered)
	}
	if len(filtered) == 0 {
		return "", ErrExportEmpty
	}

	loc := opts.Location
	if loc == nil {
		loc = time.Local
	}

	switch opts.Format {
	case FormatJSON:
		return asJSON(filtered, exportedAt)
	case FormatCSV:
		return asCSV(filtered, opts.IncludeTimestamps, loc), nil
	case FormatSRT:
		return asSRT(filtered), nil
	default:
		return asTXT(filtered, opts.IncludeTimestamps, loc), nil
	}
}

// Filename returns the suggested file name for an export made at exportedAt.
func Filename(exportedAt time.Time, f Format) string {
	stamp := exportedAt.UTC().Format(isoLayout)
	stamp = strings.NewReplacer(":", "-", ".", "-").Replace(stamp)
	return "transcription-" + stamp + "." + f.Ext()
}

func filter(msgs []transcript.Message, opts Options) []transcript.Message {
	if opts.IncludeSystemMessages {
		return msgs
	}
	return onlyTranscriptions(msgs)
}

func onlyTranscriptions(msgs []transcript.Message) []transcript.Message {
	out := make([]transcript.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Kind == transcript.KindTranscription {
			out = append(out, m)
		}
	}
	return out
}

func asTXT(msgs []transcript.Message, timestamps bool, loc *time.Location) string {
	lines := make([]string, len(msgs))
	for i, m := range msgs {
		if timestamps {
			lines[i] = "[" + m.Timestamp.In(loc).Format(localLayout) + "] " + m.Text
		} else {
			lines[i] = m.Text
		}
	}
	return txtHeader + strings.Join(lines, "\n")
}

type jsonDocument struct {
	ExportDate    string        `json:"exportDate"`
	TotalMessages int           `json:"totalMessages"`
	Messages      []jsonMessage `json:"messages"`
}

type jsonMessage struct {
	ID        string `json:"id"`
	Text      string `json:"text"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
}

func asJSON(msgs []transcript.Message, exportedAt time.Time) (string, error) {
	doc := jsonDocument{
		ExportDate:    exportedAt.UTC().Format(isoLayout),
		TotalMessages: len(msgs),
		Messages:      make([]jsonMessage, len(msgs)),
	}
	for i, m := range msgs {
		doc.Messages[i] = jsonMessage{
			ID:        m.ID,
			Text:      m.Text,
			Timestamp: m.Timestamp.UTC().Format(isoLayout),
			Type:      string(m.Kind),
		}
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return "", fmt.Errorf("encode json export: %w", err)
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}

func asCSV(msgs []transcript.Message, timestamps bool, loc *time.Location) string {
	rows := make([]string, 0, len(msgs)+1)
	if timestamps {
		rows = append(rows, "Timestamp,Type,Text")
	} else {
		rows = append(rows, "Type,Text")
	}
	for _, m := range msgs {
		text := quote(m.Text)
		if timestamps {
			rows = append(rows, csvField(m.Timestamp.In(loc).Format(localLayout))+","+string(m.Kind)+","+text)
		} else {
			rows = append(rows, string(m.Kind)+","+text)
		}
	}
	return strings.Join(rows, "\n")
}

// quote always wraps s in double quotes, doubling any inside.
func quote(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

// csvField quotes s only when it would otherwise split the row.
func csvField(s string) string {
	if strings.ContainsAny(s, ",\"\n\r") {
		return quote(s)
	}
	return s
}

func asSRT(msgs []transcript.Message) string {
	cues := make([]string, len(msgs))
	for i, m := range msgs {
		start := m.Timestamp.UnixMilli()
		end := start + cueDuration
		cues[i] = fmt.Sprintf("%d\n%s --> %s\n%s\n", i+1, srtTime(start), srtTime(end), m.Text)
	}
	return strings.Join(cues, "\n")
}

// srtTime splits an absolute Unix millisecond value into clock fields by
// integer division, so hours are not wrapped at 24.
func srtTime(ms int64) string {
	hours := ms / 3_600_000
	minutes := (ms % 3_600_000) / 60_000
	seconds := (ms % 60_000) / 1000
	millis := ms % 1000
	return fmt.Sprintf("%02d:%02d:%02d,%03d", hours, minutes, seconds, millis)
}
