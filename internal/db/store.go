package db

import (
	"database/sql"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jwulff/livescribe/internal/transcript"

	_ "modernc.org/sqlite"
)

const schema = `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		startedAt REAL NOT NULL,
		endedAt REAL,
		endpoint TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'active',
		createdAt REAL NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		sessionId TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		text TEXT NOT NULL,
		kind TEXT NOT NULL,
		timestamp REAL NOT NULL,
		sequenceNumber INTEGER NOT NULL,
		UNIQUE(sessionId, sequenceNumber)
	);
`

// Store provides access to the transcript archive.
type Store struct {
	db *sql.DB
}

// Open opens or creates the archive at path with WAL journaling.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One connection keeps :memory: databases coherent and serializes writers.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateSession records the start of a capture run.
func (s *Store) CreateSession(id, endpoint string, startedAt time.Time) error {
	_, err := s.db.Exec(`
		INSERT INTO sessions (id, startedAt, endpoint, status, createdAt)
		VALUES (?, ?, ?, ?, ?)
	`, id, unixFromTime(startedAt), endpoint, StatusActive, unixFromTime(time.Now()))
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// EndSession marks a session completed.
func (s *Store) EndSession(id string, endedAt time.Time) error {
	res, err := s.db.Exec(`
		UPDATE sessions SET endedAt = ?, status = ? WHERE id = ?
	`, unixFromTime(endedAt), StatusCompleted, id)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("end session %s: %w", id, sql.ErrNoRows)
	}
	return nil
}

// Recorder returns a transcript sink that appends to sessionID.
func (s *Store) Recorder(sessionID string) *Recorder {
	return &Recorder{store: s, sessionID: sessionID}
}

// Recorder archives messages for one session in arrival order.
type Recorder struct {
	store     *Store
	sessionID string

	mu  sync.Mutex
	seq int
}

// Record implements transcript.Sink.
func (r *Recorder) Record(m transcript.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.seq++
	_, err := r.store.db.Exec(`
		INSERT INTO messages (id, sessionId, text, kind, timestamp, sequenceNumber)
		VALUES (?, ?, ?, ?, ?, ?)
	`, m.ID, r.sessionID, m.Text, string(m.Kind), unixFromTime(m.Timestamp), r.seq)
	if err != nil {
		r.seq--
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// MessagesForSession returns the archived transcript in arrival order.
func (s *Store) MessagesForSession(sessionID string) ([]transcript.Message, error) {
	rows, err := s.db.Query(`
		SELECT id, text, kind, timestamp
		FROM messages
		WHERE sessionId = ?
		ORDER BY sequenceNumber ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var msgs []transcript.Message
	for rows.Next() {
		var m transcript.Message
		var kind string
		var ts float64
		if err := rows.Scan(&m.ID, &m.Text, &kind, &ts); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Kind = transcript.Kind(kind)
		m.Timestamp = timeFromUnix(ts)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

const sessionColumns = `
	s.id, s.startedAt, s.endedAt, s.endpoint, s.status, s.createdAt,
	(SELECT COUNT(*) FROM messages m WHERE m.sessionId = s.id)
`

// Session returns one session by id, or nil when it does not exist.
func (s *Store) Session(id string) (*Session, error) {
	row := s.db.QueryRow(`SELECT `+sessionColumns+` FROM sessions s WHERE s.id = ?`, id)
	return scanSession(row)
}

// LatestSession returns the most recent session regardless of status.
func (s *Store) LatestSession() (*Session, error) {
	row := s.db.QueryRow(`
		SELECT ` + sessionColumns + `
		FROM sessions s
		ORDER BY s.startedAt DESC
		LIMIT 1
	`)
	return scanSession(row)
}

// Sessions returns up to limit sessions, newest first.
func (s *Store) Sessions(limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(`
		SELECT `+sessionColumns+`
		FROM sessions s
		ORDER BY s.startedAt DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sess)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*Session, error) {
	var sess Session
	var startedAt, createdAt float64
	var endedAt sql.NullFloat64

	if err := row.Scan(&sess.ID, &startedAt, &endedAt, &sess.Endpoint,
		&sess.Status, &createdAt, &sess.MessageCount); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan session: %w", err)
	}

	sess.StartedAt = timeFromUnix(startedAt)
	sess.CreatedAt = timeFromUnix(createdAt)
	if endedAt.Valid {
		t := timeFromUnix(endedAt.Float64)
		sess.EndedAt = &t
	}
	return &sess, nil
}

func unixFromTime(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func timeFromUnix(ts float64) time.Time {
	sec := math.Floor(ts)
	// Round to microseconds; float64 cannot hold nanoseconds at this scale.
	usec := math.Round((ts - sec) * 1e6)
	return time.Unix(int64(sec), int64(usec)*1000)
}
