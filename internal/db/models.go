// Package db archives capture sessions and their transcript in SQLite.
package db

import "time"

// Session statuses.
const (
	StatusActive    = "active"
	StatusCompleted = "completed"
)

// Session represents one capture run against a relay.
type Session struct {
	ID           string
	StartedAt    time.Time
	EndedAt      *time.Time
	Endpoint     string
	Status       string
	CreatedAt    time.Time
	MessageCount int
}
