package storage

import (
	"errors"
	"time"
)

var (
	ErrClosed   = errors.New("storage closed")
	ErrNotFound = errors.New("document not found")
)

// Config configures storage.
//
// Driver values:
//   - "file": JSON snapshot files plus a jsonl audit trail
//   - "sqlite": a SQLite database file
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Document names used by the core. Keep these stable; they are the
// on-disk identity of each snapshot.
const (
	DocJobs    = "jobs"
	DocUsers   = "users"
	DocGeneral = "general"
)

// AuditEntry records one moderation log line (the plain-text variant of a
// mod log post). Keep it compact and schema-stable.
type AuditEntry struct {
	At      time.Time `json:"at"`
	Kind    string    `json:"kind"`
	ChatID  int64     `json:"chat_id,omitempty"`
	UserID  int64     `json:"user_id,omitempty"`
	JobID   string    `json:"job_id,omitempty"`
	Content string    `json:"content"`
}
