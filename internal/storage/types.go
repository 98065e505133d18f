package storage

import (
	"encoding/json"
	"time"
)

// Status is a job's lifecycle state. "scheduled" is the only active state;
// "sent" and "failed" are terminal and never transition further.
type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusSent      Status = "sent"
	StatusFailed    Status = "failed"
)

func (s Status) Terminal() bool { return s == StatusSent || s == StatusFailed }

// Job is one scheduled delivery attempt. Destination and Payload are opaque
// to the scheduler; they are carried through to the delivery driver unread.
//
// Timestamps are unix milliseconds (the wire format of the HTTP API).
// SentAt is 0 until the job reaches a terminal state.
type Job struct {
	ID           string          `json:"id"`
	Destination  json.RawMessage `json:"destination"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	FireAt       int64           `json:"fire_at"`
	Status       Status          `json:"status"`
	CreatedAt    int64           `json:"created_at"`
	SentAt       int64           `json:"sent_at,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
}

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (default choice)
//   - "file": dependency-free file backend (jsonl journal + snapshot)
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// AuditEntry records a scheduler lifecycle event.
// Keep it compact and schema-stable.
type AuditEntry struct {
	At     time.Time `json:"at"`
	JobID  string    `json:"job_id"`
	Action string    `json:"action"` // scheduled | sent | failed | swept
	FireAt int64     `json:"fire_at,omitempty"`
	Error  string    `json:"error,omitempty"`
	TookMS int64     `json:"took_ms,omitempty"`
}
