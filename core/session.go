package core

import "time"

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	SessionActive  SessionStatus = "active"
	SessionClosing SessionStatus = "closing"
	SessionClosed  SessionStatus = "closed"
)

// SessionSummary is the externally visible snapshot of one session.
type SessionSummary struct {
	ID         string        `json:"session_id"`
	Status     SessionStatus `json:"status"`
	CreatedAt  time.Time     `json:"created_at"`
	LastActive time.Time     `json:"last_active"`
	Queries    int64         `json:"queries"`
	Busy       bool          `json:"busy"`
	Queued     int           `json:"queued"`
	Options    Options       `json:"options"`
}
