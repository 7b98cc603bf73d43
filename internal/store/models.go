package store

import (
	"encoding/json"
	"time"
)

// Event is an immutable tracked fact. Once written, only UserID and
// SessionID may be rewritten, and only by an identity merge.
type Event struct {
	ID         string          `json:"id"`
	ProjectID  string          `json:"projectId"`
	UserID     string          `json:"userId"`
	SessionID  string          `json:"sessionId"`
	CreatedAt  time.Time       `json:"createdAt"`
	Type       string          `json:"type"`
	Properties json.RawMessage `json:"properties"`
}

// Session is a derived aggregate over a contiguous run of events for one
// user. Its storage identity is the (id, startedAt) pair: moving startedAt
// earlier requires a delete plus reinsert, while moving only endedAt later
// is a plain in-place update.
type Session struct {
	ID              string    `json:"id"`
	ProjectID       string    `json:"projectId"`
	UserID          string    `json:"userId"`
	StartedAt       time.Time `json:"startedAt"`
	EndedAt         time.Time `json:"endedAt"`
	DurationSeconds int64     `json:"durationSeconds"`
}

// EventReassignment describes the new owner and session of a single event
// after a merge.
type EventReassignment struct {
	NewUserID    string `json:"newUserId"`
	NewSessionID string `json:"newSessionId"`
}
