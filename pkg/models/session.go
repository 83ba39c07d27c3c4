// Package models contains domain models for mnemo.
package models

import (
	"database/sql"
	"encoding/json"
)

// SessionStatus represents the lifecycle state of a stored session.
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
)

// Session represents a tracked content session.
//
// ContentSessionID identifies the observed coding-assistant session and is
// stable across worker restarts. MemorySessionID is the generator's own
// conversational identity; it is captured from the first provider response
// and must be treated as stale after a worker restart.
type Session struct {
	ContentSessionID string         `db:"content_session_id" json:"contentSessionId"`
	MemorySessionID  sql.NullString `db:"memory_session_id" json:"-"`
	Project          string         `db:"project" json:"project"`
	UserPrompt       sql.NullString `db:"user_prompt" json:"-"`
	CustomTitle      sql.NullString `db:"custom_title" json:"-"`
	StartedAt        string         `db:"started_at" json:"startedAt"`
	CompletedAt      sql.NullString `db:"completed_at" json:"-"`
	Status           SessionStatus  `db:"status" json:"status"`
	ID               int64          `db:"id" json:"sessionDbId"`
	StartedAtEpoch   int64          `db:"started_at_epoch" json:"startedAtEpoch"`
	PromptCounter    int            `db:"prompt_counter" json:"promptCounter"`
}

// sessionJSON is the JSON-friendly shape with NullStrings flattened.
type sessionJSON struct {
	ContentSessionID string        `json:"contentSessionId"`
	MemorySessionID  string        `json:"memorySessionId,omitempty"`
	Project          string        `json:"project"`
	UserPrompt       string        `json:"userPrompt,omitempty"`
	CustomTitle      string        `json:"customTitle,omitempty"`
	StartedAt        string        `json:"startedAt"`
	CompletedAt      string        `json:"completedAt,omitempty"`
	Status           SessionStatus `json:"status"`
	ID               int64         `json:"sessionDbId"`
	StartedAtEpoch   int64         `json:"startedAtEpoch"`
	PromptCounter    int           `json:"promptCounter"`
}

// MarshalJSON flattens sql.Null* fields for clean JSON output.
func (s *Session) MarshalJSON() ([]byte, error) {
	j := sessionJSON{
		ID:               s.ID,
		ContentSessionID: s.ContentSessionID,
		Project:          s.Project,
		StartedAt:        s.StartedAt,
		StartedAtEpoch:   s.StartedAtEpoch,
		Status:           s.Status,
		PromptCounter:    s.PromptCounter,
	}
	if s.MemorySessionID.Valid {
		j.MemorySessionID = s.MemorySessionID.String
	}
	if s.UserPrompt.Valid {
		j.UserPrompt = s.UserPrompt.String
	}
	if s.CustomTitle.Valid {
		j.CustomTitle = s.CustomTitle.String
	}
	if s.CompletedAt.Valid {
		j.CompletedAt = s.CompletedAt.String
	}
	return json.Marshal(j)
}
