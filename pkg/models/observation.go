// Package models contains domain models for mnemo.
package models

import (
	"crypto/sha256"
	"database/sql"
	"database/sql/driver"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ObservationType represents the type of observation.
type ObservationType string

const (
	ObsTypeBugfix    ObservationType = "bugfix"
	ObsTypeFeature   ObservationType = "feature"
	ObsTypeRefactor  ObservationType = "refactor"
	ObsTypeChange    ObservationType = "change"
	ObsTypeDiscovery ObservationType = "discovery"
	ObsTypeDecision  ObservationType = "decision"
	ObsTypeSession   ObservationType = "session"
	ObsTypePrompt    ObservationType = "prompt"
)

// ValidObservationTypes is the set of types accepted from provider output.
var ValidObservationTypes = map[ObservationType]bool{
	ObsTypeBugfix:    true,
	ObsTypeFeature:   true,
	ObsTypeRefactor:  true,
	ObsTypeChange:    true,
	ObsTypeDiscovery: true,
	ObsTypeDecision:  true,
	ObsTypeSession:   true,
	ObsTypePrompt:    true,
}

// JSONStringArray is a custom type for handling JSON string arrays in SQLite.
type JSONStringArray []string

// Scan implements sql.Scanner for JSONStringArray.
func (j *JSONStringArray) Scan(src interface{}) error {
	if src == nil {
		*j = nil
		return nil
	}

	var data []byte
	switch v := src.(type) {
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return fmt.Errorf("JSONStringArray: unsupported type %T", src)
	}

	if len(data) == 0 {
		*j = nil
		return nil
	}

	return json.Unmarshal(data, j)
}

// Value implements driver.Valuer for JSONStringArray.
func (j JSONStringArray) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

// Observation represents a structured learning extracted from one tool use.
type Observation struct {
	MemorySessionID string          `db:"memory_session_id" json:"memory_session_id"`
	Project         string          `db:"project" json:"project"`
	Type            ObservationType `db:"type" json:"type"`
	Title           sql.NullString  `db:"title" json:"title,omitempty"`
	Subtitle        sql.NullString  `db:"subtitle" json:"subtitle,omitempty"`
	Narrative       sql.NullString  `db:"narrative" json:"narrative,omitempty"`
	ContentHash     string          `db:"content_hash" json:"content_hash"`
	CreatedAt       string          `db:"created_at" json:"created_at"`
	Facts           JSONStringArray `db:"facts" json:"facts,omitempty"`
	Concepts        JSONStringArray `db:"concepts" json:"concepts,omitempty"`
	FilesRead       JSONStringArray `db:"files_read" json:"files_read,omitempty"`
	FilesModified   JSONStringArray `db:"files_modified" json:"files_modified,omitempty"`
	PromptNumber    sql.NullInt64   `db:"prompt_number" json:"prompt_number,omitempty"`
	DiscoveryTokens int64           `db:"discovery_tokens" json:"discovery_tokens"`
	ID              int64           `db:"id" json:"id"`
	CreatedAtEpoch  int64           `db:"created_at_epoch" json:"created_at_epoch"`
}

// ParsedObservation represents an observation parsed from provider response XML.
type ParsedObservation struct {
	Type          ObservationType
	Title         string
	Subtitle      string
	Narrative     string
	Facts         []string
	Concepts      []string
	FilesRead     []string
	FilesModified []string
}

// ContentHash computes the deduplication hash over the fields that define an
// observation's identity. Two observations with the same hash within the
// recency window are considered duplicates.
func (p *ParsedObservation) ContentHash(project string) string {
	h := sha256.New()
	h.Write([]byte(project))
	h.Write([]byte{0})
	h.Write([]byte(p.Title))
	h.Write([]byte{0})
	h.Write([]byte(p.Subtitle))
	h.Write([]byte{0})
	h.Write([]byte(p.Narrative))
	h.Write([]byte{0})
	h.Write([]byte(strings.Join(p.Concepts, ",")))
	return hex.EncodeToString(h.Sum(nil))[:32]
}

// NewObservation creates a stored observation from parsed provider output.
func NewObservation(memorySessionID, project string, parsed *ParsedObservation, promptNumber int, discoveryTokens int64) *Observation {
	now := time.Now()
	return &Observation{
		MemorySessionID: memorySessionID,
		Project:         project,
		Type:            parsed.Type,
		Title:           sql.NullString{String: parsed.Title, Valid: parsed.Title != ""},
		Subtitle:        sql.NullString{String: parsed.Subtitle, Valid: parsed.Subtitle != ""},
		Narrative:       sql.NullString{String: parsed.Narrative, Valid: parsed.Narrative != ""},
		Facts:           parsed.Facts,
		Concepts:        parsed.Concepts,
		FilesRead:       parsed.FilesRead,
		FilesModified:   parsed.FilesModified,
		ContentHash:     parsed.ContentHash(project),
		PromptNumber:    sql.NullInt64{Int64: int64(promptNumber), Valid: promptNumber > 0},
		DiscoveryTokens: discoveryTokens,
		CreatedAt:       now.Format(time.RFC3339),
		CreatedAtEpoch:  now.UnixMilli(),
	}
}

// StampObservedAt backdates the creation timestamp to when the tool use was
// enqueued.
func (o *Observation) StampObservedAt(epochMillis int64) {
	o.CreatedAt = time.UnixMilli(epochMillis).Format(time.RFC3339)
	o.CreatedAtEpoch = epochMillis
}

// observationJSON is a JSON-friendly representation of Observation.
type observationJSON struct {
	MemorySessionID string          `json:"memory_session_id"`
	Project         string          `json:"project"`
	Type            ObservationType `json:"type"`
	Title           string          `json:"title,omitempty"`
	Subtitle        string          `json:"subtitle,omitempty"`
	Narrative       string          `json:"narrative,omitempty"`
	CreatedAt       string          `json:"created_at"`
	Facts           []string        `json:"facts,omitempty"`
	Concepts        []string        `json:"concepts,omitempty"`
	FilesRead       []string        `json:"files_read,omitempty"`
	FilesModified   []string        `json:"files_modified,omitempty"`
	ID              int64           `json:"id"`
	PromptNumber    int64           `json:"prompt_number,omitempty"`
	DiscoveryTokens int64           `json:"discovery_tokens"`
	CreatedAtEpoch  int64           `json:"created_at_epoch"`
}

// MarshalJSON flattens sql.Null* fields for clean JSON output.
func (o *Observation) MarshalJSON() ([]byte, error) {
	j := observationJSON{
		ID:              o.ID,
		MemorySessionID: o.MemorySessionID,
		Project:         o.Project,
		Type:            o.Type,
		Facts:           o.Facts,
		Concepts:        o.Concepts,
		FilesRead:       o.FilesRead,
		FilesModified:   o.FilesModified,
		DiscoveryTokens: o.DiscoveryTokens,
		CreatedAt:       o.CreatedAt,
		CreatedAtEpoch:  o.CreatedAtEpoch,
	}
	if o.Title.Valid {
		j.Title = o.Title.String
	}
	if o.Subtitle.Valid {
		j.Subtitle = o.Subtitle.String
	}
	if o.Narrative.Valid {
		j.Narrative = o.Narrative.String
	}
	if o.PromptNumber.Valid {
		j.PromptNumber = o.PromptNumber.Int64
	}
	return json.Marshal(j)
}
