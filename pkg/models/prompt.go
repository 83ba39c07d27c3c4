// Package models contains domain models for mnemo.
package models

// UserPrompt represents a privacy-stripped user prompt saved at session init.
type UserPrompt struct {
	ContentSessionID string `db:"content_session_id" json:"contentSessionId"`
	PromptText       string `db:"prompt_text" json:"promptText"`
	CreatedAt        string `db:"created_at" json:"createdAt"`
	ID               int64  `db:"id" json:"id"`
	PromptNumber     int    `db:"prompt_number" json:"promptNumber"`
	CreatedAtEpoch   int64  `db:"created_at_epoch" json:"createdAtEpoch"`
}
