package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/thebtf/mnemo/pkg/models"
)

// PromptStore provides user-prompt database operations.
type PromptStore struct {
	store *Store
}

// NewPromptStore creates a new prompt store.
func NewPromptStore(store *Store) *PromptStore {
	return &PromptStore{store: store}
}

// Insert stores a privacy-stripped user prompt. The unique index on
// (content_session_id, prompt_number) absorbs duplicate hook deliveries.
func (s *PromptStore) Insert(ctx context.Context, contentSessionID, promptText string, promptNumber int) (int64, error) {
	now := time.Now()
	result, err := s.store.ExecContext(ctx, `
		INSERT OR IGNORE INTO user_prompts
			(content_session_id, prompt_number, prompt_text, created_at, created_at_epoch)
		VALUES (?, ?, ?, ?, ?)
	`, contentSessionID, promptNumber, promptText, now.Format(time.RFC3339), now.UnixMilli())
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

// FindRecentDuplicate reports whether the exact prompt text was already saved
// for this session within the window. Guards against the init hook firing
// more than once for the same user turn.
func (s *PromptStore) FindRecentDuplicate(ctx context.Context, contentSessionID, promptText string, window time.Duration) (bool, error) {
	cutoff := time.Now().Add(-window).UnixMilli()
	var count int
	err := s.store.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM user_prompts
		WHERE content_session_id = ? AND prompt_text = ? AND created_at_epoch >= ?
	`, contentSessionID, promptText, cutoff).Scan(&count)
	return count > 0, err
}

// ListBySession returns all prompts for a content session in prompt order.
func (s *PromptStore) ListBySession(ctx context.Context, contentSessionID string) ([]*models.UserPrompt, error) {
	rows, err := s.store.QueryContext(ctx, `
		SELECT id, content_session_id, prompt_number, prompt_text, created_at, created_at_epoch
		FROM user_prompts WHERE content_session_id = ? ORDER BY prompt_number ASC
	`, contentSessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.UserPrompt
	for rows.Next() {
		var p models.UserPrompt
		if err := rows.Scan(&p.ID, &p.ContentSessionID, &p.PromptNumber, &p.PromptText, &p.CreatedAt, &p.CreatedAtEpoch); err != nil {
			return nil, err
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

// Latest returns the most recent prompt for a session, or nil when none exist.
func (s *PromptStore) Latest(ctx context.Context, contentSessionID string) (*models.UserPrompt, error) {
	var p models.UserPrompt
	err := s.store.QueryRowContext(ctx, `
		SELECT id, content_session_id, prompt_number, prompt_text, created_at, created_at_epoch
		FROM user_prompts WHERE content_session_id = ? ORDER BY prompt_number DESC LIMIT 1
	`, contentSessionID).Scan(&p.ID, &p.ContentSessionID, &p.PromptNumber, &p.PromptText, &p.CreatedAt, &p.CreatedAtEpoch)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}
