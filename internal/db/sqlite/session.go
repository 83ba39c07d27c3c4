package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/thebtf/mnemo/pkg/models"
)

// sessionColumns is the standard column list for session queries.
const sessionColumns = `id, content_session_id, memory_session_id, project, user_prompt,
       custom_title, started_at, started_at_epoch, completed_at, status,
       COALESCE(prompt_counter, 0) as prompt_counter`

// ErrSessionNotFound is returned when a session lookup matches no row.
var ErrSessionNotFound = errors.New("session not found")

// SessionStore provides session-related database operations.
type SessionStore struct {
	store *Store
}

// NewSessionStore creates a new session store.
func NewSessionStore(store *Store) *SessionStore {
	return &SessionStore{store: store}
}

// CreateOrGet returns the session for a content session ID, creating an
// active row if none exists. Safe to call repeatedly for the same ID.
func (s *SessionStore) CreateOrGet(ctx context.Context, contentSessionID, project, userPrompt string) (*models.Session, error) {
	now := time.Now()

	_, err := s.store.ExecContext(ctx, `
		INSERT OR IGNORE INTO sessions
			(content_session_id, project, user_prompt, started_at, started_at_epoch, status)
		VALUES (?, ?, ?, ?, ?, 'active')
	`, contentSessionID, project, nullString(userPrompt), now.Format(time.RFC3339), now.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}

	return s.GetByContentID(ctx, contentSessionID)
}

// GetByContentID looks up a session by its content session ID.
func (s *SessionStore) GetByContentID(ctx context.Context, contentSessionID string) (*models.Session, error) {
	row := s.store.QueryRowContext(ctx,
		"SELECT "+sessionColumns+" FROM sessions WHERE content_session_id = ?",
		contentSessionID,
	)
	return scanSession(row)
}

// GetByID looks up a session by its database row ID.
func (s *SessionStore) GetByID(ctx context.Context, id int64) (*models.Session, error) {
	row := s.store.QueryRowContext(ctx,
		"SELECT "+sessionColumns+" FROM sessions WHERE id = ?", id,
	)
	return scanSession(row)
}

// IncrementPromptCounter bumps the per-session prompt counter and returns the
// new value. The counter numbers user prompts within a session starting at 1.
func (s *SessionStore) IncrementPromptCounter(ctx context.Context, contentSessionID string) (int, error) {
	_, err := s.store.ExecContext(ctx, `
		UPDATE sessions SET prompt_counter = COALESCE(prompt_counter, 0) + 1
		WHERE content_session_id = ?
	`, contentSessionID)
	if err != nil {
		return 0, err
	}

	var counter int
	err = s.store.QueryRowContext(ctx,
		"SELECT COALESCE(prompt_counter, 0) FROM sessions WHERE content_session_id = ?",
		contentSessionID,
	).Scan(&counter)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrSessionNotFound
	}
	return counter, err
}

// UpdateMemorySessionID records the generator's session identity. The foreign
// keys on observations and session_summaries cascade the update, so rows
// written under a synthetic ID follow the rename.
func (s *SessionStore) UpdateMemorySessionID(ctx context.Context, sessionDBID int64, memorySessionID string) error {
	_, err := s.store.ExecContext(ctx,
		"UPDATE sessions SET memory_session_id = ? WHERE id = ?",
		memorySessionID, sessionDBID,
	)
	return err
}

// SetCustomTitle stores a user-assigned session title.
func (s *SessionStore) SetCustomTitle(ctx context.Context, contentSessionID, title string) error {
	_, err := s.store.ExecContext(ctx,
		"UPDATE sessions SET custom_title = ? WHERE content_session_id = ?",
		nullString(title), contentSessionID,
	)
	return err
}

// Complete marks a session finished with the given terminal status.
func (s *SessionStore) Complete(ctx context.Context, contentSessionID string, status models.SessionStatus) error {
	now := time.Now()
	_, err := s.store.ExecContext(ctx, `
		UPDATE sessions SET status = ?, completed_at = ?, completed_at_epoch = ?
		WHERE content_session_id = ?
	`, string(status), now.Format(time.RFC3339), now.UnixMilli(), contentSessionID)
	return err
}

// Delete removes a session row; observations, summaries, prompts and queued
// messages follow via cascading foreign keys.
func (s *SessionStore) Delete(ctx context.Context, contentSessionID string) error {
	_, err := s.store.ExecContext(ctx,
		"DELETE FROM sessions WHERE content_session_id = ?", contentSessionID,
	)
	return err
}

// ReapStale marks active sessions older than maxAge as failed and fails
// their queued messages. Returns the number of sessions reaped. Runs at
// startup to retire sessions left active by a crash.
func (s *SessionStore) ReapStale(ctx context.Context, maxAge time.Duration) (int64, error) {
	now := time.Now()
	cutoff := now.Add(-maxAge).UnixMilli()

	_, err := s.store.ExecContext(ctx, `
		UPDATE pending_messages SET status = 'failed', failed_at_epoch = ?
		WHERE status IN ('pending', 'processing') AND session_db_id IN (
			SELECT id FROM sessions WHERE status = 'active' AND started_at_epoch < ?
		)
	`, now.UnixMilli(), cutoff)
	if err != nil {
		return 0, err
	}

	result, err := s.store.ExecContext(ctx, `
		UPDATE sessions SET status = 'failed', completed_at = ?, completed_at_epoch = ?
		WHERE status = 'active' AND started_at_epoch < ?
	`, now.Format(time.RFC3339), now.UnixMilli(), cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// ListRecent returns the most recent sessions, optionally filtered by project.
func (s *SessionStore) ListRecent(ctx context.Context, project string, limit int) ([]*models.Session, error) {
	if limit <= 0 {
		limit = 20
	}

	var (
		rows *sql.Rows
		err  error
	)
	if project != "" {
		rows, err = s.store.QueryContext(ctx,
			"SELECT "+sessionColumns+" FROM sessions WHERE project = ? ORDER BY started_at_epoch DESC LIMIT ?",
			project, limit,
		)
	} else {
		rows, err = s.store.QueryContext(ctx,
			"SELECT "+sessionColumns+" FROM sessions ORDER BY started_at_epoch DESC LIMIT ?",
			limit,
		)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*models.Session
	for rows.Next() {
		sess, err := scanSessionRows(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// LastInteractionEpoch returns the most recent activity timestamp across
// prompts and queued messages, or zero when the database is empty.
func (s *SessionStore) LastInteractionEpoch(ctx context.Context) (int64, error) {
	var epoch sql.NullInt64
	err := s.store.QueryRowContext(ctx, `
		SELECT MAX(e) FROM (
			SELECT MAX(created_at_epoch) AS e FROM user_prompts
			UNION ALL
			SELECT MAX(created_at_epoch) AS e FROM pending_messages
			UNION ALL
			SELECT MAX(started_at_epoch) AS e FROM sessions
		)
	`).Scan(&epoch)
	if err != nil {
		return 0, err
	}
	return epochOrZero(epoch), nil
}

func scanSession(row *sql.Row) (*models.Session, error) {
	var sess models.Session
	err := row.Scan(
		&sess.ID, &sess.ContentSessionID, &sess.MemorySessionID, &sess.Project,
		&sess.UserPrompt, &sess.CustomTitle, &sess.StartedAt, &sess.StartedAtEpoch,
		&sess.CompletedAt, &sess.Status, &sess.PromptCounter,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

func scanSessionRows(rows *sql.Rows) (*models.Session, error) {
	var sess models.Session
	err := rows.Scan(
		&sess.ID, &sess.ContentSessionID, &sess.MemorySessionID, &sess.Project,
		&sess.UserPrompt, &sess.CustomTitle, &sess.StartedAt, &sess.StartedAtEpoch,
		&sess.CompletedAt, &sess.Status, &sess.PromptCounter,
	)
	if err != nil {
		return nil, err
	}
	return &sess, nil
}
