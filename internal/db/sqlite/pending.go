package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/thebtf/mnemo/pkg/models"
)

// pendingColumns is the standard column list for queue queries.
const pendingColumns = `id, session_db_id, content_session_id, message_type,
       tool_name, tool_input, tool_response, cwd, last_assistant_message,
       prompt_number, status, COALESCE(retry_count, 0) as retry_count,
       created_at_epoch, started_processing_at_epoch, completed_at_epoch, failed_at_epoch`

// PendingStore provides operations on the durable message queue.
//
// The queue is claim-confirm: a message moves pending -> processing when
// claimed and only leaves processing via an explicit confirm, fail or
// abandon. A claim that never confirms (crash, hung generator) becomes
// eligible again once its claim age exceeds the staleness threshold.
type PendingStore struct {
	store *Store
}

// NewPendingStore creates a new pending-message store.
func NewPendingStore(store *Store) *PendingStore {
	return &PendingStore{store: store}
}

// Enqueue persists a message with status pending. The row is durable before
// this returns, so an acknowledged enqueue survives a worker crash.
func (s *PendingStore) Enqueue(ctx context.Context, msg *models.PendingMessage) (int64, error) {
	if msg.Status == "" {
		msg.Status = models.PendingStatusPending
	}
	if msg.CreatedAtEpoch == 0 {
		msg.CreatedAtEpoch = time.Now().UnixMilli()
	}

	result, err := s.store.ExecContext(ctx, `
		INSERT INTO pending_messages
			(session_db_id, content_session_id, message_type, tool_name, tool_input,
			 tool_response, cwd, last_assistant_message, prompt_number, status,
			 created_at_epoch)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		msg.SessionDBID, msg.ContentSessionID, string(msg.MessageType),
		nullString(msg.ToolName), nullString(msg.ToolInput), nullString(msg.ToolResponse),
		nullString(msg.CWD), nullString(msg.LastAssistantMessage),
		nullInt(msg.PromptNumber), string(msg.Status), msg.CreatedAtEpoch,
	)
	if err != nil {
		return 0, err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, err
	}
	msg.ID = id
	return id, nil
}

// ClaimNext atomically claims the oldest claimable message for a session.
//
// A message is claimable when it is pending, or when it is processing with a
// claim older than staleAfter (a self-healing re-claim of work orphaned by a
// crash). The claim is refused while the session holds a fresh processing
// claim, which keeps processing strictly sequential per session.
//
// Returns nil when nothing is claimable. The whole claim is one SQL
// statement, so concurrent callers can never double-claim a message.
func (s *PendingStore) ClaimNext(ctx context.Context, sessionDBID int64, staleAfter time.Duration) (*models.PendingMessage, error) {
	now := time.Now().UnixMilli()
	staleCutoff := now - staleAfter.Milliseconds()

	row := s.store.QueryRowContext(ctx, `
		UPDATE pending_messages
		SET status = 'processing', started_processing_at_epoch = ?,
		    retry_count = COALESCE(retry_count, 0)
		        + (CASE WHEN status = 'processing' THEN 1 ELSE 0 END)
		WHERE id = (
			SELECT id FROM pending_messages
			WHERE session_db_id = ?
			  AND (status = 'pending'
			       OR (status = 'processing' AND started_processing_at_epoch < ?))
			ORDER BY created_at_epoch ASC, id ASC
			LIMIT 1
		)
		AND NOT EXISTS (
			SELECT 1 FROM pending_messages
			WHERE session_db_id = ?
			  AND status = 'processing'
			  AND started_processing_at_epoch >= ?
		)
		RETURNING `+pendingColumns,
		now, sessionDBID, staleCutoff, sessionDBID, staleCutoff,
	)

	msg, err := scanPending(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// ConfirmProcessed marks a claimed message as durably handled.
func (s *PendingStore) ConfirmProcessed(ctx context.Context, id int64) error {
	_, err := s.store.ExecContext(ctx, `
		UPDATE pending_messages SET status = 'processed', completed_at_epoch = ?
		WHERE id = ?
	`, time.Now().UnixMilli(), id)
	return err
}

// MarkFailed records a terminal processing failure for a single message.
func (s *PendingStore) MarkFailed(ctx context.Context, id int64) error {
	_, err := s.store.ExecContext(ctx, `
		UPDATE pending_messages
		SET status = 'failed', failed_at_epoch = ?, retry_count = COALESCE(retry_count, 0) + 1
		WHERE id = ?
	`, time.Now().UnixMilli(), id)
	return err
}

// FailSession marks every processing message for a session failed. Invoked
// when the session's generator dies so claimed work is preserved for
// inspection instead of lost.
func (s *PendingStore) FailSession(ctx context.Context, sessionDBID int64) (int64, error) {
	result, err := s.store.ExecContext(ctx, `
		UPDATE pending_messages SET status = 'failed', failed_at_epoch = ?
		WHERE session_db_id = ? AND status = 'processing'
	`, time.Now().UnixMilli(), sessionDBID)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// Release returns a claimed message to pending so it can be claimed again,
// used when a generator dies mid-message but the message itself is fine.
func (s *PendingStore) Release(ctx context.Context, id int64) error {
	_, err := s.store.ExecContext(ctx, `
		UPDATE pending_messages
		SET status = 'pending', started_processing_at_epoch = NULL,
		    retry_count = COALESCE(retry_count, 0) + 1
		WHERE id = ? AND status = 'processing'
	`, id)
	return err
}

// AbandonSession marks every unfinished message for a session abandoned.
// Used when a session is deleted or gives up after repeated generator
// failures.
func (s *PendingStore) AbandonSession(ctx context.Context, sessionDBID int64) (int64, error) {
	result, err := s.store.ExecContext(ctx, `
		UPDATE pending_messages SET status = 'abandoned', failed_at_epoch = ?
		WHERE session_db_id = ? AND status IN ('pending', 'processing')
	`, time.Now().UnixMilli(), sessionDBID)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// ResetStale returns processing claims older than maxAge to pending. A
// maxAge of zero resets every processing claim, which is what startup runs:
// after a restart no in-memory claimant can exist, so any processing row is
// orphaned by definition.
func (s *PendingStore) ResetStale(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := time.Now().Add(-maxAge).UnixMilli()
	result, err := s.store.ExecContext(ctx, `
		UPDATE pending_messages
		SET status = 'pending', started_processing_at_epoch = NULL
		WHERE status = 'processing'
		  AND (started_processing_at_epoch IS NULL OR started_processing_at_epoch <= ?)
	`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// PendingCount returns how many unclaimed messages a session has.
func (s *PendingStore) PendingCount(ctx context.Context, sessionDBID int64) (int, error) {
	var count int
	err := s.store.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM pending_messages WHERE session_db_id = ? AND status = 'pending'",
		sessionDBID,
	).Scan(&count)
	return count, err
}

// HasWork reports whether a session has pending or processing messages.
func (s *PendingStore) HasWork(ctx context.Context, sessionDBID int64) (bool, error) {
	var count int
	err := s.store.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM pending_messages
		WHERE session_db_id = ? AND status IN ('pending', 'processing')
	`, sessionDBID).Scan(&count)
	return count > 0, err
}

// SessionsWithPending returns the IDs of sessions holding pending messages,
// used at startup to resume work queued before a crash.
func (s *PendingStore) SessionsWithPending(ctx context.Context) ([]int64, error) {
	rows, err := s.store.QueryContext(ctx,
		"SELECT DISTINCT session_db_id FROM pending_messages WHERE status = 'pending'",
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// EarliestPendingEpoch returns the enqueue time of the oldest pending
// message for a session, or zero when the session queue is empty.
func (s *PendingStore) EarliestPendingEpoch(ctx context.Context, sessionDBID int64) (int64, error) {
	var epoch sql.NullInt64
	err := s.store.QueryRowContext(ctx, `
		SELECT MIN(created_at_epoch) FROM pending_messages
		WHERE session_db_id = ? AND status = 'pending'
	`, sessionDBID).Scan(&epoch)
	if err != nil {
		return 0, err
	}
	return epochOrZero(epoch), nil
}

// FailedCount returns the total number of failed messages, surfaced through
// the health endpoint. Failed messages are not retried automatically.
func (s *PendingStore) FailedCount(ctx context.Context) (int64, error) {
	var count int64
	err := s.store.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM pending_messages WHERE status = 'failed'",
	).Scan(&count)
	return count, err
}

// TotalBacklog returns queue depth across all sessions.
func (s *PendingStore) TotalBacklog(ctx context.Context) (int64, error) {
	var count int64
	err := s.store.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM pending_messages WHERE status IN ('pending', 'processing')",
	).Scan(&count)
	return count, err
}

func scanPending(scan func(...interface{}) error) (*models.PendingMessage, error) {
	var (
		msg                               models.PendingMessage
		toolName, toolInput, toolResponse sql.NullString
		cwd, lastAssistant                sql.NullString
		promptNumber                      sql.NullInt64
		started, completed, failed        sql.NullInt64
	)
	err := scan(
		&msg.ID, &msg.SessionDBID, &msg.ContentSessionID, &msg.MessageType,
		&toolName, &toolInput, &toolResponse, &cwd, &lastAssistant,
		&promptNumber, &msg.Status, &msg.RetryCount,
		&msg.CreatedAtEpoch, &started, &completed, &failed,
	)
	if err != nil {
		return nil, err
	}

	msg.ToolName = toolName.String
	msg.ToolInput = toolInput.String
	msg.ToolResponse = toolResponse.String
	msg.CWD = cwd.String
	msg.LastAssistantMessage = lastAssistant.String
	msg.PromptNumber = int(promptNumber.Int64)
	msg.StartedProcessingAt = epochOrZero(started)
	msg.CompletedAtEpoch = epochOrZero(completed)
	msg.FailedAtEpoch = epochOrZero(failed)
	return &msg, nil
}
