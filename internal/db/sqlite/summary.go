package sqlite

import (
	"context"
	"database/sql"

	"github.com/thebtf/mnemo/pkg/models"
)

// summaryColumns is the standard column list for summary queries.
const summaryColumns = `id, memory_session_id, project, request, investigated, learned,
       completed, next_steps, files_read, files_edited, notes, prompt_number,
       COALESCE(discovery_tokens, 0) as discovery_tokens, created_at, created_at_epoch`

// SummaryStore provides session-summary database operations.
type SummaryStore struct {
	store *Store
}

// NewSummaryStore creates a new summary store.
func NewSummaryStore(store *Store) *SummaryStore {
	return &SummaryStore{store: store}
}

// Insert stores a session summary. A session accumulates one summary per
// summarize request; there is no dedup window here.
func (s *SummaryStore) Insert(ctx context.Context, sum *models.SessionSummary) (int64, error) {
	filesRead, _ := sum.FilesRead.Value()
	filesEdited, _ := sum.FilesEdited.Value()

	result, err := s.store.ExecContext(ctx, `
		INSERT INTO session_summaries
			(memory_session_id, project, request, investigated, learned, completed,
			 next_steps, files_read, files_edited, notes, prompt_number,
			 discovery_tokens, created_at, created_at_epoch)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		sum.MemorySessionID, sum.Project, sum.Request, sum.Investigated,
		sum.Learned, sum.Completed, sum.NextSteps, filesRead, filesEdited,
		sum.Notes, sum.PromptNumber, sum.DiscoveryTokens,
		sum.CreatedAt, sum.CreatedAtEpoch,
	)
	if err != nil {
		return 0, err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, err
	}
	sum.ID = id
	return id, nil
}

// ListBySession returns all summaries for a memory session, oldest first.
func (s *SummaryStore) ListBySession(ctx context.Context, memorySessionID string) ([]*models.SessionSummary, error) {
	rows, err := s.store.QueryContext(ctx,
		"SELECT "+summaryColumns+" FROM session_summaries WHERE memory_session_id = ? ORDER BY created_at_epoch ASC",
		memorySessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSummaries(rows)
}

// ListRecent returns the most recent summaries for a project.
func (s *SummaryStore) ListRecent(ctx context.Context, project string, limit int) ([]*models.SessionSummary, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.store.QueryContext(ctx,
		"SELECT "+summaryColumns+" FROM session_summaries WHERE project = ? ORDER BY created_at_epoch DESC LIMIT ?",
		project, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSummaries(rows)
}

func collectSummaries(rows *sql.Rows) ([]*models.SessionSummary, error) {
	var out []*models.SessionSummary
	for rows.Next() {
		var sum models.SessionSummary
		err := rows.Scan(
			&sum.ID, &sum.MemorySessionID, &sum.Project, &sum.Request,
			&sum.Investigated, &sum.Learned, &sum.Completed, &sum.NextSteps,
			&sum.FilesRead, &sum.FilesEdited, &sum.Notes, &sum.PromptNumber,
			&sum.DiscoveryTokens, &sum.CreatedAt, &sum.CreatedAtEpoch,
		)
		if err != nil {
			return nil, err
		}
		out = append(out, &sum)
	}
	return out, rows.Err()
}
