package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/thebtf/mnemo/pkg/models"
)

// observationColumns is the standard column list for observation queries.
const observationColumns = `id, memory_session_id, project, type, title, subtitle,
       facts, narrative, concepts, files_read, files_modified, content_hash,
       prompt_number, COALESCE(discovery_tokens, 0) as discovery_tokens,
       created_at, created_at_epoch`

// ObservationStore provides observation-related database operations.
type ObservationStore struct {
	store *Store
}

// NewObservationStore creates a new observation store.
func NewObservationStore(store *Store) *ObservationStore {
	return &ObservationStore{store: store}
}

// Insert stores an observation unless an identical one was stored recently.
// Identity is the content hash over (project, title, subtitle, narrative,
// concepts); dedupWindow bounds how far back duplicates are considered.
// Returns the new row ID, or (0, false) when deduplicated.
func (s *ObservationStore) Insert(ctx context.Context, obs *models.Observation, dedupWindow time.Duration) (int64, bool, error) {
	if dedupWindow > 0 && obs.ContentHash != "" {
		cutoff := time.Now().Add(-dedupWindow).UnixMilli()
		var count int
		err := s.store.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM observations
			WHERE project = ? AND content_hash = ? AND created_at_epoch >= ?
		`, obs.Project, obs.ContentHash, cutoff).Scan(&count)
		if err != nil {
			return 0, false, err
		}
		if count > 0 {
			return 0, false, nil
		}
	}

	facts, _ := obs.Facts.Value()
	concepts, _ := obs.Concepts.Value()
	filesRead, _ := obs.FilesRead.Value()
	filesModified, _ := obs.FilesModified.Value()

	result, err := s.store.ExecContext(ctx, `
		INSERT INTO observations
			(memory_session_id, project, type, title, subtitle, facts, narrative,
			 concepts, files_read, files_modified, content_hash, prompt_number,
			 discovery_tokens, created_at, created_at_epoch)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		obs.MemorySessionID, obs.Project, string(obs.Type),
		obs.Title, obs.Subtitle, facts, obs.Narrative, concepts,
		filesRead, filesModified, nullString(obs.ContentHash), obs.PromptNumber,
		obs.DiscoveryTokens, obs.CreatedAt, obs.CreatedAtEpoch,
	)
	if err != nil {
		return 0, false, err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, false, err
	}
	obs.ID = id
	return id, true, nil
}

// GetByID looks up a single observation.
func (s *ObservationStore) GetByID(ctx context.Context, id int64) (*models.Observation, error) {
	row := s.store.QueryRowContext(ctx,
		"SELECT "+observationColumns+" FROM observations WHERE id = ?", id,
	)
	var obs models.Observation
	if err := scanObservation(row.Scan, &obs); err != nil {
		return nil, err
	}
	return &obs, nil
}

// ListBySession returns all observations for a memory session, oldest first.
func (s *ObservationStore) ListBySession(ctx context.Context, memorySessionID string) ([]*models.Observation, error) {
	rows, err := s.store.QueryContext(ctx,
		"SELECT "+observationColumns+" FROM observations WHERE memory_session_id = ? ORDER BY created_at_epoch ASC",
		memorySessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectObservations(rows)
}

// ListRecent returns the most recent observations for a project, optionally
// filtered by type.
func (s *ObservationStore) ListRecent(ctx context.Context, project string, types []string, limit int) ([]*models.Observation, error) {
	if limit <= 0 {
		limit = 50
	}

	query := "SELECT " + observationColumns + " FROM observations WHERE project = ?"
	args := []interface{}{project}

	if len(types) > 0 {
		query += " AND type IN (?" + repeatPlaceholder(len(types)-1) + ")"
		for _, t := range types {
			args = append(args, t)
		}
	}
	query += " ORDER BY created_at_epoch DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.store.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectObservations(rows)
}

// Search runs a full-text query over observation titles, subtitles and
// narratives. Returns an empty slice when FTS5 is unavailable.
func (s *ObservationStore) Search(ctx context.Context, project, query string, limit int) ([]*models.Observation, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.store.QueryContext(ctx, `
		SELECT `+qualifiedObservationColumns+`
		FROM observations_fts f
		JOIN observations o ON o.id = f.rowid
		WHERE observations_fts MATCH ? AND o.project = ?
		ORDER BY rank LIMIT ?
	`, query, project, limit)
	if err != nil {
		// FTS table missing on builds without FTS5
		return nil, nil
	}
	defer rows.Close()
	return collectObservations(rows)
}

// SearchByFile returns observations that read or modified the given file
// path, newest first. Matching is substring-based so callers can pass either
// an absolute path or a trailing fragment.
func (s *ObservationStore) SearchByFile(ctx context.Context, project, filePath string, limit int) ([]*models.Observation, error) {
	if limit <= 0 {
		limit = 20
	}

	pattern := "%" + filePath + "%"
	rows, err := s.store.QueryContext(ctx, `
		SELECT `+observationColumns+` FROM observations
		WHERE project = ? AND (files_read LIKE ? OR files_modified LIKE ?)
		ORDER BY created_at_epoch DESC LIMIT ?
	`, project, pattern, pattern, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectObservations(rows)
}

// Timeline returns observations around an anchor time: up to `before` rows at
// or preceding the anchor and up to `after` rows following it, merged oldest
// first. A zero anchor means now.
func (s *ObservationStore) Timeline(ctx context.Context, project string, anchorEpoch int64, before, after int) ([]*models.Observation, error) {
	if anchorEpoch <= 0 {
		anchorEpoch = time.Now().UnixMilli()
	}
	if before <= 0 {
		before = 10
	}
	if after <= 0 {
		after = 10
	}

	rows, err := s.store.QueryContext(ctx, `
		SELECT `+observationColumns+` FROM observations
		WHERE project = ? AND created_at_epoch <= ?
		ORDER BY created_at_epoch DESC LIMIT ?
	`, project, anchorEpoch, before)
	if err != nil {
		return nil, err
	}
	older, err := collectObservations(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}

	rows, err = s.store.QueryContext(ctx, `
		SELECT `+observationColumns+` FROM observations
		WHERE project = ? AND created_at_epoch > ?
		ORDER BY created_at_epoch ASC LIMIT ?
	`, project, anchorEpoch, after)
	if err != nil {
		return nil, err
	}
	newer, err := collectObservations(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}

	// older is newest-first; reverse into chronological order.
	out := make([]*models.Observation, 0, len(older)+len(newer))
	for i := len(older) - 1; i >= 0; i-- {
		out = append(out, older[i])
	}
	return append(out, newer...), nil
}

// CountByProject returns how many observations a project has accumulated.
func (s *ObservationStore) CountByProject(ctx context.Context, project string) (int64, error) {
	var count int64
	err := s.store.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM observations WHERE project = ?", project,
	).Scan(&count)
	return count, err
}

const qualifiedObservationColumns = `o.id, o.memory_session_id, o.project, o.type, o.title, o.subtitle,
       o.facts, o.narrative, o.concepts, o.files_read, o.files_modified, o.content_hash,
       o.prompt_number, COALESCE(o.discovery_tokens, 0), o.created_at, o.created_at_epoch`

func scanObservation(scan func(...interface{}) error, obs *models.Observation) error {
	var contentHash sql.NullString
	err := scan(
		&obs.ID, &obs.MemorySessionID, &obs.Project, &obs.Type,
		&obs.Title, &obs.Subtitle, &obs.Facts, &obs.Narrative, &obs.Concepts,
		&obs.FilesRead, &obs.FilesModified, &contentHash,
		&obs.PromptNumber, &obs.DiscoveryTokens, &obs.CreatedAt, &obs.CreatedAtEpoch,
	)
	if err != nil {
		return err
	}
	obs.ContentHash = contentHash.String
	return nil
}

func collectObservations(rows *sql.Rows) ([]*models.Observation, error) {
	var out []*models.Observation
	for rows.Next() {
		var obs models.Observation
		if err := scanObservation(rows.Scan, &obs); err != nil {
			return nil, err
		}
		out = append(out, &obs)
	}
	return out, rows.Err()
}

// repeatPlaceholder returns n copies of ", ?" for IN clauses.
func repeatPlaceholder(n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += ", ?"
	}
	return out
}
