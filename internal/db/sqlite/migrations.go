package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Migration represents a database schema migration.
//
// Applied is a schema probe: when it reports true the migration is recorded
// without running. This makes migrations safe against databases created by
// older builds that predate the schema_versions bookkeeping, and against
// partially-recorded upgrades.
type Migration struct {
	Name    string
	Applied func(db *sql.DB) (bool, error)
	Apply   func(db *sql.DB) error
	Version int
}

// Migrations is the list of all database migrations in order.
var Migrations = []Migration{
	{
		Version: 1,
		Name:    "initial_schema",
		Applied: func(db *sql.DB) (bool, error) { return tableExists(db, "sessions") },
		Apply:   func(db *sql.DB) error { return execAll(db, initialSchemaSQL) },
	},
	{
		Version: 2,
		Name:    "pending_messages_queue",
		Applied: func(db *sql.DB) (bool, error) { return tableExists(db, "pending_messages") },
		Apply:   func(db *sql.DB) error { return execAll(db, pendingMessagesSQL) },
	},
	{
		Version: 3,
		Name:    "session_custom_title",
		Applied: func(db *sql.DB) (bool, error) { return columnExists(db, "sessions", "custom_title") },
		Apply: func(db *sql.DB) error {
			return execAll(db, `ALTER TABLE sessions ADD COLUMN custom_title TEXT;`)
		},
	},
	{
		Version: 4,
		Name:    "observation_content_hash",
		Applied: func(db *sql.DB) (bool, error) { return columnExists(db, "observations", "content_hash") },
		Apply: func(db *sql.DB) error {
			return execAll(db, `
				ALTER TABLE observations ADD COLUMN content_hash TEXT;
				CREATE INDEX IF NOT EXISTS idx_observations_content_hash
					ON observations(project, content_hash, created_at_epoch DESC);
			`)
		},
	},
	{
		Version: 5,
		Name:    "memory_session_fk_cascade",
		Applied: func(db *sql.DB) (bool, error) { return fkHasUpdateCascade(db, "observations") },
		Apply:   applyMemorySessionCascadeRebuild,
	},
	{
		Version: 6,
		Name:    "pending_retry_tracking",
		Applied: func(db *sql.DB) (bool, error) { return columnExists(db, "pending_messages", "retry_count") },
		Apply: func(db *sql.DB) error {
			return execAll(db, `ALTER TABLE pending_messages ADD COLUMN retry_count INTEGER DEFAULT 0;`)
		},
	},
	{
		Version: 7,
		Name:    "fts_search",
		Applied: func(db *sql.DB) (bool, error) { return tableExists(db, "observations_fts") },
		Apply:   applyFTSSearch,
	},
}

const initialSchemaSQL = `
	CREATE TABLE IF NOT EXISTS sessions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		content_session_id TEXT UNIQUE NOT NULL,
		memory_session_id TEXT UNIQUE,
		project TEXT NOT NULL,
		user_prompt TEXT,
		started_at TEXT NOT NULL,
		started_at_epoch INTEGER NOT NULL,
		completed_at TEXT,
		completed_at_epoch INTEGER,
		status TEXT CHECK(status IN ('active', 'completed', 'failed')) NOT NULL DEFAULT 'active',
		prompt_counter INTEGER DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_content_id ON sessions(content_session_id);
	CREATE INDEX IF NOT EXISTS idx_sessions_memory_id ON sessions(memory_session_id);
	CREATE INDEX IF NOT EXISTS idx_sessions_project ON sessions(project);
	CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
	CREATE INDEX IF NOT EXISTS idx_sessions_started ON sessions(started_at_epoch DESC);

	CREATE TABLE IF NOT EXISTS observations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		memory_session_id TEXT NOT NULL,
		project TEXT NOT NULL,
		type TEXT NOT NULL CHECK(type IN ('bugfix', 'feature', 'refactor', 'change', 'discovery', 'decision', 'session', 'prompt')),
		title TEXT,
		subtitle TEXT,
		facts TEXT,
		narrative TEXT,
		concepts TEXT,
		files_read TEXT,
		files_modified TEXT,
		prompt_number INTEGER,
		discovery_tokens INTEGER DEFAULT 0,
		created_at TEXT NOT NULL,
		created_at_epoch INTEGER NOT NULL,
		FOREIGN KEY(memory_session_id) REFERENCES sessions(memory_session_id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_observations_memory_session ON observations(memory_session_id);
	CREATE INDEX IF NOT EXISTS idx_observations_project ON observations(project);
	CREATE INDEX IF NOT EXISTS idx_observations_type ON observations(type);
	CREATE INDEX IF NOT EXISTS idx_observations_created ON observations(created_at_epoch DESC);

	CREATE TABLE IF NOT EXISTS session_summaries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		memory_session_id TEXT NOT NULL,
		project TEXT NOT NULL,
		request TEXT,
		investigated TEXT,
		learned TEXT,
		completed TEXT,
		next_steps TEXT,
		files_read TEXT,
		files_edited TEXT,
		notes TEXT,
		prompt_number INTEGER,
		discovery_tokens INTEGER DEFAULT 0,
		created_at TEXT NOT NULL,
		created_at_epoch INTEGER NOT NULL,
		FOREIGN KEY(memory_session_id) REFERENCES sessions(memory_session_id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_summaries_memory_session ON session_summaries(memory_session_id);
	CREATE INDEX IF NOT EXISTS idx_summaries_project ON session_summaries(project);
	CREATE INDEX IF NOT EXISTS idx_summaries_created ON session_summaries(created_at_epoch DESC);

	CREATE TABLE IF NOT EXISTS user_prompts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		content_session_id TEXT NOT NULL,
		prompt_number INTEGER NOT NULL,
		prompt_text TEXT NOT NULL,
		created_at TEXT NOT NULL,
		created_at_epoch INTEGER NOT NULL,
		FOREIGN KEY(content_session_id) REFERENCES sessions(content_session_id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_user_prompts_session ON user_prompts(content_session_id);
	CREATE INDEX IF NOT EXISTS idx_user_prompts_created ON user_prompts(created_at_epoch DESC);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_user_prompts_session_number
		ON user_prompts(content_session_id, prompt_number);
`

const pendingMessagesSQL = `
	CREATE TABLE IF NOT EXISTS pending_messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_db_id INTEGER NOT NULL,
		content_session_id TEXT NOT NULL,
		message_type TEXT NOT NULL CHECK(message_type IN ('observation', 'summarize')),
		tool_name TEXT,
		tool_input TEXT,
		tool_response TEXT,
		cwd TEXT,
		last_assistant_message TEXT,
		prompt_number INTEGER,
		status TEXT NOT NULL DEFAULT 'pending'
			CHECK(status IN ('pending', 'processing', 'processed', 'failed', 'abandoned')),
		created_at_epoch INTEGER NOT NULL,
		started_processing_at_epoch INTEGER,
		completed_at_epoch INTEGER,
		failed_at_epoch INTEGER,
		FOREIGN KEY(session_db_id) REFERENCES sessions(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_pending_session_status ON pending_messages(session_db_id, status);
	CREATE INDEX IF NOT EXISTS idx_pending_status_created ON pending_messages(status, created_at_epoch);
`

// applyMemorySessionCascadeRebuild rebuilds observations and session_summaries
// so their memory_session_id foreign keys gain ON UPDATE CASCADE. SQLite
// cannot alter a foreign key in place, so this uses the documented
// rebuild-and-rename procedure with foreign key enforcement suspended. A run
// interrupted before the rename leaves a *_new table behind, so those are
// dropped first.
//
// Pragmas are per-connection, so the whole rebuild runs on a single pooled
// connection.
func applyMemorySessionCascadeRebuild(db *sql.DB) error {
	ctx := context.Background()
	conn, err := db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "PRAGMA foreign_keys = OFF"); err != nil {
		return fmt.Errorf("disable foreign keys: %w", err)
	}
	defer func() {
		_, _ = conn.ExecContext(ctx, "PRAGMA foreign_keys = ON")
	}()

	rebuild := `
		BEGIN;

		DROP TABLE IF EXISTS observations_new;
		DROP TABLE IF EXISTS session_summaries_new;

		CREATE TABLE observations_new (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			memory_session_id TEXT NOT NULL,
			project TEXT NOT NULL,
			type TEXT NOT NULL CHECK(type IN ('bugfix', 'feature', 'refactor', 'change', 'discovery', 'decision', 'session', 'prompt')),
			title TEXT,
			subtitle TEXT,
			facts TEXT,
			narrative TEXT,
			concepts TEXT,
			files_read TEXT,
			files_modified TEXT,
			prompt_number INTEGER,
			discovery_tokens INTEGER DEFAULT 0,
			content_hash TEXT,
			created_at TEXT NOT NULL,
			created_at_epoch INTEGER NOT NULL,
			FOREIGN KEY(memory_session_id) REFERENCES sessions(memory_session_id)
				ON UPDATE CASCADE ON DELETE CASCADE
		);

		INSERT INTO observations_new
			(id, memory_session_id, project, type, title, subtitle, facts, narrative, concepts,
			 files_read, files_modified, prompt_number, discovery_tokens, content_hash,
			 created_at, created_at_epoch)
		SELECT id, memory_session_id, project, type, title, subtitle, facts, narrative, concepts,
			 files_read, files_modified, prompt_number, discovery_tokens, content_hash,
			 created_at, created_at_epoch
		FROM observations;

		DROP TABLE observations;
		ALTER TABLE observations_new RENAME TO observations;

		CREATE INDEX IF NOT EXISTS idx_observations_memory_session ON observations(memory_session_id);
		CREATE INDEX IF NOT EXISTS idx_observations_project ON observations(project);
		CREATE INDEX IF NOT EXISTS idx_observations_type ON observations(type);
		CREATE INDEX IF NOT EXISTS idx_observations_created ON observations(created_at_epoch DESC);
		CREATE INDEX IF NOT EXISTS idx_observations_content_hash
			ON observations(project, content_hash, created_at_epoch DESC);

		CREATE TABLE session_summaries_new (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			memory_session_id TEXT NOT NULL,
			project TEXT NOT NULL,
			request TEXT,
			investigated TEXT,
			learned TEXT,
			completed TEXT,
			next_steps TEXT,
			files_read TEXT,
			files_edited TEXT,
			notes TEXT,
			prompt_number INTEGER,
			discovery_tokens INTEGER DEFAULT 0,
			created_at TEXT NOT NULL,
			created_at_epoch INTEGER NOT NULL,
			FOREIGN KEY(memory_session_id) REFERENCES sessions(memory_session_id)
				ON UPDATE CASCADE ON DELETE CASCADE
		);

		INSERT INTO session_summaries_new
			(id, memory_session_id, project, request, investigated, learned, completed,
			 next_steps, files_read, files_edited, notes, prompt_number, discovery_tokens,
			 created_at, created_at_epoch)
		SELECT id, memory_session_id, project, request, investigated, learned, completed,
			 next_steps, files_read, files_edited, notes, prompt_number, discovery_tokens,
			 created_at, created_at_epoch
		FROM session_summaries;

		DROP TABLE session_summaries;
		ALTER TABLE session_summaries_new RENAME TO session_summaries;

		CREATE INDEX IF NOT EXISTS idx_summaries_memory_session ON session_summaries(memory_session_id);
		CREATE INDEX IF NOT EXISTS idx_summaries_project ON session_summaries(project);
		CREATE INDEX IF NOT EXISTS idx_summaries_created ON session_summaries(created_at_epoch DESC);

		COMMIT;
	`

	if _, err := conn.ExecContext(ctx, rebuild); err != nil {
		_, _ = conn.ExecContext(ctx, "ROLLBACK")
		return fmt.Errorf("rebuild tables: %w", err)
	}
	return nil
}

// applyFTSSearch creates FTS5 virtual tables and sync triggers. FTS5 is an
// optional SQLite build feature; when unavailable the migration degrades to a
// no-op so the worker still starts, just without full-text search.
func applyFTSSearch(db *sql.DB) error {
	stmts := []string{
		`CREATE VIRTUAL TABLE IF NOT EXISTS observations_fts USING fts5(
			title, subtitle, narrative,
			content='observations',
			content_rowid='id'
		)`,
		`CREATE TRIGGER IF NOT EXISTS observations_ai AFTER INSERT ON observations BEGIN
			INSERT INTO observations_fts(rowid, title, subtitle, narrative)
			VALUES (new.id, new.title, new.subtitle, new.narrative);
		END`,
		`CREATE TRIGGER IF NOT EXISTS observations_ad AFTER DELETE ON observations BEGIN
			INSERT INTO observations_fts(observations_fts, rowid, title, subtitle, narrative)
			VALUES('delete', old.id, old.title, old.subtitle, old.narrative);
		END`,
		`CREATE VIRTUAL TABLE IF NOT EXISTS user_prompts_fts USING fts5(
			prompt_text,
			content='user_prompts',
			content_rowid='id'
		)`,
		`CREATE TRIGGER IF NOT EXISTS user_prompts_ai AFTER INSERT ON user_prompts BEGIN
			INSERT INTO user_prompts_fts(rowid, prompt_text)
			VALUES (new.id, new.prompt_text);
		END`,
		`CREATE TRIGGER IF NOT EXISTS user_prompts_ad AFTER DELETE ON user_prompts BEGIN
			INSERT INTO user_prompts_fts(user_prompts_fts, rowid, prompt_text)
			VALUES('delete', old.id, old.prompt_text);
		END`,
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			log.Debug().Err(err).Msg("FTS5 unavailable, skipping full-text search setup")
			return nil
		}
	}
	return nil
}

// MigrationManager handles database schema migrations.
type MigrationManager struct {
	db *sql.DB
}

// NewMigrationManager creates a new migration manager.
func NewMigrationManager(db *sql.DB) *MigrationManager {
	return &MigrationManager{db: db}
}

// EnsureSchemaVersionsTable creates the schema_versions table if it doesn't exist.
func (m *MigrationManager) EnsureSchemaVersionsTable() error {
	_, err := m.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_versions (
			id INTEGER PRIMARY KEY,
			version INTEGER UNIQUE NOT NULL,
			applied_at TEXT NOT NULL
		)
	`)
	return err
}

// GetAppliedVersions returns all recorded migration versions.
func (m *MigrationManager) GetAppliedVersions() (map[int]bool, error) {
	rows, err := m.db.Query("SELECT version FROM schema_versions ORDER BY version")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	versions := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		versions[version] = true
	}
	return versions, rows.Err()
}

// RunMigrations applies all pending migrations. A migration whose schema
// probe reports the change already present is recorded without re-running.
func (m *MigrationManager) RunMigrations() error {
	if err := m.EnsureSchemaVersionsTable(); err != nil {
		return fmt.Errorf("ensure schema_versions table: %w", err)
	}

	recorded, err := m.GetAppliedVersions()
	if err != nil {
		return fmt.Errorf("get applied versions: %w", err)
	}

	for _, migration := range Migrations {
		if recorded[migration.Version] {
			continue
		}

		present, err := migration.Applied(m.db)
		if err != nil {
			return fmt.Errorf("probe migration %d (%s): %w", migration.Version, migration.Name, err)
		}

		if !present {
			if err := migration.Apply(m.db); err != nil {
				return fmt.Errorf("apply migration %d (%s): %w", migration.Version, migration.Name, err)
			}
			log.Info().Int("version", migration.Version).Str("name", migration.Name).
				Msg("applied migration")
		}

		if err := m.record(migration.Version); err != nil {
			return fmt.Errorf("record migration %d: %w", migration.Version, err)
		}
	}

	return nil
}

func (m *MigrationManager) record(version int) error {
	_, err := m.db.Exec(
		"INSERT OR IGNORE INTO schema_versions (version, applied_at) VALUES (?, ?)",
		version, time.Now().Format(time.RFC3339),
	)
	return err
}

// execAll runs a multi-statement SQL block inside a transaction.
func execAll(db *sql.DB, sqlText string) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(sqlText); err != nil {
		return err
	}
	return tx.Commit()
}

// tableExists reports whether a table or virtual table is present.
func tableExists(db *sql.DB, name string) (bool, error) {
	var count int
	err := db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?", name,
	).Scan(&count)
	return count > 0, err
}

// columnExists reports whether a column is present on a table, using
// PRAGMA table_info so it works on tables created by any prior version.
func columnExists(db *sql.DB, table, column string) (bool, error) {
	ok, err := tableExists(db, table)
	if err != nil || !ok {
		return false, err
	}

	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid       int
			name, typ string
			notNull   int
			dflt      sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &pk); err != nil {
			return false, err
		}
		if strings.EqualFold(name, column) {
			return true, nil
		}
	}
	return false, rows.Err()
}

// fkHasUpdateCascade reports whether the table's foreign key on
// memory_session_id already cascades updates.
func fkHasUpdateCascade(db *sql.DB, table string) (bool, error) {
	ok, err := tableExists(db, table)
	if err != nil || !ok {
		return false, err
	}

	rows, err := db.Query(fmt.Sprintf("PRAGMA foreign_key_list(%s)", table))
	if err != nil {
		return false, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id, seq                   int
			refTable, from, to        sql.NullString
			onUpdate, onDelete, match sql.NullString
		)
		if err := rows.Scan(&id, &seq, &refTable, &from, &to, &onUpdate, &onDelete, &match); err != nil {
			return false, err
		}
		if from.String == "memory_session_id" && strings.EqualFold(onUpdate.String, "CASCADE") {
			return true, nil
		}
	}
	return false, rows.Err()
}
