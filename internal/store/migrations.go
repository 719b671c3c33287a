package store

import (
	"context"
	"database/sql"
	"fmt"
)

// migration is one schema step. Version N is recorded in PRAGMA user_version
// inside the same transaction as its statements. Columns are added before
// the statements run and only when the table lacks them.
type migration struct {
	version    int
	name       string
	columns    []column
	statements []string
}

type column struct {
	table string
	name  string
	def   string
}

var migrations = []migration{
	{
		version: 1,
		name:    "entries, tags and full-text index",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS entries (
				id TEXT PRIMARY KEY,
				title TEXT NOT NULL,
				type TEXT NOT NULL,
				content TEXT NOT NULL DEFAULT '',
				project TEXT,
				confidence INTEGER NOT NULL DEFAULT 2 CHECK (confidence BETWEEN 0 AND 5),
				status TEXT NOT NULL DEFAULT 'active',
				superseded_by TEXT,
				created_at INTEGER NOT NULL,
				updated_at INTEGER NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_entries_type ON entries(type)`,
			`CREATE INDEX IF NOT EXISTS idx_entries_project ON entries(project)`,
			`CREATE INDEX IF NOT EXISTS idx_entries_status ON entries(status)`,
			`CREATE TABLE IF NOT EXISTS entry_tags (
				entry_id TEXT NOT NULL,
				tag TEXT NOT NULL,
				PRIMARY KEY (entry_id, tag),
				FOREIGN KEY (entry_id) REFERENCES entries(id) ON DELETE CASCADE
			)`,
			`CREATE INDEX IF NOT EXISTS idx_entry_tags_tag ON entry_tags(tag)`,
			`CREATE VIRTUAL TABLE IF NOT EXISTS entries_fts USING fts5(
				entry_id UNINDEXED,
				title,
				content,
				tags,
				tokenize = 'porter unicode61'
			)`,
		},
	},
	{
		version: 2,
		name:    "links, structured contexts and embeddings",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS links (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				source_id TEXT NOT NULL,
				target_id TEXT NOT NULL,
				relation_type TEXT NOT NULL,
				reason TEXT NOT NULL DEFAULT '',
				created_at INTEGER NOT NULL,
				FOREIGN KEY (source_id) REFERENCES entries(id) ON DELETE CASCADE,
				FOREIGN KEY (target_id) REFERENCES entries(id) ON DELETE CASCADE,
				UNIQUE (source_id, target_id, relation_type, reason)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_links_source ON links(source_id)`,
			`CREATE INDEX IF NOT EXISTS idx_links_target ON links(target_id)`,
			`CREATE TABLE IF NOT EXISTS structured_contexts (
				entry_id TEXT PRIMARY KEY,
				data BLOB NOT NULL,
				trigger_keywords TEXT NOT NULL,
				extraction_method TEXT NOT NULL DEFAULT 'manual',
				created_at INTEGER NOT NULL,
				updated_at INTEGER NOT NULL,
				FOREIGN KEY (entry_id) REFERENCES entries(id) ON DELETE CASCADE
			)`,
			`CREATE TABLE IF NOT EXISTS embeddings (
				entry_id TEXT NOT NULL,
				embedding_type TEXT NOT NULL,
				vector BLOB NOT NULL,
				dimensions INTEGER NOT NULL,
				model TEXT NOT NULL,
				created_at INTEGER NOT NULL,
				PRIMARY KEY (entry_id, embedding_type),
				FOREIGN KEY (entry_id) REFERENCES entries(id) ON DELETE CASCADE
			)`,
		},
	},
	{
		version: 3,
		name:    "curated sources: inbox, staging, sources, connector markers",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS inbox (
				id TEXT PRIMARY KEY,
				url TEXT NOT NULL,
				domain TEXT,
				cli_source TEXT NOT NULL,
				project TEXT,
				conversation_id TEXT,
				user_query TEXT,
				is_valid INTEGER NOT NULL DEFAULT 1,
				validation_error TEXT,
				captured_at INTEGER NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_inbox_url ON inbox(url)`,
			`CREATE TABLE IF NOT EXISTS staging (
				id TEXT PRIMARY KEY,
				url TEXT NOT NULL UNIQUE,
				domain TEXT NOT NULL,
				title TEXT,
				description TEXT,
				site_name TEXT,
				content_type TEXT,
				is_accessible INTEGER NOT NULL DEFAULT 1,
				http_status INTEGER,
				enriched_at INTEGER,
				citation_count INTEGER NOT NULL DEFAULT 0,
				projects TEXT NOT NULL DEFAULT '[]',
				project_count INTEGER NOT NULL DEFAULT 0,
				first_seen INTEGER NOT NULL,
				last_seen INTEGER,
				promotion_score REAL NOT NULL DEFAULT 0,
				promoted_at INTEGER,
				promoted_to TEXT
			)`,
			`CREATE INDEX IF NOT EXISTS idx_staging_score ON staging(promotion_score)`,
			`CREATE TABLE IF NOT EXISTS sources (
				id TEXT PRIMARY KEY,
				url TEXT NOT NULL UNIQUE,
				domain TEXT NOT NULL,
				title TEXT,
				description TEXT,
				role TEXT,
				personal_score REAL NOT NULL DEFAULT 50,
				usage_count INTEGER NOT NULL DEFAULT 0,
				last_used INTEGER,
				reliability TEXT,
				decay_rate TEXT NOT NULL DEFAULT 'medium',
				is_accessible INTEGER NOT NULL DEFAULT 1,
				last_verified INTEGER,
				origin TEXT NOT NULL DEFAULT 'manual',
				promoted_from TEXT,
				created_at INTEGER NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS connector_markers (
				connector TEXT PRIMARY KEY,
				marker TEXT NOT NULL,
				updated_at INTEGER NOT NULL
			)`,
		},
	},
	{
		version: 4,
		name:    "entry lifecycle and suggestions",
		columns: []column{
			{"entries", "memory_type", "TEXT NOT NULL DEFAULT 'episodic'"},
			{"entries", "access_count", "INTEGER NOT NULL DEFAULT 0"},
			{"entries", "last_accessed", "INTEGER"},
			{"entries", "consolidation_score", "REAL NOT NULL DEFAULT 0"},
		},
		statements: []string{
			`CREATE INDEX IF NOT EXISTS idx_entries_memory_type ON entries(memory_type)`,
			`CREATE TABLE IF NOT EXISTS suggestions (
				id TEXT PRIMARY KEY,
				suggestion_type TEXT NOT NULL,
				entry_ids TEXT NOT NULL,
				reason TEXT,
				score REAL NOT NULL DEFAULT 0,
				status TEXT NOT NULL DEFAULT 'pending',
				created_at INTEGER NOT NULL,
				resolved_at INTEGER
			)`,
			`CREATE INDEX IF NOT EXISTS idx_suggestions_status ON suggestions(status)`,
		},
	},
}

// runMigrations applies every migration newer than the stored user_version,
// each in its own transaction together with the version bump. The first
// failure stops the run; earlier steps stay committed and the caller must
// refuse to use the store.
func runMigrations(ctx context.Context, db *sql.DB, steps []migration) error {
	current, err := userVersion(ctx, db)
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for _, m := range steps {
		if m.version <= current {
			continue
		}
		if err := applyMigration(ctx, db, m); err != nil {
			return fmt.Errorf("migration v%d (%s): %w", m.version, m.name, err)
		}
		current = m.version
	}
	return nil
}

func applyMigration(ctx context.Context, db *sql.DB, m migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, c := range m.columns {
		exists, err := columnExists(ctx, tx, c.table, c.name)
		if err != nil {
			return fmt.Errorf("inspect %s.%s: %w", c.table, c.name, err)
		}
		if exists {
			continue
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", c.table, c.name, c.def)); err != nil {
			return err
		}
	}
	for _, stmt := range m.statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	// PRAGMA does not accept bound parameters.
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", m.version)); err != nil {
		return err
	}
	return tx.Commit()
}

func userVersion(ctx context.Context, q Querier) (int, error) {
	var v int
	err := q.QueryRowContext(ctx, "PRAGMA user_version").Scan(&v)
	return v, err
}
