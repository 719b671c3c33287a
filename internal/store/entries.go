package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/guthubrx/rekall-sub000/internal/models"
)

// entryColumns is the canonical column list for all SELECT queries.
// Order must match scanEntry.
const entryColumns = `e.id, e.title, e.type, e.content, e.project, e.confidence,
	e.status, e.superseded_by, e.memory_type, e.access_count, e.last_accessed,
	e.consolidation_score, e.created_at, e.updated_at,
	(SELECT group_concat(tag, char(31)) FROM entry_tags WHERE entry_id = e.id)`

const tagSeparator = "\x1f"

// Filters narrows list and search queries. Zero values mean "any".
type Filters struct {
	Type            models.EntryType
	Project         string
	MemoryType      models.MemoryType
	IncludeObsolete bool
}

// where renders the filter as SQL conditions over alias e.
func (f Filters) where() ([]string, []any) {
	var conds []string
	var args []any
	if !f.IncludeObsolete {
		conds = append(conds, "e.status != 'obsolete'")
	}
	if f.Type != "" {
		conds = append(conds, "e.type = ?")
		args = append(args, string(f.Type))
	}
	if f.Project != "" {
		conds = append(conds, "e.project = ?")
		args = append(args, f.Project)
	}
	if f.MemoryType != "" {
		conds = append(conds, "e.memory_type = ?")
		args = append(args, string(f.MemoryType))
	}
	return conds, args
}

// Matches reports whether an entry passes the filter.
func (f Filters) Matches(e *models.Entry) bool {
	if !f.IncludeObsolete && e.IsObsolete() {
		return false
	}
	if f.Type != "" && e.Type != f.Type {
		return false
	}
	if f.Project != "" && e.Project != f.Project {
		return false
	}
	if f.MemoryType != "" && e.MemoryType != f.MemoryType {
		return false
	}
	return true
}

// EntryStore handles entry CRUD and the full-text index. Row, tag set and
// index row are always written in one transaction.
type EntryStore struct {
	db *DB
	tx *sql.Tx
}

func NewEntryStore(db *DB) *EntryStore {
	return &EntryStore{db: db}
}

// WithTx returns a store bound to a caller-owned transaction.
func (s *EntryStore) WithTx(tx *sql.Tx) *EntryStore {
	return &EntryStore{db: s.db, tx: tx}
}

// Add validates and inserts a new entry, minting an id when absent.
func (s *EntryStore) Add(ctx context.Context, e *models.Entry) error {
	if e.ID == "" {
		e.ID = models.NewID()
	}
	e.ApplyDefaults()
	if err := e.Validate(); err != nil {
		return err
	}
	now := time.Now().Unix()
	if e.CreatedAt == 0 {
		e.CreatedAt = now
	}
	if e.UpdatedAt == 0 {
		e.UpdatedAt = e.CreatedAt
	}

	return inTx(ctx, s.db, s.tx, func(q Querier) error {
		res, err := q.ExecContext(ctx, `
			INSERT INTO entries (
				id, title, type, content, project, confidence,
				status, superseded_by, memory_type, access_count, last_accessed,
				consolidation_score, created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			e.ID, e.Title, string(e.Type), e.Content, nullableString(e.Project), e.Confidence,
			string(e.Status), e.SupersededBy, string(e.MemoryType), e.AccessCount, e.LastAccessed,
			e.ConsolidationScore, e.CreatedAt, e.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert entry: %w", err)
		}
		rowid, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("insert entry rowid: %w", err)
		}
		if err := writeTags(ctx, q, e.ID, e.Tags); err != nil {
			return err
		}
		return indexEntry(ctx, q, rowid, e)
	})
}

// Get fetches an entry by id. It returns nil, nil when the entry does not
// exist. When track is set the access counters are bumped first.
func (s *EntryStore) Get(ctx context.Context, id string, track bool) (*models.Entry, error) {
	q := queryer(s.db, s.tx)
	if track {
		now := time.Now().Unix()
		if _, err := q.ExecContext(ctx, `
			UPDATE entries SET access_count = access_count + 1, last_accessed = ?
			WHERE id = ?
		`, now, id); err != nil {
			return nil, fmt.Errorf("track entry access: %w", err)
		}
	}
	e, err := scanEntry(q.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT %s FROM entries e WHERE e.id = ?`, entryColumns), id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get entry: %w", err)
	}
	return e, nil
}

// GetByIDs fetches several entries, keyed by id. Missing ids are absent.
func (s *EntryStore) GetByIDs(ctx context.Context, ids []string) (map[string]*models.Entry, error) {
	out := make(map[string]*models.Entry, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	rows, err := queryer(s.db, s.tx).QueryContext(ctx,
		fmt.Sprintf(`SELECT %s FROM entries e WHERE e.id IN (%s)`, entryColumns, strings.Join(placeholders, ",")),
		args...)
	if err != nil {
		return nil, fmt.Errorf("get entries: %w", err)
	}
	defer rows.Close()

	entries, err := scanEntries(rows)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		out[e.ID] = e
	}
	return out, nil
}

// Update rewrites an existing entry, its tags and its index row.
func (s *EntryStore) Update(ctx context.Context, e *models.Entry) error {
	e.ApplyDefaults()
	if err := e.Validate(); err != nil {
		return err
	}
	e.UpdatedAt = time.Now().Unix()

	return inTx(ctx, s.db, s.tx, func(q Querier) error {
		rowid, err := entryRowID(ctx, q, e.ID)
		if err != nil {
			return err
		}
		if _, err := q.ExecContext(ctx, `
			UPDATE entries SET
				title = ?, type = ?, content = ?, project = ?, confidence = ?,
				status = ?, superseded_by = ?, memory_type = ?, access_count = ?,
				last_accessed = ?, consolidation_score = ?, updated_at = ?
			WHERE id = ?
		`,
			e.Title, string(e.Type), e.Content, nullableString(e.Project), e.Confidence,
			string(e.Status), e.SupersededBy, string(e.MemoryType), e.AccessCount,
			e.LastAccessed, e.ConsolidationScore, e.UpdatedAt,
			e.ID,
		); err != nil {
			return fmt.Errorf("update entry: %w", err)
		}
		if _, err := q.ExecContext(ctx, `DELETE FROM entry_tags WHERE entry_id = ?`, e.ID); err != nil {
			return fmt.Errorf("clear tags: %w", err)
		}
		if err := writeTags(ctx, q, e.ID, e.Tags); err != nil {
			return err
		}
		if _, err := q.ExecContext(ctx, `DELETE FROM entries_fts WHERE rowid = ?`, rowid); err != nil {
			return fmt.Errorf("clear fts row: %w", err)
		}
		return indexEntry(ctx, q, rowid, e)
	})
}

// Delete removes an entry and its index row. Tags, links, context and
// embeddings go with it through foreign-key cascades.
func (s *EntryStore) Delete(ctx context.Context, id string) error {
	return inTx(ctx, s.db, s.tx, func(q Querier) error {
		rowid, err := entryRowID(ctx, q, id)
		if err != nil {
			return err
		}
		if _, err := q.ExecContext(ctx, `DELETE FROM entries_fts WHERE rowid = ?`, rowid); err != nil {
			return fmt.Errorf("delete fts row: %w", err)
		}
		if _, err := q.ExecContext(ctx, `UPDATE entries SET superseded_by = NULL WHERE superseded_by = ?`, id); err != nil {
			return fmt.Errorf("clear superseded_by: %w", err)
		}
		if _, err := q.ExecContext(ctx, `DELETE FROM entries WHERE id = ?`, id); err != nil {
			return fmt.Errorf("delete entry: %w", err)
		}
		return nil
	})
}

// SetLifecycle writes the consolidation fields without touching updated_at.
func (s *EntryStore) SetLifecycle(ctx context.Context, id string, mt models.MemoryType, score float64) error {
	res, err := queryer(s.db, s.tx).ExecContext(ctx, `
		UPDATE entries SET memory_type = ?, consolidation_score = ? WHERE id = ?
	`, string(mt), score, id)
	if err != nil {
		return fmt.Errorf("set entry lifecycle: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("set entry lifecycle %s: %w", id, models.ErrNotFound)
	}
	return nil
}

// List returns entries newest first.
func (s *EntryStore) List(ctx context.Context, f Filters, limit, offset int) ([]*models.Entry, error) {
	conds, args := f.where()
	where := ""
	if len(conds) > 0 {
		where = "WHERE " + strings.Join(conds, " AND ")
	}
	query := fmt.Sprintf(`SELECT %s FROM entries e %s ORDER BY e.created_at DESC, e.id DESC`, entryColumns, where)
	if limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, limit, offset)
	}

	rows, err := queryer(s.db, s.tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// Count returns the number of entries matching f.
func (s *EntryStore) Count(ctx context.Context, f Filters) (int, error) {
	conds, args := f.where()
	where := ""
	if len(conds) > 0 {
		where = "WHERE " + strings.Join(conds, " AND ")
	}
	var n int
	err := queryer(s.db, s.tx).QueryRowContext(ctx,
		fmt.Sprintf(`SELECT COUNT(*) FROM entries e %s`, where), args...).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count entries: %w", err)
	}
	return n, nil
}

func entryRowID(ctx context.Context, q Querier, id string) (int64, error) {
	var rowid int64
	err := q.QueryRowContext(ctx, `SELECT rowid FROM entries WHERE id = ?`, id).Scan(&rowid)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("entry %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("lookup entry: %w", err)
	}
	return rowid, nil
}

func writeTags(ctx context.Context, q Querier, id string, tags []string) error {
	for _, t := range tags {
		if _, err := q.ExecContext(ctx,
			`INSERT OR IGNORE INTO entry_tags (entry_id, tag) VALUES (?, ?)`, id, t); err != nil {
			return fmt.Errorf("insert tag: %w", err)
		}
	}
	return nil
}

func indexEntry(ctx context.Context, q Querier, rowid int64, e *models.Entry) error {
	if _, err := q.ExecContext(ctx, `
		INSERT INTO entries_fts (rowid, entry_id, title, content, tags)
		VALUES (?, ?, ?, ?, ?)
	`, rowid, e.ID, e.Title, e.Content, strings.Join(e.Tags, " ")); err != nil {
		return fmt.Errorf("index entry: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

// scanEntry reads the entryColumns projection followed by any extra columns.
func scanEntry(row rowScanner, extra ...any) (*models.Entry, error) {
	var e models.Entry
	var typ, status, memType string
	var project, supersededBy, tags sql.NullString
	var lastAccessed sql.NullInt64

	dest := []any{
		&e.ID, &e.Title, &typ, &e.Content, &project, &e.Confidence,
		&status, &supersededBy, &memType, &e.AccessCount, &lastAccessed,
		&e.ConsolidationScore, &e.CreatedAt, &e.UpdatedAt,
		&tags,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}

	e.Type = models.EntryType(typ)
	e.Status = models.Status(status)
	e.MemoryType = models.MemoryType(memType)
	e.Project = project.String
	if supersededBy.Valid {
		e.SupersededBy = &supersededBy.String
	}
	if lastAccessed.Valid {
		e.LastAccessed = &lastAccessed.Int64
	}
	e.Tags = []string{}
	if tags.Valid && tags.String != "" {
		e.Tags = models.NormalizeTags(strings.Split(tags.String, tagSeparator))
	}
	return &e, nil
}

func scanEntries(rows *sql.Rows) ([]*models.Entry, error) {
	var out []*models.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
