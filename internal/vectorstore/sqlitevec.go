package vectorstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// SQLiteVecIndex keeps one vector per entry in a vec0 virtual table that
// lives in the same database file as the entries. Rows are keyed by the
// integer rowid of the entry with the entry id stored as an auxiliary column.
type SQLiteVecIndex struct {
	db     *sql.DB
	dim    int
	logger *slog.Logger

	// vec0 has no snapshot isolation guarantee, so mutations are
	// serialized against searches.
	mu sync.RWMutex
}

// NewSQLiteVecIndex creates the entry_vec table for dim if needed. A table
// created for a different dimension is dropped; callers must Rebuild.
func NewSQLiteVecIndex(ctx context.Context, db *sql.DB, dim int, logger *slog.Logger) (*SQLiteVecIndex, error) {
	if dim < 1 {
		return nil, fmt.Errorf("sqlite-vec index: invalid dimension %d", dim)
	}

	var existing string
	err := db.QueryRowContext(ctx,
		`SELECT sql FROM sqlite_master WHERE type = 'table' AND name = 'entry_vec'`).Scan(&existing)
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return nil, fmt.Errorf("inspect entry_vec: %w", err)
	case !strings.Contains(existing, fmt.Sprintf("float[%d]", dim)):
		logger.Warn("entry_vec dimension changed, dropping index", "dim", dim)
		if _, err := db.ExecContext(ctx, `DROP TABLE entry_vec`); err != nil {
			return nil, fmt.Errorf("drop entry_vec: %w", err)
		}
	}

	_, err = db.ExecContext(ctx, fmt.Sprintf(`
		CREATE VIRTUAL TABLE IF NOT EXISTS entry_vec USING vec0(
			embedding float[%d],
			+entry_id TEXT
		)
	`, dim))
	if err != nil {
		return nil, fmt.Errorf("create entry_vec(float[%d]): %w", dim, err)
	}

	return &SQLiteVecIndex{db: db, dim: dim, logger: logger}, nil
}

func (x *SQLiteVecIndex) Kind() Kind        { return KindSQLiteVec }
func (x *SQLiteVecIndex) IsPersisted() bool { return true }

// Add upserts the vector for id. vec0 does not reliably support
// INSERT OR REPLACE, so the row is deleted and reinserted.
func (x *SQLiteVecIndex) Add(ctx context.Context, id string, vec []float32) error {
	if len(vec) != x.dim {
		return fmt.Errorf("sqlite-vec add: vector dim %d, index dim %d", len(vec), x.dim)
	}
	blob, err := Encode(Normalize(vec))
	if err != nil {
		return err
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	tx, err := x.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite-vec add: %w", err)
	}
	defer tx.Rollback()

	if err := insertVec(ctx, tx, id, blob); err != nil {
		return err
	}
	return tx.Commit()
}

func insertVec(ctx context.Context, tx *sql.Tx, id string, blob []byte) error {
	var rowid int64
	err := tx.QueryRowContext(ctx, `SELECT rowid FROM entries WHERE id = ?`, id).Scan(&rowid)
	if err == sql.ErrNoRows {
		return fmt.Errorf("sqlite-vec add: entry %s not found", id)
	}
	if err != nil {
		return fmt.Errorf("lookup entry rowid: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM entry_vec WHERE rowid = ?`, rowid); err != nil {
		return fmt.Errorf("delete vec row: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO entry_vec(rowid, embedding, entry_id) VALUES (?, ?, ?)`, rowid, blob, id); err != nil {
		return fmt.Errorf("insert vec row: %w", err)
	}
	return nil
}

// Delete removes the vector for id. The entry row may already be gone, so the
// match is on the auxiliary id column rather than the rowid.
func (x *SQLiteVecIndex) Delete(ctx context.Context, id string) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	if _, err := x.db.ExecContext(ctx, `DELETE FROM entry_vec WHERE entry_id = ?`, id); err != nil {
		return fmt.Errorf("sqlite-vec delete: %w", err)
	}
	return nil
}

// Rebuild replaces the whole index with items in one transaction.
func (x *SQLiteVecIndex) Rebuild(ctx context.Context, items []Item) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	tx, err := x.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite-vec rebuild: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM entry_vec`); err != nil {
		return fmt.Errorf("clear entry_vec: %w", err)
	}
	var skipped int
	for _, it := range items {
		if len(it.Vector) != x.dim {
			skipped++
			continue
		}
		blob, err := Encode(Normalize(it.Vector))
		if err != nil {
			return err
		}
		if err := insertVec(ctx, tx, it.ID, blob); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit rebuild: %w", err)
	}
	x.logger.Info("sqlite-vec index rebuilt", "indexed", len(items)-skipped, "skipped", skipped)
	return nil
}

// Search runs a KNN query in L2 space and converts distances to cosine
// similarity. Candidates are ignored.
func (x *SQLiteVecIndex) Search(ctx context.Context, query []float32, k int, _ Candidates) ([]Match, error) {
	if k <= 0 {
		return nil, nil
	}
	if len(query) != x.dim {
		return nil, fmt.Errorf("sqlite-vec search: query dim %d, index dim %d", len(query), x.dim)
	}
	blob, err := Encode(Normalize(query))
	if err != nil {
		return nil, err
	}

	x.mu.RLock()
	defer x.mu.RUnlock()

	rows, err := x.db.QueryContext(ctx, `
		SELECT entry_id, distance
		FROM entry_vec
		WHERE embedding MATCH ? AND k = ?
		ORDER BY distance
	`, blob, k)
	if err != nil {
		return nil, fmt.Errorf("sqlite-vec search: %w", err)
	}
	defer rows.Close()

	var out []Match
	for rows.Next() {
		var id string
		var dist float64
		if err := rows.Scan(&id, &dist); err != nil {
			return nil, fmt.Errorf("scan vec match: %w", err)
		}
		out = append(out, Match{ID: id, Score: L2ToCosine(dist)})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortMatches(out)
	return out, nil
}
