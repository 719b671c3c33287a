package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/guthubrx/rekall-sub000/internal/models"
)

// LinkStore handles directed links between entries.
type LinkStore struct {
	db *DB
	tx *sql.Tx
}

func NewLinkStore(db *DB) *LinkStore {
	return &LinkStore{db: db}
}

// WithTx returns a store bound to a caller-owned transaction.
func (s *LinkStore) WithTx(tx *sql.Tx) *LinkStore {
	return &LinkStore{db: s.db, tx: tx}
}

// Add creates a link. Re-adding an identical (source, target, relation,
// reason) tuple is a no-op that fills l with the existing row's id and
// creation time.
func (s *LinkStore) Add(ctx context.Context, l *models.Link) error {
	if !l.RelationType.IsValid() {
		return &models.ValidationError{Field: "relationType", Reason: "unknown relation " + string(l.RelationType)}
	}
	if l.SourceID == "" || l.TargetID == "" {
		return &models.ValidationError{Field: "link", Reason: "source and target are required"}
	}
	if l.SourceID == l.TargetID {
		return &models.ValidationError{Field: "link", Reason: "an entry cannot link to itself"}
	}
	if l.CreatedAt == 0 {
		l.CreatedAt = time.Now().Unix()
	}
	return addLink(ctx, queryer(s.db, s.tx), l)
}

func addLink(ctx context.Context, q Querier, l *models.Link) error {
	res, err := q.ExecContext(ctx, `
		INSERT OR IGNORE INTO links (source_id, target_id, relation_type, reason, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, l.SourceID, l.TargetID, string(l.RelationType), l.Reason, l.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert link: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert link: %w", err)
	}
	if n == 0 {
		err := q.QueryRowContext(ctx, `
			SELECT id, created_at FROM links
			WHERE source_id = ? AND target_id = ? AND relation_type = ? AND reason = ?
		`, l.SourceID, l.TargetID, string(l.RelationType), l.Reason).Scan(&l.ID, &l.CreatedAt)
		if err != nil {
			return fmt.Errorf("lookup existing link: %w", err)
		}
		return nil
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("insert link: %w", err)
	}
	l.ID = id
	return nil
}

// ListFrom returns outgoing links of an entry.
func (s *LinkStore) ListFrom(ctx context.Context, id string) ([]models.Link, error) {
	return s.list(ctx, `WHERE source_id = ?`, id)
}

// ListTo returns incoming links of an entry.
func (s *LinkStore) ListTo(ctx context.Context, id string) ([]models.Link, error) {
	return s.list(ctx, `WHERE target_id = ?`, id)
}

// Exists reports whether any link joins a and b in either direction.
func (s *LinkStore) Exists(ctx context.Context, a, b string) (bool, error) {
	var n int
	err := queryer(s.db, s.tx).QueryRowContext(ctx, `
		SELECT COUNT(*) FROM links
		WHERE (source_id = ? AND target_id = ?) OR (source_id = ? AND target_id = ?)
	`, a, b, b, a).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check link: %w", err)
	}
	return n > 0, nil
}

func (s *LinkStore) list(ctx context.Context, where string, arg any) ([]models.Link, error) {
	rows, err := queryer(s.db, s.tx).QueryContext(ctx, `
		SELECT id, source_id, target_id, relation_type, reason, created_at
		FROM links `+where+`
		ORDER BY created_at, id
	`, arg)
	if err != nil {
		return nil, fmt.Errorf("list links: %w", err)
	}
	defer rows.Close()

	var links []models.Link
	for rows.Next() {
		var l models.Link
		var rel string
		if err := rows.Scan(&l.ID, &l.SourceID, &l.TargetID, &rel, &l.Reason, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan link: %w", err)
		}
		l.RelationType = models.RelationType(rel)
		links = append(links, l)
	}
	return links, rows.Err()
}

// Delete removes a link by id.
func (s *LinkStore) Delete(ctx context.Context, id int64) error {
	res, err := queryer(s.db, s.tx).ExecContext(ctx, `DELETE FROM links WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete link: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("link %d: %w", id, models.ErrNotFound)
	}
	return nil
}

// Supersede marks oldID obsolete, points it at newID and records a
// supersedes link from new to old, all in one transaction.
func (s *LinkStore) Supersede(ctx context.Context, oldID, newID, reason string) error {
	if oldID == newID {
		return &models.ValidationError{Field: "supersededBy", Reason: "entry cannot supersede itself"}
	}
	return inTx(ctx, s.db, s.tx, func(q Querier) error {
		if _, err := entryRowID(ctx, q, newID); err != nil {
			return err
		}
		now := time.Now().Unix()
		res, err := q.ExecContext(ctx, `
			UPDATE entries SET status = 'obsolete', superseded_by = ?, updated_at = ?
			WHERE id = ?
		`, newID, now, oldID)
		if err != nil {
			return fmt.Errorf("supersede entry: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("entry %s: %w", oldID, models.ErrNotFound)
		}
		return addLink(ctx, q, &models.Link{
			SourceID:     newID,
			TargetID:     oldID,
			RelationType: models.RelationSupersedes,
			Reason:       reason,
			CreatedAt:    now,
		})
	})
}
