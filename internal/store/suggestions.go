package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/guthubrx/rekall-sub000/internal/models"
)

// SuggestionStore persists link and consolidation proposals.
type SuggestionStore struct {
	db *DB
}

func NewSuggestionStore(db *DB) *SuggestionStore {
	return &SuggestionStore{db: db}
}

// Add stores a pending suggestion. Entry ids are stored sorted so the same
// set always serializes the same way.
func (s *SuggestionStore) Add(ctx context.Context, sg *models.Suggestion) error {
	if sg.ID == "" {
		sg.ID = models.NewID()
	}
	if sg.Status == "" {
		sg.Status = models.SuggestionPending
	}
	if sg.CreatedAt == 0 {
		sg.CreatedAt = time.Now().Unix()
	}
	sort.Strings(sg.EntryIDs)
	ids, _ := json.Marshal(sg.EntryIDs)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO suggestions (id, suggestion_type, entry_ids, reason, score, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, sg.ID, string(sg.Type), string(ids), sg.Reason, sg.Score, string(sg.Status), sg.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert suggestion: %w", err)
	}
	return nil
}

// HasPending reports whether a pending suggestion of typ already covers
// exactly the given entry set.
func (s *SuggestionStore) HasPending(ctx context.Context, typ models.SuggestionType, entryIDs []string) (bool, error) {
	sorted := append([]string(nil), entryIDs...)
	sort.Strings(sorted)
	ids, _ := json.Marshal(sorted)

	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM suggestions
		WHERE suggestion_type = ? AND entry_ids = ? AND status = 'pending'
	`, string(typ), string(ids)).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check pending suggestion: %w", err)
	}
	return n > 0, nil
}

// Get returns a suggestion, or nil when absent.
func (s *SuggestionStore) Get(ctx context.Context, id string) (*models.Suggestion, error) {
	sg, err := scanSuggestion(s.db.QueryRowContext(ctx, `
		SELECT id, suggestion_type, entry_ids, reason, score, status, created_at, resolved_at
		FROM suggestions WHERE id = ?
	`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get suggestion: %w", err)
	}
	return sg, nil
}

// ListPending returns pending suggestions by descending score, optionally
// restricted to one type.
func (s *SuggestionStore) ListPending(ctx context.Context, typ models.SuggestionType) ([]*models.Suggestion, error) {
	conds := []string{"status = 'pending'"}
	var args []any
	if typ != "" {
		conds = append(conds, "suggestion_type = ?")
		args = append(args, string(typ))
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, suggestion_type, entry_ids, reason, score, status, created_at, resolved_at
		FROM suggestions WHERE `+strings.Join(conds, " AND ")+`
		ORDER BY score DESC, id
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("list suggestions: %w", err)
	}
	defer rows.Close()

	var out []*models.Suggestion
	for rows.Next() {
		sg, err := scanSuggestion(rows)
		if err != nil {
			return nil, fmt.Errorf("scan suggestion: %w", err)
		}
		out = append(out, sg)
	}
	return out, rows.Err()
}

// Resolve marks a pending suggestion accepted or rejected. When onAccept is
// set it runs in the same transaction, so the side effect of accepting and
// the status change commit together.
func (s *SuggestionStore) Resolve(ctx context.Context, id string, accepted bool, onAccept func(tx *sql.Tx, sg *models.Suggestion) error) (*models.Suggestion, error) {
	var out *models.Suggestion
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		sg, err := scanSuggestion(tx.QueryRowContext(ctx, `
			SELECT id, suggestion_type, entry_ids, reason, score, status, created_at, resolved_at
			FROM suggestions WHERE id = ?
		`, id))
		if err == sql.ErrNoRows {
			return fmt.Errorf("suggestion %s: %w", id, models.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("lookup suggestion: %w", err)
		}
		if sg.Status != models.SuggestionPending {
			return &models.ConflictError{Reason: "suggestion " + id + " is already " + string(sg.Status)}
		}

		sg.Status = models.SuggestionRejected
		if accepted {
			sg.Status = models.SuggestionAccepted
			if onAccept != nil {
				if err := onAccept(tx, sg); err != nil {
					return err
				}
			}
		}
		now := time.Now().Unix()
		sg.ResolvedAt = &now
		if _, err := tx.ExecContext(ctx, `
			UPDATE suggestions SET status = ?, resolved_at = ? WHERE id = ?
		`, string(sg.Status), now, id); err != nil {
			return fmt.Errorf("resolve suggestion: %w", err)
		}
		out = sg
		return nil
	})
	return out, err
}

func scanSuggestion(row rowScanner) (*models.Suggestion, error) {
	var sg models.Suggestion
	var typ, ids, status string
	var reason sql.NullString
	var resolved sql.NullInt64
	if err := row.Scan(&sg.ID, &typ, &ids, &reason, &sg.Score, &status, &sg.CreatedAt, &resolved); err != nil {
		return nil, err
	}
	sg.Type = models.SuggestionType(typ)
	sg.Status = models.SuggestionStatus(status)
	sg.Reason = reason.String
	sg.ResolvedAt = nullInt(resolved)
	if err := json.Unmarshal([]byte(ids), &sg.EntryIDs); err != nil {
		return nil, fmt.Errorf("decode suggestion entry ids: %w", err)
	}
	return &sg, nil
}
