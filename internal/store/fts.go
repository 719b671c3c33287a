package store

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"github.com/guthubrx/rekall-sub000/internal/models"
)

// Hit is a full-text match. Rank is the raw bm25 value: lower is better.
type Hit struct {
	Entry *models.Entry
	Rank  float64
}

// SanitizeQuery turns free text into an FTS5 expression: every word is
// quoted and the words are OR-ed, so user input can never inject FTS syntax.
func SanitizeQuery(q string) string {
	words := strings.FieldsFunc(q, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_' && r != '-' && r != '.'
	})
	terms := make([]string, 0, len(words))
	for _, w := range words {
		w = strings.Trim(w, "-.")
		if w == "" {
			continue
		}
		terms = append(terms, `"`+w+`"`)
	}
	return strings.Join(terms, " OR ")
}

// Search ranks entries by bm25 over title, content and tags. Title matches
// weigh more than tag matches, which weigh more than body matches. Results
// come back best-first; obsolete entries are dropped unless f asks for them.
func (s *EntryStore) Search(ctx context.Context, query string, f Filters, limit int) ([]Hit, error) {
	match := SanitizeQuery(query)
	if match == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}

	conds, args := f.where()
	where := ""
	if len(conds) > 0 {
		where = "AND " + strings.Join(conds, " AND ")
	}
	q := fmt.Sprintf(`
		SELECT %s, bm25(entries_fts, 0.0, 10.0, 1.0, 5.0) AS score
		FROM entries_fts
		JOIN entries e ON e.rowid = entries_fts.rowid
		WHERE entries_fts MATCH ? %s
		ORDER BY score
		LIMIT ?
	`, entryColumns, where)

	queryArgs := append([]any{match}, args...)
	queryArgs = append(queryArgs, limit)

	rows, err := queryer(s.db, s.tx).QueryContext(ctx, q, queryArgs...)
	if err != nil {
		return nil, fmt.Errorf("fts search: %w", err)
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var rank float64
		e, err := scanEntry(rows, &rank)
		if err != nil {
			return nil, fmt.Errorf("scan fts hit: %w", err)
		}
		hits = append(hits, Hit{Entry: e, Rank: rank})
	}
	return hits, rows.Err()
}
