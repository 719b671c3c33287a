package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/guthubrx/rekall-sub000/internal/models"
)

// Stateless codecs; EncodeAll/DecodeAll are safe for concurrent use.
var (
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	zstdDecoder, _ = zstd.NewReader(nil)
)

// ContextStore persists structured contexts as zstd-compressed JSON. Trigger
// keywords are duplicated uncompressed for scoring and clustering scans.
type ContextStore struct {
	db *DB
	tx *sql.Tx
}

func NewContextStore(db *DB) *ContextStore {
	return &ContextStore{db: db}
}

// WithTx returns a store bound to a caller-owned transaction.
func (s *ContextStore) WithTx(tx *sql.Tx) *ContextStore {
	return &ContextStore{db: s.db, tx: tx}
}

// Put stores or replaces the context of an entry.
func (s *ContextStore) Put(ctx context.Context, entryID string, c *models.StructuredContext) error {
	if c.ExtractionMethod == "" {
		c.ExtractionMethod = models.ExtractionManual
	}
	c.TriggerKeywords = lowerUnique(c.TriggerKeywords)
	if err := c.RequireKeywords(); err != nil {
		return err
	}

	payload, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal context: %w", err)
	}
	keywords, _ := json.Marshal(c.TriggerKeywords)
	now := time.Now().Unix()

	return inTx(ctx, s.db, s.tx, func(q Querier) error {
		if _, err := entryRowID(ctx, q, entryID); err != nil {
			return err
		}
		_, err := q.ExecContext(ctx, `
			INSERT INTO structured_contexts (entry_id, data, trigger_keywords, extraction_method, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(entry_id) DO UPDATE SET
				data = excluded.data,
				trigger_keywords = excluded.trigger_keywords,
				extraction_method = excluded.extraction_method,
				updated_at = excluded.updated_at
		`, entryID, zstdEncoder.EncodeAll(payload, nil), string(keywords), string(c.ExtractionMethod), now, now)
		if err != nil {
			return fmt.Errorf("put context: %w", err)
		}
		return nil
	})
}

// Get returns the context of an entry, or nil when it has none.
func (s *ContextStore) Get(ctx context.Context, entryID string) (*models.StructuredContext, error) {
	var data []byte
	err := queryer(s.db, s.tx).QueryRowContext(ctx,
		`SELECT data FROM structured_contexts WHERE entry_id = ?`, entryID).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get context: %w", err)
	}
	return decodeContext(data)
}

// Delete removes the context of an entry.
func (s *ContextStore) Delete(ctx context.Context, entryID string) error {
	_, err := queryer(s.db, s.tx).ExecContext(ctx, `DELETE FROM structured_contexts WHERE entry_id = ?`, entryID)
	if err != nil {
		return fmt.Errorf("delete context: %w", err)
	}
	return nil
}

// AllKeywords returns the trigger keywords of every entry that has a context,
// keyed by entry id.
func (s *ContextStore) AllKeywords(ctx context.Context) (map[string][]string, error) {
	rows, err := queryer(s.db, s.tx).QueryContext(ctx, `SELECT entry_id, trigger_keywords FROM structured_contexts`)
	if err != nil {
		return nil, fmt.Errorf("list context keywords: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]string)
	for rows.Next() {
		var id, raw string
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, fmt.Errorf("scan context keywords: %w", err)
		}
		var kws []string
		if err := json.Unmarshal([]byte(raw), &kws); err != nil {
			return nil, fmt.Errorf("decode keywords for %s: %w", id, err)
		}
		out[id] = kws
	}
	return out, rows.Err()
}

// All returns every stored context keyed by entry id.
func (s *ContextStore) All(ctx context.Context) (map[string]*models.StructuredContext, error) {
	rows, err := queryer(s.db, s.tx).QueryContext(ctx, `SELECT entry_id, data FROM structured_contexts`)
	if err != nil {
		return nil, fmt.Errorf("list contexts: %w", err)
	}
	defer rows.Close()

	out := make(map[string]*models.StructuredContext)
	for rows.Next() {
		var id string
		var data []byte
		if err := rows.Scan(&id, &data); err != nil {
			return nil, fmt.Errorf("scan context: %w", err)
		}
		c, err := decodeContext(data)
		if err != nil {
			return nil, fmt.Errorf("context %s: %w", id, err)
		}
		out[id] = c
	}
	return out, rows.Err()
}

func decodeContext(data []byte) (*models.StructuredContext, error) {
	raw, err := zstdDecoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress context: %w", err)
	}
	var c models.StructuredContext
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("unmarshal context: %w", err)
	}
	return &c, nil
}

func lowerUnique(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
