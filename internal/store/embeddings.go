package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/guthubrx/rekall-sub000/internal/models"
	"github.com/guthubrx/rekall-sub000/internal/vectorstore"
)

// EmbeddingStore persists one unit vector per (entry, embedding type).
type EmbeddingStore struct {
	db *DB
	tx *sql.Tx
}

func NewEmbeddingStore(db *DB) *EmbeddingStore {
	return &EmbeddingStore{db: db}
}

// WithTx returns a store bound to a caller-owned transaction.
func (s *EmbeddingStore) WithTx(tx *sql.Tx) *EmbeddingStore {
	return &EmbeddingStore{db: s.db, tx: tx}
}

// Put normalizes and upserts an embedding.
func (s *EmbeddingStore) Put(ctx context.Context, emb *models.Embedding) error {
	if !emb.Type.IsValid() {
		return &models.ValidationError{Field: "embeddingType", Reason: "must be summary or context"}
	}
	if len(emb.Vector) == 0 || vectorstore.IsZero(emb.Vector) {
		return &models.ValidationError{Field: "vector", Reason: "must be non-empty and non-zero"}
	}
	emb.Vector = vectorstore.Normalize(emb.Vector)
	emb.Dimensions = len(emb.Vector)
	if emb.CreatedAt == 0 {
		emb.CreatedAt = time.Now().Unix()
	}
	blob, err := vectorstore.Encode(emb.Vector)
	if err != nil {
		return err
	}

	_, err = queryer(s.db, s.tx).ExecContext(ctx, `
		INSERT INTO embeddings (entry_id, embedding_type, vector, dimensions, model, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(entry_id, embedding_type) DO UPDATE SET
			vector = excluded.vector,
			dimensions = excluded.dimensions,
			model = excluded.model,
			created_at = excluded.created_at
	`, emb.EntryID, string(emb.Type), blob, emb.Dimensions, emb.Model, emb.CreatedAt)
	if err != nil {
		return fmt.Errorf("put embedding: %w", err)
	}
	return nil
}

// Get returns one embedding, or nil when it is not stored.
func (s *EmbeddingStore) Get(ctx context.Context, entryID string, typ models.EmbeddingType) (*models.Embedding, error) {
	row := queryer(s.db, s.tx).QueryRowContext(ctx, `
		SELECT entry_id, embedding_type, vector, dimensions, model, created_at
		FROM embeddings WHERE entry_id = ? AND embedding_type = ?
	`, entryID, string(typ))
	emb, err := scanEmbedding(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get embedding: %w", err)
	}
	return emb, nil
}

// All returns every embedding of the given type for non-obsolete entries
// unless includeObsolete is set.
func (s *EmbeddingStore) All(ctx context.Context, typ models.EmbeddingType, includeObsolete bool) ([]*models.Embedding, error) {
	query := `
		SELECT m.entry_id, m.embedding_type, m.vector, m.dimensions, m.model, m.created_at
		FROM embeddings m
		JOIN entries e ON e.id = m.entry_id
		WHERE m.embedding_type = ?`
	if !includeObsolete {
		query += ` AND e.status != 'obsolete'`
	}
	query += ` ORDER BY m.entry_id`

	rows, err := queryer(s.db, s.tx).QueryContext(ctx, query, string(typ))
	if err != nil {
		return nil, fmt.Errorf("list embeddings: %w", err)
	}
	defer rows.Close()

	var out []*models.Embedding
	for rows.Next() {
		emb, err := scanEmbedding(rows)
		if err != nil {
			return nil, fmt.Errorf("scan embedding: %w", err)
		}
		out = append(out, emb)
	}
	return out, rows.Err()
}

// DeleteForEntry removes every embedding of an entry.
func (s *EmbeddingStore) DeleteForEntry(ctx context.Context, entryID string) error {
	if _, err := queryer(s.db, s.tx).ExecContext(ctx, `DELETE FROM embeddings WHERE entry_id = ?`, entryID); err != nil {
		return fmt.Errorf("delete embeddings: %w", err)
	}
	return nil
}

// Delete removes one embedding of an entry. Deleting a missing row is not
// an error.
func (s *EmbeddingStore) Delete(ctx context.Context, entryID string, typ models.EmbeddingType) error {
	_, err := queryer(s.db, s.tx).ExecContext(ctx,
		`DELETE FROM embeddings WHERE entry_id = ? AND embedding_type = ?`, entryID, string(typ))
	if err != nil {
		return fmt.Errorf("delete %s embedding: %w", typ, err)
	}
	return nil
}

// Count returns the number of stored embeddings of a type.
func (s *EmbeddingStore) Count(ctx context.Context, typ models.EmbeddingType) (int, error) {
	var n int
	err := queryer(s.db, s.tx).QueryRowContext(ctx,
		`SELECT COUNT(*) FROM embeddings WHERE embedding_type = ?`, string(typ)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count embeddings: %w", err)
	}
	return n, nil
}

func scanEmbedding(row rowScanner) (*models.Embedding, error) {
	var emb models.Embedding
	var typ string
	var blob []byte
	if err := row.Scan(&emb.EntryID, &typ, &blob, &emb.Dimensions, &emb.Model, &emb.CreatedAt); err != nil {
		return nil, err
	}
	emb.Type = models.EmbeddingType(typ)
	v, err := vectorstore.Decode(blob)
	if err != nil {
		return nil, err
	}
	emb.Vector = v
	return &emb, nil
}
