package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// MarkerStore keeps one incremental-scan cursor per connector.
type MarkerStore struct {
	db *DB
}

func NewMarkerStore(db *DB) *MarkerStore {
	return &MarkerStore{db: db}
}

// Get returns the stored marker, or "" when the connector has never run.
func (s *MarkerStore) Get(ctx context.Context, connector string) (string, error) {
	var marker string
	err := s.db.QueryRowContext(ctx,
		`SELECT marker FROM connector_markers WHERE connector = ?`, connector).Scan(&marker)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get connector marker: %w", err)
	}
	return marker, nil
}

// Set stores the marker for a connector.
func (s *MarkerStore) Set(ctx context.Context, connector, marker string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO connector_markers (connector, marker, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(connector) DO UPDATE SET marker = excluded.marker, updated_at = excluded.updated_at
	`, connector, marker, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("set connector marker: %w", err)
	}
	return nil
}
