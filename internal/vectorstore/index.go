package vectorstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"

	"gonum.org/v1/gonum/mat"
)

// Kind names a similarity backend.
type Kind string

const (
	KindExact     Kind = "exact"
	KindSQLiteVec Kind = "sqlite-vec"
)

// Mode is the construction-time backend choice.
type Mode string

const (
	ModeAuto      Mode = "auto"
	ModeExact     Mode = "exact"
	ModeSQLiteVec Mode = "sqlite-vec"
)

// ParseMode validates a configured backend name.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeAuto:
		return ModeAuto, nil
	case ModeExact, ModeSQLiteVec:
		return Mode(s), nil
	}
	return "", fmt.Errorf("unknown vector backend %q", s)
}

// Match is one scored search hit.
type Match struct {
	ID    string  `json:"id"`
	Score float64 `json:"score"`
}

// Item is a vector to be (re)indexed.
type Item struct {
	ID     string
	Vector []float32
}

// Candidates is the per-call search space for the exact backend: row i of
// Matrix holds the unit vector for IDs[i]. Persisted backends ignore it.
type Candidates struct {
	IDs    []string
	Matrix *mat.Dense
}

// Len returns the number of candidate rows.
func (c Candidates) Len() int {
	return len(c.IDs)
}

// Index is a similarity-search backend over unit-normalized vectors.
// Results are sorted by descending score; equal scores sort by ascending id.
type Index interface {
	Kind() Kind
	// IsPersisted reports whether vectors live in an on-disk ANN index.
	IsPersisted() bool
	Add(ctx context.Context, id string, vec []float32) error
	Delete(ctx context.Context, id string) error
	Rebuild(ctx context.Context, items []Item) error
	Search(ctx context.Context, query []float32, k int, cands Candidates) ([]Match, error)
}

// VecVersion probes the connection for the sqlite-vec extension.
func VecVersion(ctx context.Context, db *sql.DB) (string, bool) {
	var v string
	if err := db.QueryRowContext(ctx, "SELECT vec_version()").Scan(&v); err != nil {
		return "", false
	}
	return v, true
}

// New builds the index selected by mode. Auto picks sqlite-vec when the
// extension answers and falls back to the exact backend otherwise; an
// explicit sqlite-vec request fails when the extension is missing.
func New(ctx context.Context, db *sql.DB, mode Mode, dim int, logger *slog.Logger) (Index, error) {
	switch mode {
	case ModeExact:
		return NewExactIndex(), nil
	case ModeSQLiteVec:
		if _, ok := VecVersion(ctx, db); !ok {
			return nil, fmt.Errorf("sqlite-vec backend requested but extension is not available")
		}
		return NewSQLiteVecIndex(ctx, db, dim, logger)
	case ModeAuto, "":
		version, ok := VecVersion(ctx, db)
		if !ok {
			logger.Info("sqlite-vec not available, using exact vector search")
			return NewExactIndex(), nil
		}
		idx, err := NewSQLiteVecIndex(ctx, db, dim, logger)
		if err != nil {
			logger.Warn("sqlite-vec init failed, using exact vector search", "error", err)
			return NewExactIndex(), nil
		}
		logger.Info("sqlite-vec loaded", "version", version, "dim", dim)
		return idx, nil
	}
	return nil, fmt.Errorf("unknown vector backend %q", mode)
}

// sortMatches orders by descending score then ascending id.
func sortMatches(ms []Match) {
	sort.Slice(ms, func(i, j int) bool {
		if ms[i].Score != ms[j].Score {
			return ms[i].Score > ms[j].Score
		}
		return ms[i].ID < ms[j].ID
	})
}
