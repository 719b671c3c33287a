package memory

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/guthubrx/rekall-sub000/internal/models"
	"github.com/guthubrx/rekall-sub000/internal/store"
)

const (
	// StabilityDays is the time constant of the forgetting curve.
	StabilityDays = 30.0
	// SemanticScore is the consolidation score at which an episodic entry
	// becomes semantic.
	SemanticScore = 0.7
	// SemanticMinAccess is the access count an entry needs before it can
	// become semantic.
	SemanticMinAccess = 3
)

// Retrievability is exp(-days/stability), days counted from the last access
// or, for entries never read, from creation.
func Retrievability(e *models.Entry, now time.Time) float64 {
	last := e.CreatedAt
	if e.LastAccessed != nil {
		last = *e.LastAccessed
	}
	days := now.Sub(time.Unix(last, 0)).Hours() / 24
	if days < 0 {
		days = 0
	}
	return math.Exp(-days / StabilityDays)
}

// ConsolidationScore weighs recency of access against how often the entry
// was read.
func ConsolidationScore(e *models.Entry, now time.Time) float64 {
	frequency := math.Min(float64(e.AccessCount)/10, 1)
	score := 0.6*Retrievability(e, now) + 0.4*frequency
	return math.Round(score*1000) / 1000
}

// LifecycleResult reports one consolidation pass.
type LifecycleResult struct {
	Scored   int `json:"scored"`
	Promoted int `json:"promoted"`
}

// Lifecycle recomputes consolidation scores and moves well-used episodic
// entries to semantic memory.
type Lifecycle struct {
	entries *store.EntryStore
	now     func() time.Time
	logger  *slog.Logger
}

func NewLifecycle(db *store.DB, logger *slog.Logger) *Lifecycle {
	return &Lifecycle{entries: store.NewEntryStore(db), now: time.Now, logger: logger}
}

// Consolidate scores every active entry. Semantic entries are never moved
// back to episodic.
func (l *Lifecycle) Consolidate(ctx context.Context) (*LifecycleResult, error) {
	entries, err := l.entries.List(ctx, store.Filters{}, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}

	now := l.now()
	res := &LifecycleResult{}
	for _, e := range entries {
		score := ConsolidationScore(e, now)
		mt := e.MemoryType
		if mt == models.MemoryTypeEpisodic && score >= SemanticScore && e.AccessCount >= SemanticMinAccess {
			mt = models.MemoryTypeSemantic
		}
		if mt == e.MemoryType && score == e.ConsolidationScore {
			continue
		}
		if err := l.entries.SetLifecycle(ctx, e.ID, mt, score); err != nil {
			l.logger.Error("failed to update entry lifecycle", "id", e.ID, "error", err)
			continue
		}
		res.Scored++
		if mt != e.MemoryType {
			res.Promoted++
		}
	}

	if res.Promoted > 0 {
		l.logger.Info("entries consolidated to semantic memory", "count", res.Promoted)
	}
	return res, nil
}
