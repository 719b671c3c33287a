package search

import (
	"context"
	"log/slog"
	"sort"
	"strings"

	"github.com/guthubrx/rekall-sub000/internal/embedding"
	"github.com/guthubrx/rekall-sub000/internal/models"
	"github.com/guthubrx/rekall-sub000/internal/store"
	"github.com/guthubrx/rekall-sub000/internal/vectorstore"
)

// Weights are the shares of the three signals in the final score.
type Weights struct {
	FTS      float64 `yaml:"fts" json:"fts"`
	Semantic float64 `yaml:"semantic" json:"semantic"`
	Keyword  float64 `yaml:"keyword" json:"keyword"`
}

func DefaultWeights() Weights {
	return Weights{FTS: 0.5, Semantic: 0.3, Keyword: 0.2}
}

// Sum returns the total weight.
func (w Weights) Sum() float64 {
	return w.FTS + w.Semantic + w.Keyword
}

// Effective returns the weights for a candidate. Without a semantic score
// the semantic share moves to full-text (60%) and keywords (40%).
func (w Weights) Effective(hasSemantic bool) Weights {
	if hasSemantic {
		return w
	}
	return Weights{
		FTS:     w.FTS + 0.6*w.Semantic,
		Keyword: w.Keyword + 0.4*w.Semantic,
	}
}

// Semantic is the slice of the embedding service the scorer needs.
type Semantic interface {
	Calculate(ctx context.Context, text string) embedding.Vector
	SearchVector(ctx context.Context, vec []float32, opts embedding.SimilarOptions) ([]vectorstore.Match, error)
	Vector(ctx context.Context, id string, typ models.EmbeddingType) ([]float32, error)
}

// Params controls a hybrid search.
type Params struct {
	Query               string
	ConversationContext string
	Filters             store.Filters
	Limit               int
	MinSimilarity       float64
}

// Result is a merged, scored search result.
type Result struct {
	Entry         *models.Entry `json:"entry"`
	FTSScore      float64       `json:"ftsScore"`
	SemanticScore float64       `json:"semanticScore"`
	HasSemantic   bool          `json:"hasSemantic"`
	KeywordScore  float64       `json:"keywordScore"`
	Score         float64       `json:"score"`
}

// Hybrid merges full-text rank, semantic similarity and structured-context
// keyword overlap into one ranking.
type Hybrid struct {
	entries  *store.EntryStore
	contexts *store.ContextStore
	semantic Semantic
	weights  Weights
	logger   *slog.Logger
}

// NewHybrid builds a scorer. semantic may be nil, in which case every
// candidate is scored on full-text and keywords only.
func NewHybrid(db *store.DB, semantic Semantic, weights Weights, logger *slog.Logger) *Hybrid {
	return &Hybrid{
		entries:  store.NewEntryStore(db),
		contexts: store.NewContextStore(db),
		semantic: semantic,
		weights:  weights,
		logger:   logger,
	}
}

// Weights returns the configured weights.
func (h *Hybrid) Weights() Weights {
	return h.weights
}

// Search runs all three signals and returns at most p.Limit results,
// highest score first. Candidates found only semantically or by keyword
// pass through p.Filters like full-text hits do.
func (h *Hybrid) Search(ctx context.Context, p Params) ([]Result, error) {
	if p.Limit <= 0 {
		p.Limit = 10
	}
	fetch := p.Limit * 3
	merged := make(map[string]*Result)

	hits, err := h.entries.Search(ctx, p.Query, p.Filters, fetch)
	if err != nil {
		return nil, err
	}
	for i, hit := range hits {
		merged[hit.Entry.ID] = &Result{Entry: hit.Entry, FTSScore: 1 / (1 + float64(i))}
	}

	var query []float32
	if h.semantic != nil {
		text := p.Query
		if strings.TrimSpace(p.ConversationContext) != "" {
			text += "\n\n" + p.ConversationContext
		}
		if v := h.semantic.Calculate(ctx, text); v.OK() {
			query = v.Values
		}
	}
	if query != nil {
		matches, err := h.semantic.SearchVector(ctx, query, embedding.SimilarOptions{
			Threshold: p.MinSimilarity,
			Limit:     fetch,
			Type:      models.EmbeddingSummary,
		})
		if err != nil {
			h.logger.Warn("semantic leg failed, continuing without it", "error", err)
			query = nil
		}
		for _, m := range matches {
			r := h.result(merged, m.ID)
			r.SemanticScore, r.HasSemantic = m.Score, true
		}
	}

	queryKW := ExtractKeywords(p.Query, p.ConversationContext, DefaultKeywordCount)
	if len(queryKW) > 0 {
		index, err := h.contexts.AllKeywords(ctx)
		if err != nil {
			return nil, err
		}
		for id, kws := range index {
			if s := KeywordScore(queryKW, kws); s > 0 {
				h.result(merged, id).KeywordScore = s
			}
		}
	}

	if err := h.load(ctx, merged, p.Filters); err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(merged))
	for id, r := range merged {
		if query != nil && !r.HasSemantic {
			vec, err := h.semantic.Vector(ctx, id, models.EmbeddingSummary)
			if err == nil && vec != nil {
				r.SemanticScore, r.HasSemantic = vectorstore.CosineSimilarity(query, vec), true
			}
		}
		w := h.weights.Effective(r.HasSemantic)
		r.Score = w.FTS*r.FTSScore + w.Semantic*r.SemanticScore + w.Keyword*r.KeywordScore
		results = append(results, *r)
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Entry.ID < results[j].Entry.ID
	})
	if len(results) > p.Limit {
		results = results[:p.Limit]
	}
	return results, nil
}

func (h *Hybrid) result(merged map[string]*Result, id string) *Result {
	r, ok := merged[id]
	if !ok {
		r = &Result{}
		merged[id] = r
	}
	return r
}

// load fetches entries for candidates that did not come from full-text
// search and drops those the filters reject.
func (h *Hybrid) load(ctx context.Context, merged map[string]*Result, f store.Filters) error {
	var missing []string
	for id, r := range merged {
		if r.Entry == nil {
			missing = append(missing, id)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	found, err := h.entries.GetByIDs(ctx, missing)
	if err != nil {
		return err
	}
	for _, id := range missing {
		e, ok := found[id]
		if !ok || !f.Matches(e) {
			delete(merged, id)
			continue
		}
		merged[id].Entry = e
	}
	return nil
}
