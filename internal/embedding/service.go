package embedding

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"gonum.org/v1/gonum/mat"

	"github.com/guthubrx/rekall-sub000/internal/models"
	"github.com/guthubrx/rekall-sub000/internal/store"
	"github.com/guthubrx/rekall-sub000/internal/vectorstore"
)

// MaxInputChars bounds the text handed to the model.
const MaxInputChars = 8000

// VectorStatus tells a computed vector apart from the two ways of not
// having one.
type VectorStatus int

const (
	VectorOK VectorStatus = iota
	// VectorEmpty means there was nothing to embed.
	VectorEmpty
	// VectorUnavailable means the model could not be used.
	VectorUnavailable
)

func (s VectorStatus) String() string {
	switch s {
	case VectorOK:
		return "ok"
	case VectorEmpty:
		return "empty"
	case VectorUnavailable:
		return "unavailable"
	}
	return "unknown"
}

// Vector is the result of an embedding computation. Values is set only
// when Status is VectorOK, and is then unit length.
type Vector struct {
	Values []float32
	Status VectorStatus
}

func (v Vector) OK() bool { return v.Status == VectorOK }

// SimilarOptions bound a similarity query.
type SimilarOptions struct {
	Threshold float64
	Limit     int
	Type      models.EmbeddingType
}

// DefaultSimilarOptions matches entries at 0.75 cosine or better, five at a
// time, on summary vectors.
func DefaultSimilarOptions() SimilarOptions {
	return SimilarOptions{Threshold: 0.75, Limit: 5, Type: models.EmbeddingSummary}
}

func (o SimilarOptions) withDefaults() SimilarOptions {
	if o.Limit <= 0 {
		o.Limit = 5
	}
	if o.Type == "" {
		o.Type = models.EmbeddingSummary
	}
	return o
}

// ServiceConfig holds the model-facing knobs of the service.
type ServiceConfig struct {
	// TargetDim truncates model output to its leading TargetDim components
	// when smaller than the native size. Zero keeps the native size.
	TargetDim int
	ModelName string
}

// Service computes, stores and queries entry embeddings. Summary vectors
// are mirrored in the cache and in the vector index; context vectors live
// only in the store and are searched exactly.
type Service struct {
	manager    *Manager
	cache      *Cache
	index      vectorstore.Index
	exact      *vectorstore.ExactIndex
	embeddings *store.EmbeddingStore
	entries    *store.EntryStore
	cfg        ServiceConfig
	logger     *slog.Logger
}

func NewService(manager *Manager, cache *Cache, index vectorstore.Index, db *store.DB, cfg ServiceConfig, logger *slog.Logger) *Service {
	return &Service{
		manager:    manager,
		cache:      cache,
		index:      index,
		exact:      vectorstore.NewExactIndex(),
		embeddings: store.NewEmbeddingStore(db),
		entries:    store.NewEntryStore(db),
		cfg:        cfg,
		logger:     logger,
	}
}

// IndexKind names the active similarity backend.
func (s *Service) IndexKind() vectorstore.Kind {
	return s.index.Kind()
}

// ModelLoaded reports whether the model is currently resident.
func (s *Service) ModelLoaded() bool {
	return s.manager.IsLoaded()
}

// Calculate embeds text. Blank text yields VectorEmpty; a missing or
// failing model yields VectorUnavailable. It never returns an error.
func (s *Service) Calculate(ctx context.Context, text string) Vector {
	text = strings.TrimSpace(text)
	if text == "" {
		return Vector{Status: VectorEmpty}
	}
	if utf8.RuneCountInString(text) > MaxInputChars {
		text = string([]rune(text)[:MaxInputChars])
	}

	model, release, err := s.manager.Acquire(ctx)
	if err != nil {
		s.logger.Debug("embedding model unavailable", "error", err)
		return Vector{Status: VectorUnavailable}
	}
	raw, err := model.Embed(ctx, text)
	release()
	if err != nil {
		s.logger.Warn("embedding failed", "error", err)
		return Vector{Status: VectorUnavailable}
	}

	vec := Reduce(raw, s.cfg.TargetDim)
	if vectorstore.IsZero(vec) {
		return Vector{Status: VectorEmpty}
	}
	return Vector{Values: vec, Status: VectorOK}
}

// Reduce keeps the leading target components of raw when target is smaller
// than len(raw), then normalizes. It always returns a fresh slice.
func Reduce(raw []float32, target int) []float32 {
	if target > 0 && target < len(raw) {
		raw = raw[:target]
	}
	return vectorstore.Normalize(raw)
}

// SummaryText is the text a summary vector is computed from.
func SummaryText(e *models.Entry) string {
	var b strings.Builder
	b.WriteString(e.Title)
	if e.Content != "" {
		b.WriteString("\n\n")
		b.WriteString(e.Content)
	}
	if len(e.Tags) > 0 {
		b.WriteString("\n\nTags: ")
		b.WriteString(strings.Join(e.Tags, ", "))
	}
	return b.String()
}

// CalculateForEntry computes the summary vector and, when conversation
// context is given, the context vector.
func (s *Service) CalculateForEntry(ctx context.Context, e *models.Entry, conversation string) (summary, convo Vector) {
	summary = s.Calculate(ctx, SummaryText(e))
	convo = Vector{Status: VectorEmpty}
	if strings.TrimSpace(conversation) != "" && summary.Status != VectorUnavailable {
		convo = s.Calculate(ctx, e.Title+"\n\n"+conversation)
	}
	return summary, convo
}

// EmbedEntry computes and persists the vectors of e and mirrors the summary
// into the cache and index. Without a conversation any stored context
// vector is dropped, since it was computed from an older title. It reports
// false when no summary vector could be computed; that is not an error.
func (s *Service) EmbedEntry(ctx context.Context, e *models.Entry, conversation string) (bool, error) {
	summary, convo := s.CalculateForEntry(ctx, e, conversation)
	if !summary.OK() {
		return false, nil
	}

	if err := s.embeddings.Put(ctx, &models.Embedding{
		EntryID: e.ID,
		Type:    models.EmbeddingSummary,
		Vector:  summary.Values,
		Model:   s.cfg.ModelName,
	}); err != nil {
		return false, fmt.Errorf("store summary embedding: %w", err)
	}
	s.cache.Put(e.ID, summary.Values)
	if err := s.index.Add(ctx, e.ID, summary.Values); err != nil {
		return true, fmt.Errorf("index embedding: %w", err)
	}

	switch {
	case convo.OK():
		if err := s.embeddings.Put(ctx, &models.Embedding{
			EntryID: e.ID,
			Type:    models.EmbeddingContext,
			Vector:  convo.Values,
			Model:   s.cfg.ModelName,
		}); err != nil {
			return true, fmt.Errorf("store context embedding: %w", err)
		}
	case strings.TrimSpace(conversation) == "":
		if err := s.embeddings.Delete(ctx, e.ID, models.EmbeddingContext); err != nil {
			return true, err
		}
	}
	return true, nil
}

// Invalidate drops the cached and indexed vector of an entry. Stored rows
// go with the entry through the schema's cascades.
func (s *Service) Invalidate(ctx context.Context, id string) {
	s.cache.Invalidate(id)
	if err := s.index.Delete(ctx, id); err != nil {
		s.logger.Warn("vector index delete failed", "id", id, "error", err)
	}
}

// Vector returns the stored vector of an entry, or nil when it has none.
func (s *Service) Vector(ctx context.Context, id string, typ models.EmbeddingType) ([]float32, error) {
	if typ == models.EmbeddingSummary {
		if v, ok := s.cache.Get(id); ok {
			return v, nil
		}
	}
	emb, err := s.embeddings.Get(ctx, id, typ)
	if err != nil || emb == nil {
		return nil, err
	}
	if typ == models.EmbeddingSummary {
		s.cache.Put(id, emb.Vector)
	}
	return emb.Vector, nil
}

// FindSimilar returns entries whose vectors score at least opts.Threshold
// against the vector of id, best first, never including id itself. An
// entry without a vector has no similar entries.
func (s *Service) FindSimilar(ctx context.Context, id string, opts SimilarOptions) ([]vectorstore.Match, error) {
	opts = opts.withDefaults()
	vec, err := s.Vector(ctx, id, opts.Type)
	if err != nil {
		return nil, err
	}
	if vec == nil {
		return nil, nil
	}
	return s.search(ctx, vec, opts, id)
}

// SemanticSearch embeds query, optionally followed by conversation
// context, and searches with it. The returned status is VectorUnavailable
// when no model could be used; matches are then nil.
func (s *Service) SemanticSearch(ctx context.Context, query, conversation string, opts SimilarOptions) ([]vectorstore.Match, VectorStatus, error) {
	opts = opts.withDefaults()
	text := query
	if strings.TrimSpace(conversation) != "" {
		text = query + "\n\n" + conversation
	}
	v := s.Calculate(ctx, text)
	if !v.OK() {
		return nil, v.Status, nil
	}
	matches, err := s.search(ctx, v.Values, opts, "")
	return matches, VectorOK, err
}

// SearchVector queries with an already computed unit vector.
func (s *Service) SearchVector(ctx context.Context, vec []float32, opts SimilarOptions) ([]vectorstore.Match, error) {
	return s.search(ctx, vec, opts.withDefaults(), "")
}

func (s *Service) search(ctx context.Context, vec []float32, opts SimilarOptions, exclude string) ([]vectorstore.Match, error) {
	k := opts.Limit
	if exclude != "" {
		k++
	}

	var matches []vectorstore.Match
	var err error
	if opts.Type == models.EmbeddingSummary && s.index.IsPersisted() {
		matches, err = s.index.Search(ctx, vec, k, vectorstore.Candidates{})
	} else {
		var cands vectorstore.Candidates
		cands, err = s.candidates(ctx, opts.Type, len(vec))
		if err == nil {
			matches, err = s.exact.Search(ctx, vec, k, cands)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}

	out := matches[:0]
	for _, m := range matches {
		if m.ID == exclude || m.Score < opts.Threshold {
			continue
		}
		out = append(out, m)
		if len(out) == opts.Limit {
			break
		}
	}
	return out, nil
}

// candidates builds the exact search space for typ. Summary vectors come
// from the cache when it holds every stored one; otherwise the store is
// read and, when it fits, the cache is warmed.
func (s *Service) candidates(ctx context.Context, typ models.EmbeddingType, dim int) (vectorstore.Candidates, error) {
	if typ == models.EmbeddingSummary {
		n, err := s.embeddings.Count(ctx, typ)
		if err != nil {
			return vectorstore.Candidates{}, err
		}
		if n == 0 {
			return vectorstore.Candidates{}, nil
		}
		if s.cache.Len() >= n {
			if m, ids := s.cache.Matrix(); m != nil && len(ids) == n {
				if _, cols := m.Dims(); cols == dim {
					return vectorstore.Candidates{IDs: ids, Matrix: m}, nil
				}
			}
		}
	}

	embs, err := s.embeddings.All(ctx, typ, true)
	if err != nil {
		return vectorstore.Candidates{}, err
	}
	warm := typ == models.EmbeddingSummary && len(embs) <= s.cache.Cap()

	ids := make([]string, 0, len(embs))
	data := make([]float64, 0, len(embs)*dim)
	for _, emb := range embs {
		if warm {
			s.cache.Put(emb.EntryID, emb.Vector)
		}
		if len(emb.Vector) != dim {
			continue
		}
		ids = append(ids, emb.EntryID)
		for _, v := range emb.Vector {
			data = append(data, float64(v))
		}
	}
	if len(ids) == 0 {
		return vectorstore.Candidates{}, nil
	}
	return vectorstore.Candidates{IDs: ids, Matrix: mat.NewDense(len(ids), dim, data)}, nil
}

// RebuildIndex reloads the vector index and cache from stored summary
// vectors.
func (s *Service) RebuildIndex(ctx context.Context) error {
	embs, err := s.embeddings.All(ctx, models.EmbeddingSummary, true)
	if err != nil {
		return err
	}
	items := make([]vectorstore.Item, len(embs))
	for i, emb := range embs {
		items[i] = vectorstore.Item{ID: emb.EntryID, Vector: emb.Vector}
	}
	s.cache.Clear()
	if err := s.index.Rebuild(ctx, items); err != nil {
		return fmt.Errorf("rebuild vector index: %w", err)
	}
	s.logger.Info("vector index rebuilt", "kind", s.index.Kind(), "vectors", len(items))
	return nil
}

// Reindex recomputes the summary vector of every entry and rebuilds the
// index. It stops at the first entry the model cannot embed and returns
// how many entries were embedded.
func (s *Service) Reindex(ctx context.Context) (int, error) {
	entries, err := s.entries.List(ctx, store.Filters{IncludeObsolete: true}, 0, 0)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		ok, err := s.EmbedEntry(ctx, e, "")
		if err != nil {
			return n, err
		}
		if !ok {
			return n, fmt.Errorf("reindex %s: embedding model unavailable", e.ID)
		}
		n++
	}
	return n, s.RebuildIndex(ctx)
}
