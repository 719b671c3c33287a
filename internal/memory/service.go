package memory

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	"github.com/guthubrx/rekall-sub000/internal/embedding"
	"github.com/guthubrx/rekall-sub000/internal/models"
	"github.com/guthubrx/rekall-sub000/internal/privacy"
	"github.com/guthubrx/rekall-sub000/internal/search"
	"github.com/guthubrx/rekall-sub000/internal/store"
	"github.com/guthubrx/rekall-sub000/internal/vectorstore"
)

// AutoKeywordCount is how many trigger keywords are extracted when a
// context is stored without any.
const AutoKeywordCount = 8

// Service is the main facade for entry operations. It keeps the store,
// the embedding cache and the vector index consistent with each other.
type Service struct {
	db          *store.DB
	entries     *store.EntryStore
	contexts    *store.ContextStore
	links       *store.LinkStore
	suggestions *store.SuggestionStore
	embeddings  *embedding.Service
	searcher    *search.Hybrid
	similarity  float64
	logger      *slog.Logger
}

// NewService creates the facade. similarity is the cosine threshold used
// both for near-duplicate hints on add and for link suggestions.
func NewService(db *store.DB, embeddings *embedding.Service, searcher *search.Hybrid, similarity float64, logger *slog.Logger) *Service {
	if similarity <= 0 {
		similarity = embedding.DefaultSimilarOptions().Threshold
	}
	return &Service{
		db:          db,
		entries:     store.NewEntryStore(db),
		contexts:    store.NewContextStore(db),
		links:       store.NewLinkStore(db),
		suggestions: store.NewSuggestionStore(db),
		embeddings:  embeddings,
		searcher:    searcher,
		similarity:  similarity,
		logger:      logger,
	}
}

// Add creates an entry and its optional structured context in one
// transaction, then embeds it. Embedding failures leave the entry stored
// without vectors.
func (s *Service) Add(ctx context.Context, req *models.AddEntryRequest) (*models.AddEntryResponse, error) {
	if privacy.HasOnlyPrivateContent(req.Content) {
		return nil, &models.ValidationError{Field: "content", Reason: "content is entirely private"}
	}

	e := &models.Entry{
		Title:      req.Title,
		Type:       req.Type,
		Content:    req.Content,
		Project:    req.Project,
		Tags:       req.Tags,
		Confidence: models.DefaultConfidence,
		MemoryType: req.MemoryType,
	}
	if req.Confidence != nil {
		e.Confidence = *req.Confidence
	}
	privacy.StripEntry(e)
	e.ApplyDefaults()
	if err := e.Validate(); err != nil {
		return nil, err
	}

	var c *models.StructuredContext
	if req.Context != nil {
		cc := *req.Context
		c = &cc
		privacy.StripContext(c)
		if err := c.Validate(); err != nil {
			return nil, err
		}
		if len(c.TriggerKeywords) == 0 {
			c.TriggerKeywords = search.ExtractKeywords(e.Title, contextText(e, c), AutoKeywordCount)
			c.ExtractionMethod = models.ExtractionAuto
		}
		if err := c.RequireKeywords(); err != nil {
			return nil, err
		}
	}

	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		if err := s.entries.WithTx(tx).Add(ctx, e); err != nil {
			return err
		}
		if c != nil {
			return s.contexts.WithTx(tx).Put(ctx, e.ID, c)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("add entry: %w", err)
	}

	resp := &models.AddEntryResponse{Entry: e}
	if c != nil {
		resp.Keywords = c.TriggerKeywords
	}
	if s.embeddings == nil {
		return resp, nil
	}

	embedded, err := s.embeddings.EmbedEntry(ctx, e, req.ConversationContext)
	if err != nil {
		s.logger.Warn("failed to embed entry", "id", e.ID, "error", err)
	}
	resp.Embedded = embedded
	if embedded {
		matches, err := s.embeddings.FindSimilar(ctx, e.ID, embedding.SimilarOptions{Threshold: s.similarity, Limit: 5})
		if err != nil {
			s.logger.Warn("near-duplicate check failed", "id", e.ID, "error", err)
		}
		for _, m := range matches {
			resp.SimilarTo = append(resp.SimilarTo, m.ID)
		}
	}

	s.logger.Info("entry added", "id", e.ID, "type", e.Type, "embedded", embedded, "similar", len(resp.SimilarTo))
	return resp, nil
}

func contextText(e *models.Entry, c *models.StructuredContext) string {
	parts := []string{e.Content, c.Situation, c.Solution, c.WhatFailed}
	return strings.Join(parts, "\n")
}

// Get returns an entry, or nil when absent. track bumps its access counters.
func (s *Service) Get(ctx context.Context, id string, track bool) (*models.Entry, error) {
	return s.entries.Get(ctx, id, track)
}

// Context returns the structured context of an entry, or nil.
func (s *Service) Context(ctx context.Context, id string) (*models.StructuredContext, error) {
	return s.contexts.Get(ctx, id)
}

// PutContext stores or replaces the structured context of an entry, filling
// keywords when none are given.
func (s *Service) PutContext(ctx context.Context, id string, c *models.StructuredContext) (*models.StructuredContext, error) {
	e, err := s.entries.Get(ctx, id, false)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, fmt.Errorf("entry %s: %w", id, models.ErrNotFound)
	}
	privacy.StripContext(c)
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if len(c.TriggerKeywords) == 0 {
		c.TriggerKeywords = search.ExtractKeywords(e.Title, contextText(e, c), AutoKeywordCount)
		c.ExtractionMethod = models.ExtractionAuto
	}
	if err := s.contexts.Put(ctx, id, c); err != nil {
		return nil, err
	}
	return c, nil
}

// List returns entries newest first.
func (s *Service) List(ctx context.Context, f store.Filters, limit, offset int) ([]*models.Entry, int, error) {
	items, err := s.entries.List(ctx, f, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	total, err := s.entries.Count(ctx, f)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

// Update applies a partial update. A change to title or content drops the
// cached vector and recomputes it.
func (s *Service) Update(ctx context.Context, id string, req *models.UpdateEntryRequest) (*models.Entry, error) {
	e, err := s.entries.Get(ctx, id, false)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, fmt.Errorf("entry %s: %w", id, models.ErrNotFound)
	}

	before := embedding.SummaryText(e)
	req.Apply(e)
	privacy.StripEntry(e)
	if err := s.entries.Update(ctx, e); err != nil {
		return nil, err
	}

	if s.embeddings != nil && embedding.SummaryText(e) != before {
		s.embeddings.Invalidate(ctx, e.ID)
		if _, err := s.embeddings.EmbedEntry(ctx, e, ""); err != nil {
			s.logger.Warn("failed to re-embed entry", "id", e.ID, "error", err)
		}
	}
	return e, nil
}

// Delete removes an entry with its context, links and vectors.
func (s *Service) Delete(ctx context.Context, id string) error {
	if err := s.entries.Delete(ctx, id); err != nil {
		return err
	}
	if s.embeddings != nil {
		s.embeddings.Invalidate(ctx, id)
	}
	s.logger.Info("entry deleted", "id", id)
	return nil
}

// Supersede marks oldID obsolete in favour of newID and returns the
// updated old entry.
func (s *Service) Supersede(ctx context.Context, oldID, newID, reason string) (*models.Entry, error) {
	if err := s.links.Supersede(ctx, oldID, newID, reason); err != nil {
		return nil, err
	}
	return s.entries.Get(ctx, oldID, false)
}

// Link records a directed relation between two entries.
func (s *Service) Link(ctx context.Context, l *models.Link) error {
	return s.links.Add(ctx, l)
}

// Links returns the outgoing and incoming links of an entry.
func (s *Service) Links(ctx context.Context, id string) (outgoing, incoming []models.Link, err error) {
	if outgoing, err = s.links.ListFrom(ctx, id); err != nil {
		return nil, nil, err
	}
	if incoming, err = s.links.ListTo(ctx, id); err != nil {
		return nil, nil, err
	}
	return outgoing, incoming, nil
}

// Unlink deletes a link by id.
func (s *Service) Unlink(ctx context.Context, linkID int64) error {
	return s.links.Delete(ctx, linkID)
}

// TextSearch runs the full-text index alone, best match first.
func (s *Service) TextSearch(ctx context.Context, query string, f store.Filters, limit int) ([]store.Hit, error) {
	if limit <= 0 {
		limit = 10
	}
	return s.entries.Search(ctx, query, f, limit)
}

// Search runs the hybrid scorer.
func (s *Service) Search(ctx context.Context, p search.Params) ([]search.Result, error) {
	return s.searcher.Search(ctx, p)
}

// SimilarEntry is an entry with its similarity to a query vector.
type SimilarEntry struct {
	Entry      *models.Entry `json:"entry"`
	Similarity float64       `json:"similarity"`
}

// Similar returns entries similar to id, best first. Obsolete entries are
// dropped unless the filter includes them.
func (s *Service) Similar(ctx context.Context, id string, opts embedding.SimilarOptions, f store.Filters) ([]SimilarEntry, error) {
	if s.embeddings == nil {
		return nil, nil
	}
	matches, err := s.embeddings.FindSimilar(ctx, id, opts)
	if err != nil {
		return nil, err
	}
	return s.hydrate(ctx, matches, f)
}

// SemanticSearch embeds query and returns the closest entries. ok is false
// when no embedding model could be used.
func (s *Service) SemanticSearch(ctx context.Context, query, conversation string, opts embedding.SimilarOptions, f store.Filters) ([]SimilarEntry, bool, error) {
	if s.embeddings == nil {
		return nil, false, nil
	}
	matches, status, err := s.embeddings.SemanticSearch(ctx, query, conversation, opts)
	if err != nil || status != embedding.VectorOK {
		return nil, false, err
	}
	out, err := s.hydrate(ctx, matches, f)
	return out, true, err
}

func (s *Service) hydrate(ctx context.Context, matches []vectorstore.Match, f store.Filters) ([]SimilarEntry, error) {
	ids := make([]string, len(matches))
	for i, m := range matches {
		ids[i] = m.ID
	}
	byID, err := s.entries.GetByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make([]SimilarEntry, 0, len(matches))
	for _, m := range matches {
		e, ok := byID[m.ID]
		if !ok || !f.Matches(e) {
			continue
		}
		out = append(out, SimilarEntry{Entry: e, Similarity: m.Score})
	}
	return out, nil
}

// Reindex recomputes every summary vector and rebuilds the index.
func (s *Service) Reindex(ctx context.Context) (int, error) {
	if s.embeddings == nil {
		return 0, nil
	}
	return s.embeddings.Reindex(ctx)
}
