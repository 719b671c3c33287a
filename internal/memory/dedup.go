package memory

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/guthubrx/rekall-sub000/internal/embedding"
	"github.com/guthubrx/rekall-sub000/internal/models"
	"github.com/guthubrx/rekall-sub000/internal/store"
)

// LinkSuggestionResult reports one SuggestLinks run.
type LinkSuggestionResult struct {
	Scanned int `json:"scanned"`
	Created int `json:"created"`
	// Skipped counts pairs already linked or already pending.
	Skipped int `json:"skipped"`
}

// SuggestLinks proposes a related link for every pair of active entries
// whose summary vectors reach the similarity threshold. Pairs that are
// already linked in either direction, or already proposed, are skipped.
func (s *Service) SuggestLinks(ctx context.Context) (*LinkSuggestionResult, error) {
	res := &LinkSuggestionResult{}
	if s.embeddings == nil {
		return res, nil
	}
	active, err := s.entries.List(ctx, store.Filters{}, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	isActive := make(map[string]bool, len(active))
	for _, e := range active {
		isActive[e.ID] = true
	}

	seen := make(map[[2]string]bool)
	for _, e := range active {
		res.Scanned++
		matches, err := s.embeddings.FindSimilar(ctx, e.ID, embedding.SimilarOptions{Threshold: s.similarity, Limit: 5})
		if err != nil {
			return nil, fmt.Errorf("find similar to %s: %w", e.ID, err)
		}
		for _, m := range matches {
			if !isActive[m.ID] {
				continue
			}
			pair := orderedPair(e.ID, m.ID)
			if seen[pair] {
				continue
			}
			seen[pair] = true

			linked, err := s.links.Exists(ctx, pair[0], pair[1])
			if err != nil {
				return nil, err
			}
			pending, err := s.suggestions.HasPending(ctx, models.SuggestionLink, pair[:])
			if err != nil {
				return nil, err
			}
			if linked || pending {
				res.Skipped++
				continue
			}
			if err := s.suggestions.Add(ctx, &models.Suggestion{
				Type:     models.SuggestionLink,
				EntryIDs: []string{pair[0], pair[1]},
				Reason:   fmt.Sprintf("summary similarity %.2f", m.Score),
				Score:    m.Score,
			}); err != nil {
				return nil, err
			}
			res.Created++
		}
	}

	if res.Created > 0 {
		s.logger.Info("link suggestions created", "count", res.Created)
	}
	return res, nil
}

func orderedPair(a, b string) [2]string {
	if b < a {
		a, b = b, a
	}
	return [2]string{a, b}
}

// Suggestions lists pending suggestions, optionally of one type.
func (s *Service) Suggestions(ctx context.Context, typ models.SuggestionType) ([]*models.Suggestion, error) {
	return s.suggestions.ListPending(ctx, typ)
}

// ResolveSuggestion accepts or rejects a pending suggestion. Accepting a
// link suggestion records a related link between its two entries in the
// same transaction.
func (s *Service) ResolveSuggestion(ctx context.Context, id string, accepted bool) (*models.Suggestion, error) {
	return s.suggestions.Resolve(ctx, id, accepted, func(tx *sql.Tx, sg *models.Suggestion) error {
		if sg.Type != models.SuggestionLink {
			return nil
		}
		if len(sg.EntryIDs) != 2 {
			return &models.ValidationError{Field: "entryIds", Reason: "a link suggestion joins exactly two entries"}
		}
		return s.links.WithTx(tx).Add(ctx, &models.Link{
			SourceID:     sg.EntryIDs[0],
			TargetID:     sg.EntryIDs[1],
			RelationType: models.RelationRelated,
			Reason:       sg.Reason,
		})
	})
}
