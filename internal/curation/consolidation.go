package curation

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"

	"github.com/guthubrx/rekall-sub000/internal/models"
	"github.com/guthubrx/rekall-sub000/internal/store"
)

// DefaultMinClusterScore discards weak clusters.
const DefaultMinClusterScore = 0.5

// ClusterItem is one entry offered to the clusterer.
type ClusterItem struct {
	EntryID    string
	Keywords   []string
	HasContext bool
}

// Cluster is a group of entries sharing at least two keywords.
type Cluster struct {
	EntryIDs       []string `json:"entryIds"`
	CommonKeywords []string `json:"commonKeywords"`
	Score          float64  `json:"score"`
}

// FindClusters groups items by shared trigger keywords. Keywords shared by
// the most items are tried first; an item joins at most one cluster. A
// group becomes a cluster only when all its members share two or more
// keywords, and only if it scores at least minScore.
func FindClusters(items []ClusterItem, minScore float64) []Cluster {
	sets := make(map[string]map[string]bool, len(items))
	hasContext := make(map[string]bool, len(items))
	inverted := make(map[string][]string)
	for _, it := range items {
		set := make(map[string]bool, len(it.Keywords))
		for _, k := range it.Keywords {
			k = strings.ToLower(strings.TrimSpace(k))
			if k == "" || set[k] {
				continue
			}
			set[k] = true
			inverted[k] = append(inverted[k], it.EntryID)
		}
		sets[it.EntryID] = set
		hasContext[it.EntryID] = it.HasContext
	}

	keywords := make([]string, 0, len(inverted))
	for k := range inverted {
		keywords = append(keywords, k)
	}
	sort.Slice(keywords, func(i, j int) bool {
		a, b := len(inverted[keywords[i]]), len(inverted[keywords[j]])
		if a != b {
			return a > b
		}
		return keywords[i] < keywords[j]
	})

	claimed := make(map[string]bool)
	var clusters []Cluster
	for _, kw := range keywords {
		var members []string
		for _, id := range inverted[kw] {
			if !claimed[id] {
				members = append(members, id)
			}
		}
		if len(members) < 2 {
			continue
		}
		common := intersect(sets, members)
		if len(common) < 2 {
			continue
		}

		c := Cluster{EntryIDs: members, CommonKeywords: common}
		c.Score = clusterScore(sets, hasContext, members, common)
		if c.Score < minScore {
			continue
		}
		sort.Strings(c.EntryIDs)
		for _, id := range members {
			claimed[id] = true
		}
		clusters = append(clusters, c)
	}
	return clusters
}

func intersect(sets map[string]map[string]bool, ids []string) []string {
	var common []string
	for k := range sets[ids[0]] {
		shared := true
		for _, id := range ids[1:] {
			if !sets[id][k] {
				shared = false
				break
			}
		}
		if shared {
			common = append(common, k)
		}
	}
	sort.Strings(common)
	return common
}

// clusterScore = 0.4 × share of members with context
// + 0.4 × mean keyword frequency over the members' keywords ÷ size
// + 0.2 × min(1, common keywords / 3).
func clusterScore(sets map[string]map[string]bool, hasContext map[string]bool, members, common []string) float64 {
	n := float64(len(members))
	withCtx := 0
	freq := make(map[string]int)
	for _, id := range members {
		if hasContext[id] {
			withCtx++
		}
		for k := range sets[id] {
			freq[k]++
		}
	}
	total := 0
	for _, f := range freq {
		total += f
	}
	meanFreq := 0.0
	if len(freq) > 0 {
		meanFreq = float64(total) / float64(len(freq))
	}
	score := 0.4*(float64(withCtx)/n) + 0.4*(meanFreq/n) + 0.2*math.Min(1, float64(len(common))/3)
	return math.Round(score*1000) / 1000
}

// Consolidator turns keyword clusters of active entries into pending
// consolidate suggestions.
type Consolidator struct {
	entries     *store.EntryStore
	contexts    *store.ContextStore
	suggestions *store.SuggestionStore
	minScore    float64
	logger      *slog.Logger
}

func NewConsolidator(db *store.DB, minScore float64, logger *slog.Logger) *Consolidator {
	if minScore <= 0 {
		minScore = DefaultMinClusterScore
	}
	return &Consolidator{
		entries:     store.NewEntryStore(db),
		contexts:    store.NewContextStore(db),
		suggestions: store.NewSuggestionStore(db),
		minScore:    minScore,
		logger:      logger,
	}
}

// Clusters returns the current clusters without persisting anything.
func (c *Consolidator) Clusters(ctx context.Context) ([]Cluster, error) {
	index, err := c.contexts.AllKeywords(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(index))
	for id := range index {
		ids = append(ids, id)
	}
	entries, err := c.entries.GetByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}

	sort.Strings(ids)
	items := make([]ClusterItem, 0, len(ids))
	for _, id := range ids {
		e, ok := entries[id]
		if !ok || e.IsObsolete() {
			continue
		}
		items = append(items, ClusterItem{EntryID: id, Keywords: index[id], HasContext: true})
	}
	return FindClusters(items, c.minScore), nil
}

// Suggest stores a suggestion per cluster, skipping clusters that already
// have a pending one, and returns how many were added.
func (c *Consolidator) Suggest(ctx context.Context) (int, error) {
	clusters, err := c.Clusters(ctx)
	if err != nil {
		return 0, err
	}
	added := 0
	for _, cl := range clusters {
		pending, err := c.suggestions.HasPending(ctx, models.SuggestionConsolidate, cl.EntryIDs)
		if err != nil {
			return added, err
		}
		if pending {
			continue
		}
		err = c.suggestions.Add(ctx, &models.Suggestion{
			Type:     models.SuggestionConsolidate,
			EntryIDs: cl.EntryIDs,
			Reason:   fmt.Sprintf("%d entries share keywords: %s", len(cl.EntryIDs), strings.Join(cl.CommonKeywords, ", ")),
			Score:    cl.Score,
		})
		if err != nil {
			return added, err
		}
		added++
	}
	if added > 0 {
		c.logger.Info("consolidation suggestions added", "count", added)
	}
	return added, nil
}
