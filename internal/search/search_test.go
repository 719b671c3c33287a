package search

import (
	"context"
	"io"
	"log/slog"
	"math"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/guthubrx/rekall-sub000/internal/embedding"
	"github.com/guthubrx/rekall-sub000/internal/models"
	"github.com/guthubrx/rekall-sub000/internal/store"
	"github.com/guthubrx/rekall-sub000/internal/vectorstore"
)

func TestTokenize(t *testing.T) {
	got := Tokenize("parseHTTPResponse in config.yaml v1.2.3 my_var read-only.")
	want := []string{"parse", "http", "response", "in", "config", "yaml", "v1.2.3", "my_var", "read-only"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Tokenize = %v, want %v", got, want)
	}
}

func TestExtractKeywords(t *testing.T) {
	t.Run("boosts", func(t *testing.T) {
		got := ExtractKeywords("Nginx timeout", "the nginx upstream timeout after 504 errors in nginx", 3)
		want := []string{"nginx", "timeout", "504"}
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("got %v, want %v", got, want)
		}
	})

	t.Run("underscore beats plain", func(t *testing.T) {
		got := ExtractKeywords("", "retry max_retries backoff", 1)
		if len(got) != 1 || got[0] != "max_retries" {
			t.Fatalf("expected max_retries first, got %v", got)
		}
	})

	t.Run("bilingual stopwords", func(t *testing.T) {
		got := ExtractKeywords("", "le serveur est lent and the disk is full", 10)
		for _, w := range got {
			if stopwords[w] {
				t.Errorf("stopword %q kept", w)
			}
		}
		if len(got) != 4 {
			t.Fatalf("expected serveur, lent, disk, full; got %v", got)
		}
	})

	t.Run("empty", func(t *testing.T) {
		if got := ExtractKeywords("", "", 5); len(got) != 0 {
			t.Fatalf("expected none, got %v", got)
		}
	})
}

func TestKeywordScore(t *testing.T) {
	cases := []struct {
		name         string
		query, entry []string
		want         float64
	}{
		{"exact", []string{"nginx", "timeout"}, []string{"nginx", "timeout", "proxy"}, 0.7 + 0.3*2.0/3.0},
		{"partial", []string{"nginx", "time"}, []string{"nginx", "timeout"}, 0.7*0.75 + 0.3*0.5},
		{"case insensitive", []string{"NGINX"}, []string{"nginx"}, 1.0},
		{"no overlap", []string{"redis"}, []string{"nginx"}, 0},
		{"empty query", nil, []string{"nginx"}, 0},
		{"empty entry", []string{"nginx"}, nil, 0},
		{"repeated query term counts per occurrence", []string{"nginx", "nginx", "redis"}, []string{"nginx", "timeout"}, 0.7*(2.0/3.0) + 0.3*(2.0/2.0)},
		{"repeated entry keyword widens the denominator", []string{"nginx"}, []string{"nginx", "NGINX", "proxy"}, 0.7 + 0.3*(1.0/3.0)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := KeywordScore(tc.query, tc.entry); math.Abs(got-tc.want) > 1e-9 {
				t.Fatalf("got %v, want %v", got, tc.want)
			}
		})
	}
}

func TestWeightsEffective(t *testing.T) {
	w := DefaultWeights()
	if got := w.Effective(true); got != w {
		t.Fatalf("expected unchanged weights, got %+v", got)
	}
	eff := w.Effective(false)
	if eff.Semantic != 0 || math.Abs(eff.FTS-0.68) > 1e-9 || math.Abs(eff.Keyword-0.32) > 1e-9 {
		t.Fatalf("unexpected redistribution %+v", eff)
	}
	if math.Abs(eff.Sum()-1) > 1e-9 {
		t.Fatalf("effective weights must sum to 1, got %v", eff.Sum())
	}
}

type fakeSemantic struct {
	available bool
	query     []float32
	vectors   map[string][]float32
}

func (f *fakeSemantic) Calculate(context.Context, string) embedding.Vector {
	if !f.available {
		return embedding.Vector{Status: embedding.VectorUnavailable}
	}
	return embedding.Vector{Values: f.query, Status: embedding.VectorOK}
}

func (f *fakeSemantic) SearchVector(_ context.Context, vec []float32, opts embedding.SimilarOptions) ([]vectorstore.Match, error) {
	var out []vectorstore.Match
	for id, v := range f.vectors {
		if s := vectorstore.CosineSimilarity(vec, v); s >= opts.Threshold {
			out = append(out, vectorstore.Match{ID: id, Score: s})
		}
	}
	return out, nil
}

func (f *fakeSemantic) Vector(_ context.Context, id string, _ models.EmbeddingType) ([]float32, error) {
	return f.vectors[id], nil
}

func setupTestDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

type fixture struct {
	db                       *store.DB
	title, body, kwOnly, off *models.Entry
	semOnly                  *models.Entry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	db := setupTestDB(t)
	entries := store.NewEntryStore(db)
	contexts := store.NewContextStore(db)

	add := func(title, content string, typ models.EntryType) *models.Entry {
		e := &models.Entry{Title: title, Content: content, Type: typ}
		if err := entries.Add(ctx, e); err != nil {
			t.Fatalf("add: %v", err)
		}
		return e
	}
	f := &fixture{db: db}
	f.title = add("Nginx timeout tuning", "raise proxy_read_timeout", models.EntryTypeBug)
	f.body = add("Gateway errors", "the nginx logs showed a timeout", models.EntryTypeBug)
	f.kwOnly = add("Upstream keeps dropping", "see runbook", models.EntryTypeBug)
	f.off = add("Load balancer runbook", "see wiki", models.EntryTypePattern)
	f.semOnly = add("Reverse proxy buffering", "slow clients", models.EntryTypeBug)

	for _, e := range []*models.Entry{f.kwOnly, f.off} {
		err := contexts.Put(ctx, e.ID, &models.StructuredContext{
			Situation:       "504 from gateway",
			Solution:        "bump timeouts",
			TriggerKeywords: []string{"nginx", "timeout"},
		})
		if err != nil {
			t.Fatalf("put context: %v", err)
		}
	}
	return f
}

func TestHybridWithoutEmbeddings(t *testing.T) {
	f := newFixture(t)
	h := NewHybrid(f.db, &fakeSemantic{available: false}, DefaultWeights(), slog.New(slog.NewTextHandler(io.Discard, nil)))

	got, err := h.Search(context.Background(), Params{
		Query:   "nginx timeout",
		Filters: store.Filters{Type: models.EntryTypeBug},
		Limit:   10,
	})
	if err != nil {
		t.Fatalf("search: %v", err)
	}

	ids := map[string]bool{}
	eff := DefaultWeights().Effective(false)
	for i, r := range got {
		ids[r.Entry.ID] = true
		if r.HasSemantic {
			t.Errorf("result %d claims a semantic score", i)
		}
		want := eff.FTS*r.FTSScore + eff.Keyword*r.KeywordScore
		if math.Abs(r.Score-want) > 1e-9 {
			t.Errorf("result %d score %v, want %v", i, r.Score, want)
		}
		if i > 0 && r.Score > got[i-1].Score {
			t.Errorf("results not sorted at %d", i)
		}
	}
	if !ids[f.title.ID] || !ids[f.body.ID] {
		t.Error("expected both full-text hits")
	}
	if !ids[f.kwOnly.ID] {
		t.Error("expected keyword-only candidate")
	}
	if ids[f.off.ID] {
		t.Error("keyword-only candidate must respect the type filter")
	}
	if ids[f.semOnly.ID] {
		t.Error("unexpected semantic-only candidate without embeddings")
	}
}

func TestHybridWithEmbeddings(t *testing.T) {
	f := newFixture(t)
	sem := &fakeSemantic{
		available: true,
		query:     []float32{1, 0},
		vectors: map[string][]float32{
			f.semOnly.ID: {0.9, 0.1},
			f.title.ID:   {0, 1},
		},
	}
	h := NewHybrid(f.db, sem, DefaultWeights(), slog.New(slog.NewTextHandler(io.Discard, nil)))

	got, err := h.Search(context.Background(), Params{Query: "nginx timeout", Limit: 10, MinSimilarity: 0.5})
	if err != nil {
		t.Fatalf("search: %v", err)
	}

	byID := map[string]Result{}
	for _, r := range got {
		byID[r.Entry.ID] = r
	}
	sr, ok := byID[f.semOnly.ID]
	if !ok || !sr.HasSemantic || sr.FTSScore != 0 {
		t.Fatalf("expected semantic-only candidate, got %+v", sr)
	}
	tr := byID[f.title.ID]
	if !tr.HasSemantic || math.Abs(tr.SemanticScore) > 1e-9 {
		t.Fatalf("expected title hit scored with its own (orthogonal) vector, got %+v", tr)
	}
	if br := byID[f.body.ID]; br.HasSemantic {
		t.Fatal("entry without a vector must fall back to redistributed weights")
	}
}

func TestHybridLimit(t *testing.T) {
	f := newFixture(t)
	h := NewHybrid(f.db, nil, DefaultWeights(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	got, err := h.Search(context.Background(), Params{Query: "nginx timeout", Limit: 1})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 result, got %d", len(got))
	}
}
