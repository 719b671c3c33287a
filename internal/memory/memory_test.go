package memory

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/guthubrx/rekall-sub000/internal/embedding"
	"github.com/guthubrx/rekall-sub000/internal/models"
	"github.com/guthubrx/rekall-sub000/internal/search"
	"github.com/guthubrx/rekall-sub000/internal/store"
	"github.com/guthubrx/rekall-sub000/internal/vectorstore"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// topicModel embeds text on one axis per topic word it mentions.
type topicModel struct{}

var topics = []string{"nginx", "redis", "kafka"}

func (topicModel) Name() string    { return "topics" }
func (topicModel) Dimensions() int { return len(topics) + 1 }
func (topicModel) Close(context.Context) error {
	return nil
}

func (topicModel) Embed(_ context.Context, text string) ([]float32, error) {
	text = strings.ToLower(text)
	out := make([]float32, len(topics)+1)
	for i, t := range topics {
		if strings.Contains(text, t) {
			out[i] = 1
			return out, nil
		}
	}
	out[len(topics)] = 1
	return out, nil
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

func setupService(t *testing.T) (*Service, *store.DB) {
	t.Helper()
	db := setupTestDB(t)
	load := func(context.Context) (embedding.Model, error) { return topicModel{}, nil }
	mgr := embedding.NewManager(load, time.Minute, testLogger())
	emb := embedding.NewService(mgr, embedding.NewCache(100, time.Hour), vectorstore.NewExactIndex(), db,
		embedding.ServiceConfig{ModelName: "topics"}, testLogger())
	hybrid := search.NewHybrid(db, emb, search.DefaultWeights(), testLogger())
	return NewService(db, emb, hybrid, 0.9, testLogger()), db
}

func add(t *testing.T, s *Service, title, content string) *models.Entry {
	t.Helper()
	resp, err := s.Add(context.Background(), &models.AddEntryRequest{Title: title, Type: models.EntryTypeBug, Content: content})
	if err != nil {
		t.Fatalf("add %q: %v", title, err)
	}
	return resp.Entry
}

func TestAdd(t *testing.T) {
	ctx := context.Background()

	t.Run("defaults and embedding", func(t *testing.T) {
		s, _ := setupService(t)
		first := add(t, s, "Nginx 504", "upstream timeout")
		if first.Confidence != models.DefaultConfidence || first.Status != models.StatusActive {
			t.Fatalf("defaults not applied: %+v", first)
		}

		resp, err := s.Add(ctx, &models.AddEntryRequest{Title: "Nginx buffering", Type: models.EntryTypePattern, Content: "proxy_buffering off"})
		if err != nil {
			t.Fatalf("add: %v", err)
		}
		if !resp.Embedded {
			t.Fatal("expected the entry to be embedded")
		}
		if len(resp.SimilarTo) != 1 || resp.SimilarTo[0] != first.ID {
			t.Fatalf("expected a near-duplicate hint for the first entry, got %v", resp.SimilarTo)
		}
	})

	t.Run("auto keywords", func(t *testing.T) {
		s, _ := setupService(t)
		resp, err := s.Add(ctx, &models.AddEntryRequest{
			Title:   "Redis eviction",
			Type:    models.EntryTypeBug,
			Content: "maxmemory reached, keys evicted",
			Context: &models.StructuredContext{Situation: "cache misses spiked", Solution: "raise maxmemory"},
		})
		if err != nil {
			t.Fatalf("add: %v", err)
		}
		if len(resp.Keywords) == 0 {
			t.Fatal("expected extracted keywords")
		}
		c, err := s.Context(ctx, resp.Entry.ID)
		if err != nil || c == nil {
			t.Fatalf("expected a stored context, got %v, %v", c, err)
		}
		if c.ExtractionMethod != models.ExtractionAuto {
			t.Fatalf("expected auto extraction, got %q", c.ExtractionMethod)
		}
	})

	t.Run("private content", func(t *testing.T) {
		s, _ := setupService(t)
		_, err := s.Add(ctx, &models.AddEntryRequest{Title: "secret", Type: models.EntryTypeConfig, Content: "<private>hunter2</private>"})
		if !models.IsValidation(err) {
			t.Fatalf("expected validation error, got %v", err)
		}

		e := add(t, s, "Deploy token", "rotate monthly <private>tok_abc</private>")
		if strings.Contains(e.Content, "tok_abc") {
			t.Fatalf("private block stored: %q", e.Content)
		}
	})

	t.Run("invalid type writes nothing", func(t *testing.T) {
		s, db := setupService(t)
		_, err := s.Add(ctx, &models.AddEntryRequest{Title: "x", Type: "rumour"})
		if !models.IsValidation(err) {
			t.Fatalf("expected validation error, got %v", err)
		}
		if n, _ := db.EntryCount(ctx); n != 0 {
			t.Fatalf("expected no entries, got %d", n)
		}
	})
}

func TestUpdateReembeds(t *testing.T) {
	ctx := context.Background()
	s, _ := setupService(t)
	e := add(t, s, "Cache outage", "nginx served stale pages")

	content := "redis ran out of memory"
	updated, err := s.Update(ctx, e.ID, &models.UpdateEntryRequest{Content: &content})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Content != content {
		t.Fatalf("content not updated: %q", updated.Content)
	}
	vec, err := s.embeddings.Vector(ctx, e.ID, models.EmbeddingSummary)
	if err != nil {
		t.Fatalf("vector: %v", err)
	}
	if len(vec) != 4 || vec[1] < 0.99 {
		t.Fatalf("expected the redis axis after update, got %v", vec)
	}

	if _, err := s.Update(ctx, "missing", &models.UpdateEntryRequest{Content: &content}); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	s, _ := setupService(t)
	e := add(t, s, "Kafka lag", "consumer group stuck")

	if err := s.Delete(ctx, e.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if got, _ := s.Get(ctx, e.ID, false); got != nil {
		t.Fatal("expected the entry gone")
	}
	if vec, _ := s.embeddings.Vector(ctx, e.ID, models.EmbeddingSummary); vec != nil {
		t.Fatal("expected the cached vector dropped")
	}
	if err := s.Delete(ctx, e.ID); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected not found on second delete, got %v", err)
	}
}

func TestSupersedeAndSimilar(t *testing.T) {
	ctx := context.Background()
	s, _ := setupService(t)
	old := add(t, s, "Nginx keepalive", "set keepalive_timeout 5")
	newer := add(t, s, "Nginx keepalive revisited", "set keepalive_timeout 65")

	got, err := s.Supersede(ctx, old.ID, newer.ID, "newer measurements")
	if err != nil {
		t.Fatalf("supersede: %v", err)
	}
	if got.Status != models.StatusObsolete || got.SupersededBy == nil || *got.SupersededBy != newer.ID {
		t.Fatalf("unexpected superseded entry %+v", got)
	}
	out, _, err := s.Links(ctx, newer.ID)
	if err != nil || len(out) != 1 || out[0].RelationType != models.RelationSupersedes {
		t.Fatalf("expected a supersedes link, got %v, %v", out, err)
	}

	opts := embedding.SimilarOptions{Threshold: 0.5, Limit: 5}
	similar, err := s.Similar(ctx, newer.ID, opts, store.Filters{})
	if err != nil {
		t.Fatalf("similar: %v", err)
	}
	if len(similar) != 0 {
		t.Fatalf("obsolete entry must be filtered, got %+v", similar)
	}
	similar, _ = s.Similar(ctx, newer.ID, opts, store.Filters{IncludeObsolete: true})
	if len(similar) != 1 || similar[0].Entry.ID != old.ID {
		t.Fatalf("expected the obsolete entry when included, got %+v", similar)
	}
}

func TestSuggestLinks(t *testing.T) {
	ctx := context.Background()
	s, _ := setupService(t)
	a := add(t, s, "Nginx 502", "bad gateway")
	b := add(t, s, "Nginx 504", "gateway timeout")
	add(t, s, "Redis failover", "sentinel promoted a replica")

	res, err := s.SuggestLinks(ctx)
	if err != nil {
		t.Fatalf("suggest: %v", err)
	}
	if res.Created != 1 {
		t.Fatalf("expected one suggestion, got %+v", res)
	}

	again, _ := s.SuggestLinks(ctx)
	if again.Created != 0 || again.Skipped != 1 {
		t.Fatalf("expected the pending pair skipped, got %+v", again)
	}

	pending, err := s.Suggestions(ctx, models.SuggestionLink)
	if err != nil || len(pending) != 1 {
		t.Fatalf("expected one pending suggestion, got %v, %v", pending, err)
	}
	sg, err := s.ResolveSuggestion(ctx, pending[0].ID, true)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if sg.Status != models.SuggestionAccepted {
		t.Fatalf("expected accepted, got %q", sg.Status)
	}
	if linked, _ := store.NewLinkStore(s.db).Exists(ctx, a.ID, b.ID); !linked {
		t.Fatal("accepting must create a related link")
	}

	if _, err := s.ResolveSuggestion(ctx, pending[0].ID, false); !models.IsConflict(err) {
		t.Fatalf("expected conflict on double resolve, got %v", err)
	}
	last, _ := s.SuggestLinks(ctx)
	if last.Created != 0 {
		t.Fatalf("linked pair must not be proposed again, got %+v", last)
	}
}

func TestConsolidationScore(t *testing.T) {
	now := time.Now()
	recent := now.Unix()
	stale := now.Add(-60 * 24 * time.Hour).Unix()

	tests := []struct {
		name  string
		entry models.Entry
		want  float64
	}{
		{"fresh and popular", models.Entry{AccessCount: 12, LastAccessed: &recent}, 1.0},
		{"fresh and unread", models.Entry{CreatedAt: recent}, 0.6},
		{"stale", models.Entry{AccessCount: 5, LastAccessed: &stale}, 0.281},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ConsolidationScore(&tt.entry, now); got != tt.want {
				t.Fatalf("score = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLifecycleConsolidate(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	entries := store.NewEntryStore(db)
	now := time.Now()
	recent := now.Unix()
	stale := now.Add(-60 * 24 * time.Hour).Unix()

	mk := func(title string, access int, last int64) *models.Entry {
		e := &models.Entry{Title: title, Type: models.EntryTypePattern, AccessCount: access, LastAccessed: &last}
		if err := entries.Add(ctx, e); err != nil {
			t.Fatalf("add: %v", err)
		}
		return e
	}
	hot := mk("hot", 5, recent)
	cold := mk("cold", 5, stale)
	rare := mk("rare", 1, recent)

	l := NewLifecycle(db, testLogger())
	l.now = func() time.Time { return now }
	res, err := l.Consolidate(ctx)
	if err != nil {
		t.Fatalf("consolidate: %v", err)
	}
	if res.Promoted != 1 || res.Scored != 3 {
		t.Fatalf("unexpected result %+v", res)
	}

	want := map[string]models.MemoryType{
		hot.ID:  models.MemoryTypeSemantic,
		cold.ID: models.MemoryTypeEpisodic,
		rare.ID: models.MemoryTypeEpisodic,
	}
	for id, mt := range want {
		e, _ := entries.Get(ctx, id, false)
		if e.MemoryType != mt {
			t.Errorf("%s: memory type %q, want %q", e.Title, e.MemoryType, mt)
		}
		if e.ConsolidationScore == 0 {
			t.Errorf("%s: score not stored", e.Title)
		}
	}

	again, _ := l.Consolidate(ctx)
	if again.Scored != 0 || again.Promoted != 0 {
		t.Fatalf("expected a stable second pass, got %+v", again)
	}
}
