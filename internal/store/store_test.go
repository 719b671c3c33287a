package store

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/guthubrx/rekall-sub000/internal/models"
)

func setupTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func addEntry(t *testing.T, s *EntryStore, title, content string, tags ...string) *models.Entry {
	t.Helper()
	e := &models.Entry{Title: title, Type: models.EntryTypeBug, Content: content, Tags: tags, Confidence: 2}
	if err := s.Add(context.Background(), e); err != nil {
		t.Fatalf("add entry %q: %v", title, err)
	}
	return e
}

func TestOpenMigrations(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	v, err := db.SchemaVersion(ctx)
	if err != nil {
		t.Fatalf("schema version: %v", err)
	}
	if v != len(migrations) {
		t.Fatalf("expected schema version %d, got %d", len(migrations), v)
	}

	ok, err := columnExists(ctx, db.DB, "entries", "consolidation_score")
	if err != nil || !ok {
		t.Fatalf("expected consolidation_score column, got %v, %v", ok, err)
	}

	t.Run("reopen is a no-op", func(t *testing.T) {
		path := db.Path()
		db.Close()
		again, err := Open(path)
		if err != nil {
			t.Fatalf("reopen: %v", err)
		}
		defer again.Close()
		v, _ := again.SchemaVersion(ctx)
		if v != len(migrations) {
			t.Fatalf("expected version %d after reopen, got %d", len(migrations), v)
		}
	})
}

func TestMigrationSkipsExistingColumns(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	path := db.Path()

	// A store whose lifecycle columns predate the version bump.
	if _, err := db.ExecContext(ctx, "PRAGMA user_version = 3"); err != nil {
		t.Fatalf("rewind version: %v", err)
	}
	db.Close()

	again, err := Open(path)
	if err != nil {
		t.Fatalf("reopen with existing columns: %v", err)
	}
	defer again.Close()
	v, _ := again.SchemaVersion(ctx)
	if v != len(migrations) {
		t.Fatalf("expected version %d, got %d", len(migrations), v)
	}
	ok, err := columnExists(ctx, again.DB, "entries", "memory_type")
	if err != nil || !ok {
		t.Fatalf("expected memory_type column, got %v, %v", ok, err)
	}
}

func TestFailedMigrationRollsBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.db")
	raw, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatalf("open raw: %v", err)
	}
	defer raw.Close()
	ctx := context.Background()

	steps := append([]migration{}, migrations...)
	steps = append(steps, migration{
		version: len(migrations) + 1,
		name:    "broken",
		statements: []string{
			`CREATE TABLE half_done (id INTEGER)`,
			`THIS IS NOT SQL`,
		},
	})

	if err := runMigrations(ctx, raw, steps); err == nil {
		t.Fatal("expected broken migration to fail")
	}
	v, _ := userVersion(ctx, raw)
	if v != len(migrations) {
		t.Fatalf("expected version to stay at %d, got %d", len(migrations), v)
	}
	var n int
	raw.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE name = 'half_done'`).Scan(&n)
	if n != 0 {
		t.Fatal("expected partial migration to be rolled back")
	}
}

func TestEntryStore(t *testing.T) {
	db := setupTestDB(t)
	s := NewEntryStore(db)
	ctx := context.Background()

	t.Run("Add assigns id and defaults", func(t *testing.T) {
		e := addEntry(t, s, "Nginx upstream timeout", "proxy_read_timeout too low", "Nginx", "infra", "nginx")
		if len(e.ID) != 26 {
			t.Fatalf("expected ULID, got %q", e.ID)
		}
		got, err := s.Get(ctx, e.ID, false)
		if err != nil || got == nil {
			t.Fatalf("get: %v, %v", got, err)
		}
		if got.Status != models.StatusActive || got.MemoryType != models.MemoryTypeEpisodic {
			t.Errorf("unexpected defaults: %s/%s", got.Status, got.MemoryType)
		}
		if len(got.Tags) != 2 || got.Tags[0] != "infra" || got.Tags[1] != "nginx" {
			t.Errorf("expected normalized tags [infra nginx], got %v", got.Tags)
		}
	})

	t.Run("Add rejects invalid entries before writing", func(t *testing.T) {
		before, _ := s.Count(ctx, Filters{IncludeObsolete: true})
		err := s.Add(ctx, &models.Entry{Title: "x", Type: "nope"})
		if !models.IsValidation(err) {
			t.Fatalf("expected validation error, got %v", err)
		}
		after, _ := s.Count(ctx, Filters{IncludeObsolete: true})
		if before != after {
			t.Fatalf("expected no write, count %d -> %d", before, after)
		}
	})

	t.Run("Get missing returns nil", func(t *testing.T) {
		got, err := s.Get(ctx, "01ARZ3NDEKTSV4RRFFQ69G5FAV", false)
		if err != nil || got != nil {
			t.Fatalf("expected nil, nil; got %v, %v", got, err)
		}
	})

	t.Run("Get with tracking bumps access", func(t *testing.T) {
		e := addEntry(t, s, "Tracked", "body")
		s.Get(ctx, e.ID, true)
		got, _ := s.Get(ctx, e.ID, true)
		if got.AccessCount != 2 || got.LastAccessed == nil {
			t.Fatalf("expected 2 accesses with timestamp, got %d / %v", got.AccessCount, got.LastAccessed)
		}
	})

	t.Run("Update rewrites row tags and index", func(t *testing.T) {
		e := addEntry(t, s, "Redis eviction", "maxmemory policy", "redis")
		e.Title = "Memcached eviction"
		e.Tags = []string{"memcached"}
		if err := s.Update(ctx, e); err != nil {
			t.Fatalf("update: %v", err)
		}
		if hits, _ := s.Search(ctx, "redis", Filters{}, 10); len(hits) != 0 {
			t.Fatalf("expected old title term gone from index, got %d hits", len(hits))
		}
		hits, _ := s.Search(ctx, "memcached", Filters{}, 10)
		if len(hits) != 1 || hits[0].Entry.ID != e.ID {
			t.Fatalf("expected updated entry to be found, got %v", hits)
		}
	})

	t.Run("Update missing returns ErrNotFound", func(t *testing.T) {
		err := s.Update(ctx, &models.Entry{ID: "01ARZ3NDEKTSV4RRFFQ69G5FAV", Title: "x", Type: models.EntryTypeBug})
		if !errors.Is(err, models.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("Delete removes row and index", func(t *testing.T) {
		e := addEntry(t, s, "Zanzibarquux unique", "content")
		if err := s.Delete(ctx, e.ID); err != nil {
			t.Fatalf("delete: %v", err)
		}
		if got, _ := s.Get(ctx, e.ID, false); got != nil {
			t.Fatal("expected entry gone")
		}
		hits, _ := s.Search(ctx, "zanzibarquux", Filters{IncludeObsolete: true}, 10)
		if len(hits) != 0 {
			t.Fatalf("expected no hits after delete, got %d", len(hits))
		}
		var n int
		db.QueryRow(`SELECT COUNT(*) FROM entry_tags WHERE entry_id = ?`, e.ID).Scan(&n)
		if n != 0 {
			t.Fatalf("expected tags cascaded, got %d", n)
		}
	})
}

func TestEntrySearch(t *testing.T) {
	db := setupTestDB(t)
	s := NewEntryStore(db)
	ctx := context.Background()

	strong := addEntry(t, s, "Postgres connection pooling", "pgbouncer transaction mode")
	weak := addEntry(t, s, "Deploy checklist", "remember connection strings for postgres")
	obsolete := addEntry(t, s, "Postgres old advice", "postgres pooling was different")
	obsolete.Status = models.StatusObsolete
	if err := s.Update(ctx, obsolete); err != nil {
		t.Fatalf("update: %v", err)
	}
	pattern := &models.Entry{Title: "Postgres pattern", Type: models.EntryTypePattern, Project: "api", Content: "use pgx"}
	if err := s.Add(ctx, pattern); err != nil {
		t.Fatalf("add: %v", err)
	}

	t.Run("best first and obsolete hidden", func(t *testing.T) {
		hits, err := s.Search(ctx, "postgres pooling", Filters{}, 10)
		if err != nil {
			t.Fatalf("search: %v", err)
		}
		if len(hits) != 3 {
			t.Fatalf("expected 3 hits, got %d", len(hits))
		}
		if hits[0].Entry.ID != strong.ID {
			t.Errorf("expected title match first, got %s", hits[0].Entry.Title)
		}
		for i, h := range hits {
			if h.Entry.ID == obsolete.ID {
				t.Error("obsolete entry returned without opt-in")
			}
			if i > 0 && h.Rank < hits[i-1].Rank {
				t.Errorf("hits not sorted best-first at %d", i)
			}
		}
		_ = weak
	})

	t.Run("obsolete on request", func(t *testing.T) {
		hits, _ := s.Search(ctx, "postgres", Filters{IncludeObsolete: true}, 10)
		found := false
		for _, h := range hits {
			found = found || h.Entry.ID == obsolete.ID
		}
		if !found {
			t.Fatal("expected obsolete entry when requested")
		}
	})

	t.Run("stemming", func(t *testing.T) {
		hits, _ := s.Search(ctx, "pool", Filters{}, 10)
		if len(hits) == 0 {
			t.Fatal("expected porter stemming to match pooling")
		}
	})

	t.Run("filters", func(t *testing.T) {
		hits, _ := s.Search(ctx, "postgres", Filters{Type: models.EntryTypePattern, Project: "api"}, 10)
		if len(hits) != 1 || hits[0].Entry.ID != pattern.ID {
			t.Fatalf("expected only the pattern entry, got %d hits", len(hits))
		}
	})

	t.Run("syntax is neutralized", func(t *testing.T) {
		if _, err := s.Search(ctx, `postgres" OR NEAR(`, Filters{}, 10); err != nil {
			t.Fatalf("expected sanitized query to succeed, got %v", err)
		}
		hits, err := s.Search(ctx, `"*()`, Filters{}, 10)
		if err != nil || hits != nil {
			t.Fatalf("expected empty query to return nothing, got %v, %v", hits, err)
		}
	})
}

func TestSanitizeQuery(t *testing.T) {
	cases := map[string]string{
		"nginx timeout":     `"nginx" OR "timeout"`,
		`a"b`:               `"a" OR "b"`,
		"v1.2.3 my_var":     `"v1.2.3" OR "my_var"`,
		"   ":               "",
		"-- drop ... table": `"drop" OR "table"`,
	}
	for in, want := range cases {
		if got := SanitizeQuery(in); got != want {
			t.Errorf("SanitizeQuery(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestLinksAndSupersede(t *testing.T) {
	db := setupTestDB(t)
	entries := NewEntryStore(db)
	links := NewLinkStore(db)
	ctx := context.Background()

	oldE := addEntry(t, entries, "Old approach", "x")
	newE := addEntry(t, entries, "New approach", "y")

	if err := links.Add(ctx, &models.Link{SourceID: oldE.ID, TargetID: oldE.ID, RelationType: models.RelationRelated}); !models.IsValidation(err) {
		t.Fatalf("expected self-link validation error, got %v", err)
	}
	if err := links.Add(ctx, &models.Link{SourceID: oldE.ID, TargetID: newE.ID, RelationType: "likes"}); !models.IsValidation(err) {
		t.Fatalf("expected relation validation error, got %v", err)
	}

	if err := links.Supersede(ctx, oldE.ID, newE.ID, "rewritten"); err != nil {
		t.Fatalf("supersede: %v", err)
	}
	got, _ := entries.Get(ctx, oldE.ID, false)
	if got.Status != models.StatusObsolete || got.SupersededBy == nil || *got.SupersededBy != newE.ID {
		t.Fatalf("expected old entry obsolete and superseded, got %+v", got)
	}
	out, _ := links.ListFrom(ctx, newE.ID)
	if len(out) != 1 || out[0].RelationType != models.RelationSupersedes || out[0].TargetID != oldE.ID {
		t.Fatalf("expected supersedes link new->old, got %+v", out)
	}

	t.Run("re-adding a link returns the existing id", func(t *testing.T) {
		first := &models.Link{SourceID: oldE.ID, TargetID: newE.ID, RelationType: models.RelationRelated, Reason: "same topic"}
		if err := links.Add(ctx, first); err != nil {
			t.Fatalf("add: %v", err)
		}
		other := &models.Link{SourceID: newE.ID, TargetID: oldE.ID, RelationType: models.RelationDerivedFrom}
		if err := links.Add(ctx, other); err != nil {
			t.Fatalf("add other: %v", err)
		}

		dup := &models.Link{SourceID: oldE.ID, TargetID: newE.ID, RelationType: models.RelationRelated, Reason: "same topic"}
		if err := links.Add(ctx, dup); err != nil {
			t.Fatalf("re-add: %v", err)
		}
		if dup.ID != first.ID || dup.CreatedAt != first.CreatedAt {
			t.Fatalf("expected id %d, got %d", first.ID, dup.ID)
		}
		out, _ := links.ListFrom(ctx, oldE.ID)
		if len(out) != 1 {
			t.Fatalf("expected a single stored link, got %+v", out)
		}
	})

	t.Run("delete cascades links", func(t *testing.T) {
		if err := entries.Delete(ctx, newE.ID); err != nil {
			t.Fatalf("delete: %v", err)
		}
		in, _ := links.ListTo(ctx, oldE.ID)
		if len(in) != 0 {
			t.Fatalf("expected links removed, got %d", len(in))
		}
		got, _ := entries.Get(ctx, oldE.ID, false)
		if got.SupersededBy != nil {
			t.Fatal("expected dangling superseded_by cleared")
		}
	})

	t.Run("supersede missing target", func(t *testing.T) {
		err := links.Supersede(ctx, oldE.ID, "01ARZ3NDEKTSV4RRFFQ69G5FAV", "")
		if !errors.Is(err, models.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestContextStore(t *testing.T) {
	db := setupTestDB(t)
	entries := NewEntryStore(db)
	cs := NewContextStore(db)
	ctx := context.Background()

	e := addEntry(t, entries, "Timeout", "x")
	in := &models.StructuredContext{
		Situation:       "gateway returns 504 under load",
		Solution:        "raise proxy_read_timeout to 120s",
		TriggerKeywords: []string{"Nginx", "timeout", "nginx"},
		Files:           []string{"/etc/nginx/nginx.conf"},
	}
	if err := cs.Put(ctx, e.ID, in); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := cs.Get(ctx, e.ID)
	if err != nil || got == nil {
		t.Fatalf("get: %v, %v", got, err)
	}
	if got.Solution != in.Solution || got.ExtractionMethod != models.ExtractionManual {
		t.Errorf("round trip mismatch: %+v", got)
	}
	if len(got.TriggerKeywords) != 2 {
		t.Errorf("expected lower-cased unique keywords, got %v", got.TriggerKeywords)
	}

	kws, _ := cs.AllKeywords(ctx)
	if len(kws[e.ID]) != 2 {
		t.Errorf("expected keywords indexed, got %v", kws)
	}

	if err := cs.Put(ctx, e.ID, &models.StructuredContext{Situation: "s", Solution: "x"}); !models.IsValidation(err) {
		t.Fatalf("expected keyword validation error, got %v", err)
	}
	if err := cs.Put(ctx, "01ARZ3NDEKTSV4RRFFQ69G5FAV", in); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing entry, got %v", err)
	}

	entries.Delete(ctx, e.ID)
	if got, _ := cs.Get(ctx, e.ID); got != nil {
		t.Fatal("expected context deleted with entry")
	}
}

func TestEmbeddingStore(t *testing.T) {
	db := setupTestDB(t)
	entries := NewEntryStore(db)
	es := NewEmbeddingStore(db)
	ctx := context.Background()

	e := addEntry(t, entries, "Vec", "x")
	emb := &models.Embedding{EntryID: e.ID, Type: models.EmbeddingSummary, Vector: []float32{3, 4}, Model: "test"}
	if err := es.Put(ctx, emb); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, _ := es.Get(ctx, e.ID, models.EmbeddingSummary)
	if got == nil || got.Dimensions != 2 {
		t.Fatalf("expected stored embedding, got %+v", got)
	}
	if d := got.Vector[0] - 0.6; d > 1e-6 || d < -1e-6 {
		t.Errorf("expected normalized vector, got %v", got.Vector)
	}

	// second put replaces rather than duplicates
	es.Put(ctx, &models.Embedding{EntryID: e.ID, Type: models.EmbeddingSummary, Vector: []float32{1, 0}, Model: "test"})
	if n, _ := es.Count(ctx, models.EmbeddingSummary); n != 1 {
		t.Fatalf("expected one embedding per (entry, type), got %d", n)
	}
	if missing, _ := es.Get(ctx, e.ID, models.EmbeddingContext); missing != nil {
		t.Fatal("expected no context embedding")
	}

	if err := es.Put(ctx, &models.Embedding{EntryID: e.ID, Type: models.EmbeddingSummary, Vector: []float32{0, 0}}); !models.IsValidation(err) {
		t.Fatalf("expected zero vector rejected, got %v", err)
	}
}

func TestWithTxRollback(t *testing.T) {
	db := setupTestDB(t)
	entries := NewEntryStore(db)
	ctx := context.Background()

	boom := errors.New("boom")
	err := db.WithTx(ctx, func(tx *sql.Tx) error {
		bound := entries.WithTx(tx)
		if err := bound.Add(ctx, &models.Entry{Title: "inside", Type: models.EntryTypeBug}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if n, _ := entries.Count(ctx, Filters{IncludeObsolete: true}); n != 0 {
		t.Fatalf("expected rollback, found %d entries", n)
	}
	if hits, _ := entries.Search(ctx, "inside", Filters{}, 10); len(hits) != 0 {
		t.Fatal("expected fts row rolled back")
	}
}

func TestMarkerStore(t *testing.T) {
	db := setupTestDB(t)
	ms := NewMarkerStore(db)
	ctx := context.Background()

	if m, _ := ms.Get(ctx, "jsonl"); m != "" {
		t.Fatalf("expected empty marker, got %q", m)
	}
	ms.Set(ctx, "jsonl", "100")
	ms.Set(ctx, "jsonl", "200")
	if m, _ := ms.Get(ctx, "jsonl"); m != "200" {
		t.Fatalf("expected marker 200, got %q", m)
	}
}
