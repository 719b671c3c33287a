package connectors

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/guthubrx/rekall-sub000/internal/curation"
	"github.com/guthubrx/rekall-sub000/internal/store"
)

const transcript = `{"type":"user","cwd":"/home/dev/api","sessionId":"s1","timestamp":"2026-01-01T10:00:00Z","message":{"role":"user","content":"why does https://go.dev/doc/faq say that?"}}
{"type":"assistant","cwd":"/home/dev/api","sessionId":"s1","timestamp":"2026-01-01T10:00:05Z","message":{"content":[{"type":"text","text":"See https://pkg.go.dev/database/sql. Also https://pkg.go.dev/database/sql and http://localhost:8080/debug"}]}}
{"type":"assistant","timestamp":"2026-01-01T10:01:00Z","message":{"content":"truncated
`

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeHistory(t *testing.T, path, content string, mod time.Time) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(path, mod, mod); err != nil {
		t.Fatal(err)
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	if got := strings.Join(r.Kinds(), ","); got != "jsonl" {
		t.Fatalf("expected built-in jsonl kind, got %q", got)
	}
	c, err := r.New("jsonl", "claude", Options{Dirs: []string{t.TempDir()}})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if c.Name() != "claude" || !c.IsAvailable() {
		t.Fatalf("unexpected connector %s available=%v", c.Name(), c.IsAvailable())
	}
	if _, err := r.New("telepathy", "", Options{}); err == nil {
		t.Fatal("expected unknown kind to fail")
	}
}

func TestJSONLExtract(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "project", "s1.jsonl")
	writeHistory(t, path, transcript, time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC))
	writeHistory(t, filepath.Join(dir, "notes.txt"), "https://ignored.example.com", time.Now())

	c := NewJSONL("claude", Options{Dirs: []string{dir, filepath.Join(dir, "missing")}})

	paths, err := c.HistoryPaths()
	if err != nil {
		t.Fatalf("history paths: %v", err)
	}
	if len(paths) != 1 || paths[0] != path {
		t.Fatalf("unexpected paths %v", paths)
	}

	got, err := c.ExtractURLs(context.Background(), path, time.Time{})
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	var urls []string
	for _, in := range got {
		urls = append(urls, in.URL)
	}
	want := "https://go.dev/doc/faq,https://pkg.go.dev/database/sql,http://localhost:8080/debug"
	if strings.Join(urls, ",") != want {
		t.Fatalf("unexpected urls %v", urls)
	}

	first := got[0]
	if first.Project != "api" || first.ConversationID != "s1" || first.CLISource != "claude" {
		t.Fatalf("unexpected capture metadata %+v", first)
	}
	if !strings.HasPrefix(first.UserQuery, "why does") {
		t.Fatalf("expected user query, got %q", first.UserQuery)
	}
	if first.CapturedAt != time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC).Unix() {
		t.Fatalf("expected record timestamp, got %d", first.CapturedAt)
	}

	t.Run("since filters older records", func(t *testing.T) {
		got, _ := c.ExtractURLs(context.Background(), path, time.Date(2026, 1, 1, 10, 0, 1, 0, time.UTC))
		if len(got) != 2 {
			t.Fatalf("expected 2 recent urls, got %d", len(got))
		}
	})

	t.Run("validate url", func(t *testing.T) {
		tests := map[string]bool{
			"https://go.dev/doc":        true,
			"http://localhost:8080/x":   false,
			"http://127.0.0.1:3000":     false,
			"http://app.localhost/":     false,
			"ftp://files.example.com/a": false,
		}
		for u, want := range tests {
			if got := c.ValidateURL(u); got != want {
				t.Errorf("ValidateURL(%q) = %v, want %v", u, got, want)
			}
		}
	})
}

func TestScannerIncremental(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	ctx := context.Background()

	dir := t.TempDir()
	path := filepath.Join(dir, "s1.jsonl")
	writeHistory(t, path, transcript, time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC))

	capturer := curation.NewCapturer(db, curation.DefaultPromotionConfig(), testLogger())
	s := NewScanner(db, capturer, testLogger())
	c := NewJSONL("claude", Options{Dirs: []string{dir}})

	res, err := s.Scan(ctx, c)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if res.Files != 1 || res.URLs != 2 || res.Rejected != 1 || res.Capture.Staged != 2 {
		t.Fatalf("unexpected first scan %+v", res)
	}
	if res.Marker != "2026-01-02T00:00:00Z" {
		t.Fatalf("unexpected marker %q", res.Marker)
	}

	t.Run("unchanged files are skipped", func(t *testing.T) {
		res, err := s.Scan(ctx, c)
		if err != nil {
			t.Fatalf("scan: %v", err)
		}
		if res.Files != 0 || res.URLs != 0 {
			t.Fatalf("expected nothing new, got %+v", res)
		}
	})

	t.Run("appended records are picked up", func(t *testing.T) {
		more := transcript + `{"type":"assistant","timestamp":"2026-01-03T09:00:00Z","message":{"content":"read https://sqlite.org/wal.html"}}` + "\n"
		writeHistory(t, path, more, time.Date(2026, 1, 4, 0, 0, 0, 0, time.UTC))

		res, err := s.Scan(ctx, c)
		if err != nil {
			t.Fatalf("scan: %v", err)
		}
		if res.Files != 1 || res.URLs != 1 {
			t.Fatalf("expected only the new url, got %+v", res)
		}
		rec, _ := store.NewStagingStore(db).GetByURL(ctx, "https://pkg.go.dev/database/sql")
		if rec == nil || rec.CitationCount != 1 {
			t.Fatalf("old urls must not be captured twice, got %+v", rec)
		}
	})

	t.Run("unavailable connector is a no-op", func(t *testing.T) {
		res, err := s.Scan(ctx, NewJSONL("ghost", Options{Dirs: []string{filepath.Join(dir, "nope")}}))
		if err != nil || res.Files != 0 {
			t.Fatalf("expected empty result, got %+v, %v", res, err)
		}
	})
}
