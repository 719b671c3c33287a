package api

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/guthubrx/rekall-sub000/internal/app"
	"github.com/guthubrx/rekall-sub000/internal/archive"
	"github.com/guthubrx/rekall-sub000/internal/config"
	"github.com/guthubrx/rekall-sub000/internal/models"
)

// fakeOllamaServer mimics the Ollama embedding API with vectors derived
// from a hash of the input.
func fakeOllamaServer() *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/embed":
			var req struct {
				Input string `json:"input"`
			}
			json.NewDecoder(r.Body).Decode(&req)
			h := sha256.Sum256([]byte(req.Input))
			vec := make([]float32, 64)
			for i := range vec {
				vec[i] = float32(h[i%32])/255.0 - 0.5
			}
			writeJSON(w, http.StatusOK, map[string]any{"embeddings": [][]float32{vec}})
		case "/api/tags":
			writeJSON(w, http.StatusOK, map[string]any{"models": []any{}})
		default:
			http.NotFound(w, r)
		}
	}))
}

func setupServer(t *testing.T, apiKey string) (*httptest.Server, *app.App) {
	t.Helper()

	ollama := fakeOllamaServer()
	t.Cleanup(ollama.Close)

	dir := t.TempDir()
	cfg := config.Default()
	cfg.DBPath = filepath.Join(dir, "rekall.db")
	cfg.BackupDir = filepath.Join(dir, "backups")
	cfg.OllamaBaseURL = ollama.URL
	cfg.VectorBackend = "exact"
	cfg.EmbeddingDim = 64
	cfg.EmbeddingTargetDim = 0

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	a, err := app.New(context.Background(), cfg, logger)
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	srv := httptest.NewServer(NewRouter(a, apiKey, logger))
	t.Cleanup(func() {
		srv.Close()
		a.Shutdown(context.Background())
	})
	return srv, a
}

func do(t *testing.T, method, url string, body any) *http.Response {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, r)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func expectStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		b, _ := io.ReadAll(resp.Body)
		t.Fatalf("%s %s: expected %d, got %d: %s", resp.Request.Method, resp.Request.URL.Path, want, resp.StatusCode, b)
	}
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func createEntry(t *testing.T, srv *httptest.Server, title, content string) *models.AddEntryResponse {
	t.Helper()
	resp := do(t, http.MethodPost, srv.URL+"/entries", models.AddEntryRequest{
		Title:   title,
		Type:    models.EntryTypeDecision,
		Content: content,
		Tags:    []string{"sqlite"},
	})
	expectStatus(t, resp, http.StatusCreated)
	var out models.AddEntryResponse
	decode(t, resp, &out)
	return &out
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := setupServer(t, "")

	resp := do(t, http.MethodGet, srv.URL+"/health", nil)
	expectStatus(t, resp, http.StatusOK)

	var health models.HealthResponse
	decode(t, resp, &health)
	if health.Status != "ok" || health.DB.Status != "ok" {
		t.Fatalf("unexpected health %+v", health)
	}
	if health.Embeddings.Status != "idle" {
		t.Fatalf("expected the model to be idle before first use, got %q", health.Embeddings.Status)
	}
	if health.VectorIndex != "exact" {
		t.Fatalf("expected exact index, got %q", health.VectorIndex)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Fatal("expected a request id header")
	}
}

func TestEntryCRUD(t *testing.T) {
	srv, _ := setupServer(t, "")

	created := createEntry(t, srv, "Enable WAL", "Set journal_mode=WAL to allow concurrent readers")
	if created.Entry.ID == "" || !created.Embedded {
		t.Fatalf("expected an embedded entry with an id, got %+v", created)
	}
	id := created.Entry.ID

	resp := do(t, http.MethodGet, srv.URL+"/entries/"+id, nil)
	expectStatus(t, resp, http.StatusOK)
	var got models.Entry
	decode(t, resp, &got)
	if got.Title != "Enable WAL" || got.AccessCount != 1 {
		t.Fatalf("unexpected entry %+v", got)
	}

	title := "Enable WAL journal"
	resp = do(t, http.MethodPatch, srv.URL+"/entries/"+id, models.UpdateEntryRequest{Title: &title})
	expectStatus(t, resp, http.StatusOK)

	resp = do(t, http.MethodGet, srv.URL+"/entries/"+id+"/context", nil)
	expectStatus(t, resp, http.StatusNotFound)

	resp = do(t, http.MethodPut, srv.URL+"/entries/"+id+"/context", models.StructuredContext{
		Situation: "database is locked errors under concurrent writers",
		Solution:  "switch the journal to WAL and set busy_timeout",
	})
	expectStatus(t, resp, http.StatusOK)
	var c models.StructuredContext
	decode(t, resp, &c)
	if len(c.TriggerKeywords) == 0 || c.ExtractionMethod != models.ExtractionAuto {
		t.Fatalf("expected auto keywords, got %+v", c)
	}

	resp = do(t, http.MethodGet, srv.URL+"/entries?limit=10", nil)
	expectStatus(t, resp, http.StatusOK)
	var list listResponse
	decode(t, resp, &list)
	if list.Total != 1 || len(list.Items) != 1 {
		t.Fatalf("expected one entry, got %+v", list)
	}

	resp = do(t, http.MethodPost, srv.URL+"/entries/search", models.SearchRequest{Query: "journal"})
	expectStatus(t, resp, http.StatusOK)
	var hits struct {
		Results []hitResponse `json:"results"`
	}
	decode(t, resp, &hits)
	if len(hits.Results) != 1 || hits.Results[0].Entry.ID != id {
		t.Fatalf("expected the entry from full-text search, got %+v", hits.Results)
	}

	resp = do(t, http.MethodDelete, srv.URL+"/entries/"+id, nil)
	expectStatus(t, resp, http.StatusNoContent)
	resp = do(t, http.MethodGet, srv.URL+"/entries/"+id, nil)
	expectStatus(t, resp, http.StatusNotFound)
	resp = do(t, http.MethodDelete, srv.URL+"/entries/"+id, nil)
	expectStatus(t, resp, http.StatusNotFound)
}

func TestCreateValidation(t *testing.T) {
	srv, a := setupServer(t, "")

	resp := do(t, http.MethodPost, srv.URL+"/entries", models.AddEntryRequest{
		Title:   "x",
		Type:    "opinion",
		Content: "y",
	})
	expectStatus(t, resp, http.StatusBadRequest)
	var body map[string]string
	decode(t, resp, &body)
	if body["field"] != "type" {
		t.Fatalf("expected the type field to be reported, got %v", body)
	}

	resp = do(t, http.MethodPost, srv.URL+"/entries/search", models.SearchRequest{})
	expectStatus(t, resp, http.StatusBadRequest)

	n, err := a.DB.EntryCount(context.Background())
	if err != nil || n != 0 {
		t.Fatalf("expected no entries written, got %d (%v)", n, err)
	}
}

func TestSearchRoutes(t *testing.T) {
	srv, _ := setupServer(t, "")
	first := createEntry(t, srv, "Redis eviction", "Use allkeys-lru for cache workloads")
	createEntry(t, srv, "Kafka retention", "Compact topics keyed by entity id")

	resp := do(t, http.MethodPost, srv.URL+"/search/hybrid", models.SearchRequest{Query: "redis eviction", Limit: 5})
	expectStatus(t, resp, http.StatusOK)
	var hybrid struct {
		Results []struct {
			Entry *models.Entry `json:"entry"`
			Score float64       `json:"score"`
		} `json:"results"`
	}
	decode(t, resp, &hybrid)
	if len(hybrid.Results) == 0 || hybrid.Results[0].Entry.ID != first.Entry.ID {
		t.Fatalf("expected the redis entry first, got %+v", hybrid.Results)
	}

	// The summary text of the first entry embeds to its own stored vector.
	resp = do(t, http.MethodPost, srv.URL+"/search/semantic", models.SearchRequest{
		Query:         "Redis eviction\n\nUse allkeys-lru for cache workloads\n\nTags: sqlite",
		MinSimilarity: 0.99,
	})
	expectStatus(t, resp, http.StatusOK)
	var semantic struct {
		Results  []struct {
			Entry      *models.Entry `json:"entry"`
			Similarity float64       `json:"similarity"`
		} `json:"results"`
		Semantic bool `json:"semantic"`
	}
	decode(t, resp, &semantic)
	if !semantic.Semantic {
		t.Fatal("expected semantic search to be available")
	}
	if len(semantic.Results) != 1 || semantic.Results[0].Entry.ID != first.Entry.ID {
		t.Fatalf("expected only the redis entry, got %+v", semantic.Results)
	}
}

func TestSupersedeAndLinks(t *testing.T) {
	srv, _ := setupServer(t, "")
	old := createEntry(t, srv, "Use rollback journal", "journal_mode=DELETE")
	repl := createEntry(t, srv, "Use WAL", "journal_mode=WAL")

	resp := do(t, http.MethodPost, srv.URL+"/entries/"+old.Entry.ID+"/supersede", supersedeRequest{NewID: repl.Entry.ID, Reason: "WAL is faster"})
	expectStatus(t, resp, http.StatusOK)
	var e models.Entry
	decode(t, resp, &e)
	if e.Status != models.StatusObsolete || e.SupersededBy == nil || *e.SupersededBy != repl.Entry.ID {
		t.Fatalf("expected obsolete entry superseded by %s, got %+v", repl.Entry.ID, e)
	}

	resp = do(t, http.MethodGet, srv.URL+"/entries/"+old.Entry.ID+"/links", nil)
	expectStatus(t, resp, http.StatusOK)
	var links struct {
		Outgoing []models.Link `json:"outgoing"`
		Incoming []models.Link `json:"incoming"`
	}
	decode(t, resp, &links)
	if len(links.Outgoing)+len(links.Incoming) != 1 {
		t.Fatalf("expected one supersedes link, got %+v", links)
	}

	resp = do(t, http.MethodPost, srv.URL+"/entries/"+old.Entry.ID+"/links", linkRequest{TargetID: old.Entry.ID, RelationType: models.RelationRelated})
	expectStatus(t, resp, http.StatusBadRequest)

	resp = do(t, http.MethodPost, srv.URL+"/entries/"+old.Entry.ID+"/supersede", supersedeRequest{})
	expectStatus(t, resp, http.StatusBadRequest)
}

func TestBearerAuth(t *testing.T) {
	srv, _ := setupServer(t, "secret")

	resp := do(t, http.MethodGet, srv.URL+"/health", nil)
	expectStatus(t, resp, http.StatusOK)

	resp = do(t, http.MethodGet, srv.URL+"/entries", nil)
	expectStatus(t, resp, http.StatusUnauthorized)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/entries", nil)
	req.Header.Set("Authorization", "Bearer secret")
	authed, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer authed.Body.Close()
	expectStatus(t, authed, http.StatusOK)
}

func TestExportAndImport(t *testing.T) {
	srv, _ := setupServer(t, "")
	createEntry(t, srv, "Enable WAL", "journal_mode=WAL")

	resp := do(t, http.MethodGet, srv.URL+"/export", nil)
	expectStatus(t, resp, http.StatusOK)
	a, err := archive.Decode(resp.Body)
	if err != nil {
		t.Fatalf("decode export: %v", err)
	}

	resp = do(t, http.MethodPost, srv.URL+"/import/plan", a)
	expectStatus(t, resp, http.StatusOK)
	var plan struct {
		New       []archive.Record `json:"new"`
		Identical []string         `json:"identical"`
	}
	decode(t, resp, &plan)
	if len(plan.Identical) != 1 || len(plan.New) != 0 {
		t.Fatalf("expected one identical record, got %+v", plan)
	}

	other, err := archive.Build([]archive.Record{{Entry: models.Entry{Title: "Imported", Type: models.EntryTypePattern, Content: "from another machine"}}}, a.Manifest.CreatedAt)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	resp = do(t, http.MethodPost, srv.URL+"/import/execute?strategy=skip", other)
	expectStatus(t, resp, http.StatusOK)
	var res struct {
		Added int `json:"added"`
	}
	decode(t, resp, &res)
	if res.Added != 1 {
		t.Fatalf("expected one added entry, got %d", res.Added)
	}

	resp = do(t, http.MethodPost, srv.URL+"/import/execute?strategy=overwrite", other)
	expectStatus(t, resp, http.StatusBadRequest)

	a.Manifest.Checksum = "deadbeef"
	resp = do(t, http.MethodPost, srv.URL+"/import/plan", a)
	expectStatus(t, resp, http.StatusUnprocessableEntity)
}

func TestBackupRoutes(t *testing.T) {
	srv, _ := setupServer(t, "")
	createEntry(t, srv, "Enable WAL", "journal_mode=WAL")

	resp := do(t, http.MethodPost, srv.URL+"/backups", nil)
	expectStatus(t, resp, http.StatusCreated)
	var created map[string]string
	decode(t, resp, &created)

	resp = do(t, http.MethodGet, srv.URL+"/backups", nil)
	expectStatus(t, resp, http.StatusOK)
	var list struct {
		Items []backupInfo `json:"items"`
	}
	decode(t, resp, &list)
	if len(list.Items) != 1 || list.Items[0].Name != created["name"] {
		t.Fatalf("expected the new backup listed, got %+v", list.Items)
	}

	resp = do(t, http.MethodPost, srv.URL+"/backups/"+created["name"]+"/validate", nil)
	expectStatus(t, resp, http.StatusOK)

	resp = do(t, http.MethodPost, srv.URL+"/backups/..hidden/validate", nil)
	expectStatus(t, resp, http.StatusBadRequest)

	resp = do(t, http.MethodPost, srv.URL+"/backups/missing.db/validate", nil)
	expectStatus(t, resp, http.StatusNotFound)
}

func TestCurationRoutes(t *testing.T) {
	srv, _ := setupServer(t, "")

	resp := do(t, http.MethodPost, srv.URL+"/inbox", map[string]any{
		"entries": []models.InboxEntry{
			{URL: "https://sqlite.org/wal.html", CLISource: "test"},
			{URL: "ftp://example.com/file", CLISource: "test"},
		},
	})
	expectStatus(t, resp, http.StatusOK)
	var captured struct {
		Captured int `json:"captured"`
		Invalid  int `json:"invalid"`
		Staged   int `json:"staged"`
	}
	decode(t, resp, &captured)
	if captured.Captured != 2 || captured.Invalid != 1 || captured.Staged != 1 {
		t.Fatalf("unexpected capture result %+v", captured)
	}

	resp = do(t, http.MethodGet, srv.URL+"/staging", nil)
	expectStatus(t, resp, http.StatusOK)
	var staging struct {
		Items []stagingItem `json:"items"`
	}
	decode(t, resp, &staging)
	if len(staging.Items) != 1 || staging.Items[0].Indicator == "" {
		t.Fatalf("expected one staged url with an indicator, got %+v", staging.Items)
	}

	resp = do(t, http.MethodPost, srv.URL+"/staging/"+staging.Items[0].ID+"/promote", nil)
	expectStatus(t, resp, http.StatusCreated)
	var src models.Source
	decode(t, resp, &src)

	resp = do(t, http.MethodPost, srv.URL+"/staging/"+staging.Items[0].ID+"/promote", nil)
	expectStatus(t, resp, http.StatusConflict)

	resp = do(t, http.MethodGet, srv.URL+"/sources", nil)
	expectStatus(t, resp, http.StatusOK)
	var sources struct {
		Items []sourceItem `json:"items"`
	}
	decode(t, resp, &sources)
	if len(sources.Items) != 1 || sources.Items[0].ID != src.ID {
		t.Fatalf("expected the promoted source, got %+v", sources.Items)
	}

	resp = do(t, http.MethodPost, srv.URL+"/sources/"+src.ID+"/usage", nil)
	expectStatus(t, resp, http.StatusNoContent)
	resp = do(t, http.MethodPost, srv.URL+"/sources/"+src.ID+"/demote", nil)
	expectStatus(t, resp, http.StatusNoContent)

	resp = do(t, http.MethodGet, srv.URL+"/suggestions", nil)
	expectStatus(t, resp, http.StatusOK)
	resp = do(t, http.MethodPost, srv.URL+"/suggestions/missing/accept", nil)
	expectStatus(t, resp, http.StatusNotFound)

	resp = do(t, http.MethodPost, srv.URL+"/links/verify", map[string]string{"url": "mailto:someone"})
	expectStatus(t, resp, http.StatusBadRequest)
}
