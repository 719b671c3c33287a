package archive

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/guthubrx/rekall-sub000/internal/models"
	"github.com/guthubrx/rekall-sub000/internal/store"
)

func setupTestDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func addEntry(t *testing.T, db *store.DB, title string, typ models.EntryType) *models.Entry {
	t.Helper()
	e := &models.Entry{Title: title, Type: typ, Content: "content of " + title, Confidence: 3, Tags: []string{"x"}}
	if err := store.NewEntryStore(db).Add(context.Background(), e); err != nil {
		t.Fatalf("add entry: %v", err)
	}
	return e
}

func TestBuildAndValidate(t *testing.T) {
	records := []Record{
		{Entry: models.Entry{ID: "a", Title: "A", Type: models.EntryTypeBug}},
		{Entry: models.Entry{ID: "b", Title: "B", Type: models.EntryTypeBug}, Context: &models.StructuredContext{Situation: "s", Solution: "x"}},
		{Entry: models.Entry{ID: "c", Title: "C", Type: models.EntryTypeDecision}},
	}
	a, err := Build(records, time.Now())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	m := a.Manifest
	if m.FormatVersion != FormatVersion || len(m.Checksum) != 64 {
		t.Fatalf("unexpected manifest %+v", m)
	}
	if m.Stats.Entries != 3 || m.Stats.WithContext != 1 || m.Stats.ByType["bug"] != 2 {
		t.Fatalf("unexpected stats %+v", m.Stats)
	}
	if err := Validate(m, a.Entries); err != nil {
		t.Fatalf("validate: %v", err)
	}

	t.Run("tampered payload", func(t *testing.T) {
		tampered := bytes.Replace(a.Entries, []byte(`"A"`), []byte(`"Z"`), 1)
		if err := Validate(m, tampered); !errors.Is(err, ErrChecksumMismatch) {
			t.Fatalf("expected checksum mismatch, got %v", err)
		}
	})

	t.Run("wrong format version", func(t *testing.T) {
		bad := m
		bad.FormatVersion = FormatVersion + 1
		if err := Validate(bad, a.Entries); !errors.Is(err, ErrFormatVersion) {
			t.Fatalf("expected format version error, got %v", err)
		}
	})

	t.Run("encode decode", func(t *testing.T) {
		var buf bytes.Buffer
		if err := a.Encode(&buf); err != nil {
			t.Fatalf("encode: %v", err)
		}
		back, err := Decode(&buf)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		got, err := back.Records()
		if err != nil {
			t.Fatalf("records: %v", err)
		}
		if len(got) != 3 || got[1].Context == nil || got[1].Context.Solution != "x" {
			t.Fatalf("unexpected records %+v", got)
		}
	})
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	records := []Record{
		{Entry: models.Entry{ID: "a", Title: "Escape <html> & quotes", Type: models.EntryTypePitfall, Tags: []string{"json", "go"}}},
		{Entry: models.Entry{ID: "b", Title: "Nested", Type: models.EntryTypeConfig}, Context: &models.StructuredContext{
			Situation: "multi\nline", Solution: "compact", TriggerKeywords: []string{"json"},
		}},
	}
	a, err := Build(records, time.Now())
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	var buf bytes.Buffer
	if err := a.Encode(&buf); err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !bytes.Contains(buf.Bytes(), []byte("\n    {")) {
		t.Fatalf("expected an indented payload, got %s", buf.String())
	}

	back, err := Decode(&buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if back.Manifest.Checksum != a.Manifest.Checksum {
		t.Fatalf("checksum changed: %s != %s", back.Manifest.Checksum, a.Manifest.Checksum)
	}
	got, err := back.Records()
	if err != nil {
		t.Fatalf("records: %v", err)
	}
	if len(got) != 2 || got[0].Title != "Escape <html> & quotes" || got[1].Context.Solution != "compact" {
		t.Fatalf("unexpected records %+v", got)
	}
}

func TestSnapshot(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	e := addEntry(t, db, "pool exhaustion", models.EntryTypeBug)
	addEntry(t, db, "use WAL", models.EntryTypeDecision)
	err := store.NewContextStore(db).Put(ctx, e.ID, &models.StructuredContext{
		Situation: "too many conns", Solution: "cap the pool", TriggerKeywords: []string{"pool"},
	})
	if err != nil {
		t.Fatalf("put context: %v", err)
	}

	dir := filepath.Join(t.TempDir(), "snapshots")
	path, err := WriteSnapshot(ctx, db, dir)
	if err != nil {
		t.Fatalf("write snapshot: %v", err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Fatal("temporary file left behind")
	}

	m, records, err := ReadSnapshot(path)
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if m.Stats.Entries != 2 || len(records) != 2 {
		t.Fatalf("expected 2 records, got %d (%+v)", len(records), m.Stats)
	}
	var found bool
	for _, r := range records {
		if r.ID == e.ID {
			found = r.Context != nil && r.Context.Solution == "cap the pool"
		}
	}
	if !found {
		t.Fatal("expected the context to be exported with its entry")
	}
}

func TestBackupRestore(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "rekall.db")
	db, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	ctx := context.Background()
	addEntry(t, db, "kept", models.EntryTypePattern)

	backupDir := filepath.Join(t.TempDir(), "backups")
	path, err := CreateBackup(ctx, db, backupDir)
	if err != nil {
		t.Fatalf("create backup: %v", err)
	}
	if err := ValidateBackup(ctx, path); err != nil {
		t.Fatalf("validate backup: %v", err)
	}

	addEntry(t, db, "after backup", models.EntryTypePattern)
	db.Close()

	if err := RestoreBackup(ctx, path, dbPath); err != nil {
		t.Fatalf("restore: %v", err)
	}
	restored, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer restored.Close()
	n, _ := restored.EntryCount(ctx)
	if n != 1 {
		t.Fatalf("expected the backed-up entry only, got %d entries", n)
	}
	hits, err := store.NewEntryStore(restored).Search(ctx, "kept", store.Filters{}, 5)
	if err != nil || len(hits) != 1 {
		t.Fatalf("expected the full-text index restored, got %v, %v", hits, err)
	}
}

func TestValidateBackupRejectsCorruptFiles(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	garbage := filepath.Join(dir, "garbage.db")
	os.WriteFile(garbage, bytes.Repeat([]byte("not sqlite "), 512), 0o644)
	if err := ValidateBackup(ctx, garbage); !errors.Is(err, ErrIntegrity) {
		t.Fatalf("expected integrity error, got %v", err)
	}

	empty := filepath.Join(dir, "empty.db")
	os.WriteFile(empty, nil, 0o644)
	if err := ValidateBackup(ctx, empty); !errors.Is(err, ErrIntegrity) {
		t.Fatalf("expected integrity error for empty file, got %v", err)
	}

	target := filepath.Join(dir, "target.db")
	os.WriteFile(target, []byte("original"), 0o644)
	if err := RestoreBackup(ctx, garbage, target); err == nil {
		t.Fatal("expected restore of a corrupt backup to fail")
	}
	if got, _ := os.ReadFile(target); string(got) != "original" {
		t.Fatal("failed restore must leave the target untouched")
	}
}
