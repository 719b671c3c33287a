package archive

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/guthubrx/rekall-sub000/internal/models"
	"github.com/guthubrx/rekall-sub000/internal/store"
)

// FormatVersion is the export layout written by this build. Archives with
// any other version are rejected.
const FormatVersion = 1

var (
	ErrFormatVersion    = errors.New("unsupported archive format version")
	ErrChecksumMismatch = errors.New("archive checksum mismatch")
	ErrIntegrity        = errors.New("database integrity check failed")
)

// Stats summarizes an export payload.
type Stats struct {
	Entries     int            `json:"entries"`
	WithContext int            `json:"withContext"`
	ByType      map[string]int `json:"byType"`
}

// Manifest describes an export payload. Checksum is the hex SHA-256 of the
// compact JSON encoding of the payload, so indentation does not affect it.
type Manifest struct {
	FormatVersion int       `json:"formatVersion"`
	CreatedAt     time.Time `json:"createdAt"`
	Checksum      string    `json:"checksum"`
	Stats         Stats     `json:"stats"`
}

// Record is one exported entry with its structured context.
type Record struct {
	models.Entry
	Context *models.StructuredContext `json:"context,omitempty"`
}

// Archive is the on-disk export: a manifest and the payload it covers.
type Archive struct {
	Manifest Manifest        `json:"manifest"`
	Entries  json.RawMessage `json:"entries"`
}

// Build serializes records and computes their manifest.
func Build(records []Record, now time.Time) (*Archive, error) {
	if records == nil {
		records = []Record{}
	}
	payload, err := json.Marshal(records)
	if err != nil {
		return nil, fmt.Errorf("marshal records: %w", err)
	}

	stats := Stats{Entries: len(records), ByType: make(map[string]int)}
	for _, r := range records {
		stats.ByType[string(r.Type)]++
		if r.Context != nil {
			stats.WithContext++
		}
	}
	return &Archive{
		Manifest: Manifest{
			FormatVersion: FormatVersion,
			CreatedAt:     now.UTC(),
			Checksum:      checksum(payload),
			Stats:         stats,
		},
		Entries: payload,
	}, nil
}

func checksum(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Validate checks the format version and the payload checksum.
func Validate(m Manifest, payload []byte) error {
	if m.FormatVersion != FormatVersion {
		return fmt.Errorf("%w: got %d, want %d", ErrFormatVersion, m.FormatVersion, FormatVersion)
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, payload); err != nil {
		return fmt.Errorf("%w: payload is not valid JSON: %v", ErrChecksumMismatch, err)
	}
	if got := checksum(compact.Bytes()); got != m.Checksum {
		return fmt.Errorf("%w: manifest %s, payload %s", ErrChecksumMismatch, m.Checksum, got)
	}
	return nil
}

// Records validates the archive and decodes its payload.
func (a *Archive) Records() ([]Record, error) {
	if err := Validate(a.Manifest, a.Entries); err != nil {
		return nil, err
	}
	var records []Record
	if err := json.Unmarshal(a.Entries, &records); err != nil {
		return nil, fmt.Errorf("decode records: %w", err)
	}
	return records, nil
}

// Encode writes the archive as JSON.
func (a *Archive) Encode(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(a)
}

// Decode reads an archive written by Encode. It does not validate.
func Decode(r io.Reader) (*Archive, error) {
	var a Archive
	if err := json.NewDecoder(r).Decode(&a); err != nil {
		return nil, fmt.Errorf("decode archive: %w", err)
	}
	return &a, nil
}

// Export reads every entry, obsolete ones included, with its context.
func Export(ctx context.Context, db *store.DB) ([]Record, error) {
	entries, err := store.NewEntryStore(db).List(ctx, store.Filters{IncludeObsolete: true}, 0, 0)
	if err != nil {
		return nil, err
	}
	contexts, err := store.NewContextStore(db).All(ctx)
	if err != nil {
		return nil, err
	}
	records := make([]Record, 0, len(entries))
	for _, e := range entries {
		records = append(records, Record{Entry: *e, Context: contexts[e.ID]})
	}
	return records, nil
}

// WriteSnapshot exports the whole store into a zstd-compressed archive in
// dir and returns its path. The file appears atomically.
func WriteSnapshot(ctx context.Context, db *store.DB, dir string) (string, error) {
	records, err := Export(ctx, db)
	if err != nil {
		return "", fmt.Errorf("export entries: %w", err)
	}
	a, err := Build(records, time.Now())
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create snapshot dir: %w", err)
	}
	path := filepath.Join(dir, "snapshot-"+a.Manifest.CreatedAt.Format("20060102-150405.000000000")+".json.zst")
	tmpPath := path + ".tmp"

	if err := writeCompressed(tmpPath, a); err != nil {
		os.Remove(tmpPath)
		return "", err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("rename snapshot: %w", err)
	}
	return path, nil
}

func writeCompressed(path string, a *Archive) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create snapshot: %w", err)
	}
	defer f.Close()

	zw, err := zstd.NewWriter(f)
	if err != nil {
		return fmt.Errorf("zstd writer: %w", err)
	}
	if err := a.Encode(zw); err != nil {
		zw.Close()
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("flush snapshot: %w", err)
	}
	return f.Sync()
}

// ReadSnapshot opens a snapshot written by WriteSnapshot and returns its
// validated records.
func ReadSnapshot(path string) (*Manifest, []Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open snapshot: %w", err)
	}
	defer f.Close()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return nil, nil, fmt.Errorf("zstd reader: %w", err)
	}
	defer zr.Close()

	a, err := Decode(zr)
	if err != nil {
		return nil, nil, err
	}
	records, err := a.Records()
	if err != nil {
		return nil, nil, err
	}
	return &a.Manifest, records, nil
}
