package connectors

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/guthubrx/rekall-sub000/internal/curation"
	"github.com/guthubrx/rekall-sub000/internal/models"
	"github.com/guthubrx/rekall-sub000/internal/store"
)

// ScanResult reports one incremental scan.
type ScanResult struct {
	Connector string                 `json:"connector"`
	Files     int                    `json:"files"`
	URLs      int                    `json:"urls"`
	Rejected  int                    `json:"rejected"`
	Capture   curation.CaptureResult `json:"capture"`
	Marker    string                 `json:"marker"`
}

// Scanner runs connectors incrementally. The marker stored per connector is
// the modification time of the newest file already processed; files not
// modified since are skipped.
type Scanner struct {
	markers  *store.MarkerStore
	capturer *curation.Capturer
	logger   *slog.Logger
}

func NewScanner(db *store.DB, capturer *curation.Capturer, logger *slog.Logger) *Scanner {
	return &Scanner{
		markers:  store.NewMarkerStore(db),
		capturer: capturer,
		logger:   logger,
	}
}

// Scan captures the URLs of every history file changed since the last run
// and advances the marker once the captures are stored.
func (s *Scanner) Scan(ctx context.Context, c Connector) (ScanResult, error) {
	res := ScanResult{Connector: c.Name()}
	if !c.IsAvailable() {
		s.logger.Debug("connector unavailable", "connector", c.Name())
		return res, nil
	}

	marker, err := s.markers.Get(ctx, c.Name())
	if err != nil {
		return res, err
	}
	res.Marker = marker
	var since time.Time
	if marker != "" {
		since, err = time.Parse(time.RFC3339Nano, marker)
		if err != nil {
			s.logger.Warn("ignoring unreadable connector marker", "connector", c.Name(), "marker", marker)
			since = time.Time{}
		}
	}

	paths, err := c.HistoryPaths()
	if err != nil {
		return res, err
	}

	newest := since
	var batch []models.InboxEntry
	for _, path := range paths {
		fi, err := os.Stat(path)
		if err != nil {
			continue
		}
		mod := fi.ModTime()
		if !since.IsZero() && !mod.After(since) {
			continue
		}
		found, err := c.ExtractURLs(ctx, path, since)
		if err != nil {
			return res, fmt.Errorf("extract %s: %w", path, err)
		}
		res.Files++
		for _, in := range found {
			if !c.ValidateURL(in.URL) {
				res.Rejected++
				continue
			}
			batch = append(batch, in)
		}
		if mod.After(newest) {
			newest = mod
		}
	}
	res.URLs = len(batch)

	if len(batch) > 0 {
		res.Capture, err = s.capturer.Capture(ctx, batch)
		if err != nil {
			return res, err
		}
	}
	if !newest.IsZero() && !newest.Equal(since) {
		res.Marker = newest.UTC().Format(time.RFC3339Nano)
		if err := s.markers.Set(ctx, c.Name(), res.Marker); err != nil {
			return res, err
		}
	}

	s.logger.Info("connector scanned", "connector", c.Name(), "files", res.Files, "urls", res.URLs, "rejected", res.Rejected)
	return res, nil
}
