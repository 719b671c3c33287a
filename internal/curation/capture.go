package curation

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/guthubrx/rekall-sub000/internal/models"
	"github.com/guthubrx/rekall-sub000/internal/store"
)

// ValidateURL accepts absolute http and https URLs with a host and returns
// the lower-cased host.
func ValidateURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("unparseable url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return "", fmt.Errorf("missing host")
	}
	return strings.ToLower(u.Hostname()), nil
}

// CaptureResult counts what a capture batch did.
type CaptureResult struct {
	Captured int `json:"captured"`
	Invalid  int `json:"invalid"`
	Staged   int `json:"staged"`
}

// Capturer records raw URL sightings and folds the valid ones into staging.
type Capturer struct {
	inbox   *store.InboxStore
	staging *store.StagingStore
	cfg     PromotionConfig
	now     func() time.Time
	logger  *slog.Logger
}

func NewCapturer(db *store.DB, cfg PromotionConfig, logger *slog.Logger) *Capturer {
	return &Capturer{
		inbox:   store.NewInboxStore(db),
		staging: store.NewStagingStore(db),
		cfg:     cfg,
		now:     time.Now,
		logger:  logger,
	}
}

// Capture stores every entry in the inbox, flagging invalid URLs, and
// upserts the valid ones into staging with a fresh promotion score.
func (c *Capturer) Capture(ctx context.Context, entries []models.InboxEntry) (CaptureResult, error) {
	var res CaptureResult
	now := c.now()
	score := func(st *models.StagingEntry) float64 {
		return PromotionScore(st, c.cfg, now)
	}

	for i := range entries {
		in := entries[i]
		if in.CapturedAt == 0 {
			in.CapturedAt = now.Unix()
		}
		in.URL = strings.TrimSpace(in.URL)
		domain, err := ValidateURL(in.URL)
		in.IsValid = err == nil
		if err != nil {
			in.ValidationError = err.Error()
		} else {
			in.Domain = domain
		}

		if err := c.inbox.Add(ctx, &in); err != nil {
			return res, err
		}
		res.Captured++
		if !in.IsValid {
			res.Invalid++
			continue
		}

		if _, err := c.staging.Upsert(ctx, in.URL, in.Domain, in.Project, in.CapturedAt, score); err != nil {
			return res, err
		}
		res.Staged++
	}

	c.logger.Debug("captured urls", "captured", res.Captured, "invalid", res.Invalid, "staged", res.Staged)
	return res, nil
}
