package curation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/guthubrx/rekall-sub000/internal/models"
	"github.com/guthubrx/rekall-sub000/internal/store"
)

// PromotionConfig weighs the three promotion signals. Weights should sum
// to 1.
type PromotionConfig struct {
	CitationWeight float64 `yaml:"citation_weight"`
	ProjectWeight  float64 `yaml:"project_weight"`
	RecencyWeight  float64 `yaml:"recency_weight"`
	MaxCitations   int     `yaml:"max_citations"`
	MaxProjects    int     `yaml:"max_projects"`
	HalfLifeDays   float64 `yaml:"half_life_days"`
	Threshold      float64 `yaml:"threshold"`
	// NearRatio is the share of Threshold at which a record counts as
	// close to promotion.
	NearRatio float64 `yaml:"near_ratio"`
}

func DefaultPromotionConfig() PromotionConfig {
	return PromotionConfig{
		CitationWeight: 0.4,
		ProjectWeight:  0.3,
		RecencyWeight:  0.3,
		MaxCitations:   10,
		MaxProjects:    5,
		HalfLifeDays:   30,
		Threshold:      70,
		NearRatio:      0.8,
	}
}

// PromotionScore rates a staging record from 0 to 100, rounded to two
// decimals.
func PromotionScore(st *models.StagingEntry, cfg PromotionConfig, now time.Time) float64 {
	citations := ratio(float64(st.CitationCount), float64(cfg.MaxCitations)) * 100
	projects := ratio(float64(st.ProjectCount), float64(cfg.MaxProjects)) * 100

	recency := 0.0
	if st.LastSeen != nil && cfg.HalfLifeDays > 0 {
		days := now.Sub(time.Unix(*st.LastSeen, 0)).Hours() / 24
		if days < 0 {
			days = 0
		}
		recency = 100 * math.Pow(0.5, days/cfg.HalfLifeDays)
	}

	score := cfg.CitationWeight*citations + cfg.ProjectWeight*projects + cfg.RecencyWeight*recency
	return math.Round(score*100) / 100
}

func ratio(n, max float64) float64 {
	if max <= 0 {
		return 0
	}
	return math.Min(n/max, 1)
}

// IsEligible reports whether a record may be promoted now.
func IsEligible(st *models.StagingEntry, cfg PromotionConfig, now time.Time) bool {
	return st.IsAccessible && !st.IsPromoted() && PromotionScore(st, cfg, now) >= cfg.Threshold
}

// Indicator classifies a score for display.
type Indicator string

const (
	IndicatorPromoted Indicator = "promoted"
	IndicatorReady    Indicator = "ready"
	IndicatorNear     Indicator = "near"
	IndicatorNone     Indicator = "none"
)

// IndicatorFor maps a score to an Indicator.
func IndicatorFor(score float64, promoted bool, cfg PromotionConfig) Indicator {
	switch {
	case promoted:
		return IndicatorPromoted
	case score >= cfg.Threshold:
		return IndicatorReady
	case score >= cfg.Threshold*cfg.NearRatio:
		return IndicatorNear
	}
	return IndicatorNone
}

// Promoter moves records between the staging and source tiers.
type Promoter struct {
	staging *store.StagingStore
	sources *store.SourceStore
	cfg     PromotionConfig
	now     func() time.Time
	logger  *slog.Logger
}

func NewPromoter(db *store.DB, cfg PromotionConfig, logger *slog.Logger) *Promoter {
	return &Promoter{
		staging: store.NewStagingStore(db),
		sources: store.NewSourceStore(db),
		cfg:     cfg,
		now:     time.Now,
		logger:  logger,
	}
}

// Config returns the scoring configuration.
func (p *Promoter) Config() PromotionConfig {
	return p.cfg
}

// Score returns the current score of a record.
func (p *Promoter) Score(st *models.StagingEntry) float64 {
	return PromotionScore(st, p.cfg, p.now())
}

// Promote creates a source from a staging record. The source starts with
// the promotion score as its personal score.
func (p *Promoter) Promote(ctx context.Context, stagingID string) (*models.Source, error) {
	st, err := p.staging.Get(ctx, stagingID)
	if err != nil {
		return nil, err
	}
	if st == nil {
		return nil, fmt.Errorf("staging %s: %w", stagingID, models.ErrNotFound)
	}

	src := &models.Source{
		URL:           st.URL,
		Domain:        st.Domain,
		Title:         st.Title,
		Description:   st.Description,
		PersonalScore: math.Min(p.Score(st), 100),
		DecayRate:     models.DecayMedium,
		IsAccessible:  st.IsAccessible,
		LastVerified:  st.EnrichedAt,
	}
	if err := p.sources.Promote(ctx, stagingID, src); err != nil {
		return nil, err
	}
	p.logger.Info("source promoted", "staging_id", stagingID, "source_id", src.ID, "url", src.URL)
	return src, nil
}

// Demote deletes a promoted source and reopens its staging record.
func (p *Promoter) Demote(ctx context.Context, sourceID string) error {
	if err := p.sources.Demote(ctx, sourceID); err != nil {
		return err
	}
	p.logger.Info("source demoted", "source_id", sourceID)
	return nil
}

// Recalculate refreshes the stored score of every unpromoted record and
// returns how many changed.
func (p *Promoter) Recalculate(ctx context.Context) (int, error) {
	records, err := p.staging.List(ctx, store.StagingFilter{OnlyUnpromoted: true})
	if err != nil {
		return 0, err
	}
	changed := 0
	for _, st := range records {
		score := p.Score(st)
		if score == st.PromotionScore {
			continue
		}
		if err := p.staging.SetScore(ctx, st.ID, score); err != nil {
			return changed, err
		}
		changed++
	}
	return changed, nil
}

// AutoPromote promotes every eligible record. Records whose URL already
// exists as a source are skipped.
func (p *Promoter) AutoPromote(ctx context.Context) ([]*models.Source, error) {
	records, err := p.staging.List(ctx, store.StagingFilter{OnlyUnpromoted: true})
	if err != nil {
		return nil, err
	}
	now := p.now()
	var promoted []*models.Source
	for _, st := range records {
		if !IsEligible(st, p.cfg, now) {
			continue
		}
		src, err := p.Promote(ctx, st.ID)
		var conflict *models.ConflictError
		if errors.As(err, &conflict) {
			p.logger.Debug("skipping promotion", "staging_id", st.ID, "reason", conflict.Reason)
			continue
		}
		if err != nil {
			return promoted, err
		}
		promoted = append(promoted, src)
	}
	return promoted, nil
}
