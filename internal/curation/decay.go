package curation

import (
	"math"
	"time"

	"github.com/guthubrx/rekall-sub000/internal/models"
)

// EffectiveScore is the personal score of a source halved once per
// half-life of its decay rate since it was last used. Sources never used
// decay from their creation time.
func EffectiveScore(src *models.Source, now time.Time) float64 {
	ref := src.CreatedAt
	if src.LastUsed != nil {
		ref = *src.LastUsed
	}
	days := now.Sub(time.Unix(ref, 0)).Hours() / 24
	if days <= 0 {
		return src.PersonalScore
	}
	return src.PersonalScore * math.Pow(0.5, days/src.DecayRate.HalfLifeDays())
}
