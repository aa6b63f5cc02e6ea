// Package engine implements memory lifecycle behavior: creation with
// contradiction and relationship analysis, episode decay, scheduled
// forgetting, inference, and profile aggregation.
package engine

import (
	"math"
	"time"

	"github.com/momohq/momo/internal/config"
	"github.com/momohq/momo/pkg/types"
)

// DecayParams holds the episode decay curve configuration.
type DecayParams struct {
	// DecayDays is the interval over which one decay step applies.
	DecayDays float64

	// Factor is the per-step multiplier in (0, 1). With the defaults
	// (factor 0.5 over 7 days) an untouched episode halves weekly.
	Factor float64

	// Threshold is the relevance below which an episode gets scheduled
	// for forgetting.
	Threshold float64

	// GraceDays is how long a below-threshold episode stays retrievable
	// before the hard forget.
	GraceDays float64
}

// DecayParamsFromConfig extracts the decay curve from memory configuration.
func DecayParamsFromConfig(cfg config.MemoryConfig) DecayParams {
	return DecayParams{
		DecayDays: cfg.EpisodeDecayDays,
		Factor:    cfg.EpisodeDecayFactor,
		Threshold: cfg.EpisodeDecayThreshold,
		GraceDays: cfg.EpisodeForgetGraceDays,
	}
}

// Relevance returns the decay multiplier for a memory at the given instant:
// factor^(daysSinceAccess / decayDays) for episodes, 1.0 for everything
// else. Static memories never decay.
func (p DecayParams) Relevance(m *types.Memory, now time.Time) float64 {
	if m.MemoryType != types.MemoryEpisode || m.IsStatic {
		return 1.0
	}
	days := now.Sub(m.AccessAnchor()).Hours() / 24.0
	if days <= 0 {
		return 1.0
	}
	return math.Pow(p.Factor, days/p.DecayDays)
}

// Apply multiplies a similarity score by the memory's current relevance.
func (p DecayParams) Apply(score float64, m *types.Memory, now time.Time) float64 {
	return score * p.Relevance(m, now)
}

// BelowThreshold reports whether the memory has decayed past the point
// where it should be scheduled for forgetting.
func (p DecayParams) BelowThreshold(m *types.Memory, now time.Time) bool {
	return p.Relevance(m, now) < p.Threshold
}

// ForgetDeadline returns when a below-threshold episode should actually be
// forgotten: now plus the grace period.
func (p DecayParams) ForgetDeadline(now time.Time) time.Time {
	return now.Add(time.Duration(p.GraceDays * 24 * float64(time.Hour)))
}
