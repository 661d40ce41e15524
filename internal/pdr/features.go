// Package pdr is the rail-decision engine: hard-constraint filtering,
// cross-rail feature normalization, weighted scoring and the
// fallback execution cascade.
package pdr

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/settleline/payflow/internal/core"
	"github.com/settleline/payflow/internal/rails"
)

// Feature names. Keys of every feature snapshot and weight vector.
const (
	FeatureETA         = "eta_ms"
	FeatureCost        = "cost_bps"
	FeatureSuccess     = "success_prob"
	FeatureCompliance  = "compliance_penalty"
	FeatureRisk        = "risk_score"
	FeatureCritic      = "critic_penalty"
	FeatureWindow      = "window_bonus"
	FeatureAmountMatch = "amount_match"
	FeatureHours       = "working_hours_penalty"
	FeatureCertainty   = "settlement_certainty"
)

// lowerIsBetter marks the features inverted after normalization so
// 1.0 is always best.
var lowerIsBetter = map[string]bool{
	FeatureETA:        true,
	FeatureCost:       true,
	FeatureCompliance: true,
	FeatureRisk:       true,
	FeatureCritic:     true,
	FeatureHours:      true,
}

// DefaultWeights is the production weight vector; it sums to 1.0 and
// is overridable per call.
func DefaultWeights() map[string]float64 {
	return map[string]float64{
		FeatureETA:         0.15,
		FeatureCost:        0.15,
		FeatureSuccess:     0.20,
		FeatureCompliance:  0.05,
		FeatureRisk:        0.05,
		FeatureCritic:      0.05,
		FeatureWindow:      0.05,
		FeatureAmountMatch: 0.15,
		FeatureHours:       0.05,
		FeatureCertainty:   0.10,
	}
}

var (
	amt1k   = decimal.NewFromInt(1_000)
	amt10k  = decimal.NewFromInt(10_000)
	amt25k  = decimal.NewFromInt(25_000)
	amt50k  = decimal.NewFromInt(50_000)
	amt100k = decimal.NewFromInt(100_000)
	amt200k = decimal.NewFromInt(200_000)
	amt500k = decimal.NewFromInt(500_000)
)

// amountMatchBonus is the rail-specific piecewise fit of an amount to
// a rail's sweet spot. Boundaries are inclusive on the favorable side.
func amountMatchBonus(railName string, amount decimal.Decimal) float64 {
	switch railName {
	case rails.RailUPI:
		switch {
		case amount.Cmp(amt25k) <= 0:
			return 1.0
		case amount.Cmp(amt100k) <= 0:
			return 0.7
		default:
			return 0.3
		}
	case rails.RailIMPS:
		switch {
		case amount.Cmp(amt1k) < 0:
			return 0.7
		case amount.Cmp(amt200k) <= 0:
			return 1.0
		case amount.Cmp(amt500k) <= 0:
			return 0.6
		default:
			return 0.3
		}
	case rails.RailNEFT:
		switch {
		case amount.Cmp(amt50k) >= 0:
			return 1.0
		case amount.Cmp(amt10k) >= 0:
			return 0.6
		default:
			return 0.3
		}
	case rails.RailRTGS:
		switch {
		case amount.Cmp(amt500k) >= 0:
			return 1.0
		case amount.Cmp(amt200k) >= 0:
			return 0.6
		default:
			return 0.3
		}
	case rails.RailIFT:
		return 0.9
	}
	return 0.5
}

// windowBonus rewards rails with daily-limit headroom so load spreads
// away from nearly exhausted rails. Untracked rails get full bonus.
func windowBonus(c *core.RailConfig) float64 {
	if !c.TrackDailyLimit || !c.DailyLimit.IsPositive() {
		return 1.0
	}
	headroom, _ := c.DailyLimitRemaining.Div(c.DailyLimit).Float64()
	if headroom < 0 {
		return 0
	}
	if headroom > 1 {
		return 1
	}
	return headroom
}

// workingHoursPenalty is zero deep inside the rail's window and rises
// as the close approaches; a rail under 30 minutes from closing takes
// a 0.5 penalty so the scorer prefers rails with runway.
func workingHoursPenalty(c *core.RailConfig, now time.Time) float64 {
	if !rails.InWindow(c.Working, now) {
		return 1.0
	}
	if left := rails.SecondsToClose(c.Working, now); left >= 0 && left < 30*time.Minute {
		return 0.5
	}
	return 0.0
}

// rawFeatures extracts the full feature vector for one eligible rail.
func rawFeatures(c *core.RailConfig, line *core.Line, acc *core.ACCDecision, stats *rails.Stats, now time.Time) map[string]float64 {
	f := map[string]float64{
		FeatureETA:         float64(c.AvgETAMs),
		FeatureCost:        c.CostBps,
		FeatureSuccess:     c.SuccessProbability,
		FeatureWindow:      windowBonus(c),
		FeatureAmountMatch: amountMatchBonus(c.RailName, line.Amount),
		FeatureHours:       workingHoursPenalty(c, now),
		FeatureCertainty:   c.SettlementCertainty,
	}
	if acc != nil {
		f[FeatureCompliance] = acc.CompliancePenalty
		f[FeatureRisk] = acc.RiskScore
	} else {
		f[FeatureCompliance] = 0
		f[FeatureRisk] = 0
	}
	if stats != nil {
		f[FeatureCritic] = stats.CriticPenalty
		if stats.Attempts > 0 {
			f[FeatureSuccess] = stats.SuccessRate
		}
	} else {
		f[FeatureCritic] = 0
	}
	return f
}
