package pdr

import (
	"context"
	"fmt"
	"sort"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/settleline/payflow/internal/core"
	"github.com/settleline/payflow/internal/rails"
)

// IssueNoEligibleRail is recorded when the hard filter rejects every
// rail; the orchestrator pivots the line straight to RCA.
const IssueNoEligibleRail = "NO_ELIGIBLE_RAIL"

// Engine scores eligible rails for a line. Scoring is pure given the
// registry snapshot, the rolling stats, the ACC decision and the
// clock: identical inputs produce identical decisions.
type Engine struct {
	registry *rails.Registry
	tracker  *rails.Tracker
	clock    func() time.Time
}

// NewEngine creates a scoring engine. tracker may be nil, in which
// case the critic penalty is zero and configured success rates are
// used as-is.
func NewEngine(registry *rails.Registry, tracker *rails.Tracker) *Engine {
	return &Engine{
		registry: registry,
		tracker:  tracker,
		clock:    func() time.Time { return time.Now() },
	}
}

// SetClock overrides the engine's clock (tests).
func (e *Engine) SetClock(clock func() time.Time) { e.clock = clock }

// filterRail returns a structured rejection reason, or "" when the
// rail is eligible.
func filterRail(c *core.RailConfig, line *core.Line, acc *core.ACCDecision, isNewUser bool, now time.Time) string {
	if acc != nil && acc.Decision == core.ACCFail {
		return "ACC_FAIL: compliance decision forbids execution"
	}
	if !c.IsActive {
		return "INACTIVE: rail is out of rotation"
	}
	if line.Amount.Cmp(c.MinAmount) < 0 {
		return fmt.Sprintf("AMOUNT_BELOW_MIN: %s < %s", line.Amount.StringFixed(2), c.MinAmount.StringFixed(2))
	}
	if line.Amount.Cmp(c.MaxAmount) > 0 {
		return fmt.Sprintf("AMOUNT_ABOVE_MAX: %s > %s", line.Amount.StringFixed(2), c.MaxAmount.StringFixed(2))
	}
	if c.TrackDailyLimit && c.DailyLimitRemaining.Cmp(line.Amount) < 0 {
		return fmt.Sprintf("DAILY_LIMIT: remaining %s < %s", c.DailyLimitRemaining.StringFixed(2), line.Amount.StringFixed(2))
	}
	if isNewUser && line.Amount.Cmp(c.NewUserLimit) > 0 {
		return fmt.Sprintf("NEW_USER_LIMIT: %s > %s", line.Amount.StringFixed(2), c.NewUserLimit.StringFixed(2))
	}
	if !rails.InWindow(c.Working, now) {
		return fmt.Sprintf("OUTSIDE_WINDOW: %s not in %s-%s", now.Format("Mon 15:04"), c.Working.Start, c.Working.End)
	}
	if c.RailType == core.RailIntrabank && line.Sender.BankPrefix() != line.Receiver.BankPrefix() {
		return fmt.Sprintf("CROSS_BANK: %s != %s", line.Sender.BankPrefix(), line.Receiver.BankPrefix())
	}
	return ""
}

// Decide runs the full pipeline: filter, feature extraction,
// normalization, weighted scoring, ordering and explainability.
// weightOverrides may be nil; provided entries replace the defaults.
func (e *Engine) Decide(ctx context.Context, line *core.Line, acc *core.ACCDecision, isNewUser bool, weightOverrides map[string]float64) (*core.PDRDecision, error) {
	now := e.clock()

	weights := DefaultWeights()
	for k, v := range weightOverrides {
		weights[k] = v
	}

	configs := e.registry.Snapshot()
	sort.Slice(configs, func(i, j int) bool { return configs[i].RailName < configs[j].RailName })

	d := &core.PDRDecision{
		BatchID:            line.BatchID,
		LineID:             line.LineID,
		RawFeatures:        map[string]map[string]float64{},
		NormalizedFeatures: map[string]map[string]float64{},
		Weights:            weights,
		FilteredOut:        map[string]string{},
		ExecutionStatus:    core.ExecPending,
		FinalStatus:        core.ExecPending,
		IssuedAt:           now,
	}

	var eligible []*core.RailConfig
	for _, c := range configs {
		if reason := filterRail(c, line, acc, isNewUser, now); reason != "" {
			d.FilteredOut[c.RailName] = reason
			continue
		}
		eligible = append(eligible, c)
	}
	if len(eligible) == 0 {
		d.Issues = append(d.Issues, IssueNoEligibleRail)
		log.WithFields(log.Fields{"line": line.LineID, "filtered": d.FilteredOut}).
			Warn("no eligible rails")
		return d, nil
	}

	for _, c := range eligible {
		var stats *rails.Stats
		if e.tracker != nil {
			s, err := e.tracker.StatsFor(ctx, c.RailName)
			if err != nil {
				return nil, fmt.Errorf("stats for %s: %w", c.RailName, err)
			}
			stats = s
		}
		d.RawFeatures[c.RailName] = rawFeatures(c, line, acc, stats, now)
	}

	normalize(d.RawFeatures, d.NormalizedFeatures, eligible)

	type scored struct {
		cfg   *core.RailConfig
		score float64
	}
	ranked := make([]scored, 0, len(eligible))
	for _, c := range eligible {
		var score float64
		for name, w := range weights {
			score += w * d.NormalizedFeatures[c.RailName][name]
		}
		if score < 0 {
			score = 0
		}
		if score > 1 {
			score = 1
		}
		ranked = append(ranked, scored{cfg: c, score: score})
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		if ranked[i].cfg.AvgETAMs != ranked[j].cfg.AvgETAMs {
			return ranked[i].cfg.AvgETAMs < ranked[j].cfg.AvgETAMs
		}
		return ranked[i].cfg.RailName < ranked[j].cfg.RailName
	})

	d.PrimaryRail = ranked[0].cfg.RailName
	d.PrimaryScore = ranked[0].score
	for _, r := range ranked[1:] {
		d.FallbackRails = append(d.FallbackRails, core.ScoredRail{Rail: r.cfg.RailName, Score: r.score})
	}
	d.TopContributions = topContributions(weights, d.NormalizedFeatures[d.PrimaryRail], 3)

	log.WithFields(log.Fields{
		"line":    line.LineID,
		"primary": d.PrimaryRail,
		"score":   fmt.Sprintf("%.3f", d.PrimaryScore),
	}).Info("rail decision made")
	return d, nil
}

// normalize min-max normalizes each feature across the eligible set,
// inverting lower-is-better features so 1.0 is always best. A feature
// that does not discriminate (max == min) is neutral at 0.5.
func normalize(raw, out map[string]map[string]float64, eligible []*core.RailConfig) {
	if len(eligible) == 0 {
		return
	}
	var names []string
	for name := range raw[eligible[0].RailName] {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		min, max := raw[eligible[0].RailName][name], raw[eligible[0].RailName][name]
		for _, c := range eligible[1:] {
			v := raw[c.RailName][name]
			if v < min {
				min = v
			}
			if v > max {
				max = v
			}
		}
		for _, c := range eligible {
			if out[c.RailName] == nil {
				out[c.RailName] = map[string]float64{}
			}
			var norm float64
			if max == min {
				norm = 0.5
			} else {
				norm = (raw[c.RailName][name] - min) / (max - min)
			}
			if lowerIsBetter[name] {
				norm = 1 - norm
			}
			out[c.RailName][name] = norm
		}
	}
}

// topContributions returns the n largest weight*value terms for the
// primary rail, ties broken by feature name for stable output.
func topContributions(weights, normalized map[string]float64, n int) []core.Contribution {
	terms := make([]core.Contribution, 0, len(weights))
	for name, w := range weights {
		terms = append(terms, core.Contribution{
			Feature: name,
			Weight:  w,
			Value:   normalized[name],
			Term:    w * normalized[name],
		})
	}
	sort.Slice(terms, func(i, j int) bool {
		if terms[i].Term != terms[j].Term {
			return terms[i].Term > terms[j].Term
		}
		return terms[i].Feature < terms[j].Feature
	})
	if len(terms) > n {
		terms = terms[:n]
	}
	return terms
}
