package rails

import (
	"context"
	"math"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/settleline/payflow/internal/core"
	"github.com/settleline/payflow/internal/store"
)

// Stats is the rolling view of one rail's recent behavior.
type Stats struct {
	RailName      string  `json:"rail_name"`
	Attempts      int     `json:"attempts"`
	Successes     int     `json:"successes"`
	SuccessRate   float64 `json:"success_rate"`   // observed, baseline when no data
	AvgLatencyMs  float64 `json:"avg_latency_ms"`
	CriticPenalty float64 `json:"critic_penalty"` // 0..1, decays as failures age
}

// Tracker records execution attempts and serves rolling statistics.
// The critic penalty weighs recent failures with exponential decay:
// each failure contributes exp(-age/tau), so a rail that just failed
// is avoided hard and forgiven within a few multiples of tau.
type Tracker struct {
	store    store.Store
	registry *Registry

	window      time.Duration
	tau         time.Duration
	failureUnit float64
	clock       func() time.Time
}

// NewTracker creates a tracker over the given store. Defaults: a
// 15-minute stats window, tau of 5 minutes, and saturation after four
// fresh failures.
func NewTracker(s store.Store, registry *Registry) *Tracker {
	return &Tracker{
		store:       s,
		registry:    registry,
		window:      15 * time.Minute,
		tau:         5 * time.Minute,
		failureUnit: 0.25,
		clock:       func() time.Time { return time.Now() },
	}
}

// SetClock overrides the tracker's clock (tests).
func (t *Tracker) SetClock(clock func() time.Time) { t.clock = clock }

// SetWindow overrides the stats window and decay constant.
func (t *Tracker) SetWindow(window, tau time.Duration) {
	t.window = window
	t.tau = tau
}

// Record persists one execution attempt.
func (t *Tracker) Record(ctx context.Context, p *core.RailPerformance) error {
	if err := t.store.AppendRailPerformance(ctx, p); err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"rail":    p.RailName,
		"line":    p.LineID,
		"attempt": p.AttemptNo,
		"success": p.Success,
		"eta_ms":  p.ActualETAMs,
	}).Debug("rail attempt recorded")
	return nil
}

// StatsFor computes the rolling stats for one rail. With no recent
// attempts the success rate falls back to the configured baseline and
// the critic penalty is zero.
func (t *Tracker) StatsFor(ctx context.Context, railName string) (*Stats, error) {
	now := t.clock()
	rows, err := t.store.ListRailPerformance(ctx, railName, now.Add(-t.window))
	if err != nil {
		return nil, err
	}

	s := &Stats{RailName: railName}
	var latencySum int64
	var penalty float64
	for _, p := range rows {
		s.Attempts++
		latencySum += p.ActualETAMs
		if p.Success {
			s.Successes++
			continue
		}
		age := now.Sub(p.CompletedAt)
		if age < 0 {
			age = 0
		}
		penalty += t.failureUnit * math.Exp(-age.Seconds()/t.tau.Seconds())
	}

	if s.Attempts == 0 {
		if c, ok := t.registry.Get(railName); ok {
			s.SuccessRate = c.SuccessProbability
		}
		return s, nil
	}

	s.SuccessRate = float64(s.Successes) / float64(s.Attempts)
	s.AvgLatencyMs = float64(latencySum) / float64(s.Attempts)
	s.CriticPenalty = math.Min(1, penalty)
	return s, nil
}

// SnapshotAll returns stats for every registered rail.
func (t *Tracker) SnapshotAll(ctx context.Context) (map[string]*Stats, error) {
	out := make(map[string]*Stats)
	for _, c := range t.registry.Snapshot() {
		s, err := t.StatsFor(ctx, c.RailName)
		if err != nil {
			return nil, err
		}
		out[c.RailName] = s
	}
	return out, nil
}
