// Package rails owns the settlement-rail side of the platform: per-rail
// configuration and daily limits, the mock bank executors, and the
// rolling performance statistics the scorer consumes.
package rails

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/shopspring/decimal"

	"github.com/settleline/payflow/internal/core"
)

// Rail names. IFT is the intra-bank funds-transfer dialect.
const (
	RailUPI  = "UPI"
	RailIMPS = "IMPS"
	RailNEFT = "NEFT"
	RailRTGS = "RTGS"
	RailIFT  = "IFT"
)

// LimitStore is the optional external backend for daily-limit
// counters. The in-memory registry is authoritative when nil; a
// Redis-backed implementation lets several processes share counters.
type LimitStore interface {
	Debit(ctx context.Context, railName string, amount decimal.Decimal) (remaining decimal.Decimal, err error)
	Reset(ctx context.Context, railName string, limit decimal.Decimal) error
}

// Registry holds the live RailConfig set. DailyLimitRemaining is
// mutated only through Debit, which serializes per rail; readers get
// consistent snapshots.
type Registry struct {
	mu     sync.RWMutex
	rails  map[string]*core.RailConfig
	limits LimitStore
}

// NewRegistry creates a registry with the given configs.
func NewRegistry(configs []*core.RailConfig) *Registry {
	r := &Registry{rails: make(map[string]*core.RailConfig)}
	for _, c := range configs {
		cp := *c
		r.rails[c.RailName] = &cp
	}
	return r
}

// NewDefaultRegistry creates a registry with the production rail set
// for Indian banking rails.
func NewDefaultRegistry() *Registry {
	return NewRegistry(DefaultRailConfigs())
}

// WithLimitStore attaches a shared daily-limit backend.
func (r *Registry) WithLimitStore(ls LimitStore) *Registry {
	r.limits = ls
	return r
}

// Get returns a snapshot of one rail's config.
func (r *Registry) Get(railName string) (*core.RailConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.rails[railName]
	if !ok {
		return nil, false
	}
	cp := *c
	return &cp, true
}

// Snapshot returns copies of every rail config.
func (r *Registry) Snapshot() []*core.RailConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*core.RailConfig, 0, len(r.rails))
	for _, c := range r.rails {
		cp := *c
		out = append(out, &cp)
	}
	return out
}

// Debit atomically reduces a rail's remaining daily limit. A debit
// that would drive the limit negative is rejected before any bank
// call is made.
func (r *Registry) Debit(ctx context.Context, railName string, amount decimal.Decimal) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.rails[railName]
	if !ok {
		return fmt.Errorf("debit: unknown rail %s", railName)
	}
	if !c.TrackDailyLimit {
		return nil
	}
	if c.DailyLimitRemaining.Cmp(amount) < 0 {
		return core.NewFailure(core.ErrRail, "DAILY_LIMIT_EXCEEDED",
			"rail %s: remaining %s < %s", railName, c.DailyLimitRemaining.StringFixed(2), amount.StringFixed(2))
	}
	c.DailyLimitRemaining = c.DailyLimitRemaining.Sub(amount)

	if r.limits != nil {
		if _, err := r.limits.Debit(ctx, railName, amount); err != nil {
			log.WithError(err).WithField("rail", railName).Warn("shared limit store debit failed")
		}
	}
	return nil
}

// ResetDailyLimits restores every rail's remaining limit to its daily
// limit. Invoked by the midnight job and directly by tests.
func (r *Registry) ResetDailyLimits(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.rails {
		c.DailyLimitRemaining = c.DailyLimit
		if r.limits != nil {
			if err := r.limits.Reset(ctx, c.RailName, c.DailyLimit); err != nil {
				log.WithError(err).WithField("rail", c.RailName).Warn("shared limit store reset failed")
			}
		}
	}
	log.Info("daily rail limits reset")
}

// StartDailyReset runs ResetDailyLimits at each local midnight until
// ctx is cancelled.
func (r *Registry) StartDailyReset(ctx context.Context) {
	go func() {
		for {
			now := time.Now()
			next := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location()).Add(24 * time.Hour)
			timer := time.NewTimer(time.Until(next))
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
				r.ResetDailyLimits(ctx)
			}
		}
	}()
}

// SetActive flips a rail in or out of rotation.
func (r *Registry) SetActive(railName string, active bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.rails[railName]
	if !ok {
		return fmt.Errorf("unknown rail %s", railName)
	}
	c.IsActive = active
	return nil
}

func dec(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

// DefaultRailConfigs is the production rail set. Limits follow the
// published scheme caps; ETAs and costs are operational estimates.
func DefaultRailConfigs() []*core.RailConfig {
	allWeek := []time.Weekday{
		time.Sunday, time.Monday, time.Tuesday, time.Wednesday,
		time.Thursday, time.Friday, time.Saturday,
	}
	monToFri := []time.Weekday{
		time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday,
	}

	return []*core.RailConfig{
		{
			RailName: RailUPI, RailType: core.RailInstant,
			MinAmount: dec(1), MaxAmount: dec(100_000), NewUserLimit: dec(5_000),
			Working:  core.WorkingHours{Start: "00:00", End: "23:59", Weekdays: allWeek},
			AvgETAMs: 3_000, CostBps: 1.0, SuccessProbability: 0.97,
			SettlementType: "IMMEDIATE", SettlementCertainty: 0.95,
			DailyLimit: dec(1_000_000), DailyLimitRemaining: dec(1_000_000),
			TrackDailyLimit: true, IsActive: true,
		},
		{
			RailName: RailIMPS, RailType: core.RailInstant,
			MinAmount: dec(1), MaxAmount: dec(500_000), NewUserLimit: dec(50_000),
			Working:  core.WorkingHours{Start: "00:00", End: "23:59", Weekdays: allWeek},
			AvgETAMs: 30_000, CostBps: 5.0, SuccessProbability: 0.95,
			SettlementType: "IMMEDIATE", SettlementCertainty: 0.90,
			DailyLimit: dec(5_000_000), DailyLimitRemaining: dec(5_000_000),
			TrackDailyLimit: true, IsActive: true,
		},
		{
			RailName: RailNEFT, RailType: core.RailBatch,
			MinAmount: dec(1), MaxAmount: dec(1_000_000_000), NewUserLimit: dec(1_000_000),
			Working:  core.WorkingHours{Start: "00:00", End: "23:59", Weekdays: allWeek},
			AvgETAMs: 1_800_000, CostBps: 2.5, SuccessProbability: 0.96,
			SettlementType: "BATCH", SettlementCertainty: 0.98,
			DailyLimit: dec(500_000_000), DailyLimitRemaining: dec(500_000_000),
			TrackDailyLimit: true, IsActive: true,
		},
		{
			RailName: RailRTGS, RailType: core.RailRealtime,
			MinAmount: dec(200_000), MaxAmount: dec(1_000_000_000), NewUserLimit: dec(10_000_000),
			Working:  core.WorkingHours{Start: "09:00", End: "16:30", Weekdays: monToFri},
			AvgETAMs: 300_000, CostBps: 10.0, SuccessProbability: 0.98,
			SettlementType: "GROSS", SettlementCertainty: 1.0,
			DailyLimit: dec(1_000_000_000), DailyLimitRemaining: dec(1_000_000_000),
			TrackDailyLimit: true, IsActive: true,
		},
		{
			RailName: RailIFT, RailType: core.RailIntrabank,
			MinAmount: dec(1), MaxAmount: dec(1_000_000_000), NewUserLimit: dec(1_000_000),
			Working:  core.WorkingHours{Start: "00:00", End: "23:59", Weekdays: allWeek},
			AvgETAMs: 1_000, CostBps: 0.0, SuccessProbability: 0.99,
			SettlementType: "INTERNAL", SettlementCertainty: 1.0,
			DailyLimit: dec(1_000_000_000), DailyLimitRemaining: dec(1_000_000_000),
			TrackDailyLimit: false, IsActive: true,
		},
	}
}
