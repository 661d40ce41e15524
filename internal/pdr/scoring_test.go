package pdr

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/settleline/payflow/internal/core"
	"github.com/settleline/payflow/internal/rails"
)

func mondayClock() func() time.Time {
	return func() time.Time {
		return time.Date(2026, 3, 2, 11, 0, 0, 0, time.UTC) // Monday 11:00
	}
}

func saturdayClock() func() time.Time {
	return func() time.Time {
		return time.Date(2026, 2, 28, 10, 0, 0, 0, time.UTC) // Saturday 10:00
	}
}

func pdrLine(amount int64, senderIFSC, receiverIFSC string) *core.Line {
	return &core.Line{
		BatchID:  "B-01",
		LineID:   "L-01",
		Amount:   decimal.NewFromInt(amount),
		Currency: "INR",
		Sender:   core.Party{Name: "Acme", Account: "111", IFSC: senderIFSC},
		Receiver: core.Party{Name: "R Sharma", Account: "222", IFSC: receiverIFSC},
	}
}

func passACC() *core.ACCDecision {
	return &core.ACCDecision{Decision: core.ACCPass}
}

func TestDecide_IntraBankSmallAmountPrefersIFT(t *testing.T) {
	e := NewEngine(rails.NewDefaultRegistry(), nil)
	e.SetClock(mondayClock())

	d, err := e.Decide(context.Background(), pdrLine(5_000, "HDFC0001234", "HDFC0004321"), passACC(), false, nil)
	require.NoError(t, err)

	assert.Equal(t, rails.RailIFT, d.PrimaryRail)
	assert.Contains(t, d.FilteredOut, rails.RailRTGS, "5k is below the RTGS minimum")
	assert.NotContains(t, d.FilteredOut, rails.RailUPI)
	assert.Len(t, d.TopContributions, 3)
	assert.Greater(t, d.PrimaryScore, 0.0)

	var fallbacks []string
	for _, f := range d.FallbackRails {
		fallbacks = append(fallbacks, f.Rail)
	}
	assert.Contains(t, fallbacks, rails.RailUPI)
}

func TestDecide_SaturdayLargeAmountFallsToNEFT(t *testing.T) {
	e := NewEngine(rails.NewDefaultRegistry(), nil)
	e.SetClock(saturdayClock())

	d, err := e.Decide(context.Background(), pdrLine(2_500_000, "HDFC0001234", "ICIC0004321"), passACC(), false, nil)
	require.NoError(t, err)

	assert.Equal(t, rails.RailNEFT, d.PrimaryRail)
	assert.Empty(t, d.FallbackRails)
	assert.Contains(t, d.FilteredOut[rails.RailRTGS], "OUTSIDE_WINDOW")
	assert.Contains(t, d.FilteredOut[rails.RailUPI], "AMOUNT_ABOVE_MAX")
	assert.Contains(t, d.FilteredOut[rails.RailIMPS], "AMOUNT_ABOVE_MAX")
	assert.Contains(t, d.FilteredOut[rails.RailIFT], "CROSS_BANK")
}

func TestDecide_ACCFailFiltersEverything(t *testing.T) {
	e := NewEngine(rails.NewDefaultRegistry(), nil)
	e.SetClock(mondayClock())

	acc := &core.ACCDecision{Decision: core.ACCFail}
	d, err := e.Decide(context.Background(), pdrLine(5_000, "HDFC0001234", "HDFC0004321"), acc, false, nil)
	require.NoError(t, err)

	assert.Empty(t, d.PrimaryRail)
	assert.Contains(t, d.Issues, IssueNoEligibleRail)
	assert.Len(t, d.FilteredOut, 5)
}

func TestDecide_NewUserLimit(t *testing.T) {
	e := NewEngine(rails.NewDefaultRegistry(), nil)
	e.SetClock(mondayClock())

	d, err := e.Decide(context.Background(), pdrLine(80_000, "HDFC0001234", "ICIC0004321"), passACC(), true, nil)
	require.NoError(t, err)

	// UPI's new-user cap is 5k; IMPS admits up to 50k for new users.
	assert.Contains(t, d.FilteredOut[rails.RailUPI], "NEW_USER_LIMIT")
	assert.Contains(t, d.FilteredOut[rails.RailIMPS], "NEW_USER_LIMIT")
	assert.NotContains(t, d.FilteredOut, rails.RailNEFT)
}

func TestDecide_Deterministic(t *testing.T) {
	e := NewEngine(rails.NewDefaultRegistry(), nil)
	e.SetClock(mondayClock())
	line := pdrLine(5_000, "HDFC0001234", "HDFC0004321")

	d1, err := e.Decide(context.Background(), line, passACC(), false, nil)
	require.NoError(t, err)
	d2, err := e.Decide(context.Background(), line, passACC(), false, nil)
	require.NoError(t, err)

	assert.True(t, reflect.DeepEqual(d1, d2), "identical snapshot must yield identical decision")
}

func TestDecide_WeightOverrides(t *testing.T) {
	e := NewEngine(rails.NewDefaultRegistry(), nil)
	e.SetClock(mondayClock())
	line := pdrLine(5_000, "HDFC0001234", "ICIC0004321") // cross-bank, no IFT

	// All weight on cost: UPI (1 bps) must beat IMPS (5) and NEFT (2.5).
	overrides := map[string]float64{}
	for name := range DefaultWeights() {
		overrides[name] = 0
	}
	overrides[FeatureCost] = 1.0

	d, err := e.Decide(context.Background(), line, passACC(), false, overrides)
	require.NoError(t, err)
	assert.Equal(t, rails.RailUPI, d.PrimaryRail)
}

func TestDecide_InvariantPrimaryNotFiltered(t *testing.T) {
	e := NewEngine(rails.NewDefaultRegistry(), nil)
	e.SetClock(mondayClock())

	d, err := e.Decide(context.Background(), pdrLine(250_000, "HDFC0001234", "ICIC0004321"), passACC(), false, nil)
	require.NoError(t, err)
	require.NotEmpty(t, d.PrimaryRail)

	_, filtered := d.FilteredOut[d.PrimaryRail]
	assert.False(t, filtered)
	for _, f := range d.FallbackRails {
		_, filtered := d.FilteredOut[f.Rail]
		assert.False(t, filtered)
	}
}

func TestAmountMatchBonus(t *testing.T) {
	cases := []struct {
		rail   string
		amount int64
		want   float64
	}{
		{rails.RailUPI, 25_000, 1.0},
		{rails.RailUPI, 25_001, 0.7},
		{rails.RailUPI, 100_001, 0.3},
		{rails.RailIMPS, 500, 0.7},
		{rails.RailIMPS, 150_000, 1.0},
		{rails.RailIMPS, 300_000, 0.6},
		{rails.RailIMPS, 600_000, 0.3},
		{rails.RailNEFT, 5_000, 0.3},
		{rails.RailNEFT, 20_000, 0.6},
		{rails.RailNEFT, 50_000, 1.0},
		{rails.RailRTGS, 100_000, 0.3},
		{rails.RailRTGS, 250_000, 0.6},
		{rails.RailRTGS, 500_000, 1.0},
		{rails.RailIFT, 7, 0.9},
		{rails.RailIFT, 90_000_000, 0.9},
	}
	for _, c := range cases {
		got := amountMatchBonus(c.rail, decimal.NewFromInt(c.amount))
		assert.Equal(t, c.want, got, "%s %d", c.rail, c.amount)
	}
}

func TestNormalize_Properties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	railNames := []string{rails.RailUPI, rails.RailIMPS, rails.RailNEFT}

	properties.Property("normalized values stay in [0,1]", prop.ForAll(
		func(vals []float64) bool {
			raw := map[string]map[string]float64{}
			var eligible []*core.RailConfig
			for i, name := range railNames {
				raw[name] = map[string]float64{FeatureCost: vals[i]}
				eligible = append(eligible, &core.RailConfig{RailName: name})
			}
			out := map[string]map[string]float64{}
			normalize(raw, out, eligible)
			for _, name := range railNames {
				v := out[name][FeatureCost]
				if v < 0 || v > 1 {
					return false
				}
			}
			return true
		},
		gen.SliceOfN(3, gen.Float64Range(-1e6, 1e6)),
	))

	properties.Property("non-discriminating feature is neutral 0.5", prop.ForAll(
		func(v float64) bool {
			raw := map[string]map[string]float64{}
			var eligible []*core.RailConfig
			for _, name := range railNames {
				raw[name] = map[string]float64{FeatureSuccess: v}
				eligible = append(eligible, &core.RailConfig{RailName: name})
			}
			out := map[string]map[string]float64{}
			normalize(raw, out, eligible)
			for _, name := range railNames {
				if out[name][FeatureSuccess] != 0.5 {
					return false
				}
			}
			return true
		},
		gen.Float64Range(0, 1e6),
	))

	properties.Property("lower-is-better inversion makes the cheapest rail best", prop.ForAll(
		func(a, b float64) bool {
			if a == b {
				return true
			}
			raw := map[string]map[string]float64{
				"A": {FeatureCost: a},
				"B": {FeatureCost: b},
			}
			eligible := []*core.RailConfig{{RailName: "A"}, {RailName: "B"}}
			out := map[string]map[string]float64{}
			normalize(raw, out, eligible)
			if a < b {
				return out["A"][FeatureCost] > out["B"][FeatureCost]
			}
			return out["B"][FeatureCost] > out["A"][FeatureCost]
		},
		gen.Float64Range(0, 1000), gen.Float64Range(0, 1000),
	))

	properties.TestingRun(t)
}
