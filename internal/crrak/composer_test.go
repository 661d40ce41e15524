package crrak

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/settleline/payflow/internal/core"
	"github.com/settleline/payflow/internal/store"
)

var crrakNow = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

func crrakLine(amount int64) *core.Line {
	return &core.Line{
		BatchID:   "B-01",
		LineID:    "L-01",
		Amount:    decimal.NewFromInt(amount),
		Currency:  "INR",
		CreatedAt: crrakNow.Add(-time.Hour),
	}
}

func cleanInputs(amount int64) Inputs {
	return Inputs{
		Line: crrakLine(amount),
		Intent: &core.IntentResult{
			Intent: core.PaymentPayroll, MatchKind: core.MatchExact,
			IssuedAt: crrakNow.Add(-50 * time.Minute),
		},
		ACC: &core.ACCDecision{
			Decision: core.ACCPass, KYCVerified: true,
			IssuedAt: crrakNow.Add(-40 * time.Minute),
		},
		PDR: &core.PDRDecision{
			PrimaryRail: "UPI", FinalRailUsed: "UPI", FinalUTR: "UPI260302000001",
			FinalStatus: core.ExecSuccess, IssuedAt: crrakNow.Add(-30 * time.Minute),
		},
		ARL: &core.ARLResult{
			State: core.ARLReconciled, IssuedAt: crrakNow.Add(-20 * time.Minute),
		},
	}
}

func newComposer(objects store.ObjectStore) *Composer {
	c := NewComposer(objects)
	c.SetClock(func() time.Time { return crrakNow })
	return c
}

func TestCompose_CleanTransaction(t *testing.T) {
	objects := store.NewMemoryObjectStore()
	c := newComposer(objects)

	r, err := c.Compose(context.Background(), "t1", cleanInputs(50_000))
	require.NoError(t, err)

	assert.Equal(t, core.Compliant, r.ComplianceStatus)
	assert.Equal(t, 100.0, r.ComplianceScore)
	assert.True(t, r.SanctionsClear)
	assert.True(t, r.KYCVerified)
	assert.Empty(t, r.RiskFactors)
	assert.Equal(t, []string{"No action required; transaction fully compliant"}, r.Recommendations)
	assert.Equal(t, "audit/t1/B-01/L-01/report.pdf", r.ReportRef)

	// Rendered blob persisted under the report key.
	blob, err := objects.Get(context.Background(), r.ReportRef)
	require.NoError(t, err)
	assert.Contains(t, string(blob), "Status: COMPLIANT")
	assert.Contains(t, string(blob), "UTR UPI260302000001")
}

func TestCompose_ScoreDeductions(t *testing.T) {
	in := cleanInputs(2_000_000) // -10 large amount
	in.ACC.Decision = core.ACCFail
	in.ACC.SanctionHit = true
	in.ACC.KYCVerified = false
	// 100 - 30 - 50 - 20 - 10 clamps to 0.

	r, err := newComposer(nil).Compose(context.Background(), "t1", in)
	require.NoError(t, err)
	assert.Equal(t, 0.0, r.ComplianceScore)
	assert.Equal(t, core.NonCompliant, r.ComplianceStatus)
	assert.ElementsMatch(t, []string{
		"COMPLIANCE_FAIL", "SANCTION_HIT", "KYC_UNVERIFIED", "LARGE_AMOUNT",
	}, r.RiskFactors)
	assert.False(t, r.SanctionsClear)
	assert.Equal(t, 100.0, r.Risk.Counterparty)
}

func TestCompose_PendingBand(t *testing.T) {
	in := cleanInputs(50_000)
	in.ACC.KYCVerified = false // 100 - 20 = 80 → still COMPLIANT

	r, err := newComposer(nil).Compose(context.Background(), "t1", in)
	require.NoError(t, err)
	assert.Equal(t, 80.0, r.ComplianceScore)
	assert.Equal(t, core.Compliant, r.ComplianceStatus)

	in.ACC.Decision = core.ACCFail // 80 - 30 = 50 → NON_COMPLIANT
	r, err = newComposer(nil).Compose(context.Background(), "t1", in)
	require.NoError(t, err)
	assert.Equal(t, 50.0, r.ComplianceScore)
	assert.Equal(t, core.NonCompliant, r.ComplianceStatus)
}

func TestCompose_RiskOverallIsMean(t *testing.T) {
	r, err := newComposer(nil).Compose(context.Background(), "t1", cleanInputs(50_000))
	require.NoError(t, err)
	want := (r.Risk.Transaction + r.Risk.Counterparty + r.Risk.Operational) / 3
	assert.InDelta(t, want, r.Risk.Overall, 1e-9)
}

func TestCompose_TrailChronological(t *testing.T) {
	in := cleanInputs(50_000)
	in.RCA = &core.RCAResult{
		RootCause: core.RootCause{IssueCode: "BANK_UNAVAILABLE", Recommendation: "Retry later"},
		IssuedAt:  crrakNow.Add(-10 * time.Minute),
	}

	r, err := newComposer(nil).Compose(context.Background(), "t1", in)
	require.NoError(t, err)

	require.GreaterOrEqual(t, len(r.AuditTrail), 6)
	for i := 1; i < len(r.AuditTrail); i++ {
		assert.False(t, r.AuditTrail[i].TS.Before(r.AuditTrail[i-1].TS),
			"trail must be chronological at %d", i)
	}
	assert.Equal(t, "invoice_received", r.AuditTrail[0].Action)
	assert.Equal(t, "report_composed", r.AuditTrail[len(r.AuditTrail)-1].Action)
}

func TestCompose_FailedExecutionCarriesRCARecommendation(t *testing.T) {
	in := cleanInputs(50_000)
	in.PDR.FinalStatus = core.ExecFailed
	in.PDR.FinalUTR = ""
	in.ARL = nil
	in.RCA = &core.RCAResult{
		RootCause: core.RootCause{
			IssueCode:      "INSUFFICIENT_FUNDS",
			Recommendation: "Fund the debit account and resubmit",
		},
		IssuedAt: crrakNow.Add(-5 * time.Minute),
	}

	r, err := newComposer(nil).Compose(context.Background(), "t1", in)
	require.NoError(t, err)
	assert.Contains(t, r.Recommendations, "Fund the debit account and resubmit")
	assert.Greater(t, r.Risk.Operational, 40.0)
}
