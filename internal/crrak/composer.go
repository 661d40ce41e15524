// Package crrak assembles the regulator-facing compliance record for a
// terminal line from everything the upstream agents decided.
package crrak

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/shopspring/decimal"

	"github.com/settleline/payflow/internal/core"
	"github.com/settleline/payflow/internal/store"
)

var largeAmount = decimal.NewFromInt(1_000_000)

// Inputs is the evidence bundle the composer derives from. Only Line
// is required; absent pieces degrade the verdict deterministically.
type Inputs struct {
	Line   *core.Line
	Intent *core.IntentResult
	ACC    *core.ACCDecision
	PDR    *core.PDRDecision
	ARL    *core.ARLResult
	RCA    *core.RCAResult
}

// Composer builds and persists CRRAK reports.
type Composer struct {
	objects store.ObjectStore
	clock   func() time.Time
}

// NewComposer creates a composer. objects may be nil, in which case no
// rendered blob is written.
func NewComposer(objects store.ObjectStore) *Composer {
	return &Composer{objects: objects, clock: func() time.Time { return time.Now() }}
}

// SetClock overrides the composer's clock (tests).
func (c *Composer) SetClock(clock func() time.Time) { c.clock = clock }

// Compose derives the full report and, when an object store is wired,
// persists the rendered form under the line's audit-report key.
func (c *Composer) Compose(ctx context.Context, tenantID string, in Inputs) (*core.CRRAKReport, error) {
	now := c.clock()
	line := in.Line

	r := &core.CRRAKReport{
		BatchID:   line.BatchID,
		LineID:    line.LineID,
		ReportRef: store.AuditReportKey(tenantID, line.BatchID, line.LineID),
		IssuedAt:  now,
	}

	r.ComplianceScore, r.RiskFactors = complianceScore(in)
	switch {
	case r.ComplianceScore >= 80:
		r.ComplianceStatus = core.Compliant
	case r.ComplianceScore >= 60:
		r.ComplianceStatus = core.CompliancePending
	default:
		r.ComplianceStatus = core.NonCompliant
	}

	r.SanctionsClear = in.ACC == nil || !in.ACC.SanctionHit
	r.KYCVerified = in.ACC != nil && in.ACC.KYCVerified

	r.Risk = riskAssessment(in)
	r.AuditTrail = trail(in, now)
	r.Recommendations = recommendations(in)

	if c.objects != nil {
		if err := c.objects.Put(ctx, r.ReportRef, []byte(render(r, in))); err != nil {
			return nil, fmt.Errorf("persist report %s: %w", r.ReportRef, err)
		}
	}

	log.WithFields(log.Fields{
		"line":   line.LineID,
		"status": r.ComplianceStatus,
		"score":  r.ComplianceScore,
		"risk":   r.Risk.Overall,
	}).Info("audit report composed")
	return r, nil
}

// complianceScore starts at 100 and subtracts a fixed penalty per
// failed check, clamped to [0,100].
func complianceScore(in Inputs) (float64, []string) {
	score := 100.0
	var factors []string

	if in.ACC != nil && in.ACC.Decision == core.ACCFail {
		score -= 30
		factors = append(factors, "COMPLIANCE_FAIL")
	}
	if in.ACC != nil && in.ACC.SanctionHit {
		score -= 50
		factors = append(factors, "SANCTION_HIT")
	}
	if in.ACC == nil || !in.ACC.KYCVerified {
		score -= 20
		factors = append(factors, "KYC_UNVERIFIED")
	}
	if in.Line.Amount.Cmp(largeAmount) > 0 {
		score -= 10
		factors = append(factors, "LARGE_AMOUNT")
	}
	if score < 0 {
		score = 0
	}
	return score, factors
}

// riskAssessment derives the three risk components, each 0..100.
func riskAssessment(in Inputs) core.RiskAssessment {
	amount := in.Line.Amount
	var transaction float64
	switch {
	case amount.Cmp(largeAmount) > 0:
		transaction = 80
	case amount.Cmp(decimal.NewFromInt(500_000)) > 0:
		transaction = 60
	case amount.Cmp(decimal.NewFromInt(100_000)) > 0:
		transaction = 40
	case amount.Cmp(decimal.NewFromInt(10_000)) > 0:
		transaction = 25
	default:
		transaction = 10
	}

	counterparty := 10.0
	if in.ACC == nil || !in.ACC.KYCVerified {
		counterparty += 40
	}
	if in.ACC != nil && in.ACC.SanctionHit {
		counterparty = 100
	}

	operational := 10.0
	if in.PDR != nil && in.PDR.FinalStatus == core.ExecFailed {
		operational += 40
	}
	if in.ACC != nil {
		operational += in.ACC.RiskScore * 0.3
	}
	if operational > 100 {
		operational = 100
	}

	return core.RiskAssessment{
		Overall:      (transaction + counterparty + operational) / 3,
		Transaction:  transaction,
		Counterparty: counterparty,
		Operational:  operational,
	}
}

// trail is the chronologically ordered account of everything that
// happened to the line, ending with the report itself.
func trail(in Inputs, now time.Time) []core.TrailEntry {
	var t []core.TrailEntry
	t = append(t, core.TrailEntry{
		TS: in.Line.CreatedAt, Actor: core.ActorMCP, Action: "invoice_received",
		Detail: fmt.Sprintf("amount %s %s", in.Line.Amount.StringFixed(2), in.Line.Currency),
	})
	if in.Intent != nil {
		t = append(t, core.TrailEntry{
			TS: in.Intent.IssuedAt, Actor: core.ActorMCP, Action: "intent_classified",
			Detail: fmt.Sprintf("%s (%s)", in.Intent.Intent, in.Intent.MatchKind),
		})
	}
	if in.ACC != nil {
		t = append(t, core.TrailEntry{
			TS: in.ACC.IssuedAt, Actor: core.ActorACC, Action: "acc_decision",
			Detail: string(in.ACC.Decision),
		})
	}
	if in.PDR != nil {
		detail := fmt.Sprintf("primary %s, final %s", in.PDR.PrimaryRail, in.PDR.FinalStatus)
		if in.PDR.FinalUTR != "" {
			detail += ", UTR " + in.PDR.FinalUTR
		}
		t = append(t, core.TrailEntry{
			TS: in.PDR.IssuedAt, Actor: core.ActorPDR, Action: "pdr_decision", Detail: detail,
		})
	}
	if in.ARL != nil {
		t = append(t, core.TrailEntry{
			TS: in.ARL.IssuedAt, Actor: core.ActorARL, Action: "reconciliation",
			Detail: string(in.ARL.State),
		})
	}
	if in.RCA != nil {
		t = append(t, core.TrailEntry{
			TS: in.RCA.IssuedAt, Actor: core.ActorRCA, Action: "root_cause",
			Detail: in.RCA.RootCause.IssueCode,
		})
	}
	t = append(t, core.TrailEntry{TS: now, Actor: core.ActorCRRAK, Action: "report_composed"})

	sort.SliceStable(t, func(i, j int) bool { return t[i].TS.Before(t[j].TS) })
	return t
}

// recommendations maps failed checks to operator guidance. The mapping
// is fixed so identical inputs always render identical advice.
func recommendations(in Inputs) []string {
	var recs []string
	if in.ACC != nil && in.ACC.SanctionHit {
		recs = append(recs, "Freeze the counterparty relationship pending compliance review")
	}
	if in.ACC == nil || !in.ACC.KYCVerified {
		recs = append(recs, "Complete KYC verification for the counterparty")
	}
	if in.PDR != nil && in.PDR.FinalStatus == core.ExecFailed && in.RCA != nil {
		recs = append(recs, in.RCA.RootCause.Recommendation)
	}
	if in.ARL != nil && in.ARL.State != core.ARLReconciled {
		recs = append(recs, "Investigate ledger discrepancies before releasing settlement")
	}
	if len(recs) == 0 {
		recs = append(recs, "No action required; transaction fully compliant")
	}
	return recs
}

// render produces the human-readable form persisted next to the
// structured report. PDF layout is handled downstream; this blob is
// the canonical text.
func render(r *core.CRRAKReport, in Inputs) string {
	var b strings.Builder
	fmt.Fprintf(&b, "COMPLIANCE & RISK REPORT\n")
	fmt.Fprintf(&b, "Batch %s / Line %s\n", r.BatchID, r.LineID)
	fmt.Fprintf(&b, "Status: %s (score %.0f)\n", r.ComplianceStatus, r.ComplianceScore)
	fmt.Fprintf(&b, "Sanctions clear: %v, KYC verified: %v\n", r.SanctionsClear, r.KYCVerified)
	fmt.Fprintf(&b, "Risk: overall %.0f (txn %.0f, counterparty %.0f, operational %.0f)\n",
		r.Risk.Overall, r.Risk.Transaction, r.Risk.Counterparty, r.Risk.Operational)
	fmt.Fprintf(&b, "\nAudit trail:\n")
	for _, e := range r.AuditTrail {
		fmt.Fprintf(&b, "  %s  %-6s %s %s\n", e.TS.UTC().Format(time.RFC3339), e.Actor, e.Action, e.Detail)
	}
	fmt.Fprintf(&b, "\nRecommendations:\n")
	for _, rec := range r.Recommendations {
		fmt.Fprintf(&b, "  - %s\n", rec)
	}
	return b.String()
}
