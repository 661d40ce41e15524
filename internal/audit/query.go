package audit

import (
	"context"
	"fmt"
	"strings"

	"github.com/settleline/payflow/internal/core"
	"github.com/settleline/payflow/internal/store"
)

// Evidence is everything the platform knows about one line, gathered
// across agents. Absent pieces are nil.
type Evidence struct {
	Line   *core.Line          `json:"line"`
	Intent *core.IntentResult  `json:"intent,omitempty"`
	ACC    *core.ACCDecision   `json:"acc,omitempty"`
	PDR    *core.PDRDecision   `json:"pdr,omitempty"`
	ARL    *core.ARLResult     `json:"arl,omitempty"`
	RCA    *core.RCAResult     `json:"rca,omitempty"`
	CRRAK  *core.CRRAKReport   `json:"crrak,omitempty"`
	Ledger []*core.LedgerEntry `json:"ledger,omitempty"`
	Trail  []*core.AuditEvent  `json:"trail,omitempty"`
}

// Query retrieves cross-agent evidence and composes narratives for the
// API and for CRRAK.
type Query struct {
	store store.Store
}

// NewQuery creates a query layer over the store.
func NewQuery(s store.Store) *Query {
	return &Query{store: s}
}

// Collect gathers all evidence for one line. Only a missing line is an
// error; every other piece is optional.
func (q *Query) Collect(ctx context.Context, batchID, lineID string) (*Evidence, error) {
	line, err := q.store.GetLine(ctx, batchID, lineID)
	if err != nil {
		return nil, fmt.Errorf("collect evidence %s/%s: %w", batchID, lineID, err)
	}
	ev := &Evidence{Line: line}

	if r, err := q.store.GetIntent(ctx, batchID, lineID); err == nil {
		ev.Intent = r
	}
	if d, err := q.store.GetACCDecision(ctx, batchID, lineID); err == nil {
		ev.ACC = d
	}
	if d, err := q.store.GetPDRDecision(ctx, batchID, lineID); err == nil {
		ev.PDR = d
	}
	if r, err := q.store.GetARLResult(ctx, batchID, lineID); err == nil {
		ev.ARL = r
	}
	if r, err := q.store.GetRCAResult(ctx, batchID, lineID); err == nil {
		ev.RCA = r
	}
	if r, err := q.store.GetCRRAKReport(ctx, batchID, lineID); err == nil {
		ev.CRRAK = r
	}
	if entries, err := q.store.ListLedgerEntries(ctx, core.LedgerReference(batchID, lineID)); err == nil {
		ev.Ledger = entries
	}
	if events, err := q.store.ListAudit(ctx, batchID); err == nil {
		for _, e := range events {
			if e.LineID == lineID || e.LineID == "" {
				ev.Trail = append(ev.Trail, e)
			}
		}
	}
	return ev, nil
}

// Narrative renders the evidence as a chronological, human-readable
// account for operators and regulators.
func (q *Query) Narrative(ctx context.Context, batchID, lineID string) (string, error) {
	ev, err := q.Collect(ctx, batchID, lineID)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Line %s (batch %s): %s %s to %s, status %s.\n",
		lineID, batchID, ev.Line.Amount.StringFixed(2), ev.Line.Currency,
		ev.Line.Receiver.Name, ev.Line.Status)

	if ev.Intent != nil {
		fmt.Fprintf(&b, "Classified as %s (%s match, confidence %.2f, risk %.2f).\n",
			ev.Intent.Intent, ev.Intent.MatchKind, ev.Intent.Confidence, ev.Intent.RiskScore)
	}
	if ev.ACC != nil {
		fmt.Fprintf(&b, "Compliance decision %s under policy %s", ev.ACC.Decision, ev.ACC.PolicyVersion)
		if len(ev.ACC.Reasons) > 0 {
			fmt.Fprintf(&b, " (%s)", strings.Join(ev.ACC.Reasons, ", "))
		}
		b.WriteString(".\n")
	}
	if ev.PDR != nil {
		fmt.Fprintf(&b, "Rail decision: primary %s (score %.3f), %d fallback(s); execution %s",
			ev.PDR.PrimaryRail, ev.PDR.PrimaryScore, len(ev.PDR.FallbackRails), ev.PDR.FinalStatus)
		if ev.PDR.FinalUTR != "" {
			fmt.Fprintf(&b, ", UTR %s via %s after %d attempt(s)",
				ev.PDR.FinalUTR, ev.PDR.FinalRailUsed, ev.PDR.AttemptCount)
		}
		b.WriteString(".\n")
	}
	if ev.ARL != nil {
		fmt.Fprintf(&b, "Reconciliation %s: %d/%d entries matched, score %.0f.\n",
			ev.ARL.State, ev.ARL.MatchedCount, ev.ARL.TotalCount, ev.ARL.Score)
		for _, d := range ev.ARL.Discrepancies {
			fmt.Fprintf(&b, "  - %s [%s]: %s\n", d.Code, d.Severity, d.Detail)
		}
	}
	if ev.RCA != nil {
		fmt.Fprintf(&b, "Root cause %s from %s (severity %s, confidence %.2f): %s\n",
			ev.RCA.RootCause.IssueCode, ev.RCA.RootCause.Source,
			ev.RCA.RootCause.Severity, ev.RCA.RootCause.Confidence,
			ev.RCA.RootCause.Recommendation)
	}
	if ev.CRRAK != nil {
		fmt.Fprintf(&b, "Audit verdict %s (compliance score %.0f, overall risk %.0f).\n",
			ev.CRRAK.ComplianceStatus, ev.CRRAK.ComplianceScore, ev.CRRAK.Risk.Overall)
	}
	return b.String(), nil
}
