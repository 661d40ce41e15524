// Package rca synthesizes a single root cause for a failed line from
// the evidence the upstream agents left behind.
package rca

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/settleline/payflow/internal/acc"
	"github.com/settleline/payflow/internal/core"
	"github.com/settleline/payflow/internal/pdr"
	"github.com/settleline/payflow/internal/store"
)

// causeEntry is one row of the fixed issue-code mapping.
type causeEntry struct {
	Source         core.RootCauseSource
	Recommendation string
	Severity       core.Severity
}

// causeTable maps every known issue code to its source, operator
// recommendation and severity. Unknown codes fall back to a generic
// per-channel analysis.
var causeTable = map[string]causeEntry{
	"INVALID_IFSC": {
		Source:         core.SourceBankAPIRC,
		Recommendation: "Verify the beneficiary IFSC; the bank rejected it",
		Severity:       core.SeverityHigh,
	},
	"SANCTIONED": {
		Source:         core.SourceACCCompliance,
		Recommendation: "Do not retry; escalate to the compliance desk",
		Severity:       core.SeverityCritical,
	},
	"INSUFFICIENT_FUNDS": {
		Source:         core.SourceBankAPIRC,
		Recommendation: "Fund the debit account and resubmit",
		Severity:       core.SeverityHigh,
	},
	"ACCOUNT_BLOCKED": {
		Source:         core.SourceBankAPIRC,
		Recommendation: "Contact the bank to unblock the account before retrying",
		Severity:       core.SeverityHigh,
	},
	"DAILY_LIMIT_EXCEEDED": {
		Source:         core.SourcePDRValidation,
		Recommendation: "Retry after the daily reset or reroute to a rail with headroom",
		Severity:       core.SeverityMedium,
	},
	"BANK_UNAVAILABLE": {
		Source:         core.SourceBankAPIRC,
		Recommendation: "Retry later; the bank endpoint was unreachable",
		Severity:       core.SeverityMedium,
	},
	"INVALID_ACCOUNT": {
		Source:         core.SourceBankAPIRC,
		Recommendation: "Verify the beneficiary account number with the counterparty",
		Severity:       core.SeverityHigh,
	},
	"OUTSIDE_WORKING_HOURS": {
		Source:         core.SourcePDRValidation,
		Recommendation: "Reschedule the payment inside the rail's working window",
		Severity:       core.SeverityLow,
	},
	pdr.IssueNoEligibleRail: {
		Source:         core.SourcePDRValidation,
		Recommendation: "Review the filter reasons; no rail could accept this payment",
		Severity:       core.SeverityHigh,
	},
	acc.ViolationPolicyUnavailable: {
		Source:         core.SourceACCCompliance,
		Recommendation: "Retry once the policy evaluator is reachable",
		Severity:       core.SeverityMedium,
	},
	"TRANSPORT_ERROR": {
		Source:         core.SourceSystem,
		Recommendation: "Retry; the bank call failed at the transport layer",
		Severity:       core.SeverityMedium,
	},
}

// accCodeAliases normalizes policy-evaluator violation codes to the
// cause table's vocabulary.
var accCodeAliases = map[string]string{
	acc.ViolationSanction: "SANCTIONED",
}

// Analyzer is the root-cause agent.
type Analyzer struct {
	store store.Store
	clock func() time.Time
}

// NewAnalyzer creates an analyzer over the store.
func NewAnalyzer(s store.Store) *Analyzer {
	return &Analyzer{store: s, clock: func() time.Time { return time.Now() }}
}

// SetClock overrides the analyzer's clock (tests).
func (a *Analyzer) SetClock(clock func() time.Time) { a.clock = clock }

// Analyze collects the line's evidence and produces one RootCause.
// It never returns an error for missing evidence; confidence simply
// drops.
func (a *Analyzer) Analyze(ctx context.Context, line *core.Line) *core.RCAResult {
	var (
		pdrDecision *core.PDRDecision
		accDecision *core.ACCDecision
	)
	if d, err := a.store.GetPDRDecision(ctx, line.BatchID, line.LineID); err == nil {
		pdrDecision = d
	}
	if d, err := a.store.GetACCDecision(ctx, line.BatchID, line.LineID); err == nil {
		accDecision = d
	}

	observed := observedCodes(pdrDecision, accDecision)

	res := &core.RCAResult{
		BatchID:  line.BatchID,
		LineID:   line.LineID,
		IssuedAt: a.clock(),
		AnalysisDetails: map[string]interface{}{
			"observed_codes": observed,
			"has_pdr":        pdrDecision != nil,
			"has_acc":        accDecision != nil,
		},
	}
	if pdrDecision != nil {
		res.AnalysisDetails["primary_rail"] = pdrDecision.PrimaryRail
		res.AnalysisDetails["attempt_count"] = pdrDecision.AttemptCount
	}

	matched := false
	for _, code := range observed {
		if entry, ok := causeTable[code]; ok {
			res.RootCause = core.RootCause{
				IssueCode:      code,
				Source:         entry.Source,
				Recommendation: entry.Recommendation,
				Severity:       entry.Severity,
			}
			matched = true
			break
		}
	}
	if !matched {
		res.RootCause = genericCause(pdrDecision)
	}

	res.RootCause.Confidence = confidence(res.RootCause.IssueCode, pdrDecision, accDecision)

	log.WithFields(log.Fields{
		"line":       line.LineID,
		"issue":      res.RootCause.IssueCode,
		"source":     res.RootCause.Source,
		"confidence": res.RootCause.Confidence,
	}).Info("root cause determined")
	return res
}

// observedCodes gathers issue codes in evidence order: the execution
// cascade's codes newest-first (the last failure is the decisive one),
// then compliance reasons.
func observedCodes(pdrDecision *core.PDRDecision, accDecision *core.ACCDecision) []string {
	var codes []string
	if pdrDecision != nil {
		for i := len(pdrDecision.Issues) - 1; i >= 0; i-- {
			codes = append(codes, pdrDecision.Issues[i])
		}
	}
	if accDecision != nil && accDecision.Decision != core.ACCPass {
		for _, reason := range accDecision.Reasons {
			if alias, ok := accCodeAliases[reason]; ok {
				reason = alias
			}
			codes = append(codes, reason)
		}
	}
	return codes
}

// genericCause is the fallback when no observed code matched, keyed by
// the primary rail's channel.
func genericCause(pdrDecision *core.PDRDecision) core.RootCause {
	if pdrDecision == nil || pdrDecision.PrimaryRail == "" {
		return core.RootCause{
			IssueCode:      "UNCLASSIFIED_FAILURE",
			Source:         core.SourceSystem,
			Recommendation: "Inspect orchestrator logs; the failure left no classified evidence",
			Severity:       core.SeverityMedium,
		}
	}
	return core.RootCause{
		IssueCode:      "UNCLASSIFIED_" + pdrDecision.PrimaryRail + "_FAILURE",
		Source:         core.SourceBankAPIRC,
		Recommendation: "Inspect the " + pdrDecision.PrimaryRail + " channel's recent performance and retry",
		Severity:       core.SeverityMedium,
	}
}

// confidence is 0.5 base, +0.2 with PDR evidence, +0.2 with ACC
// evidence, +0.1 for the invoice (always present), boosted to 0.9 when
// the issue code appears verbatim in the cascade's issue list.
func confidence(issueCode string, pdrDecision *core.PDRDecision, accDecision *core.ACCDecision) float64 {
	c := 0.5 + 0.1
	if pdrDecision != nil {
		c += 0.2
	}
	if accDecision != nil {
		c += 0.2
	}
	if pdrDecision != nil {
		for _, code := range pdrDecision.Issues {
			if code == issueCode && c < 0.9 {
				c = 0.9
			}
		}
	}
	if c > 1 {
		c = 1
	}
	return c
}
