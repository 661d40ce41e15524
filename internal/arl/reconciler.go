// Package arl reconciles the ledger entries a payment produced against
// the amount and timing the decision promised.
package arl

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/settleline/payflow/internal/core"
	"github.com/settleline/payflow/internal/store"
)

// Discrepancy codes.
const (
	CodeAmountMismatch    = "AMOUNT_MISMATCH"
	CodeMissingEntry      = "MISSING_ENTRY"
	CodeTimestampMismatch = "TIMESTAMP_MISMATCH"
)

// timestampWindow is how far a ledger entry's timestamp may drift from
// the decision's before it counts as a mismatch.
const timestampWindow = 300 * time.Second

// Reconciler matches expected against actual ledger state for a line.
type Reconciler struct {
	store store.Store
	clock func() time.Time
}

// NewReconciler creates a reconciler over the store.
func NewReconciler(s store.Store) *Reconciler {
	return &Reconciler{store: s, clock: func() time.Time { return time.Now() }}
}

// SetClock overrides the reconciler's clock (tests).
func (r *Reconciler) SetClock(clock func() time.Time) { r.clock = clock }

// Reconcile verifies the DEBIT/CREDIT pair for a line that reached
// execution. On a clean verdict every entry is advanced to RECONCILED
// before the result is returned.
func (r *Reconciler) Reconcile(ctx context.Context, line *core.Line, pdr *core.PDRDecision) (*core.ARLResult, error) {
	ref := core.LedgerReference(line.BatchID, line.LineID)
	entries, err := r.store.ListLedgerEntries(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("reconcile %s: %w", ref, err)
	}

	res := &core.ARLResult{
		BatchID:    line.BatchID,
		LineID:     line.LineID,
		TotalCount: 2, // one DEBIT, one CREDIT expected
		IssuedAt:   r.clock(),
	}

	bySide := map[core.LedgerSide][]*core.LedgerEntry{}
	for _, e := range entries {
		bySide[e.Side] = append(bySide[e.Side], e)
	}
	for _, side := range []core.LedgerSide{core.SideDebit, core.SideCredit} {
		if len(bySide[side]) == 0 {
			res.Discrepancies = append(res.Discrepancies, core.Discrepancy{
				Code:     CodeMissingEntry,
				Severity: core.SeverityCritical,
				Detail:   fmt.Sprintf("no %s entry for reference %s", side, ref),
			})
		}
	}

	for _, e := range entries {
		clean := true
		if !core.AmountsMatch(e.Amount, line.Amount) {
			clean = false
			res.Discrepancies = append(res.Discrepancies, core.Discrepancy{
				Code:     CodeAmountMismatch,
				EntryID:  e.EntryID,
				Severity: core.SeverityHigh,
				Detail: fmt.Sprintf("%s entry %s: %s != expected %s",
					e.Side, e.EntryID, e.Amount.StringFixed(2), line.Amount.StringFixed(2)),
			})
		}
		if drift := absDuration(e.TS.Sub(pdr.IssuedAt)); drift > timestampWindow {
			clean = false
			res.Discrepancies = append(res.Discrepancies, core.Discrepancy{
				Code:     CodeTimestampMismatch,
				EntryID:  e.EntryID,
				Severity: core.SeverityMedium,
				Detail: fmt.Sprintf("%s entry %s: %s drift exceeds %s",
					e.Side, e.EntryID, drift, timestampWindow),
			})
		}
		if clean {
			res.MatchedCount++
		}
	}
	if res.MatchedCount > res.TotalCount {
		res.MatchedCount = res.TotalCount
	}
	res.Score = float64(res.MatchedCount) / float64(res.TotalCount) * 100

	res.State = verdict(res.Discrepancies)
	if res.State == core.ARLReconciled {
		for _, e := range entries {
			if err := r.store.AdvanceLedgerState(ctx, e.EntryID, core.LedgerReconciled); err != nil {
				return nil, fmt.Errorf("advance %s: %w", e.EntryID, err)
			}
		}
	}

	log.WithFields(log.Fields{
		"line":    line.LineID,
		"state":   res.State,
		"matched": res.MatchedCount,
		"score":   res.Score,
	}).Info("reconciliation complete")
	return res, nil
}

// verdict maps discrepancy severities to the reconciliation state: a
// clean run reconciles, MEDIUM/LOW only is partial, anything
// HIGH/CRITICAL fails.
func verdict(ds []core.Discrepancy) core.ARLState {
	if len(ds) == 0 {
		return core.ARLReconciled
	}
	for _, d := range ds {
		if d.Severity == core.SeverityHigh || d.Severity == core.SeverityCritical {
			return core.ARLFailed
		}
	}
	return core.ARLPartial
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
