package pdr

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/settleline/payflow/internal/audit"
	"github.com/settleline/payflow/internal/core"
	"github.com/settleline/payflow/internal/rails"
	"github.com/settleline/payflow/internal/store"
)

// RailCaller abstracts the bank-side executor so tests can substitute
// scripted outcomes.
type RailCaller interface {
	Execute(ctx context.Context, railName string, line *core.Line, attemptNo int) (*rails.Outcome, error)
}

// Executor runs the fallback cascade for a scored decision: try the
// primary rail, then each fallback in score order, recording one
// RailPerformance row per attempt.
type Executor struct {
	caller   RailCaller
	registry *rails.Registry
	tracker  *rails.Tracker
	store    store.Store
	audit    *audit.Log
	clock    func() time.Time

	transportRetries uint64
	backoffInitial   time.Duration
}

// NewExecutor creates a cascade executor. tracker may be nil.
func NewExecutor(caller RailCaller, registry *rails.Registry, tracker *rails.Tracker, s store.Store) *Executor {
	return &Executor{
		caller:           caller,
		registry:         registry,
		tracker:          tracker,
		store:            s,
		clock:            func() time.Time { return time.Now() },
		transportRetries: 2,
		backoffInitial:   100 * time.Millisecond,
	}
}

// SetClock overrides the executor's clock (tests).
func (x *Executor) SetClock(clock func() time.Time) { x.clock = clock }

// SetAuditLog attaches the audit log; with it set, every rail attempt
// leaves its own bank_outcome entry.
func (x *Executor) SetAuditLog(l *audit.Log) { x.audit = l }

// SetTransportRetries bounds the per-attempt retry count for
// transport-level errors.
func (x *Executor) SetTransportRetries(n uint64) { x.transportRetries = n }

// callRail invokes the bank once, retrying transport-level Go errors
// with exponential backoff. Bank-style failures come back as outcomes
// and are never retried here; the cascade moves to the next rail.
func (x *Executor) callRail(ctx context.Context, railName string, line *core.Line, attemptNo int) *rails.Outcome {
	var out *rails.Outcome
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = x.backoffInitial
	err := backoff.Retry(func() error {
		var err error
		out, err = x.caller.Execute(ctx, railName, line, attemptNo)
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(bo, x.transportRetries), ctx))
	if err != nil {
		now := x.clock()
		return &rails.Outcome{
			RailName:     railName,
			Success:      false,
			ErrorCode:    rails.ErrCodeTransport,
			ErrorMessage: err.Error(),
			InitiatedAt:  now,
			CompletedAt:  now,
		}
	}
	return out
}

// Run executes the cascade for a line, mutating the decision's
// execution fields in place. A fully exhausted cascade is not a Go
// error; the decision carries FinalStatus FAILED and the issue codes.
func (x *Executor) Run(ctx context.Context, line *core.Line, d *core.PDRDecision) error {
	if d.PrimaryRail == "" {
		d.ExecutionStatus = core.ExecFailed
		d.FinalStatus = core.ExecFailed
		return nil
	}

	candidates := []string{d.PrimaryRail}
	for _, f := range d.FallbackRails {
		candidates = append(candidates, f.Rail)
	}

	d.ExecutionStatus = core.ExecExecuting
	for _, railName := range candidates {
		d.AttemptCount++
		d.CurrentAttemptRail = railName

		out := x.callRail(ctx, railName, line, d.AttemptCount)

		perf := &core.RailPerformance{
			RailName:     railName,
			BatchID:      line.BatchID,
			LineID:       line.LineID,
			AttemptNo:    d.AttemptCount,
			ActualETAMs:  out.LatencyMs,
			Success:      out.Success,
			ErrorCode:    out.ErrorCode,
			ErrorMessage: out.ErrorMessage,
			InitiatedAt:  out.InitiatedAt,
			CompletedAt:  out.CompletedAt,
		}
		if x.tracker != nil {
			if err := x.tracker.Record(ctx, perf); err != nil {
				return err
			}
		} else if err := x.store.AppendRailPerformance(ctx, perf); err != nil {
			return err
		}

		if x.audit != nil {
			if _, err := x.audit.Append(ctx, line.BatchID, line.LineID, core.ActorBank, "bank_outcome",
				map[string]interface{}{
					"rail":       railName,
					"attempt":    d.AttemptCount,
					"success":    out.Success,
					"utr":        out.UTR,
					"error_code": out.ErrorCode,
					"request_id": out.RequestID,
				}); err != nil {
				return err
			}
		}

		if !out.Success {
			d.Issues = append(d.Issues, out.ErrorCode)
			log.WithFields(log.Fields{
				"line": line.LineID, "rail": railName,
				"attempt": d.AttemptCount, "code": out.ErrorCode,
			}).Warn("rail attempt failed, falling back")
			continue
		}

		// The debit is checked before the success is committed; a rail
		// that ran out of headroom mid-flight falls through to the next
		// candidate.
		if err := x.registry.Debit(ctx, railName, line.Amount); err != nil {
			f := core.AsFailure(err)
			d.Issues = append(d.Issues, f.Code)
			log.WithFields(log.Fields{"line": line.LineID, "rail": railName}).
				WithError(err).Warn("post-execution debit rejected")
			continue
		}

		if err := x.postLedgerPair(ctx, line, out); err != nil {
			return err
		}

		d.FinalRailUsed = railName
		d.FinalUTR = out.UTR
		d.ExecutionStatus = core.ExecSuccess
		d.FinalStatus = core.ExecSuccess
		d.CurrentAttemptRail = ""
		log.WithFields(log.Fields{
			"line": line.LineID, "rail": railName,
			"utr": out.UTR, "attempts": d.AttemptCount,
		}).Info("payment executed")
		return nil
	}

	d.ExecutionStatus = core.ExecFailed
	d.FinalStatus = core.ExecFailed
	d.CurrentAttemptRail = ""
	return nil
}

// postLedgerPair writes the DEBIT and CREDIT entries for a successful
// execution. Both carry the bank UTR and the canonical reference so
// reconciliation can always find the pair.
func (x *Executor) postLedgerPair(ctx context.Context, line *core.Line, out *rails.Outcome) error {
	ref := core.LedgerReference(line.BatchID, line.LineID)
	pair := []*core.LedgerEntry{
		{
			EntryID:   uuid.NewString(),
			Account:   line.Sender.Account,
			Side:      core.SideDebit,
			Amount:    line.Amount,
			Currency:  line.Currency,
			Reference: ref,
			UTR:       out.UTR,
			TS:        out.CompletedAt,
			State:     core.LedgerPosted,
		},
		{
			EntryID:   uuid.NewString(),
			Account:   line.Receiver.Account,
			Side:      core.SideCredit,
			Amount:    line.Amount,
			Currency:  line.Currency,
			Reference: ref,
			UTR:       out.UTR,
			TS:        out.CompletedAt,
			State:     core.LedgerPosted,
		},
	}
	for _, e := range pair {
		if err := x.store.PutLedgerEntry(ctx, e); err != nil {
			return err
		}
	}
	return nil
}
