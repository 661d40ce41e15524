package pdr

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/settleline/payflow/internal/audit"
	"github.com/settleline/payflow/internal/core"
	"github.com/settleline/payflow/internal/rails"
	"github.com/settleline/payflow/internal/store"
)

// scriptedCaller replays canned outcomes per rail, in order.
type scriptedCaller struct {
	outcomes map[string][]*rails.Outcome
	errs     map[string]error
	calls    []string
}

func (s *scriptedCaller) Execute(_ context.Context, railName string, _ *core.Line, _ int) (*rails.Outcome, error) {
	s.calls = append(s.calls, railName)
	if err, ok := s.errs[railName]; ok {
		return nil, err
	}
	q := s.outcomes[railName]
	out := q[0]
	if len(q) > 1 {
		s.outcomes[railName] = q[1:]
	}
	return out, nil
}

func ok(rail, utr string) *rails.Outcome {
	now := time.Date(2026, 3, 2, 11, 0, 0, 0, time.UTC)
	return &rails.Outcome{
		RailName: rail, Success: true, ResponseCode: "00", UTR: utr,
		LatencyMs: 50, InitiatedAt: now, CompletedAt: now,
	}
}

func bad(rail, code string) *rails.Outcome {
	now := time.Date(2026, 3, 2, 11, 0, 0, 0, time.UTC)
	return &rails.Outcome{
		RailName: rail, Success: false, ResponseCode: "91",
		ErrorCode: code, ErrorMessage: "scripted failure",
		LatencyMs: 50, InitiatedAt: now, CompletedAt: now,
	}
}

func cascadeDecision() *core.PDRDecision {
	return &core.PDRDecision{
		BatchID:     "B-01",
		LineID:      "L-01",
		PrimaryRail: rails.RailUPI,
		FallbackRails: []core.ScoredRail{
			{Rail: rails.RailIMPS, Score: 0.7},
			{Rail: rails.RailIFT, Score: 0.6},
		},
		ExecutionStatus: core.ExecPending,
		FinalStatus:     core.ExecPending,
	}
}

func TestRun_CascadeFallsThroughToIFT(t *testing.T) {
	caller := &scriptedCaller{outcomes: map[string][]*rails.Outcome{
		rails.RailUPI:  {bad(rails.RailUPI, rails.ErrCodeInsufficientFunds)},
		rails.RailIMPS: {bad(rails.RailIMPS, rails.ErrCodeInsufficientFunds)},
		rails.RailIFT:  {ok(rails.RailIFT, "IFT260302000001")},
	}}
	mem := store.NewMemoryStore()
	x := NewExecutor(caller, rails.NewDefaultRegistry(), nil, mem)

	line := pdrLine(10_000, "HDFC0001234", "HDFC0004321")
	d := cascadeDecision()
	require.NoError(t, x.Run(context.Background(), line, d))

	assert.Equal(t, core.ExecSuccess, d.FinalStatus)
	assert.Equal(t, rails.RailIFT, d.FinalRailUsed)
	assert.Equal(t, "IFT260302000001", d.FinalUTR)
	assert.Equal(t, 3, d.AttemptCount)
	assert.Equal(t, []string{rails.ErrCodeInsufficientFunds, rails.ErrCodeInsufficientFunds}, d.Issues)

	// Exactly one DEBIT and one CREDIT, both carrying the UTR.
	entries, err := mem.ListLedgerEntries(context.Background(), core.LedgerReference("B-01", "L-01"))
	require.NoError(t, err)
	require.Len(t, entries, 2)
	sides := map[core.LedgerSide]int{}
	for _, e := range entries {
		sides[e.Side]++
		assert.Equal(t, "IFT260302000001", e.UTR)
		assert.Equal(t, core.LedgerPosted, e.State)
		assert.True(t, e.Amount.Equal(decimal.NewFromInt(10_000)))
	}
	assert.Equal(t, 1, sides[core.SideDebit])
	assert.Equal(t, 1, sides[core.SideCredit])

	// Three performance rows, one per attempt.
	rows, err := mem.ListRailPerformance(context.Background(), rails.RailUPI, time.Time{})
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestRun_EveryAttemptLeavesBankOutcomeAudit(t *testing.T) {
	caller := &scriptedCaller{outcomes: map[string][]*rails.Outcome{
		rails.RailUPI:  {bad(rails.RailUPI, rails.ErrCodeInsufficientFunds)},
		rails.RailIMPS: {bad(rails.RailIMPS, rails.ErrCodeBankUnavailable)},
		rails.RailIFT:  {ok(rails.RailIFT, "IFT260302000002")},
	}}
	mem := store.NewMemoryStore()
	x := NewExecutor(caller, rails.NewDefaultRegistry(), nil, mem)
	x.SetAuditLog(audit.NewLog(mem))

	d := cascadeDecision()
	require.NoError(t, x.Run(context.Background(), pdrLine(10_000, "HDFC0001234", "HDFC0004321"), d))
	require.Equal(t, core.ExecSuccess, d.FinalStatus)

	evts, err := mem.ListAudit(context.Background(), "B-01")
	require.NoError(t, err)
	var outcomes []*core.AuditEvent
	for _, e := range evts {
		if e.Action == "bank_outcome" {
			outcomes = append(outcomes, e)
		}
	}
	require.Len(t, outcomes, 3, "one bank outcome per cascade attempt")
	for i, want := range []string{rails.RailUPI, rails.RailIMPS, rails.RailIFT} {
		assert.Equal(t, core.ActorBank, outcomes[i].Actor)
		assert.Equal(t, want, outcomes[i].Detail["rail"])
	}
	assert.Equal(t, false, outcomes[0].Detail["success"])
	assert.Equal(t, false, outcomes[1].Detail["success"])
	assert.Equal(t, true, outcomes[2].Detail["success"])
	assert.Equal(t, "IFT260302000002", outcomes[2].Detail["utr"])
}

func TestRun_SuccessDebitsDailyLimit(t *testing.T) {
	caller := &scriptedCaller{outcomes: map[string][]*rails.Outcome{
		rails.RailUPI: {ok(rails.RailUPI, "UPI260302000001")},
	}}
	reg := rails.NewDefaultRegistry()
	x := NewExecutor(caller, reg, nil, store.NewMemoryStore())

	before, _ := reg.Get(rails.RailUPI)
	line := pdrLine(40_000, "HDFC0001234", "ICIC0004321")
	d := cascadeDecision()
	d.FallbackRails = nil
	require.NoError(t, x.Run(context.Background(), line, d))

	after, _ := reg.Get(rails.RailUPI)
	assert.True(t, after.DailyLimitRemaining.Equal(
		before.DailyLimitRemaining.Sub(decimal.NewFromInt(40_000))))
}

func TestRun_ExhaustionFails(t *testing.T) {
	caller := &scriptedCaller{outcomes: map[string][]*rails.Outcome{
		rails.RailUPI:  {bad(rails.RailUPI, rails.ErrCodeBankUnavailable)},
		rails.RailIMPS: {bad(rails.RailIMPS, rails.ErrCodeInvalidAccount)},
		rails.RailIFT:  {bad(rails.RailIFT, rails.ErrCodeAccountBlocked)},
	}}
	x := NewExecutor(caller, rails.NewDefaultRegistry(), nil, store.NewMemoryStore())

	d := cascadeDecision()
	require.NoError(t, x.Run(context.Background(), pdrLine(10_000, "HDFC0001234", "HDFC0004321"), d))

	assert.Equal(t, core.ExecFailed, d.FinalStatus)
	assert.Empty(t, d.FinalUTR)
	assert.Equal(t, 3, d.AttemptCount)
	assert.Len(t, d.Issues, 3)
}

func TestRun_TransportErrorIsSynthesized(t *testing.T) {
	caller := &scriptedCaller{
		outcomes: map[string][]*rails.Outcome{},
		errs:     map[string]error{rails.RailUPI: errors.New("connection reset")},
	}
	x := NewExecutor(caller, rails.NewDefaultRegistry(), nil, store.NewMemoryStore())
	x.SetTransportRetries(1)

	d := cascadeDecision()
	d.FallbackRails = nil
	require.NoError(t, x.Run(context.Background(), pdrLine(10_000, "HDFC0001234", "HDFC0004321"), d))

	assert.Equal(t, core.ExecFailed, d.FinalStatus)
	assert.Equal(t, []string{rails.ErrCodeTransport}, d.Issues)
	assert.Equal(t, []string{rails.RailUPI, rails.RailUPI}, caller.calls, "transport errors are retried")
}

func TestRun_NoPrimaryFailsImmediately(t *testing.T) {
	x := NewExecutor(&scriptedCaller{}, rails.NewDefaultRegistry(), nil, store.NewMemoryStore())
	d := &core.PDRDecision{BatchID: "B-01", LineID: "L-01"}
	require.NoError(t, x.Run(context.Background(), pdrLine(10_000, "HDFC0001234", "HDFC0004321"), d))
	assert.Equal(t, core.ExecFailed, d.FinalStatus)
	assert.Zero(t, d.AttemptCount)
}
