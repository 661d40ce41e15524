package orchestrator

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/settleline/payflow/internal/acc"
	"github.com/settleline/payflow/internal/arl"
	"github.com/settleline/payflow/internal/audit"
	"github.com/settleline/payflow/internal/config"
	"github.com/settleline/payflow/internal/core"
	"github.com/settleline/payflow/internal/crrak"
	"github.com/settleline/payflow/internal/events"
	"github.com/settleline/payflow/internal/intent"
	"github.com/settleline/payflow/internal/pdr"
	"github.com/settleline/payflow/internal/rails"
	"github.com/settleline/payflow/internal/rca"
	"github.com/settleline/payflow/internal/store"
)

func businessClock() func() time.Time {
	return func() time.Time {
		return time.Date(2026, 3, 2, 11, 0, 0, 0, time.UTC) // Monday 11:00
	}
}

// testEnv wires a full in-memory platform around an httptest policy
// evaluator.
type testEnv struct {
	orch    *Orchestrator
	store   store.Store
	objects store.ObjectStore
	audit   *audit.Log
	policy  *httptest.Server
}

func allowAllPolicy() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"result":{"allow":true,"violations":[]}}`))
	}
}

func denyPolicy(violations string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"result":{"allow":false,"violations":[` + violations + `]}}`))
	}
}

func newTestEnv(t *testing.T, policyHandler http.HandlerFunc) *testEnv {
	t.Helper()
	return newTestEnvWithConfig(t, policyHandler, config.Default())
}

func newTestEnvWithConfig(t *testing.T, policyHandler http.HandlerFunc, cfg *config.Config) *testEnv {
	t.Helper()
	clock := businessClock()

	st := store.NewMemoryStore()
	objects := store.NewMemoryObjectStore()
	bus := events.NewBus()

	auditLog := audit.NewLog(st)
	auditLog.SetClock(clock)

	classifier, err := intent.NewClassifier(128)
	require.NoError(t, err)

	policy := httptest.NewServer(policyHandler)
	t.Cleanup(policy.Close)
	adapter := acc.NewAdapter(acc.NewPolicyClient(policy.URL, 2*time.Second))
	adapter.SetClock(clock)

	registry := rails.NewDefaultRegistry()
	tracker := rails.NewTracker(st, registry)
	tracker.SetClock(clock)

	engine := pdr.NewEngine(registry, tracker)
	engine.SetClock(clock)

	bank := rails.NewExecutor(registry, 7)
	bank.SetClock(clock)
	bank.SetLatencyScale(0)
	for _, name := range []string{rails.RailUPI, rails.RailIMPS, rails.RailNEFT, rails.RailRTGS, rails.RailIFT} {
		bank.SetBaseline(name, 1.0)
	}

	executor := pdr.NewExecutor(bank, registry, tracker, st)
	executor.SetClock(clock)
	executor.SetAuditLog(auditLog)

	reconciler := arl.NewReconciler(st)
	reconciler.SetClock(clock)
	analyzer := rca.NewAnalyzer(st)
	analyzer.SetClock(clock)
	composer := crrak.NewComposer(objects)
	composer.SetClock(clock)

	orch := New(cfg, Deps{
		Store: st, Objects: objects, Bus: bus, Audit: auditLog,
		Classifier: classifier, Compliance: adapter,
		Engine: engine, Executor: executor,
		Reconciler: reconciler, Analyzer: analyzer, Composer: composer,
	})
	return &testEnv{orch: orch, store: st, objects: objects, audit: auditLog, policy: policy}
}

func testBatch(batchID string) *core.Batch {
	return &core.Batch{
		BatchID:       batchID,
		TenantID:      "tenant-1",
		Source:        core.SourceFrontend,
		PolicyVersion: "2024.1",
	}
}

func testLine(batchID, lineID string, amount int64, receiverIFSC string) *core.Line {
	return &core.Line{
		BatchID:       batchID,
		LineID:        lineID,
		TransactionID: "TXN-" + lineID,
		Amount:        decimal.NewFromInt(amount),
		Currency:      "INR",
		PurposeCode:   "VENDOR",
		Sender:        core.Party{Name: "Acme Traders", Account: "111222333", IFSC: "HDFC0001234", Bank: "HDFC"},
		Receiver:      core.Party{Name: "R Sharma", Account: "444555666", IFSC: receiverIFSC, Bank: "HDFC"},
		Extensions: map[string]interface{}{
			"pan":         "ABCDE1234F",
			"aadhaar_ref": "ref-8812",
		},
	}
}

func TestStartBatch_HappyPathIntraBank(t *testing.T) {
	env := newTestEnv(t, allowAllPolicy())
	ctx := context.Background()

	batch := testBatch("B-100")
	line := testLine("B-100", "L-1", 5_000, "HDFC0004321")
	wfID, started, err := env.orch.StartBatch(ctx, batch, []*core.Line{line})
	require.NoError(t, err)
	assert.True(t, started)
	env.orch.Wait(wfID)

	got, err := env.store.GetLine(ctx, "B-100", "L-1")
	require.NoError(t, err)
	assert.Equal(t, core.LineCompleted, got.Status)

	d, err := env.store.GetPDRDecision(ctx, "B-100", "L-1")
	require.NoError(t, err)
	assert.Equal(t, core.ExecSuccess, d.FinalStatus)
	assert.Equal(t, rails.RailIFT, d.FinalRailUsed, "intra-bank line routes over IFT")
	assert.Regexp(t, `^IFT\d{12}$`, d.FinalUTR)

	a, err := env.store.GetARLResult(ctx, "B-100", "L-1")
	require.NoError(t, err)
	assert.Equal(t, core.ARLReconciled, a.State)

	r, err := env.store.GetCRRAKReport(ctx, "B-100", "L-1")
	require.NoError(t, err)
	assert.Equal(t, core.Compliant, r.ComplianceStatus)
	assert.Equal(t, 100.0, r.ComplianceScore)

	entries, err := env.store.ListLedgerEntries(ctx, core.LedgerReference("B-100", "L-1"))
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	ws, err := env.orch.GetWorkflowStatus(wfID)
	require.NoError(t, err)
	assert.Equal(t, "COMPLETED", ws.Status)
	assert.Equal(t, string(StateCompleted), ws.LineStates["L-1"])

	ok, n, err := env.audit.Verify(ctx, "B-100")
	require.NoError(t, err)
	assert.True(t, ok, "audit chain must verify")
	assert.Greater(t, n, 5)

	evts, err := env.store.ListAudit(ctx, "B-100")
	require.NoError(t, err)
	var bankOutcomes int
	for _, e := range evts {
		if e.Action == "bank_outcome" {
			bankOutcomes++
			assert.Equal(t, core.ActorBank, e.Actor)
		}
	}
	assert.Equal(t, 1, bankOutcomes, "a single successful attempt leaves one bank outcome")
}

func TestStartBatch_DuplicateBatchIsIdempotent(t *testing.T) {
	env := newTestEnv(t, allowAllPolicy())
	ctx := context.Background()

	first, started, err := env.orch.StartBatch(ctx, testBatch("B-200"),
		[]*core.Line{testLine("B-200", "L-1", 5_000, "HDFC0004321")})
	require.NoError(t, err)
	require.True(t, started)
	env.orch.Wait(first)

	second, started, err := env.orch.StartBatch(ctx, testBatch("B-200"),
		[]*core.Line{testLine("B-200", "L-1", 5_000, "HDFC0004321")})
	require.NoError(t, err)
	assert.False(t, started, "a replay must not start a second run")
	assert.Equal(t, first, second, "resubmitting a batch returns the original workflow")

	evts, err := env.store.ListAudit(ctx, "B-200")
	require.NoError(t, err)
	var dups int
	for _, e := range evts {
		if e.Action == "duplicate_batch" {
			dups++
			assert.Equal(t, first, e.Detail["workflow_id"])
		}
	}
	assert.Equal(t, 1, dups, "the replay leaves a duplicate_batch audit entry")
}

func TestStartBatch_ACCFailEndsInFailedWithRCA(t *testing.T) {
	env := newTestEnv(t, denyPolicy(`"SANCTION"`))
	ctx := context.Background()

	wfID, _, err := env.orch.StartBatch(ctx, testBatch("B-300"),
		[]*core.Line{testLine("B-300", "L-1", 50_000, "ICIC0004321")})
	require.NoError(t, err)
	env.orch.Wait(wfID)

	got, err := env.store.GetLine(ctx, "B-300", "L-1")
	require.NoError(t, err)
	assert.Equal(t, core.LineFailed, got.Status)

	rcaRes, err := env.store.GetRCAResult(ctx, "B-300", "L-1")
	require.NoError(t, err)
	assert.Equal(t, "SANCTIONED", rcaRes.RootCause.IssueCode)
	assert.Equal(t, core.SourceACCCompliance, rcaRes.RootCause.Source)

	report, err := env.store.GetCRRAKReport(ctx, "B-300", "L-1")
	require.NoError(t, err)
	assert.Equal(t, core.NonCompliant, report.ComplianceStatus)
	assert.InDelta(t, 20.0, report.ComplianceScore, 0.001, "100 - 30 ACC fail - 50 sanction")
}

func TestStartBatch_ValidationFailure(t *testing.T) {
	env := newTestEnv(t, allowAllPolicy())
	ctx := context.Background()

	bad := testLine("B-400", "L-1", 5_000, "HDFC0004321")
	bad.Amount = decimal.Zero
	wfID, _, err := env.orch.StartBatch(ctx, testBatch("B-400"), []*core.Line{bad})
	require.NoError(t, err)
	env.orch.Wait(wfID)

	got, err := env.store.GetLine(ctx, "B-400", "L-1")
	require.NoError(t, err)
	assert.Equal(t, core.LineFailed, got.Status)

	ws, err := env.orch.GetWorkflowStatus(wfID)
	require.NoError(t, err)
	assert.NotEmpty(t, ws.Errors)
}

func signOverride(t *testing.T, secret, operator, lineID string) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, &OverrideClaims{
		Operator: operator,
		LineID:   lineID,
		Reason:   "verified with beneficiary bank",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func TestOverride_ReleasesHeldLine(t *testing.T) {
	env := newTestEnv(t, denyPolicy(`"KYC_INCOMPLETE"`))
	ctx := context.Background()

	wfID, _, err := env.orch.StartBatch(ctx, testBatch("B-500"),
		[]*core.Line{testLine("B-500", "L-1", 5_000, "HDFC0004321")})
	require.NoError(t, err)
	env.orch.Wait(wfID)

	got, err := env.store.GetLine(ctx, "B-500", "L-1")
	require.NoError(t, err)
	require.Equal(t, core.LineHold, got.Status, "non-critical violation holds the line")

	token := signOverride(t, "dev-override-secret", "ops-anand", "L-1")
	require.NoError(t, env.orch.ApplyOverride(ctx, wfID, "L-1", token))
	env.orch.Wait(wfID)

	got, err = env.store.GetLine(ctx, "B-500", "L-1")
	require.NoError(t, err)
	assert.Equal(t, core.LineCompleted, got.Status)

	d, err := env.store.GetPDRDecision(ctx, "B-500", "L-1")
	require.NoError(t, err)
	assert.Equal(t, core.ExecSuccess, d.FinalStatus)

	evts, err := env.store.ListAudit(ctx, "B-500")
	require.NoError(t, err)
	var sawOverride bool
	for _, e := range evts {
		if e.Action == "operator_override" {
			sawOverride = true
			assert.Equal(t, "ops-anand", e.Detail["operator"])
		}
	}
	assert.True(t, sawOverride, "override must leave an audit entry")
}

func TestOverride_RejectsBadToken(t *testing.T) {
	env := newTestEnv(t, denyPolicy(`"KYC_INCOMPLETE"`))
	ctx := context.Background()

	wfID, _, err := env.orch.StartBatch(ctx, testBatch("B-510"),
		[]*core.Line{testLine("B-510", "L-1", 5_000, "HDFC0004321")})
	require.NoError(t, err)
	env.orch.Wait(wfID)

	err = env.orch.ApplyOverride(ctx, wfID, "L-1", signOverride(t, "wrong-secret", "ops-anand", "L-1"))
	require.Error(t, err)
	assert.Equal(t, "INVALID_OVERRIDE_TOKEN", core.AsFailure(err).Code)

	err = env.orch.ApplyOverride(ctx, wfID, "L-1", signOverride(t, "dev-override-secret", "ops-anand", "L-9"))
	require.Error(t, err)
	assert.Equal(t, "LINE_MISMATCH", core.AsFailure(err).Code)

	got, err := env.store.GetLine(ctx, "B-510", "L-1")
	require.NoError(t, err)
	assert.Equal(t, core.LineHold, got.Status, "rejected overrides leave the line held")
}

func TestOverride_RequiresHold(t *testing.T) {
	env := newTestEnv(t, allowAllPolicy())
	ctx := context.Background()

	wfID, _, err := env.orch.StartBatch(ctx, testBatch("B-520"),
		[]*core.Line{testLine("B-520", "L-1", 5_000, "HDFC0004321")})
	require.NoError(t, err)
	env.orch.Wait(wfID)

	err = env.orch.ApplyOverride(ctx, wfID, "L-1",
		signOverride(t, "dev-override-secret", "ops-anand", "L-1"))
	require.Error(t, err)
	assert.Equal(t, "NOT_ON_HOLD", core.AsFailure(err).Code)
}

func TestOverride_DuplicateIsNoOp(t *testing.T) {
	env := newTestEnv(t, denyPolicy(`"KYC_INCOMPLETE"`))
	ctx := context.Background()

	wfID, _, err := env.orch.StartBatch(ctx, testBatch("B-530"),
		[]*core.Line{testLine("B-530", "L-1", 5_000, "HDFC0004321")})
	require.NoError(t, err)
	env.orch.Wait(wfID)

	token := signOverride(t, "dev-override-secret", "ops-anand", "L-1")
	require.NoError(t, env.orch.ApplyOverride(ctx, wfID, "L-1", token))
	env.orch.Wait(wfID)

	got, err := env.store.GetLine(ctx, "B-530", "L-1")
	require.NoError(t, err)
	require.Equal(t, core.LineCompleted, got.Status)

	// Replaying the override on the released line is a no-op, not an
	// error, and it leaves its own trace.
	require.NoError(t, env.orch.ApplyOverride(ctx, wfID, "L-1", token))
	env.orch.Wait(wfID)

	got, err = env.store.GetLine(ctx, "B-530", "L-1")
	require.NoError(t, err)
	assert.Equal(t, core.LineCompleted, got.Status, "replay must not move the line")

	evts, err := env.store.ListAudit(ctx, "B-530")
	require.NoError(t, err)
	var overrides, dups int
	for _, e := range evts {
		switch e.Action {
		case "operator_override":
			overrides++
		case "duplicate_override":
			dups++
			assert.Equal(t, "ops-anand", e.Detail["operator"])
		}
	}
	assert.Equal(t, 1, overrides, "only the first override executes")
	assert.Equal(t, 1, dups, "the replay leaves a duplicate_override audit entry")
}

func TestStartBatch_BatchParallelismBound(t *testing.T) {
	cfg := config.Default()
	cfg.Scheduling.BatchParallelism = 1
	env := newTestEnvWithConfig(t, allowAllPolicy(), cfg)
	ctx := context.Background()

	// With admission capped at one batch, all three must still drain.
	var wfIDs []string
	for _, batchID := range []string{"B-810", "B-820", "B-830"} {
		wfID, started, err := env.orch.StartBatch(ctx, testBatch(batchID),
			[]*core.Line{testLine(batchID, "L-1", 5_000, "HDFC0004321")})
		require.NoError(t, err)
		require.True(t, started)
		wfIDs = append(wfIDs, wfID)
	}
	for _, wfID := range wfIDs {
		env.orch.Wait(wfID)
		ws, err := env.orch.GetWorkflowStatus(wfID)
		require.NoError(t, err)
		assert.Equal(t, "COMPLETED", ws.Status)
	}
}

func TestHandleEvent_IdempotentOnSeq(t *testing.T) {
	env := newTestEnv(t, allowAllPolicy())
	ctx := context.Background()

	wfID, _, err := env.orch.StartBatch(ctx, testBatch("B-600"),
		[]*core.Line{testLine("B-600", "L-1", 5_000, "HDFC0004321")})
	require.NoError(t, err)
	env.orch.Wait(wfID)

	evt := ExternalEvent{WorkflowID: wfID, EventType: "bank.callback", LineID: "L-1", Seq: 1, Actor: "bank"}
	require.NoError(t, env.orch.HandleEvent(ctx, evt))
	require.NoError(t, env.orch.HandleEvent(ctx, evt))

	evts, err := env.store.ListAudit(ctx, "B-600")
	require.NoError(t, err)
	var external, dup int
	for _, e := range evts {
		switch e.Action {
		case "external_event":
			external++
		case "duplicate_event":
			dup++
		}
	}
	assert.Equal(t, 1, external)
	assert.Equal(t, 1, dup, "duplicate delivery is a no-op with an audit trace")
}

func TestCancelBatch(t *testing.T) {
	env := newTestEnv(t, allowAllPolicy())
	ctx := context.Background()

	wfID, _, err := env.orch.StartBatch(ctx, testBatch("B-700"),
		[]*core.Line{testLine("B-700", "L-1", 5_000, "HDFC0004321")})
	require.NoError(t, err)
	require.NoError(t, env.orch.CancelBatch(ctx, wfID))
	env.orch.Wait(wfID)

	ws, err := env.orch.GetWorkflowStatus(wfID)
	require.NoError(t, err)
	assert.Equal(t, "CANCELLED", ws.Status)
}

func TestAgentStatus_ReportsAllAgents(t *testing.T) {
	env := newTestEnv(t, allowAllPolicy())

	all := env.orch.ListAgents()
	assert.Len(t, all, 6)

	s, err := env.orch.GetAgentStatus(AgentIntent)
	require.NoError(t, err)
	assert.Equal(t, AgentIdle, s.State)

	_, err = env.orch.GetAgentStatus("nope")
	require.Error(t, err)
}
