package store

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/settleline/payflow/internal/core"
)

func TestBatchImmutableAfterCreation(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, m.PutBatch(ctx, &core.Batch{BatchID: "B-01", TenantID: "t1", LineCount: 2}))
	require.NoError(t, m.PutBatch(ctx, &core.Batch{BatchID: "B-01", TenantID: "t2", LineCount: 99}))

	b, err := m.GetBatch(ctx, "B-01")
	require.NoError(t, err)
	assert.Equal(t, "t1", b.TenantID, "second put must not overwrite")
	assert.Equal(t, 2, b.LineCount)
}

func TestLineRoundTripAndTransactionIndex(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	line := &core.Line{
		BatchID: "B-01", LineID: "L-1", TransactionID: "TXN-9",
		Amount: decimal.NewFromInt(100), Status: core.LinePending,
	}
	require.NoError(t, m.PutLine(ctx, line))

	got, err := m.FindLineByTransactionID(ctx, "TXN-9")
	require.NoError(t, err)
	assert.Equal(t, "L-1", got.LineID)

	_, err = m.FindLineByTransactionID(ctx, "TXN-404")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, m.UpdateLineStatus(ctx, "B-01", "L-1", core.LineCompleted))
	got, err = m.GetLine(ctx, "B-01", "L-1")
	require.NoError(t, err)
	assert.Equal(t, core.LineCompleted, got.Status)

	// Reads are copies; mutating a result must not leak back.
	got.Status = core.LineFailed
	again, err := m.GetLine(ctx, "B-01", "L-1")
	require.NoError(t, err)
	assert.Equal(t, core.LineCompleted, again.Status)
}

func TestLedgerStateAdvancesForwardOnly(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	e := &core.LedgerEntry{
		EntryID: "E-1", Reference: "B-01:L-1",
		Amount: decimal.NewFromInt(100), State: core.LedgerPosted,
	}
	require.NoError(t, m.PutLedgerEntry(ctx, e))

	require.NoError(t, m.AdvanceLedgerState(ctx, "E-1", core.LedgerReconciled))
	// Replay of the same advance is a no-op.
	require.NoError(t, m.AdvanceLedgerState(ctx, "E-1", core.LedgerReconciled))
	// Backward transition is rejected.
	require.Error(t, m.AdvanceLedgerState(ctx, "E-1", core.LedgerPosted))

	entries, err := m.ListLedgerEntries(ctx, "B-01:L-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, core.LedgerReconciled, entries[0].State)
}

func TestAppendAuditIdempotentOnSeq(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	e := &core.AuditEvent{Seq: 1, BatchID: "B-01", Action: "first"}
	require.NoError(t, m.AppendAudit(ctx, e))
	dup := &core.AuditEvent{Seq: 1, BatchID: "B-01", Action: "replay"}
	require.NoError(t, m.AppendAudit(ctx, dup))

	events, err := m.ListAudit(ctx, "B-01")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "first", events[0].Action)
}

func TestRailPerformanceWindowFilter(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2026, 3, 2, 11, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		require.NoError(t, m.AppendRailPerformance(ctx, &core.RailPerformance{
			RailName: "UPI", Success: true,
			InitiatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}
	require.NoError(t, m.AppendRailPerformance(ctx, &core.RailPerformance{
		RailName: "IMPS", Success: false, InitiatedAt: base,
	}))

	recent, err := m.ListRailPerformance(ctx, "UPI", base.Add(time.Minute))
	require.NoError(t, err)
	assert.Len(t, recent, 2, "since filter is inclusive")

	all, err := m.ListRailPerformance(ctx, "", base)
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestDecisionUpsertReplaces(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, m.PutPDRDecision(ctx, &core.PDRDecision{
		BatchID: "B-01", LineID: "L-1", PrimaryRail: "UPI",
	}))
	require.NoError(t, m.PutPDRDecision(ctx, &core.PDRDecision{
		BatchID: "B-01", LineID: "L-1", PrimaryRail: "NEFT",
	}))

	d, err := m.GetPDRDecision(ctx, "B-01", "L-1")
	require.NoError(t, err)
	assert.Equal(t, "NEFT", d.PrimaryRail)
}

func TestObjectStoreRoundTrip(t *testing.T) {
	m := NewMemoryObjectStore()
	ctx := context.Background()

	key := ProcessedKey("t1", "B-01", "L-1", PhaseIntent)
	require.NoError(t, m.Put(ctx, key, []byte(`{"ok":true}`)))

	data, err := m.Get(ctx, key)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(data))

	keys, err := m.List(ctx, "invoices/processed/t1/B-01/")
	require.NoError(t, err)
	assert.Contains(t, keys, key)

	_, err = m.Get(ctx, "missing")
	require.Error(t, err)
}
