package store

import (
	"context"
	"errors"
	"time"

	"github.com/settleline/payflow/internal/core"
)

// ErrNotFound is returned by typed reads for absent records.
var ErrNotFound = errors.New("record not found")

// Store is the relational persistence surface. Every write is
// idempotent on the record's natural key; re-upserting an identical
// record is a no-op.
type Store interface {
	// Batches / lines. Batches are immutable after creation.
	PutBatch(ctx context.Context, b *core.Batch) error
	GetBatch(ctx context.Context, batchID string) (*core.Batch, error)
	PutLine(ctx context.Context, l *core.Line) error
	GetLine(ctx context.Context, batchID, lineID string) (*core.Line, error)
	ListLines(ctx context.Context, batchID string) ([]*core.Line, error)
	UpdateLineStatus(ctx context.Context, batchID, lineID string, status core.LineStatus) error
	FindLineByTransactionID(ctx context.Context, transactionID string) (*core.Line, error)

	// Agent decisions. Puts replace the current decision; priors are
	// retained for audit.
	PutIntent(ctx context.Context, r *core.IntentResult) error
	GetIntent(ctx context.Context, batchID, lineID string) (*core.IntentResult, error)
	PutACCDecision(ctx context.Context, d *core.ACCDecision) error
	GetACCDecision(ctx context.Context, batchID, lineID string) (*core.ACCDecision, error)
	PutPDRDecision(ctx context.Context, d *core.PDRDecision) error
	GetPDRDecision(ctx context.Context, batchID, lineID string) (*core.PDRDecision, error)
	PutARLResult(ctx context.Context, r *core.ARLResult) error
	GetARLResult(ctx context.Context, batchID, lineID string) (*core.ARLResult, error)
	PutRCAResult(ctx context.Context, r *core.RCAResult) error
	GetRCAResult(ctx context.Context, batchID, lineID string) (*core.RCAResult, error)
	PutCRRAKReport(ctx context.Context, r *core.CRRAKReport) error
	GetCRRAKReport(ctx context.Context, batchID, lineID string) (*core.CRRAKReport, error)

	// Ledger. State advances are forward-only.
	PutLedgerEntry(ctx context.Context, e *core.LedgerEntry) error
	ListLedgerEntries(ctx context.Context, reference string) ([]*core.LedgerEntry, error)
	AdvanceLedgerState(ctx context.Context, entryID string, state core.LedgerState) error

	// Rail performance, append-only.
	AppendRailPerformance(ctx context.Context, p *core.RailPerformance) error
	ListRailPerformance(ctx context.Context, railName string, since time.Time) ([]*core.RailPerformance, error)

	// Audit log, append-only, gap-free seq per batch.
	AppendAudit(ctx context.Context, e *core.AuditEvent) error
	ListAudit(ctx context.Context, batchID string) ([]*core.AuditEvent, error)

	// Ingestion rejections.
	PutRejectedRecord(ctx context.Context, r *core.RejectedRecord) error
	ListRejectedRecords(ctx context.Context, batchID string) ([]*core.RejectedRecord, error)
}
