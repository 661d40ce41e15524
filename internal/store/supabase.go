package store

import (
	"context"
	"fmt"
	"time"

	supabase "github.com/supabase-community/supabase-go"

	"github.com/settleline/payflow/internal/core"
)

// SupabaseStore is a Store backed by Supabase (postgrest). Every table
// carries the record's natural key columns, so Insert with upsert=true
// is idempotent. Reads select the current row; ACC decision history is
// kept in acc_decisions_history by a database trigger.
type SupabaseStore struct {
	client *supabase.Client
}

// NewSupabaseStore connects to Supabase with a service key.
func NewSupabaseStore(url, key string) (*SupabaseStore, error) {
	if url == "" || key == "" {
		return nil, fmt.Errorf("supabase store: url and service key are required")
	}
	client, err := supabase.NewClient(url, key, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("create supabase client: %w", err)
	}
	return &SupabaseStore{client: client}, nil
}

func (s *SupabaseStore) upsert(table, onConflict string, v interface{}) error {
	_, _, err := s.client.From(table).Insert(v, true, onConflict, "", "").Execute()
	if err != nil {
		return fmt.Errorf("upsert %s: %w", table, err)
	}
	return nil
}

func (s *SupabaseStore) selectLine(table string, batchID, lineID string, out interface{}) error {
	_, err := s.client.From(table).
		Select("*", "", false).
		Eq("batch_id", batchID).
		Eq("line_id", lineID).
		ExecuteTo(out)
	if err != nil {
		return fmt.Errorf("select %s: %w", table, err)
	}
	return nil
}

func firstOrNotFound[T any](rows []T) (*T, error) {
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	return &rows[0], nil
}

func (s *SupabaseStore) PutBatch(_ context.Context, b *core.Batch) error {
	return s.upsert("batches", "batch_id", b)
}

func (s *SupabaseStore) GetBatch(_ context.Context, batchID string) (*core.Batch, error) {
	var rows []core.Batch
	_, err := s.client.From("batches").
		Select("*", "", false).
		Eq("batch_id", batchID).
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("select batches: %w", err)
	}
	return firstOrNotFound(rows)
}

func (s *SupabaseStore) PutLine(_ context.Context, l *core.Line) error {
	return s.upsert("lines", "batch_id,line_id", l)
}

func (s *SupabaseStore) GetLine(_ context.Context, batchID, lineID string) (*core.Line, error) {
	var rows []core.Line
	if err := s.selectLine("lines", batchID, lineID, &rows); err != nil {
		return nil, err
	}
	return firstOrNotFound(rows)
}

func (s *SupabaseStore) ListLines(_ context.Context, batchID string) ([]*core.Line, error) {
	var rows []core.Line
	_, err := s.client.From("lines").
		Select("*", "", false).
		Eq("batch_id", batchID).
		Order("line_id", nil).
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("select lines: %w", err)
	}
	out := make([]*core.Line, len(rows))
	for i := range rows {
		out[i] = &rows[i]
	}
	return out, nil
}

func (s *SupabaseStore) UpdateLineStatus(_ context.Context, batchID, lineID string, status core.LineStatus) error {
	_, _, err := s.client.From("lines").
		Update(map[string]interface{}{"status": status}, "", "").
		Eq("batch_id", batchID).
		Eq("line_id", lineID).
		Execute()
	if err != nil {
		return fmt.Errorf("update line status: %w", err)
	}
	return nil
}

func (s *SupabaseStore) FindLineByTransactionID(_ context.Context, transactionID string) (*core.Line, error) {
	var rows []core.Line
	_, err := s.client.From("lines").
		Select("*", "", false).
		Eq("transaction_id", transactionID).
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("select lines by txn: %w", err)
	}
	return firstOrNotFound(rows)
}

func (s *SupabaseStore) PutIntent(_ context.Context, r *core.IntentResult) error {
	return s.upsert("intent_results", "batch_id,line_id", r)
}

func (s *SupabaseStore) GetIntent(_ context.Context, batchID, lineID string) (*core.IntentResult, error) {
	var rows []core.IntentResult
	if err := s.selectLine("intent_results", batchID, lineID, &rows); err != nil {
		return nil, err
	}
	return firstOrNotFound(rows)
}

func (s *SupabaseStore) PutACCDecision(_ context.Context, d *core.ACCDecision) error {
	return s.upsert("acc_decisions", "batch_id,line_id", d)
}

func (s *SupabaseStore) GetACCDecision(_ context.Context, batchID, lineID string) (*core.ACCDecision, error) {
	var rows []core.ACCDecision
	if err := s.selectLine("acc_decisions", batchID, lineID, &rows); err != nil {
		return nil, err
	}
	return firstOrNotFound(rows)
}

func (s *SupabaseStore) PutPDRDecision(_ context.Context, d *core.PDRDecision) error {
	return s.upsert("pdr_decisions", "batch_id,line_id", d)
}

func (s *SupabaseStore) GetPDRDecision(_ context.Context, batchID, lineID string) (*core.PDRDecision, error) {
	var rows []core.PDRDecision
	if err := s.selectLine("pdr_decisions", batchID, lineID, &rows); err != nil {
		return nil, err
	}
	return firstOrNotFound(rows)
}

func (s *SupabaseStore) PutARLResult(_ context.Context, r *core.ARLResult) error {
	return s.upsert("arl_results", "batch_id,line_id", r)
}

func (s *SupabaseStore) GetARLResult(_ context.Context, batchID, lineID string) (*core.ARLResult, error) {
	var rows []core.ARLResult
	if err := s.selectLine("arl_results", batchID, lineID, &rows); err != nil {
		return nil, err
	}
	return firstOrNotFound(rows)
}

func (s *SupabaseStore) PutRCAResult(_ context.Context, r *core.RCAResult) error {
	return s.upsert("rca_results", "batch_id,line_id", r)
}

func (s *SupabaseStore) GetRCAResult(_ context.Context, batchID, lineID string) (*core.RCAResult, error) {
	var rows []core.RCAResult
	if err := s.selectLine("rca_results", batchID, lineID, &rows); err != nil {
		return nil, err
	}
	return firstOrNotFound(rows)
}

func (s *SupabaseStore) PutCRRAKReport(_ context.Context, r *core.CRRAKReport) error {
	return s.upsert("crrak_reports", "batch_id,line_id", r)
}

func (s *SupabaseStore) GetCRRAKReport(_ context.Context, batchID, lineID string) (*core.CRRAKReport, error) {
	var rows []core.CRRAKReport
	if err := s.selectLine("crrak_reports", batchID, lineID, &rows); err != nil {
		return nil, err
	}
	return firstOrNotFound(rows)
}

func (s *SupabaseStore) PutLedgerEntry(_ context.Context, e *core.LedgerEntry) error {
	return s.upsert("ledger_entries", "entry_id", e)
}

func (s *SupabaseStore) ListLedgerEntries(_ context.Context, reference string) ([]*core.LedgerEntry, error) {
	var rows []core.LedgerEntry
	_, err := s.client.From("ledger_entries").
		Select("*", "", false).
		Eq("reference", reference).
		Order("entry_id", nil).
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("select ledger_entries: %w", err)
	}
	out := make([]*core.LedgerEntry, len(rows))
	for i := range rows {
		out[i] = &rows[i]
	}
	return out, nil
}

func (s *SupabaseStore) AdvanceLedgerState(_ context.Context, entryID string, state core.LedgerState) error {
	var rows []core.LedgerEntry
	_, err := s.client.From("ledger_entries").
		Select("*", "", false).
		Eq("entry_id", entryID).
		ExecuteTo(&rows)
	if err != nil {
		return fmt.Errorf("select ledger entry: %w", err)
	}
	cur, err := firstOrNotFound(rows)
	if err != nil {
		return err
	}
	if cur.State == state {
		return nil
	}
	if !cur.State.CanAdvanceTo(state) {
		return fmt.Errorf("ledger entry %s: backward transition %s -> %s", entryID, cur.State, state)
	}
	_, _, err = s.client.From("ledger_entries").
		Update(map[string]interface{}{"state": state}, "", "").
		Eq("entry_id", entryID).
		Execute()
	if err != nil {
		return fmt.Errorf("advance ledger state: %w", err)
	}
	return nil
}

func (s *SupabaseStore) AppendRailPerformance(_ context.Context, p *core.RailPerformance) error {
	return s.upsert("rail_performance", "rail_name,batch_id,line_id,attempt_no", p)
}

func (s *SupabaseStore) ListRailPerformance(_ context.Context, railName string, since time.Time) ([]*core.RailPerformance, error) {
	q := s.client.From("rail_performance").
		Select("*", "", false).
		Gte("initiated_at", since.Format(time.RFC3339))
	if railName != "" {
		q = q.Eq("rail_name", railName)
	}
	var rows []core.RailPerformance
	if _, err := q.ExecuteTo(&rows); err != nil {
		return nil, fmt.Errorf("select rail_performance: %w", err)
	}
	out := make([]*core.RailPerformance, len(rows))
	for i := range rows {
		out[i] = &rows[i]
	}
	return out, nil
}

func (s *SupabaseStore) AppendAudit(_ context.Context, e *core.AuditEvent) error {
	return s.upsert("audit_log", "batch_id,seq", e)
}

func (s *SupabaseStore) ListAudit(_ context.Context, batchID string) ([]*core.AuditEvent, error) {
	var rows []core.AuditEvent
	_, err := s.client.From("audit_log").
		Select("*", "", false).
		Eq("batch_id", batchID).
		Order("seq", nil).
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("select audit_log: %w", err)
	}
	out := make([]*core.AuditEvent, len(rows))
	for i := range rows {
		out[i] = &rows[i]
	}
	return out, nil
}

func (s *SupabaseStore) PutRejectedRecord(_ context.Context, r *core.RejectedRecord) error {
	return s.upsert("rejected_records", "batch_id,row_num", r)
}

func (s *SupabaseStore) ListRejectedRecords(_ context.Context, batchID string) ([]*core.RejectedRecord, error) {
	var rows []core.RejectedRecord
	_, err := s.client.From("rejected_records").
		Select("*", "", false).
		Eq("batch_id", batchID).
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("select rejected_records: %w", err)
	}
	out := make([]*core.RejectedRecord, len(rows))
	for i := range rows {
		out[i] = &rows[i]
	}
	return out, nil
}

var _ Store = (*SupabaseStore)(nil)
