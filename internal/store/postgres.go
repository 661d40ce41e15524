package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq" // Postgres driver

	"github.com/settleline/payflow/internal/core"
)

// PostgresStore is a Store backed by a plain Postgres database. Each
// logical table holds its natural key columns plus the full record as
// jsonb, and every write is INSERT ... ON CONFLICT DO UPDATE, which
// keeps the idempotency contract without a migration per field.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens the database and verifies connectivity.
func NewPostgresStore(url string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error { return s.db.Close() }

func marshalDoc(v interface{}) ([]byte, error) {
	doc, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal record: %w", err)
	}
	return doc, nil
}

func (s *PostgresStore) upsertLineDoc(ctx context.Context, table, batchID, lineID string, v interface{}) error {
	doc, err := marshalDoc(v)
	if err != nil {
		return err
	}
	q := fmt.Sprintf(`INSERT INTO %s (batch_id, line_id, doc) VALUES ($1, $2, $3)
		ON CONFLICT (batch_id, line_id) DO UPDATE SET doc = EXCLUDED.doc`, table)
	if _, err := s.db.ExecContext(ctx, q, batchID, lineID, doc); err != nil {
		return fmt.Errorf("upsert %s: %w", table, err)
	}
	return nil
}

func (s *PostgresStore) getLineDoc(ctx context.Context, table, batchID, lineID string, out interface{}) error {
	q := fmt.Sprintf(`SELECT doc FROM %s WHERE batch_id = $1 AND line_id = $2`, table)
	var doc []byte
	err := s.db.QueryRowContext(ctx, q, batchID, lineID).Scan(&doc)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("select %s: %w", table, err)
	}
	return json.Unmarshal(doc, out)
}

func (s *PostgresStore) PutBatch(ctx context.Context, b *core.Batch) error {
	doc, err := marshalDoc(b)
	if err != nil {
		return err
	}
	// Batches are immutable: first write wins.
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO batches (batch_id, doc) VALUES ($1, $2) ON CONFLICT (batch_id) DO NOTHING`,
		b.BatchID, doc)
	if err != nil {
		return fmt.Errorf("insert batch: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetBatch(ctx context.Context, batchID string) (*core.Batch, error) {
	var doc []byte
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM batches WHERE batch_id = $1`, batchID).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select batch: %w", err)
	}
	var b core.Batch
	if err := json.Unmarshal(doc, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *PostgresStore) PutLine(ctx context.Context, l *core.Line) error {
	doc, err := marshalDoc(l)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO lines (batch_id, line_id, transaction_id, status, doc) VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (batch_id, line_id) DO UPDATE SET status = EXCLUDED.status, doc = EXCLUDED.doc`,
		l.BatchID, l.LineID, l.TransactionID, l.Status, doc)
	if err != nil {
		return fmt.Errorf("upsert line: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetLine(ctx context.Context, batchID, lineID string) (*core.Line, error) {
	var l core.Line
	if err := s.getLineDoc(ctx, "lines", batchID, lineID, &l); err != nil {
		return nil, err
	}
	return &l, nil
}

func (s *PostgresStore) ListLines(ctx context.Context, batchID string) ([]*core.Line, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT doc FROM lines WHERE batch_id = $1 ORDER BY line_id`, batchID)
	if err != nil {
		return nil, fmt.Errorf("select lines: %w", err)
	}
	defer rows.Close()
	var out []*core.Line
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var l core.Line
		if err := json.Unmarshal(doc, &l); err != nil {
			return nil, err
		}
		out = append(out, &l)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateLineStatus(ctx context.Context, batchID, lineID string, status core.LineStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE lines SET status = $3, doc = jsonb_set(doc, '{status}', to_jsonb($3::text))
		 WHERE batch_id = $1 AND line_id = $2`,
		batchID, lineID, string(status))
	if err != nil {
		return fmt.Errorf("update line status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) FindLineByTransactionID(ctx context.Context, transactionID string) (*core.Line, error) {
	var doc []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT doc FROM lines WHERE transaction_id = $1 LIMIT 1`, transactionID).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select line by txn: %w", err)
	}
	var l core.Line
	if err := json.Unmarshal(doc, &l); err != nil {
		return nil, err
	}
	return &l, nil
}

func (s *PostgresStore) PutIntent(ctx context.Context, r *core.IntentResult) error {
	return s.upsertLineDoc(ctx, "intent_results", r.BatchID, r.LineID, r)
}

func (s *PostgresStore) GetIntent(ctx context.Context, batchID, lineID string) (*core.IntentResult, error) {
	var r core.IntentResult
	if err := s.getLineDoc(ctx, "intent_results", batchID, lineID, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *PostgresStore) PutACCDecision(ctx context.Context, d *core.ACCDecision) error {
	doc, err := marshalDoc(d)
	if err != nil {
		return err
	}
	// Keep every issued decision for audit; the current one is the
	// latest issued_at.
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO acc_decisions (batch_id, line_id, issued_at, doc) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (batch_id, line_id, issued_at) DO UPDATE SET doc = EXCLUDED.doc`,
		d.BatchID, d.LineID, d.IssuedAt, doc)
	if err != nil {
		return fmt.Errorf("upsert acc decision: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetACCDecision(ctx context.Context, batchID, lineID string) (*core.ACCDecision, error) {
	var doc []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT doc FROM acc_decisions WHERE batch_id = $1 AND line_id = $2
		 ORDER BY issued_at DESC LIMIT 1`, batchID, lineID).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select acc decision: %w", err)
	}
	var d core.ACCDecision
	if err := json.Unmarshal(doc, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *PostgresStore) PutPDRDecision(ctx context.Context, d *core.PDRDecision) error {
	return s.upsertLineDoc(ctx, "pdr_decisions", d.BatchID, d.LineID, d)
}

func (s *PostgresStore) GetPDRDecision(ctx context.Context, batchID, lineID string) (*core.PDRDecision, error) {
	var d core.PDRDecision
	if err := s.getLineDoc(ctx, "pdr_decisions", batchID, lineID, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *PostgresStore) PutARLResult(ctx context.Context, r *core.ARLResult) error {
	return s.upsertLineDoc(ctx, "arl_results", r.BatchID, r.LineID, r)
}

func (s *PostgresStore) GetARLResult(ctx context.Context, batchID, lineID string) (*core.ARLResult, error) {
	var r core.ARLResult
	if err := s.getLineDoc(ctx, "arl_results", batchID, lineID, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *PostgresStore) PutRCAResult(ctx context.Context, r *core.RCAResult) error {
	return s.upsertLineDoc(ctx, "rca_results", r.BatchID, r.LineID, r)
}

func (s *PostgresStore) GetRCAResult(ctx context.Context, batchID, lineID string) (*core.RCAResult, error) {
	var r core.RCAResult
	if err := s.getLineDoc(ctx, "rca_results", batchID, lineID, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *PostgresStore) PutCRRAKReport(ctx context.Context, r *core.CRRAKReport) error {
	return s.upsertLineDoc(ctx, "crrak_reports", r.BatchID, r.LineID, r)
}

func (s *PostgresStore) GetCRRAKReport(ctx context.Context, batchID, lineID string) (*core.CRRAKReport, error) {
	var r core.CRRAKReport
	if err := s.getLineDoc(ctx, "crrak_reports", batchID, lineID, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *PostgresStore) PutLedgerEntry(ctx context.Context, e *core.LedgerEntry) error {
	doc, err := marshalDoc(e)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO ledger_entries (entry_id, reference, state, doc) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (entry_id) DO UPDATE SET state = EXCLUDED.state, doc = EXCLUDED.doc`,
		e.EntryID, e.Reference, e.State, doc)
	if err != nil {
		return fmt.Errorf("upsert ledger entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListLedgerEntries(ctx context.Context, reference string) ([]*core.LedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT doc FROM ledger_entries WHERE reference = $1 ORDER BY entry_id`, reference)
	if err != nil {
		return nil, fmt.Errorf("select ledger entries: %w", err)
	}
	defer rows.Close()
	var out []*core.LedgerEntry
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var e core.LedgerEntry
		if err := json.Unmarshal(doc, &e); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) AdvanceLedgerState(ctx context.Context, entryID string, state core.LedgerState) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var cur string
	err = tx.QueryRowContext(ctx,
		`SELECT state FROM ledger_entries WHERE entry_id = $1 FOR UPDATE`, entryID).Scan(&cur)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("lock ledger entry: %w", err)
	}
	current := core.LedgerState(cur)
	if current == state {
		return tx.Commit()
	}
	if !current.CanAdvanceTo(state) {
		return fmt.Errorf("ledger entry %s: backward transition %s -> %s", entryID, current, state)
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE ledger_entries SET state = $2, doc = jsonb_set(doc, '{state}', to_jsonb($2::text))
		 WHERE entry_id = $1`, entryID, string(state))
	if err != nil {
		return fmt.Errorf("advance ledger state: %w", err)
	}
	return tx.Commit()
}

func (s *PostgresStore) AppendRailPerformance(ctx context.Context, p *core.RailPerformance) error {
	doc, err := marshalDoc(p)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO rail_performance (rail_name, batch_id, line_id, attempt_no, initiated_at, doc)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (rail_name, batch_id, line_id, attempt_no) DO NOTHING`,
		p.RailName, p.BatchID, p.LineID, p.AttemptNo, p.InitiatedAt, doc)
	if err != nil {
		return fmt.Errorf("append rail performance: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListRailPerformance(ctx context.Context, railName string, since time.Time) ([]*core.RailPerformance, error) {
	q := `SELECT doc FROM rail_performance WHERE initiated_at >= $1`
	args := []interface{}{since}
	if railName != "" {
		q += ` AND rail_name = $2`
		args = append(args, railName)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("select rail performance: %w", err)
	}
	defer rows.Close()
	var out []*core.RailPerformance
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var p core.RailPerformance
		if err := json.Unmarshal(doc, &p); err != nil {
			return nil, err
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) AppendAudit(ctx context.Context, e *core.AuditEvent) error {
	doc, err := marshalDoc(e)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO audit_log (batch_id, seq, doc) VALUES ($1, $2, $3)
		 ON CONFLICT (batch_id, seq) DO NOTHING`,
		e.BatchID, e.Seq, doc)
	if err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAudit(ctx context.Context, batchID string) ([]*core.AuditEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT doc FROM audit_log WHERE batch_id = $1 ORDER BY seq`, batchID)
	if err != nil {
		return nil, fmt.Errorf("select audit: %w", err)
	}
	defer rows.Close()
	var out []*core.AuditEvent
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var e core.AuditEvent
		if err := json.Unmarshal(doc, &e); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) PutRejectedRecord(ctx context.Context, r *core.RejectedRecord) error {
	doc, err := marshalDoc(r)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO rejected_records (batch_id, row_num, doc) VALUES ($1, $2, $3)
		 ON CONFLICT (batch_id, row_num) DO NOTHING`,
		r.BatchID, r.RowNum, doc)
	if err != nil {
		return fmt.Errorf("put rejected record: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListRejectedRecords(ctx context.Context, batchID string) ([]*core.RejectedRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT doc FROM rejected_records WHERE batch_id = $1 ORDER BY row_num`, batchID)
	if err != nil {
		return nil, fmt.Errorf("select rejected records: %w", err)
	}
	defer rows.Close()
	var out []*core.RejectedRecord
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var r core.RejectedRecord
		if err := json.Unmarshal(doc, &r); err != nil {
			return nil, err
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

var _ Store = (*PostgresStore)(nil)
