package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/settleline/payflow/internal/core"
)

// MemoryStore is the in-process Store used for tests and single-node
// deployments. All maps are keyed by the records' natural keys, so
// repeated upserts are idempotent by construction.
type MemoryStore struct {
	mu sync.RWMutex

	batches  map[string]*core.Batch
	lines    map[string]*core.Line // batch:line
	byTxnID  map[string]string     // transaction_id -> batch:line
	intents  map[string]*core.IntentResult
	accs     map[string]*core.ACCDecision
	accPrior map[string][]*core.ACCDecision
	pdrs     map[string]*core.PDRDecision
	arls     map[string]*core.ARLResult
	rcas     map[string]*core.RCAResult
	crraks   map[string]*core.CRRAKReport
	ledger   map[string]*core.LedgerEntry // entry_id
	byRef    map[string][]string          // reference -> entry ids
	perf     []*core.RailPerformance
	audit    map[string][]*core.AuditEvent // batch_id
	rejected map[string][]*core.RejectedRecord
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		batches:  make(map[string]*core.Batch),
		lines:    make(map[string]*core.Line),
		byTxnID:  make(map[string]string),
		intents:  make(map[string]*core.IntentResult),
		accs:     make(map[string]*core.ACCDecision),
		accPrior: make(map[string][]*core.ACCDecision),
		pdrs:     make(map[string]*core.PDRDecision),
		arls:     make(map[string]*core.ARLResult),
		rcas:     make(map[string]*core.RCAResult),
		crraks:   make(map[string]*core.CRRAKReport),
		ledger:   make(map[string]*core.LedgerEntry),
		byRef:    make(map[string][]string),
		audit:    make(map[string][]*core.AuditEvent),
		rejected: make(map[string][]*core.RejectedRecord),
	}
}

func lineKey(batchID, lineID string) string { return batchID + ":" + lineID }

func (m *MemoryStore) PutBatch(_ context.Context, b *core.Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.batches[b.BatchID]; exists {
		return nil // immutable after creation
	}
	cp := *b
	m.batches[b.BatchID] = &cp
	return nil
}

func (m *MemoryStore) GetBatch(_ context.Context, batchID string) (*core.Batch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.batches[batchID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (m *MemoryStore) PutLine(_ context.Context, l *core.Line) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *l
	key := lineKey(l.BatchID, l.LineID)
	m.lines[key] = &cp
	if l.TransactionID != "" {
		m.byTxnID[l.TransactionID] = key
	}
	return nil
}

func (m *MemoryStore) GetLine(_ context.Context, batchID, lineID string) (*core.Line, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.lines[lineKey(batchID, lineID)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *l
	return &cp, nil
}

func (m *MemoryStore) ListLines(_ context.Context, batchID string) ([]*core.Line, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*core.Line
	for _, l := range m.lines {
		if l.BatchID == batchID {
			cp := *l
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LineID < out[j].LineID })
	return out, nil
}

func (m *MemoryStore) UpdateLineStatus(_ context.Context, batchID, lineID string, status core.LineStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.lines[lineKey(batchID, lineID)]
	if !ok {
		return ErrNotFound
	}
	l.Status = status
	return nil
}

func (m *MemoryStore) FindLineByTransactionID(_ context.Context, transactionID string) (*core.Line, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	key, ok := m.byTxnID[transactionID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m.lines[key]
	return &cp, nil
}

func (m *MemoryStore) PutIntent(_ context.Context, r *core.IntentResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.intents[lineKey(r.BatchID, r.LineID)] = &cp
	return nil
}

func (m *MemoryStore) GetIntent(_ context.Context, batchID, lineID string) (*core.IntentResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.intents[lineKey(batchID, lineID)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) PutACCDecision(_ context.Context, d *core.ACCDecision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := lineKey(d.BatchID, d.LineID)
	if prev, ok := m.accs[key]; ok && prev.IssuedAt != d.IssuedAt {
		m.accPrior[key] = append(m.accPrior[key], prev)
	}
	cp := *d
	m.accs[key] = &cp
	return nil
}

func (m *MemoryStore) GetACCDecision(_ context.Context, batchID, lineID string) (*core.ACCDecision, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.accs[lineKey(batchID, lineID)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *MemoryStore) PutPDRDecision(_ context.Context, d *core.PDRDecision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *d
	m.pdrs[lineKey(d.BatchID, d.LineID)] = &cp
	return nil
}

func (m *MemoryStore) GetPDRDecision(_ context.Context, batchID, lineID string) (*core.PDRDecision, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.pdrs[lineKey(batchID, lineID)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *MemoryStore) PutARLResult(_ context.Context, r *core.ARLResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.arls[lineKey(r.BatchID, r.LineID)] = &cp
	return nil
}

func (m *MemoryStore) GetARLResult(_ context.Context, batchID, lineID string) (*core.ARLResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.arls[lineKey(batchID, lineID)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) PutRCAResult(_ context.Context, r *core.RCAResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.rcas[lineKey(r.BatchID, r.LineID)] = &cp
	return nil
}

func (m *MemoryStore) GetRCAResult(_ context.Context, batchID, lineID string) (*core.RCAResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rcas[lineKey(batchID, lineID)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) PutCRRAKReport(_ context.Context, r *core.CRRAKReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.crraks[lineKey(r.BatchID, r.LineID)] = &cp
	return nil
}

func (m *MemoryStore) GetCRRAKReport(_ context.Context, batchID, lineID string) (*core.CRRAKReport, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.crraks[lineKey(batchID, lineID)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) PutLedgerEntry(_ context.Context, e *core.LedgerEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.ledger[e.EntryID]; !exists {
		m.byRef[e.Reference] = append(m.byRef[e.Reference], e.EntryID)
	}
	cp := *e
	m.ledger[e.EntryID] = &cp
	return nil
}

func (m *MemoryStore) ListLedgerEntries(_ context.Context, reference string) ([]*core.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*core.LedgerEntry
	for _, id := range m.byRef[reference] {
		cp := *m.ledger[id]
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntryID < out[j].EntryID })
	return out, nil
}

func (m *MemoryStore) AdvanceLedgerState(_ context.Context, entryID string, state core.LedgerState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.ledger[entryID]
	if !ok {
		return ErrNotFound
	}
	if e.State == state {
		return nil // idempotent replay
	}
	if !e.State.CanAdvanceTo(state) {
		return fmt.Errorf("ledger entry %s: backward transition %s -> %s", entryID, e.State, state)
	}
	e.State = state
	return nil
}

func (m *MemoryStore) AppendRailPerformance(_ context.Context, p *core.RailPerformance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.perf = append(m.perf, &cp)
	return nil
}

func (m *MemoryStore) ListRailPerformance(_ context.Context, railName string, since time.Time) ([]*core.RailPerformance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*core.RailPerformance
	for _, p := range m.perf {
		if (railName == "" || p.RailName == railName) && !p.InitiatedAt.Before(since) {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) AppendAudit(_ context.Context, e *core.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	events := m.audit[e.BatchID]
	// Idempotent on (batch_id, seq).
	for _, existing := range events {
		if existing.Seq == e.Seq {
			return nil
		}
	}
	cp := *e
	m.audit[e.BatchID] = append(events, &cp)
	return nil
}

func (m *MemoryStore) ListAudit(_ context.Context, batchID string) ([]*core.AuditEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	events := m.audit[batchID]
	out := make([]*core.AuditEvent, len(events))
	for i, e := range events {
		cp := *e
		out[i] = &cp
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (m *MemoryStore) PutRejectedRecord(_ context.Context, r *core.RejectedRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.rejected[r.BatchID] {
		if existing.RowNum == r.RowNum {
			return nil
		}
	}
	cp := *r
	m.rejected[r.BatchID] = append(m.rejected[r.BatchID], &cp)
	return nil
}

func (m *MemoryStore) ListRejectedRecords(_ context.Context, batchID string) ([]*core.RejectedRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	records := m.rejected[batchID]
	out := make([]*core.RejectedRecord, len(records))
	for i, r := range records {
		cp := *r
		out[i] = &cp
	}
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
