// Package audit owns the append-only audit log: per-batch gap-free
// sequence numbers, hash-chained records, and the cross-agent evidence
// queries built on top of them.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/settleline/payflow/internal/core"
	"github.com/settleline/payflow/internal/store"
)

const genesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Log appends audit events with a monotonically increasing, gap-free
// sequence per batch. The read-modify-write of the sequence and the
// chain head is serialized behind a per-batch mutex, so the log is
// single-producer per batch by construction.
type Log struct {
	store store.Store
	clock func() time.Time

	mu     sync.Mutex
	chains map[string]*chainHead // batch_id -> head
}

type chainHead struct {
	mu       sync.Mutex
	seq      int64
	lastHash string
}

// NewLog creates an audit log over the given store.
func NewLog(s store.Store) *Log {
	return &Log{store: s, clock: func() time.Time { return time.Now().UTC() }, chains: make(map[string]*chainHead)}
}

// SetClock overrides the timestamp source (tests).
func (l *Log) SetClock(clock func() time.Time) { l.clock = clock }

func (l *Log) head(ctx context.Context, batchID string) (*chainHead, error) {
	l.mu.Lock()
	h, ok := l.chains[batchID]
	if !ok {
		h = &chainHead{lastHash: genesisHash}
		l.chains[batchID] = h
	}
	l.mu.Unlock()

	if ok {
		return h, nil
	}

	// Recover the chain head from durable state after a restart: the
	// last persisted event carries both seq and hash.
	events, err := l.store.ListAudit(ctx, batchID)
	if err != nil {
		return nil, fmt.Errorf("recover audit chain %s: %w", batchID, err)
	}
	h.mu.Lock()
	if len(events) > 0 {
		last := events[len(events)-1]
		h.seq = last.Seq
		h.lastHash = last.Hash
	}
	h.mu.Unlock()
	return h, nil
}

// Append durably writes one audit event, assigning the next sequence
// number and linking the hash chain. The write completes before the
// caller's next state write becomes visible.
func (l *Log) Append(ctx context.Context, batchID, lineID string, actor core.Actor, action string, detail map[string]interface{}) (*core.AuditEvent, error) {
	h, err := l.head(ctx, batchID)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	event := &core.AuditEvent{
		Seq:          h.seq + 1,
		BatchID:      batchID,
		LineID:       lineID,
		Action:       action,
		Actor:        actor,
		Detail:       detail,
		TS:           l.clock(),
		PreviousHash: h.lastHash,
	}
	event.Hash = hashEvent(event)

	if err := l.store.AppendAudit(ctx, event); err != nil {
		return nil, fmt.Errorf("append audit %s seq=%d: %w", batchID, event.Seq, err)
	}

	h.seq = event.Seq
	h.lastHash = event.Hash

	log.WithFields(log.Fields{
		"batch_id": batchID,
		"line_id":  lineID,
		"actor":    actor,
		"action":   action,
		"seq":      event.Seq,
	}).Debug("audit event appended")

	return event, nil
}

// hashEvent computes the SHA-256 over the canonical form of the event
// minus its own hash.
func hashEvent(e *core.AuditEvent) string {
	cp := *e
	cp.Hash = ""
	data, _ := json.Marshal(cp)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Verify walks a batch's audit chain and reports the first broken
// index, or (true, -1) when intact and gap-free.
func (l *Log) Verify(ctx context.Context, batchID string) (bool, int, error) {
	events, err := l.store.ListAudit(ctx, batchID)
	if err != nil {
		return false, 0, err
	}
	prevHash := genesisHash
	for i, e := range events {
		if e.Seq != int64(i+1) {
			return false, i, nil
		}
		if e.PreviousHash != prevHash {
			return false, i, nil
		}
		if e.Hash != hashEvent(e) {
			return false, i, nil
		}
		prevHash = e.Hash
	}
	return true, -1, nil
}
