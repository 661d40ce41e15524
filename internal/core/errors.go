package core

import (
	"fmt"
	"time"
)

// ErrKind buckets every failure the core can produce. Agents return
// typed outcomes; nothing panics across the dispatch boundary, and the
// HTTP edge maps each kind to a stable status code.
type ErrKind string

const (
	// ErrValidation is malformed input or a missing required field.
	// Surfaced to the caller with per-record detail.
	ErrValidation ErrKind = "VALIDATION"
	// ErrPolicy is an ACC FAIL/HOLD. Recorded and routed to RCA/CRRAK;
	// not a system error.
	ErrPolicy ErrKind = "POLICY"
	// ErrRail is a deterministic bank-style failure, e.g.
	// INSUFFICIENT_FUNDS. Triggers the fallback cascade.
	ErrRail ErrKind = "RAIL"
	// ErrTransport is a network/timeout/5xx failure from an external
	// call. Retried with backoff; on exhaustion treated like ErrRail.
	ErrTransport ErrKind = "TRANSPORT"
	// ErrInvariant is a reconciliation discrepancy (missing entry,
	// amount mismatch).
	ErrInvariant ErrKind = "INVARIANT"
	// ErrSystem is a bug, panic or unreachable store. The line goes
	// FAILED with an RCA sourced to SYSTEM; the batch continues.
	ErrSystem ErrKind = "SYSTEM"
)

// Failure is a typed, non-panicking error value carried through agent
// results.
type Failure struct {
	Kind    ErrKind `json:"kind"`
	Code    string  `json:"code,omitempty"`
	Message string  `json:"message"`
}

func (f *Failure) Error() string {
	if f.Code != "" {
		return fmt.Sprintf("%s/%s: %s", f.Kind, f.Code, f.Message)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

// NewFailure builds a Failure with a formatted message.
func NewFailure(kind ErrKind, code, format string, args ...interface{}) *Failure {
	return &Failure{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

// AsFailure coerces any error into a Failure, defaulting unknown
// errors to SYSTEM.
func AsFailure(err error) *Failure {
	if err == nil {
		return nil
	}
	if f, ok := err.(*Failure); ok {
		return f
	}
	return &Failure{Kind: ErrSystem, Message: err.Error()}
}

// ErrorEnvelope is the HTTP edge's stable error shape.
type ErrorEnvelope struct {
	Error      string    `json:"error"`
	StatusCode int       `json:"status_code"`
	TS         time.Time `json:"ts"`
}
