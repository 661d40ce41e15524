// Package core defines the shared data model for the payment
// orchestration platform: batches, lines, agent decisions, ledger
// entries and the audit trail that ties them together.
package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// BatchSource identifies where a batch entered the system.
type BatchSource string

const (
	SourceFrontend BatchSource = "FRONTEND"
	SourceBankAPI  BatchSource = "BANK_API"
	SourceCLI      BatchSource = "CLI"
)

// Batch is a set of payment lines submitted together. Immutable after
// ingestion.
type Batch struct {
	BatchID       string      `json:"batch_id"`
	TenantID      string      `json:"tenant_id"`
	Source        BatchSource `json:"source"`
	UploadTS      time.Time   `json:"upload_ts"`
	PolicyVersion string      `json:"policy_version"`
	LineCount     int         `json:"line_count"`
}

// PaymentType is the declared business purpose of a line.
type PaymentType string

const (
	PaymentPayroll          PaymentType = "PAYROLL"
	PaymentVendor           PaymentType = "VENDOR_PAYMENT"
	PaymentLoanDisbursement PaymentType = "LOAN_DISBURSEMENT"
	PaymentUtility          PaymentType = "UTILITY"
	PaymentTax              PaymentType = "TAX"
	PaymentRefund           PaymentType = "REFUND"
	PaymentTransfer         PaymentType = "TRANSFER"
	PaymentUnknown          PaymentType = "UNKNOWN"
)

// Party is one side of a payment instruction.
type Party struct {
	Name    string `json:"name"`
	Account string `json:"account"`
	IFSC    string `json:"ifsc"`
	Bank    string `json:"bank"`
}

// BankPrefix returns the 4-letter bank code of the IFSC, used for
// intra-bank eligibility.
func (p Party) BankPrefix() string {
	if len(p.IFSC) < 4 {
		return p.IFSC
	}
	return p.IFSC[:4]
}

// Line is a single payment instruction within a batch.
//
// Extensions preserves upstream fields the typed contract does not
// know about (optional KYC identifiers, bank-specific metadata) so the
// audit trail never loses them.
type Line struct {
	BatchID       string                 `json:"batch_id"`
	LineID        string                 `json:"line_id"`
	TransactionID string                 `json:"transaction_id"`
	PaymentType   PaymentType            `json:"payment_type"`
	Amount        decimal.Decimal        `json:"amount"`
	Currency      string                 `json:"currency"`
	PurposeCode   string                 `json:"purpose_code"`
	Remarks       string                 `json:"remarks,omitempty"`
	Sender        Party                  `json:"sender"`
	Receiver      Party                  `json:"receiver"`
	ScheduleTS    time.Time              `json:"schedule_ts"`
	Status        LineStatus             `json:"status"`
	Extensions    map[string]interface{} `json:"extensions,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
}

// LineStatus is the externally visible status of a line. Only the
// orchestrator mutates it; every transition is audit-logged.
type LineStatus string

const (
	LinePending    LineStatus = "PENDING"
	LineProcessing LineStatus = "PROCESSING"
	LineCompleted  LineStatus = "COMPLETED"
	LineFailed     LineStatus = "FAILED"
	LineHold       LineStatus = "HOLD"
)

// IsTerminal reports whether the status admits no further transitions
// (HOLD is terminal until an operator override arrives).
func (s LineStatus) IsTerminal() bool {
	return s == LineCompleted || s == LineFailed || s == LineHold
}

// AmountTolerance is the 2-decimal equality tolerance used everywhere
// two monetary amounts are compared.
var AmountTolerance = decimal.NewFromFloat(0.01)

// AmountsMatch reports whether two amounts are equal within
// AmountTolerance.
func AmountsMatch(a, b decimal.Decimal) bool {
	return a.Sub(b).Abs().Cmp(AmountTolerance) <= 0
}

// Actor identifies which subsystem produced an audit event or record.
type Actor string

const (
	ActorMCP   Actor = "MCP"
	ActorACC   Actor = "ACC"
	ActorPDR   Actor = "PDR"
	ActorARL   Actor = "ARL"
	ActorRCA   Actor = "RCA"
	ActorCRRAK Actor = "CRRAK"
	ActorBank  Actor = "BANK"
)

// AuditEvent is one append-only entry in the per-batch audit log.
// Seq is monotonically increasing and gap-free per batch.
type AuditEvent struct {
	Seq     int64                  `json:"seq"`
	BatchID string                 `json:"batch_id"`
	LineID  string                 `json:"line_id,omitempty"`
	Action  string                 `json:"action"`
	Actor   Actor                  `json:"actor"`
	Detail  map[string]interface{} `json:"detail,omitempty"`
	TS      time.Time              `json:"ts"`

	// Hash chain, one chain per batch.
	Hash         string `json:"hash"`
	PreviousHash string `json:"previous_hash"`
}

// RejectedRecord captures an input row that failed validation during
// ingestion. The batch is still accepted; the rejection is persisted
// alongside it.
type RejectedRecord struct {
	BatchID string    `json:"batch_id"`
	RowNum  int       `json:"row_num"`
	Reason  string    `json:"reason"`
	Raw     string    `json:"raw,omitempty"`
	TS      time.Time `json:"ts"`
}
