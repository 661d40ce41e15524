package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// ============================================================================
// AGENT DECISION RECORDS
// ============================================================================

// MatchKind says how the intent classifier arrived at its answer.
type MatchKind string

const (
	MatchExact MatchKind = "EXACT"
	MatchFuzzy MatchKind = "FUZZY"
	MatchNone  MatchKind = "NONE"
)

// IntentResult is the classifier's verdict for a line.
type IntentResult struct {
	BatchID    string      `json:"batch_id"`
	LineID     string      `json:"line_id"`
	Intent     PaymentType `json:"intent"`
	MatchKind  MatchKind   `json:"match_kind"`
	RiskScore  float64     `json:"risk_score"`  // 0..1
	Confidence float64     `json:"confidence"`  // 0..1
	NewSender  bool        `json:"new_sender"`  // first time this sender account is seen
	IssuedAt   time.Time   `json:"issued_at"`
}

// ACCVerdict is the compliance decision value.
type ACCVerdict string

const (
	ACCPass ACCVerdict = "PASS"
	ACCHold ACCVerdict = "HOLD"
	ACCFail ACCVerdict = "FAIL"
)

// ACCDecision is the compliance adapter's output for a line. At most
// one current decision per line; prior decisions are retained for
// audit.
type ACCDecision struct {
	BatchID           string     `json:"batch_id"`
	LineID            string     `json:"line_id"`
	Decision          ACCVerdict `json:"decision"`
	PolicyVersion     string     `json:"policy_version"`
	Reasons           []string   `json:"reasons"`
	EvidenceRefs      []string   `json:"evidence_refs,omitempty"`
	CompliancePenalty float64    `json:"compliance_penalty"` // 0..100
	RiskScore         float64    `json:"risk_score"`         // 0..100
	SanctionHit       bool       `json:"sanction_hit"`
	KYCVerified       bool       `json:"kyc_verified"`
	IssuedAt          time.Time  `json:"issued_at"`
}

// ExecutionStatus tracks the PDR execution cascade.
type ExecutionStatus string

const (
	ExecPending   ExecutionStatus = "PENDING"
	ExecExecuting ExecutionStatus = "EXECUTING"
	ExecSuccess   ExecutionStatus = "SUCCESS"
	ExecFailed    ExecutionStatus = "FAILED"
)

// ScoredRail pairs a rail with its final weighted score.
type ScoredRail struct {
	Rail  string  `json:"rail"`
	Score float64 `json:"score"`
}

// Contribution is one weighted term of a rail's score, kept for
// explainability.
type Contribution struct {
	Feature string  `json:"feature"`
	Weight  float64 `json:"weight"`
	Value   float64 `json:"value"` // normalized feature value
	Term    float64 `json:"term"`  // weight * value
}

// PDRDecision is the rail-decision engine's output plus the execution
// outcome of the cascade.
type PDRDecision struct {
	BatchID       string       `json:"batch_id"`
	LineID        string       `json:"line_id"`
	PrimaryRail   string       `json:"primary_rail"`
	PrimaryScore  float64      `json:"primary_score"`
	FallbackRails []ScoredRail `json:"fallback_rails"`

	// Explainability snapshot.
	RawFeatures        map[string]map[string]float64 `json:"feature_snapshot"`
	NormalizedFeatures map[string]map[string]float64 `json:"normalized_snapshot"`
	Weights            map[string]float64            `json:"weight_snapshot"`
	TopContributions   []Contribution                `json:"top_contributions"`
	FilteredOut        map[string]string             `json:"filtered_out,omitempty"` // rail -> reason

	// Execution state.
	ExecutionStatus    ExecutionStatus `json:"execution_status"`
	CurrentAttemptRail string          `json:"current_attempt_rail,omitempty"`
	AttemptCount       int             `json:"attempt_count"`
	FinalRailUsed      string          `json:"final_rail_used,omitempty"`
	FinalUTR           string          `json:"final_utr,omitempty"`
	FinalStatus        ExecutionStatus `json:"final_status"`
	Issues             []string        `json:"issues,omitempty"` // error codes observed across attempts

	IssuedAt time.Time `json:"issued_at"`
}

// RailPerformance is one append-only execution attempt record; the
// source for rolling rail statistics.
type RailPerformance struct {
	RailName     string    `json:"rail_name"`
	BatchID      string    `json:"batch_id"`
	LineID       string    `json:"line_id"`
	AttemptNo    int       `json:"attempt_no"`
	ActualETAMs  int64     `json:"actual_eta_ms"`
	Success      bool      `json:"success"`
	ErrorCode    string    `json:"error_code,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	InitiatedAt  time.Time `json:"initiated_at"`
	CompletedAt  time.Time `json:"completed_at"`
}

// ============================================================================
// LEDGER
// ============================================================================

// LedgerSide is DEBIT or CREDIT.
type LedgerSide string

const (
	SideDebit  LedgerSide = "DEBIT"
	SideCredit LedgerSide = "CREDIT"
)

// LedgerState advances monotonically: PENDING → POSTED → RECONCILED.
type LedgerState string

const (
	LedgerPending    LedgerState = "PENDING"
	LedgerPosted     LedgerState = "POSTED"
	LedgerReconciled LedgerState = "RECONCILED"
)

// rank orders ledger states for the monotonic-advance check.
func (s LedgerState) rank() int {
	switch s {
	case LedgerPending:
		return 0
	case LedgerPosted:
		return 1
	case LedgerReconciled:
		return 2
	}
	return -1
}

// CanAdvanceTo reports whether a transition to next is forward-only.
func (s LedgerState) CanAdvanceTo(next LedgerState) bool {
	return next.rank() > s.rank()
}

// LedgerEntry is one side of a posted payment. Reference is
// batch_id+line_id so the DEBIT/CREDIT pair is always matchable.
type LedgerEntry struct {
	EntryID   string          `json:"entry_id"`
	Account   string          `json:"account"`
	Side      LedgerSide      `json:"side"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
	Reference string          `json:"reference"`
	UTR       string          `json:"utr,omitempty"`
	TS        time.Time       `json:"ts"`
	State     LedgerState     `json:"state"`
}

// LedgerReference derives the canonical pair reference for a line.
func LedgerReference(batchID, lineID string) string {
	return batchID + ":" + lineID
}

// ============================================================================
// RECONCILIATION / ROOT CAUSE / AUDIT REPORT
// ============================================================================

// ARLState is the reconciliation verdict.
type ARLState string

const (
	ARLReconciled ARLState = "RECONCILED"
	ARLPartial    ARLState = "PARTIAL"
	ARLFailed     ARLState = "FAILED"
)

// Severity grades a discrepancy or root cause.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Discrepancy is one reconciliation mismatch.
type Discrepancy struct {
	Code     string   `json:"code"` // AMOUNT_MISMATCH, MISSING_ENTRY, TIMESTAMP_MISMATCH
	EntryID  string   `json:"entry_id,omitempty"`
	Severity Severity `json:"severity"`
	Detail   string   `json:"detail"`
}

// ARLResult is the reconciliation outcome for a line.
type ARLResult struct {
	BatchID       string        `json:"batch_id"`
	LineID        string        `json:"line_id"`
	State         ARLState      `json:"state"`
	MatchedCount  int           `json:"matched_count"`
	TotalCount    int           `json:"total_count"`
	Discrepancies []Discrepancy `json:"discrepancies,omitempty"`
	Score         float64       `json:"score"` // 0..100
	IssuedAt      time.Time     `json:"issued_at"`
}

// RootCauseSource says which subsystem a failure originated in.
type RootCauseSource string

const (
	SourcePDRValidation RootCauseSource = "PDR_VALIDATION"
	SourceACCCompliance RootCauseSource = "ACC_COMPLIANCE"
	SourceBankAPIRC     RootCauseSource = "BANK_API"
	SourceSystem        RootCauseSource = "SYSTEM"
)

// RootCause is the synthesized cause of a failure.
type RootCause struct {
	IssueCode      string          `json:"issue_code"`
	Source         RootCauseSource `json:"source"`
	Recommendation string          `json:"recommendation"`
	Severity       Severity        `json:"severity"`
	Confidence     float64         `json:"confidence"` // 0..1
}

// RCAResult is the root-cause analysis record for a failed line.
type RCAResult struct {
	BatchID         string                 `json:"batch_id"`
	LineID          string                 `json:"line_id"`
	RootCause       RootCause              `json:"root_cause"`
	AnalysisDetails map[string]interface{} `json:"analysis_details,omitempty"`
	IssuedAt        time.Time              `json:"issued_at"`
}

// ComplianceStatus is the regulator-facing verdict.
type ComplianceStatus string

const (
	Compliant        ComplianceStatus = "COMPLIANT"
	CompliancePending ComplianceStatus = "PENDING"
	NonCompliant     ComplianceStatus = "NON_COMPLIANT"
)

// RiskAssessment is the CRRAK risk breakdown, all components 0..100.
type RiskAssessment struct {
	Overall      float64 `json:"overall"`
	Transaction  float64 `json:"transaction"`
	Counterparty float64 `json:"counterparty"`
	Operational  float64 `json:"operational"`
}

// TrailEntry is one chronological event in a CRRAK audit trail.
type TrailEntry struct {
	TS     time.Time `json:"ts"`
	Actor  Actor     `json:"actor"`
	Action string    `json:"action"`
	Detail string    `json:"detail,omitempty"`
}

// CRRAKReport is the regulator-ready record for a terminal line.
type CRRAKReport struct {
	BatchID          string           `json:"batch_id"`
	LineID           string           `json:"line_id"`
	ComplianceStatus ComplianceStatus `json:"compliance_status"`
	ComplianceScore  float64          `json:"compliance_score"` // 0..100
	SanctionsClear   bool             `json:"sanctions_clear"`
	KYCVerified      bool             `json:"kyc_verified"`
	Risk             RiskAssessment   `json:"risk"`
	RiskFactors      []string         `json:"risk_factors,omitempty"`
	AuditTrail       []TrailEntry     `json:"audit_trail"`
	Recommendations  []string         `json:"recommendations,omitempty"`
	ReportRef        string           `json:"report_ref"`
	IssuedAt         time.Time        `json:"issued_at"`
}

// ============================================================================
// RAIL CONFIGURATION
// ============================================================================

// RailType groups rails by settlement behavior.
type RailType string

const (
	RailInstant   RailType = "INSTANT"
	RailRealtime  RailType = "REALTIME"
	RailBatch     RailType = "BATCH"
	RailIntrabank RailType = "INTRABANK"
)

// WorkingHours is a daily window with an explicit weekday set.
// Overnight windows (Start > End) wrap past midnight.
type WorkingHours struct {
	Start    string         `json:"start" yaml:"start"` // "09:00"
	End      string         `json:"end" yaml:"end"`     // "16:30"
	Weekdays []time.Weekday `json:"weekdays" yaml:"weekdays"`
}

// RailConfig is the static + dynamic configuration of one settlement
// rail. DailyLimitRemaining is mutated only through the registry's
// serialized debit path.
type RailConfig struct {
	RailName             string          `json:"rail_name"`
	RailType             RailType        `json:"rail_type"`
	MinAmount            decimal.Decimal `json:"min_amount"`
	MaxAmount            decimal.Decimal `json:"max_amount"`
	NewUserLimit         decimal.Decimal `json:"new_user_limit"`
	Working              WorkingHours    `json:"working_hours"`
	AvgETAMs             int64           `json:"avg_eta_ms"`
	CostBps              float64         `json:"cost_bps"`
	SuccessProbability   float64         `json:"success_probability"`   // 0..1
	SettlementType       string          `json:"settlement_type"`
	SettlementCertainty  float64         `json:"settlement_certainty"`  // 0..1
	DailyLimit           decimal.Decimal `json:"daily_limit"`
	DailyLimitRemaining  decimal.Decimal `json:"daily_limit_remaining"`
	TrackDailyLimit      bool            `json:"track_daily_limit"`
	IsActive             bool            `json:"is_active"`
}
