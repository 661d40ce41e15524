package rails

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/settleline/payflow/internal/core"
)

// Bank-style error codes the mock rails can return.
const (
	ErrCodeInsufficientFunds   = "INSUFFICIENT_FUNDS"
	ErrCodeInvalidAccount      = "INVALID_ACCOUNT"
	ErrCodeAccountBlocked      = "ACCOUNT_BLOCKED"
	ErrCodeBankUnavailable     = "BANK_UNAVAILABLE"
	ErrCodeInvalidIFSC         = "INVALID_IFSC"
	ErrCodeOutsideWorkingHours = "OUTSIDE_WORKING_HOURS"
	ErrCodeTransport           = "TRANSPORT_ERROR"
)

// largeAmountThreshold is where success rates start degrading.
var largeAmountThreshold = decimal.NewFromInt(1_000_000)

// ============================================================================
// WIRE SHAPES (preserved from the bank dialects for fidelity)
// ============================================================================

// IMPSRequest is the IMPS funds-transfer request shape. UPI reuses it.
type IMPSRequest struct {
	RequestID          string `json:"requestId"`
	RemittorName       string `json:"remittorName"`
	RemittorAccount    string `json:"remittorAccount"`
	RemittorIFSC       string `json:"remittorIFSC"`
	BeneficiaryName    string `json:"beneficiaryName"`
	BeneficiaryAccount string `json:"beneficiaryAccount"`
	BeneficiaryIFSC    string `json:"beneficiaryIFSC"`
	Amount             string `json:"amount"`
	Remarks            string `json:"remarks,omitempty"`
	Checksum           string `json:"checksum"`
}

// IMPSResponse is the IMPS/UPI response; success iff
// responseCode == "00" && isSuccess.
type IMPSResponse struct {
	ResponseCode         string `json:"responseCode"`
	IsSuccess            bool   `json:"isSuccess"`
	RetrievalReferenceNo string `json:"retrivalReferenceNo,omitempty"`
	TransactionDate      string `json:"transactionDate,omitempty"`
	ErrorCode            string `json:"errorCode,omitempty"`
	ErrorMessage         string `json:"errorMessage,omitempty"`
}

// CBSSubHeader is the header envelope of the NEFT/RTGS/IFT dialect.
type CBSSubHeader struct {
	RequestUUID      string `json:"requestUUID"`
	ServiceRequestID string `json:"serviceRequestId"`
}

// CBSAccountDetails identifies one side of a CBS transfer.
type CBSAccountDetails struct {
	AccountNumber string `json:"accountNumber"`
	IFSC          string `json:"ifsc"`
	Name          string `json:"name"`
}

// CBSRequest is the NEFT/RTGS/IFT request shape.
type CBSRequest struct {
	SubHeader             CBSSubHeader      `json:"SubHeader"`
	TransactionAmount     string            `json:"transactionAmount"`
	SourceReferenceNumber string            `json:"sourceReferenceNumber"`
	DebitAccountDetails   CBSAccountDetails `json:"DebitAccountDetails"`
	CreditAccountDetails  CBSAccountDetails `json:"CreditAccountDetails"`
}

// CBSResponse is the NEFT/RTGS/IFT response; success iff code == "00".
type CBSResponse struct {
	UTRNumber    string `json:"utrNumber,omitempty"`
	Code         string `json:"code"`
	Result       string `json:"result"`
	ErrorCode    string `json:"errorCode,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`
}

// Outcome is the executor's normalized result for one attempt.
// RequestID is the wire request's id (IMPS requestId or CBS
// requestUUID), minted fresh per attempt.
type Outcome struct {
	RailName     string
	RequestID    string
	Success      bool
	ResponseCode string
	UTR          string
	ErrorCode    string
	ErrorMessage string
	LatencyMs    int64
	InitiatedAt  time.Time
	CompletedAt  time.Time
}

// ============================================================================
// MOCK EXECUTOR
// ============================================================================

type latencyRange struct{ minMs, maxMs int }

// Executor simulates the five bank rails with realistic latency,
// failure and working-hour semantics. All simulated bank state lives
// here; with a fixed seed and clock every failure pattern reproduces.
type Executor struct {
	registry *Registry

	mu    sync.Mutex
	rng   *rand.Rand
	seq   map[string]int // per-rail UTR sequence
	clock func() time.Time

	baseline     map[string]float64
	retryPenalty float64
	largeFactor  float64
	latency      map[string]latencyRange
	latencyScale float64
}

// NewExecutor creates a mock executor. seed 0 derives one from the
// wall clock.
func NewExecutor(registry *Registry, seed int64) *Executor {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Executor{
		registry: registry,
		rng:      rand.New(rand.NewSource(seed)),
		seq:      make(map[string]int),
		clock:    func() time.Time { return time.Now() },
		baseline: map[string]float64{},
		retryPenalty: 0.05,
		largeFactor:  0.85,
		latency: map[string]latencyRange{
			RailUPI:  {50, 200},
			RailIMPS: {100, 400},
			RailNEFT: {200, 600},
			RailRTGS: {300, 800},
			RailIFT:  {20, 100},
		},
		latencyScale: 1.0,
	}
}

// SetClock overrides the executor's clock (tests).
func (e *Executor) SetClock(clock func() time.Time) { e.clock = clock }

// SetLatencyScale scales simulated latencies; 0 disables sleeping.
func (e *Executor) SetLatencyScale(scale float64) { e.latencyScale = scale }

// SetBaseline overrides a rail's baseline success rate.
func (e *Executor) SetBaseline(railName string, rate float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.baseline[railName] = rate
}

// SetPenalties configures the per-retry delta and the large-amount
// multiplicative factor.
func (e *Executor) SetPenalties(retryPenalty, largeFactor float64) {
	e.retryPenalty = retryPenalty
	e.largeFactor = largeFactor
}

func (e *Executor) successRate(railName string, attemptNo int, amount decimal.Decimal) float64 {
	base, ok := e.baseline[railName]
	if !ok {
		if c, found := e.registry.Get(railName); found {
			base = c.SuccessProbability
		} else {
			base = 0.9
		}
	}
	rate := base - e.retryPenalty*float64(attemptNo-1)
	if amount.Cmp(largeAmountThreshold) > 0 {
		rate *= e.largeFactor
	}
	if rate < 0 {
		rate = 0
	}
	return rate
}

// nextUTR mints a synthetic UTR of the form <rail>yymmdd<6-digit-seq>.
func (e *Executor) nextUTR(railName string, now time.Time) string {
	e.seq[railName]++
	return fmt.Sprintf("%s%s%06d", railName, now.Format("060102"), e.seq[railName])
}

// Execute runs one attempt against the named rail, blocking for the
// rail's simulated latency. Each attempt constructs the rail dialect's
// wire request and folds the dialect response back into the normalized
// Outcome. It never returns a Go error for bank-style failures; those
// are carried in the Outcome.
func (e *Executor) Execute(ctx context.Context, railName string, line *core.Line, attemptNo int) (*Outcome, error) {
	initiated := e.clock()

	lr, ok := e.latency[railName]
	if !ok {
		return nil, core.NewFailure(core.ErrSystem, "", "unknown rail %s", railName)
	}

	var (
		impsReq *IMPSRequest
		cbsReq  *CBSRequest
		reqID   string
	)
	switch railName {
	case RailUPI, RailIMPS:
		impsReq = BuildIMPSRequest(line)
		reqID = impsReq.RequestID
	default:
		cbsReq = BuildCBSRequest(line)
		reqID = cbsReq.SubHeader.RequestUUID
	}

	e.mu.Lock()
	latMs := int64(lr.minMs) + e.rng.Int63n(int64(lr.maxMs-lr.minMs+1))
	draw := e.rng.Float64()
	errPick := e.rng.Intn(1 << 16)
	e.mu.Unlock()

	if e.latencyScale > 0 {
		select {
		case <-time.After(time.Duration(float64(latMs)*e.latencyScale) * time.Millisecond):
		case <-ctx.Done():
			return &Outcome{
				RailName: railName, RequestID: reqID, Success: false,
				ErrorCode: ErrCodeTransport, ErrorMessage: ctx.Err().Error(),
				LatencyMs: latMs, InitiatedAt: initiated, CompletedAt: e.clock(),
			}, nil
		}
	}

	fail := func(code, msg string) *Outcome {
		out := &Outcome{
			RailName: railName, RequestID: reqID, Success: false,
			ErrorCode: code, ErrorMessage: msg,
			LatencyMs: latMs, InitiatedAt: initiated, CompletedAt: e.clock(),
		}
		if impsReq != nil {
			resp := IMPSResponse{ResponseCode: "91", IsSuccess: false, ErrorCode: code, ErrorMessage: msg}
			out.ResponseCode = resp.ResponseCode
		} else {
			resp := CBSResponse{Code: "91", Result: "FAILURE", ErrorCode: code, ErrorMessage: msg}
			out.ResponseCode = resp.Code
		}
		return out
	}

	// Deterministic refusals come before any probability draw.
	if railName == RailRTGS {
		if c, found := e.registry.Get(RailRTGS); found && !InWindow(c.Working, initiated) {
			return fail(ErrCodeOutsideWorkingHours, "RTGS window is Mon-Fri 09:00-16:30"), nil
		}
	}
	if railName == RailIFT && line.Sender.BankPrefix() != line.Receiver.BankPrefix() {
		return fail(ErrCodeInvalidIFSC,
			fmt.Sprintf("intra-bank transfer requires one bank, got %s/%s",
				line.Sender.BankPrefix(), line.Receiver.BankPrefix())), nil
	}

	if draw > e.successRate(railName, attemptNo, line.Amount) {
		codes := railErrorSet(railName)
		code := codes[errPick%len(codes)]
		return fail(code, bankErrorMessage(code)), nil
	}

	e.mu.Lock()
	utr := e.nextUTR(railName, initiated)
	e.mu.Unlock()

	out := &Outcome{
		RailName: railName, RequestID: reqID,
		LatencyMs: latMs, InitiatedAt: initiated, CompletedAt: e.clock(),
	}
	if impsReq != nil {
		resp := IMPSResponse{
			ResponseCode:         "00",
			IsSuccess:            true,
			RetrievalReferenceNo: utr,
			TransactionDate:      initiated.Format("2006-01-02"),
		}
		out.Success = resp.IsSuccess && resp.ResponseCode == "00"
		out.ResponseCode = resp.ResponseCode
		out.UTR = resp.RetrievalReferenceNo
	} else {
		resp := CBSResponse{UTRNumber: utr, Code: "00", Result: "SUCCESS"}
		out.Success = resp.Code == "00"
		out.ResponseCode = resp.Code
		out.UTR = resp.UTRNumber
	}
	return out, nil
}

// BuildIMPSRequest constructs the IMPS/UPI wire request for a line.
func BuildIMPSRequest(line *core.Line) *IMPSRequest {
	return &IMPSRequest{
		RequestID:          uuid.NewString(),
		RemittorName:       line.Sender.Name,
		RemittorAccount:    line.Sender.Account,
		RemittorIFSC:       line.Sender.IFSC,
		BeneficiaryName:    line.Receiver.Name,
		BeneficiaryAccount: line.Receiver.Account,
		BeneficiaryIFSC:    line.Receiver.IFSC,
		Amount:             line.Amount.StringFixed(2),
		Remarks:            line.Remarks,
		Checksum:           fmt.Sprintf("%08x", len(line.Sender.Account)+len(line.Receiver.Account)),
	}
}

// BuildCBSRequest constructs the NEFT/RTGS/IFT wire request for a line.
func BuildCBSRequest(line *core.Line) *CBSRequest {
	return &CBSRequest{
		SubHeader: CBSSubHeader{
			RequestUUID:      uuid.NewString(),
			ServiceRequestID: "OpenAPI",
		},
		TransactionAmount:     line.Amount.StringFixed(2),
		SourceReferenceNumber: core.LedgerReference(line.BatchID, line.LineID),
		DebitAccountDetails: CBSAccountDetails{
			AccountNumber: line.Sender.Account, IFSC: line.Sender.IFSC, Name: line.Sender.Name,
		},
		CreditAccountDetails: CBSAccountDetails{
			AccountNumber: line.Receiver.Account, IFSC: line.Receiver.IFSC, Name: line.Receiver.Name,
		},
	}
}

func railErrorSet(railName string) []string {
	switch railName {
	case RailUPI, RailIMPS:
		return []string{ErrCodeInsufficientFunds, ErrCodeInvalidAccount, ErrCodeAccountBlocked, ErrCodeBankUnavailable}
	case RailNEFT, RailRTGS:
		return []string{ErrCodeInsufficientFunds, ErrCodeInvalidAccount, ErrCodeBankUnavailable}
	case RailIFT:
		return []string{ErrCodeInsufficientFunds, ErrCodeInvalidAccount, ErrCodeAccountBlocked}
	}
	return []string{ErrCodeBankUnavailable}
}

func bankErrorMessage(code string) string {
	switch code {
	case ErrCodeInsufficientFunds:
		return "debit account has insufficient funds"
	case ErrCodeInvalidAccount:
		return "beneficiary account not found"
	case ErrCodeAccountBlocked:
		return "account is blocked for debits"
	case ErrCodeBankUnavailable:
		return "beneficiary bank is not reachable"
	case ErrCodeInvalidIFSC:
		return "IFSC not recognized"
	case ErrCodeOutsideWorkingHours:
		return "outside rail working hours"
	}
	return "bank error"
}
