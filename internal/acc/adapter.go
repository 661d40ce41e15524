package acc

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/agext/levenshtein"

	"github.com/settleline/payflow/internal/core"
)

// Critical violation codes. Any one of these turns a deny into FAIL;
// everything else holds the line for review.
const (
	ViolationSanction           = "SANCTION"
	ViolationLimitExceeded      = "LIMIT_EXCEEDED"
	ViolationInvalidBeneficiary = "INVALID_BENEFICIARY"
	ViolationKYCIncomplete      = "KYC_INCOMPLETE"
	ViolationNameMismatch       = "NAME_MISMATCH"
	ViolationPANInvalid         = "PAN_INVALID"
	ViolationGSTINInvalid       = "GSTIN_INVALID"
)

// ViolationVerificationRisk is recorded when the evaluator allows a
// line but the local verification bundle scores above the hold
// threshold.
const ViolationVerificationRisk = "VERIFICATION_RISK"

var criticalViolations = map[string]struct{}{
	ViolationSanction:           {},
	ViolationLimitExceeded:      {},
	ViolationInvalidBeneficiary: {},
}

// violationWeight carries the fixed penalty/risk contribution of one
// violation code.
type violationWeight struct {
	Penalty float64
	Risk    float64
}

var violationWeights = map[string]violationWeight{
	ViolationSanction:           {Penalty: 50, Risk: 60},
	ViolationLimitExceeded:      {Penalty: 30, Risk: 40},
	ViolationInvalidBeneficiary: {Penalty: 25, Risk: 35},
	ViolationKYCIncomplete:      {Penalty: 20, Risk: 25},
	ViolationNameMismatch:       {Penalty: 15, Risk: 20},
	ViolationPANInvalid:         {Penalty: 15, Risk: 20},
	ViolationGSTINInvalid:       {Penalty: 10, Risk: 15},
	ViolationPolicyUnavailable:  {Penalty: 20, Risk: 30},
}

// unknownViolationWeight applies to codes the table does not know.
var unknownViolationWeight = violationWeight{Penalty: 10, Risk: 10}

var (
	panPattern   = regexp.MustCompile(`^[A-Z]{5}[0-9]{4}[A-Z]$`)
	gstinPattern = regexp.MustCompile(`^[0-9]{2}[A-Z]{5}[0-9]{4}[A-Z][0-9A-Z]{3}$`)
)

// Verifications is the per-counterparty verification bundle shipped to
// the policy evaluator.
type Verifications struct {
	PANProvided    bool    `json:"pan_provided"`
	PANValid       bool    `json:"pan_valid"`
	AadhaarProxy   bool    `json:"aadhaar_proxy"`
	GSTINProvided  bool    `json:"gstin_provided"`
	GSTINValid     bool    `json:"gstin_valid"`
	NameMatchScore float64 `json:"name_match_score"`
	KYCComplete    bool    `json:"kyc_complete"`
}

// Adapter is the compliance agent.
type Adapter struct {
	policy *PolicyClient
	clock  func() time.Time

	riskFailThreshold float64
	riskHoldThreshold float64
}

// NewAdapter creates the compliance adapter over a policy client with
// the default 0.5/0.3 risk thresholds.
func NewAdapter(policy *PolicyClient) *Adapter {
	return &Adapter{
		policy:            policy,
		clock:             func() time.Time { return time.Now() },
		riskFailThreshold: 0.5,
		riskHoldThreshold: 0.3,
	}
}

// SetClock overrides the adapter's clock (tests).
func (a *Adapter) SetClock(clock func() time.Time) { a.clock = clock }

// SetRiskThresholds re-pins the escalation thresholds on the 0..1 risk
// scale: aggregated deny risk above fail escalates a HOLD to FAIL;
// local verification risk above hold demotes an allow to HOLD.
func (a *Adapter) SetRiskThresholds(fail, hold float64) {
	if fail > 0 {
		a.riskFailThreshold = fail
	}
	if hold > 0 {
		a.riskHoldThreshold = hold
	}
}

func stringExt(line *core.Line, key string) string {
	if line.Extensions == nil {
		return ""
	}
	if v, ok := line.Extensions[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

// BundleVerifications runs the deterministic KYC checks over the
// line's extension fields.
func BundleVerifications(line *core.Line) *Verifications {
	v := &Verifications{}

	if pan := strings.ToUpper(stringExt(line, "pan")); pan != "" {
		v.PANProvided = true
		v.PANValid = panPattern.MatchString(pan)
	}
	if gstin := strings.ToUpper(stringExt(line, "gstin")); gstin != "" {
		v.GSTINProvided = true
		v.GSTINValid = gstinPattern.MatchString(gstin)
	}
	v.AadhaarProxy = stringExt(line, "aadhaar_ref") != ""

	// Account-name match against the registered beneficiary name when
	// the upstream record carries one.
	v.NameMatchScore = 1.0
	if registered := stringExt(line, "registered_name"); registered != "" {
		v.NameMatchScore = levenshtein.Similarity(
			strings.ToUpper(line.Receiver.Name), strings.ToUpper(registered), nil)
	}

	v.KYCComplete = v.PANProvided && v.PANValid && v.AadhaarProxy
	return v
}

// verificationRisk scores the local KYC bundle on a 0..1 scale. It is
// the counterpart to the evaluator's verdict: an allow whose bundle
// scores above the hold threshold is demoted to HOLD.
func verificationRisk(v *Verifications) float64 {
	risk := 0.0
	if !v.KYCComplete {
		risk += 0.25
	}
	if v.PANProvided && !v.PANValid {
		risk += 0.2
	}
	if v.GSTINProvided && !v.GSTINValid {
		risk += 0.15
	}
	if v.NameMatchScore < 0.8 {
		risk += 0.2
	}
	if risk > 1 {
		risk = 1
	}
	return risk
}

// Evaluate bundles verifications, consults the policy evaluator and
// returns the compliance decision for the line.
func (a *Adapter) Evaluate(ctx context.Context, line *core.Line, policyVersion string) *core.ACCDecision {
	verifs := BundleVerifications(line)

	result := a.policy.Evaluate(ctx, EvalInput{
		PolicyVersion: policyVersion,
		Transaction: map[string]interface{}{
			"transaction_id": line.TransactionID,
			"amount":         line.Amount.StringFixed(2),
			"currency":       line.Currency,
			"payment_type":   line.PaymentType,
			"sender_ifsc":    line.Sender.IFSC,
			"receiver_ifsc":  line.Receiver.IFSC,
		},
		Verifications: verifs,
	})

	d := &core.ACCDecision{
		BatchID:       line.BatchID,
		LineID:        line.LineID,
		PolicyVersion: policyVersion,
		Reasons:       result.Violations,
		KYCVerified:   verifs.KYCComplete,
		IssuedAt:      a.clock(),
	}

	if result.Allow {
		if risk := verificationRisk(verifs); risk > a.riskHoldThreshold {
			d.Decision = core.ACCHold
			d.Reasons = append(d.Reasons, ViolationVerificationRisk)
			d.RiskScore = risk * 100
			return d
		}
		d.Decision = core.ACCPass
		return d
	}

	d.Decision = core.ACCHold
	for _, code := range result.Violations {
		if code == ViolationSanction {
			d.SanctionHit = true
		}
		if _, critical := criticalViolations[code]; critical {
			d.Decision = core.ACCFail
		}
		w, ok := violationWeights[code]
		if !ok {
			w = unknownViolationWeight
		}
		d.CompliancePenalty += w.Penalty
		d.RiskScore += w.Risk
	}
	if d.CompliancePenalty > 100 {
		d.CompliancePenalty = 100
	}
	if d.RiskScore > 100 {
		d.RiskScore = 100
	}
	// Stacked non-critical violations can cross the fail threshold on
	// accumulated risk alone.
	if d.Decision == core.ACCHold && d.RiskScore/100 > a.riskFailThreshold {
		d.Decision = core.ACCFail
	}
	return d
}
