// Package intent maps a payment line's purpose code, remarks and
// amount to a canonical payment intent with a risk score and a
// confidence score.
package intent

import (
	"math"
	"strings"
	"time"

	"github.com/agext/levenshtein"
	lru "github.com/hashicorp/golang-lru/v2"
	log "github.com/sirupsen/logrus"
	"github.com/shopspring/decimal"

	"github.com/settleline/payflow/internal/core"
)

// fuzzyThreshold is the minimum similarity ratio for a FUZZY match.
const fuzzyThreshold = 0.6

// keywordEntry binds one curated keyword to an intent. Order matters:
// fuzzy-match ties resolve to the first-declared keyword.
type keywordEntry struct {
	Keyword string
	Intent  core.PaymentType
}

var keywordTable = []keywordEntry{
	{"SALARY", core.PaymentPayroll},
	{"PAYROLL", core.PaymentPayroll},
	{"WAGES", core.PaymentPayroll},
	{"BONUS", core.PaymentPayroll},
	{"VENDOR", core.PaymentVendor},
	{"INVOICE", core.PaymentVendor},
	{"SUPPLIER", core.PaymentVendor},
	{"PURCHASE", core.PaymentVendor},
	{"LOAN", core.PaymentLoanDisbursement},
	{"DISBURSEMENT", core.PaymentLoanDisbursement},
	{"EMI", core.PaymentLoanDisbursement},
	{"UTILITY", core.PaymentUtility},
	{"ELECTRICITY", core.PaymentUtility},
	{"WATER", core.PaymentUtility},
	{"TELECOM", core.PaymentUtility},
	{"BILL", core.PaymentUtility},
	{"TAX", core.PaymentTax},
	{"GST", core.PaymentTax},
	{"TDS", core.PaymentTax},
	{"REFUND", core.PaymentRefund},
	{"REVERSAL", core.PaymentRefund},
	{"TRANSFER", core.PaymentTransfer},
	{"REMITTANCE", core.PaymentTransfer},
}

// AccountStanding grades the sender account for risk purposes.
type AccountStanding int

const (
	AccountNormal AccountStanding = iota
	AccountNew
	AccountFlagged
)

// Classifier is the rule + fuzzy-match intent engine. It keeps a
// bounded registry of recently seen sender accounts so first-time
// senders carry extra risk.
type Classifier struct {
	seen    *lru.Cache[string, time.Time]
	flagged map[string]struct{}
	clock   func() time.Time
}

// NewClassifier creates a classifier with a seen-account registry of
// the given capacity.
func NewClassifier(accountCapacity int) (*Classifier, error) {
	seen, err := lru.New[string, time.Time](accountCapacity)
	if err != nil {
		return nil, err
	}
	return &Classifier{
		seen:    seen,
		flagged: make(map[string]struct{}),
		clock:   func() time.Time { return time.Now() },
	}, nil
}

// FlagAccount marks an account so future lines from it carry maximum
// account risk.
func (c *Classifier) FlagAccount(account string) {
	c.flagged[account] = struct{}{}
}

// standing looks up the sender account and records it as seen.
func (c *Classifier) standing(account string) AccountStanding {
	if _, ok := c.flagged[account]; ok {
		return AccountFlagged
	}
	if _, ok := c.seen.Get(account); ok {
		return AccountNormal
	}
	c.seen.Add(account, c.clock())
	return AccountNew
}

// matchKeywords runs the exact-then-fuzzy keyword match over the
// candidate strings in order. Fuzzy ties resolve to the
// first-declared keyword.
func matchKeywords(candidates []string) (core.PaymentType, core.MatchKind) {
	for _, cand := range candidates {
		for _, e := range keywordTable {
			if cand == e.Keyword {
				return e.Intent, core.MatchExact
			}
		}
	}

	best := 0.0
	bestIntent := core.PaymentUnknown
	for _, cand := range candidates {
		if cand == "" {
			continue
		}
		for _, word := range strings.Fields(cand) {
			for _, e := range keywordTable {
				if sim := levenshtein.Similarity(word, e.Keyword, nil); sim > best {
					best = sim
					bestIntent = e.Intent
				}
			}
		}
	}
	if best >= fuzzyThreshold {
		return bestIntent, core.MatchFuzzy
	}
	return core.PaymentUnknown, core.MatchNone
}

// bucketByAmount is the fallback intent when no keyword matched.
func bucketByAmount(amount decimal.Decimal) core.PaymentType {
	million := decimal.NewFromInt(1_000_000)
	lakh := decimal.NewFromInt(100_000)
	switch {
	case amount.Cmp(million) > 0:
		return core.PaymentVendor
	case amount.Cmp(lakh) >= 0:
		return core.PaymentPayroll
	default:
		return core.PaymentUtility
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// Classify produces the intent verdict for a line.
func (c *Classifier) Classify(line *core.Line) *core.IntentResult {
	purpose := strings.ToUpper(strings.TrimSpace(line.PurposeCode))
	remarks := strings.ToUpper(strings.TrimSpace(line.Remarks))

	intent, kind := matchKeywords([]string{purpose, remarks})
	if kind == core.MatchNone {
		intent = bucketByAmount(line.Amount)
	}

	standing := c.standing(line.Sender.Account)

	amountRisk := math.Min(1, line.Amount.InexactFloat64()/100_000)
	zoneRisk := 0.3
	if line.Currency == "" || line.Currency == "INR" {
		zoneRisk = 0.1
	}
	purposeRisk := 0.2
	if kind == core.MatchExact {
		purposeRisk = 0.1
	}
	accountRisk := 0.0
	switch standing {
	case AccountNew:
		accountRisk = 0.05
	case AccountFlagged:
		accountRisk = 0.2
	}
	risk := 0.4*amountRisk + 0.2*zoneRisk + 0.25*purposeRisk + 0.15*accountRisk

	matchConf := map[core.MatchKind]float64{
		core.MatchExact: 0.9,
		core.MatchFuzzy: 0.7,
		core.MatchNone:  0.5,
	}[kind]
	completeness := 0.7
	if complete(line) {
		completeness = 1.0
	}
	accountConf := map[AccountStanding]float64{
		AccountNormal:  0.95,
		AccountNew:     0.7,
		AccountFlagged: 0.5,
	}[standing]
	confidence := math.Pow(matchConf, 0.5) * math.Pow(completeness, 0.3) * math.Pow(accountConf, 0.2)

	res := &core.IntentResult{
		BatchID:    line.BatchID,
		LineID:     line.LineID,
		Intent:     intent,
		MatchKind:  kind,
		RiskScore:  round2(risk),
		Confidence: round2(confidence),
		NewSender:  standing == AccountNew,
		IssuedAt:   c.clock(),
	}
	log.WithFields(log.Fields{
		"line":       line.LineID,
		"intent":     res.Intent,
		"match":      res.MatchKind,
		"risk":       res.RiskScore,
		"confidence": res.Confidence,
	}).Debug("intent classified")
	return res
}

// complete reports whether every field the classifier relies on is
// populated.
func complete(line *core.Line) bool {
	return line.Receiver.Name != "" &&
		line.Receiver.Account != "" &&
		line.Receiver.IFSC != "" &&
		line.Sender.Account != "" &&
		line.Amount.IsPositive() &&
		(line.PurposeCode != "" || line.Remarks != "")
}
