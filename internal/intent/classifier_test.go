package intent

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/settleline/payflow/internal/core"
)

func newClassifier(t *testing.T) *Classifier {
	t.Helper()
	c, err := NewClassifier(128)
	require.NoError(t, err)
	return c
}

func classifyLine(purpose, remarks string, amount int64) *core.Line {
	return &core.Line{
		BatchID:     "B-01",
		LineID:      "L-01",
		PurposeCode: purpose,
		Remarks:     remarks,
		Amount:      decimal.NewFromInt(amount),
		Currency:    "INR",
		Sender:      core.Party{Name: "Acme", Account: "111222333", IFSC: "HDFC0001234"},
		Receiver:    core.Party{Name: "R Sharma", Account: "444555666", IFSC: "ICIC0004321"},
	}
}

func TestClassify_ExactMatch(t *testing.T) {
	c := newClassifier(t)
	res := c.Classify(classifyLine("salary ", "", 50_000))

	assert.Equal(t, core.PaymentPayroll, res.Intent)
	assert.Equal(t, core.MatchExact, res.MatchKind)
	// New sender: 0.9^0.5 * 1.0^0.3 * 0.7^0.2
	assert.InDelta(t, 0.88, res.Confidence, 0.001)
	// 0.4*0.5 + 0.2*0.1 + 0.25*0.1 + 0.15*0.05
	assert.InDelta(t, 0.25, res.RiskScore, 0.001)
}

func TestClassify_SeenAccountGainsConfidence(t *testing.T) {
	c := newClassifier(t)
	first := c.Classify(classifyLine("SALARY", "", 50_000))
	second := c.Classify(classifyLine("SALARY", "", 50_000))
	assert.Greater(t, second.Confidence, first.Confidence)
	assert.InDelta(t, 0.94, second.Confidence, 0.001)
}

func TestClassify_FuzzyMatch(t *testing.T) {
	c := newClassifier(t)
	res := c.Classify(classifyLine("SALARI", "", 20_000))
	assert.Equal(t, core.PaymentPayroll, res.Intent)
	assert.Equal(t, core.MatchFuzzy, res.MatchKind)
}

func TestClassify_RemarksCarryTheMatch(t *testing.T) {
	c := newClassifier(t)
	res := c.Classify(classifyLine("", "monthly electricity dues", 3_000))
	assert.Equal(t, core.PaymentUtility, res.Intent)
	assert.Equal(t, core.MatchFuzzy, res.MatchKind)
}

func TestClassify_AmountBucketFallback(t *testing.T) {
	c := newClassifier(t)

	big := c.Classify(classifyLine("XQZWV", "", 2_000_000))
	assert.Equal(t, core.PaymentVendor, big.Intent)
	assert.Equal(t, core.MatchNone, big.MatchKind)

	mid := c.Classify(classifyLine("XQZWV", "", 100_000))
	assert.Equal(t, core.PaymentPayroll, mid.Intent)

	small := c.Classify(classifyLine("XQZWV", "", 5_000))
	assert.Equal(t, core.PaymentUtility, small.Intent)
}

func TestClassify_FlaggedAccountRisk(t *testing.T) {
	c := newClassifier(t)
	line := classifyLine("SALARY", "", 50_000)
	c.FlagAccount(line.Sender.Account)

	res := c.Classify(line)
	// 0.4*0.5 + 0.2*0.1 + 0.25*0.1 + 0.15*0.2
	assert.InDelta(t, 0.28, res.RiskScore, 0.001)
	assert.Less(t, res.Confidence, 0.88)
}

func TestClassify_IncompleteLineLowersConfidence(t *testing.T) {
	c := newClassifier(t)
	line := classifyLine("SALARY", "", 50_000)
	line.Receiver.IFSC = ""
	res := c.Classify(line)
	// 0.9^0.5 * 0.7^0.3 * 0.7^0.2
	assert.InDelta(t, 0.79, res.Confidence, 0.005)
}

func TestClassify_ForeignCurrencyRaisesZoneRisk(t *testing.T) {
	c := newClassifier(t)
	domestic := c.Classify(classifyLine("SALARY", "", 50_000))

	foreign := classifyLine("SALARY", "", 50_000)
	foreign.Currency = "USD"
	foreign.Sender.Account = "777888999" // fresh account, same standing as first
	res := c.Classify(foreign)
	assert.InDelta(t, domestic.RiskScore+0.04, res.RiskScore, 0.001)
}
