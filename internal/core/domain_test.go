package core

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestAmountsMatchTolerance(t *testing.T) {
	a := decimal.RequireFromString("1000.00")
	assert.True(t, AmountsMatch(a, decimal.RequireFromString("1000.01")), "0.01 drift is inside tolerance")
	assert.True(t, AmountsMatch(a, decimal.RequireFromString("999.99")))
	assert.False(t, AmountsMatch(a, decimal.RequireFromString("1000.02")))
}

func TestBankPrefix(t *testing.T) {
	assert.Equal(t, "HDFC", Party{IFSC: "HDFC0001234"}.BankPrefix())
	assert.Equal(t, "IC", Party{IFSC: "IC"}.BankPrefix(), "short IFSC returns as-is")
	assert.Equal(t, "", Party{}.BankPrefix())
}

func TestLedgerStateAdvance(t *testing.T) {
	assert.True(t, LedgerPending.CanAdvanceTo(LedgerPosted))
	assert.True(t, LedgerPosted.CanAdvanceTo(LedgerReconciled))
	assert.False(t, LedgerReconciled.CanAdvanceTo(LedgerPosted))
	assert.False(t, LedgerPosted.CanAdvanceTo(LedgerPosted))
}

func TestFailureCoercion(t *testing.T) {
	f := NewFailure(ErrRail, "INSUFFICIENT_FUNDS", "balance too low on %s", "UPI")
	assert.Equal(t, "RAIL/INSUFFICIENT_FUNDS: balance too low on UPI", f.Error())

	assert.Same(t, f, AsFailure(f))
	assert.Nil(t, AsFailure(nil))
	assert.Equal(t, ErrSystem, AsFailure(assert.AnError).Kind, "unknown errors default to SYSTEM")
}

func TestLineStatusTerminal(t *testing.T) {
	assert.True(t, LineCompleted.IsTerminal())
	assert.True(t, LineFailed.IsTerminal())
	assert.True(t, LineHold.IsTerminal())
	assert.False(t, LineProcessing.IsTerminal())
}
