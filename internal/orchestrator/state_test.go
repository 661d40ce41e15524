package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/settleline/payflow/internal/core"
)

var allStates = []LineState{
	StateInitialized, StateIngesting, StateValidating, StateClassifying,
	StateRouting, StateExecuting, StateAuditing,
	StateCompleted, StateFailed, StateHold,
}

var allOutcomes = []StepOutcome{OutcomeAdvance, OutcomeFail, OutcomeHold, OutcomeOverride}

func TestTransitionTableIsTotal(t *testing.T) {
	for _, s := range allStates {
		for _, o := range allOutcomes {
			next := Next(s, o)
			assert.NotEmpty(t, next, "state %s outcome %s has no transition", s, o)
		}
	}
}

func TestTerminalStatesAbsorb(t *testing.T) {
	for _, s := range []LineState{StateCompleted, StateFailed} {
		for _, o := range allOutcomes {
			assert.Equal(t, s, Next(s, o))
		}
	}
	// HOLD absorbs everything except an operator override.
	assert.Equal(t, StateHold, Next(StateHold, OutcomeAdvance))
	assert.Equal(t, StateHold, Next(StateHold, OutcomeFail))
	assert.Equal(t, StateRouting, Next(StateHold, OutcomeOverride))
}

func TestHappyPathWalk(t *testing.T) {
	s := StateInitialized
	for _, want := range []LineState{
		StateIngesting, StateValidating, StateClassifying,
		StateRouting, StateExecuting, StateAuditing, StateCompleted,
	} {
		s = Next(s, OutcomeAdvance)
		assert.Equal(t, want, s)
	}
	assert.True(t, s.IsTerminal())
}

func TestFailureRoutesThroughAuditing(t *testing.T) {
	s := Next(StateExecuting, OutcomeFail)
	assert.Equal(t, StateAuditing, s, "failures detour through the audit stage")
	assert.Equal(t, StateFailed, Next(s, OutcomeFail))
}

func TestStatusMapping(t *testing.T) {
	assert.Equal(t, core.LinePending, StateInitialized.Status())
	assert.Equal(t, core.LineProcessing, StateRouting.Status())
	assert.Equal(t, core.LineCompleted, StateCompleted.Status())
	assert.Equal(t, core.LineFailed, StateFailed.Status())
	assert.Equal(t, core.LineHold, StateHold.Status())
}
