package orchestrator

import "github.com/settleline/payflow/internal/core"

// LineState is the orchestrator's internal per-line pipeline state.
// It is finer-grained than the externally visible core.LineStatus.
type LineState string

const (
	StateInitialized LineState = "INITIALIZED"
	StateIngesting   LineState = "INGESTING"
	StateValidating  LineState = "VALIDATING"
	StateClassifying LineState = "CLASSIFYING"
	StateRouting     LineState = "ROUTING"
	StateExecuting   LineState = "EXECUTING"
	StateAuditing    LineState = "AUDITING"
	StateCompleted   LineState = "COMPLETED"
	StateFailed      LineState = "FAILED"
	StateHold        LineState = "HOLD"
)

// StepOutcome is what a pipeline step reports back to the state
// machine.
type StepOutcome string

const (
	// OutcomeAdvance moves to the next pipeline stage.
	OutcomeAdvance StepOutcome = "ADVANCE"
	// OutcomeFail routes to the audit stage (RCA + CRRAK) and ends in
	// FAILED.
	OutcomeFail StepOutcome = "FAIL"
	// OutcomeHold routes to the audit stage and ends in HOLD.
	OutcomeHold StepOutcome = "HOLD"
	// OutcomeOverride is an operator override; only meaningful on a
	// held line, where it reroutes back to ROUTING.
	OutcomeOverride StepOutcome = "OVERRIDE"
)

// ============================================================================
// TRANSITION TABLE
// ============================================================================

// transitions is total: every state defines a next state for every
// outcome, so the machine can never receive an undefined input.
// Terminal states absorb everything except HOLD + OVERRIDE.
var transitions = map[LineState]map[StepOutcome]LineState{
	StateInitialized: {
		OutcomeAdvance: StateIngesting, OutcomeFail: StateAuditing,
		OutcomeHold: StateAuditing, OutcomeOverride: StateInitialized,
	},
	StateIngesting: {
		OutcomeAdvance: StateValidating, OutcomeFail: StateAuditing,
		OutcomeHold: StateAuditing, OutcomeOverride: StateIngesting,
	},
	StateValidating: {
		OutcomeAdvance: StateClassifying, OutcomeFail: StateAuditing,
		OutcomeHold: StateAuditing, OutcomeOverride: StateValidating,
	},
	StateClassifying: {
		OutcomeAdvance: StateRouting, OutcomeFail: StateAuditing,
		OutcomeHold: StateAuditing, OutcomeOverride: StateClassifying,
	},
	StateRouting: {
		OutcomeAdvance: StateExecuting, OutcomeFail: StateAuditing,
		OutcomeHold: StateAuditing, OutcomeOverride: StateRouting,
	},
	StateExecuting: {
		OutcomeAdvance: StateAuditing, OutcomeFail: StateAuditing,
		OutcomeHold: StateAuditing, OutcomeOverride: StateExecuting,
	},
	StateAuditing: {
		OutcomeAdvance: StateCompleted, OutcomeFail: StateFailed,
		OutcomeHold: StateHold, OutcomeOverride: StateAuditing,
	},
	StateCompleted: {
		OutcomeAdvance: StateCompleted, OutcomeFail: StateCompleted,
		OutcomeHold: StateCompleted, OutcomeOverride: StateCompleted,
	},
	StateFailed: {
		OutcomeAdvance: StateFailed, OutcomeFail: StateFailed,
		OutcomeHold: StateFailed, OutcomeOverride: StateFailed,
	},
	StateHold: {
		OutcomeAdvance: StateHold, OutcomeFail: StateHold,
		OutcomeHold: StateHold, OutcomeOverride: StateRouting,
	},
}

// Next resolves one transition.
func Next(state LineState, outcome StepOutcome) LineState {
	return transitions[state][outcome]
}

// IsTerminal reports whether the pipeline state admits no further
// automatic progress. HOLD is terminal until an override arrives.
func (s LineState) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateHold
}

// Status maps a pipeline state onto the externally visible line
// status.
func (s LineState) Status() core.LineStatus {
	switch s {
	case StateCompleted:
		return core.LineCompleted
	case StateFailed:
		return core.LineFailed
	case StateHold:
		return core.LineHold
	case StateInitialized:
		return core.LinePending
	default:
		return core.LineProcessing
	}
}
