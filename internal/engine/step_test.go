package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmguard/sagaengine/internal/compensation"
	"github.com/swarmguard/sagaengine/internal/state"
	"github.com/swarmguard/sagaengine/internal/verifier"
)

func TestExecuteStepRequiresConfirmationForHighRiskPayment(t *testing.T) {
	invoker := newStubInvoker(alwaysSucceeds)
	te := newTestEngine(invoker, compensation.NewRegistry(), verifier.Config{})
	te.engine.cfg.RiskHighUSD = 100
	te.engine.cfg.RiskCriticalUSD = 1000

	step := state.StepState{StepID: "a", Tool: "charge_payment", Params: map[string]any{"payment_amount_usd": 500.0}}
	exec := state.Execution{ExecutionID: "exec-confirm", Context: map[string]any{}}

	outcome := te.engine.executeStep(context.Background(), "exec-confirm", exec, step)
	assert.True(t, outcome.needsConfirmation)
	assert.NotEmpty(t, outcome.confirmToken)
	assert.Equal(t, 0, invoker.callCount("charge_payment"), "a step awaiting confirmation must not invoke the tool yet")
}

func TestExecuteStepSkipsDuplicateInvocation(t *testing.T) {
	invoker := newStubInvoker(alwaysSucceeds)
	te := newTestEngine(invoker, compensation.NewRegistry(), verifier.Config{})

	step := state.StepState{StepID: "a", Tool: "book_table", Params: map[string]any{"size": 2.0}}
	exec := state.Execution{ExecutionID: "exec-dup", Context: map[string]any{"user_id": "u1"}}

	first := te.engine.executeStep(context.Background(), "exec-dup", exec, step)
	require.Equal(t, state.StepCompleted, first.status)
	require.Equal(t, 1, invoker.callCount("book_table"))

	second := te.engine.executeStep(context.Background(), "exec-dup", exec, step)
	assert.Equal(t, state.StepCompleted, second.status)
	assert.Equal(t, 1, invoker.callCount("book_table"), "duplicate invocation must be skipped, not re-executed")
}

func TestHandleFailureRetriesUnderInlineCap(t *testing.T) {
	te := newTestEngine(newStubInvoker(alwaysSucceeds), compensation.NewRegistry(), verifier.Config{})

	step := state.StepState{StepID: "a", Tool: "some_tool", Attempts: 0}
	outcome := te.engine.handleFailure(step, "some transient backend glitch", 10, nil)
	assert.Equal(t, state.StepPending, outcome.status)
	assert.False(t, outcome.failed)
}

func TestHandleFailureStopsRetryingPastInlineCap(t *testing.T) {
	te := newTestEngine(newStubInvoker(alwaysSucceeds), compensation.NewRegistry(), verifier.Config{})

	step := state.StepState{StepID: "a", Tool: "some_tool", Attempts: maxInlineRetries}
	outcome := te.engine.handleFailure(step, "some transient backend glitch", 10, nil)
	assert.Equal(t, state.StepFailed, outcome.status)
	assert.True(t, outcome.failed)
}

func TestHandleFailureMutatesParamsOnPartySizeDowngrade(t *testing.T) {
	te := newTestEngine(newStubInvoker(alwaysSucceeds), compensation.NewRegistry(), verifier.Config{})

	step := state.StepState{StepID: "a", Tool: "book_table", Attempts: 0, Params: map[string]any{"party_size": 6.0}}
	outcome := te.engine.handleFailure(step, "party size too large for this table", 10, nil)
	assert.Equal(t, state.StepPending, outcome.status)
	require.NotNil(t, outcome.mutatedParams)
	assert.Equal(t, 5, outcome.mutatedParams["party_size"])
}

func TestResolveReferencesSubstitutesStepOutputs(t *testing.T) {
	exec := state.Execution{
		StepStates: []state.StepState{
			{StepID: "a", Output: map[string]any{"rideId": "r-123", "driver": map[string]any{"name": "Sam"}}},
		},
	}
	params := map[string]any{
		"ride":        "$a.rideId",
		"driver_name": "$a.driver.name",
		"literal":     "plain-value",
		"missing":     "$unknown.field",
		"nested":      map[string]any{"inner": "$a.rideId"},
		"list":        []any{"$a.rideId", "literal"},
	}

	resolved := resolveReferences(params, exec)
	assert.Equal(t, "r-123", resolved["ride"])
	assert.Equal(t, "Sam", resolved["driver_name"])
	assert.Equal(t, "plain-value", resolved["literal"])
	assert.Equal(t, "$unknown.field", resolved["missing"], "an unresolvable reference is left as the literal string")
	assert.Equal(t, "r-123", resolved["nested"].(map[string]any)["inner"])
	assert.Equal(t, "r-123", resolved["list"].([]any)[0])
}

