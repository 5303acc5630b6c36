package verifier

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/swarmguard/sagaengine/internal/errs"
)

func TestVerifyPassesCleanPlan(t *testing.T) {
	steps := []Step{
		{ID: "s1", Tool: "book_restaurant_table", Params: map[string]any{"partySize": 4.0}},
	}
	cfg := Config{
		Schemas: map[string]ToolSchema{
			"book_restaurant_table": {
				Name:           "book_restaurant_table",
				RequiredParams: []string{"partySize"},
				Bounds:         map[string]Bound{"partySize": {HasMax: true, Max: 12}},
			},
		},
	}
	assert.NoError(t, Verify(steps, cfg))
}

func TestVerifyRejectsOutOfBoundsParam(t *testing.T) {
	steps := []Step{
		{ID: "s1", Tool: "book_restaurant_table", Params: map[string]any{"partySize": 50.0}},
	}
	cfg := Config{
		Schemas: map[string]ToolSchema{
			"book_restaurant_table": {
				Bounds: map[string]Bound{"partySize": {HasMax: true, Max: 12}},
			},
		},
	}
	err := Verify(steps, cfg)
	assert.ErrorIs(t, err, errs.ErrParameterLimitExceed)
}

func TestVerifyRejectsMissingRequiredParam(t *testing.T) {
	steps := []Step{
		{ID: "s1", Tool: "charge_payment", Params: map[string]any{}},
	}
	cfg := Config{
		Schemas: map[string]ToolSchema{
			"charge_payment": {RequiredParams: []string{"amount"}},
		},
	}
	err := Verify(steps, cfg)
	assert.ErrorIs(t, err, errs.ErrValidationFailed)
}

func TestVerifyRejectsForbiddenSequence(t *testing.T) {
	steps := []Step{
		{ID: "s1", Tool: "charge_payment"},
		{ID: "s2", Tool: "refund_payment", DependsOn: []string{"s1"}},
		{ID: "s3", Tool: "charge_payment", DependsOn: []string{"s2"}},
	}
	cfg := Config{
		ForbiddenSequences: [][]string{{"charge_payment", "refund_payment", "charge_payment"}},
	}
	err := Verify(steps, cfg)
	assert.ErrorIs(t, err, errs.ErrForbiddenSequence)
}

func TestVerifyAllowsNonMatchingSequence(t *testing.T) {
	steps := []Step{
		{ID: "s1", Tool: "book_ride"},
		{ID: "s2", Tool: "charge_payment", DependsOn: []string{"s1"}},
	}
	cfg := Config{
		ForbiddenSequences: [][]string{{"charge_payment", "refund_payment", "charge_payment"}},
	}
	assert.NoError(t, Verify(steps, cfg))
}

func TestVerifyRunsCustomPredicates(t *testing.T) {
	steps := []Step{{ID: "s1", Tool: "book_ride"}}
	calledWith := 0
	cfg := Config{
		Predicates: []Predicate{
			func(steps []Step) error {
				calledWith = len(steps)
				return nil
			},
		},
	}
	assert.NoError(t, Verify(steps, cfg))
	assert.Equal(t, 1, calledWith)
}

func TestVerifyWrapsFailingPredicate(t *testing.T) {
	steps := []Step{{ID: "s1", Tool: "book_ride"}}
	cfg := Config{
		Predicates: []Predicate{
			func(steps []Step) error { return assert.AnError },
		},
	}
	err := Verify(steps, cfg)
	assert.ErrorIs(t, err, errs.ErrPlanValidationFailed)
}
