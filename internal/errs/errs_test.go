package errs

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyFailureMatchesSubstring(t *testing.T) {
	cases := []struct {
		message string
		status  int
		want    FailureReason
	}{
		{"Restaurant is fully booked tonight", 0, ReasonRestaurantFull},
		{"no table available", 0, ReasonTableUnavailable},
		{"kitchen overloaded, try later", 0, ReasonKitchenOverloaded},
		{"card declined", 0, ReasonPaymentFailed},
		{"payment error", 402, ReasonPaymentFailed},
		{"no drivers nearby", 0, ReasonDeliveryUnavailable},
		{"slot taken", 0, ReasonTimeSlotUnavailable},
		{"too many guests for this table", 0, ReasonPartySizeTooLarge},
		{"invalid request body", 422, ReasonValidationFailed},
		{"upstream deadline exceeded", 0, ReasonTimeout},
		{"gateway timeout", 504, ReasonTimeout},
		{"something unexpected happened", 0, ReasonServiceError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ClassifyFailure(tc.message, tc.status), "message=%q status=%d", tc.message, tc.status)
	}
}

func TestClassifyFailureStatusCodeTakesPrecedenceOverNoMatch(t *testing.T) {
	assert.Equal(t, ReasonPaymentFailed, ClassifyFailure("unrecognized upstream text", 402))
}

func TestConflictErrorUnwrapsToSentinel(t *testing.T) {
	err := &Conflict{Observed: 7}
	assert.True(t, IsConflict(err))
	assert.Equal(t, ErrConflict.Error(), err.Error())
}

func TestPredicateHelpers(t *testing.T) {
	assert.True(t, IsValidationFailed(ErrValidationFailed))
	assert.True(t, IsBudgetExceeded(ErrBudgetExceeded))
	assert.True(t, IsSchemaDrift(ErrSchemaDrift))
	assert.True(t, IsOwnerMismatch(ErrOwnerMismatch))
	assert.True(t, IsConcurrentModification(ErrConcurrentModification))
	assert.False(t, IsValidationFailed(ErrBudgetExceeded))
}
