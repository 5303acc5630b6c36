// Package failover implements a pure, LLM-free deterministic mapping of
// {intent_type, failure_reason, contextual_params} -> a recommended
// action. Dispatch is a simple, explicit per-field comparison over a
// closed set rather than a rules engine.
package failover

import (
	"github.com/swarmguard/sagaengine/internal/errs"
)

type Action string

const (
	ActionSuggestAlternativeTime Action = "SUGGEST_ALTERNATIVE_TIME"
	ActionTriggerDelivery        Action = "TRIGGER_DELIVERY"
	ActionTriggerWaitlist        Action = "TRIGGER_WAITLIST"
	ActionDowngradePartySize     Action = "DOWNGRADE_PARTY_SIZE"
	ActionRetryWithBackoff       Action = "RETRY_WITH_BACKOFF"
	ActionEscalate               Action = "ESCALATE"
)

// Input is the pure function's argument tuple.
type Input struct {
	IntentType      string
	FailureReason   errs.FailureReason
	ContextualParams map[string]any
}

// Recommendation is the engine-actionable result: an action plus any
// mutated parameters to apply to a retry, or suggestions for the user.
type Recommendation struct {
	Action          Action
	MutatedParams   map[string]any
	Suggestions     []string
}

// Evaluate is a pure function: same input always yields the same
// recommendation, with no external calls.
func Evaluate(in Input) Recommendation {
	switch in.FailureReason {
	case errs.ReasonRestaurantFull, errs.ReasonTableUnavailable, errs.ReasonTimeSlotUnavailable:
		return Recommendation{
			Action:      ActionSuggestAlternativeTime,
			Suggestions: alternativeTimeOffsets(in.ContextualParams),
		}
	case errs.ReasonKitchenOverloaded:
		return Recommendation{Action: ActionTriggerWaitlist}
	case errs.ReasonPartySizeTooLarge:
		return Recommendation{
			Action:        ActionDowngradePartySize,
			MutatedParams: downgradeParty(in.ContextualParams),
		}
	case errs.ReasonDeliveryUnavailable:
		return Recommendation{Action: ActionTriggerDelivery}
	case errs.ReasonPaymentFailed:
		return Recommendation{Action: ActionEscalate}
	case errs.ReasonTimeout:
		return Recommendation{Action: ActionRetryWithBackoff}
	case errs.ReasonValidationFailed:
		return Recommendation{Action: ActionEscalate}
	default:
		return Recommendation{Action: ActionRetryWithBackoff}
	}
}

func alternativeTimeOffsets(params map[string]any) []string {
	return []string{"-30m", "+30m", "+60m"}
}

func downgradeParty(params map[string]any) map[string]any {
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = v
	}
	if size, ok := toInt(params["party_size"]); ok && size > 1 {
		out["party_size"] = size - 1
	}
	return out
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}
