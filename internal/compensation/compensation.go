// Package compensation implements a compensation registry: given a
// forward tool, returns the compensating tool and a parameter mapping.
// The map[ToolName]Entry dispatch routes on tool name through a lookup
// table rather than a type switch.
package compensation

import "fmt"

// ParameterMapper derives the compensating tool's parameters from the
// original forward-step parameters and its output.
type ParameterMapper func(originalParams, output map[string]any) map[string]any

type Entry struct {
	Tool   string
	Mapper ParameterMapper
}

// Registry answers needsCompensation/getCompensation/mapParameters for
// every tool known to it.
type Registry struct {
	entries map[string]Entry
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]Entry)}
}

func (r *Registry) Register(forwardTool string, entry Entry) {
	r.entries[forwardTool] = entry
}

func (r *Registry) NeedsCompensation(tool string) bool {
	_, ok := r.entries[tool]
	return ok
}

func (r *Registry) GetCompensation(tool string) (Entry, error) {
	e, ok := r.entries[tool]
	if !ok {
		return Entry{}, fmt.Errorf("no compensation registered for tool %q", tool)
	}
	return e, nil
}

func (r *Registry) MapParameters(tool string, originalParams, output map[string]any) (map[string]any, error) {
	e, err := r.GetCompensation(tool)
	if err != nil {
		return nil, err
	}
	if e.Mapper == nil {
		return map[string]any{}, nil
	}
	return e.Mapper(originalParams, output), nil
}

// DefaultRegistry seeds the restaurant/delivery domain's compensation
// pairs (e.g. book_ride -> cancel_ride). Callers in other domains
// construct their own Registry.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register("book_ride", Entry{
		Tool: "cancel_ride",
		Mapper: func(_ map[string]any, output map[string]any) map[string]any {
			return map[string]any{"rideId": output["rideId"]}
		},
	})
	r.Register("book_restaurant_table", Entry{
		Tool: "cancel_restaurant_table",
		Mapper: func(original map[string]any, output map[string]any) map[string]any {
			return map[string]any{"restaurantId": original["restaurantId"], "confirmationId": output["confirmationId"]}
		},
	})
	r.Register("charge_payment", Entry{
		Tool: "refund_payment",
		Mapper: func(_ map[string]any, output map[string]any) map[string]any {
			return map[string]any{"chargeId": output["chargeId"]}
		},
	})
	return r
}
