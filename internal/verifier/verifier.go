// Package verifier implements a deterministic, no-external-calls plan
// gate. Its manual bounds/predicate checks use sentinel errors plus
// small pure predicate functions rather than a JSON-schema library:
// schema conformance is checked against the reflected tool schema with
// plain Go instead of a generic schema-validation dependency.
package verifier

import (
	"fmt"
	"strings"

	"github.com/swarmguard/sagaengine/internal/errs"
)

// ToolSchema is the reflected shape for one tool's parameters, used for
// bounds and required-parameter checks; parameter types are not checked.
type ToolSchema struct {
	Name          string
	RequiredParams []string
	Bounds        map[string]Bound // param name -> numeric bound
}

type Bound struct {
	Min, Max float64
	HasMin, HasMax bool
}

// Step is the verifier's view of a plan node.
type Step struct {
	ID       string
	Tool     string
	Params   map[string]any
	DependsOn []string
}

// Predicate is a custom, pure check over the whole plan.
type Predicate func(steps []Step) error

// Config bundles the forbidden-sequence patterns and per-tool schemas a
// verification run checks against.
type Config struct {
	Schemas            map[string]ToolSchema
	ForbiddenSequences [][]string // each entry is a tool-name pattern path, '*' wildcard
	Predicates         []Predicate
}

// Verify runs every check in order and returns the first failure:
// PARAMETER_LIMIT_EXCEEDED for a bound, FORBIDDEN_SEQUENCE for a
// forbidden path, VALIDATION_FAILED for a missing required parameter, and
// PLAN_VALIDATION_FAILED for a failing custom predicate.
func Verify(steps []Step, cfg Config) error {
	if err := verifyBounds(steps, cfg.Schemas); err != nil {
		return err
	}
	if err := verifyForbiddenSequences(steps, cfg.ForbiddenSequences); err != nil {
		return err
	}
	if err := verifySchemaConformance(steps, cfg.Schemas); err != nil {
		return err
	}
	for _, pred := range cfg.Predicates {
		if err := pred(steps); err != nil {
			return fmt.Errorf("%w: custom predicate failed: %v", errs.ErrPlanValidationFailed, err)
		}
	}
	return nil
}

func verifyBounds(steps []Step, schemas map[string]ToolSchema) error {
	for _, step := range steps {
		schema, ok := schemas[step.Tool]
		if !ok {
			continue
		}
		for name, bound := range schema.Bounds {
			v, ok := step.Params[name]
			if !ok {
				continue
			}
			n, ok := toFloat(v)
			if !ok {
				continue
			}
			if bound.HasMax && n > bound.Max {
				return fmt.Errorf("%w: step %s param %s=%v exceeds max %v", errs.ErrParameterLimitExceed, step.ID, name, n, bound.Max)
			}
			if bound.HasMin && n < bound.Min {
				return fmt.Errorf("%w: step %s param %s=%v below min %v", errs.ErrParameterLimitExceed, step.ID, name, n, bound.Min)
			}
		}
	}
	return nil
}

func verifyForbiddenSequences(steps []Step, patterns [][]string) error {
	byID := make(map[string]Step, len(steps))
	children := make(map[string][]string)
	for _, s := range steps {
		byID[s.ID] = s
		for _, dep := range s.DependsOn {
			children[dep] = append(children[dep], s.ID)
		}
	}
	for _, pattern := range patterns {
		if len(pattern) < 2 {
			continue
		}
		for _, start := range steps {
			if matches(pattern[0], start.Tool) {
				if pathMatches(start.ID, pattern[1:], byID, children, map[string]bool{}) {
					return fmt.Errorf("%w: path matching %v found starting at step %s", errs.ErrForbiddenSequence, pattern, start.ID)
				}
			}
		}
	}
	return nil
}

func pathMatches(fromID string, remaining []string, byID map[string]Step, children map[string][]string, visited map[string]bool) bool {
	if len(remaining) == 0 {
		return true
	}
	if visited[fromID] {
		return false
	}
	visited[fromID] = true
	for _, childID := range children[fromID] {
		child := byID[childID]
		if matches(remaining[0], child.Tool) {
			if pathMatches(childID, remaining[1:], byID, children, visited) {
				return true
			}
		}
		// also allow the pattern to skip non-matching intermediate nodes
		if pathMatches(childID, remaining, byID, children, visited) {
			return true
		}
	}
	return false
}

func matches(pattern, toolName string) bool {
	if pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(toolName, strings.TrimSuffix(pattern, "*"))
	}
	return pattern == toolName
}

func verifySchemaConformance(steps []Step, schemas map[string]ToolSchema) error {
	for _, step := range steps {
		schema, ok := schemas[step.Tool]
		if !ok {
			continue
		}
		for _, required := range schema.RequiredParams {
			if _, ok := step.Params[required]; !ok {
				return fmt.Errorf("%w: step %s missing required param %q for tool %s", errs.ErrValidationFailed, step.ID, required, step.Tool)
			}
		}
	}
	return nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
