// Package resolver produces parallel-executable batches from a plan DAG.
// The in-degree/adjacency bookkeeping and root-finding follow Kahn's
// algorithm, extended to also partition each topological layer by
// state-conflict (steps that could write the same logical output key
// land in their own single-step batch) instead of simply fanning the
// whole layer out.
package resolver

import (
	"fmt"
	"sort"

	"github.com/swarmguard/sagaengine/internal/errs"
)

// Step is the resolver's view of one plan node; the engine builds one from
// each pending state.StepState.
type Step struct {
	ID          string
	DependsOn   []string
	WritesKeys  []string // logical output keys this step may write, for conflict detection
	PlanOrder   int
}

// Batch is one unit the engine can execute together: either a single step
// (when it conflicts with a sibling) or several independent ones.
type Batch struct {
	StepIDs       []string
	Parallelizable bool
}

type Summary struct {
	BatchCount        int
	StepCount         int
	EstimatedLatencyMs int64
}

// Resolve builds the dependency graph, rejects cycles, and returns the
// ordered batch list plus a summary. estimatedStepMs is used only to
// compute the latency estimate (max-per-batch sum).
func Resolve(steps []Step, estimatedStepMs int64) ([]Batch, Summary, error) {
	byID := make(map[string]*Step, len(steps))
	for i := range steps {
		byID[steps[i].ID] = &steps[i]
	}

	inDegree := make(map[string]int, len(steps))
	children := make(map[string][]string, len(steps))
	for _, s := range steps {
		if _, ok := inDegree[s.ID]; !ok {
			inDegree[s.ID] = 0
		}
		for _, dep := range s.DependsOn {
			if _, ok := byID[dep]; !ok {
				return nil, Summary{}, fmt.Errorf("step %s depends on unknown step %s: %w", s.ID, dep, errs.ErrPlanCircularDep)
			}
			inDegree[s.ID]++
			children[dep] = append(children[dep], s.ID)
		}
	}

	remaining := len(steps)
	emitted := make(map[string]bool, len(steps))
	var batches []Batch

	for remaining > 0 {
		var layer []string
		for _, s := range steps {
			if !emitted[s.ID] && inDegree[s.ID] == 0 {
				layer = append(layer, s.ID)
			}
		}
		if len(layer) == 0 {
			return nil, Summary{}, errs.ErrPlanCircularDep
		}

		// Tie-break deterministically by plan order so batches are reproducible.
		sort.Slice(layer, func(i, j int) bool {
			return byID[layer[i]].PlanOrder < byID[layer[j]].PlanOrder
		})

		for _, batch := range partitionByConflict(layer, byID) {
			batches = append(batches, batch)
		}

		for _, id := range layer {
			emitted[id] = true
			remaining--
			for _, child := range children[id] {
				inDegree[child]--
			}
		}
	}

	var latency int64
	for range batches {
		latency += estimatedStepMs
	}

	return batches, Summary{
		BatchCount:         len(batches),
		StepCount:          len(steps),
		EstimatedLatencyMs: latency,
	}, nil
}

// partitionByConflict splits one topological layer into batches: steps
// sharing a write key are split into consecutive single-step batches;
// the remainder of the layer (no conflicts among them) forms one
// parallelizable batch.
func partitionByConflict(layer []string, byID map[string]*Step) []Batch {
	writeOwner := make(map[string]string) // output key -> step id that first claims it
	conflicted := make(map[string]bool)

	for _, id := range layer {
		for _, key := range byID[id].WritesKeys {
			if owner, ok := writeOwner[key]; ok && owner != id {
				conflicted[id] = true
				conflicted[owner] = true
				continue
			}
			writeOwner[key] = id
		}
	}

	var batches []Batch
	var parallel []string
	for _, id := range layer {
		if conflicted[id] {
			batches = append(batches, Batch{StepIDs: []string{id}, Parallelizable: false})
			continue
		}
		parallel = append(parallel, id)
	}
	if len(parallel) > 0 {
		batches = append(batches, Batch{StepIDs: parallel, Parallelizable: len(parallel) > 1})
	}
	return batches
}
