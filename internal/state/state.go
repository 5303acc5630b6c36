// Package state implements the execution record and its OCC-guarded
// durable store. Every successful write is itself the new version, with
// the pre-image supplied to the delta function rather than archived
// separately.
package state

import (
	"time"
)

type Status string

const (
	StatusCreated              Status = "CREATED"
	StatusPlanned              Status = "PLANNED"
	StatusExecuting            Status = "EXECUTING"
	StatusAwaitingConfirmation Status = "AWAITING_CONFIRMATION"
	StatusSuspended            Status = "SUSPENDED"
	StatusCompensating         Status = "COMPENSATING"
	StatusCompensated          Status = "COMPENSATED"
	StatusCompleted            Status = "COMPLETED"
	StatusFailed               Status = "FAILED"
	StatusTimeout              Status = "TIMEOUT"
	StatusCancelled            Status = "CANCELLED"
)

// transitions is the fixed directed status graph; any transition not
// listed here is rejected at the data layer.
var transitions = map[Status][]Status{
	StatusCreated:              {StatusPlanned, StatusCancelled},
	StatusPlanned:              {StatusExecuting, StatusFailed, StatusCancelled},
	StatusExecuting: {
		StatusExecuting, StatusAwaitingConfirmation, StatusSuspended,
		StatusCompensating, StatusCompleted, StatusFailed, StatusTimeout, StatusCancelled,
	},
	StatusAwaitingConfirmation: {StatusExecuting, StatusSuspended, StatusCancelled, StatusTimeout},
	StatusSuspended:            {StatusExecuting, StatusCancelled, StatusTimeout},
	StatusCompensating:         {StatusCompensated, StatusFailed},
	StatusCompensated:          {},
	StatusCompleted:            {},
	StatusFailed:               {},
	StatusTimeout:              {},
	StatusCancelled:            {},
}

// CanTransition reports whether from -> to is an allowed edge.
func CanTransition(from, to Status) bool {
	if from == to {
		return true // idempotent re-write of the same status (e.g. segment loop staying EXECUTING)
	}
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

type StepStatus string

const (
	StepPending     StepStatus = "pending"
	StepInProgress  StepStatus = "in_progress"
	StepCompleted   StepStatus = "completed"
	StepFailed      StepStatus = "failed"
	StepCompensated StepStatus = "compensated"
	StepSkipped     StepStatus = "skipped"
)

// StepState mirrors one node of the frozen plan.
type StepState struct {
	StepID      string         `json:"step_id"`
	Tool        string         `json:"tool"`
	Status      StepStatus     `json:"status"`
	Input       map[string]any `json:"input,omitempty"`
	Output      map[string]any `json:"output,omitempty"`
	Error       string         `json:"error,omitempty"`
	Attempts    int            `json:"attempts"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	LatencyMs   int64          `json:"latency_ms,omitempty"`
	Confirmed   bool           `json:"confirmed,omitempty"`
	DependsOn   []string       `json:"depends_on,omitempty"`
	Params      map[string]any `json:"params,omitempty"`
	WritesKeys  []string       `json:"writes_keys,omitempty"`
}

// RegisteredCompensation is captured at the moment a forward step
// succeeds.
type RegisteredCompensation struct {
	StepID       string         `json:"step_id"`
	Tool         string         `json:"tool"`
	Parameters   map[string]any `json:"parameters"`
	RegisteredAt time.Time      `json:"registered_at"`
}

// ToolVersion is one entry of the yield-time tool-version snapshot,
// compared against the live registry on resume.
type ToolVersion struct {
	Tool              string `json:"tool"`
	Version           string `json:"version"`
	SchemaFingerprint string `json:"schema_fingerprint"`
}

type Budget struct {
	CostLimitUSD   float64 `json:"cost_limit_usd"`
	CurrentCostUSD float64 `json:"current_cost_usd"`
}

type TokenUsage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
}

type CompensationStatus string

const (
	CompensationNone               CompensationStatus = ""
	CompensationCompensating       CompensationStatus = "COMPENSATING"
	CompensationCompensated        CompensationStatus = "COMPENSATED"
	CompensationPartiallyDone      CompensationStatus = "PARTIALLY_COMPENSATED"
)

// Execution is the durable record, uniquely keyed by ExecutionID.
type Execution struct {
	ExecutionID            string                    `json:"execution_id"`
	Status                 Status                    `json:"status"`
	Plan                   []StepState               `json:"plan"`
	StepStates             []StepState               `json:"step_states"`
	Context                map[string]any            `json:"context"`
	TokenUsage             TokenUsage                `json:"token_usage"`
	Budget                 Budget                    `json:"budget"`
	RegisteredCompensations []RegisteredCompensation `json:"registered_compensations"`
	ToolVersions           []ToolVersion              `json:"tool_versions"`
	NextStepIndex          int                        `json:"next_step_index"`
	SegmentNumber          int                        `json:"segment_number"`
	CompensationStatus     CompensationStatus         `json:"compensation_status,omitempty"`
	CreatedAt              time.Time                  `json:"created_at"`
	UpdatedAt              time.Time                  `json:"updated_at"`
	Version                int64                      `json:"version"`
}

// StepByID finds a step state by id.
func (e *Execution) StepByID(id string) *StepState {
	for i := range e.StepStates {
		if e.StepStates[i].StepID == id {
			return &e.StepStates[i]
		}
	}
	return nil
}
