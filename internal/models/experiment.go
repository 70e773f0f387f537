package models

import (
	"math"
	"time"
)

// ExperimentID identifies an experiment.
type ExperimentID string

// ExperimentStatus enumerates the lifecycle states of an experiment.
type ExperimentStatus string

const (
	StatusDraft     ExperimentStatus = "DRAFT"
	StatusScheduled ExperimentStatus = "SCHEDULED"
	StatusRunning   ExperimentStatus = "RUNNING"
	StatusPaused    ExperimentStatus = "PAUSED"
	StatusAnalyzing ExperimentStatus = "ANALYZING"
	StatusCompleted ExperimentStatus = "COMPLETED"
	StatusCancelled ExperimentStatus = "CANCELLED"
	StatusFailed    ExperimentStatus = "FAILED"
)

// Terminal reports whether no further transitions are allowed from the status.
func (s ExperimentStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusFailed:
		return true
	}
	return false
}

// Verdict is the final outcome classification of an experiment.
type Verdict string

const (
	VerdictSuccess          Verdict = "SUCCESS"
	VerdictFailure          Verdict = "FAILURE"
	VerdictInconclusive     Verdict = "INCONCLUSIVE"
	VerdictGuardrailTripped Verdict = "GUARDRAIL_TRIPPED"
)

// ComparisonOp is the operator used by success criteria and guardrails.
type ComparisonOp string

const (
	OpGreater      ComparisonOp = "gt"
	OpGreaterEqual ComparisonOp = "gte"
	OpLess         ComparisonOp = "lt"
	OpLessEqual    ComparisonOp = "lte"
	OpEqual        ComparisonOp = "eq"
)

// equalityEpsilon bounds the |value-threshold| distance treated as equal.
const equalityEpsilon = 0.001

// Compare evaluates value against threshold. Unknown operators report false.
func (op ComparisonOp) Compare(value, threshold float64) bool {
	switch op {
	case OpGreater:
		return value > threshold
	case OpGreaterEqual:
		return value >= threshold
	case OpLess:
		return value < threshold
	case OpLessEqual:
		return value <= threshold
	case OpEqual:
		return math.Abs(value-threshold) < equalityEpsilon
	}
	return false
}

// Valid reports whether the operator is one of the known values.
func (op ComparisonOp) Valid() bool {
	switch op {
	case OpGreater, OpGreaterEqual, OpLess, OpLessEqual, OpEqual:
		return true
	}
	return false
}

// GuardrailAction is what the monitor does when a guardrail is violated.
type GuardrailAction string

const (
	ActionPause GuardrailAction = "pause"
	ActionStop  GuardrailAction = "stop"
	ActionAlert GuardrailAction = "alert"
)

// Valid reports whether the action is one of the known values.
func (a GuardrailAction) Valid() bool {
	switch a {
	case ActionPause, ActionStop, ActionAlert:
		return true
	}
	return false
}

// TargetMetric names a signal an experiment intends to move.
type TargetMetric struct {
	SignalID            SignalID `json:"signal_id"`
	Weight              float64  `json:"weight"`
	ExpectedImprovement float64  `json:"expected_improvement"`
}

// SuccessCriterion is a pass condition evaluated against the treatment
// snapshot of one signal when the experiment stops.
type SuccessCriterion struct {
	SignalID      SignalID     `json:"signal_id"`
	Operator      ComparisonOp `json:"operator"`
	Threshold     float64      `json:"threshold"`
	MinSampleSize int          `json:"min_sample_size,omitempty"`
}

// Guardrail is a safety threshold checked against a signal's live value
// while the experiment runs.
type Guardrail struct {
	SignalID  SignalID        `json:"signal_id"`
	Operator  ComparisonOp    `json:"operator"`
	Threshold float64         `json:"threshold"`
	Action    GuardrailAction `json:"action"`
}

// TargetAudience describes who an experiment targets. Stored as a typed
// struct, validated at the API boundary.
type TargetAudience struct {
	Segment        string            `json:"segment,omitempty"`
	Regions        []string          `json:"regions,omitempty"`
	PercentRollout float64           `json:"percent_rollout,omitempty"`
	Filters        map[string]string `json:"filters,omitempty"`
}

// MetricSnapshot is a point-in-time copy of a signal's state, decoupled from
// the live signal so later drift cannot alter recorded experiment results.
type MetricSnapshot struct {
	SignalID   SignalID  `json:"signal_id"`
	Value      float64   `json:"value"`
	SampleSize int       `json:"sample_size"`
	Confidence float64   `json:"confidence"`
	Timestamp  time.Time `json:"timestamp"`
}

// Experiment is a controlled test of a hypothesis, governed by a status
// state machine. ControlMetrics are captured exactly once on entry to
// RUNNING; TreatmentMetrics and the verdict only at the terminal COMPLETED
// transition.
type Experiment struct {
	ID       ExperimentID
	TenantID TenantID

	Name       string
	Hypothesis string
	Rationale  string

	TargetMetrics   []TargetMetric
	SuccessCriteria []SuccessCriterion
	Guardrails      []Guardrail
	TargetAudience  TargetAudience
	TrafficPercent  float64

	Status    ExperimentStatus
	StartedAt *time.Time
	EndedAt   *time.Time

	ControlMetrics   []MetricSnapshot
	TreatmentMetrics []MetricSnapshot

	StatisticalSignificance float64
	Verdict                 Verdict
	VerdictReason           string
	Learnings               string
	AppliedToIntent         bool

	// Version is bumped on every status transition together with the
	// status precondition, so concurrent transitions cannot both win.
	Version int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ConfidenceInterval is the symmetric heuristic interval around the average
// improvement.
type ConfidenceInterval struct {
	Lower float64
	Upper float64
}

// SampleSizes reports the smallest control/treatment sample counts that fed
// the significance heuristic.
type SampleSizes struct {
	Control   int
	Treatment int
}

// ExperimentResults is the outcome payload returned by stopping an
// experiment.
type ExperimentResults struct {
	ControlMetrics          []MetricSnapshot
	TreatmentMetrics        []MetricSnapshot
	Improvement             float64
	StatisticalSignificance float64
	Verdict                 Verdict
	VerdictReason           string
	ConfidenceInterval      ConfidenceInterval
	SampleSizes             SampleSizes
}

// GuardrailViolation pairs a violated guardrail with the live value that
// crossed it.
type GuardrailViolation struct {
	Guardrail    Guardrail
	CurrentValue float64
}

// GuardrailCheck is the result of one monitor pass over an experiment.
// Violations are data for the caller, not errors.
type GuardrailCheck struct {
	Passed     bool
	Violations []GuardrailViolation
}
