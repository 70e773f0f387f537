package models

import "time"

// TenantID scopes every stored entity to one tenant.
type TenantID string

// SignalID identifies a signal. Distinct from ExperimentID/IntentID so ids
// cannot be swapped at call sites.
type SignalID string

// IntentID identifies an intent whose fulfillment is derived from signals.
type IntentID string

// SignalDirection states which way a signal's value should move.
type SignalDirection string

const (
	DirectionIncrease SignalDirection = "INCREASE"
	DirectionDecrease SignalDirection = "DECREASE"
	DirectionMaintain SignalDirection = "MAINTAIN"
)

// Valid reports whether the direction is one of the known values.
func (d SignalDirection) Valid() bool {
	switch d {
	case DirectionIncrease, DirectionDecrease, DirectionMaintain:
		return true
	}
	return false
}

// SignalHealth is the categorical status derived from a signal's current
// value and its configured thresholds.
type SignalHealth string

const (
	HealthExcellent SignalHealth = "EXCELLENT"
	HealthGood      SignalHealth = "GOOD"
	HealthWarning   SignalHealth = "WARNING"
	HealthCritical  SignalHealth = "CRITICAL"
	HealthUnknown   SignalHealth = "UNKNOWN"
)

// SignalTrend classifies the short-term direction of recent values.
type SignalTrend string

const (
	TrendImproving SignalTrend = "IMPROVING"
	TrendStable    SignalTrend = "STABLE"
	TrendDeclining SignalTrend = "DECLINING"
	TrendVolatile  SignalTrend = "VOLATILE"
)

// AnomalyDetails describes a deviation from the historical baseline.
type AnomalyDetails struct {
	Type           string    `json:"type"` // "spike" or "drop"
	Deviation      float64   `json:"deviation"`
	Confidence     float64   `json:"confidence"`
	BaselineMean   float64   `json:"baseline_mean"`
	BaselineStdDev float64   `json:"baseline_stddev"`
	LatestValue    float64   `json:"latest_value"`
	DetectedAt     time.Time `json:"detected_at"`
}

// Signal is a continuously measured metric with configured thresholds and a
// derived health/trend state. Health is always recomputable from the stored
// configuration plus CurrentValue; it is never set independently.
type Signal struct {
	ID       SignalID
	TenantID TenantID

	Name              string
	Type              string
	Unit              string
	Direction         SignalDirection
	TargetValue       *float64
	WarningThreshold  *float64
	CriticalThreshold *float64
	Aggregation       string
	WindowMinutes     int

	CurrentValue    float64
	PreviousValue   float64
	Health          SignalHealth
	Trend           SignalTrend
	AnomalyDetected bool
	AnomalyDetails  *AnomalyDetails
	LastMeasuredAt  time.Time

	IntentID     *IntentID
	CapabilityID *string

	IsActive  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// SignalMeasurement is an immutable measurement event. It is created by
// ingestion and never updated afterwards.
type SignalMeasurement struct {
	ID          string
	SignalID    SignalID
	TenantID    TenantID
	Value       float64
	SampleCount int
	Metadata    map[string]string
	MeasuredAt  time.Time
}

// MeasurementInput is one entry of a single or batch ingestion call.
type MeasurementInput struct {
	SignalID    SignalID
	Value       float64
	SampleCount int
	Metadata    map[string]string
	MeasuredAt  time.Time
}

// BatchResult reports how many batch entries committed and how many were
// rejected. Failures are isolated per signal group.
type BatchResult struct {
	Recorded int
	Failed   int
}
