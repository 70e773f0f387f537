package api

import (
	"time"

	"github.com/intentstack/intent-engine/internal/ingest"
	"github.com/intentstack/intent-engine/internal/models"
)

type createSignalRequest struct {
	ID                string           `json:"id"`
	Name              string           `json:"name" binding:"required"`
	Type              string           `json:"type"`
	Unit              string           `json:"unit"`
	Direction         string           `json:"direction" binding:"required"`
	TargetValue       *float64         `json:"target_value"`
	WarningThreshold  *float64         `json:"warning_threshold"`
	CriticalThreshold *float64         `json:"critical_threshold"`
	Aggregation       string           `json:"aggregation"`
	WindowMinutes     int              `json:"window_minutes"`
	IntentID          *models.IntentID `json:"intent_id"`
	CapabilityID      *string          `json:"capability_id"`
}

func (r createSignalRequest) toModel(tenant models.TenantID) *models.Signal {
	return &models.Signal{
		ID:                models.SignalID(r.ID),
		TenantID:          tenant,
		Name:              r.Name,
		Type:              r.Type,
		Unit:              r.Unit,
		Direction:         models.SignalDirection(r.Direction),
		TargetValue:       r.TargetValue,
		WarningThreshold:  r.WarningThreshold,
		CriticalThreshold: r.CriticalThreshold,
		Aggregation:       r.Aggregation,
		WindowMinutes:     r.WindowMinutes,
		IntentID:          r.IntentID,
		CapabilityID:      r.CapabilityID,
	}
}

type signalResponse struct {
	ID                models.SignalID        `json:"id"`
	TenantID          models.TenantID        `json:"tenant_id"`
	Name              string                 `json:"name"`
	Type              string                 `json:"type,omitempty"`
	Unit              string                 `json:"unit,omitempty"`
	Direction         models.SignalDirection `json:"direction"`
	TargetValue       *float64               `json:"target_value,omitempty"`
	WarningThreshold  *float64               `json:"warning_threshold,omitempty"`
	CriticalThreshold *float64               `json:"critical_threshold,omitempty"`
	Aggregation       string                 `json:"aggregation,omitempty"`
	WindowMinutes     int                    `json:"window_minutes"`
	CurrentValue      float64                `json:"current_value"`
	PreviousValue     float64                `json:"previous_value"`
	Health            models.SignalHealth    `json:"health"`
	Trend             models.SignalTrend     `json:"trend"`
	AnomalyDetected   bool                   `json:"anomaly_detected"`
	AnomalyDetails    *models.AnomalyDetails `json:"anomaly_details,omitempty"`
	LastMeasuredAt    *time.Time             `json:"last_measured_at,omitempty"`
	IntentID          *models.IntentID       `json:"intent_id,omitempty"`
	CapabilityID      *string                `json:"capability_id,omitempty"`
	IsActive          bool                   `json:"is_active"`
	CreatedAt         time.Time              `json:"created_at"`
	UpdatedAt         time.Time              `json:"updated_at"`
}

func toSignalResponse(s *models.Signal) signalResponse {
	resp := signalResponse{
		ID:                s.ID,
		TenantID:          s.TenantID,
		Name:              s.Name,
		Type:              s.Type,
		Unit:              s.Unit,
		Direction:         s.Direction,
		TargetValue:       s.TargetValue,
		WarningThreshold:  s.WarningThreshold,
		CriticalThreshold: s.CriticalThreshold,
		Aggregation:       s.Aggregation,
		WindowMinutes:     s.WindowMinutes,
		CurrentValue:      s.CurrentValue,
		PreviousValue:     s.PreviousValue,
		Health:            s.Health,
		Trend:             s.Trend,
		AnomalyDetected:   s.AnomalyDetected,
		AnomalyDetails:    s.AnomalyDetails,
		IntentID:          s.IntentID,
		CapabilityID:      s.CapabilityID,
		IsActive:          s.IsActive,
		CreatedAt:         s.CreatedAt,
		UpdatedAt:         s.UpdatedAt,
	}
	if !s.LastMeasuredAt.IsZero() {
		t := s.LastMeasuredAt
		resp.LastMeasuredAt = &t
	}
	return resp
}

type measurementRequest struct {
	Value       float64           `json:"value"`
	SampleCount int               `json:"sample_count"`
	Metadata    map[string]string `json:"metadata"`
	MeasuredAt  *time.Time        `json:"measured_at"`
}

func (r measurementRequest) toInput(id models.SignalID) models.MeasurementInput {
	input := models.MeasurementInput{
		SignalID:    id,
		Value:       r.Value,
		SampleCount: r.SampleCount,
		Metadata:    r.Metadata,
	}
	if r.MeasuredAt != nil {
		input.MeasuredAt = *r.MeasuredAt
	}
	return input
}

type batchMeasurementEntry struct {
	SignalID string `json:"signal_id"`
	measurementRequest
}

type batchRequest struct {
	Measurements []batchMeasurementEntry `json:"measurements" binding:"required"`
}

type batchResponse struct {
	Recorded int `json:"recorded"`
	Failed   int `json:"failed"`
}

type measurementResponse struct {
	ID          string            `json:"id"`
	SignalID    models.SignalID   `json:"signal_id"`
	Value       float64           `json:"value"`
	SampleCount int               `json:"sample_count"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	MeasuredAt  time.Time         `json:"measured_at"`
}

func toMeasurementResponse(m *models.SignalMeasurement) measurementResponse {
	return measurementResponse{
		ID:          m.ID,
		SignalID:    m.SignalID,
		Value:       m.Value,
		SampleCount: m.SampleCount,
		Metadata:    m.Metadata,
		MeasuredAt:  m.MeasuredAt,
	}
}

type anomalyCheckResponse struct {
	Anomaly *models.AnomalyDetails `json:"anomaly"`
}

type createIntentRequest struct {
	ID          string `json:"id"`
	Name        string `json:"name" binding:"required"`
	Description string `json:"description"`
}

type intentResponse struct {
	ID               models.IntentID     `json:"id"`
	TenantID         models.TenantID     `json:"tenant_id"`
	Name             string              `json:"name"`
	Description      string              `json:"description,omitempty"`
	FulfillmentScore float64             `json:"fulfillment_score"`
	AggregateHealth  models.SignalHealth `json:"aggregate_health"`
	IsActive         bool                `json:"is_active"`
	CreatedAt        time.Time           `json:"created_at"`
	UpdatedAt        time.Time           `json:"updated_at"`
}

func toIntentResponse(in *models.Intent) intentResponse {
	return intentResponse{
		ID:               in.ID,
		TenantID:         in.TenantID,
		Name:             in.Name,
		Description:      in.Description,
		FulfillmentScore: in.FulfillmentScore,
		AggregateHealth:  in.AggregateHealth,
		IsActive:         in.IsActive,
		CreatedAt:        in.CreatedAt,
		UpdatedAt:        in.UpdatedAt,
	}
}

type fulfillmentResponse struct {
	IntentID         models.IntentID     `json:"intent_id"`
	FulfillmentScore float64             `json:"fulfillment_score"`
	AggregateHealth  models.SignalHealth `json:"aggregate_health"`
	SignalCount      int                 `json:"signal_count"`
	ComputedAt       time.Time           `json:"computed_at"`
}

func toFulfillmentResponse(s ingest.FulfillmentSummary) fulfillmentResponse {
	return fulfillmentResponse{
		IntentID:         s.IntentID,
		FulfillmentScore: s.FulfillmentScore,
		AggregateHealth:  s.AggregateHealth,
		SignalCount:      s.SignalCount,
		ComputedAt:       s.ComputedAt,
	}
}

type experimentRequest struct {
	ID              string                    `json:"id"`
	Name            string                    `json:"name" binding:"required"`
	Hypothesis      string                    `json:"hypothesis"`
	Rationale       string                    `json:"rationale"`
	TargetMetrics   []models.TargetMetric     `json:"target_metrics"`
	SuccessCriteria []models.SuccessCriterion `json:"success_criteria"`
	Guardrails      []models.Guardrail        `json:"guardrails"`
	TargetAudience  models.TargetAudience     `json:"target_audience"`
	TrafficPercent  float64                   `json:"traffic_percent"`
}

func (r experimentRequest) toModel(tenant models.TenantID) *models.Experiment {
	return &models.Experiment{
		ID:              models.ExperimentID(r.ID),
		TenantID:        tenant,
		Name:            r.Name,
		Hypothesis:      r.Hypothesis,
		Rationale:       r.Rationale,
		TargetMetrics:   r.TargetMetrics,
		SuccessCriteria: r.SuccessCriteria,
		Guardrails:      r.Guardrails,
		TargetAudience:  r.TargetAudience,
		TrafficPercent:  r.TrafficPercent,
	}
}

type experimentResponse struct {
	ID              models.ExperimentID       `json:"id"`
	TenantID        models.TenantID           `json:"tenant_id"`
	Name            string                    `json:"name"`
	Hypothesis      string                    `json:"hypothesis,omitempty"`
	Rationale       string                    `json:"rationale,omitempty"`
	TargetMetrics   []models.TargetMetric     `json:"target_metrics,omitempty"`
	SuccessCriteria []models.SuccessCriterion `json:"success_criteria,omitempty"`
	Guardrails      []models.Guardrail        `json:"guardrails,omitempty"`
	TargetAudience  models.TargetAudience     `json:"target_audience"`
	TrafficPercent  float64                   `json:"traffic_percent"`

	Status    models.ExperimentStatus `json:"status"`
	StartedAt *time.Time              `json:"started_at,omitempty"`
	EndedAt   *time.Time              `json:"ended_at,omitempty"`

	ControlMetrics   []models.MetricSnapshot `json:"control_metrics,omitempty"`
	TreatmentMetrics []models.MetricSnapshot `json:"treatment_metrics,omitempty"`

	StatisticalSignificance float64        `json:"statistical_significance"`
	Verdict                 models.Verdict `json:"verdict,omitempty"`
	VerdictReason           string         `json:"verdict_reason,omitempty"`
	Learnings               string         `json:"learnings,omitempty"`
	AppliedToIntent         bool           `json:"applied_to_intent"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func toExperimentResponse(e *models.Experiment) experimentResponse {
	return experimentResponse{
		ID:                      e.ID,
		TenantID:                e.TenantID,
		Name:                    e.Name,
		Hypothesis:              e.Hypothesis,
		Rationale:               e.Rationale,
		TargetMetrics:           e.TargetMetrics,
		SuccessCriteria:         e.SuccessCriteria,
		Guardrails:              e.Guardrails,
		TargetAudience:          e.TargetAudience,
		TrafficPercent:          e.TrafficPercent,
		Status:                  e.Status,
		StartedAt:               e.StartedAt,
		EndedAt:                 e.EndedAt,
		ControlMetrics:          e.ControlMetrics,
		TreatmentMetrics:        e.TreatmentMetrics,
		StatisticalSignificance: e.StatisticalSignificance,
		Verdict:                 e.Verdict,
		VerdictReason:           e.VerdictReason,
		Learnings:               e.Learnings,
		AppliedToIntent:         e.AppliedToIntent,
		CreatedAt:               e.CreatedAt,
		UpdatedAt:               e.UpdatedAt,
	}
}

type confidenceIntervalDTO struct {
	Lower float64 `json:"lower"`
	Upper float64 `json:"upper"`
}

type sampleSizesDTO struct {
	Control   int `json:"control"`
	Treatment int `json:"treatment"`
}

type resultsResponse struct {
	ControlMetrics          []models.MetricSnapshot `json:"control_metrics"`
	TreatmentMetrics        []models.MetricSnapshot `json:"treatment_metrics"`
	Improvement             float64                 `json:"improvement"`
	StatisticalSignificance float64                 `json:"statistical_significance"`
	Verdict                 models.Verdict          `json:"verdict"`
	VerdictReason           string                  `json:"verdict_reason"`
	ConfidenceInterval      confidenceIntervalDTO   `json:"confidence_interval"`
	SampleSizes             sampleSizesDTO          `json:"sample_sizes"`
}

func toResultsResponse(r *models.ExperimentResults) resultsResponse {
	return resultsResponse{
		ControlMetrics:          r.ControlMetrics,
		TreatmentMetrics:        r.TreatmentMetrics,
		Improvement:             r.Improvement,
		StatisticalSignificance: r.StatisticalSignificance,
		Verdict:                 r.Verdict,
		VerdictReason:           r.VerdictReason,
		ConfidenceInterval:      confidenceIntervalDTO{Lower: r.ConfidenceInterval.Lower, Upper: r.ConfidenceInterval.Upper},
		SampleSizes:             sampleSizesDTO{Control: r.SampleSizes.Control, Treatment: r.SampleSizes.Treatment},
	}
}

type guardrailViolationDTO struct {
	SignalID     models.SignalID        `json:"signal_id"`
	Operator     models.ComparisonOp    `json:"operator"`
	Threshold    float64                `json:"threshold"`
	Action       models.GuardrailAction `json:"action"`
	CurrentValue float64                `json:"current_value"`
}

type guardrailCheckResponse struct {
	Passed     bool                    `json:"passed"`
	Violations []guardrailViolationDTO `json:"violations"`
}

func toGuardrailCheckResponse(c *models.GuardrailCheck) guardrailCheckResponse {
	resp := guardrailCheckResponse{
		Passed:     c.Passed,
		Violations: make([]guardrailViolationDTO, 0, len(c.Violations)),
	}
	for _, v := range c.Violations {
		resp.Violations = append(resp.Violations, guardrailViolationDTO{
			SignalID:     v.Guardrail.SignalID,
			Operator:     v.Guardrail.Operator,
			Threshold:    v.Guardrail.Threshold,
			Action:       v.Guardrail.Action,
			CurrentValue: v.CurrentValue,
		})
	}
	return resp
}

type errorResponse struct {
	Error string `json:"error"`
}
