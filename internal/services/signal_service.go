// Package services holds the facades the API layer calls into. They own
// validation, latency tracking and id generation; the domain semantics live
// in the engine, ingest and experiments packages.
package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/intentstack/intent-engine/internal/ingest"
	"github.com/intentstack/intent-engine/internal/metrics"
	"github.com/intentstack/intent-engine/internal/models"
	"github.com/intentstack/intent-engine/internal/repo"
	"github.com/intentstack/intent-engine/internal/utils"
)

// SignalService fronts signal and intent operations.
type SignalService struct {
	logger      *slog.Logger
	signals     repo.SignalStore
	intents     repo.IntentStore
	ingester    *ingest.Ingester
	fulfillment *ingest.FulfillmentAggregator
	latencies   *utils.LatencyTracker
}

// NewSignalService constructs the signal facade.
func NewSignalService(logger *slog.Logger, signals repo.SignalStore, intents repo.IntentStore, ingester *ingest.Ingester, fulfillment *ingest.FulfillmentAggregator) *SignalService {
	if logger == nil {
		logger = slog.Default()
	}
	return &SignalService{
		logger:      logger,
		signals:     signals,
		intents:     intents,
		ingester:    ingester,
		fulfillment: fulfillment,
		latencies:   utils.NewLatencyTracker(1024),
	}
}

// CreateSignal validates and persists a new signal. New signals start with
// UNKNOWN health until the first measurement arrives.
func (s *SignalService) CreateSignal(ctx context.Context, sig *models.Signal) (*models.Signal, error) {
	if sig.Name == "" {
		return nil, fmt.Errorf("%w: signal name is required", utils.ErrInvalidInput)
	}
	if !sig.Direction.Valid() {
		return nil, fmt.Errorf("%w: unknown signal direction %q", utils.ErrInvalidInput, sig.Direction)
	}
	if sig.ID == "" {
		sig.ID = models.SignalID(uuid.NewString())
	}
	if sig.WindowMinutes <= 0 {
		sig.WindowMinutes = 60
	}
	sig.Health = models.HealthUnknown
	sig.Trend = models.TrendStable
	sig.IsActive = true
	if err := s.signals.CreateSignal(ctx, sig); err != nil {
		return nil, err
	}
	if sig.IntentID != nil {
		// The linked intent's cached summary no longer reflects its
		// signal set.
		s.fulfillment.Invalidate(ctx, sig.TenantID)
	}
	s.logger.Info("signal created", "signal", sig.ID, "tenant", sig.TenantID, "direction", sig.Direction)
	return sig, nil
}

// GetSignal looks up one signal.
func (s *SignalService) GetSignal(ctx context.Context, tenant models.TenantID, id models.SignalID) (*models.Signal, error) {
	return s.signals.GetSignal(ctx, tenant, id)
}

// RecordMeasurement ingests one measurement and returns the stored event.
func (s *SignalService) RecordMeasurement(ctx context.Context, tenant models.TenantID, input models.MeasurementInput) (*models.SignalMeasurement, error) {
	start := time.Now()
	m, err := s.ingester.Record(ctx, tenant, input)
	duration := time.Since(start)
	metrics.ObserveIngestDuration(duration)
	if err != nil {
		return nil, err
	}
	s.latencies.Observe(duration)
	if count := s.latencies.Count(); count >= 20 && count%20 == 0 {
		s.logger.Info("ingest latency",
			slog.Duration("p95", s.latencies.Percentile(95)), slog.Int("samples", count))
	}
	return m, nil
}

// RecordBatch ingests a batch, isolating failures per signal group.
func (s *SignalService) RecordBatch(ctx context.Context, tenant models.TenantID, inputs []models.MeasurementInput) models.BatchResult {
	start := time.Now()
	result := s.ingester.RecordBatch(ctx, tenant, inputs)
	metrics.ObserveIngestDuration(time.Since(start))
	return result
}

// DetectAnomalies runs an on-demand anomaly pass for the signal. A nil
// result means no anomaly (or not enough history).
func (s *SignalService) DetectAnomalies(ctx context.Context, tenant models.TenantID, id models.SignalID) (*models.AnomalyDetails, error) {
	return s.ingester.DetectAnomalies(ctx, tenant, id)
}

// CreateIntent validates and persists a new intent.
func (s *SignalService) CreateIntent(ctx context.Context, in *models.Intent) (*models.Intent, error) {
	if in.Name == "" {
		return nil, fmt.Errorf("%w: intent name is required", utils.ErrInvalidInput)
	}
	if in.ID == "" {
		in.ID = models.IntentID(uuid.NewString())
	}
	in.AggregateHealth = models.HealthUnknown
	in.IsActive = true
	if err := s.intents.CreateIntent(ctx, in); err != nil {
		return nil, err
	}
	s.logger.Info("intent created", "intent", in.ID, "tenant", in.TenantID)
	return in, nil
}

// GetIntent looks up one intent.
func (s *SignalService) GetIntent(ctx context.Context, tenant models.TenantID, id models.IntentID) (*models.Intent, error) {
	return s.intents.GetIntent(ctx, tenant, id)
}

// FulfillmentSummary returns the cached rollup for an intent, recomputing
// on a cache miss.
func (s *SignalService) FulfillmentSummary(ctx context.Context, tenant models.TenantID, id models.IntentID) (ingest.FulfillmentSummary, error) {
	return s.fulfillment.Summary(ctx, tenant, id)
}

// IngestLatencyP95 reports the current p95 single-measurement latency.
func (s *SignalService) IngestLatencyP95() time.Duration {
	return s.latencies.Percentile(95)
}
