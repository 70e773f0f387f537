// Package ingest implements measurement ingestion: appending immutable
// measurement events and deriving the owning signal's live state (value,
// health, trend, anomaly flags) from them.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/intentstack/intent-engine/internal/engine"
	"github.com/intentstack/intent-engine/internal/metrics"
	"github.com/intentstack/intent-engine/internal/models"
	"github.com/intentstack/intent-engine/internal/repo"
	"github.com/intentstack/intent-engine/internal/utils"
)

const (
	defaultWindowMinutes = 60
	trendWindowLimit     = 100

	// batchConcurrency bounds how many signal groups commit in parallel.
	batchConcurrency = 8
)

// Ingester records measurements and keeps signal state consistent with
// them. Ingestion for distinct signals runs in parallel; ingestion for the
// same signal is serialised through a per-signal lock because the state
// update is a read-modify-write.
type Ingester struct {
	logger      *slog.Logger
	store       repo.SignalStore
	fulfillment *FulfillmentAggregator
	locks       keyedLocks
}

// NewIngester constructs an Ingester. fulfillment may be nil when no intent
// propagation is wanted (tests).
func NewIngester(logger *slog.Logger, store repo.SignalStore, fulfillment *FulfillmentAggregator) *Ingester {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingester{
		logger:      logger,
		store:       store,
		fulfillment: fulfillment,
	}
}

// Record appends one measurement and recomputes the signal's state from it.
// SampleCount defaults to 1 and MeasuredAt to now.
func (in *Ingester) Record(ctx context.Context, tenant models.TenantID, input models.MeasurementInput) (*models.SignalMeasurement, error) {
	if err := validateInput(input); err != nil {
		return nil, err
	}

	unlock := in.locks.lock(input.SignalID)
	defer unlock()

	sig, err := in.store.GetSignal(ctx, tenant, input.SignalID)
	if err != nil {
		metrics.ObserveMeasurement(metrics.OutcomeError)
		return nil, err
	}

	m := newMeasurement(tenant, normalizeInput(input))
	if err := in.store.InsertMeasurement(ctx, &m); err != nil {
		metrics.ObserveMeasurement(metrics.OutcomeError)
		return nil, fmt.Errorf("record measurement: %w", err)
	}

	if err := in.applyLatest(ctx, sig, m.Value, m.MeasuredAt); err != nil {
		metrics.ObserveMeasurement(metrics.OutcomeError)
		return nil, err
	}

	in.propagate(ctx, sig)
	metrics.ObserveMeasurement(metrics.OutcomeSuccess)
	return &m, nil
}

// RecordBatch ingests a mixed batch. Entries are grouped by signal; each
// group is sorted by measuredAt, bulk-inserted in one transaction, and the
// signal's state is updated once from the group's latest value. A failing
// group is isolated: it counts into Failed without blocking other groups.
func (in *Ingester) RecordBatch(ctx context.Context, tenant models.TenantID, inputs []models.MeasurementInput) models.BatchResult {
	var recorded, failed atomic.Int64

	groups := make(map[models.SignalID][]models.MeasurementInput)
	for _, input := range inputs {
		if err := validateInput(input); err != nil {
			in.logger.Warn("dropping malformed measurement",
				slog.String("signal_id", string(input.SignalID)), slog.Any("error", err))
			failed.Add(1)
			continue
		}
		groups[input.SignalID] = append(groups[input.SignalID], normalizeInput(input))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(batchConcurrency)
	for signalID, group := range groups {
		signalID, group := signalID, group
		g.Go(func() error {
			if err := in.recordGroup(gctx, tenant, signalID, group); err != nil {
				in.logger.Warn("measurement group failed",
					slog.String("signal_id", string(signalID)),
					slog.Int("size", len(group)), slog.Any("error", err))
				failed.Add(int64(len(group)))
				return nil // group failures are isolated, not propagated
			}
			recorded.Add(int64(len(group)))
			return nil
		})
	}
	_ = g.Wait()

	result := models.BatchResult{Recorded: int(recorded.Load()), Failed: int(failed.Load())}
	metrics.ObserveBatch(result.Recorded, result.Failed)
	return result
}

// DetectAnomalies runs on-demand anomaly detection for a signal and
// persists the outcome, clearing a previously set flag when the signal no
// longer deviates. Returns nil details when there is nothing anomalous or
// not enough history.
func (in *Ingester) DetectAnomalies(ctx context.Context, tenant models.TenantID, id models.SignalID) (*models.AnomalyDetails, error) {
	unlock := in.locks.lock(id)
	defer unlock()

	sig, err := in.store.GetSignal(ctx, tenant, id)
	if err != nil {
		return nil, err
	}

	details, err := in.detect(ctx, sig, time.Now().UTC())
	if err != nil {
		return nil, err
	}

	anomalous := details != nil
	changed := anomalous != sig.AnomalyDetected
	sig.AnomalyDetected = anomalous
	sig.AnomalyDetails = details
	if changed || anomalous {
		if err := in.store.UpdateSignalState(ctx, sig); err != nil {
			return nil, err
		}
	}
	return details, nil
}

func (in *Ingester) recordGroup(ctx context.Context, tenant models.TenantID, id models.SignalID, group []models.MeasurementInput) error {
	unlock := in.locks.lock(id)
	defer unlock()

	sig, err := in.store.GetSignal(ctx, tenant, id)
	if err != nil {
		return err
	}

	// Sort before selecting "latest": a late-arriving out-of-order batch
	// must not overwrite newer state with older data.
	sort.SliceStable(group, func(i, j int) bool {
		return group[i].MeasuredAt.Before(group[j].MeasuredAt)
	})

	ms := make([]models.SignalMeasurement, 0, len(group))
	for _, input := range group {
		ms = append(ms, newMeasurement(tenant, input))
	}
	if err := in.store.InsertMeasurements(ctx, ms); err != nil {
		return fmt.Errorf("insert group: %w", err)
	}

	latest := group[len(group)-1]
	if err := in.applyLatest(ctx, sig, latest.Value, latest.MeasuredAt); err != nil {
		return err
	}
	in.propagate(ctx, sig)
	return nil
}

// applyLatest recomputes the signal's derived state from its newest value
// and persists it.
func (in *Ingester) applyLatest(ctx context.Context, sig *models.Signal, value float64, measuredAt time.Time) error {
	sig.PreviousValue = sig.CurrentValue
	sig.CurrentValue = value
	sig.Health = engine.ClassifySignalHealth(sig)
	sig.LastMeasuredAt = measuredAt

	window := windowOf(sig)
	recent, err := in.store.RecentValues(ctx, sig.TenantID, sig.ID, measuredAt.Add(-window), trendWindowLimit)
	if err != nil {
		return fmt.Errorf("load recent values: %w", err)
	}
	sig.Trend = engine.ClassifyTrend(recent)

	details, err := in.detect(ctx, sig, measuredAt)
	if err != nil {
		return err
	}
	sig.AnomalyDetected = details != nil
	sig.AnomalyDetails = details

	if err := in.store.UpdateSignalState(ctx, sig); err != nil {
		return fmt.Errorf("persist signal state: %w", err)
	}
	return nil
}

func (in *Ingester) detect(ctx context.Context, sig *models.Signal, now time.Time) (*models.AnomalyDetails, error) {
	window := windowOf(sig)

	recent, err := in.store.RecentValues(ctx, sig.TenantID, sig.ID, now.Add(-window), 0)
	if err != nil {
		return nil, fmt.Errorf("load recent window: %w", err)
	}
	baseline, err := in.store.ValuesBetween(ctx, sig.TenantID, sig.ID,
		now.Add(-time.Duration(engine.BaselineWindowFactor+1)*window), now.Add(-window))
	if err != nil {
		return nil, fmt.Errorf("load baseline window: %w", err)
	}

	return engine.DetectAnomaly(recent, baseline, now), nil
}

func (in *Ingester) propagate(ctx context.Context, sig *models.Signal) {
	if in.fulfillment == nil || sig.IntentID == nil {
		return
	}
	if err := in.fulfillment.Recompute(ctx, sig.TenantID, *sig.IntentID); err != nil {
		in.logger.Warn("fulfillment recompute failed",
			slog.String("intent_id", string(*sig.IntentID)), slog.Any("error", err))
	}
}

func validateInput(input models.MeasurementInput) error {
	if input.SignalID == "" {
		return fmt.Errorf("%w: measurement missing signal id", utils.ErrInvalidInput)
	}
	if math.IsNaN(input.Value) || math.IsInf(input.Value, 0) {
		return fmt.Errorf("%w: measurement value for %s is not finite", utils.ErrInvalidInput, input.SignalID)
	}
	if input.SampleCount < 0 {
		return fmt.Errorf("%w: measurement sample count for %s is negative", utils.ErrInvalidInput, input.SignalID)
	}
	return nil
}

func normalizeInput(input models.MeasurementInput) models.MeasurementInput {
	if input.SampleCount == 0 {
		input.SampleCount = 1
	}
	if input.MeasuredAt.IsZero() {
		input.MeasuredAt = time.Now().UTC()
	}
	return input
}

func newMeasurement(tenant models.TenantID, input models.MeasurementInput) models.SignalMeasurement {
	return models.SignalMeasurement{
		ID:          uuid.NewString(),
		SignalID:    input.SignalID,
		TenantID:    tenant,
		Value:       input.Value,
		SampleCount: input.SampleCount,
		Metadata:    input.Metadata,
		MeasuredAt:  input.MeasuredAt,
	}
}

func windowOf(sig *models.Signal) time.Duration {
	minutes := sig.WindowMinutes
	if minutes <= 0 {
		minutes = defaultWindowMinutes
	}
	return time.Duration(minutes) * time.Minute
}

// keyedLocks serialises work per signal id.
type keyedLocks struct {
	mu    sync.Mutex
	locks map[models.SignalID]*sync.Mutex
}

func (k *keyedLocks) lock(id models.SignalID) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[models.SignalID]*sync.Mutex)
	}
	l, ok := k.locks[id]
	if !ok {
		l = &sync.Mutex{}
		k.locks[id] = l
	}
	k.mu.Unlock()

	l.Lock()
	return l.Unlock
}
