// Package experiments holds the experiment state machine, the guardrail
// monitor and the recurring guardrail poller.
package experiments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/intentstack/intent-engine/internal/engine"
	"github.com/intentstack/intent-engine/internal/metrics"
	"github.com/intentstack/intent-engine/internal/models"
	"github.com/intentstack/intent-engine/internal/repo"
	"github.com/intentstack/intent-engine/internal/utils"
)

// snapshotWindow bounds how far back snapshot capture sums sample counts.
const snapshotWindow = 24 * time.Hour

// Lifecycle drives experiment status transitions. Every transition goes
// through the store's conditional update, so two racing callers cannot both
// capture snapshots or both complete the same experiment.
type Lifecycle struct {
	logger  *slog.Logger
	store   repo.ExperimentStore
	signals repo.SignalStore
	est     engine.SignificanceEstimator

	now func() time.Time
}

// NewLifecycle wires the state machine. A nil estimator falls back to the
// sample-size heuristic.
func NewLifecycle(logger *slog.Logger, store repo.ExperimentStore, signals repo.SignalStore, est engine.SignificanceEstimator) *Lifecycle {
	if est == nil {
		est = engine.SampleSizeSignificance{}
	}
	return &Lifecycle{
		logger:  logger,
		store:   store,
		signals: signals,
		est:     est,
		now:     time.Now,
	}
}

// Start moves a DRAFT or SCHEDULED experiment to RUNNING and captures the
// control snapshots. Snapshots are taken exactly once; a capture failure
// marks the experiment FAILED instead of leaving it half-started.
func (l *Lifecycle) Start(ctx context.Context, tenant models.TenantID, id models.ExperimentID) (*models.Experiment, error) {
	e, err := l.store.GetExperiment(ctx, tenant, id)
	if err != nil {
		return nil, err
	}
	allowed := []models.ExperimentStatus{models.StatusDraft, models.StatusScheduled}
	if !statusIn(e.Status, allowed) {
		return nil, l.reject("start", e.Status)
	}

	snapshots, err := l.capture(ctx, tenant, e.TargetMetrics)
	if err != nil {
		l.fail(ctx, e, allowed, fmt.Sprintf("control snapshot capture failed: %v", err))
		return nil, fmt.Errorf("capture control snapshots for %s: %w", id, err)
	}

	now := l.now().UTC()
	e.Status = models.StatusRunning
	e.StartedAt = &now
	e.ControlMetrics = snapshots
	if err := l.commit(ctx, "start", e, allowed); err != nil {
		return nil, err
	}
	l.logger.Info("experiment started",
		"experiment", e.ID, "tenant", e.TenantID, "control_snapshots", len(snapshots))
	return e, nil
}

// Pause moves a RUNNING experiment to PAUSED.
func (l *Lifecycle) Pause(ctx context.Context, tenant models.TenantID, id models.ExperimentID) (*models.Experiment, error) {
	return l.simple(ctx, "pause", tenant, id, models.StatusPaused, models.StatusRunning)
}

// Resume moves a PAUSED experiment back to RUNNING.
func (l *Lifecycle) Resume(ctx context.Context, tenant models.TenantID, id models.ExperimentID) (*models.Experiment, error) {
	return l.simple(ctx, "resume", tenant, id, models.StatusRunning, models.StatusPaused)
}

// Schedule moves a DRAFT experiment to SCHEDULED.
func (l *Lifecycle) Schedule(ctx context.Context, tenant models.TenantID, id models.ExperimentID) (*models.Experiment, error) {
	return l.simple(ctx, "schedule", tenant, id, models.StatusScheduled, models.StatusDraft)
}

// Cancel moves any non-terminal experiment to CANCELLED. ANALYZING is a
// transient internal state and is excluded.
func (l *Lifecycle) Cancel(ctx context.Context, tenant models.TenantID, id models.ExperimentID) (*models.Experiment, error) {
	e, err := l.simple(ctx, "cancel", tenant, id, models.StatusCancelled,
		models.StatusDraft, models.StatusScheduled, models.StatusRunning, models.StatusPaused)
	if err != nil {
		return nil, err
	}
	now := l.now().UTC()
	e.EndedAt = &now
	return e, nil
}

// Stop completes a RUNNING or PAUSED experiment: treatment snapshots are
// captured, the results analyzed and the verdict stored, all under a single
// conditional update. The ANALYZING state is visible only in logs; the row
// moves straight from RUNNING/PAUSED to COMPLETED so a crash mid-analysis
// cannot strand an experiment.
func (l *Lifecycle) Stop(ctx context.Context, tenant models.TenantID, id models.ExperimentID) (*models.Experiment, *models.ExperimentResults, error) {
	e, err := l.store.GetExperiment(ctx, tenant, id)
	if err != nil {
		return nil, nil, err
	}
	allowed := []models.ExperimentStatus{models.StatusRunning, models.StatusPaused}
	if !statusIn(e.Status, allowed) {
		return nil, nil, l.reject("stop", e.Status)
	}

	l.logger.Info("experiment analyzing", "experiment", e.ID, "tenant", e.TenantID,
		"status", models.StatusAnalyzing)

	snapshots, err := l.capture(ctx, tenant, e.TargetMetrics)
	if err != nil {
		l.fail(ctx, e, allowed, fmt.Sprintf("treatment snapshot capture failed: %v", err))
		return nil, nil, fmt.Errorf("capture treatment snapshots for %s: %w", id, err)
	}

	results := engine.AnalyzeResults(e.ControlMetrics, snapshots, e.SuccessCriteria, l.est)

	now := l.now().UTC()
	e.Status = models.StatusCompleted
	e.EndedAt = &now
	e.TreatmentMetrics = snapshots
	e.StatisticalSignificance = results.StatisticalSignificance
	e.Verdict = results.Verdict
	e.VerdictReason = results.VerdictReason
	if err := l.commit(ctx, "stop", e, allowed); err != nil {
		return nil, nil, err
	}
	l.logger.Info("experiment completed",
		"experiment", e.ID, "tenant", e.TenantID,
		"verdict", results.Verdict, "improvement", results.Improvement,
		"significance", results.StatisticalSignificance)
	return e, &results, nil
}

// Trip forces a RUNNING experiment to COMPLETED with the GUARDRAIL_TRIPPED
// verdict. Used by the guardrail monitor for stop actions.
func (l *Lifecycle) Trip(ctx context.Context, e *models.Experiment, reason string) error {
	allowed := []models.ExperimentStatus{models.StatusRunning}
	now := l.now().UTC()
	e.Status = models.StatusCompleted
	e.EndedAt = &now
	e.Verdict = models.VerdictGuardrailTripped
	e.VerdictReason = reason
	if err := l.commit(ctx, "guardrail-stop", e, allowed); err != nil {
		return err
	}
	l.logger.Warn("experiment stopped by guardrail",
		"experiment", e.ID, "tenant", e.TenantID, "reason", reason)
	return nil
}

// PauseTripped moves a RUNNING experiment to PAUSED for a guardrail pause
// action, recording the reason in the learnings field.
func (l *Lifecycle) PauseTripped(ctx context.Context, e *models.Experiment, reason string) error {
	allowed := []models.ExperimentStatus{models.StatusRunning}
	e.Status = models.StatusPaused
	if e.Learnings == "" {
		e.Learnings = reason
	}
	if err := l.commit(ctx, "guardrail-pause", e, allowed); err != nil {
		return err
	}
	l.logger.Warn("experiment paused by guardrail",
		"experiment", e.ID, "tenant", e.TenantID, "reason", reason)
	return nil
}

// UpdateConfig rewrites the experiment's configurable fields. Changing
// target metrics or success criteria of a RUNNING experiment would
// invalidate the captured control snapshots, so it is rejected.
func (l *Lifecycle) UpdateConfig(ctx context.Context, e *models.Experiment) error {
	current, err := l.store.GetExperiment(ctx, e.TenantID, e.ID)
	if err != nil {
		return err
	}
	if current.Status == models.StatusRunning {
		return utils.NewInvalidTransition("update", string(current.Status))
	}
	if current.Status.Terminal() {
		return utils.NewInvalidTransition("update", string(current.Status))
	}
	return l.store.UpdateExperimentConfig(ctx, e)
}

// simple performs a transition that only changes status.
func (l *Lifecycle) simple(ctx context.Context, action string, tenant models.TenantID, id models.ExperimentID, to models.ExperimentStatus, from ...models.ExperimentStatus) (*models.Experiment, error) {
	e, err := l.store.GetExperiment(ctx, tenant, id)
	if err != nil {
		return nil, err
	}
	if !statusIn(e.Status, from) {
		return nil, l.reject(action, e.Status)
	}
	e.Status = to
	if to == models.StatusCancelled {
		now := l.now().UTC()
		e.EndedAt = &now
	}
	if err := l.commit(ctx, action, e, from); err != nil {
		return nil, err
	}
	l.logger.Info("experiment transitioned",
		"experiment", e.ID, "tenant", e.TenantID, "action", action, "status", to)
	return e, nil
}

// commit writes the transition conditionally. A lost race surfaces as an
// invalid transition against whatever status the winner left behind.
func (l *Lifecycle) commit(ctx context.Context, action string, e *models.Experiment, allowed []models.ExperimentStatus) error {
	err := l.store.UpdateExperimentIfStatus(ctx, e, allowed)
	if errors.Is(err, repo.ErrConflict) {
		metrics.ObserveTransition(action, metrics.OutcomeError)
		if current, gerr := l.store.GetExperiment(ctx, e.TenantID, e.ID); gerr == nil {
			return utils.NewInvalidTransition(action, string(current.Status))
		}
		return utils.NewInvalidTransition(action, "unknown")
	}
	if err != nil {
		metrics.ObserveTransition(action, metrics.OutcomeError)
		return err
	}
	metrics.ObserveTransition(action, metrics.OutcomeSuccess)
	return nil
}

// fail marks the experiment FAILED after a capture or analysis error. The
// original error is what the caller sees; a conflict here means another
// transition already won and the FAILED write is skipped.
func (l *Lifecycle) fail(ctx context.Context, e *models.Experiment, allowed []models.ExperimentStatus, reason string) {
	failed := *e
	failed.Status = models.StatusFailed
	failed.VerdictReason = reason
	now := l.now().UTC()
	failed.EndedAt = &now
	if err := l.store.UpdateExperimentIfStatus(ctx, &failed, allowed); err != nil && !errors.Is(err, repo.ErrConflict) {
		l.logger.Error("failed to mark experiment failed",
			"experiment", e.ID, "tenant", e.TenantID, "error", err)
	}
	metrics.ObserveTransition("fail", metrics.OutcomeSuccess)
}

// capture reads the live state of every target signal into immutable
// snapshots. Any unknown signal aborts the whole capture.
func (l *Lifecycle) capture(ctx context.Context, tenant models.TenantID, targets []models.TargetMetric) ([]models.MetricSnapshot, error) {
	now := l.now().UTC()
	snapshots := make([]models.MetricSnapshot, 0, len(targets))
	for _, target := range targets {
		sig, err := l.signals.GetSignal(ctx, tenant, target.SignalID)
		if err != nil {
			return nil, err
		}
		samples, err := l.signals.SampleCountSince(ctx, tenant, target.SignalID, now.Add(-snapshotWindow))
		if err != nil {
			return nil, err
		}
		snapshots = append(snapshots, models.MetricSnapshot{
			SignalID:   sig.ID,
			Value:      sig.CurrentValue,
			SampleSize: samples,
			Confidence: l.est.Estimate(samples, samples),
			Timestamp:  now,
		})
	}
	return snapshots, nil
}

func (l *Lifecycle) reject(action string, from models.ExperimentStatus) error {
	metrics.ObserveTransition(action, metrics.OutcomeError)
	return utils.NewInvalidTransition(action, string(from))
}

func statusIn(s models.ExperimentStatus, set []models.ExperimentStatus) bool {
	for _, candidate := range set {
		if s == candidate {
			return true
		}
	}
	return false
}
