package services

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/intentstack/intent-engine/internal/experiments"
	"github.com/intentstack/intent-engine/internal/insights"
	"github.com/intentstack/intent-engine/internal/models"
	"github.com/intentstack/intent-engine/internal/repo"
	"github.com/intentstack/intent-engine/internal/utils"
)

// ExperimentService fronts experiment CRUD, lifecycle transitions and
// on-demand guardrail checks.
type ExperimentService struct {
	logger    *slog.Logger
	store     repo.ExperimentStore
	lifecycle *experiments.Lifecycle
	monitor   *experiments.GuardrailMonitor
	miner     *insights.Miner
}

// NewExperimentService constructs the experiment facade.
func NewExperimentService(logger *slog.Logger, store repo.ExperimentStore, lifecycle *experiments.Lifecycle, monitor *experiments.GuardrailMonitor) *ExperimentService {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExperimentService{
		logger:    logger,
		store:     store,
		lifecycle: lifecycle,
		monitor:   monitor,
		miner:     insights.NewMiner(logger, store),
	}
}

// Create validates and persists a new DRAFT experiment.
func (s *ExperimentService) Create(ctx context.Context, e *models.Experiment) (*models.Experiment, error) {
	if err := validateExperiment(e); err != nil {
		return nil, err
	}
	if e.ID == "" {
		e.ID = models.ExperimentID(uuid.NewString())
	}
	e.Status = models.StatusDraft
	if err := s.store.CreateExperiment(ctx, e); err != nil {
		return nil, err
	}
	s.logger.Info("experiment created",
		"experiment", e.ID, "tenant", e.TenantID,
		"targets", len(e.TargetMetrics), "guardrails", len(e.Guardrails))
	return e, nil
}

// Get looks up one experiment.
func (s *ExperimentService) Get(ctx context.Context, tenant models.TenantID, id models.ExperimentID) (*models.Experiment, error) {
	return s.store.GetExperiment(ctx, tenant, id)
}

// UpdateConfig rewrites an experiment's configurable fields. Rejected while
// the experiment is RUNNING or terminal.
func (s *ExperimentService) UpdateConfig(ctx context.Context, e *models.Experiment) (*models.Experiment, error) {
	if err := validateExperiment(e); err != nil {
		return nil, err
	}
	if err := s.lifecycle.UpdateConfig(ctx, e); err != nil {
		return nil, err
	}
	return s.store.GetExperiment(ctx, e.TenantID, e.ID)
}

// Start transitions DRAFT or SCHEDULED to RUNNING, capturing control
// snapshots.
func (s *ExperimentService) Start(ctx context.Context, tenant models.TenantID, id models.ExperimentID) (*models.Experiment, error) {
	return s.lifecycle.Start(ctx, tenant, id)
}

// Pause transitions RUNNING to PAUSED.
func (s *ExperimentService) Pause(ctx context.Context, tenant models.TenantID, id models.ExperimentID) (*models.Experiment, error) {
	return s.lifecycle.Pause(ctx, tenant, id)
}

// Resume transitions PAUSED back to RUNNING.
func (s *ExperimentService) Resume(ctx context.Context, tenant models.TenantID, id models.ExperimentID) (*models.Experiment, error) {
	return s.lifecycle.Resume(ctx, tenant, id)
}

// Schedule transitions DRAFT to SCHEDULED.
func (s *ExperimentService) Schedule(ctx context.Context, tenant models.TenantID, id models.ExperimentID) (*models.Experiment, error) {
	return s.lifecycle.Schedule(ctx, tenant, id)
}

// Cancel transitions any non-terminal experiment to CANCELLED.
func (s *ExperimentService) Cancel(ctx context.Context, tenant models.TenantID, id models.ExperimentID) (*models.Experiment, error) {
	return s.lifecycle.Cancel(ctx, tenant, id)
}

// Stop completes the experiment and returns the analyzed results.
func (s *ExperimentService) Stop(ctx context.Context, tenant models.TenantID, id models.ExperimentID) (*models.Experiment, *models.ExperimentResults, error) {
	return s.lifecycle.Stop(ctx, tenant, id)
}

// CheckGuardrails evaluates the experiment's guardrails once and applies
// any configured actions.
func (s *ExperimentService) CheckGuardrails(ctx context.Context, tenant models.TenantID, id models.ExperimentID) (*models.GuardrailCheck, error) {
	return s.monitor.Check(ctx, tenant, id)
}

// Insights aggregates completed experiments per target signal.
func (s *ExperimentService) Insights(ctx context.Context, tenant models.TenantID) ([]insights.SignalInsight, error) {
	return s.miner.Mine(ctx, tenant)
}

func validateExperiment(e *models.Experiment) error {
	if e.Name == "" {
		return fmt.Errorf("%w: experiment name is required", utils.ErrInvalidInput)
	}
	if e.TrafficPercent < 0 || e.TrafficPercent > 100 {
		return fmt.Errorf("%w: traffic percent %.2f out of range [0,100]", utils.ErrInvalidInput, e.TrafficPercent)
	}
	for _, c := range e.SuccessCriteria {
		if !c.Operator.Valid() {
			return fmt.Errorf("%w: success criterion operator %q for signal %s", utils.ErrInvalidInput, c.Operator, c.SignalID)
		}
	}
	for _, g := range e.Guardrails {
		// Guardrails compare a continuous live value, so equality is not a
		// meaningful safety threshold.
		if !g.Operator.Valid() || g.Operator == models.OpEqual {
			return fmt.Errorf("%w: guardrail operator %q for signal %s", utils.ErrInvalidInput, g.Operator, g.SignalID)
		}
		if !g.Action.Valid() {
			return fmt.Errorf("%w: guardrail action %q for signal %s", utils.ErrInvalidInput, g.Action, g.SignalID)
		}
	}
	return nil
}
