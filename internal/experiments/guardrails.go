package experiments

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/intentstack/intent-engine/internal/metrics"
	"github.com/intentstack/intent-engine/internal/models"
	"github.com/intentstack/intent-engine/internal/notify"
	"github.com/intentstack/intent-engine/internal/repo"
	"github.com/intentstack/intent-engine/internal/utils"
)

// alertChannel is where guardrail alert actions are delivered.
const alertChannel = "guardrail-alerts"

// GuardrailMonitor evaluates the guardrails of running experiments against
// live signal values and applies the configured actions.
type GuardrailMonitor struct {
	logger    *slog.Logger
	store     repo.ExperimentStore
	signals   repo.SignalStore
	lifecycle *Lifecycle
	sender    notify.Sender

	// recipients for alert actions, from configuration.
	alertRecipients []string
}

// NewGuardrailMonitor wires the monitor. A nil sender means alert actions
// are logged but not delivered.
func NewGuardrailMonitor(logger *slog.Logger, store repo.ExperimentStore, signals repo.SignalStore, lifecycle *Lifecycle, sender notify.Sender, alertRecipients []string) *GuardrailMonitor {
	if sender == nil {
		sender = notify.NoopSender{}
	}
	return &GuardrailMonitor{
		logger:          logger,
		store:           store,
		signals:         signals,
		lifecycle:       lifecycle,
		sender:          sender,
		alertRecipients: alertRecipients,
	}
}

// Check evaluates every guardrail of the experiment in one pass. All
// violations are collected and reported together; actions are applied after
// evaluation, and the first stop action short-circuits any further state
// change in this call. Only RUNNING experiments are checked.
func (m *GuardrailMonitor) Check(ctx context.Context, tenant models.TenantID, id models.ExperimentID) (*models.GuardrailCheck, error) {
	e, err := m.store.GetExperiment(ctx, tenant, id)
	if err != nil {
		return nil, err
	}
	if e.Status != models.StatusRunning {
		return nil, utils.NewInvalidTransition("check guardrails for", string(e.Status))
	}
	return m.checkRunning(ctx, e)
}

func (m *GuardrailMonitor) checkRunning(ctx context.Context, e *models.Experiment) (*models.GuardrailCheck, error) {
	check := &models.GuardrailCheck{Passed: true}
	for _, g := range e.Guardrails {
		sig, err := m.signals.GetSignal(ctx, e.TenantID, g.SignalID)
		if err != nil {
			if utils.IsNotFound(err) {
				m.logger.Warn("guardrail references unknown signal",
					"experiment", e.ID, "signal", g.SignalID)
				continue
			}
			return nil, err
		}
		if g.Operator.Compare(sig.CurrentValue, g.Threshold) {
			check.Passed = false
			check.Violations = append(check.Violations, models.GuardrailViolation{
				Guardrail:    g,
				CurrentValue: sig.CurrentValue,
			})
		}
	}

	metrics.ObserveGuardrailCheck(check.Passed, violationActions(check.Violations))
	if check.Passed {
		return check, nil
	}

	if err := m.apply(ctx, e, check.Violations); err != nil {
		return check, err
	}
	return check, nil
}

// apply runs the configured actions over the collected violations. Status
// changes stop at the first stop action; alerts for violations already
// reported still fire.
func (m *GuardrailMonitor) apply(ctx context.Context, e *models.Experiment, violations []models.GuardrailViolation) error {
	stateChanged := false
	for _, v := range violations {
		reason := violationReason(v)
		switch v.Guardrail.Action {
		case models.ActionStop:
			if stateChanged {
				continue
			}
			if err := m.lifecycle.Trip(ctx, e, reason); err != nil {
				if utils.IsInvalidTransition(err) {
					// Another checker already transitioned it.
					stateChanged = true
					continue
				}
				return err
			}
			stateChanged = true
		case models.ActionPause:
			if stateChanged {
				continue
			}
			if err := m.lifecycle.PauseTripped(ctx, e, reason); err != nil {
				if utils.IsInvalidTransition(err) {
					stateChanged = true
					continue
				}
				return err
			}
			stateChanged = true
		case models.ActionAlert:
			m.alert(ctx, e, reason)
		default:
			m.logger.Warn("unknown guardrail action",
				"experiment", e.ID, "action", v.Guardrail.Action)
		}
	}
	return nil
}

func (m *GuardrailMonitor) alert(ctx context.Context, e *models.Experiment, reason string) {
	message := fmt.Sprintf("experiment %q (%s): %s", e.Name, e.ID, reason)
	result, err := m.sender.Send(ctx, alertChannel, m.alertRecipients, message)
	if err != nil {
		m.logger.Error("guardrail alert delivery failed",
			"experiment", e.ID, "error", err)
		return
	}
	if len(result.FailedRecipients) > 0 {
		m.logger.Warn("guardrail alert partially delivered",
			"experiment", e.ID,
			"failed_recipients", strings.Join(result.FailedRecipients, ","))
	}
}

// violationReason names the guardrail, the live value and the threshold it
// crossed. Stored verbatim as the verdict reason for stop actions.
func violationReason(v models.GuardrailViolation) string {
	return fmt.Sprintf("guardrail violated on signal %s: value %.4f %s threshold %.4f (action=%s)",
		v.Guardrail.SignalID, v.CurrentValue, v.Guardrail.Operator, v.Guardrail.Threshold, v.Guardrail.Action)
}

func violationActions(violations []models.GuardrailViolation) []string {
	actions := make([]string, 0, len(violations))
	for _, v := range violations {
		actions = append(actions, string(v.Guardrail.Action))
	}
	return actions
}
