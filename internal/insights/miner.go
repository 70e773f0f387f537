// Package insights mines per-signal statistics from completed experiments:
// how often a signal is experimented on, how often those experiments
// succeed, and how much they tend to move the signal.
package insights

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/intentstack/intent-engine/internal/models"
	"github.com/intentstack/intent-engine/internal/repo"
)

// SignalInsight aggregates the outcomes of completed experiments that
// targeted one signal.
type SignalInsight struct {
	SignalID         models.SignalID `json:"signal_id"`
	Experiments      int             `json:"experiments"`
	Successes        int             `json:"successes"`
	Failures         int             `json:"failures"`
	Inconclusive     int             `json:"inconclusive"`
	GuardrailTripped int             `json:"guardrail_tripped"`
	SuccessRate      float64         `json:"success_rate"`
	AvgImprovement   float64         `json:"avg_improvement"`
	LastCompleted    time.Time       `json:"last_completed"`
}

// Miner derives signal insights from the experiment store.
type Miner struct {
	store  repo.ExperimentStore
	logger *slog.Logger
}

// NewMiner constructs a Miner.
func NewMiner(logger *slog.Logger, store repo.ExperimentStore) *Miner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Miner{store: store, logger: logger}
}

// Mine aggregates all COMPLETED experiments of the tenant by target signal.
// Insights are ordered by experiment count, busiest signal first.
func (m *Miner) Mine(ctx context.Context, tenant models.TenantID) ([]SignalInsight, error) {
	completed, err := m.store.ListExperimentsByStatus(ctx, models.StatusCompleted)
	if err != nil {
		return nil, err
	}

	bySignal := make(map[models.SignalID]*signalAggregate)
	for i := range completed {
		e := &completed[i]
		if e.TenantID != tenant {
			continue
		}
		for _, target := range e.TargetMetrics {
			agg := ensureAggregate(bySignal, target.SignalID)
			agg.observe(e, target.SignalID)
		}
	}

	insights := make([]SignalInsight, 0, len(bySignal))
	for id, agg := range bySignal {
		insights = append(insights, agg.insight(id))
	}
	sort.Slice(insights, func(i, j int) bool {
		if insights[i].Experiments != insights[j].Experiments {
			return insights[i].Experiments > insights[j].Experiments
		}
		return insights[i].SignalID < insights[j].SignalID
	})

	m.logger.Debug("mined experiment insights",
		"tenant", tenant, "completed", len(completed), "signals", len(insights))
	return insights, nil
}

type signalAggregate struct {
	experiments      int
	successes        int
	failures         int
	inconclusive     int
	guardrailTripped int
	improvementSum   float64
	improvementCount int
	lastCompleted    time.Time
}

func ensureAggregate(m map[models.SignalID]*signalAggregate, id models.SignalID) *signalAggregate {
	agg, ok := m[id]
	if !ok {
		agg = &signalAggregate{}
		m[id] = agg
	}
	return agg
}

func (agg *signalAggregate) observe(e *models.Experiment, id models.SignalID) {
	agg.experiments++
	switch e.Verdict {
	case models.VerdictSuccess:
		agg.successes++
	case models.VerdictFailure:
		agg.failures++
	case models.VerdictGuardrailTripped:
		agg.guardrailTripped++
	default:
		agg.inconclusive++
	}
	if imp, ok := snapshotImprovement(e, id); ok {
		agg.improvementSum += imp
		agg.improvementCount++
	}
	if e.EndedAt != nil && e.EndedAt.After(agg.lastCompleted) {
		agg.lastCompleted = *e.EndedAt
	}
}

func (agg *signalAggregate) insight(id models.SignalID) SignalInsight {
	out := SignalInsight{
		SignalID:         id,
		Experiments:      agg.experiments,
		Successes:        agg.successes,
		Failures:         agg.failures,
		Inconclusive:     agg.inconclusive,
		GuardrailTripped: agg.guardrailTripped,
		LastCompleted:    agg.lastCompleted,
	}
	if agg.experiments > 0 {
		out.SuccessRate = float64(agg.successes) / float64(agg.experiments)
	}
	if agg.improvementCount > 0 {
		out.AvgImprovement = agg.improvementSum / float64(agg.improvementCount)
	}
	return out
}

// snapshotImprovement recomputes the percent move between the stored control
// and treatment snapshots of one signal. Experiments tripped before
// treatment capture have no treatment snapshots and report no improvement.
func snapshotImprovement(e *models.Experiment, id models.SignalID) (float64, bool) {
	var control, treatment *models.MetricSnapshot
	for i := range e.ControlMetrics {
		if e.ControlMetrics[i].SignalID == id {
			control = &e.ControlMetrics[i]
			break
		}
	}
	for i := range e.TreatmentMetrics {
		if e.TreatmentMetrics[i].SignalID == id {
			treatment = &e.TreatmentMetrics[i]
			break
		}
	}
	if control == nil || treatment == nil || control.Value == 0 {
		return 0, false
	}
	return (treatment.Value - control.Value) / control.Value * 100, true
}
