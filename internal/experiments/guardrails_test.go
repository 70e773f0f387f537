package experiments

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/intentstack/intent-engine/internal/models"
	"github.com/intentstack/intent-engine/internal/notify"
	"github.com/intentstack/intent-engine/internal/utils"
)

type recordingSender struct {
	mu       sync.Mutex
	channels []string
	messages []string
}

func (s *recordingSender) Send(ctx context.Context, channel string, recipients []string, message string) (notify.SendResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channels = append(s.channels, channel)
	s.messages = append(s.messages, message)
	return notify.SendResult{Success: true, SentCount: len(recipients)}, nil
}

func (s *recordingSender) sent() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

func runningExperiment(id models.ExperimentID, guardrails ...models.Guardrail) *models.Experiment {
	return &models.Experiment{
		ID:         id,
		TenantID:   "t1",
		Name:       string(id),
		Status:     models.StatusRunning,
		Guardrails: guardrails,
	}
}

func newMonitor(store *memExperimentStore, signals *memSignals, sender notify.Sender) *GuardrailMonitor {
	lc := NewLifecycle(discardLogger(), store, signals, nil)
	return NewGuardrailMonitor(discardLogger(), store, signals, lc, sender, []string{"oncall@example.com"})
}

func TestCheckStopActionTripsExperiment(t *testing.T) {
	signals := newMemSignals(liveSignal("error-rate", 0.15))
	store := newMemExperimentStore(runningExperiment("exp1", models.Guardrail{
		SignalID:  "error-rate",
		Operator:  models.OpGreater,
		Threshold: 0.1,
		Action:    models.ActionStop,
	}))
	monitor := newMonitor(store, signals, nil)

	check, err := monitor.Check(context.Background(), "t1", "exp1")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if check.Passed || len(check.Violations) != 1 {
		t.Fatalf("expected one violation, got %+v", check)
	}
	if check.Violations[0].CurrentValue != 0.15 {
		t.Fatalf("expected live value 0.15, got %v", check.Violations[0].CurrentValue)
	}

	stored, _ := store.GetExperiment(context.Background(), "t1", "exp1")
	if stored.Status != models.StatusCompleted {
		t.Fatalf("expected COMPLETED after stop action, got %s", stored.Status)
	}
	if stored.Verdict != models.VerdictGuardrailTripped {
		t.Fatalf("expected GUARDRAIL_TRIPPED, got %s", stored.Verdict)
	}
	if !strings.Contains(stored.VerdictReason, "guardrail violated on signal error-rate") {
		t.Fatalf("unexpected reason %q", stored.VerdictReason)
	}
	if stored.EndedAt == nil {
		t.Fatal("expected endedAt after guardrail stop")
	}
}

func TestCheckPauseActionPausesExperiment(t *testing.T) {
	signals := newMemSignals(liveSignal("latency-p99", 800))
	store := newMemExperimentStore(runningExperiment("exp1", models.Guardrail{
		SignalID:  "latency-p99",
		Operator:  models.OpGreaterEqual,
		Threshold: 500,
		Action:    models.ActionPause,
	}))
	monitor := newMonitor(store, signals, nil)

	check, err := monitor.Check(context.Background(), "t1", "exp1")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if check.Passed {
		t.Fatal("expected a violation")
	}

	stored, _ := store.GetExperiment(context.Background(), "t1", "exp1")
	if stored.Status != models.StatusPaused {
		t.Fatalf("expected PAUSED after pause action, got %s", stored.Status)
	}
	if !strings.Contains(stored.Learnings, "guardrail violated") {
		t.Fatalf("expected reason in learnings, got %q", stored.Learnings)
	}
}

func TestCheckAlertActionNotifies(t *testing.T) {
	sender := &recordingSender{}
	signals := newMemSignals(liveSignal("churn", 0.4))
	store := newMemExperimentStore(runningExperiment("exp1", models.Guardrail{
		SignalID:  "churn",
		Operator:  models.OpGreater,
		Threshold: 0.3,
		Action:    models.ActionAlert,
	}))
	monitor := newMonitor(store, signals, sender)

	if _, err := monitor.Check(context.Background(), "t1", "exp1"); err != nil {
		t.Fatalf("check: %v", err)
	}
	if sender.sent() != 1 {
		t.Fatalf("expected one alert, got %d", sender.sent())
	}
	if sender.channels[0] != alertChannel {
		t.Fatalf("expected channel %q, got %q", alertChannel, sender.channels[0])
	}
	if !strings.Contains(sender.messages[0], "churn") {
		t.Fatalf("expected alert to name the signal, got %q", sender.messages[0])
	}

	// Alerts never change experiment state.
	stored, _ := store.GetExperiment(context.Background(), "t1", "exp1")
	if stored.Status != models.StatusRunning {
		t.Fatalf("expected RUNNING after alert, got %s", stored.Status)
	}
}

func TestCheckPassesWithinThresholds(t *testing.T) {
	signals := newMemSignals(liveSignal("error-rate", 0.05))
	store := newMemExperimentStore(runningExperiment("exp1", models.Guardrail{
		SignalID:  "error-rate",
		Operator:  models.OpGreater,
		Threshold: 0.1,
		Action:    models.ActionStop,
	}))
	monitor := newMonitor(store, signals, nil)

	check, err := monitor.Check(context.Background(), "t1", "exp1")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !check.Passed || len(check.Violations) != 0 {
		t.Fatalf("expected a clean check, got %+v", check)
	}
	stored, _ := store.GetExperiment(context.Background(), "t1", "exp1")
	if stored.Status != models.StatusRunning {
		t.Fatalf("expected RUNNING, got %s", stored.Status)
	}
}

func TestCheckRejectsNonRunning(t *testing.T) {
	e := runningExperiment("exp1")
	e.Status = models.StatusDraft
	store := newMemExperimentStore(e)
	monitor := newMonitor(store, newMemSignals(), nil)

	if _, err := monitor.Check(context.Background(), "t1", "exp1"); !utils.IsInvalidTransition(err) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
}

func TestCheckSkipsUnknownSignals(t *testing.T) {
	signals := newMemSignals(liveSignal("known", 10))
	store := newMemExperimentStore(runningExperiment("exp1",
		models.Guardrail{SignalID: "ghost", Operator: models.OpGreater, Threshold: 1, Action: models.ActionStop},
		models.Guardrail{SignalID: "known", Operator: models.OpGreater, Threshold: 100, Action: models.ActionStop},
	))
	monitor := newMonitor(store, signals, nil)

	check, err := monitor.Check(context.Background(), "t1", "exp1")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !check.Passed {
		t.Fatalf("expected pass with the unknown signal skipped, got %+v", check)
	}
}

func TestStopShortCircuitsFurtherStateChanges(t *testing.T) {
	sender := &recordingSender{}
	signals := newMemSignals(
		liveSignal("error-rate", 0.2),
		liveSignal("latency-p99", 900),
		liveSignal("churn", 0.5),
	)
	store := newMemExperimentStore(runningExperiment("exp1",
		models.Guardrail{SignalID: "error-rate", Operator: models.OpGreater, Threshold: 0.1, Action: models.ActionStop},
		models.Guardrail{SignalID: "latency-p99", Operator: models.OpGreater, Threshold: 500, Action: models.ActionPause},
		models.Guardrail{SignalID: "churn", Operator: models.OpGreater, Threshold: 0.3, Action: models.ActionAlert},
	))
	monitor := newMonitor(store, signals, sender)

	check, err := monitor.Check(context.Background(), "t1", "exp1")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if len(check.Violations) != 3 {
		t.Fatalf("expected all violations collected, got %d", len(check.Violations))
	}

	// The stop wins; the pause is skipped; the alert still fires.
	stored, _ := store.GetExperiment(context.Background(), "t1", "exp1")
	if stored.Status != models.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", stored.Status)
	}
	if stored.Verdict != models.VerdictGuardrailTripped {
		t.Fatalf("expected GUARDRAIL_TRIPPED, got %s", stored.Verdict)
	}
	if sender.sent() != 1 {
		t.Fatalf("expected the alert to fire, got %d sends", sender.sent())
	}
}

func TestSweepChecksRunningExperiments(t *testing.T) {
	signals := newMemSignals(liveSignal("error-rate", 0.2))
	violating := runningExperiment("bad", models.Guardrail{
		SignalID:  "error-rate",
		Operator:  models.OpGreater,
		Threshold: 0.1,
		Action:    models.ActionStop,
	})
	healthy := runningExperiment("good", models.Guardrail{
		SignalID:  "error-rate",
		Operator:  models.OpGreater,
		Threshold: 0.5,
		Action:    models.ActionStop,
	})
	store := newMemExperimentStore(violating, healthy)
	monitor := newMonitor(store, signals, nil)
	poller := NewPoller(discardLogger(), store, monitor, 0)

	poller.Sweep(context.Background())

	bad, _ := store.GetExperiment(context.Background(), "t1", "bad")
	if bad.Status != models.StatusCompleted {
		t.Fatalf("expected violating experiment COMPLETED, got %s", bad.Status)
	}
	good, _ := store.GetExperiment(context.Background(), "t1", "good")
	if good.Status != models.StatusRunning {
		t.Fatalf("expected healthy experiment untouched, got %s", good.Status)
	}
}
