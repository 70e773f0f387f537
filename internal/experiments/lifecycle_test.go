package experiments

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/intentstack/intent-engine/internal/models"
	"github.com/intentstack/intent-engine/internal/repo"
	"github.com/intentstack/intent-engine/internal/utils"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memExperimentStore mimics the conditional-update semantics of the SQLite
// store: the write lands only when the stored version matches and the stored
// status is in the allowed set.
type memExperimentStore struct {
	mu          sync.Mutex
	experiments map[models.ExperimentID]*models.Experiment
	forcedErr   error
}

func newMemExperimentStore(experiments ...*models.Experiment) *memExperimentStore {
	st := &memExperimentStore{experiments: make(map[models.ExperimentID]*models.Experiment)}
	for _, e := range experiments {
		st.experiments[e.ID] = e
	}
	return st
}

func (st *memExperimentStore) CreateExperiment(ctx context.Context, e *models.Experiment) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	c := *e
	st.experiments[e.ID] = &c
	return nil
}

func (st *memExperimentStore) GetExperiment(ctx context.Context, tenant models.TenantID, id models.ExperimentID) (*models.Experiment, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	e, ok := st.experiments[id]
	if !ok || e.TenantID != tenant {
		return nil, utils.NewNotFound("experiment", string(id), string(tenant))
	}
	c := *e
	return &c, nil
}

func (st *memExperimentStore) UpdateExperimentIfStatus(ctx context.Context, e *models.Experiment, allowed []models.ExperimentStatus) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.forcedErr != nil {
		return st.forcedErr
	}
	cur, ok := st.experiments[e.ID]
	if !ok || cur.TenantID != e.TenantID {
		return repo.ErrConflict
	}
	if cur.Version != e.Version || !statusIn(cur.Status, allowed) {
		return repo.ErrConflict
	}
	c := *e
	c.Version++
	c.UpdatedAt = time.Now().UTC()
	st.experiments[e.ID] = &c
	e.Version++
	return nil
}

func (st *memExperimentStore) UpdateExperimentConfig(ctx context.Context, e *models.Experiment) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	cur, ok := st.experiments[e.ID]
	if !ok || cur.TenantID != e.TenantID {
		return utils.NewNotFound("experiment", string(e.ID), string(e.TenantID))
	}
	cur.TargetMetrics = e.TargetMetrics
	cur.SuccessCriteria = e.SuccessCriteria
	cur.Guardrails = e.Guardrails
	return nil
}

func (st *memExperimentStore) ListExperimentsByStatus(ctx context.Context, status models.ExperimentStatus) ([]models.Experiment, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	var out []models.Experiment
	for _, e := range st.experiments {
		if e.Status == status {
			out = append(out, *e)
		}
	}
	return out, nil
}

// memSignals serves live signal state and sample counts for snapshot capture.
type memSignals struct {
	mu      sync.Mutex
	signals map[models.SignalID]*models.Signal
	samples map[models.SignalID]int
}

func newMemSignals(signals ...*models.Signal) *memSignals {
	st := &memSignals{
		signals: make(map[models.SignalID]*models.Signal),
		samples: make(map[models.SignalID]int),
	}
	for _, s := range signals {
		st.signals[s.ID] = s
	}
	return st
}

func (st *memSignals) setValue(id models.SignalID, value float64) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.signals[id].CurrentValue = value
}

func (st *memSignals) CreateSignal(ctx context.Context, s *models.Signal) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.signals[s.ID] = s
	return nil
}

func (st *memSignals) GetSignal(ctx context.Context, tenant models.TenantID, id models.SignalID) (*models.Signal, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.signals[id]
	if !ok || s.TenantID != tenant {
		return nil, utils.NewNotFound("signal", string(id), string(tenant))
	}
	c := *s
	return &c, nil
}

func (st *memSignals) UpdateSignalState(ctx context.Context, s *models.Signal) error { return nil }

func (st *memSignals) ListSignalsByIntent(ctx context.Context, tenant models.TenantID, intent models.IntentID) ([]models.Signal, error) {
	return nil, nil
}

func (st *memSignals) InsertMeasurement(ctx context.Context, m *models.SignalMeasurement) error {
	return nil
}

func (st *memSignals) InsertMeasurements(ctx context.Context, ms []models.SignalMeasurement) error {
	return nil
}

func (st *memSignals) RecentValues(ctx context.Context, tenant models.TenantID, id models.SignalID, since time.Time, limit int) ([]float64, error) {
	return nil, nil
}

func (st *memSignals) ValuesBetween(ctx context.Context, tenant models.TenantID, id models.SignalID, from, to time.Time) ([]float64, error) {
	return nil, nil
}

func (st *memSignals) SampleCountSince(ctx context.Context, tenant models.TenantID, id models.SignalID, since time.Time) (int, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.samples[id], nil
}

func liveSignal(id models.SignalID, value float64) *models.Signal {
	return &models.Signal{
		ID:           id,
		TenantID:     "t1",
		Name:         string(id),
		Direction:    models.DirectionIncrease,
		CurrentValue: value,
		IsActive:     true,
	}
}

func draftExperiment(id models.ExperimentID, targets ...models.SignalID) *models.Experiment {
	e := &models.Experiment{
		ID:       id,
		TenantID: "t1",
		Name:     string(id),
		Status:   models.StatusDraft,
	}
	for _, t := range targets {
		e.TargetMetrics = append(e.TargetMetrics, models.TargetMetric{SignalID: t, Weight: 1})
	}
	return e
}

func TestStartCapturesControlSnapshots(t *testing.T) {
	signals := newMemSignals(liveSignal("conv", 100))
	signals.samples["conv"] = 2000
	store := newMemExperimentStore(draftExperiment("exp1", "conv"))
	lc := NewLifecycle(discardLogger(), store, signals, nil)

	e, err := lc.Start(context.Background(), "t1", "exp1")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if e.Status != models.StatusRunning {
		t.Fatalf("expected RUNNING, got %s", e.Status)
	}
	if e.StartedAt == nil {
		t.Fatal("expected startedAt to be set")
	}
	if len(e.ControlMetrics) != 1 {
		t.Fatalf("expected 1 control snapshot, got %d", len(e.ControlMetrics))
	}
	snap := e.ControlMetrics[0]
	if snap.SignalID != "conv" || snap.Value != 100 || snap.SampleSize != 2000 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if snap.Confidence != 0.99 {
		t.Fatalf("expected confidence 0.99 at 2000 samples, got %v", snap.Confidence)
	}

	stored, err := store.GetExperiment(context.Background(), "t1", "exp1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Status != models.StatusRunning || len(stored.ControlMetrics) != 1 {
		t.Fatalf("transition not persisted: %+v", stored)
	}
}

func TestStartRejectsWrongStatus(t *testing.T) {
	for _, status := range []models.ExperimentStatus{
		models.StatusRunning, models.StatusPaused, models.StatusCompleted,
		models.StatusCancelled, models.StatusFailed,
	} {
		e := draftExperiment("exp1")
		e.Status = status
		store := newMemExperimentStore(e)
		lc := NewLifecycle(discardLogger(), store, newMemSignals(), nil)

		if _, err := lc.Start(context.Background(), "t1", "exp1"); !utils.IsInvalidTransition(err) {
			t.Fatalf("start from %s: expected invalid transition, got %v", status, err)
		}
	}
}

func TestStartFailsOnCaptureError(t *testing.T) {
	store := newMemExperimentStore(draftExperiment("exp1", "missing-signal"))
	lc := NewLifecycle(discardLogger(), store, newMemSignals(), nil)

	if _, err := lc.Start(context.Background(), "t1", "exp1"); err == nil {
		t.Fatal("expected capture error")
	}
	stored, _ := store.GetExperiment(context.Background(), "t1", "exp1")
	if stored.Status != models.StatusFailed {
		t.Fatalf("expected FAILED after capture error, got %s", stored.Status)
	}
	if stored.VerdictReason == "" {
		t.Fatal("expected a verdict reason naming the failure")
	}
	if stored.EndedAt == nil {
		t.Fatal("expected endedAt on the failed experiment")
	}
}

func TestStopAnalyzesAndCompletes(t *testing.T) {
	signals := newMemSignals(liveSignal("conv", 100))
	signals.samples["conv"] = 2000
	e := draftExperiment("exp1", "conv")
	e.SuccessCriteria = []models.SuccessCriterion{
		{SignalID: "conv", Operator: models.OpGreater, Threshold: 105},
	}
	store := newMemExperimentStore(e)
	lc := NewLifecycle(discardLogger(), store, signals, nil)

	if _, err := lc.Start(context.Background(), "t1", "exp1"); err != nil {
		t.Fatalf("start: %v", err)
	}

	// Treatment moves the signal. The control snapshot must keep the value
	// captured at start.
	signals.setValue("conv", 110)

	stopped, results, err := lc.Stop(context.Background(), "t1", "exp1")
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if stopped.Status != models.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", stopped.Status)
	}
	if stopped.EndedAt == nil {
		t.Fatal("expected endedAt to be set")
	}
	if stopped.ControlMetrics[0].Value != 100 {
		t.Fatalf("control snapshot drifted: %v", stopped.ControlMetrics[0].Value)
	}
	if stopped.TreatmentMetrics[0].Value != 110 {
		t.Fatalf("expected treatment value 110, got %v", stopped.TreatmentMetrics[0].Value)
	}
	if results.Verdict != models.VerdictSuccess {
		t.Fatalf("expected SUCCESS, got %s (%s)", results.Verdict, results.VerdictReason)
	}
	if stopped.Verdict != results.Verdict || stopped.VerdictReason != results.VerdictReason {
		t.Fatal("verdict not persisted on the experiment")
	}
}

func TestStopRejectsNonRunning(t *testing.T) {
	store := newMemExperimentStore(draftExperiment("exp1"))
	lc := NewLifecycle(discardLogger(), store, newMemSignals(), nil)

	if _, _, err := lc.Stop(context.Background(), "t1", "exp1"); !utils.IsInvalidTransition(err) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
}

func TestSimpleTransitions(t *testing.T) {
	cases := []struct {
		name string
		from models.ExperimentStatus
		call func(lc *Lifecycle) (*models.Experiment, error)
		want models.ExperimentStatus
	}{
		{
			name: "schedule draft",
			from: models.StatusDraft,
			call: func(lc *Lifecycle) (*models.Experiment, error) {
				return lc.Schedule(context.Background(), "t1", "exp1")
			},
			want: models.StatusScheduled,
		},
		{
			name: "pause running",
			from: models.StatusRunning,
			call: func(lc *Lifecycle) (*models.Experiment, error) {
				return lc.Pause(context.Background(), "t1", "exp1")
			},
			want: models.StatusPaused,
		},
		{
			name: "resume paused",
			from: models.StatusPaused,
			call: func(lc *Lifecycle) (*models.Experiment, error) {
				return lc.Resume(context.Background(), "t1", "exp1")
			},
			want: models.StatusRunning,
		},
		{
			name: "cancel running",
			from: models.StatusRunning,
			call: func(lc *Lifecycle) (*models.Experiment, error) {
				return lc.Cancel(context.Background(), "t1", "exp1")
			},
			want: models.StatusCancelled,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := draftExperiment("exp1")
			e.Status = tc.from
			store := newMemExperimentStore(e)
			lc := NewLifecycle(discardLogger(), store, newMemSignals(), nil)

			got, err := tc.call(lc)
			if err != nil {
				t.Fatalf("transition: %v", err)
			}
			if got.Status != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, got.Status)
			}
			stored, _ := store.GetExperiment(context.Background(), "t1", "exp1")
			if stored.Status != tc.want {
				t.Fatalf("transition not persisted, store has %s", stored.Status)
			}
		})
	}
}

func TestCancelSetsEndedAt(t *testing.T) {
	e := draftExperiment("exp1")
	e.Status = models.StatusPaused
	store := newMemExperimentStore(e)
	lc := NewLifecycle(discardLogger(), store, newMemSignals(), nil)

	got, err := lc.Cancel(context.Background(), "t1", "exp1")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got.EndedAt == nil {
		t.Fatal("expected endedAt on cancel")
	}
}

func TestCancelRejectsTerminal(t *testing.T) {
	for _, status := range []models.ExperimentStatus{
		models.StatusCompleted, models.StatusCancelled, models.StatusFailed,
	} {
		e := draftExperiment("exp1")
		e.Status = status
		store := newMemExperimentStore(e)
		lc := NewLifecycle(discardLogger(), store, newMemSignals(), nil)

		if _, err := lc.Cancel(context.Background(), "t1", "exp1"); !utils.IsInvalidTransition(err) {
			t.Fatalf("cancel from %s: expected invalid transition, got %v", status, err)
		}
	}
}

func TestCommitConflictSurfacesAsInvalidTransition(t *testing.T) {
	e := draftExperiment("exp1")
	e.Status = models.StatusRunning
	store := newMemExperimentStore(e)
	store.forcedErr = repo.ErrConflict
	lc := NewLifecycle(discardLogger(), store, newMemSignals(), nil)

	_, err := lc.Pause(context.Background(), "t1", "exp1")
	if !utils.IsInvalidTransition(err) {
		t.Fatalf("expected invalid transition after conflict, got %v", err)
	}
}

func TestUpdateConfigRejectsRunningAndTerminal(t *testing.T) {
	for _, status := range []models.ExperimentStatus{
		models.StatusRunning, models.StatusCompleted, models.StatusCancelled, models.StatusFailed,
	} {
		e := draftExperiment("exp1")
		e.Status = status
		store := newMemExperimentStore(e)
		lc := NewLifecycle(discardLogger(), store, newMemSignals(), nil)

		err := lc.UpdateConfig(context.Background(), &models.Experiment{ID: "exp1", TenantID: "t1"})
		if !utils.IsInvalidTransition(err) {
			t.Fatalf("update in %s: expected invalid transition, got %v", status, err)
		}
	}
}

func TestUpdateConfigAllowedWhileDraft(t *testing.T) {
	store := newMemExperimentStore(draftExperiment("exp1"))
	lc := NewLifecycle(discardLogger(), store, newMemSignals(), nil)

	update := &models.Experiment{
		ID:       "exp1",
		TenantID: "t1",
		TargetMetrics: []models.TargetMetric{
			{SignalID: "conv", Weight: 1},
		},
	}
	if err := lc.UpdateConfig(context.Background(), update); err != nil {
		t.Fatalf("update: %v", err)
	}
	stored, _ := store.GetExperiment(context.Background(), "t1", "exp1")
	if len(stored.TargetMetrics) != 1 {
		t.Fatalf("config update not persisted: %+v", stored.TargetMetrics)
	}
}
