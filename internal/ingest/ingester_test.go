package ingest

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/intentstack/intent-engine/internal/models"
	"github.com/intentstack/intent-engine/internal/utils"
)

// memSignalStore is an in-memory SignalStore. recent/baseline are served
// verbatim so tests can stage trend and anomaly windows without replaying
// history through the query paths.
type memSignalStore struct {
	mu           sync.Mutex
	signals      map[models.SignalID]*models.Signal
	measurements []models.SignalMeasurement
	recent       []float64
	baseline     []float64
	failInsert   map[models.SignalID]bool
	updateCalls  int
}

func newMemSignalStore(signals ...*models.Signal) *memSignalStore {
	st := &memSignalStore{
		signals:    make(map[models.SignalID]*models.Signal),
		failInsert: make(map[models.SignalID]bool),
	}
	for _, s := range signals {
		st.signals[s.ID] = s
	}
	return st
}

func (st *memSignalStore) CreateSignal(ctx context.Context, s *models.Signal) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.signals[s.ID] = s
	return nil
}

func (st *memSignalStore) GetSignal(ctx context.Context, tenant models.TenantID, id models.SignalID) (*models.Signal, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.signals[id]
	if !ok || s.TenantID != tenant {
		return nil, utils.NewNotFound("signal", string(id), string(tenant))
	}
	c := *s
	return &c, nil
}

func (st *memSignalStore) UpdateSignalState(ctx context.Context, s *models.Signal) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.updateCalls++
	c := *s
	st.signals[s.ID] = &c
	return nil
}

func (st *memSignalStore) ListSignalsByIntent(ctx context.Context, tenant models.TenantID, intent models.IntentID) ([]models.Signal, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	var out []models.Signal
	for _, s := range st.signals {
		if s.TenantID == tenant && s.IntentID != nil && *s.IntentID == intent {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (st *memSignalStore) InsertMeasurement(ctx context.Context, m *models.SignalMeasurement) error {
	return st.InsertMeasurements(ctx, []models.SignalMeasurement{*m})
}

func (st *memSignalStore) InsertMeasurements(ctx context.Context, ms []models.SignalMeasurement) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	for _, m := range ms {
		if st.failInsert[m.SignalID] {
			return fmt.Errorf("store unavailable for %s", m.SignalID)
		}
	}
	st.measurements = append(st.measurements, ms...)
	return nil
}

func (st *memSignalStore) RecentValues(ctx context.Context, tenant models.TenantID, id models.SignalID, since time.Time, limit int) ([]float64, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	return append([]float64(nil), st.recent...), nil
}

func (st *memSignalStore) ValuesBetween(ctx context.Context, tenant models.TenantID, id models.SignalID, from, to time.Time) ([]float64, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	return append([]float64(nil), st.baseline...), nil
}

func (st *memSignalStore) SampleCountSince(ctx context.Context, tenant models.TenantID, id models.SignalID, since time.Time) (int, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	total := 0
	for _, m := range st.measurements {
		if m.SignalID == id && m.TenantID == tenant && !m.MeasuredAt.Before(since) {
			total += m.SampleCount
		}
	}
	return total, nil
}

func (st *memSignalStore) measurementCount(id models.SignalID) int {
	st.mu.Lock()
	defer st.mu.Unlock()
	n := 0
	for _, m := range st.measurements {
		if m.SignalID == id {
			n++
		}
	}
	return n
}

func testSignal(id models.SignalID) *models.Signal {
	return &models.Signal{
		ID:            id,
		TenantID:      "t1",
		Name:          string(id),
		Direction:     models.DirectionIncrease,
		WindowMinutes: 60,
		Health:        models.HealthUnknown,
		Trend:         models.TrendStable,
		IsActive:      true,
	}
}

func TestRecordUpdatesSignalState(t *testing.T) {
	store := newMemSignalStore(testSignal("latency"))
	ing := NewIngester(nil, store, nil)

	m, err := ing.Record(context.Background(), "t1", models.MeasurementInput{
		SignalID: "latency",
		Value:    42,
	})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if m.ID == "" {
		t.Fatal("expected a generated measurement id")
	}
	if m.SampleCount != 1 {
		t.Fatalf("expected default sample count 1, got %d", m.SampleCount)
	}
	if m.MeasuredAt.IsZero() {
		t.Fatal("expected measuredAt to default to now")
	}

	sig, err := store.GetSignal(context.Background(), "t1", "latency")
	if err != nil {
		t.Fatalf("get signal: %v", err)
	}
	if sig.CurrentValue != 42 {
		t.Fatalf("expected currentValue 42, got %v", sig.CurrentValue)
	}
	if sig.PreviousValue != 0 {
		t.Fatalf("expected previousValue 0, got %v", sig.PreviousValue)
	}
	if sig.Health != models.HealthUnknown {
		t.Fatalf("expected UNKNOWN without thresholds, got %s", sig.Health)
	}
	if sig.LastMeasuredAt.IsZero() {
		t.Fatal("expected lastMeasuredAt to be set")
	}
}

func TestRecordRejectsInvalidInput(t *testing.T) {
	store := newMemSignalStore(testSignal("latency"))
	ing := NewIngester(nil, store, nil)

	cases := map[string]models.MeasurementInput{
		"missing signal id": {Value: 1},
		"not finite":        {SignalID: "latency", Value: math.NaN()},
		"negative samples":  {SignalID: "latency", SampleCount: -1},
	}
	for name, input := range cases {
		if _, err := ing.Record(context.Background(), "t1", input); !errors.Is(err, utils.ErrInvalidInput) {
			t.Fatalf("%s: expected ErrInvalidInput, got %v", name, err)
		}
	}
	if n := store.measurementCount("latency"); n != 0 {
		t.Fatalf("expected no persisted measurements, got %d", n)
	}
}

func TestRecordUnknownSignal(t *testing.T) {
	store := newMemSignalStore()
	ing := NewIngester(nil, store, nil)

	_, err := ing.Record(context.Background(), "t1", models.MeasurementInput{SignalID: "ghost", Value: 1})
	if !utils.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRecordBatchIsolatesFailingGroups(t *testing.T) {
	store := newMemSignalStore(testSignal("ok"), testSignal("broken"))
	store.failInsert["broken"] = true
	ing := NewIngester(nil, store, nil)

	inputs := []models.MeasurementInput{
		{SignalID: "ok", Value: 1},
		{SignalID: "ok", Value: 2},
		{SignalID: "ok", Value: 3},
		{SignalID: "broken", Value: 4},
		{SignalID: "broken", Value: 5},
		{Value: 6}, // malformed, dropped at validation
	}
	res := ing.RecordBatch(context.Background(), "t1", inputs)
	if res.Recorded != 3 {
		t.Fatalf("expected 3 recorded, got %d", res.Recorded)
	}
	if res.Failed != 3 {
		t.Fatalf("expected 3 failed (2 group + 1 malformed), got %d", res.Failed)
	}
	if n := store.measurementCount("ok"); n != 3 {
		t.Fatalf("expected 3 measurements for ok, got %d", n)
	}
	if n := store.measurementCount("broken"); n != 0 {
		t.Fatalf("expected no measurements for broken, got %d", n)
	}
}

func TestRecordBatchOutOfOrderKeepsNewestValue(t *testing.T) {
	store := newMemSignalStore(testSignal("conv"))
	ing := NewIngester(nil, store, nil)

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	inputs := []models.MeasurementInput{
		{SignalID: "conv", Value: 30, MeasuredAt: base.Add(2 * time.Minute)},
		{SignalID: "conv", Value: 10, MeasuredAt: base},
		{SignalID: "conv", Value: 20, MeasuredAt: base.Add(time.Minute)},
	}
	res := ing.RecordBatch(context.Background(), "t1", inputs)
	if res.Recorded != 3 || res.Failed != 0 {
		t.Fatalf("unexpected batch result %+v", res)
	}

	sig, err := store.GetSignal(context.Background(), "t1", "conv")
	if err != nil {
		t.Fatalf("get signal: %v", err)
	}
	if sig.CurrentValue != 30 {
		t.Fatalf("expected newest value 30 as currentValue, got %v", sig.CurrentValue)
	}
	if !sig.LastMeasuredAt.Equal(base.Add(2 * time.Minute)) {
		t.Fatalf("expected lastMeasuredAt from newest entry, got %v", sig.LastMeasuredAt)
	}
}

func TestDetectAnomaliesPersistsAndClears(t *testing.T) {
	store := newMemSignalStore(testSignal("errors"))
	store.recent = []float64{80}
	store.baseline = []float64{10, 10, 10, 10, 10, 10, 10, 10, 10, 10}
	ing := NewIngester(nil, store, nil)

	details, err := ing.DetectAnomalies(context.Background(), "t1", "errors")
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if details == nil || details.Type != "spike" {
		t.Fatalf("expected a spike, got %+v", details)
	}
	sig, _ := store.GetSignal(context.Background(), "t1", "errors")
	if !sig.AnomalyDetected || sig.AnomalyDetails == nil {
		t.Fatal("expected anomaly flag persisted")
	}

	// Back inside the baseline: the flag must clear.
	store.mu.Lock()
	store.recent = []float64{11}
	store.mu.Unlock()

	details, err = ing.DetectAnomalies(context.Background(), "t1", "errors")
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if details != nil {
		t.Fatalf("expected no anomaly, got %+v", details)
	}
	sig, _ = store.GetSignal(context.Background(), "t1", "errors")
	if sig.AnomalyDetected || sig.AnomalyDetails != nil {
		t.Fatal("expected anomaly flag cleared")
	}
}
