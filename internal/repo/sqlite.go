package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/intentstack/intent-engine/internal/models"
	"github.com/intentstack/intent-engine/internal/utils"
)

// SQLiteStore implements Store using pure-Go SQLite. Use ":memory:" for an
// in-memory database in tests.
type SQLiteStore struct {
	mu sync.Mutex // serialises writers; SQLite allows a single writer
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the SQLite-backed store and applies the
// schema.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}

	// WAL keeps concurrent readers cheap while the ingester writes.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS signals (
		id                 TEXT NOT NULL,
		tenant_id          TEXT NOT NULL,
		name               TEXT NOT NULL,
		type               TEXT NOT NULL DEFAULT '',
		unit               TEXT NOT NULL DEFAULT '',
		direction          TEXT NOT NULL,
		target_value       REAL,
		warning_threshold  REAL,
		critical_threshold REAL,
		aggregation        TEXT NOT NULL DEFAULT '',
		window_minutes     INTEGER NOT NULL DEFAULT 60,
		current_value      REAL NOT NULL DEFAULT 0,
		previous_value     REAL NOT NULL DEFAULT 0,
		health             TEXT NOT NULL DEFAULT 'UNKNOWN',
		trend              TEXT NOT NULL DEFAULT 'STABLE',
		anomaly_detected   INTEGER NOT NULL DEFAULT 0,
		anomaly_details    TEXT,
		last_measured_at   TEXT,
		intent_id          TEXT,
		capability_id      TEXT,
		is_active          INTEGER NOT NULL DEFAULT 1,
		created_at         TEXT NOT NULL,
		updated_at         TEXT NOT NULL,
		PRIMARY KEY (tenant_id, id)
	);
	CREATE TABLE IF NOT EXISTS signal_measurements (
		id           TEXT PRIMARY KEY,
		tenant_id    TEXT NOT NULL,
		signal_id    TEXT NOT NULL,
		value        REAL NOT NULL,
		sample_count INTEGER NOT NULL DEFAULT 1,
		metadata     TEXT,
		measured_at  TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_measurements_signal_time
		ON signal_measurements (tenant_id, signal_id, measured_at DESC);
	CREATE TABLE IF NOT EXISTS experiments (
		id                       TEXT NOT NULL,
		tenant_id                TEXT NOT NULL,
		name                     TEXT NOT NULL,
		hypothesis               TEXT NOT NULL DEFAULT '',
		rationale                TEXT NOT NULL DEFAULT '',
		target_metrics           TEXT,
		success_criteria         TEXT,
		guardrails               TEXT,
		target_audience          TEXT,
		traffic_percent          REAL NOT NULL DEFAULT 0,
		status                   TEXT NOT NULL,
		started_at               TEXT,
		ended_at                 TEXT,
		control_metrics          TEXT,
		treatment_metrics        TEXT,
		statistical_significance REAL NOT NULL DEFAULT 0,
		verdict                  TEXT NOT NULL DEFAULT '',
		verdict_reason           TEXT NOT NULL DEFAULT '',
		learnings                TEXT NOT NULL DEFAULT '',
		applied_to_intent        INTEGER NOT NULL DEFAULT 0,
		version                  INTEGER NOT NULL DEFAULT 0,
		created_at               TEXT NOT NULL,
		updated_at               TEXT NOT NULL,
		PRIMARY KEY (tenant_id, id)
	);
	CREATE INDEX IF NOT EXISTS idx_experiments_status ON experiments (status);
	CREATE TABLE IF NOT EXISTS intents (
		id                TEXT NOT NULL,
		tenant_id         TEXT NOT NULL,
		name              TEXT NOT NULL,
		description       TEXT NOT NULL DEFAULT '',
		fulfillment_score REAL NOT NULL DEFAULT 0,
		aggregate_health  TEXT NOT NULL DEFAULT 'UNKNOWN',
		is_active         INTEGER NOT NULL DEFAULT 1,
		created_at        TEXT NOT NULL,
		updated_at        TEXT NOT NULL,
		PRIMARY KEY (tenant_id, id)
	);`

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close shuts the underlying database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// CreateSignal inserts a new signal row.
func (s *SQLiteStore) CreateSignal(ctx context.Context, sig *models.Signal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if sig.CreatedAt.IsZero() {
		sig.CreatedAt = now
	}
	sig.UpdatedAt = now
	if sig.Health == "" {
		sig.Health = models.HealthUnknown
	}
	if sig.Trend == "" {
		sig.Trend = models.TrendStable
	}

	details, err := marshalNullable(sig.AnomalyDetails)
	if err != nil {
		return fmt.Errorf("encode anomaly details: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO signals (
			id, tenant_id, name, type, unit, direction,
			target_value, warning_threshold, critical_threshold,
			aggregation, window_minutes,
			current_value, previous_value, health, trend,
			anomaly_detected, anomaly_details, last_measured_at,
			intent_id, capability_id, is_active, created_at, updated_at
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		string(sig.ID), string(sig.TenantID), sig.Name, sig.Type, sig.Unit, string(sig.Direction),
		nullFloat(sig.TargetValue), nullFloat(sig.WarningThreshold), nullFloat(sig.CriticalThreshold),
		sig.Aggregation, sig.WindowMinutes,
		sig.CurrentValue, sig.PreviousValue, string(sig.Health), string(sig.Trend),
		boolInt(sig.AnomalyDetected), details, nullTime(sig.LastMeasuredAt),
		nullIntentID(sig.IntentID), nullString(sig.CapabilityID), boolInt(sig.IsActive),
		formatTime(sig.CreatedAt), formatTime(sig.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert signal %s: %w", sig.ID, err)
	}
	return nil
}

// GetSignal loads one signal or a NotFoundError.
func (s *SQLiteStore) GetSignal(ctx context.Context, tenant models.TenantID, id models.SignalID) (*models.Signal, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, name, type, unit, direction,
			target_value, warning_threshold, critical_threshold,
			aggregation, window_minutes,
			current_value, previous_value, health, trend,
			anomaly_detected, anomaly_details, last_measured_at,
			intent_id, capability_id, is_active, created_at, updated_at
		FROM signals WHERE tenant_id = ? AND id = ?`,
		string(tenant), string(id))

	sig, err := scanSignal(row)
	if err == sql.ErrNoRows {
		return nil, utils.NewNotFound("signal", string(id), string(tenant))
	}
	if err != nil {
		return nil, fmt.Errorf("get signal %s: %w", id, err)
	}
	return sig, nil
}

// UpdateSignalState persists the live-state fields of the signal.
func (s *SQLiteStore) UpdateSignalState(ctx context.Context, sig *models.Signal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	details, err := marshalNullable(sig.AnomalyDetails)
	if err != nil {
		return fmt.Errorf("encode anomaly details: %w", err)
	}
	sig.UpdatedAt = time.Now().UTC()

	res, err := s.db.ExecContext(ctx, `
		UPDATE signals SET
			current_value = ?, previous_value = ?, health = ?, trend = ?,
			anomaly_detected = ?, anomaly_details = ?, last_measured_at = ?,
			is_active = ?, updated_at = ?
		WHERE tenant_id = ? AND id = ?`,
		sig.CurrentValue, sig.PreviousValue, string(sig.Health), string(sig.Trend),
		boolInt(sig.AnomalyDetected), details, nullTime(sig.LastMeasuredAt),
		boolInt(sig.IsActive), formatTime(sig.UpdatedAt),
		string(sig.TenantID), string(sig.ID),
	)
	if err != nil {
		return fmt.Errorf("update signal state %s: %w", sig.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return utils.NewNotFound("signal", string(sig.ID), string(sig.TenantID))
	}
	return nil
}

// ListSignalsByIntent returns the signals linked to an intent.
func (s *SQLiteStore) ListSignalsByIntent(ctx context.Context, tenant models.TenantID, intent models.IntentID) ([]models.Signal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, name, type, unit, direction,
			target_value, warning_threshold, critical_threshold,
			aggregation, window_minutes,
			current_value, previous_value, health, trend,
			anomaly_detected, anomaly_details, last_measured_at,
			intent_id, capability_id, is_active, created_at, updated_at
		FROM signals WHERE tenant_id = ? AND intent_id = ?`,
		string(tenant), string(intent))
	if err != nil {
		return nil, fmt.Errorf("list signals by intent %s: %w", intent, err)
	}
	defer rows.Close()

	var out []models.Signal
	for rows.Next() {
		sig, err := scanSignal(rows)
		if err != nil {
			return nil, fmt.Errorf("scan signal: %w", err)
		}
		out = append(out, *sig)
	}
	return out, rows.Err()
}

// InsertMeasurement appends one immutable measurement event.
func (s *SQLiteStore) InsertMeasurement(ctx context.Context, m *models.SignalMeasurement) error {
	return s.InsertMeasurements(ctx, []models.SignalMeasurement{*m})
}

// InsertMeasurements appends a signal group in one transaction.
func (s *SQLiteStore) InsertMeasurements(ctx context.Context, ms []models.SignalMeasurement) error {
	if len(ms) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin measurement tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO signal_measurements (id, tenant_id, signal_id, value, sample_count, metadata, measured_at)
		VALUES (?,?,?,?,?,?,?)`)
	if err != nil {
		return fmt.Errorf("prepare measurement insert: %w", err)
	}
	defer stmt.Close()

	for _, m := range ms {
		meta, err := marshalNullable(m.Metadata)
		if err != nil {
			return fmt.Errorf("encode measurement metadata: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, m.ID, string(m.TenantID), string(m.SignalID),
			m.Value, m.SampleCount, meta, formatTime(m.MeasuredAt)); err != nil {
			return fmt.Errorf("insert measurement for %s: %w", m.SignalID, err)
		}
	}
	return tx.Commit()
}

// RecentValues returns values measured since the given time,
// most-recent-first.
func (s *SQLiteStore) RecentValues(ctx context.Context, tenant models.TenantID, id models.SignalID, since time.Time, limit int) ([]float64, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT value FROM signal_measurements
		WHERE tenant_id = ? AND signal_id = ? AND measured_at >= ?
		ORDER BY measured_at DESC LIMIT ?`,
		string(tenant), string(id), formatTime(since), limit)
	if err != nil {
		return nil, fmt.Errorf("recent values for %s: %w", id, err)
	}
	defer rows.Close()
	return scanValues(rows)
}

// ValuesBetween returns values measured in [from, to), most-recent-first.
func (s *SQLiteStore) ValuesBetween(ctx context.Context, tenant models.TenantID, id models.SignalID, from, to time.Time) ([]float64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT value FROM signal_measurements
		WHERE tenant_id = ? AND signal_id = ? AND measured_at >= ? AND measured_at < ?
		ORDER BY measured_at DESC`,
		string(tenant), string(id), formatTime(from), formatTime(to))
	if err != nil {
		return nil, fmt.Errorf("values between for %s: %w", id, err)
	}
	defer rows.Close()
	return scanValues(rows)
}

// SampleCountSince sums measurement sample counts recorded since the given
// time.
func (s *SQLiteStore) SampleCountSince(ctx context.Context, tenant models.TenantID, id models.SignalID, since time.Time) (int, error) {
	var total sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT SUM(sample_count) FROM signal_measurements
		WHERE tenant_id = ? AND signal_id = ? AND measured_at >= ?`,
		string(tenant), string(id), formatTime(since)).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sample count for %s: %w", id, err)
	}
	return int(total.Int64), nil
}

// CreateExperiment inserts a new experiment row.
func (s *SQLiteStore) CreateExperiment(ctx context.Context, e *models.Experiment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now
	if e.Status == "" {
		e.Status = models.StatusDraft
	}

	cols, err := experimentJSONColumns(e)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO experiments (
			id, tenant_id, name, hypothesis, rationale,
			target_metrics, success_criteria, guardrails, target_audience,
			traffic_percent, status, started_at, ended_at,
			control_metrics, treatment_metrics,
			statistical_significance, verdict, verdict_reason, learnings,
			applied_to_intent, version, created_at, updated_at
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		string(e.ID), string(e.TenantID), e.Name, e.Hypothesis, e.Rationale,
		cols.targetMetrics, cols.successCriteria, cols.guardrails, cols.audience,
		e.TrafficPercent, string(e.Status), nullTimePtr(e.StartedAt), nullTimePtr(e.EndedAt),
		cols.controlMetrics, cols.treatmentMetrics,
		e.StatisticalSignificance, string(e.Verdict), e.VerdictReason, e.Learnings,
		boolInt(e.AppliedToIntent), e.Version, formatTime(e.CreatedAt), formatTime(e.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert experiment %s: %w", e.ID, err)
	}
	return nil
}

// GetExperiment loads one experiment or a NotFoundError.
func (s *SQLiteStore) GetExperiment(ctx context.Context, tenant models.TenantID, id models.ExperimentID) (*models.Experiment, error) {
	row := s.db.QueryRowContext(ctx, experimentSelect+` WHERE tenant_id = ? AND id = ?`,
		string(tenant), string(id))

	e, err := scanExperiment(row)
	if err == sql.ErrNoRows {
		return nil, utils.NewNotFound("experiment", string(id), string(tenant))
	}
	if err != nil {
		return nil, fmt.Errorf("get experiment %s: %w", id, err)
	}
	return e, nil
}

// UpdateExperimentIfStatus is the conditional transition primitive: the row
// is rewritten only while its stored status is still in allowed and its
// version matches. Losing the race yields ErrConflict.
func (s *SQLiteStore) UpdateExperimentIfStatus(ctx context.Context, e *models.Experiment, allowed []models.ExperimentStatus) error {
	if len(allowed) == 0 {
		return fmt.Errorf("update experiment %s: no allowed statuses", e.ID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cols, err := experimentJSONColumns(e)
	if err != nil {
		return err
	}
	e.UpdatedAt = time.Now().UTC()

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(allowed)), ",")
	args := []any{
		string(e.Status), nullTimePtr(e.StartedAt), nullTimePtr(e.EndedAt),
		cols.targetMetrics, cols.successCriteria, cols.guardrails, cols.audience,
		cols.controlMetrics, cols.treatmentMetrics,
		e.StatisticalSignificance, string(e.Verdict), e.VerdictReason, e.Learnings,
		boolInt(e.AppliedToIntent), formatTime(e.UpdatedAt),
		string(e.TenantID), string(e.ID), e.Version,
	}
	for _, st := range allowed {
		args = append(args, string(st))
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE experiments SET
			status = ?, started_at = ?, ended_at = ?,
			target_metrics = ?, success_criteria = ?, guardrails = ?, target_audience = ?,
			control_metrics = ?, treatment_metrics = ?,
			statistical_significance = ?, verdict = ?, verdict_reason = ?, learnings = ?,
			applied_to_intent = ?, version = version + 1, updated_at = ?
		WHERE tenant_id = ? AND id = ? AND version = ? AND status IN (`+placeholders+`)`, args...)
	if err != nil {
		return fmt.Errorf("conditional update experiment %s: %w", e.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("conditional update experiment %s: %w", e.ID, err)
	}
	if n == 0 {
		return ErrConflict
	}
	e.Version++
	return nil
}

// UpdateExperimentConfig rewrites the configurable parts of an experiment.
func (s *SQLiteStore) UpdateExperimentConfig(ctx context.Context, e *models.Experiment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cols, err := experimentJSONColumns(e)
	if err != nil {
		return err
	}
	e.UpdatedAt = time.Now().UTC()

	res, err := s.db.ExecContext(ctx, `
		UPDATE experiments SET
			name = ?, hypothesis = ?, rationale = ?,
			target_metrics = ?, success_criteria = ?, guardrails = ?, target_audience = ?,
			traffic_percent = ?, updated_at = ?
		WHERE tenant_id = ? AND id = ?`,
		e.Name, e.Hypothesis, e.Rationale,
		cols.targetMetrics, cols.successCriteria, cols.guardrails, cols.audience,
		e.TrafficPercent, formatTime(e.UpdatedAt),
		string(e.TenantID), string(e.ID))
	if err != nil {
		return fmt.Errorf("update experiment config %s: %w", e.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return utils.NewNotFound("experiment", string(e.ID), string(e.TenantID))
	}
	return nil
}

// ListExperimentsByStatus returns all experiments in the given status
// across tenants; the guardrail poller sweeps RUNNING ones.
func (s *SQLiteStore) ListExperimentsByStatus(ctx context.Context, status models.ExperimentStatus) ([]models.Experiment, error) {
	rows, err := s.db.QueryContext(ctx, experimentSelect+` WHERE status = ?`, string(status))
	if err != nil {
		return nil, fmt.Errorf("list experiments by status %s: %w", status, err)
	}
	defer rows.Close()

	var out []models.Experiment
	for rows.Next() {
		e, err := scanExperiment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan experiment: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// CreateIntent inserts a new intent row.
func (s *SQLiteStore) CreateIntent(ctx context.Context, in *models.Intent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if in.CreatedAt.IsZero() {
		in.CreatedAt = now
	}
	in.UpdatedAt = now
	if in.AggregateHealth == "" {
		in.AggregateHealth = models.HealthUnknown
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO intents (id, tenant_id, name, description, fulfillment_score, aggregate_health, is_active, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?)`,
		string(in.ID), string(in.TenantID), in.Name, in.Description,
		in.FulfillmentScore, string(in.AggregateHealth), boolInt(in.IsActive),
		formatTime(in.CreatedAt), formatTime(in.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert intent %s: %w", in.ID, err)
	}
	return nil
}

// GetIntent loads one intent or a NotFoundError.
func (s *SQLiteStore) GetIntent(ctx context.Context, tenant models.TenantID, id models.IntentID) (*models.Intent, error) {
	var in models.Intent
	var idStr, tenantStr, health string
	var active int
	var createdAt, updatedAt string

	err := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, name, description, fulfillment_score, aggregate_health, is_active, created_at, updated_at
		FROM intents WHERE tenant_id = ? AND id = ?`,
		string(tenant), string(id)).
		Scan(&idStr, &tenantStr, &in.Name, &in.Description, &in.FulfillmentScore, &health, &active, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, utils.NewNotFound("intent", string(id), string(tenant))
	}
	if err != nil {
		return nil, fmt.Errorf("get intent %s: %w", id, err)
	}

	in.ID = models.IntentID(idStr)
	in.TenantID = models.TenantID(tenantStr)
	in.AggregateHealth = models.SignalHealth(health)
	in.IsActive = active != 0
	in.CreatedAt = parseTime(createdAt)
	in.UpdatedAt = parseTime(updatedAt)
	return &in, nil
}

// UpdateIntentFulfillment writes the aggregated fulfillment state.
func (s *SQLiteStore) UpdateIntentFulfillment(ctx context.Context, tenant models.TenantID, id models.IntentID, score float64, health models.SignalHealth) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE intents SET fulfillment_score = ?, aggregate_health = ?, updated_at = ?
		WHERE tenant_id = ? AND id = ?`,
		score, string(health), formatTime(time.Now().UTC()), string(tenant), string(id))
	if err != nil {
		return fmt.Errorf("update intent fulfillment %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return utils.NewNotFound("intent", string(id), string(tenant))
	}
	return nil
}

const experimentSelect = `
	SELECT id, tenant_id, name, hypothesis, rationale,
		target_metrics, success_criteria, guardrails, target_audience,
		traffic_percent, status, started_at, ended_at,
		control_metrics, treatment_metrics,
		statistical_significance, verdict, verdict_reason, learnings,
		applied_to_intent, version, created_at, updated_at
	FROM experiments`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSignal(row rowScanner) (*models.Signal, error) {
	var sig models.Signal
	var idStr, tenantStr, direction, health, trend string
	var target, warning, critical sql.NullFloat64
	var details, lastMeasured, intentID, capabilityID sql.NullString
	var anomaly, active int
	var createdAt, updatedAt string

	err := row.Scan(&idStr, &tenantStr, &sig.Name, &sig.Type, &sig.Unit, &direction,
		&target, &warning, &critical,
		&sig.Aggregation, &sig.WindowMinutes,
		&sig.CurrentValue, &sig.PreviousValue, &health, &trend,
		&anomaly, &details, &lastMeasured,
		&intentID, &capabilityID, &active, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	sig.ID = models.SignalID(idStr)
	sig.TenantID = models.TenantID(tenantStr)
	sig.Direction = models.SignalDirection(direction)
	sig.Health = models.SignalHealth(health)
	sig.Trend = models.SignalTrend(trend)
	sig.TargetValue = floatPtr(target)
	sig.WarningThreshold = floatPtr(warning)
	sig.CriticalThreshold = floatPtr(critical)
	sig.AnomalyDetected = anomaly != 0
	sig.IsActive = active != 0
	sig.CreatedAt = parseTime(createdAt)
	sig.UpdatedAt = parseTime(updatedAt)
	if lastMeasured.Valid {
		sig.LastMeasuredAt = parseTime(lastMeasured.String)
	}
	if intentID.Valid && intentID.String != "" {
		v := models.IntentID(intentID.String)
		sig.IntentID = &v
	}
	if capabilityID.Valid && capabilityID.String != "" {
		v := capabilityID.String
		sig.CapabilityID = &v
	}
	if details.Valid && details.String != "" {
		var d models.AnomalyDetails
		if err := json.Unmarshal([]byte(details.String), &d); err != nil {
			return nil, fmt.Errorf("decode anomaly details: %w", err)
		}
		sig.AnomalyDetails = &d
	}
	return &sig, nil
}

func scanExperiment(row rowScanner) (*models.Experiment, error) {
	var e models.Experiment
	var idStr, tenantStr, status, verdict string
	var targetMetrics, successCriteria, guardrails, audience sql.NullString
	var controlMetrics, treatmentMetrics sql.NullString
	var startedAt, endedAt sql.NullString
	var applied int
	var createdAt, updatedAt string

	err := row.Scan(&idStr, &tenantStr, &e.Name, &e.Hypothesis, &e.Rationale,
		&targetMetrics, &successCriteria, &guardrails, &audience,
		&e.TrafficPercent, &status, &startedAt, &endedAt,
		&controlMetrics, &treatmentMetrics,
		&e.StatisticalSignificance, &verdict, &e.VerdictReason, &e.Learnings,
		&applied, &e.Version, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	e.ID = models.ExperimentID(idStr)
	e.TenantID = models.TenantID(tenantStr)
	e.Status = models.ExperimentStatus(status)
	e.Verdict = models.Verdict(verdict)
	e.AppliedToIntent = applied != 0
	e.CreatedAt = parseTime(createdAt)
	e.UpdatedAt = parseTime(updatedAt)
	if startedAt.Valid && startedAt.String != "" {
		t := parseTime(startedAt.String)
		e.StartedAt = &t
	}
	if endedAt.Valid && endedAt.String != "" {
		t := parseTime(endedAt.String)
		e.EndedAt = &t
	}

	if err := unmarshalNullable(targetMetrics, &e.TargetMetrics); err != nil {
		return nil, fmt.Errorf("decode target metrics: %w", err)
	}
	if err := unmarshalNullable(successCriteria, &e.SuccessCriteria); err != nil {
		return nil, fmt.Errorf("decode success criteria: %w", err)
	}
	if err := unmarshalNullable(guardrails, &e.Guardrails); err != nil {
		return nil, fmt.Errorf("decode guardrails: %w", err)
	}
	if err := unmarshalNullable(audience, &e.TargetAudience); err != nil {
		return nil, fmt.Errorf("decode target audience: %w", err)
	}
	if err := unmarshalNullable(controlMetrics, &e.ControlMetrics); err != nil {
		return nil, fmt.Errorf("decode control metrics: %w", err)
	}
	if err := unmarshalNullable(treatmentMetrics, &e.TreatmentMetrics); err != nil {
		return nil, fmt.Errorf("decode treatment metrics: %w", err)
	}
	return &e, nil
}

type experimentJSON struct {
	targetMetrics    any
	successCriteria  any
	guardrails       any
	audience         any
	controlMetrics   any
	treatmentMetrics any
}

func experimentJSONColumns(e *models.Experiment) (experimentJSON, error) {
	var cols experimentJSON
	var err error
	if cols.targetMetrics, err = marshalNullable(e.TargetMetrics); err != nil {
		return cols, fmt.Errorf("encode target metrics: %w", err)
	}
	if cols.successCriteria, err = marshalNullable(e.SuccessCriteria); err != nil {
		return cols, fmt.Errorf("encode success criteria: %w", err)
	}
	if cols.guardrails, err = marshalNullable(e.Guardrails); err != nil {
		return cols, fmt.Errorf("encode guardrails: %w", err)
	}
	if cols.audience, err = marshalNullable(e.TargetAudience); err != nil {
		return cols, fmt.Errorf("encode target audience: %w", err)
	}
	if cols.controlMetrics, err = marshalNullable(e.ControlMetrics); err != nil {
		return cols, fmt.Errorf("encode control metrics: %w", err)
	}
	if cols.treatmentMetrics, err = marshalNullable(e.TreatmentMetrics); err != nil {
		return cols, fmt.Errorf("encode treatment metrics: %w", err)
	}
	return cols, nil
}

func scanValues(rows *sql.Rows) ([]float64, error) {
	var out []float64
	for rows.Next() {
		var v float64
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan value: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func marshalNullable(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch t := v.(type) {
	case *models.AnomalyDetails:
		if t == nil {
			return nil, nil
		}
	case map[string]string:
		if len(t) == 0 {
			return nil, nil
		}
	case []models.TargetMetric:
		if len(t) == 0 {
			return nil, nil
		}
	case []models.SuccessCriterion:
		if len(t) == 0 {
			return nil, nil
		}
	case []models.Guardrail:
		if len(t) == 0 {
			return nil, nil
		}
	case []models.MetricSnapshot:
		if len(t) == 0 {
			return nil, nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func unmarshalNullable(col sql.NullString, dst any) error {
	if !col.Valid || col.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(col.String), dst)
}

// timeLayout keeps a fixed-width fraction so stored timestamps compare
// lexicographically in chronological order. RFC3339Nano trims trailing
// zeros, which breaks TEXT ordering within a second.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return formatTime(t)
}

func nullTimePtr(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return formatTime(*t)
}

func nullFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}

func nullString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func nullIntentID(id *models.IntentID) any {
	if id == nil {
		return nil
	}
	return string(*id)
}

func floatPtr(f sql.NullFloat64) *float64 {
	if !f.Valid {
		return nil
	}
	v := f.Float64
	return &v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
