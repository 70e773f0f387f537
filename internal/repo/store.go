// Package repo defines the storage interfaces the engines depend on and a
// SQLite implementation of them. The engines only ever see the interfaces;
// the relational store is an external collaborator behind them.
package repo

import (
	"context"
	"errors"
	"time"

	"github.com/intentstack/intent-engine/internal/models"
)

// ErrConflict signals that a conditional update found the row in a state
// the caller did not expect (status precondition or version mismatch).
var ErrConflict = errors.New("conditional update conflict")

// SignalStore persists signals and their immutable measurement events.
type SignalStore interface {
	CreateSignal(ctx context.Context, s *models.Signal) error
	GetSignal(ctx context.Context, tenant models.TenantID, id models.SignalID) (*models.Signal, error)

	// UpdateSignalState writes the live-state fields (current/previous
	// value, health, trend, anomaly flags, lastMeasuredAt). Configuration
	// fields are untouched.
	UpdateSignalState(ctx context.Context, s *models.Signal) error

	ListSignalsByIntent(ctx context.Context, tenant models.TenantID, intent models.IntentID) ([]models.Signal, error)

	InsertMeasurement(ctx context.Context, m *models.SignalMeasurement) error

	// InsertMeasurements bulk-inserts one signal group inside a single
	// transaction. Groups for different signals are committed
	// independently by the caller.
	InsertMeasurements(ctx context.Context, ms []models.SignalMeasurement) error

	// RecentValues returns measurement values for the signal since the
	// given time, ordered most-recent-first.
	RecentValues(ctx context.Context, tenant models.TenantID, id models.SignalID, since time.Time, limit int) ([]float64, error)

	// ValuesBetween returns measurement values in [from, to), ordered
	// most-recent-first.
	ValuesBetween(ctx context.Context, tenant models.TenantID, id models.SignalID, from, to time.Time) ([]float64, error)

	// SampleCountSince sums the sample counts of measurements recorded
	// since the given time. Snapshot capture uses this for sample sizes.
	SampleCountSince(ctx context.Context, tenant models.TenantID, id models.SignalID, since time.Time) (int, error)
}

// ExperimentStore persists experiments and provides the conditional
// transition primitive the lifecycle depends on.
type ExperimentStore interface {
	CreateExperiment(ctx context.Context, e *models.Experiment) error
	GetExperiment(ctx context.Context, tenant models.TenantID, id models.ExperimentID) (*models.Experiment, error)

	// UpdateExperimentIfStatus writes the experiment only when the stored
	// row still has e.Version and a status in allowed. On success the
	// stored version is bumped and e.Version is updated to match. A lost
	// race returns ErrConflict.
	UpdateExperimentIfStatus(ctx context.Context, e *models.Experiment, allowed []models.ExperimentStatus) error

	// UpdateExperimentConfig rewrites target metrics, success criteria and
	// guardrails. The lifecycle rejects this for RUNNING experiments
	// before it reaches the store.
	UpdateExperimentConfig(ctx context.Context, e *models.Experiment) error

	ListExperimentsByStatus(ctx context.Context, status models.ExperimentStatus) ([]models.Experiment, error)
}

// IntentStore persists intents and their aggregated fulfillment state.
type IntentStore interface {
	CreateIntent(ctx context.Context, in *models.Intent) error
	GetIntent(ctx context.Context, tenant models.TenantID, id models.IntentID) (*models.Intent, error)
	UpdateIntentFulfillment(ctx context.Context, tenant models.TenantID, id models.IntentID, score float64, health models.SignalHealth) error
}

// Store bundles the three stores; the SQLite implementation satisfies all
// of them on one handle.
type Store interface {
	SignalStore
	ExperimentStore
	IntentStore
	Close() error
}
