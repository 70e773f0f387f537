package ingest

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/intentstack/intent-engine/internal/cache"
	"github.com/intentstack/intent-engine/internal/engine"
	"github.com/intentstack/intent-engine/internal/models"
	"github.com/intentstack/intent-engine/internal/repo"
)

// FulfillmentAggregator rolls an intent's signals up into one fulfillment
// score and aggregate health, persists the result on the intent, and
// refreshes the cached summary.
type FulfillmentAggregator struct {
	logger   *slog.Logger
	signals  repo.SignalStore
	intents  repo.IntentStore
	provider cache.Provider
	keys     *cache.Keys
	cacheTTL time.Duration
}

// FulfillmentSummary is the cached rollup for one intent.
type FulfillmentSummary struct {
	IntentID         models.IntentID     `json:"intent_id"`
	FulfillmentScore float64             `json:"fulfillment_score"`
	AggregateHealth  models.SignalHealth `json:"aggregate_health"`
	SignalCount      int                 `json:"signal_count"`
	ComputedAt       time.Time           `json:"computed_at"`
}

// NewFulfillmentAggregator constructs the aggregator. provider may be a
// NoopProvider when caching is disabled.
func NewFulfillmentAggregator(logger *slog.Logger, signals repo.SignalStore, intents repo.IntentStore, provider cache.Provider, cacheTTL time.Duration) *FulfillmentAggregator {
	if logger == nil {
		logger = slog.Default()
	}
	if provider == nil {
		provider = cache.NoopProvider{}
	}
	return &FulfillmentAggregator{
		logger:   logger,
		signals:  signals,
		intents:  intents,
		provider: provider,
		keys:     cache.NewKeys(provider),
		cacheTTL: cacheTTL,
	}
}

// Recompute recalculates the intent's fulfillment from its active signals
// and persists it. Called by the ingester whenever a linked signal's state
// changes.
func (f *FulfillmentAggregator) Recompute(ctx context.Context, tenant models.TenantID, intent models.IntentID) error {
	signals, err := f.signals.ListSignalsByIntent(ctx, tenant, intent)
	if err != nil {
		return err
	}

	score := engine.Fulfillment(signals)
	health := engine.AggregateHealth(signals)

	if err := f.intents.UpdateIntentFulfillment(ctx, tenant, intent, score, health); err != nil {
		return err
	}

	f.cacheSummary(ctx, tenant, FulfillmentSummary{
		IntentID:         intent,
		FulfillmentScore: score,
		AggregateHealth:  health,
		SignalCount:      activeCount(signals),
		ComputedAt:       time.Now().UTC(),
	})
	return nil
}

// Invalidate orphans every cached summary for the tenant by bumping its key
// version. Called when an intent's signal set changes shape rather than
// value; write-through in Recompute handles value changes on its own.
func (f *FulfillmentAggregator) Invalidate(ctx context.Context, tenant models.TenantID) {
	if err := f.keys.InvalidateTenant(ctx, tenant); err != nil {
		f.logger.Debug("fulfillment cache invalidation failed", slog.Any("error", err))
	}
}

// Summary returns the cached rollup when fresh, recomputing on a miss.
func (f *FulfillmentAggregator) Summary(ctx context.Context, tenant models.TenantID, intent models.IntentID) (FulfillmentSummary, error) {
	key, err := f.keys.Fulfillment(ctx, tenant, intent)
	if err == nil {
		if data, err := f.provider.Get(ctx, key); err == nil {
			var summary FulfillmentSummary
			if err := json.Unmarshal(data, &summary); err == nil {
				return summary, nil
			}
		}
	}

	if err := f.Recompute(ctx, tenant, intent); err != nil {
		return FulfillmentSummary{}, err
	}
	in, err := f.intents.GetIntent(ctx, tenant, intent)
	if err != nil {
		return FulfillmentSummary{}, err
	}
	return FulfillmentSummary{
		IntentID:         intent,
		FulfillmentScore: in.FulfillmentScore,
		AggregateHealth:  in.AggregateHealth,
		ComputedAt:       in.UpdatedAt,
	}, nil
}

func (f *FulfillmentAggregator) cacheSummary(ctx context.Context, tenant models.TenantID, summary FulfillmentSummary) {
	key, err := f.keys.Fulfillment(ctx, tenant, summary.IntentID)
	if err != nil {
		f.logger.Debug("fulfillment cache key unavailable", slog.Any("error", err))
		return
	}
	data, err := json.Marshal(summary)
	if err != nil {
		return
	}
	if err := f.provider.Set(ctx, key, data, f.cacheTTL); err != nil {
		f.logger.Debug("fulfillment cache write failed", slog.Any("error", err))
	}
}

func activeCount(signals []models.Signal) int {
	n := 0
	for _, s := range signals {
		if s.IsActive {
			n++
		}
	}
	return n
}
