package engine

import "github.com/intentstack/intent-engine/internal/models"

// HealthScore maps a health label to its fulfillment contribution. UNKNOWN
// scores the same as WARNING: an unmeasured signal is treated as neutral,
// not as failing.
func HealthScore(h models.SignalHealth) float64 {
	switch h {
	case models.HealthExcellent:
		return 1.0
	case models.HealthGood:
		return 0.8
	case models.HealthWarning:
		return 0.5
	case models.HealthCritical:
		return 0.2
	default:
		return 0.5
	}
}

// Fulfillment is the unweighted arithmetic mean of the active signals'
// health scores. An intent with no active signals scores zero.
func Fulfillment(signals []models.Signal) float64 {
	sum := 0.0
	count := 0
	for _, s := range signals {
		if !s.IsActive {
			continue
		}
		sum += HealthScore(s.Health)
		count++
	}
	if count == 0 {
		return 0
	}
	return sum / float64(count)
}

// AggregateHealth rolls a set of signals up into one label. Any CRITICAL
// forces the aggregate to CRITICAL; more than half WARNING forces WARNING;
// otherwise the share of GOOD-or-better decides between EXCELLENT (all),
// GOOD (at least 80%) and WARNING.
func AggregateHealth(signals []models.Signal) models.SignalHealth {
	active := 0
	warning := 0
	goodOrBetter := 0
	for _, s := range signals {
		if !s.IsActive {
			continue
		}
		active++
		switch s.Health {
		case models.HealthCritical:
			return models.HealthCritical
		case models.HealthWarning:
			warning++
		case models.HealthGood, models.HealthExcellent:
			goodOrBetter++
		}
	}
	if active == 0 {
		return models.HealthUnknown
	}

	if float64(warning) > float64(active)/2 {
		return models.HealthWarning
	}
	switch {
	case goodOrBetter == active:
		return models.HealthExcellent
	case float64(goodOrBetter) >= 0.8*float64(active):
		return models.HealthGood
	default:
		return models.HealthWarning
	}
}
