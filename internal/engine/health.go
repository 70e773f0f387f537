// Package engine holds the pure analysis functions of the evaluation core:
// health classification, trend analysis, anomaly detection, fulfillment
// aggregation and experiment result analysis. Every function in this package
// is total over its input domain; missing configuration and degenerate
// values map to neutral labels, never to errors.
package engine

import "github.com/intentstack/intent-engine/internal/models"

// Progress bands applied when only a target value is configured.
const (
	progressExcellent = 1.0
	progressGood      = 0.8
	progressWarning   = 0.5
)

// ClassifyHealth derives a health label from the current value and the
// signal's threshold configuration. Thresholds take precedence over target
// progress: a crossed critical threshold wins over everything, then a
// crossed warning threshold, then the target progress bands. With no
// thresholds configured the health is UNKNOWN.
func ClassifyHealth(current float64, target, warning, critical *float64, direction models.SignalDirection) models.SignalHealth {
	if critical != nil && crossed(current, *critical, direction) {
		return models.HealthCritical
	}
	if warning != nil && crossed(current, *warning, direction) {
		return models.HealthWarning
	}
	if target != nil {
		return progressHealth(current, *target, direction)
	}
	return models.HealthUnknown
}

// crossed reports whether value sits on the unfavorable side of the
// threshold. For DECREASE signals high values are bad; for INCREASE and
// MAINTAIN signals low values are bad.
func crossed(value, threshold float64, direction models.SignalDirection) bool {
	if direction == models.DirectionDecrease {
		return value >= threshold
	}
	return value <= threshold
}

func progressHealth(current, target float64, direction models.SignalDirection) models.SignalHealth {
	var progress float64
	if direction == models.DirectionDecrease {
		if current == 0 {
			// Ratio is undefined; fail safe rather than divide.
			return models.HealthCritical
		}
		progress = target / current
	} else {
		// IEEE division keeps this total: a zero target yields +Inf or
		// NaN, which the bands below map to EXCELLENT or CRITICAL.
		progress = current / target
	}

	switch {
	case progress >= progressExcellent:
		return models.HealthExcellent
	case progress >= progressGood:
		return models.HealthGood
	case progress >= progressWarning:
		return models.HealthWarning
	default:
		return models.HealthCritical
	}
}

// ClassifySignalHealth applies ClassifyHealth to a signal's stored
// configuration. Health stays derived: callers must never write a health
// value that did not come from here.
func ClassifySignalHealth(s *models.Signal) models.SignalHealth {
	return ClassifyHealth(s.CurrentValue, s.TargetValue, s.WarningThreshold, s.CriticalThreshold, s.Direction)
}
