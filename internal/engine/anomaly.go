package engine

import (
	"math"
	"time"

	"github.com/intentstack/intent-engine/internal/models"
)

// Anomaly detection constants. The baseline window is 24x the signal's
// measurement window; too little history is "no signal", not a negative
// result.
const (
	// BaselineWindowFactor scales a signal's windowMinutes into the
	// historical baseline window.
	BaselineWindowFactor = 24

	minBaselinePoints = 10
	deviationCutoff   = 3.0

	maxAnomalyConfidence = 0.99
)

// DetectAnomaly compares the latest recent value against the historical
// baseline and returns anomaly details, or nil when nothing deviates.
// recentFirst holds the current window's values ordered most-recent-first;
// baseline holds the preceding 24x window. Requires at least one recent and
// ten baseline points, otherwise the result is nil (insufficient data).
func DetectAnomaly(recentFirst, baseline []float64, now time.Time) *models.AnomalyDetails {
	if len(recentFirst) == 0 || len(baseline) < minBaselinePoints {
		return nil
	}

	latest := recentFirst[0]
	mean := meanOf(baseline)
	sd := stdDevOf(baseline, mean)

	// Floor the divisor at 1 so near-constant baselines do not turn every
	// wiggle into a multi-sigma deviation.
	deviation := math.Abs(latest-mean) / math.Max(sd, 1)
	if deviation <= deviationCutoff {
		return nil
	}

	kind := "drop"
	if latest > mean {
		kind = "spike"
	}

	return &models.AnomalyDetails{
		Type:           kind,
		Deviation:      deviation,
		Confidence:     math.Min(maxAnomalyConfidence, 0.5+deviation*0.1),
		BaselineMean:   mean,
		BaselineStdDev: sd,
		LatestValue:    latest,
		DetectedAt:     now,
	}
}
