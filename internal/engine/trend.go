package engine

import (
	"math"

	"github.com/intentstack/intent-engine/internal/models"
)

// Trend decision constants. Fixed for every signal; callers must not vary
// them per signal or the labels stop being comparable across the fleet.
const (
	minTrendPoints   = 3
	volatilityCutoff = 0.5
	slopeCutoff      = 0.05
)

// ClassifyTrend fits an ordinary least-squares slope over the recent value
// history and combines it with the coefficient of variation. The input is
// ordered most-recent-first, the way stores return it; it is reversed into
// chronological index order before the regression. Fewer than three points
// classify as STABLE.
func ClassifyTrend(recentFirst []float64) models.SignalTrend {
	if len(recentFirst) < minTrendPoints {
		return models.TrendStable
	}

	values := make([]float64, len(recentFirst))
	for i, v := range recentFirst {
		values[len(recentFirst)-1-i] = v
	}

	mean := meanOf(values)
	sd := stdDevOf(values, mean)

	cv := 0.0
	if mean != 0 {
		cv = sd / math.Abs(mean)
	}
	if cv > volatilityCutoff {
		return models.TrendVolatile
	}

	slope := olsSlope(values)
	switch {
	case slope > slopeCutoff:
		return models.TrendImproving
	case slope < -slopeCutoff:
		return models.TrendDeclining
	default:
		return models.TrendStable
	}
}

// olsSlope returns the least-squares slope of value vs. index.
func olsSlope(values []float64) float64 {
	n := float64(len(values))
	xBar := (n - 1) / 2
	yBar := meanOf(values)

	num := 0.0
	den := 0.0
	for i, v := range values {
		dx := float64(i) - xBar
		num += dx * (v - yBar)
		den += dx * dx
	}
	if den == 0 {
		return 0
	}
	return num / den
}

func meanOf(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func stdDevOf(values []float64, mean float64) float64 {
	if len(values) == 0 {
		return 0
	}
	variance := 0.0
	for _, v := range values {
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(len(values))
	return math.Sqrt(variance)
}
