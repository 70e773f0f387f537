package engine

import (
	"fmt"
	"math"

	"github.com/intentstack/intent-engine/internal/models"
)

// Result analysis constants.
const (
	significanceFloor   = 0.8
	failureImprovement  = -5.0
	maxSignificance     = 0.99
	significancePerUnit = 0.49
	significanceSamples = 1000.0
)

// SignificanceEstimator produces a significance value in [0,1] from the
// control/treatment sample counts. The production implementation is a
// sample-size heuristic, not a hypothesis test; the interface exists so a
// real test (e.g. a two-proportion z-test) can replace it without touching
// the verdict logic.
type SignificanceEstimator interface {
	Estimate(controlSamples, treatmentSamples int) float64
}

// SampleSizeSignificance is the heuristic estimator:
// min(0.99, 0.5 + (min(control, treatment)/1000) * 0.49). It approaches but
// never reaches certainty as the smaller arm grows. This is approximate by
// design and must not be read as a p-value.
type SampleSizeSignificance struct{}

// Estimate implements SignificanceEstimator.
func (SampleSizeSignificance) Estimate(controlSamples, treatmentSamples int) float64 {
	smaller := controlSamples
	if treatmentSamples < smaller {
		smaller = treatmentSamples
	}
	if smaller < 0 {
		smaller = 0
	}
	return math.Min(maxSignificance, 0.5+(float64(smaller)/significanceSamples)*significancePerUnit)
}

// AnalyzeResults compares control and treatment snapshots against the
// success criteria and produces the experiment outcome. Criteria without a
// matching snapshot pair, or whose arms fall short of the criterion's
// minimum sample size, are skipped. A nil estimator falls back to the
// sample-size heuristic.
func AnalyzeResults(control, treatment []models.MetricSnapshot, criteria []models.SuccessCriterion, est SignificanceEstimator) models.ExperimentResults {
	if est == nil {
		est = SampleSizeSignificance{}
	}

	controlBy := snapshotsBySignal(control)
	treatmentBy := snapshotsBySignal(treatment)

	evaluated := 0
	met := 0
	improvementSum := 0.0
	improvementCount := 0
	minControl := math.MaxInt
	minTreatment := math.MaxInt

	for _, criterion := range criteria {
		c, okC := controlBy[criterion.SignalID]
		t, okT := treatmentBy[criterion.SignalID]
		if !okC || !okT {
			continue
		}
		// A criterion below its own sample floor is skipped, not failed:
		// an under-sampled arm says nothing either way.
		if criterion.MinSampleSize > 0 && (c.SampleSize < criterion.MinSampleSize || t.SampleSize < criterion.MinSampleSize) {
			continue
		}
		evaluated++

		if c.Value != 0 {
			improvementSum += (t.Value - c.Value) / c.Value * 100
			improvementCount++
		}
		if criterion.Operator.Compare(t.Value, criterion.Threshold) {
			met++
		}
		if c.SampleSize < minControl {
			minControl = c.SampleSize
		}
		if t.SampleSize < minTreatment {
			minTreatment = t.SampleSize
		}
	}

	if minControl == math.MaxInt {
		minControl = 0
	}
	if minTreatment == math.MaxInt {
		minTreatment = 0
	}

	avgImprovement := 0.0
	if improvementCount > 0 {
		avgImprovement = improvementSum / float64(improvementCount)
	}

	significance := est.Estimate(minControl, minTreatment)
	verdict, reason := decideVerdict(significance, met, evaluated, avgImprovement)

	delta := (1 - significance) * avgImprovement
	lower := avgImprovement - delta
	upper := avgImprovement + delta
	if lower > upper {
		lower, upper = upper, lower
	}

	return models.ExperimentResults{
		ControlMetrics:          control,
		TreatmentMetrics:        treatment,
		Improvement:             avgImprovement,
		StatisticalSignificance: significance,
		Verdict:                 verdict,
		VerdictReason:           reason,
		ConfidenceInterval:      models.ConfidenceInterval{Lower: lower, Upper: upper},
		SampleSizes:             models.SampleSizes{Control: minControl, Treatment: minTreatment},
	}
}

// decideVerdict applies the decision table in order: significance gate,
// full criteria, majority criteria, regression tolerance, mixed.
func decideVerdict(significance float64, met, evaluated int, avgImprovement float64) (models.Verdict, string) {
	if significance < significanceFloor {
		return models.VerdictInconclusive,
			fmt.Sprintf("insufficient statistical significance (%.4f < %.2f)", significance, significanceFloor)
	}
	if evaluated > 0 && met == evaluated {
		return models.VerdictSuccess, fmt.Sprintf("all %d success criteria met", evaluated)
	}
	if evaluated > 0 && met*2 >= evaluated {
		return models.VerdictSuccess,
			fmt.Sprintf("partial success: %d of %d criteria met", met, evaluated)
	}
	if avgImprovement < failureImprovement {
		return models.VerdictFailure,
			fmt.Sprintf("average improvement %.2f%% below tolerance", avgImprovement)
	}
	return models.VerdictInconclusive, "mixed results"
}

func snapshotsBySignal(snapshots []models.MetricSnapshot) map[models.SignalID]models.MetricSnapshot {
	out := make(map[models.SignalID]models.MetricSnapshot, len(snapshots))
	for _, s := range snapshots {
		out[s.SignalID] = s
	}
	return out
}
