package stats

import (
	"math"

	"github.com/headline-goat/post-goat/internal/store"
)

// DefaultMinTrials is the smallest per-arm trial count for which a p-value is
// reported.
const DefaultMinTrials = 30

// Sample is the success/trial pair of one arm for a given goal metric.
type Sample struct {
	Successes int64
	Trials    int64
}

// Comparison is the outcome of one treatment against the control.
type Comparison struct {
	VariationID string
	PValue      *float64 // nil when indeterminate
	Significant bool
}

// Significance is the test-level result of comparing every treatment to the
// control.
type Significance struct {
	IsSignificant bool
	PValue        *float64 // Smallest determinate p-value across treatments
	Comparisons   []Comparison
}

// Engine computes two-proportion significance. It holds no state beyond its
// configuration and never mutates its inputs.
type Engine struct {
	MinTrials int64
}

func NewEngine(minTrials int64) Engine {
	if minTrials <= 0 {
		minTrials = DefaultMinTrials
	}
	return Engine{MinTrials: minTrials}
}

// PValue runs a pooled two-proportion z-test and returns the two-tailed
// p-value. ok is false when the result is indeterminate: either arm is below
// the minimum trial count, or the pooled proportion is degenerate.
func (e Engine) PValue(control, treatment Sample) (p float64, ok bool) {
	if control.Trials < e.MinTrials || treatment.Trials < e.MinTrials {
		return 0, false
	}

	n1 := float64(max(control.Trials, 1))
	n2 := float64(max(treatment.Trials, 1))

	p1 := float64(control.Successes) / n1
	p2 := float64(treatment.Successes) / n2

	pooled := float64(control.Successes+treatment.Successes) / (n1 + n2)
	if pooled == 0 || pooled == 1 {
		return 0, false
	}

	se := math.Sqrt(pooled * (1 - pooled) * (1/n1 + 1/n2))
	if se == 0 || math.IsNaN(se) {
		return 0, false
	}

	z := (p2 - p1) / se
	p = 2 * (1 - NormalCDF(math.Abs(z)))

	// Guard against tiny negative values from floating point error.
	return math.Min(math.Max(p, 0), 1), true
}

// Evaluate compares every non-control variation of test against its control
// on the test's goal metric.
func (e Engine) Evaluate(test *store.Test) Significance {
	var result Significance

	control := test.Control()
	if control == nil && len(test.Variations) > 0 {
		control = &test.Variations[0]
	}
	if control == nil {
		return result
	}

	alpha := 1 - test.ConfidenceLevel
	controlSample := SampleFor(test.GoalMetric, *control)

	for _, v := range test.Variations {
		if v.ID == control.ID {
			continue
		}

		cmp := Comparison{VariationID: v.ID}
		if p, ok := e.PValue(controlSample, SampleFor(test.GoalMetric, v)); ok {
			cmp.PValue = &p
			cmp.Significant = p < alpha

			if result.PValue == nil || p < *result.PValue {
				best := p
				result.PValue = &best
			}
		}
		if cmp.Significant {
			result.IsSignificant = true
		}
		result.Comparisons = append(result.Comparisons, cmp)
	}

	return result
}

// SampleFor maps a variation's counters to the success/trial pair of the goal
// metric. Each metric uses its own numerator in both the per-arm rate and the
// pooled proportion.
func SampleFor(goal store.GoalMetric, v store.Variation) Sample {
	switch goal {
	case store.GoalClickRate:
		return Sample{Successes: v.Clicks, Trials: v.Impressions}
	case store.GoalConversionRate:
		return Sample{Successes: v.Conversions, Trials: v.Clicks}
	default:
		return Sample{Successes: v.Engagements, Trials: v.Impressions}
	}
}

// NormalCDF is the standard normal cumulative distribution function.
func NormalCDF(x float64) float64 {
	return 0.5 * (1 + math.Erf(x/math.Sqrt2))
}
