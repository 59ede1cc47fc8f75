package stats

import "github.com/headline-goat/post-goat/internal/store"

// goalAccessors maps each goal metric to the rate it ranks variations by.
var goalAccessors = map[store.GoalMetric]func(store.Variation) float64{
	store.GoalEngagementRate: func(v store.Variation) float64 {
		return store.ComputeRates(v.Impressions, v.Engagements, v.Clicks, v.Conversions).EngagementRate
	},
	store.GoalClickRate: func(v store.Variation) float64 {
		return store.ComputeRates(v.Impressions, v.Engagements, v.Clicks, v.Conversions).ClickRate
	},
	store.GoalConversionRate: func(v store.Variation) float64 {
		return store.ComputeRates(v.Impressions, v.Engagements, v.Clicks, v.Conversions).ConversionRate
	},
}

// MetricValue returns the goal metric of v, computed from its counters.
func MetricValue(goal store.GoalMetric, v store.Variation) float64 {
	accessor, ok := goalAccessors[goal]
	if !ok {
		accessor = goalAccessors[store.GoalEngagementRate]
	}
	return accessor(v)
}

// Leader returns the variation with the highest goal metric. Ties go to the
// earliest variation. It returns nil for an empty slice.
func Leader(goal store.GoalMetric, variations []store.Variation) *store.Variation {
	var leader *store.Variation
	best := 0.0
	for i := range variations {
		value := MetricValue(goal, variations[i])
		if leader == nil || value > best {
			leader = &variations[i]
			best = value
		}
	}
	return leader
}
