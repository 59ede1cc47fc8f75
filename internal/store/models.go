package store

import "time"

type TestState string

const (
	StateDraft     TestState = "draft"
	StateRunning   TestState = "running"
	StatePaused    TestState = "paused"
	StateCompleted TestState = "completed"
	StateCancelled TestState = "cancelled"
)

// Concluded reports whether the state is terminal.
func (s TestState) Concluded() bool {
	return s == StateCompleted || s == StateCancelled
}

// Collecting reports whether events are still counted in this state.
func (s TestState) Collecting() bool {
	return s == StateRunning || s == StatePaused
}

func (s TestState) Valid() bool {
	switch s {
	case StateDraft, StateRunning, StatePaused, StateCompleted, StateCancelled:
		return true
	}
	return false
}

type GoalMetric string

const (
	GoalEngagementRate GoalMetric = "engagement_rate"
	GoalClickRate      GoalMetric = "click_rate"
	GoalConversionRate GoalMetric = "conversion_rate"
)

func (g GoalMetric) Valid() bool {
	switch g {
	case GoalEngagementRate, GoalClickRate, GoalConversionRate:
		return true
	}
	return false
}

// Counter names one of the per-variation event counters.
type Counter string

const (
	CounterImpressions Counter = "impressions"
	CounterEngagements Counter = "engagements"
	CounterClicks      Counter = "clicks"
	CounterConversions Counter = "conversions"
)

type Test struct {
	ID                    string
	OwnerID               string
	BrandID               *string
	Name                  string
	Description           string
	TestType              string
	GoalMetric            GoalMetric
	MinSampleSize         int
	ConfidenceLevel       float64
	AutoEndOnSignificance bool
	State                 TestState
	StartedAt             *time.Time
	EndedAt               *time.Time
	WinnerVariationID     *string
	IsSignificant         bool
	PValue                *float64
	CreatedAt             time.Time
	UpdatedAt             time.Time
	Variations            []Variation // Ordered by Position
}

// Control returns the control variation, or nil when none is flagged.
func (t *Test) Control() *Variation {
	for i := range t.Variations {
		if t.Variations[i].IsControl {
			return &t.Variations[i]
		}
	}
	return nil
}

// Variation returns the variation with the given id, or nil.
func (t *Test) Variation(id string) *Variation {
	for i := range t.Variations {
		if t.Variations[i].ID == id {
			return &t.Variations[i]
		}
	}
	return nil
}

func (t *Test) TotalImpressions() int64 {
	var total int64
	for _, v := range t.Variations {
		total += v.Impressions
	}
	return total
}

type Variation struct {
	ID             string
	TestID         string
	Position       int
	Name           string
	IsControl      bool
	Content        string
	ContentData    map[string]any // Decoded from JSON
	Impressions    int64
	Engagements    int64
	Clicks         int64
	Conversions    int64
	EngagementRate float64
	ClickRate      float64
	ConversionRate float64
	TrafficPercent int
	CreatedAt      time.Time
}

// Rates holds the derived percentages of a variation.
type Rates struct {
	EngagementRate float64
	ClickRate      float64
	ConversionRate float64
}

// ComputeRates derives all rates from raw counters. Each rate is 0 when its
// denominator is 0.
func ComputeRates(impressions, engagements, clicks, conversions int64) Rates {
	return Rates{
		EngagementRate: percent(engagements, impressions),
		ClickRate:      percent(clicks, impressions),
		ConversionRate: percent(conversions, clicks),
	}
}

// Recompute refreshes the derived rates from the current counters.
func (v *Variation) Recompute() {
	r := ComputeRates(v.Impressions, v.Engagements, v.Clicks, v.Conversions)
	v.EngagementRate = r.EngagementRate
	v.ClickRate = r.ClickRate
	v.ConversionRate = r.ConversionRate
}

func percent(num, denom int64) float64 {
	if denom == 0 {
		return 0
	}
	return float64(num) / float64(denom) * 100
}

// ListFilter narrows ListTests results. Zero values mean no filter.
type ListFilter struct {
	OwnerID string
	State   TestState
	BrandID string
	Limit   int
}

// Transition describes a compare-and-swap state change.
type Transition struct {
	From      []TestState
	To        TestState
	StartedAt *time.Time // Set only when non-nil and not yet recorded
	EndedAt   *time.Time
}

// Finalization is the outcome persisted when a test completes.
type Finalization struct {
	WinnerVariationID *string
	IsSignificant     bool
	PValue            *float64
	EndedAt           time.Time
}
