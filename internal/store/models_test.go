package store_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/headline-goat/post-goat/internal/store"
)

func TestComputeRates(t *testing.T) {
	r := store.ComputeRates(1000, 50, 20, 5)

	assert.InDelta(t, 5.0, r.EngagementRate, 1e-9)
	assert.InDelta(t, 2.0, r.ClickRate, 1e-9)
	assert.InDelta(t, 25.0, r.ConversionRate, 1e-9)
}

func TestComputeRates_ZeroDenominators(t *testing.T) {
	assert.Equal(t, store.Rates{}, store.ComputeRates(0, 0, 0, 0))

	r := store.ComputeRates(100, 10, 0, 0)
	assert.InDelta(t, 10.0, r.EngagementRate, 1e-9)
	assert.Zero(t, r.ClickRate)
	assert.Zero(t, r.ConversionRate)
}

func TestVariation_Recompute(t *testing.T) {
	v := store.Variation{Impressions: 200, Engagements: 30, Clicks: 10, Conversions: 1}
	v.Recompute()

	assert.InDelta(t, 15.0, v.EngagementRate, 1e-9)
	assert.InDelta(t, 5.0, v.ClickRate, 1e-9)
	assert.InDelta(t, 10.0, v.ConversionRate, 1e-9)
}

func TestTestState(t *testing.T) {
	tests := []struct {
		state      store.TestState
		concluded  bool
		collecting bool
	}{
		{store.StateDraft, false, false},
		{store.StateRunning, false, true},
		{store.StatePaused, false, true},
		{store.StateCompleted, true, false},
		{store.StateCancelled, true, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			assert.True(t, tt.state.Valid())
			assert.Equal(t, tt.concluded, tt.state.Concluded())
			assert.Equal(t, tt.collecting, tt.state.Collecting())
		})
	}

	assert.False(t, store.TestState("archived").Valid())
}

func TestGoalMetric_Valid(t *testing.T) {
	assert.True(t, store.GoalEngagementRate.Valid())
	assert.True(t, store.GoalClickRate.Valid())
	assert.True(t, store.GoalConversionRate.Valid())
	assert.False(t, store.GoalMetric("share_rate").Valid())
}

func TestTest_Helpers(t *testing.T) {
	test := &store.Test{Variations: []store.Variation{
		{ID: "a", Impressions: 10},
		{ID: "b", IsControl: true, Impressions: 15},
	}}

	control := test.Control()
	require.NotNil(t, control)
	assert.Equal(t, "b", control.ID)

	require.NotNil(t, test.Variation("a"))
	assert.Nil(t, test.Variation("missing"))
	assert.Equal(t, int64(25), test.TotalImpressions())

	assert.Nil(t, (&store.Test{}).Control())
}
