package store_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/headline-goat/post-goat/internal/store"
)

func setupTestDB(t *testing.T) *store.SQLStore {
	t.Helper()

	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	return s
}

func newTest(owner string, state store.TestState) *store.Test {
	return &store.Test{
		OwnerID:         owner,
		Name:            "spring launch",
		Description:     "caption test",
		TestType:        "caption",
		GoalMetric:      store.GoalEngagementRate,
		MinSampleSize:   100,
		ConfidenceLevel: 0.95,
		State:           state,
		Variations: []store.Variation{
			{Name: "Short", IsControl: true, Content: "New drop", TrafficPercent: 50,
				ContentData: map[string]any{"hashtags": "#spring"}},
			{Name: "Long", Content: "We spent a year on this drop", TrafficPercent: 50},
		},
	}
}

func createTest(t *testing.T, s *store.SQLStore, owner string, state store.TestState) *store.Test {
	t.Helper()

	test := newTest(owner, state)
	require.NoError(t, s.CreateTest(context.Background(), test))
	return test
}

func TestOpen(t *testing.T) {
	s := setupTestDB(t)

	assert.Equal(t, store.DriverSQLite, s.Driver())
	assert.NoError(t, s.Ping(context.Background()))
}

func TestOpen_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := store.Open(path)
	require.NoError(t, err)
	test := newTest("owner-1", store.StateDraft)
	require.NoError(t, s.CreateTest(context.Background(), test))
	require.NoError(t, s.Close())

	// Schema application is idempotent
	s, err = store.Open(path)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.GetTest(context.Background(), test.ID)
	require.NoError(t, err)
	assert.Equal(t, test.Name, got.Name)
}

func TestOpen_DSNWithQueryKeepsPragmas(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "test.db") + "?_pragma=synchronous(NORMAL)"

	s, err := store.OpenDriver(store.DriverSQLite, dsn)
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	var foreignKeys, busyTimeout int
	require.NoError(t, s.DB().QueryRowContext(ctx, "PRAGMA foreign_keys").Scan(&foreignKeys))
	require.NoError(t, s.DB().QueryRowContext(ctx, "PRAGMA busy_timeout").Scan(&busyTimeout))
	assert.Equal(t, 1, foreignKeys)
	assert.Equal(t, 5000, busyTimeout)
}

func TestOpen_DSNOverridesPragma(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "test.db") + "?_pragma=busy_timeout(100)"

	s, err := store.OpenDriver(store.DriverSQLite, dsn)
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	var foreignKeys, busyTimeout int
	require.NoError(t, s.DB().QueryRowContext(ctx, "PRAGMA foreign_keys").Scan(&foreignKeys))
	require.NoError(t, s.DB().QueryRowContext(ctx, "PRAGMA busy_timeout").Scan(&busyTimeout))
	assert.Equal(t, 1, foreignKeys)
	assert.Equal(t, 100, busyTimeout)
}

func TestOpenDriver_Unsupported(t *testing.T) {
	_, err := store.OpenDriver("mysql", "whatever")
	assert.Error(t, err)
}

func TestCreateAndGetTest(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	brand := "brand-1"
	test := newTest("owner-1", store.StateDraft)
	test.BrandID = &brand
	require.NoError(t, s.CreateTest(ctx, test))

	assert.NotEmpty(t, test.ID)
	for i, v := range test.Variations {
		assert.NotEmpty(t, v.ID)
		assert.Equal(t, test.ID, v.TestID)
		assert.Equal(t, i, v.Position)
	}

	got, err := s.GetTest(ctx, test.ID)
	require.NoError(t, err)

	assert.Equal(t, "owner-1", got.OwnerID)
	require.NotNil(t, got.BrandID)
	assert.Equal(t, brand, *got.BrandID)
	assert.Equal(t, "spring launch", got.Name)
	assert.Equal(t, "caption", got.TestType)
	assert.Equal(t, store.GoalEngagementRate, got.GoalMetric)
	assert.Equal(t, 100, got.MinSampleSize)
	assert.InDelta(t, 0.95, got.ConfidenceLevel, 1e-9)
	assert.Equal(t, store.StateDraft, got.State)
	assert.Nil(t, got.StartedAt)
	assert.Nil(t, got.EndedAt)
	assert.Nil(t, got.WinnerVariationID)
	assert.Nil(t, got.PValue)
	assert.False(t, got.IsSignificant)

	require.Len(t, got.Variations, 2)
	assert.Equal(t, "Short", got.Variations[0].Name)
	assert.True(t, got.Variations[0].IsControl)
	assert.Equal(t, "#spring", got.Variations[0].ContentData["hashtags"])
	assert.Equal(t, "Long", got.Variations[1].Name)
	assert.Nil(t, got.Variations[1].ContentData)
	assert.Equal(t, 50, got.Variations[1].TrafficPercent)
}

func TestGetTest_NotFound(t *testing.T) {
	s := setupTestDB(t)

	_, err := s.GetTest(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestListTests(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	first := createTest(t, s, "owner-1", store.StateDraft)
	time.Sleep(2 * time.Millisecond)
	second := createTest(t, s, "owner-1", store.StateRunning)
	createTest(t, s, "owner-2", store.StateRunning)

	tests, err := s.ListTests(ctx, store.ListFilter{OwnerID: "owner-1"})
	require.NoError(t, err)
	require.Len(t, tests, 2)
	assert.Equal(t, second.ID, tests[0].ID, "newest first")
	assert.Equal(t, first.ID, tests[1].ID)
	assert.Len(t, tests[0].Variations, 2)

	running, err := s.ListTests(ctx, store.ListFilter{OwnerID: "owner-1", State: store.StateRunning})
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, second.ID, running[0].ID)

	limited, err := s.ListTests(ctx, store.ListFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	none, err := s.ListTests(ctx, store.ListFilter{OwnerID: "nobody"})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestListTests_BrandFilter(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	brand := "brand-1"
	branded := newTest("owner-1", store.StateDraft)
	branded.BrandID = &brand
	require.NoError(t, s.CreateTest(ctx, branded))
	createTest(t, s, "owner-1", store.StateDraft)

	tests, err := s.ListTests(ctx, store.ListFilter{OwnerID: "owner-1", BrandID: brand})
	require.NoError(t, err)
	require.Len(t, tests, 1)
	assert.Equal(t, branded.ID, tests[0].ID)
}

func TestCountTests(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	count, err := s.CountTests(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)

	createTest(t, s, "owner-1", store.StateDraft)
	createTest(t, s, "owner-2", store.StateDraft)

	count, err = s.CountTests(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestTransitionTest(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()
	test := createTest(t, s, "owner-1", store.StateDraft)

	started := time.Now().Truncate(time.Millisecond)
	err := s.TransitionTest(ctx, test.ID, store.Transition{
		From:      []store.TestState{store.StateDraft},
		To:        store.StateRunning,
		StartedAt: &started,
	})
	require.NoError(t, err)

	got, err := s.GetTest(ctx, test.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StateRunning, got.State)
	require.NotNil(t, got.StartedAt)
	assert.True(t, started.Equal(*got.StartedAt))

	// started_at is kept once recorded
	later := started.Add(time.Hour)
	require.NoError(t, s.TransitionTest(ctx, test.ID, store.Transition{
		From: []store.TestState{store.StateRunning}, To: store.StatePaused,
	}))
	require.NoError(t, s.TransitionTest(ctx, test.ID, store.Transition{
		From: []store.TestState{store.StatePaused}, To: store.StateRunning, StartedAt: &later,
	}))

	got, err = s.GetTest(ctx, test.ID)
	require.NoError(t, err)
	assert.True(t, started.Equal(*got.StartedAt))
}

func TestTransitionTest_Conflict(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()
	test := createTest(t, s, "owner-1", store.StateDraft)

	err := s.TransitionTest(ctx, test.ID, store.Transition{
		From: []store.TestState{store.StateRunning},
		To:   store.StatePaused,
	})
	assert.ErrorIs(t, err, store.ErrStateConflict)

	err = s.TransitionTest(ctx, "missing", store.Transition{
		From: []store.TestState{store.StateDraft},
		To:   store.StateRunning,
	})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestFinalizeTest(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()
	test := createTest(t, s, "owner-1", store.StateRunning)

	winner := test.Variations[1].ID
	p := 0.01
	ended := time.Now().Truncate(time.Millisecond)
	require.NoError(t, s.FinalizeTest(ctx, test.ID, store.Finalization{
		WinnerVariationID: &winner,
		IsSignificant:     true,
		PValue:            &p,
		EndedAt:           ended,
	}))

	got, err := s.GetTest(ctx, test.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StateCompleted, got.State)
	require.NotNil(t, got.WinnerVariationID)
	assert.Equal(t, winner, *got.WinnerVariationID)
	assert.True(t, got.IsSignificant)
	require.NotNil(t, got.PValue)
	assert.InDelta(t, 0.01, *got.PValue, 1e-12)
	require.NotNil(t, got.EndedAt)
	assert.True(t, ended.Equal(*got.EndedAt))

	// A second finalization loses the compare-and-swap
	err = s.FinalizeTest(ctx, test.ID, store.Finalization{EndedAt: time.Now()})
	assert.ErrorIs(t, err, store.ErrStateConflict)
}

func TestFinalizeTest_OnlyFromCollectingStates(t *testing.T) {
	s := setupTestDB(t)
	test := createTest(t, s, "owner-1", store.StateDraft)

	err := s.FinalizeTest(context.Background(), test.ID, store.Finalization{EndedAt: time.Now()})
	assert.ErrorIs(t, err, store.ErrStateConflict)
}

func TestFinalizeTest_Concurrent(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()
	test := createTest(t, s, "owner-1", store.StateRunning)

	const workers = 8
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			winner := test.Variations[i%2].ID
			errs[i] = s.FinalizeTest(ctx, test.ID, store.Finalization{WinnerVariationID: &winner, EndedAt: time.Now()})
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, store.ErrStateConflict)
	}
	assert.Equal(t, 1, succeeded)
}

func TestSaveSignificance(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()
	test := createTest(t, s, "owner-1", store.StateRunning)

	p := 0.2
	require.NoError(t, s.SaveSignificance(ctx, test.ID, false, &p))

	got, err := s.GetTest(ctx, test.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StateRunning, got.State)
	require.NotNil(t, got.PValue)
	assert.InDelta(t, 0.2, *got.PValue, 1e-12)

	draft := createTest(t, s, "owner-1", store.StateDraft)
	assert.ErrorIs(t, s.SaveSignificance(ctx, draft.ID, true, &p), store.ErrStateConflict)
}

func TestSetAutoEnd(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()
	test := createTest(t, s, "owner-1", store.StateDraft)

	require.NoError(t, s.SetAutoEnd(ctx, test.ID, true))
	got, err := s.GetTest(ctx, test.ID)
	require.NoError(t, err)
	assert.True(t, got.AutoEndOnSignificance)

	done := createTest(t, s, "owner-1", store.StateCompleted)
	assert.ErrorIs(t, s.SetAutoEnd(ctx, done.ID, true), store.ErrStateConflict)
	assert.ErrorIs(t, s.SetAutoEnd(ctx, "missing", true), store.ErrNotFound)
}

func TestSetTrafficSplit(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()
	test := createTest(t, s, "owner-1", store.StateRunning)

	require.NoError(t, s.SetTrafficSplit(ctx, test.ID, map[string]int{
		test.Variations[0].ID: 80,
		test.Variations[1].ID: 20,
	}))

	got, err := s.GetTest(ctx, test.ID)
	require.NoError(t, err)
	assert.Equal(t, 80, got.Variations[0].TrafficPercent)
	assert.Equal(t, 20, got.Variations[1].TrafficPercent)
}

func TestSetTrafficSplit_UnknownVariationRollsBack(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()
	test := createTest(t, s, "owner-1", store.StateRunning)
	other := createTest(t, s, "owner-1", store.StateRunning)

	err := s.SetTrafficSplit(ctx, test.ID, map[string]int{
		test.Variations[0].ID:  80,
		other.Variations[1].ID: 20,
	})
	assert.ErrorIs(t, err, store.ErrNotFound)

	got, err := s.GetTest(ctx, test.ID)
	require.NoError(t, err)
	assert.Equal(t, 50, got.Variations[0].TrafficPercent)
}

func TestIncrementCounter(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()
	test := createTest(t, s, "owner-1", store.StateRunning)
	vID := test.Variations[0].ID

	for i := 0; i < 4; i++ {
		ok, err := s.IncrementCounter(ctx, test.ID, vID, store.CounterImpressions)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := s.IncrementCounter(ctx, test.ID, vID, store.CounterEngagements)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.IncrementCounter(ctx, test.ID, vID, store.CounterClicks)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.IncrementCounter(ctx, test.ID, vID, store.CounterClicks)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.IncrementCounter(ctx, test.ID, vID, store.CounterConversions)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := s.GetTest(ctx, test.ID)
	require.NoError(t, err)
	v := got.Variations[0]
	assert.Equal(t, int64(4), v.Impressions)
	assert.Equal(t, int64(1), v.Engagements)
	assert.Equal(t, int64(2), v.Clicks)
	assert.Equal(t, int64(1), v.Conversions)
	assert.InDelta(t, 25.0, v.EngagementRate, 1e-9)
	assert.InDelta(t, 50.0, v.ClickRate, 1e-9)
	assert.InDelta(t, 50.0, v.ConversionRate, 1e-9)
	assert.Zero(t, got.Variations[1].Impressions)
}

func TestIncrementCounter_Ignored(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()
	running := createTest(t, s, "owner-1", store.StateRunning)
	other := createTest(t, s, "owner-1", store.StateRunning)

	tests := []struct {
		name        string
		testID      string
		variationID string
	}{
		{"unknown test", "missing", running.Variations[0].ID},
		{"unknown variation", running.ID, "missing"},
		{"variation of another test", running.ID, other.Variations[0].ID},
	}
	for _, state := range []store.TestState{store.StateDraft, store.StateCompleted, store.StateCancelled} {
		test := createTest(t, s, "owner-1", state)
		tests = append(tests, struct {
			name        string
			testID      string
			variationID string
		}{string(state) + " test", test.ID, test.Variations[0].ID})
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, err := s.IncrementCounter(ctx, tt.testID, tt.variationID, store.CounterImpressions)
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}

	got, err := s.GetTest(ctx, other.ID)
	require.NoError(t, err)
	assert.Zero(t, got.Variations[0].Impressions)
}

func TestIncrementCounter_Paused(t *testing.T) {
	s := setupTestDB(t)
	test := createTest(t, s, "owner-1", store.StatePaused)

	ok, err := s.IncrementCounter(context.Background(), test.ID, test.Variations[1].ID, store.CounterEngagements)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestIncrementCounter_UnknownCounter(t *testing.T) {
	s := setupTestDB(t)
	test := createTest(t, s, "owner-1", store.StateRunning)

	_, err := s.IncrementCounter(context.Background(), test.ID, test.Variations[0].ID, "shares")
	assert.Error(t, err)
}

func TestIncrementCounter_Concurrent(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()
	test := createTest(t, s, "owner-1", store.StateRunning)
	vID := test.Variations[0].ID

	const workers, perWorker = 10, 20
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				_, err := s.IncrementCounter(ctx, test.ID, vID, store.CounterImpressions)
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	got, err := s.GetTest(ctx, test.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(workers*perWorker), got.Variations[0].Impressions)
}

func TestDeleteTest(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()
	test := createTest(t, s, "owner-1", store.StateRunning)
	keep := createTest(t, s, "owner-1", store.StateRunning)

	require.NoError(t, s.DeleteTest(ctx, test.ID))

	_, err := s.GetTest(ctx, test.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	var orphans int
	require.NoError(t, s.DB().QueryRowContext(ctx,
		"SELECT COUNT(*) FROM variations WHERE test_id = ?", test.ID).Scan(&orphans))
	assert.Zero(t, orphans)

	got, err := s.GetTest(ctx, keep.ID)
	require.NoError(t, err)
	assert.Len(t, got.Variations, 2)

	assert.ErrorIs(t, s.DeleteTest(ctx, test.ID), store.ErrNotFound)
}
