package allocator_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/headline-goat/post-goat/internal/allocator"
	"github.com/headline-goat/post-goat/internal/store"
)

type fakeReader struct {
	mu    sync.Mutex
	tests map[string]*store.Test
	calls int
	err   error
}

func (f *fakeReader) GetTest(ctx context.Context, id string) (*store.Test, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	test, ok := f.tests[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return test, nil
}

func runningTest(id string, split ...int) *store.Test {
	test := &store.Test{ID: id, State: store.StateRunning}
	for i, pct := range split {
		test.Variations = append(test.Variations, store.Variation{
			ID:             fmt.Sprintf("%s-v%d", id, i),
			Name:           fmt.Sprintf("Variation %d", i),
			Content:        fmt.Sprintf("content %d", i),
			TrafficPercent: pct,
		})
	}
	return test
}

func newReader(tests ...*store.Test) *fakeReader {
	r := &fakeReader{tests: map[string]*store.Test{}}
	for _, t := range tests {
		r.tests[t.ID] = t
	}
	return r
}

func TestBucket_InRangeAndStable(t *testing.T) {
	for i := 0; i < 1000; i++ {
		id := fmt.Sprintf("user-%d", i)
		b := allocator.Bucket("test-1", id)

		assert.GreaterOrEqual(t, b, 0)
		assert.Less(t, b, allocator.Buckets)
		assert.Equal(t, b, allocator.Bucket("test-1", id))
	}
}

func TestPick(t *testing.T) {
	variations := runningTest("t", 33, 33, 34).Variations

	tests := []struct {
		bucket int
		want   string
	}{
		{0, "t-v0"},
		{32, "t-v0"},
		{33, "t-v1"},
		{65, "t-v1"},
		{66, "t-v2"},
		{99, "t-v2"},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("bucket %d", tt.bucket), func(t *testing.T) {
			v := allocator.Pick(variations, tt.bucket)
			require.NotNil(t, v)
			assert.Equal(t, tt.want, v.ID)
		})
	}
}

func TestPick_FallsBackToFirstVariation(t *testing.T) {
	// Split only covers buckets 0-39
	variations := runningTest("t", 20, 20).Variations

	v := allocator.Pick(variations, 75)
	require.NotNil(t, v)
	assert.Equal(t, "t-v0", v.ID)
}

func TestPick_SkipsZeroTrafficVariations(t *testing.T) {
	variations := runningTest("t", 0, 100).Variations

	for bucket := 0; bucket < allocator.Buckets; bucket++ {
		assert.Equal(t, "t-v1", allocator.Pick(variations, bucket).ID)
	}
}

func TestPick_NoVariations(t *testing.T) {
	assert.Nil(t, allocator.Pick(nil, 10))
}

func TestAssign_Deterministic(t *testing.T) {
	a := allocator.New(newReader(runningTest("t", 50, 50)), 0, 0)
	ctx := context.Background()

	for i := 0; i < 1000; i++ {
		id := fmt.Sprintf("user-%d", i)

		first, err := a.Assign(ctx, "t", id)
		require.NoError(t, err)
		require.NotNil(t, first)

		for j := 0; j < 3; j++ {
			again, err := a.Assign(ctx, "t", id)
			require.NoError(t, err)
			assert.Equal(t, first.VariationID, again.VariationID)
		}
	}
}

func TestAssign_Distribution(t *testing.T) {
	a := allocator.New(newReader(runningTest("t", 50, 50)), 0, 0)
	ctx := context.Background()

	const n = 100000
	counts := map[string]int{}
	for i := 0; i < n; i++ {
		assignment, err := a.Assign(ctx, "t", fmt.Sprintf("user-%d", i))
		require.NoError(t, err)
		counts[assignment.VariationID]++
	}

	for _, id := range []string{"t-v0", "t-v1"} {
		share := float64(counts[id]) / n
		assert.InDelta(t, 0.5, share, 0.02, "variation %s got %.3f", id, share)
	}
}

func TestAssign_ReturnsVariationContent(t *testing.T) {
	test := runningTest("t", 100, 0)
	test.Variations[0].ContentData = map[string]any{"hashtags": "#spring"}
	a := allocator.New(newReader(test), 0, 0)

	assignment, err := a.Assign(context.Background(), "t", "user-1")
	require.NoError(t, err)
	require.NotNil(t, assignment)

	assert.Equal(t, "t", assignment.TestID)
	assert.Equal(t, "t-v0", assignment.VariationID)
	assert.Equal(t, "Variation 0", assignment.VariationName)
	assert.Equal(t, "content 0", assignment.Content)
	assert.Equal(t, "#spring", assignment.ContentData["hashtags"])
}

func TestAssign_ContentDataIsCopied(t *testing.T) {
	test := runningTest("t", 100, 0)
	test.Variations[0].ContentData = map[string]any{"hashtags": "#spring"}
	a := allocator.New(newReader(test), 16, time.Minute)
	ctx := context.Background()

	first, err := a.Assign(ctx, "t", "user-1")
	require.NoError(t, err)
	first.ContentData["hashtags"] = "#changed"

	second, err := a.Assign(ctx, "t", "user-2")
	require.NoError(t, err)
	assert.Equal(t, "#spring", second.ContentData["hashtags"])
	assert.Equal(t, "#spring", test.Variations[0].ContentData["hashtags"])
}

func TestAssign_OnlyRunningTests(t *testing.T) {
	ctx := context.Background()

	for _, state := range []store.TestState{store.StateDraft, store.StatePaused, store.StateCompleted, store.StateCancelled} {
		t.Run(string(state), func(t *testing.T) {
			test := runningTest("t", 50, 50)
			test.State = state
			a := allocator.New(newReader(test), 0, 0)

			assignment, err := a.Assign(ctx, "t", "user-1")
			require.NoError(t, err)
			assert.Nil(t, assignment)
		})
	}
}

func TestAssign_UnknownTest(t *testing.T) {
	a := allocator.New(newReader(), 0, 0)

	assignment, err := a.Assign(context.Background(), "missing", "user-1")
	require.NoError(t, err)
	assert.Nil(t, assignment)
}

func TestAssign_StoreError(t *testing.T) {
	r := newReader()
	r.err = errors.New("connection refused")
	a := allocator.New(r, 0, 0)

	_, err := a.Assign(context.Background(), "t", "user-1")
	assert.Error(t, err)
}

func TestAssign_CachesSnapshots(t *testing.T) {
	r := newReader(runningTest("t", 50, 50))
	a := allocator.New(r, 16, time.Minute)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := a.Assign(ctx, "t", fmt.Sprintf("user-%d", i))
		require.NoError(t, err)
	}
	assert.Equal(t, 1, r.calls)

	// A paused test stops serving once its snapshot is invalidated
	r.tests["t"] = func() *store.Test { p := runningTest("t", 50, 50); p.State = store.StatePaused; return p }()
	a.Invalidate("t")

	assignment, err := a.Assign(ctx, "t", "user-1")
	require.NoError(t, err)
	assert.Nil(t, assignment)
	assert.Equal(t, 2, r.calls)
}

func TestAssign_NoCacheWithZeroTTL(t *testing.T) {
	r := newReader(runningTest("t", 50, 50))
	a := allocator.New(r, 16, 0)

	for i := 0; i < 5; i++ {
		_, err := a.Assign(context.Background(), "t", "user-1")
		require.NoError(t, err)
	}
	assert.Equal(t, 5, r.calls)
}

func TestAssign_Properties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		first := rapid.IntRange(0, 100).Draw(t, "first")
		second := rapid.IntRange(0, 100-first).Draw(t, "second")
		test := runningTest("t", first, second, 100-first-second)
		identifier := rapid.String().Draw(t, "identifier")

		a := allocator.New(newReader(test), 0, 0)
		ctx := context.Background()

		got, err := a.Assign(ctx, "t", identifier)
		if err != nil {
			t.Fatalf("assign: %v", err)
		}
		again, err := a.Assign(ctx, "t", identifier)
		if err != nil {
			t.Fatalf("assign: %v", err)
		}
		if got.VariationID != again.VariationID {
			t.Fatalf("assignment changed: %s then %s", got.VariationID, again.VariationID)
		}

		// A full split never serves a variation with no traffic
		if v := test.Variation(got.VariationID); v == nil || v.TrafficPercent == 0 {
			t.Fatalf("served %s with no traffic", got.VariationID)
		}
	})
}
