// Package allocator assigns opaque identifiers to test variations by hashing
// them into one of 100 buckets and walking the cumulative traffic split.
package allocator

import (
	"context"
	"maps"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/headline-goat/post-goat/internal/store"
)

// Buckets is the number of hash buckets traffic percentages are laid over.
const Buckets = 100

// TestReader is the part of the store the allocator reads from.
type TestReader interface {
	GetTest(ctx context.Context, id string) (*store.Test, error)
}

// Assignment is the variation served to an identifier.
type Assignment struct {
	TestID        string         `json:"test_id"`
	VariationID   string         `json:"variation_id"`
	VariationName string         `json:"variation_name"`
	Content       string         `json:"content"`
	ContentData   map[string]any `json:"content_data,omitempty"`
}

type Allocator struct {
	tests TestReader
	cache *expirable.LRU[string, *store.Test] // nil when caching is disabled
}

// New returns an allocator reading tests through r. Test snapshots are cached
// for ttl; a zero ttl disables the cache.
func New(r TestReader, size int, ttl time.Duration) *Allocator {
	a := &Allocator{tests: r}
	if ttl > 0 {
		if size <= 0 {
			size = 1024
		}
		a.cache = expirable.NewLRU[string, *store.Test](size, nil, ttl)
	}
	return a
}

// Bucket hashes "{testID}:{identifier}" into [0, Buckets). xxhash has no
// per-process seed, so the bucket is stable across restarts and hosts.
func Bucket(testID, identifier string) int {
	return int(xxhash.Sum64String(testID+":"+identifier) % Buckets)
}

// Pick returns the first variation, in order, whose cumulative traffic
// percent exceeds bucket. When the split sums to less than the bucket it
// falls back to the first variation. It returns nil for no variations.
func Pick(variations []store.Variation, bucket int) *store.Variation {
	if len(variations) == 0 {
		return nil
	}

	cumulative := 0
	for i := range variations {
		cumulative += variations[i].TrafficPercent
		if bucket < cumulative {
			return &variations[i]
		}
	}
	return &variations[0]
}

// Assign returns the variation to show identifier, or nil when the test does
// not exist or is not running.
func (a *Allocator) Assign(ctx context.Context, testID, identifier string) (*Assignment, error) {
	test, err := a.snapshot(ctx, testID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if test.State != store.StateRunning {
		return nil, nil
	}

	v := Pick(test.Variations, Bucket(test.ID, identifier))
	if v == nil {
		return nil, nil
	}

	return &Assignment{
		TestID:        test.ID,
		VariationID:   v.ID,
		VariationName: v.Name,
		Content:       v.Content,
		ContentData:   maps.Clone(v.ContentData),
	}, nil
}

// Invalidate drops the cached snapshot of a test. The lifecycle manager calls
// it after every state or traffic change.
func (a *Allocator) Invalidate(testID string) {
	if a.cache != nil {
		a.cache.Remove(testID)
	}
}

func (a *Allocator) snapshot(ctx context.Context, testID string) (*store.Test, error) {
	if a.cache != nil {
		if test, ok := a.cache.Get(testID); ok {
			return test, nil
		}
	}

	test, err := a.tests.GetTest(ctx, testID)
	if err != nil {
		return nil, err
	}

	if a.cache != nil {
		a.cache.Add(testID, test)
	}
	return test, nil
}
