package store

import (
	"context"

	"github.com/cockroachdb/errors"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrStateConflict is returned when a compare-and-swap on state finds the
	// test in a state outside the expected set.
	ErrStateConflict = errors.New("state conflict")
)

// Store defines the interface for experiment storage operations
type Store interface {
	// Test operations
	CreateTest(ctx context.Context, test *Test) error
	GetTest(ctx context.Context, id string) (*Test, error)
	ListTests(ctx context.Context, filter ListFilter) ([]*Test, error)
	CountTests(ctx context.Context) (int, error)
	TransitionTest(ctx context.Context, id string, tr Transition) error
	FinalizeTest(ctx context.Context, id string, f Finalization) error
	SaveSignificance(ctx context.Context, id string, isSignificant bool, pValue *float64) error
	SetAutoEnd(ctx context.Context, id string, enabled bool) error
	DeleteTest(ctx context.Context, id string) error

	// Variation operations
	SetTrafficSplit(ctx context.Context, testID string, split map[string]int) error
	IncrementCounter(ctx context.Context, testID, variationID string, counter Counter) (bool, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Close() error
}
