package testutil

import (
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/headline-goat/post-goat/internal/abtest"
	"github.com/headline-goat/post-goat/internal/config"
	"github.com/headline-goat/post-goat/internal/metrics"
	"github.com/headline-goat/post-goat/internal/store"
)

// SetupTestStore creates a sqlite database and returns the store.
// Uses t.TempDir() for automatic cleanup on test completion.
func SetupTestStore(t *testing.T) *store.SQLStore {
	t.Helper()

	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}

	t.Cleanup(func() {
		s.Close()
	})

	return s
}

// Env bundles a service with the store and registry behind it.
type Env struct {
	Store    *store.SQLStore
	Service  *abtest.Service
	Registry *prometheus.Registry
	Metrics  *metrics.Metrics
}

// SetupService wires a service over a fresh sqlite store. The allocation
// cache is disabled so assignments always see the latest state.
func SetupService(t *testing.T) *Env {
	t.Helper()

	cfg := config.DefaultEngine()
	cfg.AllocationCacheTTL = 0
	return SetupServiceWith(t, cfg)
}

func SetupServiceWith(t *testing.T, cfg config.Engine) *Env {
	t.Helper()

	s := SetupTestStore(t)
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	return &Env{
		Store:    s,
		Service:  abtest.NewService(s, cfg, nil, m),
		Registry: reg,
		Metrics:  m,
	}
}
