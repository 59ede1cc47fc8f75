// Package abtest is the experiment lifecycle manager: it creates tests,
// drives their state machine, accumulates tracking events and finalizes
// winners using the significance engine.
package abtest

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/headline-goat/post-goat/internal/allocator"
	"github.com/headline-goat/post-goat/internal/config"
	"github.com/headline-goat/post-goat/internal/logging"
	"github.com/headline-goat/post-goat/internal/metrics"
	"github.com/headline-goat/post-goat/internal/stats"
	"github.com/headline-goat/post-goat/internal/store"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

type Service struct {
	store     store.Store
	allocator *allocator.Allocator
	engine    stats.Engine
	cfg       config.Engine
	logger    *slog.Logger
	metrics   *metrics.Metrics
	validate  *validator.Validate
	now       func() time.Time
}

// NewService wires the lifecycle manager. A nil logger discards output and a
// nil metrics set registers on a private registry.
func NewService(s store.Store, cfg config.Engine, logger *slog.Logger, m *metrics.Metrics) *Service {
	if logger == nil {
		logger = logging.Discard()
	}
	if m == nil {
		m = metrics.New(prometheus.NewRegistry())
	}

	return &Service{
		store:     s,
		allocator: allocator.New(s, cfg.AllocationCacheSize, cfg.AllocationCacheTTL),
		engine:    stats.NewEngine(cfg.MinTrialsForSignificance),
		cfg:       cfg,
		logger:    logger,
		metrics:   m,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		now:       time.Now,
	}
}

type VariationInput struct {
	Name        string `validate:"max=255"`
	Content     string
	ContentData map[string]any
}

type CreateTestInput struct {
	OwnerID               string `validate:"required"`
	BrandID               *string
	Name                  string `validate:"required,max=255"`
	Description           string
	TestType              string           `validate:"max=64"`
	Variations            []VariationInput `validate:"dive"`
	GoalMetric            store.GoalMetric `validate:"oneof=engagement_rate click_rate conversion_rate"`
	MinSampleSize         int              `validate:"gte=0"`
	ConfidenceLevel       float64          `validate:"gt=0,lt=1"`
	AutoEndOnSignificance bool
}

// CreateTest stores a draft test with its variations. The first variation is
// the control and traffic is split evenly, the last variation taking the
// remainder so the split sums to 100.
func (s *Service) CreateTest(ctx context.Context, in CreateTestInput) (*store.Test, error) {
	if len(in.Variations) < 2 {
		return nil, ErrTooFewVariations
	}

	if in.GoalMetric == "" {
		in.GoalMetric = s.cfg.DefaultGoalMetric
	}
	if in.MinSampleSize == 0 {
		in.MinSampleSize = s.cfg.DefaultMinSampleSize
	}
	if in.ConfidenceLevel == 0 {
		in.ConfidenceLevel = s.cfg.DefaultConfidenceLevel
	}

	if err := s.validate.Struct(in); err != nil {
		return nil, errors.Wrapf(ErrInvalidInput, "%v", err)
	}

	split := splitEvenly(len(in.Variations))
	variations := make([]store.Variation, len(in.Variations))
	for i, vi := range in.Variations {
		name := vi.Name
		if name == "" {
			name = "Variation " + variationLetter(i)
		}
		variations[i] = store.Variation{
			Name:           name,
			IsControl:      i == 0,
			Content:        vi.Content,
			ContentData:    vi.ContentData,
			TrafficPercent: split[i],
		}
	}

	test := &store.Test{
		OwnerID:               in.OwnerID,
		BrandID:               in.BrandID,
		Name:                  in.Name,
		Description:           in.Description,
		TestType:              in.TestType,
		GoalMetric:            in.GoalMetric,
		MinSampleSize:         in.MinSampleSize,
		ConfidenceLevel:       in.ConfidenceLevel,
		AutoEndOnSignificance: in.AutoEndOnSignificance,
		State:                 store.StateDraft,
		Variations:            variations,
	}

	if err := s.store.CreateTest(ctx, test); err != nil {
		return nil, errors.Wrap(err, "failed to create test")
	}

	s.logger.InfoContext(ctx, "test created",
		"test_id", test.ID,
		"owner_id", test.OwnerID,
		"variations", len(test.Variations),
		"goal_metric", test.GoalMetric,
	)
	return test, nil
}

type ListOptions struct {
	State   store.TestState
	BrandID string
	Limit   int
}

// ListTests returns the owner's tests, newest first.
func (s *Service) ListTests(ctx context.Context, ownerID string, opts ListOptions) ([]*store.Test, error) {
	if opts.State != "" && !opts.State.Valid() {
		return nil, errors.Wrapf(ErrInvalidInput, "unknown state %q", opts.State)
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	limit = min(limit, maxListLimit)

	tests, err := s.store.ListTests(ctx, store.ListFilter{
		OwnerID: ownerID,
		State:   opts.State,
		BrandID: opts.BrandID,
		Limit:   limit,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to list tests")
	}
	return tests, nil
}

type VariationDetails struct {
	store.Variation
	GoalValue   float64  // Goal metric, in percent
	CILower     float64  // Wilson interval of the goal metric, in percent
	CIUpper     float64  // Wilson interval of the goal metric, in percent
	PValue      *float64 // Against the control; nil for the control or when indeterminate
	Significant bool
	Leading     bool
}

type TestDetails struct {
	Test             *store.Test
	Variations       []VariationDetails
	TotalImpressions int64
	MinSampleReached bool
	Significance     stats.Significance
}

// GetTestDetails returns a metrics snapshot of one of the owner's tests.
func (s *Service) GetTestDetails(ctx context.Context, ownerID, testID string) (*TestDetails, error) {
	test, err := s.ownedTest(ctx, ownerID, testID)
	if err != nil {
		return nil, err
	}

	sig := s.engine.Evaluate(test)
	byVariation := make(map[string]stats.Comparison, len(sig.Comparisons))
	for _, c := range sig.Comparisons {
		byVariation[c.VariationID] = c
	}

	var leaderID string
	if leader := stats.Leader(test.GoalMetric, test.Variations); leader != nil {
		leaderID = leader.ID
	}

	details := &TestDetails{
		Test:             test,
		TotalImpressions: test.TotalImpressions(),
		MinSampleReached: minSampleReached(test),
		Significance:     sig,
	}

	for _, v := range test.Variations {
		v.Recompute()
		sample := stats.SampleFor(test.GoalMetric, v)
		lower, upper := stats.WilsonInterval(sample.Successes, sample.Trials, test.ConfidenceLevel)
		cmp := byVariation[v.ID]

		details.Variations = append(details.Variations, VariationDetails{
			Variation:   v,
			GoalValue:   stats.MetricValue(test.GoalMetric, v),
			CILower:     lower * 100,
			CIUpper:     upper * 100,
			PValue:      cmp.PValue,
			Significant: cmp.Significant,
			Leading:     v.ID == leaderID,
		})
	}

	return details, nil
}

// GetVariationForUser returns the variation to serve identifier, or nil when
// the test is unknown or not running.
func (s *Service) GetVariationForUser(ctx context.Context, testID, identifier string) (*allocator.Assignment, error) {
	assignment, err := s.allocator.Assign(ctx, testID, identifier)
	if err != nil {
		return nil, errors.Wrap(err, "failed to assign variation")
	}

	if assignment == nil {
		s.metrics.Assignments.WithLabelValues("none").Inc()
		return nil, nil
	}
	s.metrics.Assignments.WithLabelValues("assigned").Inc()
	return assignment, nil
}

// ownedTest loads a test and hides tests owned by someone else.
func (s *Service) ownedTest(ctx context.Context, ownerID, testID string) (*store.Test, error) {
	test, err := s.store.GetTest(ctx, testID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrTestNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get test")
	}
	if test.OwnerID != ownerID {
		return nil, ErrTestNotFound
	}
	return test, nil
}

func minSampleReached(test *store.Test) bool {
	threshold := int64(test.MinSampleSize) * int64(len(test.Variations))
	return test.TotalImpressions() >= threshold
}

func splitEvenly(n int) []int {
	out := make([]int, n)
	if n == 0 {
		return out
	}
	base := 100 / n
	for i := range out {
		out[i] = base
	}
	out[n-1] += 100 - base*n
	return out
}

// variationLetter labels the i-th variation A, B, ... Z, then by number.
func variationLetter(i int) string {
	if i < 26 {
		return fmt.Sprintf("%c", 'A'+i)
	}
	return strconv.Itoa(i + 1)
}
