package abtest

import (
	"context"

	"github.com/headline-goat/post-goat/internal/store"
)

// The Record* methods are fired by public tracking surfaces. Unknown
// (test, variation) pairs and tests that are not running or paused are
// ignored without error.

func (s *Service) RecordImpression(ctx context.Context, testID, variationID string) error {
	return s.record(ctx, testID, variationID, store.CounterImpressions, "")
}

// RecordEngagement counts one engagement of the given kind (like, comment,
// share, ...). The kind is a label only.
func (s *Service) RecordEngagement(ctx context.Context, testID, variationID, kind string) error {
	return s.record(ctx, testID, variationID, store.CounterEngagements, kind)
}

func (s *Service) RecordClick(ctx context.Context, testID, variationID string) error {
	return s.record(ctx, testID, variationID, store.CounterClicks, "")
}

func (s *Service) RecordConversion(ctx context.Context, testID, variationID string) error {
	return s.record(ctx, testID, variationID, store.CounterConversions, "")
}

func (s *Service) record(ctx context.Context, testID, variationID string, counter store.Counter, kind string) error {
	counted, err := s.store.IncrementCounter(ctx, testID, variationID, counter)
	if err != nil {
		return err
	}

	if !counted {
		s.metrics.EventsIgnored.WithLabelValues(string(counter)).Inc()
		s.logger.DebugContext(ctx, "event ignored",
			"test_id", testID,
			"variation_id", variationID,
			"counter", counter,
		)
		return nil
	}
	s.metrics.EventsRecorded.WithLabelValues(string(counter)).Inc()

	if counter != store.CounterEngagements {
		return nil
	}
	if kind != "" {
		s.logger.DebugContext(ctx, "engagement recorded", "test_id", testID, "variation_id", variationID, "kind", kind)
	}

	// The event is already counted; an auto-end failure must not reject it.
	if err := s.checkAutoEnd(ctx, testID); err != nil {
		s.logger.WarnContext(ctx, "auto end check failed", "test_id", testID, "error", err)
	}
	return nil
}
