package abtest

import (
	"context"
	"slices"

	"github.com/cockroachdb/errors"

	"github.com/headline-goat/post-goat/internal/stats"
	"github.com/headline-goat/post-goat/internal/store"
)

// Start moves a draft test to running and records its start time.
func (s *Service) Start(ctx context.Context, ownerID, testID string) (*store.Test, error) {
	test, err := s.ownedTest(ctx, ownerID, testID)
	if err != nil {
		return nil, err
	}
	if test.State != store.StateDraft {
		return nil, invalidTransition("start", test.State)
	}
	if len(test.Variations) < 2 {
		return nil, ErrTooFewVariations
	}

	now := s.now()
	return s.transition(ctx, test, "start", store.Transition{
		From:      []store.TestState{store.StateDraft},
		To:        store.StateRunning,
		StartedAt: &now,
	})
}

func (s *Service) Pause(ctx context.Context, ownerID, testID string) (*store.Test, error) {
	test, err := s.ownedTest(ctx, ownerID, testID)
	if err != nil {
		return nil, err
	}
	if test.State != store.StateRunning {
		return nil, invalidTransition("pause", test.State)
	}

	return s.transition(ctx, test, "pause", store.Transition{
		From: []store.TestState{store.StateRunning},
		To:   store.StatePaused,
	})
}

func (s *Service) Resume(ctx context.Context, ownerID, testID string) (*store.Test, error) {
	test, err := s.ownedTest(ctx, ownerID, testID)
	if err != nil {
		return nil, err
	}
	if test.State != store.StatePaused {
		return nil, invalidTransition("resume", test.State)
	}

	return s.transition(ctx, test, "resume", store.Transition{
		From: []store.TestState{store.StatePaused},
		To:   store.StateRunning,
	})
}

// Cancel abandons a test that has not concluded. No winner is recorded.
func (s *Service) Cancel(ctx context.Context, ownerID, testID string) (*store.Test, error) {
	test, err := s.ownedTest(ctx, ownerID, testID)
	if err != nil {
		return nil, err
	}
	if test.State.Concluded() {
		return nil, invalidTransition("cancel", test.State)
	}

	now := s.now()
	return s.transition(ctx, test, "cancel", store.Transition{
		From:    []store.TestState{store.StateDraft, store.StateRunning, store.StatePaused},
		To:      store.StateCancelled,
		EndedAt: &now,
	})
}

// End completes a running or paused test. winnerID, when given, must name a
// variation of the test; otherwise the variation leading on the goal metric
// wins.
func (s *Service) End(ctx context.Context, ownerID, testID string, winnerID *string) (*store.Test, error) {
	test, err := s.ownedTest(ctx, ownerID, testID)
	if err != nil {
		return nil, err
	}
	if !test.State.Collecting() {
		return nil, invalidTransition("end", test.State)
	}
	if winnerID != nil && test.Variation(*winnerID) == nil {
		return nil, errors.Wrapf(ErrInvalidWinner, "variation %s", *winnerID)
	}

	return s.finalize(ctx, test, winnerID, s.engine.Evaluate(test))
}

// Delete removes a test and its variations in any state.
func (s *Service) Delete(ctx context.Context, ownerID, testID string) error {
	if _, err := s.ownedTest(ctx, ownerID, testID); err != nil {
		return err
	}
	if err := s.store.DeleteTest(ctx, testID); err != nil {
		return storeError(err, "delete")
	}

	s.allocator.Invalidate(testID)
	s.logger.InfoContext(ctx, "test deleted", "test_id", testID, "owner_id", ownerID)
	return nil
}

// UpdateTrafficSplit changes traffic percents of some variations. The
// resulting split must cover exactly 100 percent.
func (s *Service) UpdateTrafficSplit(ctx context.Context, ownerID, testID string, split map[string]int) (*store.Test, error) {
	test, err := s.ownedTest(ctx, ownerID, testID)
	if err != nil {
		return nil, err
	}
	if test.State.Concluded() {
		return nil, invalidTransition("change traffic of", test.State)
	}

	total := 0
	for _, v := range test.Variations {
		pct := v.TrafficPercent
		if override, ok := split[v.ID]; ok {
			pct = override
		}
		if pct < 0 || pct > 100 {
			return nil, errors.Wrapf(ErrInvalidTrafficSplit, "variation %s: %d%% is outside 0-100", v.ID, pct)
		}
		total += pct
	}
	for id := range split {
		if test.Variation(id) == nil {
			return nil, errors.Wrapf(ErrInvalidTrafficSplit, "variation %s does not belong to the test", id)
		}
	}
	if total != 100 {
		return nil, errors.Wrapf(ErrInvalidTrafficSplit, "split sums to %d%%, want 100%%", total)
	}

	if err := s.store.SetTrafficSplit(ctx, testID, split); err != nil {
		return nil, storeError(err, "change traffic")
	}

	s.allocator.Invalidate(testID)
	s.logger.InfoContext(ctx, "traffic split updated", "test_id", testID, "split", split)
	return s.reload(ctx, testID)
}

// SetAutoEnd toggles automatic completion on significance.
func (s *Service) SetAutoEnd(ctx context.Context, ownerID, testID string, enabled bool) (*store.Test, error) {
	test, err := s.ownedTest(ctx, ownerID, testID)
	if err != nil {
		return nil, err
	}
	if test.State.Concluded() {
		return nil, invalidTransition("configure", test.State)
	}

	if err := s.store.SetAutoEnd(ctx, testID, enabled); err != nil {
		return nil, storeError(err, "configure auto end")
	}
	return s.reload(ctx, testID)
}

// checkAutoEnd recomputes significance once the test has collected
// min_sample_size impressions per variation in total, and completes the test
// when the result is significant.
func (s *Service) checkAutoEnd(ctx context.Context, testID string) error {
	test, err := s.store.GetTest(ctx, testID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "failed to get test")
	}
	if !test.AutoEndOnSignificance || !test.State.Collecting() {
		return nil
	}

	if !minSampleReached(test) {
		s.metrics.SignificanceChecks.WithLabelValues("below_sample").Inc()
		return nil
	}

	sig := s.engine.Evaluate(test)
	err = s.store.SaveSignificance(ctx, test.ID, sig.IsSignificant, sig.PValue)
	if errors.Is(err, store.ErrStateConflict) || errors.Is(err, store.ErrNotFound) {
		// Concluded or deleted concurrently.
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "failed to save significance")
	}

	if !sig.IsSignificant {
		s.metrics.SignificanceChecks.WithLabelValues("not_significant").Inc()
		return nil
	}
	s.metrics.SignificanceChecks.WithLabelValues("significant").Inc()

	_, err = s.finalize(ctx, test, nil, sig)
	if errors.Is(err, ErrInvalidTransition) || errors.Is(err, ErrTestNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	s.metrics.AutoCompletions.Inc()
	return nil
}

// finalize completes test with the given significance. The store only lets
// one caller move a test out of running/paused, so concurrent finalizations
// record a single winner; the losers get ErrInvalidTransition.
func (s *Service) finalize(ctx context.Context, test *store.Test, winnerID *string, sig stats.Significance) (*store.Test, error) {
	if winnerID == nil {
		if leader := stats.Leader(test.GoalMetric, test.Variations); leader != nil {
			id := leader.ID
			winnerID = &id
		}
	}

	err := s.store.FinalizeTest(ctx, test.ID, store.Finalization{
		WinnerVariationID: winnerID,
		IsSignificant:     sig.IsSignificant,
		PValue:            sig.PValue,
		EndedAt:           s.now(),
	})
	if err != nil {
		return nil, storeError(err, "end")
	}

	s.allocator.Invalidate(test.ID)
	s.metrics.Transitions.WithLabelValues(string(store.StateCompleted)).Inc()
	s.logger.InfoContext(ctx, "test completed",
		"test_id", test.ID,
		"winner_variation_id", deref(winnerID),
		"is_significant", sig.IsSignificant,
		"p_value", sig.PValue,
	)
	return s.reload(ctx, test.ID)
}

func (s *Service) transition(ctx context.Context, test *store.Test, action string, tr store.Transition) (*store.Test, error) {
	if !slices.Contains(tr.From, test.State) {
		return nil, invalidTransition(action, test.State)
	}
	if err := s.store.TransitionTest(ctx, test.ID, tr); err != nil {
		return nil, storeError(err, action)
	}

	s.allocator.Invalidate(test.ID)
	s.metrics.Transitions.WithLabelValues(string(tr.To)).Inc()
	s.logger.InfoContext(ctx, "test state changed", "test_id", test.ID, "from", test.State, "to", tr.To)
	return s.reload(ctx, test.ID)
}

func (s *Service) reload(ctx context.Context, testID string) (*store.Test, error) {
	test, err := s.store.GetTest(ctx, testID)
	if err != nil {
		return nil, storeError(err, "reload test")
	}
	return test, nil
}

func invalidTransition(action string, state store.TestState) error {
	return errors.Wrapf(ErrInvalidTransition, "cannot %s a %s test", action, state)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
