package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/headline-goat/post-goat/internal/allocator"
	"github.com/headline-goat/post-goat/internal/logging"
)

const shutdownTimeout = 5 * time.Second

// Tracker is the part of the lifecycle manager exposed to public tracking
// traffic.
type Tracker interface {
	RecordImpression(ctx context.Context, testID, variationID string) error
	RecordEngagement(ctx context.Context, testID, variationID, kind string) error
	RecordClick(ctx context.Context, testID, variationID string) error
	RecordConversion(ctx context.Context, testID, variationID string) error
	GetVariationForUser(ctx context.Context, testID, identifier string) (*allocator.Assignment, error)
}

// TestCounter reports storage health for /health.
type TestCounter interface {
	CountTests(ctx context.Context) (int, error)
}

type Server struct {
	tracker   Tracker
	tests     TestCounter
	gatherer  prometheus.Gatherer
	logger    *slog.Logger
	port      int
	router    *http.ServeMux
	startTime time.Time
}

func New(tracker Tracker, tests TestCounter, gatherer prometheus.Gatherer, logger *slog.Logger, port int) *Server {
	if logger == nil {
		logger = logging.Discard()
	}
	if gatherer == nil {
		gatherer = prometheus.NewRegistry()
	}

	srv := &Server{
		tracker:   tracker,
		tests:     tests,
		gatherer:  gatherer,
		logger:    logger,
		port:      port,
		router:    http.NewServeMux(),
		startTime: time.Now(),
	}

	srv.setupRoutes()
	return srv
}

func (s *Server) setupRoutes() {
	// Public endpoints, fired by tracking pixels and client scripts
	s.router.HandleFunc("/health", s.handleHealth)
	s.router.HandleFunc("/b", s.handleBeacon)
	s.router.HandleFunc("/assign", s.handleAssign)

	s.router.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
}

// Start serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Start(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.InfoContext(ctx, "tracking server listening", "port", s.port)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "tracking server failed")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	s.logger.Info("tracking server shutting down")
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "failed to shut down tracking server")
	}
	return nil
}

func (s *Server) Port() int {
	return s.port
}

func (s *Server) StartTime() time.Time {
	return s.startTime
}

func (s *Server) Handler() http.Handler {
	return s.router
}
