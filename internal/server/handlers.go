package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/headline-goat/post-goat/internal/abtest"
)

const maxBeaconBytes = 4 << 10

// Beacon event types
const (
	EventImpression = "impression"
	EventEngagement = "engagement"
	EventClick      = "click"
	EventConversion = "conversion"
)

type HealthResponse struct {
	Status        string `json:"status"`
	TestsCount    int    `json:"tests_count"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	count, err := s.tests.CountTests(r.Context())
	if err != nil {
		s.logger.ErrorContext(r.Context(), "health check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, HealthResponse{Status: "unavailable"})
		return
	}

	writeJSON(w, http.StatusOK, HealthResponse{
		Status:        "ok",
		TestsCount:    count,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
	})
}

// BeaconRequest represents an incoming tracking event
type BeaconRequest struct {
	TestID      string `json:"t"`
	VariationID string `json:"v"`
	EventType   string `json:"e"`
	Kind        string `json:"k"` // engagement kind: like, comment, share...
}

func (s *Server) handleBeacon(w http.ResponseWriter, r *http.Request) {
	setCORS(w, "POST, OPTIONS")

	// Handle preflight
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// navigator.sendBeacon posts text/plain, so the content type is not checked
	var req BeaconRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBeaconBytes)).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	if req.TestID == "" || req.VariationID == "" {
		http.Error(w, "Missing required fields", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	var err error
	switch req.EventType {
	case EventImpression:
		err = s.tracker.RecordImpression(ctx, req.TestID, req.VariationID)
	case EventEngagement:
		err = s.tracker.RecordEngagement(ctx, req.TestID, req.VariationID, req.Kind)
	case EventClick:
		err = s.tracker.RecordClick(ctx, req.TestID, req.VariationID)
	case EventConversion:
		err = s.tracker.RecordConversion(ctx, req.TestID, req.VariationID)
	default:
		http.Error(w, "Invalid event type", http.StatusBadRequest)
		return
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleAssign returns the variation to serve an identifier, or 204 when the
// test is unknown or not running.
func (s *Server) handleAssign(w http.ResponseWriter, r *http.Request) {
	setCORS(w, "GET, OPTIONS")

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	testID := r.URL.Query().Get("test")
	identifier := r.URL.Query().Get("id")
	if testID == "" || identifier == "" {
		http.Error(w, "test and id parameters required", http.StatusBadRequest)
		return
	}

	assignment, err := s.tracker.GetVariationForUser(r.Context(), testID, identifier)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if assignment == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	writeJSON(w, http.StatusOK, assignment)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, abtest.NotFoundError):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, abtest.BadParameterError):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		s.logger.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

func setCORS(w http.ResponseWriter, methods string) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", methods)
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
