package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/threadline-ai/threadline/internal/archive"
	"github.com/threadline-ai/threadline/internal/resilience"
)

// writeScenarioError maps monitor errors onto API error responses.
func writeScenarioError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, resilience.ErrScenarioNotFound):
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "scenario not found")
	case errors.Is(err, resilience.ErrScenarioExists):
		writeError(w, http.StatusConflict, ErrCodeConflict, "scenario already active")
	case errors.Is(err, resilience.ErrScenarioCompleted):
		writeError(w, http.StatusConflict, ErrCodeConflict, "scenario already completed")
	case resilience.IsProtocolViolation(err):
		writeError(w, http.StatusConflict, ErrCodeProtocolViolation, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
	}
}

// startScenario handles POST /resilience/scenario.
func (s *Server) startScenario(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ScenarioID           string   `json:"scenarioID"`
		FailureType          string   `json:"failureType"`
		RecoveryTimeTargetMS int64    `json:"recoveryTimeTargetMS"`
		ConnectionIDs        []string `json:"connectionIDs"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid request body")
		return
	}
	if req.ScenarioID == "" {
		req.ScenarioID = uuid.NewString()
	}

	cfg := resilience.ScenarioConfig{
		FailureType:        req.FailureType,
		RecoveryTimeTarget: time.Duration(req.RecoveryTimeTargetMS) * time.Millisecond,
		ConnectionIDs:      req.ConnectionIDs,
	}
	if err := s.monitor.StartScenario(req.ScenarioID, cfg); err != nil {
		writeScenarioError(w, err)
		return
	}

	report, err := s.monitor.GetReport(req.ScenarioID)
	if err != nil {
		writeScenarioError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, report)
}

// getScenarioReport handles GET /resilience/scenario/{scenarioID}. When
// the scenario is not in memory, the persisted archive is consulted so
// completed runs remain queryable across restarts.
func (s *Server) getScenarioReport(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "scenarioID")

	report, err := s.monitor.GetReport(id)
	if err != nil {
		if errors.Is(err, resilience.ErrScenarioNotFound) && s.archive != nil {
			if stored, archiveErr := s.archive.Load(id); archiveErr == nil {
				writeJSON(w, http.StatusOK, stored)
				return
			} else if !errors.Is(archiveErr, archive.ErrNotFound) {
				writeError(w, http.StatusInternalServerError, ErrCodeInternalError, archiveErr.Error())
				return
			}
		}
		writeScenarioError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// listArchivedScenarios handles GET /resilience/archive.
func (s *Server) listArchivedScenarios(w http.ResponseWriter, r *http.Request) {
	if s.archive == nil {
		writeJSON(w, http.StatusOK, []string{})
		return
	}

	ids, err := s.archive.List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, ids)
}

// recordFailure handles POST /resilience/scenario/{scenarioID}/failure.
func (s *Server) recordFailure(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Service  string         `json:"service"`
		Mode     string         `json:"mode"`
		Metadata map[string]any `json:"metadata"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid request body")
		return
	}

	err := s.monitor.InjectFailure(chi.URLParam(r, "scenarioID"), resilience.FailureInjection{
		Service:  req.Service,
		Mode:     req.Mode,
		Metadata: req.Metadata,
		At:       time.Now(),
	})
	if err != nil {
		writeScenarioError(w, err)
		return
	}
	writeSuccess(w)
}

// recordRecovery handles POST /resilience/scenario/{scenarioID}/recovery.
func (s *Server) recordRecovery(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Service    string         `json:"service"`
		DurationMS int64          `json:"durationMS"`
		Metadata   map[string]any `json:"metadata"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid request body")
		return
	}

	err := s.monitor.RecordRecoveryEvent(chi.URLParam(r, "scenarioID"), resilience.RecoveryEvent{
		Service:  req.Service,
		Duration: time.Duration(req.DurationMS) * time.Millisecond,
		Metadata: req.Metadata,
		At:       time.Now(),
	})
	if err != nil {
		writeScenarioError(w, err)
		return
	}
	writeSuccess(w)
}

// recordBreaker handles POST /resilience/scenario/{scenarioID}/breaker.
// Observations that break the open -> half_open -> closed cycle are
// rejected with PROTOCOL_VIOLATION.
func (s *Server) recordBreaker(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Service string                  `json:"service"`
		State   resilience.BreakerState `json:"state"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid request body")
		return
	}
	switch req.State {
	case resilience.BreakerOpen, resilience.BreakerHalfOpen, resilience.BreakerClosed:
	default:
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "unknown breaker state")
		return
	}

	err := s.monitor.RecordCircuitBreakerEvent(chi.URLParam(r, "scenarioID"), resilience.BreakerEvent{
		Service: req.Service,
		State:   req.State,
		At:      time.Now(),
	})
	if err != nil {
		writeScenarioError(w, err)
		return
	}
	writeSuccess(w)
}

// recordDegradation handles POST /resilience/scenario/{scenarioID}/degradation.
func (s *Server) recordDegradation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Level   resilience.DegradationLevel   `json:"level"`
		Metrics resilience.DegradationMetrics `json:"metrics"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid request body")
		return
	}
	switch req.Level {
	case resilience.DegradationNone, resilience.DegradationLight,
		resilience.DegradationModerate, resilience.DegradationSevere:
	default:
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "unknown degradation level")
		return
	}

	err := s.monitor.TrackServiceDegradation(chi.URLParam(r, "scenarioID"), req.Level, req.Metrics)
	if err != nil {
		writeScenarioError(w, err)
		return
	}
	writeSuccess(w)
}

// completeScenario handles POST /resilience/scenario/{scenarioID}/complete.
func (s *Server) completeScenario(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Outcome  string         `json:"outcome"`
		Metadata map[string]any `json:"metadata"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid request body")
		return
	}

	report, err := s.monitor.CompleteScenario(chi.URLParam(r, "scenarioID"), resilience.CompletionData{
		Outcome:  req.Outcome,
		Metadata: req.Metadata,
	})
	if err != nil {
		writeScenarioError(w, err)
		return
	}

	if s.archive != nil {
		if err := s.archive.Save(report); err != nil {
			s.log.Error().Err(err).Str("scenarioID", report.ScenarioID).Msg("failed to archive report")
		}
	}

	writeJSON(w, http.StatusOK, report)
}
