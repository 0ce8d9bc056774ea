package server

import (
	"encoding/json"
	"net/http"

	"github.com/threadline-ai/threadline/internal/broadcast"
)

// publishBroadcast handles POST /broadcast. It routes the event to every
// eligible registered connection and reports how many received it.
func (s *Server) publishBroadcast(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Type               string          `json:"type"`
		Scope              broadcast.Scope `json:"scope"`
		TargetIDs          []string        `json:"targetIDs"`
		SourceConnectionID string          `json:"sourceConnectionID"`
		Payload            any             `json:"payload"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid request body")
		return
	}
	if req.Type == "" {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "type is required")
		return
	}
	switch req.Scope {
	case broadcast.ScopeUser, broadcast.ScopeThread, broadcast.ScopeOrganization:
		if len(req.TargetIDs) == 0 {
			writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "targetIDs is required for scoped broadcasts")
			return
		}
	case broadcast.ScopeGlobal:
	default:
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "unknown scope")
		return
	}

	event := broadcast.NewEvent(req.Type, req.SourceConnectionID, req.Scope, req.TargetIDs, req.Payload)
	count := s.broadcast.BroadcastAll(r.Context(), event)

	writeJSON(w, http.StatusOK, map[string]any{
		"eventID":        event.ID,
		"recipientCount": count,
	})
}

// getStats handles GET /stats.
func (s *Server) getStats(w http.ResponseWriter, r *http.Request) {
	totalEvents, totalRecipients := s.broadcast.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"connections":     s.registry.Len(),
		"totalEvents":     totalEvents,
		"totalRecipients": totalRecipients,
	})
}

// getHealth handles GET /health.
func (s *Server) getHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"connections": s.registry.Len(),
	})
}
