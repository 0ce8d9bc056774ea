package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/oklog/ulid/v2"

	"github.com/threadline-ai/threadline/internal/auth"
	"github.com/threadline-ai/threadline/internal/connstate"
	"github.com/threadline-ai/threadline/internal/registry"
)

// connectionView is the API representation of a registered connection.
type connectionView struct {
	ConnectionID       string                 `json:"connectionID"`
	UserID             string                 `json:"userID"`
	State              connstate.State        `json:"state"`
	CanProcessMessages bool                   `json:"canProcessMessages"`
	IsOperational      bool                   `json:"isOperational"`
	Threads            []string               `json:"threads"`
	Organizations      []string               `json:"organizations"`
	History            []connstate.Transition `json:"history,omitempty"`
}

func viewOf(conn *connstate.Connection, withHistory bool) connectionView {
	v := connectionView{
		ConnectionID:       conn.ID(),
		UserID:             conn.UserID(),
		State:              conn.State(),
		CanProcessMessages: conn.CanProcessMessages(),
		IsOperational:      conn.IsOperational(),
		Threads:            conn.Threads(),
		Organizations:      conn.Organizations(),
	}
	if withHistory {
		v.History = conn.History()
	}
	return v
}

// createConnection handles POST /connection.
func (s *Server) createConnection(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ConnectionID string `json:"connectionID"`
		UserID       string `json:"userID"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid request body")
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "userID is required")
		return
	}
	if req.ConnectionID == "" {
		req.ConnectionID = ulid.Make().String()
	}

	conn, err := s.registry.Register(req.ConnectionID, req.UserID)
	if err != nil {
		if errors.Is(err, registry.ErrDuplicateConnection) {
			writeError(w, http.StatusConflict, ErrCodeConflict, "connection id already registered")
			return
		}
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, viewOf(conn, false))
}

// listConnections handles GET /connection.
func (s *Server) listConnections(w http.ResponseWriter, r *http.Request) {
	conns := s.registry.List()
	views := make([]connectionView, 0, len(conns))
	for _, conn := range conns {
		views = append(views, viewOf(conn, false))
	}
	writeJSON(w, http.StatusOK, views)
}

// getConnection handles GET /connection/{connectionID}.
func (s *Server) getConnection(w http.ResponseWriter, r *http.Request) {
	conn, ok := s.registry.Get(chi.URLParam(r, "connectionID"))
	if !ok {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "connection not found")
		return
	}
	writeJSON(w, http.StatusOK, viewOf(conn, true))
}

// deleteConnection handles DELETE /connection/{connectionID}.
// Unregistration is idempotent; deleting an unknown id succeeds.
func (s *Server) deleteConnection(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "connectionID")
	if conn, ok := s.registry.Get(id); ok {
		conn.TransitionTo(connstate.Closed, "connection deleted")
	}
	s.registry.Unregister(id)
	writeSuccess(w)
}

// establishConnection handles POST /connection/{connectionID}/establish.
// It runs the full admission sequence: accept, authenticate, readiness,
// activation.
func (s *Server) establishConnection(w http.ResponseWriter, r *http.Request) {
	conn, ok := s.registry.Get(chi.URLParam(r, "connectionID"))
	if !ok {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "connection not found")
		return
	}

	var req struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid request body")
		return
	}

	if err := s.gate.Establish(r.Context(), conn, req.Token); err != nil {
		if errors.Is(err, auth.ErrInvalidToken) {
			writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, "token rejected")
			return
		}
		writeErrorWithDetails(w, http.StatusConflict, ErrCodeConflict, "connection setup failed", map[string]any{
			"state": conn.State(),
		})
		return
	}

	writeJSON(w, http.StatusOK, viewOf(conn, true))
}

// advanceConnection handles POST /connection/{connectionID}/advance.
// The transition outcome is reported, not enforced: an illegal request
// returns accepted=false with the unchanged state.
func (s *Server) advanceConnection(w http.ResponseWriter, r *http.Request) {
	conn, ok := s.registry.Get(chi.URLParam(r, "connectionID"))
	if !ok {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "connection not found")
		return
	}

	var req struct {
		Target connstate.State `json:"target"`
		Reason string          `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid request body")
		return
	}
	if !req.Target.Valid() {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "unknown target state")
		return
	}

	accepted := conn.TransitionTo(req.Target, req.Reason)
	writeJSON(w, http.StatusOK, map[string]any{
		"accepted": accepted,
		"state":    conn.State(),
	})
}

type subscriptionRequest struct {
	Scope string `json:"scope"`
	ID    string `json:"id"`
}

func decodeSubscription(r *http.Request) (subscriptionRequest, bool) {
	var req subscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return req, false
	}
	if req.ID == "" {
		return req, false
	}
	return req, req.Scope == "thread" || req.Scope == "organization"
}

// subscribeConnection handles POST /connection/{connectionID}/subscribe.
func (s *Server) subscribeConnection(w http.ResponseWriter, r *http.Request) {
	conn, ok := s.registry.Get(chi.URLParam(r, "connectionID"))
	if !ok {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "connection not found")
		return
	}

	req, ok := decodeSubscription(r)
	if !ok {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "scope must be thread or organization, id is required")
		return
	}

	if req.Scope == "thread" {
		conn.SubscribeThread(req.ID)
	} else {
		conn.SubscribeOrganization(req.ID)
	}
	writeJSON(w, http.StatusOK, viewOf(conn, false))
}

// unsubscribeConnection handles POST /connection/{connectionID}/unsubscribe.
func (s *Server) unsubscribeConnection(w http.ResponseWriter, r *http.Request) {
	conn, ok := s.registry.Get(chi.URLParam(r, "connectionID"))
	if !ok {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "connection not found")
		return
	}

	req, ok := decodeSubscription(r)
	if !ok {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "scope must be thread or organization, id is required")
		return
	}

	if req.Scope == "thread" {
		conn.UnsubscribeThread(req.ID)
	} else {
		conn.UnsubscribeOrganization(req.ID)
	}
	writeJSON(w, http.StatusOK, viewOf(conn, false))
}
