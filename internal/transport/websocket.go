// Package transport binds websocket connections to the registry, the
// setup gatekeeper, and the broadcast router. It is the production sink
// for routed events and the entry point for client subscription commands.
package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/threadline-ai/threadline/internal/auth"
	"github.com/threadline-ai/threadline/internal/broadcast"
	"github.com/threadline-ai/threadline/internal/connstate"
	"github.com/threadline-ai/threadline/internal/logging"
	"github.com/threadline-ai/threadline/internal/registry"
)

// DefaultWriteTimeout bounds a single event write to a client socket.
const DefaultWriteTimeout = 3 * time.Second

// Handler upgrades websocket requests and runs each connection's
// lifecycle: register, establish, serve, unregister.
type Handler struct {
	upgrader     websocket.Upgrader
	reg          *registry.Registry
	router       *broadcast.Router
	gate         *auth.Gatekeeper
	writeTimeout time.Duration
	log          zerolog.Logger
}

// NewHandler creates a websocket Handler.
func NewHandler(reg *registry.Registry, router *broadcast.Router, gate *auth.Gatekeeper, writeTimeout time.Duration) *Handler {
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}
	return &Handler{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Cross-origin policy is enforced by the HTTP layer.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		reg:          reg,
		router:       router,
		gate:         gate,
		writeTimeout: writeTimeout,
		log:          logging.Component("transport"),
	}
}

// clientCommand is a message submitted by a connected client.
type clientCommand struct {
	Action string `json:"action"` // "subscribe" | "unsubscribe"
	Scope  string `json:"scope"`  // "thread" | "organization"
	ID     string `json:"id"`
}

// ServeHTTP upgrades the request and serves the connection until the
// client disconnects.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userID")
	token := r.URL.Query().Get("token")
	if userID == "" {
		http.Error(w, "userID required", http.StatusBadRequest)
		return
	}

	connID := r.URL.Query().Get("connectionID")
	if connID == "" {
		connID = ulid.Make().String()
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	conn, err := h.reg.Register(connID, userID)
	if err != nil {
		h.log.Error().Err(err).Str("connectionID", connID).Msg("registration failed")
		h.closeWith(ws, websocket.ClosePolicyViolation, "registration failed")
		return
	}

	if err := h.gate.Establish(r.Context(), conn, token); err != nil {
		// A definitive disconnect, not a timeout: the client learns
		// setup failed and that no deliveries will follow.
		h.log.Warn().
			Err(err).
			Str("connectionID", connID).
			Str("userID", userID).
			Msg("connection setup failed")
		h.reg.Unregister(connID)
		h.closeWith(ws, websocket.ClosePolicyViolation, "connection setup failed")
		return
	}

	sink := newSocketSink(ws, h.writeTimeout)
	h.router.Attach(connID, sink)

	h.log.Info().
		Str("connectionID", connID).
		Str("userID", userID).
		Msg("connection established")

	h.readLoop(ws, conn)

	// on_close: the connection leaves the directory and receives no
	// further deliveries.
	h.router.Detach(connID)
	h.reg.Unregister(connID)
	conn.TransitionTo(connstate.Closed, "client disconnected")
	_ = ws.Close()

	h.log.Info().
		Str("connectionID", connID).
		Msg("connection closed")
}

// readLoop processes client commands until the socket errors or closes.
// Commands are only admitted while the connection is processing_ready.
func (h *Handler) readLoop(ws *websocket.Conn, conn *connstate.Connection) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}

		if !conn.CanProcessMessages() {
			h.log.Debug().
				Str("connectionID", conn.ID()).
				Str("state", string(conn.State())).
				Msg("command rejected: connection not admitting messages")
			continue
		}

		var cmd clientCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			h.log.Debug().
				Str("connectionID", conn.ID()).
				Msg("malformed client command dropped")
			continue
		}
		h.apply(conn, cmd)
	}
}

func (h *Handler) apply(conn *connstate.Connection, cmd clientCommand) {
	switch {
	case cmd.Action == "subscribe" && cmd.Scope == "thread":
		conn.SubscribeThread(cmd.ID)
	case cmd.Action == "unsubscribe" && cmd.Scope == "thread":
		conn.UnsubscribeThread(cmd.ID)
	case cmd.Action == "subscribe" && cmd.Scope == "organization":
		conn.SubscribeOrganization(cmd.ID)
	case cmd.Action == "unsubscribe" && cmd.Scope == "organization":
		conn.UnsubscribeOrganization(cmd.ID)
	default:
		h.log.Debug().
			Str("connectionID", conn.ID()).
			Str("action", cmd.Action).
			Str("scope", cmd.Scope).
			Msg("unknown client command dropped")
	}
}

func (h *Handler) closeWith(ws *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(h.writeTimeout)
	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), deadline)
	_ = ws.Close()
}

// socketSink delivers routed events to one websocket. Writes are
// serialized; gorilla connections do not allow concurrent writers.
type socketSink struct {
	mu           sync.Mutex
	ws           *websocket.Conn
	writeTimeout time.Duration
}

func newSocketSink(ws *websocket.Conn, writeTimeout time.Duration) *socketSink {
	return &socketSink{ws: ws, writeTimeout: writeTimeout}
}

// Deliver writes the event as JSON, bounded by the earlier of the context
// deadline and the sink's write timeout.
func (s *socketSink) Deliver(ctx context.Context, event broadcast.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	deadline := time.Now().Add(s.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := s.ws.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return s.ws.WriteJSON(event)
}
