package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/threadline-ai/threadline/internal/auth"
	"github.com/threadline-ai/threadline/internal/broadcast"
	"github.com/threadline-ai/threadline/internal/connstate"
	"github.com/threadline-ai/threadline/internal/registry"
	"github.com/threadline-ai/threadline/internal/resilience"
)

func setupTestServer(t *testing.T) *Server {
	t.Helper()

	reg := registry.New()
	bus := broadcast.NewBus()
	router := broadcast.NewRouter(broadcast.DefaultConfig(), reg, bus)
	monitor := resilience.NewMonitor()
	router.SetDegradationSource(monitor)

	verifier := auth.NewStaticVerifier(map[string]string{
		"user-1": "token-1",
		"user-2": "token-2",
	})
	gate := auth.NewGatekeeper(verifier, auth.AlwaysReady())

	srv := New(DefaultConfig(), reg, router, monitor, gate, bus, nil)
	t.Cleanup(func() { bus.Close() })
	return srv
}

func doJSON(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	} else {
		buf.WriteString("{}")
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)
	return w
}

func decodeView(t *testing.T, w *httptest.ResponseRecorder) connectionView {
	t.Helper()

	var v connectionView
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("decode connection view: %v", err)
	}
	return v
}

// registerReady registers a connection, walks it to processing_ready, and
// attaches a capturing sink.
func registerReady(t *testing.T, srv *Server, connID, userID string) chan broadcast.Event {
	t.Helper()

	conn, err := srv.registry.Register(connID, userID)
	if err != nil {
		t.Fatalf("register %s: %v", connID, err)
	}
	if err := srv.gate.Establish(context.Background(), conn, "token-1"); err != nil {
		t.Fatalf("establish %s: %v", connID, err)
	}

	got := make(chan broadcast.Event, 16)
	srv.broadcast.Attach(connID, broadcast.SinkFunc(func(ctx context.Context, e broadcast.Event) error {
		got <- e
		return nil
	}))
	return got
}

func TestCreateConnection(t *testing.T) {
	srv := setupTestServer(t)

	w := doJSON(t, srv, "POST", "/connection", map[string]string{
		"connectionID": "conn-1",
		"userID":       "user-1",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}

	v := decodeView(t, w)
	if v.ConnectionID != "conn-1" || v.UserID != "user-1" {
		t.Errorf("Unexpected view: %+v", v)
	}
	if v.State != connstate.Connecting {
		t.Errorf("Expected connecting, got %s", v.State)
	}
	if v.CanProcessMessages {
		t.Error("New connection must not process messages")
	}
}

func TestCreateConnection_GeneratesID(t *testing.T) {
	srv := setupTestServer(t)

	w := doJSON(t, srv, "POST", "/connection", map[string]string{"userID": "user-1"})
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d", w.Code)
	}
	if decodeView(t, w).ConnectionID == "" {
		t.Error("Expected a generated connection id")
	}
}

func TestCreateConnection_Duplicate(t *testing.T) {
	srv := setupTestServer(t)

	body := map[string]string{"connectionID": "conn-1", "userID": "user-1"}
	if w := doJSON(t, srv, "POST", "/connection", body); w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d", w.Code)
	}

	w := doJSON(t, srv, "POST", "/connection", body)
	if w.Code != http.StatusConflict {
		t.Errorf("Expected 409, got %d", w.Code)
	}

	var resp ErrorResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if resp.Error.Code != ErrCodeConflict {
		t.Errorf("Expected %s, got %s", ErrCodeConflict, resp.Error.Code)
	}
}

func TestCreateConnection_MissingUserID(t *testing.T) {
	srv := setupTestServer(t)

	w := doJSON(t, srv, "POST", "/connection", map[string]string{"connectionID": "conn-1"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", w.Code)
	}
}

func TestGetConnection_NotFound(t *testing.T) {
	srv := setupTestServer(t)

	req := httptest.NewRequest("GET", "/connection/ghost", nil)
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}

func TestDeleteConnection_Idempotent(t *testing.T) {
	srv := setupTestServer(t)

	doJSON(t, srv, "POST", "/connection", map[string]string{"connectionID": "conn-1", "userID": "user-1"})

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest("DELETE", "/connection/conn-1", nil)
		w := httptest.NewRecorder()
		srv.Router().ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Errorf("Delete attempt %d: expected 200, got %d", i+1, w.Code)
		}
	}

	if _, ok := srv.registry.Get("conn-1"); ok {
		t.Error("Connection should be unregistered")
	}
}

func TestEstablishConnection(t *testing.T) {
	srv := setupTestServer(t)

	doJSON(t, srv, "POST", "/connection", map[string]string{"connectionID": "conn-1", "userID": "user-1"})

	w := doJSON(t, srv, "POST", "/connection/conn-1/establish", map[string]string{"token": "token-1"})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	v := decodeView(t, w)
	if v.State != connstate.ProcessingReady {
		t.Errorf("Expected processing_ready, got %s", v.State)
	}
	if !v.CanProcessMessages {
		t.Error("Established connection should process messages")
	}
	if len(v.History) != 4 {
		t.Errorf("Expected 4 history entries, got %d", len(v.History))
	}
}

func TestEstablishConnection_BadToken(t *testing.T) {
	srv := setupTestServer(t)

	doJSON(t, srv, "POST", "/connection", map[string]string{"connectionID": "conn-1", "userID": "user-1"})

	w := doJSON(t, srv, "POST", "/connection/conn-1/establish", map[string]string{"token": "wrong"})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("Expected 401, got %d", w.Code)
	}

	conn, ok := srv.registry.Get("conn-1")
	if !ok {
		t.Fatal("Connection should still be registered")
	}
	if conn.State() != connstate.Accepted {
		t.Errorf("Expected accepted after failed auth, got %s", conn.State())
	}
}

func TestAdvanceConnection(t *testing.T) {
	srv := setupTestServer(t)

	doJSON(t, srv, "POST", "/connection", map[string]string{"connectionID": "conn-1", "userID": "user-1"})

	w := doJSON(t, srv, "POST", "/connection/conn-1/advance", map[string]string{
		"target": "accepted",
		"reason": "handshake complete",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}

	var resp struct {
		Accepted bool            `json:"accepted"`
		State    connstate.State `json:"state"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Accepted || resp.State != connstate.Accepted {
		t.Errorf("Unexpected response: %+v", resp)
	}
}

func TestAdvanceConnection_Illegal(t *testing.T) {
	srv := setupTestServer(t)

	doJSON(t, srv, "POST", "/connection", map[string]string{"connectionID": "conn-1", "userID": "user-1"})

	// Skipping straight to processing_ready must be refused, not applied.
	w := doJSON(t, srv, "POST", "/connection/conn-1/advance", map[string]string{
		"target": "processing_ready",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}

	var resp struct {
		Accepted bool            `json:"accepted"`
		State    connstate.State `json:"state"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Accepted {
		t.Error("Illegal transition must not be accepted")
	}
	if resp.State != connstate.Connecting {
		t.Errorf("State should be unchanged, got %s", resp.State)
	}
}

func TestAdvanceConnection_UnknownTarget(t *testing.T) {
	srv := setupTestServer(t)

	doJSON(t, srv, "POST", "/connection", map[string]string{"connectionID": "conn-1", "userID": "user-1"})

	w := doJSON(t, srv, "POST", "/connection/conn-1/advance", map[string]string{"target": "warp_speed"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", w.Code)
	}
}

func TestSubscribeConnection(t *testing.T) {
	srv := setupTestServer(t)

	doJSON(t, srv, "POST", "/connection", map[string]string{"connectionID": "conn-1", "userID": "user-1"})

	w := doJSON(t, srv, "POST", "/connection/conn-1/subscribe", subscriptionRequest{Scope: "thread", ID: "thread-9"})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	v := decodeView(t, w)
	if len(v.Threads) != 1 || v.Threads[0] != "thread-9" {
		t.Errorf("Expected thread-9 subscription, got %v", v.Threads)
	}

	w = doJSON(t, srv, "POST", "/connection/conn-1/unsubscribe", subscriptionRequest{Scope: "thread", ID: "thread-9"})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if v := decodeView(t, w); len(v.Threads) != 0 {
		t.Errorf("Expected no thread subscriptions, got %v", v.Threads)
	}
}

func TestSubscribeConnection_BadScope(t *testing.T) {
	srv := setupTestServer(t)

	doJSON(t, srv, "POST", "/connection", map[string]string{"connectionID": "conn-1", "userID": "user-1"})

	w := doJSON(t, srv, "POST", "/connection/conn-1/subscribe", subscriptionRequest{Scope: "galaxy", ID: "g-1"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", w.Code)
	}
}

func TestPublishBroadcast(t *testing.T) {
	srv := setupTestServer(t)

	got1 := registerReady(t, srv, "conn-1", "user-1")
	got2 := registerReady(t, srv, "conn-2", "user-1")

	for _, id := range []string{"conn-1", "conn-2"} {
		conn, _ := srv.registry.Get(id)
		conn.SubscribeThread("thread-1")
	}

	w := doJSON(t, srv, "POST", "/broadcast", map[string]any{
		"type":      "message.created",
		"scope":     "thread",
		"targetIDs": []string{"thread-1"},
		"payload":   map[string]string{"body": "hello"},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		EventID        string `json:"eventID"`
		RecipientCount int    `json:"recipientCount"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.RecipientCount != 2 {
		t.Errorf("Expected 2 recipients, got %d", resp.RecipientCount)
	}
	if resp.EventID == "" {
		t.Error("Expected an event id")
	}

	for i, ch := range []chan broadcast.Event{got1, got2} {
		select {
		case e := <-ch:
			if e.ID != resp.EventID {
				t.Errorf("Sink %d saw event %s, want %s", i+1, e.ID, resp.EventID)
			}
		default:
			t.Errorf("Sink %d received nothing", i+1)
		}
	}
}

func TestPublishBroadcast_Validation(t *testing.T) {
	srv := setupTestServer(t)

	cases := []struct {
		name string
		body map[string]any
	}{
		{"missing type", map[string]any{"scope": "global"}},
		{"unknown scope", map[string]any{"type": "x", "scope": "planet"}},
		{"scoped without targets", map[string]any{"type": "x", "scope": "thread"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := doJSON(t, srv, "POST", "/broadcast", tc.body)
			if w.Code != http.StatusBadRequest {
				t.Errorf("Expected 400, got %d", w.Code)
			}
		})
	}
}

func TestStats(t *testing.T) {
	srv := setupTestServer(t)

	registerReady(t, srv, "conn-1", "user-1")

	w := doJSON(t, srv, "POST", "/broadcast", map[string]any{"type": "ping", "scope": "global"})
	if w.Code != http.StatusOK {
		t.Fatalf("Broadcast failed: %d", w.Code)
	}

	req := httptest.NewRequest("GET", "/stats", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	var stats struct {
		Connections     int   `json:"connections"`
		TotalEvents     int64 `json:"totalEvents"`
		TotalRecipients int64 `json:"totalRecipients"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&stats); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if stats.Connections != 1 {
		t.Errorf("Expected 1 connection, got %d", stats.Connections)
	}
	if stats.TotalEvents != 1 || stats.TotalRecipients != 1 {
		t.Errorf("Unexpected counters: %+v", stats)
	}
}

func TestResilienceScenario_FullCycle(t *testing.T) {
	srv := setupTestServer(t)

	w := doJSON(t, srv, "POST", "/resilience/scenario", map[string]any{
		"scenarioID":           "scn-1",
		"failureType":          "transport_drop",
		"recoveryTimeTargetMS": 5000,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("Start: expected 201, got %d: %s", w.Code, w.Body.String())
	}

	steps := []struct {
		path string
		body map[string]any
	}{
		{"/resilience/scenario/scn-1/failure", map[string]any{"service": "gateway", "mode": "drop"}},
		{"/resilience/scenario/scn-1/breaker", map[string]any{"service": "gateway", "state": "open"}},
		{"/resilience/scenario/scn-1/breaker", map[string]any{"service": "gateway", "state": "half_open"}},
		{"/resilience/scenario/scn-1/breaker", map[string]any{"service": "gateway", "state": "closed"}},
		{"/resilience/scenario/scn-1/recovery", map[string]any{"service": "gateway", "durationMS": 1200}},
		{"/resilience/scenario/scn-1/degradation", map[string]any{
			"level":   "light",
			"metrics": map[string]any{"availabilityImpact": 0.05},
		}},
	}
	for _, step := range steps {
		if w := doJSON(t, srv, "POST", step.path, step.body); w.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d: %s", step.path, w.Code, w.Body.String())
		}
	}

	w = doJSON(t, srv, "POST", "/resilience/scenario/scn-1/complete", map[string]any{"outcome": "passed"})
	if w.Code != http.StatusOK {
		t.Fatalf("Complete: expected 200, got %d", w.Code)
	}

	var report resilience.Report
	if err := json.NewDecoder(w.Body).Decode(&report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if !report.Completed {
		t.Error("Report should be completed")
	}
	if report.ResilienceScore != 1.0 {
		t.Errorf("Expected score 1.0, got %v", report.ResilienceScore)
	}
}

func TestResilienceScenario_BreakerViolation(t *testing.T) {
	srv := setupTestServer(t)

	doJSON(t, srv, "POST", "/resilience/scenario", map[string]any{"scenarioID": "scn-1"})

	// half_open before open breaks the cycle contract
	w := doJSON(t, srv, "POST", "/resilience/scenario/scn-1/breaker", map[string]any{
		"service": "gateway",
		"state":   "half_open",
	})
	if w.Code != http.StatusConflict {
		t.Fatalf("Expected 409, got %d", w.Code)
	}

	var resp ErrorResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Error.Code != ErrCodeProtocolViolation {
		t.Errorf("Expected %s, got %s", ErrCodeProtocolViolation, resp.Error.Code)
	}
}

func TestResilienceScenario_DuplicateStart(t *testing.T) {
	srv := setupTestServer(t)

	doJSON(t, srv, "POST", "/resilience/scenario", map[string]any{"scenarioID": "scn-1"})

	w := doJSON(t, srv, "POST", "/resilience/scenario", map[string]any{"scenarioID": "scn-1"})
	if w.Code != http.StatusConflict {
		t.Errorf("Expected 409, got %d", w.Code)
	}
}

func TestResilienceScenario_NotFound(t *testing.T) {
	srv := setupTestServer(t)

	req := httptest.NewRequest("GET", "/resilience/scenario/ghost", nil)
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}

func TestHealth(t *testing.T) {
	srv := setupTestServer(t)

	for i := 0; i < 3; i++ {
		doJSON(t, srv, "POST", "/connection", map[string]string{
			"connectionID": fmt.Sprintf("conn-%d", i),
			"userID":       "user-1",
		})
	}

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}

	var resp struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "ok" || resp.Connections != 3 {
		t.Errorf("Unexpected health: %+v", resp)
	}
}
