package server

import (
	"github.com/go-chi/chi/v5"
)

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	r := s.router

	// Connection lifecycle
	r.Route("/connection", func(r chi.Router) {
		r.Get("/", s.listConnections)
		r.Post("/", s.createConnection)

		r.Route("/{connectionID}", func(r chi.Router) {
			r.Get("/", s.getConnection)
			r.Delete("/", s.deleteConnection)

			r.Post("/establish", s.establishConnection)
			r.Post("/advance", s.advanceConnection)
			r.Post("/subscribe", s.subscribeConnection)
			r.Post("/unsubscribe", s.unsubscribeConnection)
		})
	})

	// Broadcast fan-out
	r.Post("/broadcast", s.publishBroadcast)

	// Event streaming (SSE)
	r.Get("/event", s.allEvents)

	// Resilience scenarios
	r.Route("/resilience", func(r chi.Router) {
		r.Post("/scenario", s.startScenario)
		r.Get("/archive", s.listArchivedScenarios)

		r.Route("/scenario/{scenarioID}", func(r chi.Router) {
			r.Get("/", s.getScenarioReport)
			r.Post("/failure", s.recordFailure)
			r.Post("/recovery", s.recordRecovery)
			r.Post("/breaker", s.recordBreaker)
			r.Post("/degradation", s.recordDegradation)
			r.Post("/complete", s.completeScenario)
		})
	})

	// Stats and health
	r.Get("/stats", s.getStats)
	r.Get("/health", s.getHealth)

	// Websocket transport
	if s.ws != nil {
		r.Get("/ws", s.ws.ServeHTTP)
	}
}
