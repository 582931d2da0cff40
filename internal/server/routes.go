package server

import (
	"github.com/go-chi/chi/v5"
)

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	r := s.router

	// Liveness probe, unauthenticated.
	r.Get("/ping", s.ping)

	r.Group(func(r chi.Router) {
		r.Use(s.apiKey)

		r.Route("/session", func(r chi.Router) {
			r.Get("/", s.listSessions)
			r.Post("/flush", s.flushSessions)

			r.Route("/{sessionID}", func(r chi.Router) {
				r.Post("/start", s.startSession)
				r.Get("/status", s.sessionStatus)
				r.Get("/qr", s.sessionQR)
				r.Post("/restart", s.restartSession)
				r.Delete("/", s.terminateSession)
			})
		})
	})
}
