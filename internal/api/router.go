package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/device-hub-core/internal/entity"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		// Health check (no auth required)
		r.Get("/health", s.handleHealth)

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			// Token minting and audit trail (admin only, checked in handler)
			r.Post("/auth/token", s.handleIssueToken)
			r.Get("/audit", s.handleListAudit)

			// Device registry
			r.Route("/device", func(r chi.Router) {
				r.Get("/", s.handleListDevices)

				// Multi-device poll and history
				r.Get("/notification/poll", s.handlePoll(entity.KindNotification))
				r.Get("/command/poll", s.handlePoll(entity.KindCommand))
				r.Get("/notification", s.handleHistory(entity.KindNotification))
				r.Get("/command", s.handleHistory(entity.KindCommand))

				r.Route("/{deviceGuid}", func(r chi.Router) {
					r.Get("/", s.handleGetDevice)
					r.Put("/", s.handleRegisterDevice)
					r.Delete("/", s.handleRemoveDevice)

					r.Route("/notification", func(r chi.Router) {
						r.Get("/", s.handleHistory(entity.KindNotification))
						r.Post("/", s.handleInsertNotification)
						r.Get("/poll", s.handlePoll(entity.KindNotification))
						r.Get("/{id}", s.handleGetEntity(entity.KindNotification))
					})

					r.Route("/command", func(r chi.Router) {
						r.Get("/", s.handleHistory(entity.KindCommand))
						r.Post("/", s.handleInsertCommand)
						r.Get("/poll", s.handlePoll(entity.KindCommand))
						r.Get("/{id}", s.handleGetEntity(entity.KindCommand))
						r.Put("/{id}", s.handleUpdateCommand)
						r.Get("/{id}/poll", s.handlePollCommandUpdate)
					})
				})
			})

			// WebSocket push protocol
			r.Get("/websocket", s.handleWebSocket)
		})
	})

	return r
}

// handleHealth returns the server health status.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
	})
}
