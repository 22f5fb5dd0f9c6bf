package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nerrad567/gray-logic-coop/internal/auth"
)

// Health status values reported by GET /health.
const (
	healthOK         = "ok"
	healthAuthFailed = "auth_failed"
	healthNotReady   = "not_ready"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(newCORSPolicy(s.cfg.CORS).middleware)
	r.Use(bodySizeLimitMiddleware)

	if s.metricsCfg.Enabled {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1", func(r chi.Router) {
		// No auth required
		r.Get("/health", s.handleHealth)
		r.Get("/metrics", s.handleMetrics)

		// WebSocket (auth via ticket, validated in handler)
		r.Get("/ws", s.handleWebSocket)

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.Group(func(r chi.Router) {
				r.Use(s.requirePermission(auth.PermRead))

				r.Post("/auth/ws-ticket", s.handleWSTicket)
				r.Get("/entities", s.handleListEntities)

				r.Route("/devices", func(r chi.Router) {
					r.Get("/", s.handleListDevices)
					r.Get("/{id}", s.handleGetDevice)
					r.Get("/{id}/history", s.handleGetDeviceHistory)
				})
			})

			r.Group(func(r chi.Router) {
				r.Use(s.requirePermission(auth.PermCommand))

				r.Post("/devices/{id}/entities/{key}/commands", s.handleEntityCommand)
				r.Post("/refresh", s.handleRefresh)
			})

			r.Group(func(r chi.Router) {
				r.Use(s.requirePermission(auth.PermAdmin))

				r.Put("/credentials", s.handleUpdateCredentials)
				r.Get("/audit", s.handleListAudit)
			})
		})
	})

	return r
}

// handleHealth reports whether the bridge is serving fresh data.
// A rejected credential or a missing first snapshot answers 503.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	stats := s.coord.Stats()

	status, code := healthOK, http.StatusOK
	switch {
	case stats.AuthFailed:
		status, code = healthAuthFailed, http.StatusServiceUnavailable
	case stats.LastSuccess.IsZero():
		status, code = healthNotReady, http.StatusServiceUnavailable
	}

	writeJSON(w, code, map[string]any{
		"status":  status,
		"version": s.version,
		"devices": stats.Devices,
		"polling": stats.Polling,
	})
}
