package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// healthCheckTimeout bounds the store probe made by /health.
const healthCheckTimeout = 2 * time.Second

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
		r.Get("/health", s.handleHealth)
		r.Get("/metrics", s.handleMetrics)
		r.Post("/system/reset", s.handleReset)

		// Replica endpoints
		r.Route("/replicas/{type}", func(r chi.Router) {
			r.Get("/", s.handleListReplicas)
			r.Post("/", s.handleCreateReplica)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetReplica)
				r.Patch("/", s.handleUpdateReplica)
				r.Delete("/", s.handleDeleteReplica)
				r.Post("/measurements", s.handleAppendMeasurement)
			})
		})

		// Manual RFID access
		r.Post("/rooms/{id}/access", s.handleRoomAccess)

		// Digital twin endpoints
		r.Route("/twins", func(r chi.Router) {
			r.Get("/", s.handleListTwins)
			r.Post("/", s.handleCreateTwin)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetTwin)
				r.Post("/members", s.handleAddMember)
				r.Post("/services", s.handleAddService)
				r.Post("/services/{name}/invoke", s.handleInvokeService)
			})
		})

		r.Get("/ws", s.handleWebSocket)
	})

	return r
}

// handleHealth reports the server version, record store reachability and
// the ingestion pipeline state.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	resp := map[string]any{
		"status":  "ok",
		"version": s.version,
		"store":   "ok",
	}
	status := http.StatusOK
	if err := s.store.HealthCheck(ctx); err != nil {
		s.logger.Warn("record store health check failed", "error", err)
		resp["status"] = "degraded"
		resp["store"] = err.Error()
		status = http.StatusServiceUnavailable
	}
	if s.ingestion != nil {
		resp["ingestion"] = s.ingestion.State().String()
	}
	writeJSON(w, status, resp)
}
