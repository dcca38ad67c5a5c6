package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gray-logic-bacnet/internal/auth"
)

// defaultWSPath is used when websocket.path is not configured.
const defaultWSPath = "/ws"

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	wsPath := s.wsCfg.Path
	if wsPath == "" {
		wsPath = defaultWSPath
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		// Read-only routes
		r.Get("/devices", s.handleListDevices)
		r.Get("/devices/{instance}", s.handleGetDevice)
		r.Get("/devices/{instance}/reachability", s.handleGetReachability)
		r.Get("/points", s.handleListPoints)
		r.Get("/points/{key}", s.handleGetPoint)
		r.Get("/points/{key}/history", s.handlePointHistory)

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.With(s.requirePermission(auth.PermPointRead)).Get(wsPath, s.handleWebSocket)

			r.With(s.requirePermission(auth.PermNetworkAdmin)).Post("/discover", s.handleDiscover)
			r.With(s.requirePermission(auth.PermNetworkAdmin)).Post("/find-object", s.handleFindObject)
			r.With(s.requirePermission(auth.PermNetworkAdmin)).Post("/timesync", s.handleTimeSync)
			r.With(s.requirePermission(auth.PermAuditRead)).Get("/audit", s.handleListAudit)

			r.With(s.requirePermission(auth.PermDeviceManage)).Delete("/devices/{instance}", s.handleEvictDevice)
			r.With(s.requirePermission(auth.PermDeviceManage)).Post("/devices/{instance}/objects", s.handleReadObjectList)
			r.With(s.requirePermission(auth.PermDeviceReinit)).Post("/devices/{instance}/reinitialize", s.handleReinitialize)

			r.With(s.requirePermission(auth.PermPointManage)).Post("/points", s.handleDeclarePoint)
			r.With(s.requirePermission(auth.PermPointManage)).Delete("/points/{key}", s.handleRemovePoint)
			r.With(s.requirePermission(auth.PermPointWrite)).Put("/points/{key}", s.handleWritePoint)
			r.With(s.requirePermission(auth.PermPointRead)).Post("/points/{key}/read", s.handleReadPoint)
			r.With(s.requirePermission(auth.PermPointWrite)).Post("/points/{key}/subscribe", s.handleSubscribe)
			r.With(s.requirePermission(auth.PermPointWrite)).Delete("/points/{key}/subscribe", s.handleUnsubscribe)
			r.With(s.requirePermission(auth.PermPointManage)).Post("/points/{key}/simulate", s.handleSimulate)
			r.With(s.requirePermission(auth.PermPointManage)).Delete("/points/{key}/simulate", s.handleRelease)
		})
	})

	return r
}

// handleHealth returns the server health status.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{
		"status":     "ok",
		"version":    s.version,
		"devices":    len(s.devices.List()),
		"schedule":   s.scheduler.Stats(),
		"ws_clients": s.hub.ClientCount(),
	}
	if s.health != nil {
		body["bridge"] = s.health()
	}
	writeJSON(w, http.StatusOK, body)
}
