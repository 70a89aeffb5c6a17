package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/pyamooz/pyamooz-chat/internal/api/middleware"
	"github.com/pyamooz/pyamooz-chat/internal/api/rest"
	"github.com/pyamooz/pyamooz-chat/internal/auth"
	"github.com/pyamooz/pyamooz-chat/internal/version"
)

const (
	// ChatPath is the WebSocket endpoint.
	ChatPath = "/ws/chat"

	maxRequestBody = 1 << 20
)

func (s *Server) routes(resolver auth.Resolver, restHandler *rest.Handler) http.Handler {
	router := mux.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Logging(s.logger.Logger))
	router.Use(middleware.Recovery(s.logger.Logger))

	router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	router.Handle(ChatPath, s.realtime).Methods(http.MethodGet)

	api := router.PathPrefix("/api/v1").Subrouter()
	api.Use(middleware.SecureHeaders)
	api.Use(middleware.MaxBodySize(maxRequestBody))
	api.Use(middleware.Auth(resolver))
	rest.SetupRoutes(api, restHandler, middleware.RequireAdmin)

	var h http.Handler = router
	if s.cfg.RateLimit.Enabled {
		h = middleware.NewRateLimiter(s.cfg.RateLimit.RequestsPerMinute, s.cfg.RateLimit.Burst).Middleware(h)
	}
	if s.cfg.Tracing.Enabled {
		h = skipPath(ChatPath, middleware.Tracing(h), h)
	}

	c := cors.New(cors.Options{
		AllowedOrigins:   s.cfg.Server.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		ExposedHeaders:   []string{middleware.RequestIDHeader, middleware.TraceIDHeader},
		AllowCredentials: true,
	})
	return c.Handler(h)
}

// skipPath routes requests for path to plain and everything else to
// wrapped. WebSocket sessions outlive any sensible request span.
func skipPath(path string, wrapped, plain http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == path {
			plain.ServeHTTP(w, r)
			return
		}
		wrapped.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "pyamooz-chat",
		"version": version.Version,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.store.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unavailable",
			"error":  "database unreachable",
		})
		return
	}
	schema, err := s.store.SchemaVersion(ctx)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unavailable",
			"error":  "schema unavailable",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "ready",
		"schema_version": schema,
		"connections":    s.realtime.Hub().Count(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
