// Package api serves the live websocket endpoint and the operational
// routes around it.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/gorilla/websocket"

	"eddisonso.com/litfinder/internal/auth"
	"eddisonso.com/litfinder/internal/coordinator"
	"eddisonso.com/litfinder/internal/metrics"
	"eddisonso.com/litfinder/internal/store"
)

type Handler struct {
	store     store.Store
	validator *auth.Validator
	sessions  coordinator.Options
	origins   []string
	upgrader  websocket.Upgrader
}

// NewHandler builds the HTTP surface. An empty origins list accepts any
// origin, which is only meant for local development.
func NewHandler(st store.Store, validator *auth.Validator, sessions coordinator.Options, origins []string) *Handler {
	h := &Handler{
		store:     st,
		validator: validator,
		sessions:  sessions,
		origins:   origins,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || h.isAllowedOrigin(origin)
		},
	}
	return h
}

func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws/live", h.HandleLive)
	mux.HandleFunc("GET /healthz", h.handleHealthz)
	mux.Handle("GET /metrics", metrics.Handler())
}

func (h *Handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (h *Handler) isAllowedOrigin(origin string) bool {
	return len(h.origins) == 0 || slices.Contains(h.origins, origin)
}

func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func (h *Handler) CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && h.isAllowedOrigin(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func LogRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Debug("request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}
