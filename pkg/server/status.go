package server

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/bitechdev/ChatMux/pkg/logger"
	"github.com/bitechdev/ChatMux/pkg/metrics"
	"github.com/bitechdev/ChatMux/pkg/middleware"
	"github.com/bitechdev/ChatMux/pkg/tracing"
)

// StatusReporter is what the status endpoint reads from.
type StatusReporter interface {
	// Ready reports whether the realtime session is usable.
	Ready() bool
	// Status returns a JSON-encodable snapshot.
	Status() any
}

// NewStatusRouter builds the local router:
//
//	GET /healthz   liveness, 503 while shutting down
//	GET /readyz    503 until the reporter is ready
//	GET /status    reporter snapshot as JSON
//	GET /metrics   metrics provider handler
func NewStatusRouter(gs *GracefulServer, reporter StatusReporter) *mux.Router {
	r := mux.NewRouter()
	r.Use(middleware.PanicRecovery, tracing.Middleware)

	r.HandleFunc("/healthz", func(w http.ResponseWriter, req *http.Request) {
		if gs != nil && gs.IsShuttingDown() {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "shutting_down"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "healthy"})
	}).Methods(http.MethodGet)

	r.HandleFunc("/readyz", func(w http.ResponseWriter, req *http.Request) {
		if !reporter.Ready() {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ready": true})
	}).Methods(http.MethodGet)

	r.HandleFunc("/status", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, reporter.Status())
	}).Methods(http.MethodGet)

	r.Handle("/metrics", metrics.GetProvider().Handler()).Methods(http.MethodGet)

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("Failed to write. %v", err)
	}
}
