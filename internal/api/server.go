package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/SSR3-FinalPj/AI-auto/pkg/version"
)

// maxBodyBytes caps intake and callback bodies.
const maxBodyBytes = 1 << 20

// NewServer creates and configures the HTTP server.
// events and metrics are optional; nil leaves the route unregistered.
func NewServer(addr string, intake *IntakeHandler, callback *CallbackHandler, stats *StatsHandler, events, metrics http.Handler) *http.Server {
	mux := http.NewServeMux()

	// 1. Health and version
	mux.HandleFunc("GET /healthz", handleHealth)
	mux.HandleFunc("GET /version", handleVersion)

	// 2. Intake
	mux.Handle("POST /generate", intake)
	mux.Handle("POST /api/generate-video", intake)

	// 3. Backend callbacks
	mux.Handle("POST /callback", callback)
	mux.Handle("POST /api/video/callback", callback)

	// 4. Stats
	mux.Handle("GET /stats", stats)
	mux.Handle("GET /queue/stats", stats)

	// 5. Observability
	if events != nil {
		mux.Handle("GET /events/ws", events)
	}
	if metrics != nil {
		mux.Handle("GET /metrics", metrics)
	}

	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": version.Version})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
