package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// handleHealth reports liveness: the process is up and knows how many
// sessions it is carrying. It stays 200 even when the tenant directory is
// unreachable; that is a readiness concern.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":   "healthy",
		"version":  s.version,
		"uptime":   fmt.Sprintf("%.0fs", time.Since(s.started).Seconds()),
		"sessions": s.hub.Len(),
	})
}

// handleReadiness reports whether the server can do useful work: a session
// that identifies right now must be able to reach the tenant directory.
func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := s.tenants.HealthCheck(r.Context()); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"status": "not ready",
			"reason": err.Error(),
		})
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}
