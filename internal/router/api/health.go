package api

import (
	"net/http"

	"go.flowcatalyst.tech/dispatch/internal/router/health"
)

// handleHealth serves the full aggregated health document. UNHEALTHY
// answers 503 so load balancers stop routing; DEGRADED still answers 200
// because the router is processing, just impaired.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.healthService == nil {
		writeError(w, http.StatusServiceUnavailable, "health service not available")
		return
	}

	status := s.healthService.GetHealthStatus()
	code := http.StatusOK
	if status.Status == health.StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

// handleLiveness answers OK whenever the process can serve a request.
// Liveness must not consult dependencies: a dead broker should not make
// the orchestrator restart a healthy process.
func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ALIVE"})
}

// handleReadiness reports whether this replica should receive work:
// infrastructure checks pass and the broker answers its probes.
func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if s.healthService == nil {
		writeJSON(w, http.StatusServiceUnavailable,
			health.NewNotReadyStatus([]string{"health service not available"}))
		return
	}

	readiness := s.healthService.GetReadinessStatus()
	code := http.StatusOK
	if readiness.Status != health.ReadinessUp {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, readiness)
}
