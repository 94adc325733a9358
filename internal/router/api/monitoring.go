package api

import (
	"net/http"
	"strconv"
)

const defaultInFlightLimit = 100

// handlePoolStats returns rolling per-pool statistics keyed by pool code.
func (s *Server) handlePoolStats(w http.ResponseWriter, r *http.Request) {
	if s.poolStats == nil {
		writeError(w, http.StatusServiceUnavailable, "pool metrics not available")
		return
	}
	writeJSON(w, http.StatusOK, s.poolStats.GetAllPoolStats())
}

// handleQueueStats returns per-queue consumption statistics keyed by queue name.
func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	if s.queueStats == nil {
		writeError(w, http.StatusServiceUnavailable, "queue metrics not available")
		return
	}
	writeJSON(w, http.StatusOK, s.queueStats.GetAllQueueStats())
}

// handleInFlight lists messages currently being processed, oldest first.
// Optional query params: limit (default 100) and pool (filter by pool code).
func (s *Server) handleInFlight(w http.ResponseWriter, r *http.Request) {
	if s.inFlight == nil {
		writeError(w, http.StatusServiceUnavailable, "in-flight tracking not available")
		return
	}

	limit := defaultInFlightLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	pool := r.URL.Query().Get("pool")
	messages := s.inFlight.InFlightSnapshot(pool, limit)
	writeJSON(w, http.StatusOK, map[string]any{
		"total":    s.inFlight.GetInFlightCount(),
		"count":    len(messages),
		"messages": messages,
	})
}

// handleCircuitBreakers lists per-pool-per-host breaker states.
func (s *Server) handleCircuitBreakers(w http.ResponseWriter, r *http.Request) {
	if s.breakers == nil {
		writeError(w, http.StatusServiceUnavailable, "circuit breakers not available")
		return
	}
	breakers := s.breakers.CircuitBreakers()
	writeJSON(w, http.StatusOK, map[string]any{
		"count":    len(breakers),
		"breakers": breakers,
	})
}

// handleStandby reports this instance's election role and lock health.
func (s *Server) handleStandby(w http.ResponseWriter, r *http.Request) {
	if s.standbySvc == nil {
		writeError(w, http.StatusServiceUnavailable, "standby service not available")
		return
	}
	writeJSON(w, http.StatusOK, s.standbySvc.Status())
}

// handleTraffic reports load balancer registration state.
func (s *Server) handleTraffic(w http.ResponseWriter, r *http.Request) {
	if s.trafficSvc == nil {
		writeError(w, http.StatusServiceUnavailable, "traffic management not available")
		return
	}
	writeJSON(w, http.StatusOK, s.trafficSvc.Status())
}
