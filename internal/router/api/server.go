// Package api serves the router's monitoring surface: the health probes,
// the /api/router document endpoints, Prometheus metrics and the
// operations dashboard.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"go.flowcatalyst.tech/dispatch/internal/router/health"
	"go.flowcatalyst.tech/dispatch/internal/router/manager"
	"go.flowcatalyst.tech/dispatch/internal/router/mediator"
	"go.flowcatalyst.tech/dispatch/internal/router/metrics"
	"go.flowcatalyst.tech/dispatch/internal/router/standby"
	"go.flowcatalyst.tech/dispatch/internal/router/traffic"
	"go.flowcatalyst.tech/dispatch/internal/router/warning"
)

// Config holds the HTTP listener settings.
type Config struct {
	// Host and Port form the bind address.
	Host string
	Port int

	// CORSOrigins allows browser dashboards on other origins. Empty
	// disables CORS headers entirely.
	CORSOrigins []string

	// AdminJWTSecret guards mutating endpoints with HS256 bearer tokens
	// when set. Empty leaves them open, the development default.
	AdminJWTSecret string
}

// DefaultConfig binds the monitoring server to every interface on 8080.
func DefaultConfig() *Config {
	return &Config{Port: 8080}
}

// PoolStatsProvider is satisfied by *metrics.InMemoryPoolMetricsService.
type PoolStatsProvider interface {
	GetAllPoolStats() map[string]*metrics.PoolStats
}

// QueueStatsProvider is satisfied by *metrics.InMemoryQueueMetricsService.
type QueueStatsProvider interface {
	GetAllQueueStats() map[string]*metrics.QueueStats
}

// InFlightProvider is satisfied by *manager.QueueManager.
type InFlightProvider interface {
	InFlightSnapshot(poolCode string, limit int) []manager.InFlightMessage
	GetInFlightCount() int
}

// BreakerProvider is satisfied by *mediator.HTTPMediator.
type BreakerProvider interface {
	CircuitBreakers() []mediator.BreakerStatus
}

// StandbyReporter is satisfied by *standby.Service.
type StandbyReporter interface {
	Status() standby.Status
}

// TrafficReporter is satisfied by *traffic.Service.
type TrafficReporter interface {
	Status() traffic.Status
}

// Server assembles the monitoring routes over whatever services the
// runtime hands it. Missing services answer 503 rather than failing the
// whole server, so a partially wired router still exposes its probes.
type Server struct {
	config *Config

	healthService *health.HealthStatusService
	poolStats     PoolStatsProvider
	queueStats    QueueStatsProvider
	inFlight      InFlightProvider
	breakers      BreakerProvider
	standbySvc    StandbyReporter
	trafficSvc    TrafficReporter
	warnings      *warning.Handler
}

// NewServer creates a server with no services attached. Attach them with
// the With methods before calling Routes.
func NewServer(config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	return &Server{config: config}
}

func (s *Server) WithHealth(svc *health.HealthStatusService) *Server {
	s.healthService = svc
	return s
}

func (s *Server) WithPoolStats(p PoolStatsProvider) *Server {
	s.poolStats = p
	return s
}

func (s *Server) WithQueueStats(p QueueStatsProvider) *Server {
	s.queueStats = p
	return s
}

func (s *Server) WithInFlight(p InFlightProvider) *Server {
	s.inFlight = p
	return s
}

func (s *Server) WithBreakers(p BreakerProvider) *Server {
	s.breakers = p
	return s
}

func (s *Server) WithStandby(r StandbyReporter) *Server {
	s.standbySvc = r
	return s
}

func (s *Server) WithTraffic(r TrafficReporter) *Server {
	s.trafficSvc = r
	return s
}

func (s *Server) WithWarnings(h *warning.Handler) *Server {
	s.warnings = h
	return s
}

// Routes builds the chi router. The caller owns the listener, so tests
// can drive the handler tree directly with httptest.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	if len(s.config.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.config.CORSOrigins,
			AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
			MaxAge:         300,
		}))
	}

	r.Get("/health", s.handleHealth)
	r.Get("/health/live", s.handleLiveness)
	r.Get("/health/ready", s.handleReadiness)
	r.Get("/health/startup", s.handleReadiness)

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/dashboard", s.handleDashboard)

	r.Route("/api/router", func(r chi.Router) {
		r.Use(s.adminGuard)

		r.Get("/stats", s.handlePoolStats)
		r.Get("/queues", s.handleQueueStats)
		r.Get("/inflight", s.handleInFlight)
		r.Get("/circuit-breakers", s.handleCircuitBreakers)
		r.Get("/standby", s.handleStandby)
		r.Get("/traffic", s.handleTraffic)

		if s.warnings != nil {
			s.warnings.RegisterRoutes(r)
		}
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
