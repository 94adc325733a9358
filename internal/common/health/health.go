// Package health holds the named dependency check registry. Services
// register a check per backing dependency (Mongo, Redis) and readiness
// probes run the registry to decide whether the replica should receive
// traffic.
package health

import (
	"context"
	"sync"
	"time"
)

// checkTimeout bounds each dependency probe so a hung backend cannot
// wedge the readiness endpoint.
const checkTimeout = 5 * time.Second

// Status is the outcome of a single check or of the whole registry.
type Status string

const (
	StatusUp   Status = "UP"
	StatusDown Status = "DOWN"
)

// Check is one named dependency probe result.
type Check struct {
	Name   string         `json:"name"`
	Status Status         `json:"status"`
	Data   map[string]any `json:"data,omitempty"`
}

// CheckFunc performs a single dependency check.
type CheckFunc func() Check

// Response aggregates the registry: DOWN when any check is DOWN.
type Response struct {
	Status Status  `json:"status"`
	Checks []Check `json:"checks,omitempty"`
}

// Checker is a registry of dependency checks. Checks are run in
// registration order; registration is expected at composition time but
// is safe at any point.
type Checker struct {
	mu     sync.RWMutex
	checks []CheckFunc
}

// NewChecker creates an empty registry.
func NewChecker() *Checker {
	return &Checker{}
}

// Add registers a dependency check.
func (c *Checker) Add(check CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks = append(c.checks, check)
}

// Run executes every registered check and aggregates the results.
// An empty registry reports UP; no dependencies means nothing to lose.
func (c *Checker) Run() Response {
	c.mu.RLock()
	checks := make([]CheckFunc, len(c.checks))
	copy(checks, c.checks)
	c.mu.RUnlock()

	response := Response{
		Status: StatusUp,
		Checks: make([]Check, 0, len(checks)),
	}
	for _, checkFunc := range checks {
		check := checkFunc()
		response.Checks = append(response.Checks, check)
		if check.Status == StatusDown {
			response.Status = StatusDown
		}
	}
	return response
}

// MongoDBCheck probes MongoDB through the given ping function. The ping
// runs under the registry's own timeout.
func MongoDBCheck(ping func(ctx context.Context) error) CheckFunc {
	return func() Check {
		ctx, cancel := context.WithTimeout(context.Background(), checkTimeout)
		defer cancel()

		if err := ping(ctx); err != nil {
			return Check{
				Name:   "MongoDB",
				Status: StatusDown,
				Data:   map[string]any{"error": err.Error()},
			}
		}
		return Check{Name: "MongoDB", Status: StatusUp}
	}
}

// RedisCheck probes the Redis lock store through its availability
// function.
func RedisCheck(available func() bool) CheckFunc {
	return func() Check {
		if !available() {
			return Check{Name: "Redis", Status: StatusDown}
		}
		return Check{Name: "Redis", Status: StatusUp}
	}
}
