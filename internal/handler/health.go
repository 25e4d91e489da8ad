package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/insider-one/notification-gateway/internal/breaker"
)

// Checker reports the health of one dependency.
type Checker interface {
	Health(ctx context.Context) error
}

// BreakerStates exposes circuit breaker snapshots for the health response.
type BreakerStates interface {
	Snapshots() []breaker.Snapshot
}

type dependency struct {
	name    string
	checker Checker

	// critical dependencies take the overall status to Unhealthy when
	// down; non-critical ones only degrade it.
	critical bool
}

// HealthHandler aggregates dependency reachability into a three-level
// status: Healthy, Degraded, Unhealthy.
type HealthHandler struct {
	deps     []dependency
	breakers BreakerStates
}

// NewHealthHandler creates a new HealthHandler
func NewHealthHandler() *HealthHandler {
	return &HealthHandler{}
}

// AddChecker adds a dependency. Critical dependencies (broker, status
// store) mark the gateway Unhealthy when unreachable; others (discovery)
// only degrade it.
func (h *HealthHandler) AddChecker(name string, checker Checker, critical bool) {
	h.deps = append(h.deps, dependency{name: name, checker: checker, critical: critical})
}

// SetBreakers attaches circuit breaker state to the health response.
func (h *HealthHandler) SetBreakers(b BreakerStates) {
	h.breakers = b
}

// HealthStatus represents the aggregated health response
type HealthStatus struct {
	Status          string             `json:"status"`
	Timestamp       time.Time          `json:"timestamp"`
	Dependencies    map[string]string  `json:"dependencies"`
	CircuitBreakers []breaker.Snapshot `json:"circuit_breakers,omitempty"`
}

// Health reports the gateway's aggregated health.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := HealthStatus{
		Status:       "Healthy",
		Timestamp:    time.Now().UTC(),
		Dependencies: make(map[string]string),
	}

	for _, dep := range h.deps {
		if err := dep.checker.Health(ctx); err != nil {
			if dep.critical {
				status.Dependencies[dep.name] = "DOWN"
				status.Status = "Unhealthy"
			} else {
				status.Dependencies[dep.name] = "DEGRADED"
				if status.Status == "Healthy" {
					status.Status = "Degraded"
				}
			}
			continue
		}
		status.Dependencies[dep.name] = "OK"
	}

	if h.breakers != nil {
		status.CircuitBreakers = h.breakers.Snapshots()
	}

	JSON(w, http.StatusOK, status)
}

// Liveness is a trivial process-up probe.
func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

// Readiness reports whether all critical dependencies are reachable.
func (h *HealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	for _, dep := range h.deps {
		if !dep.critical {
			continue
		}
		if err := dep.checker.Health(ctx); err != nil {
			JSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":    "not ready",
				"component": dep.name,
			})
			return
		}
	}

	JSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
