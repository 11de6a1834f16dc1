package domain

import (
	"sync"
	"time"
)

// EndpointStatus classifies an endpoint's recent behavior.
type EndpointStatus string

const (
	StatusUnknown   EndpointStatus = "unknown"
	StatusHealthy   EndpointStatus = "healthy"
	StatusDegraded  EndpointStatus = "degraded"
	StatusUnhealthy EndpointStatus = "unhealthy"
)

// Selection score penalties; lower total score wins.
const (
	penaltyUnknown   = 50
	penaltyDegraded  = 250
	penaltyUnhealthy = 1000
	penaltyPerFail   = 25
	priorityWeight   = 10
)

// latencyEWMAWeight controls how fast the rolling latency follows new samples.
const latencyEWMAWeight = 0.2

// EndpointHealth tracks rolling health for one endpoint. Safe for concurrent
// use; never persisted, rebuilt on process restart.
type EndpointHealth struct {
	mu sync.Mutex

	avgLatency    time.Duration
	consecFails   int
	consecSuccess int
	lastError     error
	lastFailureAt time.Time
	status        EndpointStatus
}

// HealthSnapshot is a copyable view of EndpointHealth.
type HealthSnapshot struct {
	AvgLatency    time.Duration
	ConsecFails   int
	ConsecSuccess int
	LastError     error
	LastFailureAt time.Time
	Status        EndpointStatus
}

// NewEndpointHealth starts in status unknown.
func NewEndpointHealth() *EndpointHealth {
	return &EndpointHealth{status: StatusUnknown}
}

// RecordSuccess updates the rolling latency and promotes the endpoint.
func (h *EndpointHealth) RecordSuccess(latency time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.avgLatency == 0 {
		h.avgLatency = latency
	} else {
		h.avgLatency = time.Duration(float64(h.avgLatency)*(1-latencyEWMAWeight) + float64(latency)*latencyEWMAWeight)
	}
	h.consecFails = 0
	h.consecSuccess++
	h.status = StatusHealthy
}

// RecordFailure increments the failure counter and demotes the endpoint once
// it crosses threshold.
func (h *EndpointHealth) RecordFailure(err error, threshold int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.consecSuccess = 0
	h.consecFails++
	h.lastError = err
	h.lastFailureAt = time.Now()
	if h.consecFails >= threshold {
		h.status = StatusUnhealthy
	} else {
		h.status = StatusDegraded
	}
}

// Status returns the current derived status.
func (h *EndpointHealth) Status() EndpointStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// Snapshot returns a copy of the current health state.
func (h *EndpointHealth) Snapshot() HealthSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return HealthSnapshot{
		AvgLatency:    h.avgLatency,
		ConsecFails:   h.consecFails,
		ConsecSuccess: h.consecSuccess,
		LastError:     h.lastError,
		LastFailureAt: h.lastFailureAt,
		Status:        h.status,
	}
}

// InCooldown reports whether an unhealthy endpoint is still cooling down and
// should be skipped while alternatives exist.
func (h *EndpointHealth) InCooldown(cooldown time.Duration) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.status != StatusUnhealthy {
		return false
	}
	return time.Since(h.lastFailureAt) < cooldown
}

// Score computes the selection score for an endpoint with the given priority.
// Lower is better.
func (h *EndpointHealth) Score(priority int) float64 {
	h.mu.Lock()
	defer h.mu.Unlock()

	score := float64(priority * priorityWeight)
	switch h.status {
	case StatusUnknown:
		score += penaltyUnknown
	case StatusDegraded:
		score += penaltyDegraded
	case StatusUnhealthy:
		score += penaltyUnhealthy
	}
	score += float64(h.avgLatency.Milliseconds()) / 10
	score += float64(h.consecFails) * penaltyPerFail
	return score
}
