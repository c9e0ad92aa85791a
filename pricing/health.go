package pricing

import (
	"sync"
	"time"
)

const (
	defaultFailureThreshold = 3
	defaultFailureWindow    = 5 * time.Minute
	defaultCooldown         = 30 * time.Second
)

// EndpointState is the circuit breaker state of the price endpoint.
type EndpointState int

const (
	EndpointHealthy EndpointState = iota
	EndpointUnhealthy
	EndpointHalfOpen
)

func (s EndpointState) String() string {
	switch s {
	case EndpointHealthy:
		return "healthy"
	case EndpointUnhealthy:
		return "unhealthy"
	case EndpointHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// endpointHealth is a circuit breaker over the price endpoint. After
// threshold failures within window, fetches are skipped for cooldown and
// then a single probe is let through.
type endpointHealth struct {
	threshold int
	window    time.Duration
	cooldown  time.Duration

	mu          sync.Mutex
	state       EndpointState
	failures    []time.Time // sliding window of failure timestamps
	unhealthyAt time.Time
}

func newEndpointHealth() *endpointHealth {
	return &endpointHealth{
		threshold: defaultFailureThreshold,
		window:    defaultFailureWindow,
		cooldown:  defaultCooldown,
	}
}

// State returns the current state, moving unhealthy to half-open once the
// cooldown has elapsed.
func (h *endpointHealth) State(now time.Time) EndpointState {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state == EndpointUnhealthy && now.Sub(h.unhealthyAt) >= h.cooldown {
		h.state = EndpointHalfOpen
	}
	return h.state
}

func (h *endpointHealth) RecordSuccess() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.state = EndpointHealthy
	h.failures = h.failures[:0]
}

func (h *endpointHealth) RecordFailure(now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state == EndpointUnhealthy {
		return
	}

	cutoff := now.Add(-h.window)
	valid := h.failures[:0]
	for _, t := range h.failures {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	h.failures = append(valid, now)

	// A failed half-open probe reopens immediately.
	if h.state == EndpointHalfOpen || len(h.failures) >= h.threshold {
		h.state = EndpointUnhealthy
		h.unhealthyAt = now
	}
}
