// Package endpoint routes model calls across several inference endpoints.
//
// A Registry tracks health (enabled flag, failure and success counters, last
// latency) under one coarse lock, while each Endpoint's in-flight request
// counter is a lock-free atomic. The Dispatcher runs the caller side retry
// loop: pick an endpoint with spare capacity, call it, record the outcome and
// fail over to the next one.
package endpoint

import (
	"sync/atomic"
	"time"

	"github.com/hupe1980/contextmesh/model"
)

const (
	// DefaultMaxConcurrentRequests is the per-endpoint in-flight cap.
	DefaultMaxConcurrentRequests = 1
	// DefaultLastResponseTime seeds the latency of a fresh endpoint.
	DefaultLastResponseTime = time.Second
)

// Options configures an Endpoint.
type Options struct {
	BaseURL               string
	Priority              int // higher is preferred
	MaxConcurrentRequests int
	Roles                 []string // e.g. "reasoning", "summarization"
	Disabled              bool
}

// Endpoint is one inference backend. Identity fields are immutable; health
// fields are owned by the Registry it is registered with.
type Endpoint struct {
	name          string
	baseURL       string
	priority      int
	maxConcurrent int32
	roles         []string
	model         model.Model

	active atomic.Int32

	// guarded by Registry.mu
	enabled          bool
	lastResponseTime time.Duration
	lastUsed         time.Time
	failureCount     int
	successCount     int
}

// New creates an endpoint backed by m.
func New(name string, m model.Model, optFns ...func(o *Options)) *Endpoint {
	opts := Options{MaxConcurrentRequests: DefaultMaxConcurrentRequests}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.MaxConcurrentRequests <= 0 {
		opts.MaxConcurrentRequests = DefaultMaxConcurrentRequests
	}
	return &Endpoint{
		name:             name,
		baseURL:          opts.BaseURL,
		priority:         opts.Priority,
		maxConcurrent:    int32(opts.MaxConcurrentRequests),
		roles:            append([]string(nil), opts.Roles...),
		model:            m,
		enabled:          !opts.Disabled,
		lastResponseTime: DefaultLastResponseTime,
	}
}

// Name returns the endpoint name.
func (e *Endpoint) Name() string { return e.name }

// BaseURL returns the configured base URL (informational).
func (e *Endpoint) BaseURL() string { return e.baseURL }

// Priority returns the static priority.
func (e *Endpoint) Priority() int { return e.priority }

// Model returns the transport used to reach the endpoint.
func (e *Endpoint) Model() model.Model { return e.model }

// HasRole reports whether the endpoint serves role.
func (e *Endpoint) HasRole(role string) bool {
	for _, r := range e.roles {
		if r == role {
			return true
		}
	}
	return false
}

// StartRequest marks one more request in flight.
func (e *Endpoint) StartRequest() { e.active.Add(1) }

// CompleteRequest releases an in-flight slot.
func (e *Endpoint) CompleteRequest() { e.active.Add(-1) }

// ActiveRequests returns the current number of in-flight requests.
func (e *Endpoint) ActiveRequests() int { return int(e.active.Load()) }

// canAcceptLocked requires Registry.mu.
func (e *Endpoint) canAcceptLocked() bool {
	return e.enabled && e.active.Load() < e.maxConcurrent
}

// Status is a point-in-time view of an endpoint.
type Status struct {
	Name                  string        `json:"name"`
	BaseURL               string        `json:"base_url"`
	Priority              int           `json:"priority"`
	Roles                 []string      `json:"roles,omitempty"`
	Enabled               bool          `json:"enabled"`
	Current               bool          `json:"current"`
	ActiveRequests        int           `json:"active_requests"`
	MaxConcurrentRequests int           `json:"max_concurrent_requests"`
	FailureCount          int           `json:"failure_count"`
	SuccessCount          int           `json:"success_count"`
	LastResponseTime      time.Duration `json:"last_response_time"`
	LastUsed              time.Time     `json:"last_used"`
}
