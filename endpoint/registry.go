package endpoint

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hupe1980/contextmesh/core"
	"github.com/hupe1980/contextmesh/logging"
	"github.com/hupe1980/contextmesh/model"
)

// DefaultMaxFailures is the failure count an endpoint may reach before it is
// disabled; the next failure disables it.
const DefaultMaxFailures = 3

// RegistryOptions configures a Registry.
type RegistryOptions struct {
	MaxFailures int
	Logger      logging.Logger
	Now         func() time.Time
}

// Registry selects among registered endpoints and tracks their health.
type Registry struct {
	opts RegistryOptions

	mu        sync.Mutex
	endpoints []*Endpoint
	current   *Endpoint
}

// NewRegistry creates an empty registry.
func NewRegistry(optFns ...func(o *RegistryOptions)) *Registry {
	opts := RegistryOptions{
		MaxFailures: DefaultMaxFailures,
		Logger:      logging.NoOpLogger{},
		Now:         time.Now,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	opts.Logger = logging.OrNoOp(opts.Logger)
	return &Registry{opts: opts}
}

// Register adds endpoints. Names must be unique.
func (r *Registry) Register(eps ...*Endpoint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ep := range eps {
		if r.findLocked(ep.name) != nil {
			return fmt.Errorf("%w: duplicate endpoint %q", core.ErrInvalidArgument, ep.name)
		}
		if ep.lastUsed.IsZero() {
			ep.lastUsed = r.opts.Now()
		}
		r.endpoints = append(r.endpoints, ep)
	}
	return nil
}

// Endpoints returns the registered endpoints in registration order.
func (r *Registry) Endpoints() []*Endpoint {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Endpoint(nil), r.endpoints...)
}

// Get looks an endpoint up by name.
func (r *Registry) Get(name string) (*Endpoint, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ep := r.findLocked(name)
	return ep, ep != nil
}

func (r *Registry) findLocked(name string) *Endpoint {
	for _, ep := range r.endpoints {
		if ep.name == name {
			return ep
		}
	}
	return nil
}

// SelectBestEndpoint picks the enabled endpoint with the highest priority and
// makes it current. Ties go to the endpoint with the largest last response
// time. Returns core.ErrNoEndpointAvailable when every endpoint is disabled.
func (r *Registry) SelectBestEndpoint() (*Endpoint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.selectBestLocked()
}

func (r *Registry) selectBestLocked() (*Endpoint, error) {
	var best *Endpoint
	for _, ep := range r.endpoints {
		if !ep.enabled {
			continue
		}
		if best == nil ||
			ep.priority > best.priority ||
			(ep.priority == best.priority && ep.lastResponseTime > best.lastResponseTime) {
			best = ep
		}
	}
	r.current = best
	if best == nil {
		return nil, core.ErrNoEndpointAvailable
	}
	r.opts.Logger.Info("endpoint.selected", "endpoint", best.name, "base_url", best.baseURL)
	return best, nil
}

// Current returns the endpoint chosen by the last selection, if any.
func (r *Registry) Current() (*Endpoint, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current, r.current != nil
}

// GetAvailableEndpoint returns an enabled endpoint with spare capacity,
// preferring higher priority and then fewer active requests. ok is false when
// none qualifies; that is an expected outcome, not an error.
func (r *Registry) GetAvailableEndpoint() (ep *Endpoint, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.availableLocked(func(*Endpoint) bool { return true })
}

// GetAvailableEndpointForRole prefers endpoints serving role and falls back
// to any available endpoint. An empty role behaves like GetAvailableEndpoint.
func (r *Registry) GetAvailableEndpointForRole(role string) (*Endpoint, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.forRoleLocked(role)
}

// acquire picks an endpoint like GetAvailableEndpointForRole and starts a
// request on it under the same lock, so concurrent callers cannot push an
// endpoint past its MaxConcurrentRequests. The caller must CompleteRequest.
func (r *Registry) acquire(role string) (*Endpoint, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ep, ok := r.forRoleLocked(role)
	if ok {
		ep.StartRequest()
	}
	return ep, ok
}

func (r *Registry) forRoleLocked(role string) (*Endpoint, bool) {
	if role != "" {
		if ep, ok := r.availableLocked(func(e *Endpoint) bool { return e.HasRole(role) }); ok {
			return ep, true
		}
	}
	return r.availableLocked(func(*Endpoint) bool { return true })
}

func (r *Registry) availableLocked(match func(*Endpoint) bool) (*Endpoint, bool) {
	var (
		best       *Endpoint
		bestActive int32
	)
	for _, ep := range r.endpoints {
		if !match(ep) || !ep.canAcceptLocked() {
			continue
		}
		active := ep.active.Load()
		if best == nil || ep.priority > best.priority || (ep.priority == best.priority && active < bestActive) {
			best, bestActive = ep, active
		}
	}
	return best, best != nil
}

// UpdateEndpointPerformance records the outcome of a call. A success resets
// the failure count; once failures exceed the limit the endpoint is disabled.
func (r *Registry) UpdateEndpointPerformance(ep *Endpoint, latency time.Duration, success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ep.lastResponseTime = latency
	ep.lastUsed = r.opts.Now()
	if success {
		ep.failureCount = 0
		ep.successCount++
		return
	}
	ep.failureCount++
	if ep.failureCount > r.opts.MaxFailures && ep.enabled {
		ep.enabled = false
		r.opts.Logger.Warn("endpoint.disabled", "endpoint", ep.name, "failures", ep.failureCount)
	}
}

// MarkEndpointAsFailed force-disables ep and reselects when it was current.
func (r *Registry) MarkEndpointAsFailed(ep *Endpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ep.enabled = false
	r.opts.Logger.Warn("endpoint.failed", "endpoint", ep.name)
	if ep == r.current {
		if _, err := r.selectBestLocked(); err != nil {
			r.opts.Logger.Error("endpoint.reselect.failed", "error", err.Error())
		}
	}
}

// Enable re-enables a disabled endpoint and clears its failure count.
func (r *Registry) Enable(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ep := r.findLocked(name)
	if ep == nil {
		return fmt.Errorf("%w: unknown endpoint %q", core.ErrInvalidArgument, name)
	}
	r.enableLocked(ep)
	return nil
}

func (r *Registry) enableLocked(ep *Endpoint) {
	ep.enabled = true
	ep.failureCount = 0
	r.opts.Logger.Info("endpoint.enabled", "endpoint", ep.name)
	if r.current == nil {
		_, _ = r.selectBestLocked()
	}
}

// HealthCheck pings every endpoint whose transport implements model.Pinger,
// concurrently. A healthy endpoint that was disabled by failures is
// re-enabled; an enabled endpoint that does not answer records a failure.
// Endpoints disabled by configuration (no failures) stay disabled.
func (r *Registry) HealthCheck(ctx context.Context) []Status {
	var wg sync.WaitGroup
	for _, ep := range r.Endpoints() {
		p, ok := ep.model.(model.Pinger)
		if !ok {
			continue
		}
		wg.Add(1)
		go func(ep *Endpoint, p model.Pinger) {
			defer wg.Done()
			start := r.opts.Now()
			err := p.Ping(ctx)
			r.recordHealth(ep, err, r.opts.Now().Sub(start))
		}(ep, p)
	}
	wg.Wait()
	return r.Status()
}

func (r *Registry) recordHealth(ep *Endpoint, err error, latency time.Duration) {
	if err == nil {
		r.mu.Lock()
		defer r.mu.Unlock()
		if !ep.enabled && ep.failureCount > 0 {
			r.enableLocked(ep)
			r.opts.Logger.Info("endpoint.health.recovered", "endpoint", ep.name, "latency", latency)
		}
		return
	}
	r.opts.Logger.Debug("endpoint.health.failed", "endpoint", ep.name, "error", err.Error())
	r.mu.Lock()
	enabled := ep.enabled
	r.mu.Unlock()
	if enabled {
		r.UpdateEndpointPerformance(ep, latency, false)
	}
}

// Status returns a snapshot of every endpoint in registration order.
func (r *Registry) Status() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Status, 0, len(r.endpoints))
	for _, ep := range r.endpoints {
		out = append(out, Status{
			Name:                  ep.name,
			BaseURL:               ep.baseURL,
			Priority:              ep.priority,
			Roles:                 append([]string(nil), ep.roles...),
			Enabled:               ep.enabled,
			Current:               ep == r.current,
			ActiveRequests:        int(ep.active.Load()),
			MaxConcurrentRequests: int(ep.maxConcurrent),
			FailureCount:          ep.failureCount,
			SuccessCount:          ep.successCount,
			LastResponseTime:      ep.lastResponseTime,
			LastUsed:              ep.lastUsed,
		})
	}
	return out
}
