package endpoint

import (
	"context"
	"fmt"
	"time"

	"github.com/hupe1980/contextmesh/core"
	"github.com/hupe1980/contextmesh/internal/util"
	"github.com/hupe1980/contextmesh/logging"
	"github.com/hupe1980/contextmesh/model"
)

const (
	// DefaultMaxAttempts bounds the dispatch loop.
	DefaultMaxAttempts = 3
	// DefaultBackoff is multiplied by the attempt number between attempts.
	DefaultBackoff = time.Second
)

// DispatcherOptions configures a Dispatcher.
type DispatcherOptions struct {
	MaxAttempts int
	Backoff     time.Duration
	// Role routes calls to endpoints serving it, falling back to any endpoint.
	Role   string
	Logger logging.Logger
}

// Dispatcher runs calls against the registry with failover. It is safe for
// concurrent use: picking an endpoint and counting the request against it
// happen under the registry lock.
type Dispatcher struct {
	registry *Registry
	opts     DispatcherOptions
}

// NewDispatcher creates a Dispatcher over registry.
func NewDispatcher(registry *Registry, optFns ...func(o *DispatcherOptions)) *Dispatcher {
	opts := DispatcherOptions{
		MaxAttempts: DefaultMaxAttempts,
		Backoff:     DefaultBackoff,
		Logger:      logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	opts.Logger = logging.OrNoOp(opts.Logger)
	return &Dispatcher{registry: registry, opts: opts}
}

// WithRole returns a copy of the dispatcher routing to role.
func (d *Dispatcher) WithRole(role string) *Dispatcher {
	cp := *d
	cp.opts.Role = role
	return &cp
}

// Registry returns the underlying registry.
func (d *Dispatcher) Registry() *Registry { return d.registry }

// Do calls fn on an available endpoint, up to MaxAttempts times. A missing
// endpoint uses up an attempt. A failing endpoint is disabled before the next
// attempt. Once attempts run out the returned error wraps
// core.ErrExhaustedRetries and the last failure.
func (d *Dispatcher) Do(ctx context.Context, fn func(ctx context.Context, ep *Endpoint) error) error {
	var lastErr error
	for attempt := 1; attempt <= d.opts.MaxAttempts; attempt++ {
		ep, ok := d.registry.acquire(d.opts.Role)
		if !ok {
			lastErr = core.ErrNoEndpointAvailable
			d.opts.Logger.Warn("endpoint.dispatch.unavailable", "attempt", attempt, "role", d.opts.Role)
		} else {
			err := d.attempt(ctx, ep, fn)
			if err == nil {
				return nil
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			lastErr = err
			d.opts.Logger.Warn("endpoint.dispatch.failed", "endpoint", ep.name, "attempt", attempt, "error", err.Error())
		}
		if attempt < d.opts.MaxAttempts {
			if err := util.Sleep(ctx, util.LinearBackoff(d.opts.Backoff, attempt)); err != nil {
				return err
			}
		}
	}
	return fmt.Errorf("%w after %d attempts: %w", core.ErrExhaustedRetries, d.opts.MaxAttempts, lastErr)
}

// attempt runs fn on an endpoint already acquired from the registry.
func (d *Dispatcher) attempt(ctx context.Context, ep *Endpoint, fn func(ctx context.Context, ep *Endpoint) error) (err error) {
	defer ep.CompleteRequest()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("endpoint %s: panic: %v", ep.name, r)
		}
		latency := time.Since(start)
		switch {
		case err == nil:
			d.registry.UpdateEndpointPerformance(ep, latency, true)
		case ctx.Err() != nil:
			// the caller gave up; not the endpoint's fault
		default:
			d.registry.UpdateEndpointPerformance(ep, latency, false)
			d.registry.MarkEndpointAsFailed(ep)
		}
	}()
	return fn(ctx, ep)
}

// Generate sends req to an available endpoint and returns its final response.
func (d *Dispatcher) Generate(ctx context.Context, req model.Request) (model.Response, error) {
	var resp model.Response
	err := d.Do(ctx, func(ctx context.Context, ep *Endpoint) error {
		start := time.Now()
		r, err := model.Collect(ctx, ep.Model(), req)
		logging.LogLLMCall(d.opts.Logger, ep.Name(), ep.Model().Info().Name, time.Since(start), err)
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	if err != nil {
		return model.Response{}, err
	}
	return resp, nil
}
