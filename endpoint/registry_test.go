package endpoint

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hupe1980/contextmesh/core"
	"github.com/hupe1980/contextmesh/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRegistry(t *testing.T, eps ...*Endpoint) *Registry {
	t.Helper()
	r := NewRegistry()
	require.NoError(t, r.Register(eps...))
	return r
}

func withPriority(p int) func(o *Options) { return func(o *Options) { o.Priority = p } }

func TestRegistry_RegisterRejectsDuplicates(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(New("a", nil)))
	err := r.Register(New("a", nil))
	assert.ErrorIs(t, err, core.ErrInvalidArgument)
}

func TestSelectBestEndpoint_PriorityThenLargestLatency(t *testing.T) {
	low := New("low", nil, withPriority(1))
	fast := New("fast", nil, withPriority(5))
	slow := New("slow", nil, withPriority(5))
	r := newRegistry(t, low, fast, slow)

	r.UpdateEndpointPerformance(fast, 100*time.Millisecond, true)
	r.UpdateEndpointPerformance(slow, 2*time.Second, true)

	// Characterized: among equal priority the slower endpoint wins.
	best, err := r.SelectBestEndpoint()
	require.NoError(t, err)
	assert.Equal(t, "slow", best.Name())

	cur, ok := r.Current()
	require.True(t, ok)
	assert.Same(t, best, cur)
}

func TestSelectBestEndpoint_NoneEnabled(t *testing.T) {
	r := newRegistry(t, New("off", nil, func(o *Options) { o.Disabled = true }))
	_, err := r.SelectBestEndpoint()
	assert.ErrorIs(t, err, core.ErrNoEndpointAvailable)
	_, ok := r.Current()
	assert.False(t, ok)
}

func TestGetAvailableEndpoint_CapacityAndLoad(t *testing.T) {
	primary := New("primary", nil, withPriority(10))
	a := New("a", nil, withPriority(5), func(o *Options) { o.MaxConcurrentRequests = 4 })
	b := New("b", nil, withPriority(5), func(o *Options) { o.MaxConcurrentRequests = 4 })
	r := newRegistry(t, primary, a, b)

	ep, ok := r.GetAvailableEndpoint()
	require.True(t, ok)
	assert.Equal(t, "primary", ep.Name())

	primary.StartRequest() // at capacity (default max 1)
	a.StartRequest()
	a.StartRequest()
	b.StartRequest()

	ep, ok = r.GetAvailableEndpoint()
	require.True(t, ok)
	assert.Equal(t, "b", ep.Name())

	primary.CompleteRequest()
	ep, _ = r.GetAvailableEndpoint()
	assert.Equal(t, "primary", ep.Name())
}

func TestGetAvailableEndpoint_NoneIsNotAnError(t *testing.T) {
	only := New("only", nil)
	r := newRegistry(t, only)
	only.StartRequest()
	ep, ok := r.GetAvailableEndpoint()
	assert.False(t, ok)
	assert.Nil(t, ep)
}

func TestUpdateEndpointPerformance_DisablesAfterFourFailures(t *testing.T) {
	ep := New("flaky", nil, withPriority(5))
	backup := New("backup", nil, withPriority(1))
	r := newRegistry(t, ep, backup)

	for i := 0; i < 3; i++ {
		r.UpdateEndpointPerformance(ep, time.Second, false)
	}
	got, ok := r.GetAvailableEndpoint()
	require.True(t, ok)
	assert.Equal(t, "flaky", got.Name(), "three failures keep the endpoint enabled")

	r.UpdateEndpointPerformance(ep, time.Second, false)

	got, ok = r.GetAvailableEndpoint()
	require.True(t, ok)
	assert.Equal(t, "backup", got.Name())
	best, err := r.SelectBestEndpoint()
	require.NoError(t, err)
	assert.Equal(t, "backup", best.Name())

	require.NoError(t, r.Enable("flaky"))
	got, _ = r.GetAvailableEndpoint()
	assert.Equal(t, "flaky", got.Name())
	assert.Equal(t, 0, r.Status()[0].FailureCount)
}

func TestUpdateEndpointPerformance_SuccessResetsFailures(t *testing.T) {
	ep := New("ep", nil)
	r := newRegistry(t, ep)
	for i := 0; i < 3; i++ {
		r.UpdateEndpointPerformance(ep, time.Second, false)
	}
	r.UpdateEndpointPerformance(ep, 250*time.Millisecond, true)
	for i := 0; i < 3; i++ {
		r.UpdateEndpointPerformance(ep, time.Second, false)
	}

	st := r.Status()[0]
	assert.True(t, st.Enabled)
	assert.Equal(t, 3, st.FailureCount)
	assert.Equal(t, 1, st.SuccessCount)
}

func TestMarkEndpointAsFailed_Reselects(t *testing.T) {
	a := New("a", nil, withPriority(10))
	b := New("b", nil, withPriority(1))
	r := newRegistry(t, a, b)
	_, err := r.SelectBestEndpoint()
	require.NoError(t, err)

	r.MarkEndpointAsFailed(a)
	cur, ok := r.Current()
	require.True(t, ok)
	assert.Equal(t, "b", cur.Name())

	r.MarkEndpointAsFailed(b)
	_, ok = r.Current()
	assert.False(t, ok)
}

func TestEnable_UnknownEndpoint(t *testing.T) {
	r := NewRegistry()
	assert.ErrorIs(t, r.Enable("ghost"), core.ErrInvalidArgument)
}

func TestGetAvailableEndpointForRole(t *testing.T) {
	general := New("general", nil, withPriority(10))
	summarizer := New("summarizer", nil, withPriority(1), func(o *Options) { o.Roles = []string{"summarization"} })
	r := newRegistry(t, general, summarizer)

	ep, ok := r.GetAvailableEndpointForRole("summarization")
	require.True(t, ok)
	assert.Equal(t, "summarizer", ep.Name())

	summarizer.StartRequest()
	ep, ok = r.GetAvailableEndpointForRole("summarization")
	require.True(t, ok)
	assert.Equal(t, "general", ep.Name(), "falls back to any available endpoint")

	ep, _ = r.GetAvailableEndpointForRole("")
	assert.Equal(t, "general", ep.Name())
}

func TestHealthCheck(t *testing.T) {
	healthy := model.NewMockModel("m1", "mock")
	down := model.NewMockModel("m2", "mock")
	down.SetPingError(errors.New("connection refused"))
	configuredOff := model.NewMockModel("m3", "mock")

	recovering := New("recovering", healthy)
	failing := New("failing", down)
	off := New("off", configuredOff, func(o *Options) { o.Disabled = true })
	r := newRegistry(t, recovering, failing, off)

	r.UpdateEndpointPerformance(recovering, time.Second, false)
	r.MarkEndpointAsFailed(recovering)

	statuses := r.HealthCheck(context.Background())
	require.Len(t, statuses, 3)

	assert.True(t, statuses[0].Enabled, "healthy endpoint disabled by failures is re-enabled")
	assert.Equal(t, 0, statuses[0].FailureCount)
	assert.True(t, statuses[1].Enabled)
	assert.Equal(t, 1, statuses[1].FailureCount)
	assert.False(t, statuses[2].Enabled, "configured-off endpoint stays disabled")
}
