package tool

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hupe1980/contextmesh/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestExecutor(t *testing.T, tools Resolver, optFns ...func(o *ExecutorOptions)) *Executor {
	t.Helper()
	fns := append([]func(o *ExecutorOptions){func(o *ExecutorOptions) {
		o.RetryBackoff = 5 * time.Millisecond
	}}, optFns...)
	e := NewExecutor(tools, fns...)
	t.Cleanup(e.Close)
	return e
}

func decodePayload(t *testing.T, out string) map[string]string {
	t.Helper()
	var payload map[string]string
	if err := json.Unmarshal([]byte(out), &payload); err != nil {
		t.Fatalf("expected JSON payload, got %q: %v", out, err)
	}
	return payload
}

func TestExecutor_Success(t *testing.T) {
	e := newTestExecutor(t, NewRegistry(sumTool()))

	resp := e.Queue(context.Background(), core.FunctionCall{ID: "c1", Name: "sum", Arguments: `{"a":2,"b":3}`}, time.Second)
	assert.Equal(t, "c1", resp.ID)
	assert.Equal(t, "sum", resp.Name)
	assert.Equal(t, "5", resp.Output)
	assert.False(t, e.IsPending("c1"))
}

func TestExecutor_StringResultIsPassedVerbatim(t *testing.T) {
	echo := NewFunctionTool("echo", "", nil, func(context.Context, map[string]any) (any, error) {
		return "plain text", nil
	})
	e := newTestExecutor(t, NewRegistry(echo))

	resp := e.Queue(context.Background(), core.FunctionCall{Name: "echo"}, time.Second)
	assert.Equal(t, "plain text", resp.Output)
	assert.NotEmpty(t, resp.ID)
}

func TestExecutor_AlwaysFailingToolRetriesThenReportsError(t *testing.T) {
	var calls atomic.Int32
	flaky := NewFunctionTool("flaky", "", nil, func(context.Context, map[string]any) (any, error) {
		calls.Add(1)
		return nil, errors.New("boom")
	})
	e := newTestExecutor(t, NewRegistry(flaky))

	start := time.Now()
	resp := e.Queue(context.Background(), core.FunctionCall{ID: "f1", Name: "flaky"}, 5*time.Second)
	elapsed := time.Since(start)

	payload := decodePayload(t, resp.Output)
	assert.Equal(t, "Execution failed: boom", payload["error"])
	assert.Equal(t, CodeExecution, payload["code"])
	assert.Equal(t, int32(DefaultMaxRetries+1), calls.Load())
	// backoff is 5ms then 10ms
	assert.Less(t, elapsed, 2*time.Second)
	assert.False(t, e.IsPending("f1"))
}

func TestExecutor_EventualSuccess(t *testing.T) {
	var calls atomic.Int32
	flaky := NewFunctionTool("flaky", "", nil, func(context.Context, map[string]any) (any, error) {
		if calls.Add(1) < 3 {
			return nil, errors.New("transient")
		}
		return map[string]any{"ok": true}, nil
	})
	e := newTestExecutor(t, NewRegistry(flaky))

	resp := e.Queue(context.Background(), core.FunctionCall{Name: "flaky"}, 5*time.Second)
	assert.JSONEq(t, `{"ok":true}`, resp.Output)
	assert.Equal(t, int32(3), calls.Load())
}

func TestExecutor_TimeoutAbandonsCall(t *testing.T) {
	release := make(chan struct{})
	finished := make(chan struct{})
	slow := NewFunctionTool("slow", "", nil, func(context.Context, map[string]any) (any, error) {
		defer close(finished)
		<-release
		return "late", nil
	})
	e := newTestExecutor(t, NewRegistry(slow))

	resp := e.Queue(context.Background(), core.FunctionCall{ID: "s1", Name: "slow"}, 20*time.Millisecond)
	payload := decodePayload(t, resp.Output)
	assert.Equal(t, "Function call timeout: slow", payload["error"])
	assert.False(t, e.IsPending("s1"))

	close(release)
	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("abandoned call did not run to completion")
	}
	require.Eventually(t, func() bool { return e.Pending() == 0 }, time.Second, 5*time.Millisecond)
}

func TestExecutor_CallerCancellation(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	slow := NewFunctionTool("slow", "", nil, func(context.Context, map[string]any) (any, error) {
		<-block
		return nil, nil
	})
	e := newTestExecutor(t, NewRegistry(slow))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	resp := e.Queue(ctx, core.FunctionCall{Name: "slow"}, time.Minute)
	assert.Equal(t, "Function call cancelled: slow", decodePayload(t, resp.Output)["error"])
}

func TestExecutor_BoundsConcurrency(t *testing.T) {
	var active, peak atomic.Int32
	work := NewFunctionTool("work", "", nil, func(context.Context, map[string]any) (any, error) {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		active.Add(-1)
		return "done", nil
	})
	e := newTestExecutor(t, NewRegistry(work), func(o *ExecutorOptions) { o.MaxConcurrent = 2 })

	var wg sync.WaitGroup
	outputs := make([]string, 6)
	for i := range outputs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outputs[i] = e.Queue(context.Background(), core.FunctionCall{Name: "work"}, 5*time.Second).Output
		}(i)
	}
	wg.Wait()

	for _, out := range outputs {
		assert.Equal(t, "done", out)
	}
	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Equal(t, int32(2), peak.Load())
}

func TestExecutor_UnknownToolIsNotRetried(t *testing.T) {
	e := newTestExecutor(t, NewRegistry(), func(o *ExecutorOptions) { o.RetryBackoff = time.Hour })

	resp := e.Queue(context.Background(), core.FunctionCall{Name: "missing"}, time.Second)
	payload := decodePayload(t, resp.Output)
	assert.Equal(t, CodeNotFound, payload["code"])
	assert.Contains(t, payload["error"], "tool not found")
}

func TestExecutor_MalformedArguments(t *testing.T) {
	var calls atomic.Int32
	counted := NewFunctionTool("counted", "", nil, func(context.Context, map[string]any) (any, error) {
		calls.Add(1)
		return nil, nil
	})
	e := newTestExecutor(t, NewRegistry(counted), func(o *ExecutorOptions) { o.RetryBackoff = time.Hour })

	resp := e.Queue(context.Background(), core.FunctionCall{Name: "counted", Arguments: "{not json"}, time.Second)
	assert.Equal(t, CodeBadArgs, decodePayload(t, resp.Output)["code"])
	assert.Equal(t, int32(0), calls.Load())
}

func TestExecutor_ValidationErrorIsNotRetried(t *testing.T) {
	e := newTestExecutor(t, NewRegistry(sumTool()), func(o *ExecutorOptions) { o.RetryBackoff = time.Hour })

	resp := e.Queue(context.Background(), core.FunctionCall{Name: "sum", Arguments: `{"a":1}`}, time.Second)
	assert.Equal(t, CodeValidation, decodePayload(t, resp.Output)["code"])
}

func TestExecutor_PanicIsRecovered(t *testing.T) {
	bad := NewFunctionTool("bad", "", nil, func(context.Context, map[string]any) (any, error) {
		panic("nil map")
	})
	e := newTestExecutor(t, NewRegistry(bad), func(o *ExecutorOptions) { o.MaxRetries = 0 })

	resp := e.Queue(context.Background(), core.FunctionCall{Name: "bad"}, time.Second)
	assert.Contains(t, decodePayload(t, resp.Output)["error"], "panic recovered: nil map")

	// executor still serves calls afterwards
	e2 := e.Queue(context.Background(), core.FunctionCall{Name: "bad"}, time.Second)
	assert.Contains(t, e2.Output, "panic recovered")
}

func TestExecutor_DuplicateIDGetsFreshOne(t *testing.T) {
	block := make(chan struct{})
	slow := NewFunctionTool("slow", "", nil, func(context.Context, map[string]any) (any, error) {
		<-block
		return "ok", nil
	})
	e := newTestExecutor(t, NewRegistry(slow))

	first := make(chan core.FunctionResponse, 1)
	go func() {
		first <- e.Queue(context.Background(), core.FunctionCall{ID: "dup", Name: "slow"}, 5*time.Second)
	}()
	require.Eventually(t, func() bool { return e.IsPending("dup") }, time.Second, time.Millisecond)

	second := make(chan core.FunctionResponse, 1)
	go func() {
		second <- e.Queue(context.Background(), core.FunctionCall{ID: "dup", Name: "slow"}, 5*time.Second)
	}()
	require.Eventually(t, func() bool { return e.Pending() == 2 }, time.Second, time.Millisecond)
	close(block)

	assert.Equal(t, "dup", (<-first).ID)
	r2 := <-second
	assert.NotEqual(t, "dup", r2.ID)
	assert.Equal(t, "ok", r2.Output)
}

func TestExecutor_Close(t *testing.T) {
	waiting := NewFunctionTool("waiting", "", nil, func(ctx context.Context, _ map[string]any) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	e := NewExecutor(NewRegistry(waiting))

	done := make(chan core.FunctionResponse, 1)
	go func() {
		done <- e.Queue(context.Background(), core.FunctionCall{Name: "waiting"}, time.Minute)
	}()
	require.Eventually(t, func() bool { return e.Pending() == 1 }, time.Second, time.Millisecond)

	e.Close()
	select {
	case resp := <-done:
		assert.NotEmpty(t, decodePayload(t, resp.Output)["error"])
	case <-time.After(time.Second):
		t.Fatal("Queue did not return after Close")
	}

	resp := e.Queue(context.Background(), core.FunctionCall{Name: "waiting"}, time.Second)
	assert.Equal(t, ErrExecutorClosed.Error(), decodePayload(t, resp.Output)["error"])
	e.Close()
}

func TestExecutor_AbandonedCallDoesNotUnregisterReusedID(t *testing.T) {
	gates := map[float64]chan struct{}{1: make(chan struct{}), 2: make(chan struct{})}
	started := make(chan float64, 2)
	gated := NewFunctionTool("gated", "", nil, func(_ context.Context, args map[string]any) (any, error) {
		n := args["n"].(float64)
		started <- n
		<-gates[n]
		return n, nil
	})
	// one slot: the second execution can only start once the first has finished
	e := newTestExecutor(t, NewRegistry(gated), func(o *ExecutorOptions) { o.MaxConcurrent = 1 })

	first := e.Queue(context.Background(), core.FunctionCall{ID: "x", Name: "gated", Arguments: `{"n":1}`}, 20*time.Millisecond)
	assert.Equal(t, "x", first.ID)
	assert.Equal(t, "Function call timeout: gated", decodePayload(t, first.Output)["error"])
	require.Equal(t, float64(1), <-started)
	require.False(t, e.IsPending("x"))

	second := make(chan core.FunctionResponse, 1)
	go func() {
		second <- e.Queue(context.Background(), core.FunctionCall{ID: "x", Name: "gated", Arguments: `{"n":2}`}, 5*time.Second)
	}()
	require.Eventually(t, func() bool { return e.IsPending("x") }, time.Second, time.Millisecond)

	close(gates[1])
	select {
	case n := <-started:
		require.Equal(t, float64(2), n)
	case <-time.After(time.Second):
		t.Fatal("second call did not start")
	}
	assert.True(t, e.IsPending("x"))
	assert.Equal(t, 1, e.Pending())

	// the id is still taken, so a third call gets a fresh one
	third := e.Queue(context.Background(), core.FunctionCall{ID: "x", Name: "gated", Arguments: `{"n":1}`}, 20*time.Millisecond)
	assert.NotEqual(t, "x", third.ID)

	close(gates[2])
	r2 := <-second
	assert.Equal(t, "x", r2.ID)
	assert.Equal(t, "2", r2.Output)
	require.Eventually(t, func() bool { return !e.IsPending("x") }, time.Second, time.Millisecond)
}

func TestExecutor_FullQueueBlocksProducers(t *testing.T) {
	gate := make(chan struct{})
	var runs atomic.Int32
	blocked := NewFunctionTool("blocked", "", nil, func(context.Context, map[string]any) (any, error) {
		runs.Add(1)
		<-gate
		return "ok", nil
	})
	e := newTestExecutor(t, NewRegistry(blocked), func(o *ExecutorOptions) {
		o.QueueSize = 1
		o.MaxConcurrent = 1
	})

	results := make(chan core.FunctionResponse, 4)
	queue := func(id string) {
		results <- e.Queue(context.Background(), core.FunctionCall{ID: id, Name: "blocked"}, 5*time.Second)
	}
	go queue("a")
	require.Eventually(t, func() bool { return runs.Load() == 1 }, time.Second, time.Millisecond)

	// one call waits on the dispatcher for the slot, one fills the buffer and
	// the last producer has nowhere to put its call
	for _, id := range []string{"b", "c", "d"} {
		go queue(id)
	}
	require.Eventually(t, func() bool {
		return e.Pending() == 4 && len(e.requests) == cap(e.requests)
	}, time.Second, time.Millisecond)
	require.Never(t, func() bool { return len(results) > 0 }, 50*time.Millisecond, 5*time.Millisecond)
	assert.Equal(t, int32(1), runs.Load())

	close(gate)
	ids := map[string]bool{}
	for i := 0; i < 4; i++ {
		select {
		case r := <-results:
			assert.Equal(t, "ok", r.Output)
			ids[r.ID] = true
		case <-time.After(2 * time.Second):
			t.Fatal("call was dropped")
		}
	}
	assert.Len(t, ids, 4)
	assert.Equal(t, int32(4), runs.Load())
	assert.Equal(t, 0, e.Pending())
}
