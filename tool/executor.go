package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/hupe1980/contextmesh/core"
	"github.com/hupe1980/contextmesh/internal/util"
	"github.com/hupe1980/contextmesh/logging"
)

const (
	DefaultQueueSize     = 100
	DefaultMaxConcurrent = 3
	DefaultMaxRetries    = 2
	DefaultRetryBackoff  = 500 * time.Millisecond
	DefaultTimeout       = 30 * time.Second
)

// ErrExecutorClosed is reported for calls made after Close.
var ErrExecutorClosed = errors.New("tool executor closed")

// ExecutorOptions configures an Executor.
type ExecutorOptions struct {
	// QueueSize bounds waiting calls; producers block when it is full.
	QueueSize int
	// MaxConcurrent bounds simultaneous executions.
	MaxConcurrent int
	// MaxRetries is the number of extra attempts after a failure.
	MaxRetries int
	// RetryBackoff is multiplied by the attempt number before each retry.
	RetryBackoff time.Duration
	// DefaultTimeout applies when Queue is called with a zero timeout.
	DefaultTimeout time.Duration
	Logger         logging.Logger
}

type request struct {
	id       string
	call     core.FunctionCall
	done     chan string
	queuedAt time.Time
}

// Executor runs tool calls in the background. A single dispatcher drains the
// bounded queue and starts one execution per call once a concurrency slot is
// free. Callers wait with a timeout; a call that times out is abandoned, not
// cancelled, and its late result is discarded.
type Executor struct {
	opts     ExecutorOptions
	tools    Resolver
	requests chan *request
	sem      chan struct{}

	mu      sync.Mutex
	pending map[string]*request

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewExecutor creates an Executor over tools and starts its dispatcher.
func NewExecutor(tools Resolver, optFns ...func(o *ExecutorOptions)) *Executor {
	opts := ExecutorOptions{
		QueueSize:      DefaultQueueSize,
		MaxConcurrent:  DefaultMaxConcurrent,
		MaxRetries:     DefaultMaxRetries,
		RetryBackoff:   DefaultRetryBackoff,
		DefaultTimeout: DefaultTimeout,
		Logger:         logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.QueueSize < 1 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.MaxConcurrent < 1 {
		opts.MaxConcurrent = DefaultMaxConcurrent
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	opts.Logger = logging.OrNoOp(opts.Logger)

	ctx, cancel := context.WithCancel(context.Background())
	e := &Executor{
		opts:     opts,
		tools:    tools,
		requests: make(chan *request, opts.QueueSize),
		sem:      make(chan struct{}, opts.MaxConcurrent),
		pending:  make(map[string]*request),
		ctx:      ctx,
		cancel:   cancel,
	}
	e.wg.Add(1)
	go e.dispatch()
	return e
}

// Queue runs call and waits up to timeout (DefaultTimeout when zero) for its
// output. It never fails: errors, timeouts and cancellation come back as a
// JSON {"error": ...} payload in Output. The response ID is the call's ID, or
// a generated one when the call had none (or it is already in flight).
func (e *Executor) Queue(ctx context.Context, call core.FunctionCall, timeout time.Duration) core.FunctionResponse {
	if timeout <= 0 {
		timeout = e.opts.DefaultTimeout
	}
	req := e.register(call)
	resp := core.FunctionResponse{ID: req.id, Name: call.Name}

	// blocking send: a full queue pushes back on the producer
	select {
	case e.requests <- req:
	case <-ctx.Done():
		e.unregister(req)
		resp.Output = errorPayload("Function call cancelled: " + call.Name)
		return resp
	case <-e.ctx.Done():
		e.unregister(req)
		resp.Output = errorPayload(ErrExecutorClosed.Error())
		return resp
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case out := <-req.done:
		resp.Output = out
	case <-timer.C:
		e.unregister(req)
		e.opts.Logger.Warn("tool.call.timeout", "tool", call.Name, "call_id", req.id, "timeout", timeout)
		resp.Output = errorPayload("Function call timeout: " + call.Name)
	case <-ctx.Done():
		e.unregister(req)
		resp.Output = errorPayload("Function call cancelled: " + call.Name)
	case <-e.ctx.Done():
		e.unregister(req)
		resp.Output = errorPayload(ErrExecutorClosed.Error())
	}
	return resp
}

// IsPending reports whether a call is registered and has not yet completed
// or been abandoned.
func (e *Executor) IsPending(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.pending[id]
	return ok
}

// Pending returns the number of registered calls.
func (e *Executor) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// Close stops the dispatcher, cancels the context handed to running tools and
// waits for every execution to return.
func (e *Executor) Close() {
	e.closeOnce.Do(e.cancel)
	e.wg.Wait()
}

func (e *Executor) register(call core.FunctionCall) *request {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := call.ID
	if _, taken := e.pending[id]; id == "" || taken {
		id = core.NewID()
	}
	call.ID = id
	req := &request{id: id, call: call, done: make(chan string, 1), queuedAt: time.Now()}
	e.pending[id] = req
	return req
}

// unregister drops req from the pending table. An abandoned call's id may
// already belong to a newer call; that entry is left alone.
func (e *Executor) unregister(req *request) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pending[req.id] == req {
		delete(e.pending, req.id)
	}
}

func (e *Executor) dispatch() {
	defer e.wg.Done()
	for {
		select {
		case <-e.ctx.Done():
			return
		case req := <-e.requests:
			select {
			case e.sem <- struct{}{}:
			case <-e.ctx.Done():
				e.finish(req, errorPayload(ErrExecutorClosed.Error()))
				return
			}
			e.wg.Add(1)
			go e.execute(req)
		}
	}
}

func (e *Executor) execute(req *request) {
	defer e.wg.Done()
	defer func() { <-e.sem }()

	e.opts.Logger.Debug("tool.call.start", "tool", req.call.Name, "call_id", req.id, "queued_ms", time.Since(req.queuedAt).Milliseconds())
	start := time.Now()
	out, attempts, err := e.runWithRetry(req.call)
	logging.LogToolCall(e.opts.Logger, req.call.Name, attempts, time.Since(start), err)
	if err != nil {
		out = failurePayload(err)
	}
	e.finish(req, out)
}

// finish de-registers before delivering so a returned Queue call is never
// observed as pending.
func (e *Executor) finish(req *request, out string) {
	e.unregister(req)
	req.done <- out
}

func (e *Executor) runWithRetry(call core.FunctionCall) (string, int, error) {
	var (
		lastErr  error
		attempts int
	)
	for attempt := 0; attempt <= e.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := util.Sleep(e.ctx, util.LinearBackoff(e.opts.RetryBackoff, attempt)); err != nil {
				return "", attempts, lastErr
			}
		}
		attempts++
		out, err := e.callOnce(call)
		if err == nil {
			return out, attempts, nil
		}
		lastErr = err
		var toolErr *ToolError
		if errors.As(err, &toolErr) && !toolErr.retryable() {
			break
		}
	}
	return "", attempts, lastErr
}

func (e *Executor) callOnce(call core.FunctionCall) (out string, err error) {
	impl, ok := e.tools.Lookup(call.Name)
	if !ok {
		return "", &ToolError{Tool: call.Name, Message: "tool not found", Code: CodeNotFound, err: core.ErrToolNotFound}
	}

	args := map[string]any{}
	if call.Arguments != "" {
		if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
			return "", &ToolError{
				Tool:    call.Name,
				Message: fmt.Sprintf("failed to unmarshal args: %v", err),
				Code:    CodeBadArgs,
				err:     fmt.Errorf("%w: %w", core.ErrInvalidArgument, err),
			}
		}
	}

	defer func() {
		if r := recover(); r != nil {
			err = panicError(r)
			e.opts.Logger.Error("tool.call.panic", "tool", call.Name, "recover", r)
		}
	}()
	result, err := impl.Call(e.ctx, args)
	if err != nil {
		return "", err
	}
	return encodeResult(result)
}

// encodeResult renders tool output as the string handed back to the model.
func encodeResult(v any) (string, error) {
	switch r := v.(type) {
	case nil:
		return "", nil
	case string:
		return r, nil
	case []byte:
		return string(r), nil
	case json.RawMessage:
		return string(r), nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode tool result: %w", err)
	}
	return string(b), nil
}

func errorPayload(msg string) string {
	b, _ := json.Marshal(map[string]string{"error": msg})
	return string(b)
}

func failurePayload(err error) string {
	payload := map[string]string{"error": "Execution failed: " + err.Error()}
	var toolErr *ToolError
	if errors.As(err, &toolErr) {
		payload["error"] = "Execution failed: " + toolErr.Message
		if toolErr.Code != "" {
			payload["code"] = toolErr.Code
		}
	}
	b, _ := json.Marshal(payload)
	return string(b)
}

// panicError converts a recovered panic value to an error.
func panicError(r any) error { return &panicErr{val: r, stack: debug.Stack()} }

type panicErr struct {
	val   any
	stack []byte
}

func (p *panicErr) Error() string { return fmt.Sprintf("panic recovered: %v", p.val) }
