package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hupe1980/contextmesh/core"
	"github.com/hupe1980/contextmesh/endpoint"
	"github.com/hupe1980/contextmesh/logging"
	"github.com/hupe1980/contextmesh/memory"
	"github.com/hupe1980/contextmesh/model"
	"github.com/hupe1980/contextmesh/queue"
	"github.com/hupe1980/contextmesh/retrieval"
	"github.com/hupe1980/contextmesh/tokens"
	"github.com/hupe1980/contextmesh/tool"
)

const (
	// ErrorReply is the text handed to the user when a turn fails.
	ErrorReply = "An error occurred while processing your request."

	DefaultMaxToolIterations   = 5
	DefaultSessionLoadPriority = 2
	// SessionPriority is the score of conversation turns in ActiveSession.
	SessionPriority = 1.0
	// PreviousSessionPriority is the score of earlier session summaries.
	PreviousSessionPriority = 2.0
	// CorePriority is the score of seeded core memories.
	CorePriority = 1.0

	summarizationRole = "summarization"
)

// Recaller finds stored memories relevant to a query.
type Recaller interface {
	Rank(ctx context.Context, query, sessionID string) ([]retrieval.Result, error)
}

// Recorder persists finished turns so later sessions can recall them.
type Recorder interface {
	Record(ctx context.Context, sessionID, userText, assistantText string) error
}

// SessionSummary seeds RecentHistory with an earlier conversation.
type SessionSummary struct {
	SessionID string
	Summary   string
	CreatedAt time.Time
}

// Options configures an Engine.
type Options struct {
	// SystemPrompt opens every request.
	SystemPrompt string
	// ContextTokens is the model context size used to size GatherMemory.
	// Zero uses the memory manager's global budget.
	ContextTokens int
	// OverheadTokens is reserved for prompt scaffolding.
	OverheadTokens int
	// MaxToolIterations bounds model round trips caused by tool calls.
	MaxToolIterations int
	// ToolTimeout is the caller side wait per tool call (0: executor default).
	ToolTimeout time.Duration
	// MaxTokens caps the completion length (0: provider default).
	MaxTokens int
	Stream    bool

	InteractivePriority int
	SessionLoadPriority int
	SummaryPriority     int

	// Recaller populates the Recall pool before each turn. Optional.
	Recaller Recaller
	// Recorder stores each finished turn in the background. Optional.
	Recorder Recorder
	// Tools is exposed to the model. Optional; requires an Executor.
	Tools    *tool.Registry
	Executor *tool.Executor

	Callbacks *CallbackManager
	Estimator tokens.Estimator
	Logger    logging.Logger
}

// Engine is the orchestration context for conversation turns. It is built
// once and owns the memory manager, the job queue, the endpoint dispatcher and
// the tool executor; nothing in the turn path reaches for package state.
//
// A turn runs as one job on the priority queue, so at most one interactive
// model call is in flight. Summaries of evicted conversation text are produced
// by background jobs on the same queue and therefore never overtake a turn.
type Engine struct {
	opts       Options
	memory     *memory.Manager
	queue      *queue.Queue
	dispatcher *endpoint.Dispatcher
	summarizer *endpoint.Dispatcher

	startOnce sync.Once
	closeOnce sync.Once
}

// New wires an Engine. The queue and the memory manager's summarization
// worker are started by Start.
func New(mem *memory.Manager, q *queue.Queue, d *endpoint.Dispatcher, optFns ...func(o *Options)) *Engine {
	opts := Options{
		OverheadTokens:      memory.OverheadTokens,
		MaxToolIterations:   DefaultMaxToolIterations,
		InteractivePriority: queue.PriorityInteractive,
		SessionLoadPriority: DefaultSessionLoadPriority,
		SummaryPriority:     queue.PriorityBackground,
		Estimator:           tokens.CharEstimator{},
		Logger:              logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.ContextTokens <= 0 {
		opts.ContextTokens = mem.GlobalTokenBudget()
	}
	if opts.MaxToolIterations < 0 {
		opts.MaxToolIterations = 0
	}
	if opts.Callbacks == nil {
		opts.Callbacks = NewCallbackManager()
	}
	opts.Logger = logging.OrNoOp(opts.Logger)

	return &Engine{
		opts:       opts,
		memory:     mem,
		queue:      q,
		dispatcher: d,
		summarizer: d.WithRole(summarizationRole),
	}
}

// Memory returns the memory manager.
func (e *Engine) Memory() *memory.Manager { return e.memory }

// Registry returns the endpoint registry.
func (e *Engine) Registry() *endpoint.Registry { return e.dispatcher.Registry() }

// Callbacks returns the callback manager for hook registration.
func (e *Engine) Callbacks() *CallbackManager { return e.opts.Callbacks }

// Start launches the job queue dispatcher and the summarization worker.
func (e *Engine) Start(ctx context.Context) {
	e.startOnce.Do(func() {
		e.queue.Start(ctx)
		e.memory.Start(ctx)
	})
}

// Close stops background work: the summarization worker first (it may be
// waiting on a queue job), then the queue, then the tool executor.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		e.memory.Close()
		e.queue.Stop()
		if e.opts.Executor != nil {
			e.opts.Executor.Close()
		}
	})
}

// Turn answers text within sessionID. On failure it returns ErrorReply
// together with the cause.
func (e *Engine) Turn(ctx context.Context, sessionID, text string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("%w: empty message", core.ErrInvalidArgument)
	}
	reply, err := queue.Do(ctx, e.queue, e.opts.InteractivePriority, func(ctx context.Context) (string, error) {
		return e.turn(ctx, sessionID, text)
	})
	if err != nil {
		e.opts.Logger.Error("engine.turn.failed", "session_id", sessionID, "error", err.Error())
		_ = e.opts.Callbacks.ExecuteCallbacks(ctx, CallbackOnError, &CallbackContext{SessionID: sessionID, Err: err})
		return ErrorReply, err
	}
	return reply, nil
}

func (e *Engine) turn(ctx context.Context, sessionID, text string) (string, error) {
	start := time.Now()
	e.recall(ctx, sessionID, text)

	budget := max(e.opts.ContextTokens-e.opts.Estimator.Estimate(text)-e.opts.OverheadTokens, 0)
	items := e.memory.GatherMemory(budget)

	req, err := e.buildRequest(items, text)
	if err != nil {
		return "", err
	}

	reply, err := e.converse(ctx, sessionID, req)
	if err != nil {
		return "", err
	}

	e.remember(sessionID, core.RoleUser, text)
	e.remember(sessionID, core.RoleAssistant, reply)
	e.record(ctx, sessionID, text, reply)

	e.opts.Logger.Info("engine.turn.completed",
		"session_id", sessionID,
		"memory_items", len(items),
		"memory_budget", budget,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return reply, nil
}

// recall moves ranked memories into the Recall pool. Failures only shrink
// the context, they never fail the turn.
func (e *Engine) recall(ctx context.Context, sessionID, text string) {
	if e.opts.Recaller == nil {
		return
	}
	results, err := e.opts.Recaller.Rank(ctx, text, sessionID)
	if err != nil {
		e.opts.Logger.Warn("engine.recall.failed", "session_id", sessionID, "error", err.Error())
		return
	}
	for _, r := range results {
		if err := e.memory.AddMemory(memory.PoolRecall, memory.Item{
			Text:          r.Candidate.Text,
			PriorityScore: r.Score,
			SessionRole:   core.RoleSystem,
			SessionID:     r.Candidate.SessionID,
		}); err != nil {
			e.opts.Logger.Warn("engine.recall.store_failed", "error", err.Error())
			return
		}
	}
	e.opts.Logger.Debug("engine.recall", "session_id", sessionID, "results", len(results))
}

func (e *Engine) buildRequest(items []memory.Item, text string) (model.Request, error) {
	sections, history := splitMemory(items)
	memoryText, err := renderMemory(sections)
	if err != nil {
		return model.Request{}, fmt.Errorf("render memory: %w", err)
	}

	req := model.Request{
		Instructions: e.opts.SystemPrompt,
		Stream:       e.opts.Stream,
		MaxTokens:    e.opts.MaxTokens,
	}
	if strings.TrimSpace(memoryText) != "" {
		req.Contents = append(req.Contents, core.NewTextContent(core.RoleSystem, memoryText))
	}
	req.Contents = append(req.Contents, historyContents(history)...)
	req.Contents = append(req.Contents, core.NewTextContent(core.RoleUser, text))
	if e.opts.Tools != nil && e.opts.Executor != nil {
		req.Tools = e.opts.Tools.Definitions()
	}
	return req, nil
}

// converse dispatches req and keeps folding tool results back into the
// conversation until the model answers without tool calls or the iteration
// limit is reached.
func (e *Engine) converse(ctx context.Context, sessionID string, req model.Request) (string, error) {
	for iteration := 0; ; iteration++ {
		resp, err := e.generate(ctx, sessionID, &req)
		if err != nil {
			return "", err
		}

		calls := resp.Content.FunctionCalls()
		if len(calls) == 0 || e.opts.Executor == nil || iteration >= e.opts.MaxToolIterations {
			if len(calls) > 0 {
				e.opts.Logger.Warn("engine.tools.limit", "session_id", sessionID, "iterations", iteration)
			}
			return resp.Content.Text(), nil
		}

		assistant := resp.Content
		assistant.Role = core.RoleAssistant
		req.Contents = append(req.Contents, assistant)
		req.Contents = append(req.Contents, e.runTools(ctx, sessionID, calls))
	}
}

func (e *Engine) generate(ctx context.Context, sessionID string, req *model.Request) (model.Response, error) {
	if err := e.opts.Callbacks.ExecuteCallbacks(ctx, CallbackBeforeModel, &CallbackContext{SessionID: sessionID, Request: req}); err != nil {
		return model.Response{}, fmt.Errorf("before model callback: %w", err)
	}
	resp, err := e.dispatcher.Generate(ctx, *req)
	if err != nil {
		return model.Response{}, err
	}
	if cbErr := e.opts.Callbacks.ExecuteCallbacks(ctx, CallbackAfterModel, &CallbackContext{SessionID: sessionID, Request: req, Response: &resp}); cbErr != nil {
		e.opts.Logger.Warn("engine.callback.failed", "callback", string(CallbackAfterModel), "error", cbErr.Error())
	}
	return resp, nil
}

// runTools queues every call on the executor and returns the outputs, in
// call order, as one tool message.
func (e *Engine) runTools(ctx context.Context, sessionID string, calls []core.FunctionCall) core.Content {
	results := make([]core.FunctionResponse, len(calls))
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(i int, call core.FunctionCall) {
			defer wg.Done()
			results[i] = e.runTool(ctx, sessionID, call)
		}(i, call)
	}
	wg.Wait()

	parts := make([]core.Part, len(results))
	for i, r := range results {
		parts[i] = core.FunctionResponsePart{FunctionResponse: r}
	}
	return core.Content{Role: core.RoleTool, Parts: parts}
}

func (e *Engine) runTool(ctx context.Context, sessionID string, call core.FunctionCall) core.FunctionResponse {
	if call.ID == "" {
		call.ID = core.NewID()
	}
	if err := e.opts.Callbacks.ExecuteCallbacks(ctx, CallbackBeforeTool, &CallbackContext{SessionID: sessionID, Call: &call}); err != nil {
		return core.FunctionResponse{
			ID:     call.ID,
			Name:   call.Name,
			Output: rejectedPayload(err),
		}
	}
	result := e.opts.Executor.Queue(ctx, call, e.opts.ToolTimeout)
	// the model correlates by the id it sent
	result.ID = call.ID
	if err := e.opts.Callbacks.ExecuteCallbacks(ctx, CallbackAfterTool, &CallbackContext{SessionID: sessionID, Call: &call, Result: &result}); err != nil {
		e.opts.Logger.Warn("engine.callback.failed", "callback", string(CallbackAfterTool), "error", err.Error())
	}
	return result
}

func rejectedPayload(err error) string {
	b, _ := json.Marshal(map[string]string{"error": "Function call rejected: " + err.Error()})
	return string(b)
}

func (e *Engine) remember(sessionID, role, text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	if err := e.memory.AddMemory(memory.PoolActiveSession, memory.Item{
		Text:          text,
		PriorityScore: SessionPriority,
		SessionRole:   role,
		SessionID:     sessionID,
	}); err != nil {
		e.opts.Logger.Warn("engine.memory.add_failed", "pool", memory.PoolActiveSession, "error", err.Error())
	}
}

func (e *Engine) record(ctx context.Context, sessionID, userText, reply string) {
	if e.opts.Recorder == nil {
		return
	}
	e.queue.EnqueueDetached(context.WithoutCancel(ctx), e.opts.SummaryPriority, "record_turn", func(ctx context.Context) (any, error) {
		return nil, e.opts.Recorder.Record(ctx, sessionID, userText, reply)
	})
}

// Summarize implements memory.Summarizer. The model call runs as a background
// job so it waits behind interactive turns.
func (e *Engine) Summarize(ctx context.Context, text string) (string, error) {
	return queue.Do(ctx, e.queue, e.opts.SummaryPriority, func(ctx context.Context) (string, error) {
		resp, err := e.summarizer.Generate(ctx, model.Request{
			Instructions: summaryInstructions,
			Contents:     []core.Content{core.NewTextContent(core.RoleUser, text)},
			MaxTokens:    e.opts.MaxTokens,
		})
		if err != nil {
			return "", fmt.Errorf("summarize: %w", err)
		}
		return strings.TrimSpace(resp.Content.Text()), nil
	})
}

// LoadPreviousSessions seeds RecentHistory with summaries of earlier
// sessions. The inserts run as a queue job ahead of background work.
func (e *Engine) LoadPreviousSessions(ctx context.Context, sessions []SessionSummary) error {
	_, err := queue.Do(ctx, e.queue, e.opts.SessionLoadPriority, func(context.Context) (int, error) {
		loaded := 0
		for _, s := range sessions {
			if strings.TrimSpace(s.Summary) == "" {
				continue
			}
			if err := e.memory.AddMemory(memory.PoolRecentHistory, memory.Item{
				Text:          s.Summary,
				PriorityScore: PreviousSessionPriority,
				SessionRole:   core.RoleSystem,
				SessionID:     s.SessionID,
				Timestamp:     s.CreatedAt,
			}); err != nil {
				return loaded, err
			}
			loaded++
		}
		e.opts.Logger.Info("engine.sessions.loaded", "count", loaded)
		return loaded, nil
	})
	return err
}

// LoadCoreMemories seeds the Core pool.
func (e *Engine) LoadCoreMemories(texts ...string) error {
	var errs []error
	for _, text := range texts {
		if strings.TrimSpace(text) == "" {
			continue
		}
		if err := e.memory.AddMemory(memory.PoolCore, memory.Item{
			Text:          text,
			PriorityScore: CorePriority,
			SessionRole:   core.RoleSystem,
		}); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
