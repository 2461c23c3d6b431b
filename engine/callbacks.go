package engine

import (
	"context"
	"sync"

	"github.com/hupe1980/contextmesh/core"
	"github.com/hupe1980/contextmesh/logging"
	"github.com/hupe1980/contextmesh/model"
)

// CallbackType defines the lifecycle points of a turn where callbacks run.
//
// Callbacks run synchronously. A Before* callback returning an error aborts
// the operation it guards; errors from After* and OnError callbacks are
// logged and otherwise ignored.
type CallbackType string

const (
	// CallbackBeforeModel runs before every dispatch of a model request.
	CallbackBeforeModel CallbackType = "before_model"

	// CallbackAfterModel runs after a model response was received.
	CallbackAfterModel CallbackType = "after_model"

	// CallbackBeforeTool runs before a tool call is queued on the executor.
	CallbackBeforeTool CallbackType = "before_tool"

	// CallbackAfterTool runs once the tool output (or error payload) is known.
	CallbackAfterTool CallbackType = "after_tool"

	// CallbackOnError runs when a turn fails.
	CallbackOnError CallbackType = "on_error"
)

// CallbackContext carries the data relevant to one callback invocation.
// Fields that do not apply to the callback type are nil.
type CallbackContext struct {
	CallbackType CallbackType
	SessionID    string

	// Request is the outgoing model request. Before-model callbacks may
	// modify it in place.
	Request  *model.Request
	Response *model.Response

	Call   *core.FunctionCall
	Result *core.FunctionResponse

	Err error

	// Metadata is free-form storage for callback implementations.
	Metadata map[string]any
}

// Callback is a turn lifecycle hook.
type Callback interface {
	Type() CallbackType
	Execute(ctx context.Context, callbackCtx *CallbackContext) error
}

// FunctionCallback wraps a function as a callback implementation.
//
// Example:
//
//	audit := NewFunctionCallback(
//	    CallbackBeforeTool,
//	    func(ctx context.Context, cc *CallbackContext) error {
//	        log.Printf("tool %s requested", cc.Call.Name)
//	        return nil
//	    },
//	)
type FunctionCallback struct {
	callbackType CallbackType
	fn           func(ctx context.Context, callbackCtx *CallbackContext) error
}

// NewFunctionCallback creates a new function-based callback.
func NewFunctionCallback(
	callbackType CallbackType,
	fn func(ctx context.Context, callbackCtx *CallbackContext) error,
) *FunctionCallback {
	return &FunctionCallback{
		callbackType: callbackType,
		fn:           fn,
	}
}

// Type returns the callback type this function handles.
func (c *FunctionCallback) Type() CallbackType { return c.callbackType }

// Execute calls the wrapped function with the provided context.
func (c *FunctionCallback) Execute(ctx context.Context, callbackCtx *CallbackContext) error {
	return c.fn(ctx, callbackCtx)
}

// CallbackManager routes callbacks by type. Callbacks of one type run in
// registration order; the first error stops the chain.
//
// Tool callbacks run from several goroutines at once, so registration and
// execution are guarded.
type CallbackManager struct {
	mu        sync.RWMutex
	callbacks map[CallbackType][]Callback
}

// NewCallbackManager creates an empty callback manager.
func NewCallbackManager() *CallbackManager {
	return &CallbackManager{
		callbacks: make(map[CallbackType][]Callback),
	}
}

// RegisterCallback adds a callback for its type.
func (cm *CallbackManager) RegisterCallback(callback Callback) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	callbackType := callback.Type()
	cm.callbacks[callbackType] = append(cm.callbacks[callbackType], callback)
}

// ExecuteCallbacks runs every callback registered for callbackType and
// returns the first error.
func (cm *CallbackManager) ExecuteCallbacks(
	ctx context.Context,
	callbackType CallbackType,
	callbackCtx *CallbackContext,
) error {
	if cm == nil {
		return nil
	}
	cm.mu.RLock()
	callbacks := cm.callbacks[callbackType]
	cm.mu.RUnlock()

	callbackCtx.CallbackType = callbackType
	for _, callback := range callbacks {
		if err := callback.Execute(ctx, callbackCtx); err != nil {
			return err
		}
	}
	return nil
}

// LoggingCallback writes one debug line per lifecycle event.
type LoggingCallback struct {
	callbackType CallbackType
	logger       logging.Logger
}

// NewLoggingCallback creates a logging callback for callbackType.
func NewLoggingCallback(callbackType CallbackType, logger logging.Logger) *LoggingCallback {
	return &LoggingCallback{
		callbackType: callbackType,
		logger:       logging.OrNoOp(logger),
	}
}

// Type returns the callback type this logger handles.
func (c *LoggingCallback) Type() CallbackType { return c.callbackType }

// Execute logs the event with whatever context is available.
func (c *LoggingCallback) Execute(_ context.Context, cc *CallbackContext) error {
	args := []any{"callback", string(c.callbackType), "session_id", cc.SessionID}
	if cc.Request != nil {
		args = append(args, "contents", len(cc.Request.Contents))
	}
	if cc.Response != nil {
		args = append(args, "tool_calls", len(cc.Response.Content.FunctionCalls()))
	}
	if cc.Call != nil {
		args = append(args, "tool", cc.Call.Name, "call_id", cc.Call.ID)
	}
	if cc.Err != nil {
		args = append(args, "error", cc.Err.Error())
	}
	c.logger.Debug("engine.callback", args...)
	return nil
}
