package tool

import (
	"context"
	"errors"
	"fmt"

	"github.com/hupe1980/contextmesh/internal/util"
)

// FunctionTool is a generic adapter that exposes a plain Go function as a tool.
//
// Arguments are validated against the parameter schema before the function
// runs. Failures come back as *ToolError:
//
//	VALIDATION_ERROR  -> schema / argument mismatch
//	EXECUTION_ERROR   -> the function returned a plain error
//	(custom codes are preserved if the function returns *ToolError directly)
//
// A FunctionTool has no mutable state and is safe for concurrent use.
type FunctionTool struct {
	name        string
	description string
	parameters  map[string]any
	fn          func(ctx context.Context, args map[string]any) (any, error)
}

// NewFunctionTool constructs a FunctionTool from explicit schema and function.
//
// Example:
//
//	sumTool := NewFunctionTool(
//	  "calculate_sum",
//	  "Calculate the sum of two numbers",
//	  map[string]any{
//	    "type": "object",
//	    "properties": map[string]any{
//	      "a": map[string]any{"type": "number"},
//	      "b": map[string]any{"type": "number"},
//	    },
//	    "required": []string{"a", "b"},
//	  },
//	  func(ctx context.Context, args map[string]any) (any, error) {
//	    return args["a"].(float64) + args["b"].(float64), nil
//	  },
//	)
func NewFunctionTool(
	name, description string,
	parameters map[string]any,
	fn func(ctx context.Context, args map[string]any) (any, error),
) *FunctionTool {
	if parameters == nil {
		parameters = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return &FunctionTool{
		name:        name,
		description: description,
		parameters:  parameters,
		fn:          fn,
	}
}

// NewFunctionToolFromStruct derives the parameter schema from a struct using
// reflection (see util.CreateSchema).
func NewFunctionToolFromStruct(
	name, description string,
	structType any,
	fn func(ctx context.Context, args map[string]any) (any, error),
) *FunctionTool {
	return NewFunctionTool(name, description, util.CreateSchema(structType), fn)
}

// Name implements Tool.
func (t *FunctionTool) Name() string { return t.name }

// Description implements Tool.
func (t *FunctionTool) Description() string { return t.description }

// Parameters implements Tool.
func (t *FunctionTool) Parameters() map[string]any { return t.parameters }

// Call validates args then invokes the wrapped function.
func (t *FunctionTool) Call(ctx context.Context, args map[string]any) (any, error) {
	if err := util.ValidateParameters(args, t.parameters); err != nil {
		return nil, &ToolError{
			Tool:    t.name,
			Message: fmt.Sprintf("parameter validation failed: %v", err),
			Code:    CodeValidation,
			Details: err,
			err:     err,
		}
	}

	result, err := t.fn(ctx, args)
	if err != nil {
		var toolErr *ToolError
		if errors.As(err, &toolErr) {
			return nil, err
		}
		return nil, &ToolError{
			Tool:    t.name,
			Message: err.Error(),
			Code:    CodeExecution,
			err:     err,
		}
	}
	return result, nil
}
