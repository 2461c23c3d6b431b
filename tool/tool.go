// Package tool implements model requested tool calls: the Tool contract, a
// FunctionTool adapter for plain Go functions, a Registry that exposes tool
// definitions to models, and the Executor that runs calls off the interactive
// path with bounded concurrency, retry and per-call timeout.
package tool

import (
	"context"
	"fmt"

	"github.com/hupe1980/contextmesh/internal/util"
)

// Tool is a callable capability exposed to models.
//
// Implementations should:
//   - Provide clear, descriptive names (snake_case recommended)
//   - Define a JSON schema for parameters
//   - Be safe for concurrent use; the Executor runs several calls at once
//   - Honour ctx where they block; it is cancelled only on executor shutdown
type Tool interface {
	// Name returns the unique identifier for this tool.
	Name() string

	// Description is shown to the model to help it decide when to call the tool.
	Description() string

	// Parameters returns a JSON schema describing the expected input format.
	Parameters() map[string]any

	// Call executes the tool with arguments decoded from the model's JSON.
	Call(ctx context.Context, args map[string]any) (any, error)
}

// ValidationError represents parameter validation errors with detailed information.
type ValidationError = util.ValidationError

// Error codes carried by ToolError.
const (
	CodeValidation = "VALIDATION_ERROR"
	CodeExecution  = "EXECUTION_ERROR"
	CodeNotFound   = "NOT_FOUND"
	CodeBadArgs    = "INVALID_ARGUMENTS"
)

// ToolError represents errors that occur during tool execution.
type ToolError struct {
	Tool    string `json:"tool"`              // Name of the tool that failed
	Message string `json:"message"`           // Error message
	Code    string `json:"code"`              // Error code for categorization
	Details any    `json:"details,omitempty"` // Additional error details
	err     error
}

func (e *ToolError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("tool error [%s] in %s: %s", e.Code, e.Tool, e.Message)
	}
	return fmt.Sprintf("tool error in %s: %s", e.Tool, e.Message)
}

// Unwrap exposes the underlying cause, if any.
func (e *ToolError) Unwrap() error { return e.err }

// NewToolError creates a new ToolError with the specified details.
func NewToolError(tool, message, code string) *ToolError {
	return &ToolError{
		Tool:    tool,
		Message: message,
		Code:    code,
	}
}

// retryable reports whether another attempt could change the outcome.
// Validation, lookup and argument decoding failures are permanent.
func (e *ToolError) retryable() bool {
	switch e.Code {
	case CodeValidation, CodeNotFound, CodeBadArgs:
		return false
	default:
		return true
	}
}
