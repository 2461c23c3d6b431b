package testutil

import (
	"github.com/hupe1980/contextmesh/core"
	"github.com/hupe1980/contextmesh/model"
)

// ResponseBuilder provides a fluent helper for constructing model responses
// in tests. Example:
//
//	resp := NewResponseBuilder().Call("c1", "sum", `{"a":1,"b":2}`).Build()
//
// Chain only the parts you need; the role defaults to assistant.
type ResponseBuilder struct {
	id     string
	role   string
	parts  []core.Part
	finish string
	usage  *model.TokenUsage
}

// NewResponseBuilder creates a builder for an assistant response.
func NewResponseBuilder() *ResponseBuilder {
	return &ResponseBuilder{role: core.RoleAssistant, finish: "stop"}
}

// ID sets the response id (chainable).
func (b *ResponseBuilder) ID(id string) *ResponseBuilder { b.id = id; return b }

// Role overrides the content role (chainable).
func (b *ResponseBuilder) Role(r string) *ResponseBuilder { b.role = r; return b }

// Text appends a text part (chainable).
func (b *ResponseBuilder) Text(s string) *ResponseBuilder {
	b.parts = append(b.parts, core.TextPart{Text: s})
	return b
}

// Call appends a function call part and sets the finish reason to
// "tool_calls" (chainable).
func (b *ResponseBuilder) Call(id, name, args string) *ResponseBuilder {
	b.parts = append(b.parts, core.FunctionCallPart{FunctionCall: core.FunctionCall{ID: id, Name: name, Arguments: args}})
	b.finish = "tool_calls"
	return b
}

// Usage attaches token usage (chainable).
func (b *ResponseBuilder) Usage(u model.TokenUsage) *ResponseBuilder { b.usage = &u; return b }

// Build returns the final model.Response.
func (b *ResponseBuilder) Build() model.Response {
	resp := model.Response{
		ID:           b.id,
		Content:      core.Content{Role: b.role, Parts: append([]core.Part(nil), b.parts...)},
		FinishReason: b.finish,
	}
	if b.usage != nil {
		u := *b.usage
		resp.Usage = &u
	}
	return resp
}
