package core

import "strings"

// Conversation roles used in Content.Role.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Part represents a polymorphic segment of role-based content. Concrete part
// types implement the unexported isPart marker enabling a closed set.
type Part interface{ isPart() }

// TextPart is a plain text content segment.
type TextPart struct {
	Text string
}

func (TextPart) isPart() {}

// FunctionCall describes a tool/function invocation requested by a model.
type FunctionCall struct {
	ID        string `json:"id,omitempty"`        // Correlation id, assigned by the executor when empty
	Name      string `json:"name"`                // Tool name
	Arguments string `json:"arguments,omitempty"` // JSON encoded arguments
}

// FunctionCallPart wraps a FunctionCall as a content part.
type FunctionCallPart struct {
	FunctionCall FunctionCall
}

func (FunctionCallPart) isPart() {}

// FunctionResponse carries the string output of a tool call back to the model.
// Output is either the tool result or a JSON error payload.
type FunctionResponse struct {
	ID     string `json:"id,omitempty"`
	Name   string `json:"name"`
	Output string `json:"output"`
}

// FunctionResponsePart wraps a FunctionResponse as a content part.
type FunctionResponsePart struct {
	FunctionResponse FunctionResponse
}

func (FunctionResponsePart) isPart() {}

// Content holds role + ordered parts.
type Content struct {
	Role  string `json:"role,omitempty"`
	Parts []Part `json:"parts"`
}

// NewTextContent builds a single text part Content.
func NewTextContent(role, text string) Content {
	return Content{Role: role, Parts: []Part{TextPart{Text: text}}}
}

// Text concatenates all text parts.
func (c Content) Text() string {
	var b strings.Builder
	for _, p := range c.Parts {
		if tp, ok := p.(TextPart); ok {
			b.WriteString(tp.Text)
		}
	}
	return b.String()
}

// FunctionCalls returns the function call parts in order.
func (c Content) FunctionCalls() []FunctionCall {
	var calls []FunctionCall
	for _, p := range c.Parts {
		if fc, ok := p.(FunctionCallPart); ok {
			calls = append(calls, fc.FunctionCall)
		}
	}
	return calls
}
