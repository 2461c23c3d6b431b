package model

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/hupe1980/contextmesh/core"
)

// ToolDefinition declaratively exposes a callable function to the model.
type ToolDefinition struct {
	Type     string             `json:"type"` // "function"
	Function FunctionDefinition `json:"function"`
}

// FunctionDefinition describes an individual function (tool) exposed to the model.
// Parameters is a JSON Schema object (draft agnostic, minimal subset expected).
type FunctionDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"` // JSON Schema
}

// Request captures the normalized model input assembled by the engine.
type Request struct {
	Instructions string           `json:"instructions"` // System prompt
	Contents     []core.Content   `json:"contents"`     // Conversation converted to provider messages
	Tools        []ToolDefinition `json:"tools,omitempty"`
	Stream       bool             `json:"stream,omitempty"`
	MaxTokens    int              `json:"max_tokens,omitempty"` // 0 uses the provider default
}

// TokenUsage captures token usage statistics for a response.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is a (partial or final) chunk emitted by a streaming model.
type Response struct {
	ID           string       `json:"id"`
	Partial      bool         `json:"partial"` // Indicates if this is a partial response
	Content      core.Content `json:"content"`
	FinishReason string       `json:"finish_reason"` // "stop", "length", "tool_calls", etc.
	Usage        *TokenUsage  `json:"usage,omitempty"`
}

// Info contains metadata about a model implementation.
type Info struct {
	Name          string `json:"name"`
	Provider      string `json:"provider"` // "openai", "anthropic", "mock", etc.
	SupportsTools bool   `json:"supports_tools"`
}

// Model is the minimal interface an inference endpoint must satisfy.
type Model interface {
	Generate(ctx context.Context, req Request) (<-chan Response, <-chan error)

	// Info returns information about the model implementation.
	Info() Info
}

// Pinger is implemented by transports that can cheaply probe their backend.
// Endpoint health checks use it to re-enable disabled endpoints.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ErrEmptyResponse is returned by Collect when a stream ends without a final chunk.
var ErrEmptyResponse = errors.New("model returned no response")

// Collect drains a Generate call and returns the final (non-partial) response.
// Partial chunks are concatenated when the provider never sends a final one.
func Collect(ctx context.Context, m Model, req Request) (Response, error) {
	respCh, errCh := m.Generate(ctx, req)

	var (
		final    *Response
		partials strings.Builder
	)
	for respCh != nil || errCh != nil {
		select {
		case <-ctx.Done():
			return Response{}, ctx.Err()
		case r, ok := <-respCh:
			if !ok {
				respCh = nil
				continue
			}
			if r.Partial {
				partials.WriteString(r.Content.Text())
				continue
			}
			final = &r
		case err, ok := <-errCh:
			if !ok {
				errCh = nil
				continue
			}
			if err != nil {
				return Response{}, err
			}
		}
	}
	if final != nil {
		return *final, nil
	}
	if partials.Len() > 0 {
		return Response{Content: core.NewTextContent(core.RoleAssistant, partials.String()), FinishReason: "stop"}, nil
	}
	return Response{}, ErrEmptyResponse
}

// MockModel is a lightweight in‑memory Model useful for tests & examples.
// Scripted replies are consumed first (in order); afterwards canned prompt
// responses or an echo are returned.
type MockModel struct {
	info Info

	mu        sync.Mutex
	responses map[string]string
	script    []mockStep
	requests  []Request
	pingErr   error
}

type mockStep struct {
	resp Response
	err  error
}

// NewMockModel constructs a MockModel with basic tool support enabled.
func NewMockModel(name, provider string) *MockModel {
	return &MockModel{
		info: Info{
			Name:          name,
			Provider:      provider,
			SupportsTools: true,
		},
		responses: make(map[string]string),
	}
}

// AddResponse registers a deterministic canned completion for an input prompt.
func (m *MockModel) AddResponse(prompt, response string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[prompt] = response
}

// Script queues a response returned by the next Generate call.
func (m *MockModel) Script(resp Response) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = append(m.script, mockStep{resp: resp})
}

// Fail queues an error returned by the next Generate call.
func (m *MockModel) Fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = append(m.script, mockStep{err: err})
}

// SetPingError makes Ping return err (nil for healthy).
func (m *MockModel) SetPingError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pingErr = err
}

// Ping implements Pinger.
func (m *MockModel) Ping(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pingErr
}

// Requests returns the requests seen so far.
func (m *MockModel) Requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Request(nil), m.requests...)
}

// Generate implements Model; emits optional streaming char chunks then final response.
func (m *MockModel) Generate(ctx context.Context, req Request) (<-chan Response, <-chan error) {
	respCh := make(chan Response, 16)
	errCh := make(chan error, 1)

	m.mu.Lock()
	m.requests = append(m.requests, req)
	var step *mockStep
	if len(m.script) > 0 {
		s := m.script[0]
		m.script = m.script[1:]
		step = &s
	}
	m.mu.Unlock()

	go func() {
		defer close(respCh)
		defer close(errCh)
		if step != nil {
			if step.err != nil {
				errCh <- step.err
				return
			}
			respCh <- step.resp
			return
		}
		if len(req.Contents) == 0 {
			errCh <- fmt.Errorf("no contents provided")
			return
		}
		inputText := req.Contents[len(req.Contents)-1].Text()
		m.mu.Lock()
		full := m.responses[inputText]
		m.mu.Unlock()
		if full == "" {
			full = fmt.Sprintf("Mock response to: %s", inputText)
		}
		if req.Stream {
			for _, r := range full {
				select {
				case <-ctx.Done():
					errCh <- ctx.Err()
					return
				case respCh <- Response{
					Partial: true,
					Content: core.NewTextContent(core.RoleAssistant, string(r)),
				}:
				}
			}
		}
		respCh <- Response{
			Partial:      false,
			Content:      core.NewTextContent(core.RoleAssistant, full),
			FinishReason: "stop",
		}
	}()
	return respCh, errCh
}

// Info implements Model interface.
func (m *MockModel) Info() Info { return m.info }
