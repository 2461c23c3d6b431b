// Package openai provides an implementation of model.Model using the OpenAI
// Chat Completions API (including streaming + function/tool calling). Any
// OpenAI compatible server (vLLM, Ollama's /v1, LM Studio) can be targeted by
// setting BaseURL, which is how local inference endpoints are registered.
package openai

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/hupe1980/contextmesh/core"
	"github.com/hupe1980/contextmesh/model"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// aggCall aggregates partial tool call streaming deltas (id, name, arguments)
// allowing reconstruction of complete function call parts when finish reason
// is emitted.
type aggCall struct{ id, name, args string }

// Options configure the OpenAI model adapter.
type Options struct {
	Model               string
	BaseURL             string // empty uses api.openai.com
	APIKey              string // empty falls back to OPENAI_API_KEY
	Temperature         float64
	MaxCompletionTokens int64
}

// Model wraps the OpenAI Chat Completions API behind the generic model.Model interface.
type Model struct {
	client *openai.Client
	opts   Options
}

// NewModel creates a new OpenAI model using the official client.
func NewModel(optFns ...func(o *Options)) *Model {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	var clientOpts []option.RequestOption
	if opts.BaseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(opts.BaseURL))
	}
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}
	client := openai.NewClient(clientOpts...)
	return &Model{client: &client, opts: opts}
}

// NewModelFromClient creates a new OpenAI model from an existing client.
func NewModelFromClient(client *openai.Client, optFns ...func(o *Options)) *Model {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Model{client: client, opts: opts}
}

func defaultOptions() Options {
	return Options{
		Model:               openai.ChatModelGPT4oMini,
		Temperature:         0.7,
		MaxCompletionTokens: 4096,
	}
}

// Generate implements unified streaming / non-streaming generation.
func (m *Model) Generate(ctx context.Context, req model.Request) (<-chan model.Response, <-chan error) {
	out := make(chan model.Response, 32)
	errCh := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errCh)
		params := m.buildParams(req, buildMessages(req))
		if req.Stream {
			m.handleStreaming(ctx, params, out, errCh)
			return
		}
		m.handleNonStreaming(ctx, params, out, errCh)
	}()
	return out, errCh
}

// Ping lists the server's models; a cheap liveness probe that every
// OpenAI compatible server implements.
func (m *Model) Ping(ctx context.Context) error {
	if _, err := m.client.Models.List(ctx); err != nil {
		return fmt.Errorf("openai ping: %w", err)
	}
	return nil
}

// collectToolResponses indexes tool outputs by call id preserving first-seen order.
func collectToolResponses(contents []core.Content) (map[string]string, []string) {
	responses := map[string]string{}
	var order []string
	for _, c := range contents {
		if c.Role != core.RoleTool {
			continue
		}
		for _, p := range c.Parts {
			fr, ok := p.(core.FunctionResponsePart)
			if !ok || fr.FunctionResponse.ID == "" {
				continue
			}
			if _, exists := responses[fr.FunctionResponse.ID]; exists {
				continue
			}
			responses[fr.FunctionResponse.ID] = fr.FunctionResponse.Output
			order = append(order, fr.FunctionResponse.ID)
		}
	}
	return responses, order
}

// buildMessages converts the request into OpenAI chat messages, attaching
// tool outputs immediately after the assistant message that requested them.
func buildMessages(req model.Request) []openai.ChatCompletionMessageParamUnion {
	toolResponses, order := collectToolResponses(req.Contents)

	var messages []openai.ChatCompletionMessageParamUnion
	if req.Instructions != "" {
		messages = append(messages, openai.SystemMessage(req.Instructions))
	}
	for _, c := range req.Contents {
		if c.Role == core.RoleTool {
			continue
		}
		text := c.Text()
		switch c.Role {
		case core.RoleSystem:
			messages = append(messages, openai.SystemMessage(text))
		case core.RoleUser:
			messages = append(messages, openai.UserMessage(text))
		case core.RoleAssistant:
			toolCalls, callIDs := extractToolCalls(c)
			if len(toolCalls) == 0 {
				messages = append(messages, openai.AssistantMessage(text))
				continue
			}
			messages = append(
				messages,
				openai.ChatCompletionMessageParamUnion{OfAssistant: &openai.ChatCompletionAssistantMessageParam{
					Role:      "assistant",
					ToolCalls: toolCalls,
				}},
			)
			for _, id := range callIDs {
				if resp, ok := toolResponses[id]; ok {
					messages = append(messages, openai.ToolMessage(resp, id))
					delete(toolResponses, id)
				}
			}
		default:
			if text != "" {
				messages = append(messages, openai.UserMessage(text))
			}
		}
	}
	// orphaned outputs (no matching assistant call in the window) go last
	for _, id := range order {
		if resp, ok := toolResponses[id]; ok {
			messages = append(messages, openai.ToolMessage(resp, id))
		}
	}
	return messages
}

func extractToolCalls(c core.Content) ([]openai.ChatCompletionMessageToolCallParam, []string) {
	var (
		toolCalls []openai.ChatCompletionMessageToolCallParam
		callIDs   []string
	)
	for _, fc := range c.FunctionCalls() {
		toolCalls = append(toolCalls, openai.ChatCompletionMessageToolCallParam{
			ID:   fc.ID,
			Type: "function",
			Function: openai.ChatCompletionMessageToolCallFunctionParam{
				Name:      fc.Name,
				Arguments: fc.Arguments,
			},
		})
		callIDs = append(callIDs, fc.ID)
	}
	return toolCalls, callIDs
}

func (m *Model) buildParams(
	req model.Request,
	messages []openai.ChatCompletionMessageParamUnion,
) openai.ChatCompletionNewParams {
	maxTokens := m.opts.MaxCompletionTokens
	if req.MaxTokens > 0 {
		maxTokens = int64(req.MaxTokens)
	}
	params := openai.ChatCompletionNewParams{
		Messages:            messages,
		Model:               m.opts.Model,
		Temperature:         openai.Float(m.opts.Temperature),
		MaxCompletionTokens: openai.Int(maxTokens),
	}
	if len(req.Tools) == 0 {
		return params
	}
	tools := make([]openai.ChatCompletionToolParam, len(req.Tools))
	for i, tdef := range req.Tools {
		tools[i] = openai.ChatCompletionToolParam{
			Type: "function",
			Function: openai.FunctionDefinitionParam{
				Name:        tdef.Function.Name,
				Description: openai.String(tdef.Function.Description),
				Parameters:  tdef.Function.Parameters,
			},
		}
	}
	params.Tools = tools
	return params
}

func (m *Model) handleStreaming(
	ctx context.Context,
	params openai.ChatCompletionNewParams,
	out chan<- model.Response,
	errCh chan<- error,
) {
	stream := m.client.Chat.Completions.NewStreaming(ctx, params)
	defer stream.Close()

	var text strings.Builder
	toolAgg := map[int64]*aggCall{}
	for stream.Next() {
		ck := stream.Current()
		for _, ch := range ck.Choices {
			if ch.Delta.Content != "" {
				text.WriteString(ch.Delta.Content)
				out <- model.Response{
					ID:      ck.ID,
					Partial: true,
					Content: core.NewTextContent(core.RoleAssistant, ch.Delta.Content),
				}
			}
			for _, tc := range ch.Delta.ToolCalls {
				ac, ok := toolAgg[tc.Index]
				if !ok {
					ac = &aggCall{}
					toolAgg[tc.Index] = ac
				}
				if tc.ID != "" {
					ac.id = tc.ID
				}
				if tc.Function.Name != "" {
					ac.name = tc.Function.Name
				}
				ac.args += tc.Function.Arguments
			}
			if ch.FinishReason != "" {
				out <- finalChunk(ck.ID, ch.FinishReason, text.String(), toolAgg)
			}
		}
	}
	if err := stream.Err(); err != nil {
		errCh <- fmt.Errorf("openai streaming error: %w", err)
	}
}

// finalChunk assembles the aggregated text and tool calls in stream index order.
func finalChunk(id, finishReason, text string, toolAgg map[int64]*aggCall) model.Response {
	parts := make([]core.Part, 0, len(toolAgg)+1)
	if text != "" {
		parts = append(parts, core.TextPart{Text: text})
	}
	indices := make([]int64, 0, len(toolAgg))
	for i := range toolAgg {
		indices = append(indices, i)
	}
	slices.Sort(indices)
	for _, i := range indices {
		ac := toolAgg[i]
		parts = append(parts, core.FunctionCallPart{FunctionCall: core.FunctionCall{
			ID:        ac.id,
			Name:      ac.name,
			Arguments: ac.args,
		}})
	}
	return model.Response{
		ID:           id,
		Content:      core.Content{Role: core.RoleAssistant, Parts: parts},
		FinishReason: finishReason,
	}
}

func (m *Model) handleNonStreaming(
	ctx context.Context,
	params openai.ChatCompletionNewParams,
	out chan<- model.Response,
	errCh chan<- error,
) {
	resp, err := m.client.Chat.Completions.New(ctx, params)
	if err != nil {
		errCh <- fmt.Errorf("openai api error: %w", err)
		return
	}
	if len(resp.Choices) == 0 {
		errCh <- fmt.Errorf("no choices returned")
		return
	}
	ch0 := resp.Choices[0]
	parts := make([]core.Part, 0, len(ch0.Message.ToolCalls)+1)
	if ch0.Message.Content != "" {
		parts = append(parts, core.TextPart{Text: ch0.Message.Content})
	}
	for _, tc := range ch0.Message.ToolCalls {
		parts = append(parts, core.FunctionCallPart{FunctionCall: core.FunctionCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		}})
	}
	out <- model.Response{
		ID:           resp.ID,
		Content:      core.Content{Role: core.RoleAssistant, Parts: parts},
		FinishReason: ch0.FinishReason,
		Usage: &model.TokenUsage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
	}
}

// Info returns metadata describing this OpenAI model implementation.
func (m *Model) Info() model.Info {
	return model.Info{
		Name:          m.opts.Model,
		Provider:      "openai",
		SupportsTools: true,
	}
}
