// Package anthropic provides a model wrapper for the Anthropic Messages API.
package anthropic

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/shared/constant"
	"github.com/hupe1980/contextmesh/core"
	"github.com/hupe1980/contextmesh/model"
)

// Options configures the Anthropic model adapter.
type Options struct {
	Model       anthropic.Model
	Temperature float64
	MaxTokens   int64
	APIKey      string
	BaseURL     string
}

// Model wraps the Anthropic Messages API behind the generic model.Model interface.
type Model struct {
	client *anthropic.Client
	opts   Options
}

// NewModel creates a new Anthropic model using the official client.
func NewModel(optFns ...func(o *Options)) *Model {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}

	var clientOpts []option.RequestOption
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}
	if opts.BaseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(opts.BaseURL))
	}
	client := anthropic.NewClient(clientOpts...)

	return &Model{client: &client, opts: opts}
}

// NewModelFromClient creates a new Anthropic model from an existing client.
func NewModelFromClient(client *anthropic.Client, optFns ...func(o *Options)) *Model {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Model{client: client, opts: opts}
}

func defaultOptions() Options {
	return Options{
		Model:       anthropic.ModelClaude3_5Sonnet20241022,
		Temperature: 0.7,
		MaxTokens:   4096,
	}
}

// Generate implements model.Model. Streaming requests are answered with a
// single final chunk.
func (m *Model) Generate(ctx context.Context, req model.Request) (<-chan model.Response, <-chan error) {
	out := make(chan model.Response, 1)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		maxTokens := m.opts.MaxTokens
		if req.MaxTokens > 0 {
			maxTokens = int64(req.MaxTokens)
		}
		params := anthropic.MessageNewParams{
			Model:       m.opts.Model,
			Messages:    buildMessages(req.Contents),
			MaxTokens:   maxTokens,
			Temperature: anthropic.Float(m.opts.Temperature),
		}
		if system := systemBlocks(req); len(system) > 0 {
			params.System = system
		}
		if len(req.Tools) > 0 {
			params.Tools = buildTools(req.Tools)
		}

		resp, err := m.client.Messages.New(ctx, params)
		if err != nil {
			errCh <- fmt.Errorf("anthropic api error: %w", err)
			return
		}

		var parts []core.Part
		for _, block := range resp.Content {
			switch block.Type {
			case "text":
				if text := block.AsText().Text; text != "" {
					parts = append(parts, core.TextPart{Text: text})
				}
			case "tool_use":
				tu := block.AsToolUse()
				parts = append(parts, core.FunctionCallPart{FunctionCall: core.FunctionCall{
					ID:        tu.ID,
					Name:      tu.Name,
					Arguments: toolInput(tu.Input),
				}})
			}
		}

		finishReason := "stop"
		if resp.StopReason != "" {
			finishReason = string(resp.StopReason)
		}
		out <- model.Response{
			ID:           resp.ID,
			Content:      core.Content{Role: core.RoleAssistant, Parts: parts},
			FinishReason: finishReason,
			Usage: &model.TokenUsage{
				PromptTokens:     int(resp.Usage.InputTokens),
				CompletionTokens: int(resp.Usage.OutputTokens),
				TotalTokens:      int(resp.Usage.InputTokens + resp.Usage.OutputTokens),
			},
		}
	}()

	return out, errCh
}

// Ping lists models to verify credentials and reachability.
func (m *Model) Ping(ctx context.Context) error {
	if _, err := m.client.Models.List(ctx, anthropic.ModelListParams{Limit: anthropic.Int(1)}); err != nil {
		return fmt.Errorf("anthropic ping: %w", err)
	}
	return nil
}

// buildMessages converts contents to Anthropic messages. Tool outputs are sent
// back as tool_result blocks in a user message following the tool_use turn.
func buildMessages(contents []core.Content) []anthropic.MessageParam {
	var messages []anthropic.MessageParam
	for _, c := range contents {
		switch c.Role {
		case core.RoleSystem:
			continue
		case core.RoleAssistant:
			if blocks := assistantBlocks(c.Parts); len(blocks) > 0 {
				messages = append(messages, anthropic.NewAssistantMessage(blocks...))
			}
		case core.RoleTool:
			var blocks []anthropic.ContentBlockParamUnion
			for _, p := range c.Parts {
				if fr, ok := p.(core.FunctionResponsePart); ok && fr.FunctionResponse.ID != "" {
					blocks = append(blocks, anthropic.NewToolResultBlock(fr.FunctionResponse.ID, fr.FunctionResponse.Output, false))
				}
			}
			if len(blocks) > 0 {
				messages = append(messages, anthropic.NewUserMessage(blocks...))
			}
		default:
			if text := c.Text(); text != "" {
				messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(text)))
			}
		}
	}
	return messages
}

func systemBlocks(req model.Request) []anthropic.TextBlockParam {
	var blocks []anthropic.TextBlockParam
	if req.Instructions != "" {
		blocks = append(blocks, anthropic.TextBlockParam{Text: req.Instructions})
	}
	for _, c := range req.Contents {
		if c.Role != core.RoleSystem {
			continue
		}
		if text := c.Text(); text != "" {
			blocks = append(blocks, anthropic.TextBlockParam{Text: text})
		}
	}
	return blocks
}

func assistantBlocks(parts []core.Part) []anthropic.ContentBlockParamUnion {
	var blocks []anthropic.ContentBlockParamUnion
	for _, p := range parts {
		switch part := p.(type) {
		case core.TextPart:
			if part.Text != "" {
				blocks = append(blocks, anthropic.NewTextBlock(part.Text))
			}
		case core.FunctionCallPart:
			var input any = map[string]any{}
			if part.FunctionCall.Arguments != "" {
				if err := json.Unmarshal([]byte(part.FunctionCall.Arguments), &input); err != nil {
					input = part.FunctionCall.Arguments
				}
			}
			blocks = append(blocks, anthropic.NewToolUseBlock(part.FunctionCall.ID, input, part.FunctionCall.Name))
		}
	}
	return blocks
}

func buildTools(tools []model.ToolDefinition) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, len(tools))
	for i, tool := range tools {
		schema := anthropic.ToolInputSchemaParam{Type: constant.Object("object")}
		if params := tool.Function.Parameters; params != nil {
			if properties, ok := params["properties"]; ok {
				schema.Properties = properties
			}
			switch req := params["required"].(type) {
			case []string:
				schema.Required = req
			case []any:
				for _, r := range req {
					if s, ok := r.(string); ok {
						schema.Required = append(schema.Required, s)
					}
				}
			}
		}
		tp := anthropic.ToolUnionParamOfTool(schema, tool.Function.Name)
		if tp.OfTool != nil && tool.Function.Description != "" {
			tp.OfTool.Description = anthropic.String(tool.Function.Description)
		}
		out[i] = tp
	}
	return out
}

// Info returns metadata describing this Anthropic model implementation.
func (m *Model) Info() model.Info {
	return model.Info{
		Name:          string(m.opts.Model),
		Provider:      "anthropic",
		SupportsTools: true,
	}
}

func toolInput(input any) string {
	b, err := json.Marshal(input)
	if err != nil || string(b) == "null" {
		return ""
	}
	return string(b)
}
