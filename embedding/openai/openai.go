// Package openai implements core.Embedder on top of the OpenAI embeddings API.
// Any OpenAI compatible server (for example Ollama under /v1) can be targeted
// through Options.BaseURL.
package openai

import (
	"context"
	"fmt"

	"github.com/hupe1980/contextmesh/core"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// Options configure the embedder.
type Options struct {
	Model   string
	BaseURL string
	APIKey  string
}

// Embedder wraps the embeddings endpoint behind core.Embedder.
type Embedder struct {
	client *openai.Client
	opts   Options
}

var _ core.Embedder = (*Embedder)(nil)

// NewEmbedder creates an embedder with its own client.
func NewEmbedder(optFns ...func(o *Options)) *Embedder {
	opts := Options{Model: string(openai.EmbeddingModelTextEmbedding3Small)}
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
	return &Embedder{client: &client, opts: opts}
}

// NewEmbedderFromClient creates an embedder from an existing client.
func NewEmbedderFromClient(client *openai.Client, optFns ...func(o *Options)) *Embedder {
	opts := Options{Model: string(openai.EmbeddingModelTextEmbedding3Small)}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Embedder{client: client, opts: opts}
}

// Embed implements core.Embedder.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := e.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Model: openai.EmbeddingModel(e.opts.Model),
		Input: openai.EmbeddingNewParamsInputUnion{OfString: openai.String(text)},
	})
	if err != nil {
		return nil, fmt.Errorf("openai embeddings error: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("openai embeddings: empty response")
	}
	src := resp.Data[0].Embedding
	out := make([]float32, len(src))
	for i, v := range src {
		out[i] = float32(v)
	}
	return out, nil
}
