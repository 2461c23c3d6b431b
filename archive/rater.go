package archive

import (
	"context"

	"github.com/hupe1980/contextmesh/core"
	"github.com/hupe1980/contextmesh/endpoint"
	"github.com/hupe1980/contextmesh/model"
)

const rateInstructions = `You are evaluating a message to determine how informative or meaningful it is.

Based on the content, assign it a rank from 1 to 5:

1 - Noise / Fluff: Boilerplate, repetitive, off-topic, or lacking meaningful content.
2 - Minor: Light emotional context or vague thought, lacks depth or specificity.
3 - Useful: Contains at least one clear idea, insight, or point worth keeping.
4 - Important: Clear relevance, meaningful insight, decision, realization, or reflective moment.
5 - Critical: Core to identity, evolution, or decision-making. Key turning points.

Respond with ONLY the rank (1-5).`

// ModelRater asks a model for the rank. It calls the dispatcher directly and
// must therefore not be used from outside a queued job when the endpoint is
// shared with interactive traffic.
type ModelRater struct {
	Dispatcher *endpoint.Dispatcher
}

// Rate implements Rater.
func (r ModelRater) Rate(ctx context.Context, text string) (int, error) {
	resp, err := r.Dispatcher.Generate(ctx, model.Request{
		Instructions: rateInstructions,
		Contents:     []core.Content{core.NewTextContent(core.RoleUser, "Message: "+text)},
		MaxTokens:    8,
	})
	if err != nil {
		return 0, err
	}
	return ParseRank(resp.Content.Text()), nil
}

// ParseRank returns the first digit in 1..5 found in text, or DefaultRank.
func ParseRank(text string) int {
	for _, r := range text {
		if r >= '1' && r <= '5' {
			return int(r - '0')
		}
	}
	return DefaultRank
}
