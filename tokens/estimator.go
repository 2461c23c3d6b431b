// Package tokens estimates how many model tokens a piece of text will consume.
//
// The estimate is a deterministic characters-per-token heuristic. It is good
// enough to size memory pools and context windows, not for billing.
package tokens

import (
	"strings"
	"unicode/utf8"
)

// DefaultCharsPerToken is the ratio used when none is configured.
const DefaultCharsPerToken = 4

// Message is a role tagged piece of text.
type Message struct {
	Role    string
	Content string
}

// Estimator estimates token counts for text.
type Estimator interface {
	Estimate(text string) int
}

// CharEstimator counts runes and divides by CharsPerToken, rounding down.
// Blank text counts as zero tokens.
type CharEstimator struct {
	CharsPerToken int // defaults to 4 if zero
}

func (e CharEstimator) ratio() int {
	if e.CharsPerToken <= 0 {
		return DefaultCharsPerToken
	}
	return e.CharsPerToken
}

// Estimate implements Estimator.
func (e CharEstimator) Estimate(text string) int {
	if strings.TrimSpace(text) == "" {
		return 0
	}
	return utf8.RuneCountInString(text) / e.ratio()
}

// EstimateMessages sums the estimate of "role: content" for every message.
func (e CharEstimator) EstimateMessages(msgs []Message) int {
	total := 0
	for _, m := range msgs {
		total += e.Estimate(m.Role + ": " + m.Content)
	}
	return total
}

var defaultEstimator = CharEstimator{}

// Estimate uses the default 4 chars per token heuristic.
func Estimate(text string) int { return defaultEstimator.Estimate(text) }

// EstimateMessages uses the default heuristic for a message list.
func EstimateMessages(msgs []Message) int { return defaultEstimator.EstimateMessages(msgs) }
