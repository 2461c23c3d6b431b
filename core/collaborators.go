package core

import "context"

// Candidate is a stored memory returned by a CandidateStore for ranking.
type Candidate struct {
	ID         string
	Text       string
	SessionID  string
	StoredRank int
	Embedding  []byte // quantized, see embedding.Quantize
	Tags       []string
}

// CandidateStore is the part of the persistent store the core depends on.
// Implementations must not return candidates belonging to excludeSessionID.
type CandidateStore interface {
	SearchCandidates(ctx context.Context, queryText string, excludeSessionID string) ([]Candidate, error)
}

// Embedder turns text into an embedding vector. Usually network backed.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Tagger derives topic tags from text and flags low-signal input. Pure and
// synchronous.
type Tagger interface {
	Tag(text string) []string
	IsNoise(text string) bool
}
