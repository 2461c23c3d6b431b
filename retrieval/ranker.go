// Package retrieval ranks stored memories against a user query for injection
// into the Recall pool.
//
// A candidate survives when its stored rank is at least MinRank, it shares a
// tag with the query (only checked when the query has tags), it does not
// belong to the current session and its cosine similarity to the query is at
// least MinSimilarity. Survivors are scored
//
//	score = cosine + (rank-1)/4 * 0.2
//
// and returned best first.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/hupe1980/contextmesh/core"
	"github.com/hupe1980/contextmesh/embedding"
	"github.com/hupe1980/contextmesh/logging"
)

const (
	DefaultLimit         = 20
	DefaultMinRank       = 3
	DefaultMinSimilarity = 0.75

	maxRank    = 5
	rankWeight = 0.2
)

// Result is a ranked candidate.
type Result struct {
	Candidate  core.Candidate
	Similarity float64
	Score      float64
}

// Options configures a Ranker.
type Options struct {
	// Limit truncates the result list. Zero or negative means DefaultLimit.
	Limit         int
	MinRank       int
	MinSimilarity float64
	Logger        logging.Logger
}

// Ranker combines a CandidateStore, an Embedder and a Tagger.
type Ranker struct {
	store    core.CandidateStore
	embedder core.Embedder
	tagger   core.Tagger
	opts     Options
}

// New creates a Ranker.
func New(store core.CandidateStore, embedder core.Embedder, tagger core.Tagger, optFns ...func(o *Options)) *Ranker {
	opts := Options{
		Limit:         DefaultLimit,
		MinRank:       DefaultMinRank,
		MinSimilarity: DefaultMinSimilarity,
		Logger:        logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Limit <= 0 {
		opts.Limit = DefaultLimit
	}
	opts.Logger = logging.OrNoOp(opts.Logger)
	return &Ranker{store: store, embedder: embedder, tagger: tagger, opts: opts}
}

// Rank returns the memories most relevant to query, excluding sessionID.
// Noise queries return nil without touching the embedder or the store.
func (r *Ranker) Rank(ctx context.Context, query, sessionID string) ([]Result, error) {
	if r.tagger.IsNoise(query) {
		r.opts.Logger.Debug("retrieval.query.noise", "query", query)
		return nil, nil
	}

	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	candidates, err := r.store.SearchCandidates(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("search candidates: %w", err)
	}

	results := r.RankCandidates(vec, r.tagger.Tag(query), sessionID, candidates)
	r.opts.Logger.Debug("retrieval.ranked", "candidates", len(candidates), "results", len(results))
	return results, nil
}

// RankCandidates applies the filters and scoring to an already fetched
// candidate set. It performs no I/O.
func (r *Ranker) RankCandidates(queryVec []float32, queryTags []string, sessionID string, candidates []core.Candidate) []Result {
	var results []Result
	for _, c := range candidates {
		if c.StoredRank < r.opts.MinRank {
			continue
		}
		if sessionID != "" && c.SessionID == sessionID {
			continue
		}
		if len(queryTags) > 0 && !overlaps(queryTags, c.Tags) {
			continue
		}

		sim, err := embedding.CosineSimilarity(queryVec, embedding.Dequantize(c.Embedding))
		if err != nil {
			if errors.Is(err, core.ErrInvalidArgument) {
				r.opts.Logger.Warn("retrieval.candidate.skipped", "id", c.ID, "error", err)
			}
			continue
		}
		if sim < r.opts.MinSimilarity {
			continue
		}
		results = append(results, Result{Candidate: c, Similarity: sim, Score: Score(sim, c.StoredRank)})
	}

	slices.SortStableFunc(results, func(a, b Result) int {
		switch {
		case a.Score > b.Score:
			return -1
		case a.Score < b.Score:
			return 1
		}
		return 0
	})
	if len(results) > r.opts.Limit {
		results = results[:r.opts.Limit]
	}
	return results
}

// Score boosts a similarity by the stored rank on the 1..5 scale: rank 1 adds
// nothing, rank 5 adds 0.2.
func Score(similarity float64, rank int) float64 {
	return similarity + float64(rank-1)/float64(maxRank-1)*rankWeight
}

func overlaps(a, b []string) bool {
	for _, x := range a {
		if slices.Contains(b, x) {
			return true
		}
	}
	return false
}
