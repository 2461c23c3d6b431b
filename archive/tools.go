package archive

import (
	"context"
	"fmt"
	"strings"

	"github.com/hupe1980/contextmesh/retrieval"
	"github.com/hupe1980/contextmesh/store/sqlite"
	"github.com/hupe1980/contextmesh/tool"
)

const (
	defaultSearchResults = 5
	defaultSessionList   = 5
	noMemoriesFound      = "No relevant memories found."
	noSessionsFound      = "No previous sessions."
)

// Searcher ranks stored memories for a query.
type Searcher interface {
	Rank(ctx context.Context, query, sessionID string) ([]retrieval.Result, error)
}

// SessionLister lists summarized sessions, newest first.
type SessionLister interface {
	RecentSessions(ctx context.Context, limit int, excludeID string) ([]sqlite.Session, error)
}

type searchArgs struct {
	Query      string `json:"query" description:"Search query describing what you want to recall"`
	MaxResults int    `json:"max_results,omitempty" description:"Maximum results to return (default 5)"`
}

// NewSearchMemoriesTool lets the model search past conversations.
func NewSearchMemoriesTool(s Searcher) *tool.FunctionTool {
	return tool.NewFunctionToolFromStruct(
		"search_memories",
		"Search through past conversation memories using semantic similarity. Use this to recall past discussions, facts, or context.",
		searchArgs{},
		func(ctx context.Context, args map[string]any) (any, error) {
			query, _ := args["query"].(string)
			limit := intArg(args, "max_results", defaultSearchResults)

			results, err := s.Rank(ctx, query, "")
			if err != nil {
				return nil, err
			}
			if len(results) == 0 {
				return noMemoriesFound, nil
			}
			if len(results) > limit {
				results = results[:limit]
			}
			out := make([]string, 0, len(results))
			for _, r := range results {
				out = append(out, fmt.Sprintf("[Score: %.2f | Rank: %d]\n%s\n", r.Score, r.Candidate.StoredRank, r.Candidate.Text))
			}
			return strings.Join(out, "\n---\n"), nil
		},
	)
}

type listArgs struct {
	Limit int `json:"limit,omitempty" description:"Maximum sessions to list (default 5)"`
}

// NewListSessionsTool lets the model see summaries of earlier sessions.
func NewListSessionsTool(l SessionLister) *tool.FunctionTool {
	return tool.NewFunctionToolFromStruct(
		"list_sessions",
		"List recent conversation sessions with their summaries.",
		listArgs{},
		func(ctx context.Context, args map[string]any) (any, error) {
			sessions, err := l.RecentSessions(ctx, intArg(args, "limit", defaultSessionList), "")
			if err != nil {
				return nil, err
			}
			if len(sessions) == 0 {
				return noSessionsFound, nil
			}
			var b strings.Builder
			for _, s := range sessions {
				fmt.Fprintf(&b, "- %s (%s): %s\n", s.ID, s.UpdatedAt.Format("2006-01-02 15:04"), s.Summary)
			}
			return strings.TrimRight(b.String(), "\n"), nil
		},
	)
}

func intArg(args map[string]any, key string, def int) int {
	if v, ok := args[key].(float64); ok && v > 0 {
		return int(v)
	}
	return def
}
