package engine

import (
	"github.com/hupe1980/contextmesh/core"
	"github.com/hupe1980/contextmesh/internal/util"
	"github.com/hupe1980/contextmesh/memory"
)

// section headings for injected memory, keyed by pool
var poolLabels = map[string]string{
	memory.PoolCore:          "CoreFoundation",
	memory.PoolRecentHistory: "RecentHistory",
	memory.PoolRecall:        "RelevantMemory",
	memory.PoolBuffer:        "Buffer",
}

const memoryTemplate = `{{range .sections}}{{.Label}}:
{{range .Lines}}   - {{.}}
{{end}}
{{end}}`

const summaryInstructions = "Summarize the following conversation excerpt in a few sentences. " +
	"Keep facts, decisions and open questions; drop greetings and filler. " +
	"Reply with the summary only."

type section struct {
	Label string
	Lines []string
}

// splitMemory separates conversation turns (ActiveSession) from background
// memory, which is grouped into labelled sections in first-seen pool order.
func splitMemory(items []memory.Item) (sections []section, history []memory.Item) {
	index := make(map[string]int)
	for _, it := range items {
		if it.PoolName == memory.PoolActiveSession {
			history = append(history, it)
			continue
		}
		i, ok := index[it.PoolName]
		if !ok {
			label := poolLabels[it.PoolName]
			if label == "" {
				label = it.PoolName
			}
			i = len(sections)
			index[it.PoolName] = i
			sections = append(sections, section{Label: label})
		}
		sections[i].Lines = append(sections[i].Lines, it.Text)
	}
	return sections, history
}

func renderMemory(sections []section) (string, error) {
	if len(sections) == 0 {
		return "", nil
	}
	return util.RenderTemplate(memoryTemplate, map[string]any{"sections": sections})
}

func historyContents(history []memory.Item) []core.Content {
	out := make([]core.Content, 0, len(history))
	for _, it := range history {
		role := it.SessionRole
		switch role {
		case core.RoleUser, core.RoleAssistant:
		default:
			role = core.RoleSystem
		}
		out = append(out, core.NewTextContent(role, it.Text))
	}
	return out
}
