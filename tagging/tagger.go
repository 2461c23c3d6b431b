// Package tagging provides the default keyword Tagger: regex topic tags,
// weighted behaviour tags and a low-signal (noise) check for short chat
// messages. It is deliberately simple; callers with better classifiers can
// supply their own core.Tagger.
package tagging

import (
	"regexp"
	"strings"

	"github.com/hupe1980/contextmesh/core"
)

// DefaultMaxTags caps the tags returned for one message.
const DefaultMaxTags = 7

var _ core.Tagger = (*KeywordTagger)(nil)

type topic struct {
	name     string
	patterns []*regexp.Regexp
}

type behavior struct {
	name   string
	strong []string
	soft   []*regexp.Regexp
}

func compile(exprs ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(exprs))
	for i, e := range exprs {
		out[i] = regexp.MustCompile(`(?i)` + e)
	}
	return out
}

func words(triggers ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(triggers))
	for i, t := range triggers {
		out[i] = regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(t) + `\b`)
	}
	return out
}

var defaultTopics = []topic{
	{"go", compile(`\bgolang\b`, `\bgoroutine`, `go\.mod`)},
	{"sql", compile(`\bsql\b`, `\bquery\b`, `SELECT\s+\*?\s*FROM`)},
	{"sqlite", compile(`\bsqlite\b`)},
	{"python", compile(`\bpython\b`, `\bpip\b`)},
	{"javascript", compile(`\bjavascript\b`, `\bjs\b`, `node\.js`)},
	{"ollama", compile(`\bollama\b`)},
	{"llm", compile(`\bllm\b`, `language model`, `mistral`, `llama`)},
	{"embedding", compile(`\bembedding\b`, `\bembed\b`, `\bvector\b`)},
	{"vector-search", compile(`vector search`, `similarity search`)},
	{"summarization", compile(`summari[sz]e`, `summary`)},
	{"prompt-design", compile(`\bprompt\b`, `\binstruction\b`, `\bprompting\b`)},
	{"context-injection", compile(`context injection`, `inject.*memory`)},
	{"memory-retrieval", compile(`retrieve.*memory`, `search.*memory`)},
	{"fine-tuning", compile(`fine[- ]tuning`, `finetune`)},
	{"system-architecture", compile(`architecture`, `system design`, `modular structure`)},
	{"identity", compile(`\bidentity\b`, `who am i`, `self[- ]definition`)},
	{"memory-system", compile(`memory system`, `core memory`)},
	{"task-queue", compile(`task queue`, `message queue`, `job queue`)},
	{"session-history", compile(`session history`, `past conversation`)},
	{"background-processing", compile(`background thread`, `\basync\b`, `idle process`)},
	{"threading", compile(`\bthread\b`, `\bconcurrency\b`)},
	{"bug", compile(`\bbug\b`, `\bissue\b`, `something's wrong`)},
	{"debug", compile(`\bdebug\b`, `\btrace\b`, `step through`)},
	{"testing", compile(`test run`, `unit test`, `\btesting\b`)},
	{"performance", compile(`\bperformance\b`, `\blag\b`, `\bslow\b`, `\blatency\b`)},
	{"timeout", compile(`\btimeout\b`, `\bhang\b`, `\bfreeze\b`)},
	{"documentation", compile(`\bdocumentation\b`, `\bdocs\b`, `\breadme\b`)},
	{"code", compile("```", `\bfunc\b`, `\bclass\b`, `\bpackage\b`, `#include`)},
}

// Strong triggers score 2 (substring match), soft triggers score 1 (whole word).
var defaultBehaviors = []behavior{
	{"identity", []string{"sense of self", "who i am", "selfhood", "core identity"}, words("identity", "i am", "self")},
	{"emotion", []string{"emotional awareness", "frustrated", "i feel", "emotions"}, words("feelings", "frustration", "emotional")},
	{"core-memory", []string{"core memory", "permanent memory"}, words("important memory", "persistent memory")},
	{"reflection", []string{"self-reflection", "learning loop"}, words("feedback loop", "reflection", "learning from mistakes")},
	{"goal", []string{"guiding star", "primary objective"}, words("goal", "priority", "focus")},
	{"task", []string{"assigned task", "task queue"}, words("task", "to-do", "next step")},
	{"drift", []string{"drifted off", "lost focus"}, words("drift", "off-track", "misaligned")},
	{"architecture", []string{"system architecture", "overall structure", "modular design"}, words("framework", "system design", "structure")},
}

// Options configures a KeywordTagger.
type Options struct {
	// MaxTags caps the number of tags per message.
	MaxTags int
}

// KeywordTagger is a stateless pattern based tagger, safe for concurrent use.
type KeywordTagger struct {
	opts Options
}

// New returns a KeywordTagger with the built-in vocabulary.
func New(optFns ...func(o *Options)) *KeywordTagger {
	opts := Options{MaxTags: DefaultMaxTags}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.MaxTags <= 0 {
		opts.MaxTags = DefaultMaxTags
	}
	return &KeywordTagger{opts: opts}
}

// Tag returns behaviour tags first, then topic tags, de-duplicated and capped
// at MaxTags. Messages that match nothing get no tags.
func (t *KeywordTagger) Tag(text string) []string {
	seen := make(map[string]struct{})
	var tags []string
	add := func(name string) {
		if _, ok := seen[name]; ok || len(tags) >= t.opts.MaxTags {
			return
		}
		seen[name] = struct{}{}
		tags = append(tags, name)
	}

	lower := strings.ToLower(text)
	for _, b := range defaultBehaviors {
		score := 0
		for _, s := range b.strong {
			if strings.Contains(lower, s) {
				score += 2
			}
		}
		for _, re := range b.soft {
			if re.MatchString(text) {
				score++
			}
		}
		if score > 0 {
			add(b.name)
		}
	}
	for _, tp := range defaultTopics {
		for _, re := range tp.patterns {
			if re.MatchString(text) {
				add(tp.name)
				break
			}
		}
	}
	return tags
}
