package tagging

import (
	"regexp"
	"strings"
)

var noisePhrases = toSet(
	// greetings
	"hi", "hello", "hey", "hi there", "hey there", "yo", "whats up", "sup", "howdy",
	"good morning", "good afternoon", "good night", "bye", "goodbye", "see ya", "later",
	"take care", "gn", "night",
	// short affirmatives and negatives
	"ok", "okay", "yeah", "nah", "maybe", "got it", "roger", "sure", "yup", "nope",
	"yes", "no", "alright", "right", "uh huh", "mm hmm", "mhm", "aye", "bet", "fine", "k", "kk",
	// reactions
	"wow", "oh", "ah", "huh", "oops", "whoops", "hm", "hmm", "heh", "hmm ok", "okay then",
	"cool", "nice", "great", "awesome", "interesting", "noted", "makes sense", "understood",
	// slang
	"lol", "haha", "lmao", "lmfao", "rofl", "smh", "brb", "btw", "idk", "imo", "imho",
	"tbh", "omg", "omfg", "ikr", "fr", "nvm",
)

// fillers are noise only when they make up the whole message.
var fillers = toSet("um", "uh", "well", "like", "you know", "i mean")

var (
	punctRe    = regexp.MustCompile(`[^\w\s]`)
	spaceRe    = regexp.MustCompile(`\s+`)
	laughterRe = regexp.MustCompile(`(?i)^(ha|lol|lmao|rofl)+!*$`)
)

func toSet(items ...string) map[string]struct{} {
	s := make(map[string]struct{}, len(items))
	for _, it := range items {
		s[it] = struct{}{}
	}
	return s
}

func normalize(text string) string {
	n := strings.ToLower(strings.TrimSpace(text))
	n = punctRe.ReplaceAllString(n, "")
	return strings.TrimSpace(spaceRe.ReplaceAllString(n, " "))
}

// IsNoise reports whether text carries no retrievable signal: empty input,
// greetings, one-word reactions, lone fillers, laughter and very short
// fragments (at most two words and ten characters).
func (t *KeywordTagger) IsNoise(text string) bool {
	return IsNoise(text)
}

// IsNoise is the package level noise check used by KeywordTagger.
func IsNoise(text string) bool {
	if strings.TrimSpace(text) == "" {
		return true
	}
	n := normalize(text)
	if _, ok := noisePhrases[n]; ok {
		return true
	}
	if _, ok := fillers[n]; ok {
		return true
	}
	if len(strings.Fields(n)) <= 2 && len(n) <= 10 {
		return true
	}
	return laughterRe.MatchString(n)
}
