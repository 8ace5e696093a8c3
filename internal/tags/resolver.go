// Package tags merges explicit, session, AI-suggested and historical tags
// into a single ranked tag set.
package tags

import (
	"regexp"
	"sort"
	"strings"
)

// DefaultMax is the tag cap applied when the caller passes no limit.
const DefaultMax = 5

var hashtagRe = regexp.MustCompile(`#(\w+)`)

// ExtractHashtags returns the lowercase hashtag tokens found in text, in
// order of appearance.
func ExtractHashtags(text string) []string {
	matches := hashtagRe.FindAllStringSubmatch(text, -1)
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		out = append(out, strings.ToLower(m[1]))
	}
	return out
}

// Resolve produces the final ordered tag set for a record. Ordering is
// explicit > session-inherited > AI-suggested > historical by frequency,
// deduplicated case-insensitively and truncated to max entries (DefaultMax
// when max <= 0). Pure function, no I/O.
func Resolve(explicit, session, suggested []string, history map[string]int, max int) []string {
	if max <= 0 {
		max = DefaultMax
	}

	out := make([]string, 0, max)
	seen := make(map[string]bool)

	add := func(tag string) {
		tag = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(tag, "#")))
		if tag == "" || seen[tag] || len(out) >= max {
			return
		}
		seen[tag] = true
		out = append(out, tag)
	}

	for _, t := range explicit {
		add(t)
	}
	for _, t := range session {
		add(t)
	}
	for _, t := range suggested {
		add(t)
	}
	for _, t := range TopHistorical(history, max) {
		add(t)
	}

	return out
}

// TopHistorical returns up to n tags from a frequency map, most frequent
// first. Ties break alphabetically so the result is deterministic.
func TopHistorical(history map[string]int, n int) []string {
	if len(history) == 0 || n <= 0 {
		return nil
	}
	keys := make([]string, 0, len(history))
	for k := range history {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if history[keys[i]] != history[keys[j]] {
			return history[keys[i]] > history[keys[j]]
		}
		return keys[i] < keys[j]
	})
	if len(keys) > n {
		keys = keys[:n]
	}
	return keys
}
