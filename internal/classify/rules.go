package classify

import (
	"regexp"
	"strings"

	"github.com/user/jotbot/internal/tags"
	"github.com/user/jotbot/internal/types"
)

// FallbackConfidence is the conservative constant reported by the rule-based
// path. Advisory only; it never blocks persistence.
const FallbackConfidence = 0.5

var (
	relTimeRe  = regexp.MustCompile(`(?i)\b(tomorrow|today|tonight|at \d{1,2}(:\d{2})?\s?(am|pm)?|in \d+ (minute|hour|day|week|month)s?|next (monday|tuesday|wednesday|thursday|friday|saturday|sunday|week|month))\b`)
	timeWordRe = regexp.MustCompile(`(?i)\b(remind(er)?|every|daily|weekly|monthly|yearly)\b`)
	bdayRe     = regexp.MustCompile(`(?i)\b(birthday|bday|born on|birth date)\b`)
	dateLikeRe = regexp.MustCompile(`(?i)\b(jan(uary)?|feb(ruary)?|mar(ch)?|apr(il)?|may|jun(e)?|jul(y)?|aug(ust)?|sep(tember)?|oct(ober)?|nov(ember)?|dec(ember)?|\d{1,2}[/.-]\d{1,2})\b`)
)

// IsTagsOnly reports whether content consists of nothing but hashtag tokens.
// This is the brain-dump session-start grammar.
func IsTagsOnly(content string) bool {
	fields := strings.Fields(content)
	if len(fields) == 0 {
		return false
	}
	for _, f := range fields {
		if !strings.HasPrefix(f, "#") || len(f) < 2 {
			return false
		}
	}
	return true
}

// IsCommand reports whether content is a slash command.
func IsCommand(content string) bool {
	return strings.HasPrefix(strings.TrimSpace(content), "/")
}

// Fallback classifies content with deterministic rules. Used when the AI
// capability is unavailable or returns a malformed response, never for low
// confidence. Worst case everything lands as a note so no input is lost.
func Fallback(content string) *types.Classification {
	trimmed := strings.TrimSpace(content)

	if IsTagsOnly(trimmed) {
		return &types.Classification{
			Intent:        types.IntentBrainDump,
			Confidence:    FallbackConfidence,
			Rationale:     "rule: tag-only message",
			SuggestedTags: tags.ExtractHashtags(trimmed),
		}
	}

	if IsCommand(trimmed) {
		return &types.Classification{
			Intent:     types.IntentCommand,
			Confidence: FallbackConfidence,
			Rationale:  "rule: leading slash",
		}
	}

	if relTimeRe.MatchString(trimmed) || timeWordRe.MatchString(trimmed) {
		return &types.Classification{
			Intent:        types.IntentReminder,
			Confidence:    FallbackConfidence,
			Rationale:     "rule: relative time phrase",
			SuggestedTags: tags.ExtractHashtags(trimmed),
		}
	}

	if bdayRe.MatchString(trimmed) && (dateLikeRe.MatchString(trimmed) || relTimeRe.MatchString(trimmed)) {
		return &types.Classification{
			Intent:        types.IntentBirthday,
			Confidence:    FallbackConfidence,
			Rationale:     "rule: birthday keyword with date token",
			SuggestedTags: tags.ExtractHashtags(trimmed),
		}
	}
	if bdayRe.MatchString(trimmed) {
		return &types.Classification{
			Intent:        types.IntentBirthday,
			Confidence:    FallbackConfidence,
			Rationale:     "rule: birthday keyword",
			SuggestedTags: tags.ExtractHashtags(trimmed),
		}
	}

	return &types.Classification{
		Intent:        types.IntentNote,
		Confidence:    FallbackConfidence,
		Rationale:     "rule: default",
		SuggestedTags: tags.ExtractHashtags(trimmed),
	}
}
