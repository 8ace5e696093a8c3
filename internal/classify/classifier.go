// Package classify turns canonical message text into an intent with a
// confidence score, delegating to the AI completion capability with a
// deterministic rule-based fallback.
package classify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/user/jotbot/internal/types"
	"github.com/user/jotbot/pkg/llm"
)

// Classifier is the intent classifier. Safe for concurrent use.
type Classifier struct {
	provider llm.Provider
	prompter *Prompter
}

// New creates a Classifier backed by the given completion provider.
func New(provider llm.Provider, prompter *Prompter) *Classifier {
	return &Classifier{provider: provider, prompter: prompter}
}

// aiResult is the JSON shape the taxonomy prompt asks the model for.
type aiResult struct {
	Intent        string   `json:"intent"`
	Confidence    float64  `json:"confidence"`
	Rationale     string   `json:"rationale"`
	SuggestedTags []string `json:"suggested_tags"`
}

// Classify returns the intent for a message. Slash commands and tag-only
// messages are recognized deterministically; everything else goes through
// the AI capability, falling back to rules when the capability fails or
// returns garbage. Never returns a nil result: a message is never dropped
// for classification reasons.
func (c *Classifier) Classify(ctx context.Context, msg *types.CanonicalMessage, history map[string]int) *types.Classification {
	content := strings.TrimSpace(msg.Content)

	// Deterministic shapes never need the model.
	if IsCommand(content) {
		return &types.Classification{Intent: types.IntentCommand, Confidence: 1.0}
	}
	if IsTagsOnly(content) {
		return Fallback(content) // tag-only grammar is deterministic
	}

	result, err := c.classifyAI(ctx, content, history, msg)
	if err != nil {
		slog.Warn("AI classification failed, using fallback rules",
			"user_key", string(msg.UserKey), "error", err)
		return Fallback(content)
	}
	return result
}

func (c *Classifier) classifyAI(ctx context.Context, content string, history map[string]int, msg *types.CanonicalMessage) (*types.Classification, error) {
	messages := c.prompter.Build(content, history, msg.ReceivedAt)

	resp, err := c.provider.Complete(ctx, messages)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrCapabilityUnavailable, err)
	}

	raw := StripFences(resp.Content)
	if raw == "" {
		return nil, fmt.Errorf("%w: empty completion", types.ErrMalformedResponse)
	}

	var result aiResult
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrMalformedResponse, err)
	}

	intent, ok := parseIntent(result.Intent)
	if !ok {
		return nil, fmt.Errorf("%w: unknown intent %q", types.ErrMalformedResponse, result.Intent)
	}

	confidence := result.Confidence
	if confidence < 0 || confidence > 1 {
		confidence = FallbackConfidence
	}

	return &types.Classification{
		Intent:        intent,
		Confidence:    confidence,
		Rationale:     result.Rationale,
		SuggestedTags: lowerAll(result.SuggestedTags),
	}, nil
}

// StripFences removes a wrapping markdown code fence from a model response.
// Some models wrap JSON in ```json blocks despite instructions.
func StripFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```json") {
		s = strings.TrimPrefix(s, "```json")
	} else if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```")
	} else {
		return s
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func parseIntent(raw string) (types.Intent, bool) {
	switch types.Intent(strings.ToLower(strings.TrimSpace(raw))) {
	case types.IntentNote:
		return types.IntentNote, true
	case types.IntentReminder:
		return types.IntentReminder, true
	case types.IntentBirthday:
		return types.IntentBirthday, true
	default:
		return "", false
	}
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(s, "#")))
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
