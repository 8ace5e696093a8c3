package classify

import (
	"fmt"
	"strings"
	"time"

	"github.com/pkoukk/tiktoken-go"

	"github.com/user/jotbot/internal/tags"
	"github.com/user/jotbot/pkg/llm"
)

const taxonomyPrompt = `You are an assistant that classifies messages for a personal note-taking bot.

Classify the message into exactly one of these intents:
1. "note" - general information, thoughts, or content to save
2. "reminder" - a future task or event with a time or date reference
3. "birthday" - someone's birthday with a person's name and a date

IMPORTANT: Respond with valid JSON only, no markdown formatting or extra text.

{
    "intent": "note|reminder|birthday",
    "confidence": 0.0-1.0,
    "rationale": "string",
    "suggested_tags": ["tag1", "tag2"]
}

Rules:
- If the message mentions time, date or scheduling: likely a reminder
- If the message mentions a person plus birthday/bday/birth: likely a birthday
- If unclear, default to "note"
- Include all hashtags from the message in suggested_tags
- Prefer suggesting tags the user already uses`

// Prompter assembles token-budgeted classification prompts.
type Prompter struct {
	tokenizer *tiktoken.Tiktoken
	maxTokens int
}

// NewPrompter creates a Prompter for the given model. maxTokens bounds the
// user message portion of the prompt; over-budget content is truncated.
func NewPrompter(model string, maxTokens int) (*Prompter, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		// Fallback to cl100k_base for unknown models
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("get tokenizer: %w", err)
		}
	}
	return &Prompter{tokenizer: enc, maxTokens: maxTokens}, nil
}

// Build produces the system and user messages for one classification call.
func (p *Prompter) Build(content string, history map[string]int, now time.Time) []llm.Message {
	var sb strings.Builder
	sb.WriteString("Message to classify: ")
	sb.WriteString(p.truncate(content))
	if recent := tags.TopHistorical(history, 10); len(recent) > 0 {
		sb.WriteString("\nUser's recent tags: ")
		sb.WriteString(strings.Join(recent, ", "))
	}
	sb.WriteString("\nCurrent date/time: ")
	sb.WriteString(now.UTC().Format("2006-01-02 15:04"))

	return []llm.Message{
		{Role: "system", Content: taxonomyPrompt},
		{Role: "user", Content: sb.String()},
	}
}

// truncate cuts content to the token budget, keeping the head of the text.
func (p *Prompter) truncate(content string) string {
	ids := p.tokenizer.Encode(content, nil, nil)
	if len(ids) <= p.maxTokens {
		return content
	}
	return p.tokenizer.Decode(ids[:p.maxTokens])
}
