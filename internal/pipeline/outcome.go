package pipeline

import (
	"github.com/user/jotbot/internal/types"
)

// Status is the pipeline's exit state for one message.
type Status string

const (
	// StatusSuccess: record persisted (or control action applied) and a
	// response composed.
	StatusSuccess Status = "success"
	// StatusPartial: persisted as an untyped note after a non-fatal
	// classification or extraction failure.
	StatusPartial Status = "partial"
	// StatusFailed: hard failure; persistence could not be completed.
	StatusFailed Status = "failed"
)

// ResultKind says what the pipeline did with the message.
type ResultKind string

const (
	ResultNote             ResultKind = "note"
	ResultReminder         ResultKind = "reminder"
	ResultBirthday         ResultKind = "birthday"
	ResultCommand          ResultKind = "command"
	ResultSessionStarted   ResultKind = "session_started"
	ResultSessionContinued ResultKind = "session_continued"
	ResultSessionEnded     ResultKind = "session_ended"
)

// Outcome is the pipeline's result for one inbound message, consumed by the
// response composer and remembered by the dedup window.
type Outcome struct {
	Status     Status                `json:"status"`
	Kind       ResultKind            `json:"kind"`
	RecordID   types.RecordID        `json:"record_id,omitempty"`
	Intent     types.Intent          `json:"intent,omitempty"`
	Confidence float64               `json:"confidence,omitempty"`
	Tags       []string              `json:"tags,omitempty"`
	Reminder   *types.ReminderEntity `json:"reminder,omitempty"`
	Birthday   *types.BirthdayEntity `json:"birthday,omitempty"`
	Session    *types.Session        `json:"session,omitempty"`
	Reply      string                `json:"reply,omitempty"` // command responses
	Failure    string                `json:"failure,omitempty"`
	// SuggestTags carries historical tags offered when a note lands
	// without any tags of its own.
	SuggestTags []string `json:"suggest_tags,omitempty"`
	// Duplicate marks an idempotent replay of a prior delivery.
	Duplicate bool `json:"duplicate,omitempty"`
}

// duplicateOf wraps a prior outcome for an idempotent replay.
func duplicateOf(prior *Outcome) *Outcome {
	if prior == nil {
		return &Outcome{Status: StatusSuccess, Duplicate: true}
	}
	cp := *prior
	cp.Duplicate = true
	return &cp
}
