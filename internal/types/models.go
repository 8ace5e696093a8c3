// internal/types/models.go
package types

import (
	"time"
)

// SourceKind identifies what media the inbound content came from.
type SourceKind string

const (
	SourceText     SourceKind = "text"
	SourceImage    SourceKind = "image"
	SourceAudio    SourceKind = "audio"
	SourceDocument SourceKind = "document"
)

// Intent is the classified meaning of a message.
type Intent string

const (
	IntentNote      Intent = "note"
	IntentReminder  Intent = "reminder"
	IntentBirthday  Intent = "birthday"
	IntentCommand   Intent = "command"
	IntentBrainDump Intent = "brain_dump"
)

// RawEvent is one inbound delivery from a channel adapter, before any
// normalization. Adapters fill what they have; the message builder validates.
type RawEvent struct {
	UserKey   string    `json:"user_key"`
	Content   string    `json:"content"`
	Source    string    `json:"source"`
	MessageID string    `json:"message_id"`
	Timestamp time.Time `json:"timestamp,omitempty"`
	MediaRef  string    `json:"media_ref,omitempty"`
}

// CanonicalMessage is the normalized, immutable form of one inbound event.
type CanonicalMessage struct {
	UserKey          UserKey    `json:"user_key"`
	Content          string     `json:"content"`
	Source           SourceKind `json:"source"`
	ReceivedAt       time.Time  `json:"received_at"`
	ChannelMessageID string     `json:"channel_message_id"`
	MediaRef         string     `json:"media_ref,omitempty"`
}

// Classification is the classifier's verdict for a single message. It is
// consumed immediately by the pipeline and never stored as mutable state.
type Classification struct {
	Intent        Intent   `json:"intent"`
	Confidence    float64  `json:"confidence"`
	Rationale     string   `json:"rationale,omitempty"`
	SuggestedTags []string `json:"suggested_tags,omitempty"`
}

// SessionStatus is the lifecycle state of a brain-dump session.
// Completed, timed_out and cancelled are terminal.
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
	SessionTimedOut  SessionStatus = "timed_out"
	SessionCancelled SessionStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s SessionStatus) Terminal() bool {
	return s == SessionCompleted || s == SessionTimedOut || s == SessionCancelled
}

// Session is a brain-dump capture session. At most one active session exists
// per user; mutation happens only under the session manager.
type Session struct {
	ID           SessionID     `json:"id"`
	UserKey      UserKey       `json:"user_key"`
	Status       SessionStatus `json:"status"`
	Tags         []string      `json:"tags"`
	MessageCount int           `json:"message_count"`
	StartedAt    time.Time     `json:"started_at"`
	LastActivity time.Time     `json:"last_activity"`
	EndedAt      *time.Time    `json:"ended_at,omitempty"`
}

// Recurrence describes how a reminder repeats.
type Recurrence string

const (
	RecurNone    Recurrence = "none"
	RecurDaily   Recurrence = "daily"
	RecurWeekly  Recurrence = "weekly"
	RecurMonthly Recurrence = "monthly"
	RecurYearly  Recurrence = "yearly"
)

// ReminderEntity is the structured result of reminder extraction.
type ReminderEntity struct {
	Title      string     `json:"title"`
	TriggerAt  time.Time  `json:"trigger_at"`
	Recurrence Recurrence `json:"recurrence"`
	Interval   int        `json:"interval,omitempty"`
}

// BirthdayEntity is the structured result of birthday extraction.
// Year 0 means the year is unknown.
type BirthdayEntity struct {
	PersonName string     `json:"person_name"`
	Month      time.Month `json:"month"`
	Day        int        `json:"day"`
	Year       int        `json:"year,omitempty"`
}

// YearKnown reports whether the birthday carries a real year.
func (b BirthdayEntity) YearKnown() bool { return b.Year != 0 }

// Record is the fully assembled result of one pipeline execution, handed to
// the persistence capability.
type Record struct {
	ID               RecordID        `json:"id"`
	UserKey          UserKey         `json:"user_key"`
	Content          string          `json:"content"`
	Source           SourceKind      `json:"source"`
	Intent           Intent          `json:"intent"`
	Confidence       float64         `json:"confidence"`
	Tags             []string        `json:"tags"`
	SessionID        SessionID       `json:"session_id,omitempty"`
	ChannelMessageID string          `json:"channel_message_id"`
	Reminder         *ReminderEntity `json:"reminder,omitempty"`
	Birthday         *BirthdayEntity `json:"birthday,omitempty"`
	Failure          string          `json:"failure,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
}

// ReminderInstance is a due reminder loaded back from the store for firing.
type ReminderInstance struct {
	ID         ReminderID `json:"id"`
	UserKey    UserKey    `json:"user_key"`
	Title      string     `json:"title"`
	TriggerAt  time.Time  `json:"trigger_at"`
	Recurrence Recurrence `json:"recurrence"`
	Interval   int        `json:"interval,omitempty"`
}

// NextTrigger returns the first occurrence strictly after now, or the zero
// time for one-shot reminders. Stepping until after now keeps a reminder
// that fired late (daemon downtime, clock skew) from re-firing on every
// sweep until the schedule catches up.
func (r ReminderInstance) NextTrigger(now time.Time) time.Time {
	interval := r.Interval
	if interval <= 0 {
		interval = 1
	}
	step := func(t time.Time) time.Time {
		switch r.Recurrence {
		case RecurDaily:
			return t.AddDate(0, 0, interval)
		case RecurWeekly:
			return t.AddDate(0, 0, 7*interval)
		case RecurMonthly:
			return t.AddDate(0, interval, 0)
		case RecurYearly:
			return t.AddDate(interval, 0, 0)
		default:
			return time.Time{}
		}
	}
	next := step(r.TriggerAt)
	for !next.IsZero() && !next.After(now) {
		next = step(next)
	}
	return next
}
