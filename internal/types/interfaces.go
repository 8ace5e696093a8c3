// internal/types/interfaces.go
package types

import (
	"context"
	"time"
)

// Store is the persistence capability consumed by the pipeline and scheduler.
// Storage engine internals live behind this interface.
type Store interface {
	SaveRecord(ctx context.Context, record *Record) (RecordID, error)
	ListRecords(ctx context.Context, user UserKey, limit int) ([]*Record, error)
	TagHistory(ctx context.Context, user UserKey) (map[string]int, error)
	PendingReminders(ctx context.Context, user UserKey) ([]*ReminderInstance, error)
	SaveSession(ctx context.Context, session *Session) error
	ListSessions(ctx context.Context, user UserKey) ([]*Session, error)
	DueReminders(ctx context.Context, now time.Time) ([]*ReminderInstance, error)
	MarkReminderFired(ctx context.Context, id ReminderID, next time.Time) error
}

// Transcriber converts a media reference into text. Implementations wrap the
// external transcription backend.
type Transcriber interface {
	Transcribe(ctx context.Context, mediaRef string) (string, error)
}

// Deliverer sends outbound text to the channel user. The pipeline itself
// never calls it; callers and the reminder dispatcher do.
type Deliverer interface {
	Send(ctx context.Context, user UserKey, text string) error
}
