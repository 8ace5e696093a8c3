// internal/types/ids.go
package types

import (
	"strings"

	"github.com/google/uuid"
)

type UserKey string
type SessionID string
type RecordID string
type ReminderID string
type JobID string

func NewSessionID() SessionID {
	return SessionID(uuid.New().String())
}

func NewRecordID() RecordID {
	return RecordID(uuid.New().String())
}

func NewReminderID() ReminderID {
	return ReminderID(uuid.New().String())
}

func NewJobID() JobID {
	return JobID(uuid.New().String())
}

// NewUserKey joins channel and identity parts into a stable per-channel-user
// key, e.g. NewUserKey("telegram", "12345") -> "telegram:12345".
func NewUserKey(parts ...string) UserKey {
	return UserKey(strings.Join(parts, ":"))
}
