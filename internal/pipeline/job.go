package pipeline

import (
	"context"
	"time"

	"github.com/user/jotbot/internal/types"
)

// JobKind distinguishes message processing from sweep checks. Both run on
// the owning user's lane so session mutations never interleave.
type JobKind string

const (
	JobMessage JobKind = "message"
	JobSweep   JobKind = "sweep"
)

// Job is one unit of work queued on a user's lane.
type Job struct {
	ID        types.JobID
	Kind      JobKind
	UserKey   types.UserKey
	Msg       *types.CanonicalMessage // nil for sweep jobs
	ExtraTags []string                // e.g. transcription-failed
	CreatedAt time.Time
	Ctx       context.Context
	OnDone    func(*Outcome, error)
}

// NewMessageJob wraps a canonical message for lane processing.
func NewMessageJob(msg *types.CanonicalMessage, extraTags []string) *Job {
	return &Job{
		ID:        types.NewJobID(),
		Kind:      JobMessage,
		UserKey:   msg.UserKey,
		Msg:       msg,
		ExtraTags: extraTags,
		CreatedAt: time.Now(),
	}
}

// NewSweepJob creates a session-expiry check for one user.
func NewSweepJob(user types.UserKey) *Job {
	return &Job{
		ID:        types.NewJobID(),
		Kind:      JobSweep,
		UserKey:   user,
		CreatedAt: time.Now(),
	}
}
