// Package memory is an in-memory Store used by tests and by ephemeral runs
// that do not want a database file.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/user/jotbot/internal/types"
)

// Store keeps everything in maps guarded by one mutex. Safe for concurrent
// use.
type Store struct {
	mu        sync.Mutex
	records   map[types.RecordID]*types.Record
	order     []types.RecordID
	sessions  map[types.SessionID]*types.Session
	reminders map[types.ReminderID]*reminderRow

	// FailSaves, when > 0, makes the next N SaveRecord calls fail. Lets
	// tests exercise the degradation paths.
	FailSaves int
}

type reminderRow struct {
	inst types.ReminderInstance
	done bool
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		records:   make(map[types.RecordID]*types.Record),
		sessions:  make(map[types.SessionID]*types.Session),
		reminders: make(map[types.ReminderID]*reminderRow),
	}
}

func (s *Store) SaveRecord(_ context.Context, record *types.Record) (types.RecordID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailSaves > 0 {
		s.FailSaves--
		return "", fmt.Errorf("save unavailable")
	}
	if record == nil || record.ID == "" {
		return "", fmt.Errorf("invalid record: missing id")
	}
	if _, exists := s.records[record.ID]; !exists {
		s.order = append(s.order, record.ID)
	}
	cp := *record
	s.records[record.ID] = &cp
	if record.Reminder != nil {
		id := types.NewReminderID()
		s.reminders[id] = &reminderRow{inst: types.ReminderInstance{
			ID:         id,
			UserKey:    record.UserKey,
			Title:      record.Reminder.Title,
			TriggerAt:  record.Reminder.TriggerAt,
			Recurrence: record.Reminder.Recurrence,
			Interval:   record.Reminder.Interval,
		}}
	}
	return record.ID, nil
}

func (s *Store) ListRecords(_ context.Context, user types.UserKey, limit int) ([]*types.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = 10
	}
	var out []*types.Record
	for i := len(s.order) - 1; i >= 0 && len(out) < limit; i-- {
		rec := s.records[s.order[i]]
		if rec.UserKey != user {
			continue
		}
		cp := *rec
		out = append(out, &cp)
	}
	return out, nil
}

func (s *Store) TagHistory(_ context.Context, user types.UserKey) (map[string]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	history := make(map[string]int)
	for _, rec := range s.records {
		if rec.UserKey != user {
			continue
		}
		for _, tag := range rec.Tags {
			history[tag]++
		}
	}
	return history, nil
}

func (s *Store) SaveSession(_ context.Context, session *types.Session) error {
	if session == nil || session.ID == "" {
		return fmt.Errorf("invalid session: missing id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *session
	s.sessions[session.ID] = &cp
	return nil
}

func (s *Store) ListSessions(_ context.Context, user types.UserKey) ([]*types.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.Session
	for _, sess := range s.sessions {
		if sess.UserKey == user {
			cp := *sess
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out, nil
}

func (s *Store) DueReminders(_ context.Context, now time.Time) ([]*types.ReminderInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []*types.ReminderInstance
	for _, row := range s.reminders {
		if row.done || row.inst.TriggerAt.After(now) {
			continue
		}
		cp := row.inst
		due = append(due, &cp)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].TriggerAt.Before(due[j].TriggerAt) })
	return due, nil
}

func (s *Store) PendingReminders(_ context.Context, user types.UserKey) ([]*types.ReminderInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.ReminderInstance
	for _, row := range s.reminders {
		if row.done || row.inst.UserKey != user {
			continue
		}
		cp := row.inst
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TriggerAt.Before(out[j].TriggerAt) })
	return out, nil
}

func (s *Store) MarkReminderFired(_ context.Context, id types.ReminderID, next time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.reminders[id]
	if !ok {
		return fmt.Errorf("reminder %s not found", id)
	}
	if next.IsZero() {
		row.done = true
		return nil
	}
	row.inst.TriggerAt = next
	return nil
}

// Records returns all saved records in insertion order. Test helper.
func (s *Store) Records() []*types.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*types.Record, 0, len(s.order))
	for _, id := range s.order {
		cp := *s.records[id]
		out = append(out, &cp)
	}
	return out
}
