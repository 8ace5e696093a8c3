// internal/scheduler/scheduler.go
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/user/jotbot/internal/types"
)

// SweepFunc is called on the sweep tick to expire idle sessions.
type SweepFunc func()

// FireFunc delivers one due reminder to its user.
type FireFunc func(ctx context.Context, reminder *types.ReminderInstance)

// Scheduler drives the two periodic jobs: the session sweep and the reminder
// dispatch. Both run on cron ticks; the sweep delegates to the pipeline and
// the dispatch polls the store for due rows.
type Scheduler struct {
	store types.Store
	sweep SweepFunc
	fire  FireFunc
	cron  *cron.Cron
}

// cronParser accepts both standard 5-field cron expressions and 6-field
// expressions with an optional seconds field.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// New creates a Scheduler. sweep runs every minute; fire is called once per
// due reminder on the same cadence.
func New(store types.Store, sweep SweepFunc, fire FireFunc) *Scheduler {
	return &Scheduler{
		store: store,
		sweep: sweep,
		fire:  fire,
		cron:  cron.New(cron.WithParser(cronParser)),
	}
}

// Start registers the periodic jobs and starts the cron ticker.
func (s *Scheduler) Start() error {
	if s.sweep != nil {
		if _, err := s.cron.AddFunc("@every 1m", func() {
			s.sweep()
		}); err != nil {
			return err
		}
	}
	if s.fire != nil {
		if _, err := s.cron.AddFunc("@every 1m", s.dispatchDue); err != nil {
			return err
		}
	}
	s.cron.Start()
	slog.Info("scheduler started")
	return nil
}

// Stop stops the cron ticker and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// dispatchDue fires every reminder whose trigger time has passed, then
// advances recurring reminders and retires one-shots.
func (s *Scheduler) dispatchDue() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	due, err := s.store.DueReminders(ctx, time.Now().UTC())
	if err != nil {
		slog.Error("due reminder query failed", "error", err)
		return
	}

	for _, reminder := range due {
		slog.Info("reminder firing",
			"reminder_id", string(reminder.ID), "user_key", string(reminder.UserKey),
			"title", reminder.Title)
		s.fire(ctx, reminder)

		// Mark after firing so a crash re-fires rather than drops.
		if err := s.store.MarkReminderFired(ctx, reminder.ID, reminder.NextTrigger(time.Now())); err != nil {
			slog.Error("mark reminder fired failed",
				"reminder_id", string(reminder.ID), "error", err)
		}
	}
}
