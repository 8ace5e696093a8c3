package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/user/jotbot/internal/types"
)

// Lanes manages per-user FIFO queues with a global concurrency semaphore.
// Each user gets their own channel (lane) so that jobs for one user are
// processed strictly in arrival order, while the semaphore bounds the total
// number of concurrent executions across users. The lane is the per-user
// execution slot the session manager relies on.
type Lanes struct {
	lanes     map[types.UserKey]chan *Job
	semaphore *semaphore.Weighted
	processor func(*Job) error
	active    atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.RWMutex
}

// NewLanes creates a Lanes that allows up to maxConcurrent jobs to execute
// simultaneously across all users.
func NewLanes(maxConcurrent int64) *Lanes {
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	return &Lanes{
		lanes:     make(map[types.UserKey]chan *Job),
		semaphore: semaphore.NewWeighted(maxConcurrent),
	}
}

// Start initialises the lane context. Must be called before Enqueue.
func (l *Lanes) Start(ctx context.Context) {
	l.ctx, l.cancel = context.WithCancel(ctx)
}

// Stop cancels the lane context, closes all lanes, and waits for in-flight
// processors to finish.
func (l *Lanes) Stop() {
	if l.cancel != nil {
		l.cancel()
	}
	l.mu.Lock()
	for _, lane := range l.lanes {
		close(lane)
	}
	l.lanes = make(map[types.UserKey]chan *Job)
	l.mu.Unlock()
	l.wg.Wait()
}

// Enqueue adds a Job to the user's lane, creating the lane (and its
// goroutine) on first use. Returns an error if the lane's buffer is full.
func (l *Lanes) Enqueue(job *Job) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	lane, exists := l.lanes[job.UserKey]
	if !exists {
		lane = make(chan *Job, 100)
		l.lanes[job.UserKey] = lane
		l.wg.Add(1)
		go l.processLane(job.UserKey, lane)
	}

	select {
	case lane <- job:
		return nil
	default:
		return fmt.Errorf("lane full for user %s", job.UserKey)
	}
}

// processLane drains a single user lane, acquiring a semaphore slot before
// running the processor synchronously. Strict FIFO per user; the semaphore
// bounds cross-user parallelism.
func (l *Lanes) processLane(user types.UserKey, lane chan *Job) {
	defer l.wg.Done()
	for {
		select {
		case job, ok := <-lane:
			if !ok {
				return
			}
			if err := l.semaphore.Acquire(l.ctx, 1); err != nil {
				return
			}
			if l.processor != nil {
				l.active.Add(1)
				job.Ctx = l.ctx
				if err := l.processor(job); err != nil {
					slog.Error("job failed",
						"job_id", string(job.ID), "user_key", string(user),
						"kind", string(job.Kind), "error", err)
				}
				l.active.Add(-1)
			}
			l.semaphore.Release(1)
		case <-l.ctx.Done():
			return
		}
	}
}

// WaitIdle blocks until no jobs are actively being processed, or the timeout
// expires. Returns true if idle, false if timed out.
func (l *Lanes) WaitIdle(timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		if l.active.Load() == 0 {
			return true
		}
		select {
		case <-deadline:
			return false
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// SetProcessor sets the function invoked for each dequeued Job.
func (l *Lanes) SetProcessor(fn func(*Job) error) {
	l.processor = fn
}
