// Package scheduler runs one deferred finalization per stream session.
package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/camwatch/camwatch-server/internal/clock"
)

// FinalizeFunc is invoked once when a session's task fires
type FinalizeFunc func(ctx context.Context, sessionID uuid.UUID)

// TaskState is the lifecycle of a scheduled task
type TaskState string

const (
	TaskPending TaskState = "pending"
	TaskRunning TaskState = "running"
)

// Task describes a scheduled finalization
type Task struct {
	SessionID uuid.UUID `json:"sessionId"`
	DeviceID  string    `json:"deviceId"`
	DueAt     time.Time `json:"dueAt"`
	State     TaskState `json:"state"`
}

type task struct {
	Task
	timer *clock.Timer
}

// Scheduler keeps at most one task per session id. Tasks fire at most once,
// are not retried and are forgotten after they run.
type Scheduler struct {
	ctx   context.Context
	clock clock.Clock
	fn    FinalizeFunc

	mu      sync.Mutex
	tasks   map[uuid.UUID]*task
	stopped bool
	running sync.WaitGroup
}

// New creates a Scheduler. ctx is passed to every FinalizeFunc call.
func New(ctx context.Context, c clock.Clock, fn FinalizeFunc) *Scheduler {
	return &Scheduler{
		ctx:   ctx,
		clock: c,
		fn:    fn,
		tasks: make(map[uuid.UUID]*task),
	}
}

// Schedule arranges for sessionID to be finalized after delay. A pending
// task for the same session is replaced. A non-positive delay fires
// immediately.
func (s *Scheduler) Schedule(sessionID uuid.UUID, deviceID string, delay time.Duration) Task {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		log.Warn().Str("session_id", sessionID.String()).Msg("Scheduler stopped, finalization not scheduled")
		return Task{SessionID: sessionID, DeviceID: deviceID}
	}
	if prev, ok := s.tasks[sessionID]; ok && prev.State == TaskPending && prev.timer != nil {
		prev.timer.Stop()
	}
	t := &task{Task: Task{
		SessionID: sessionID,
		DeviceID:  deviceID,
		DueAt:     s.clock.Now().Add(delay),
		State:     TaskPending,
	}}
	s.tasks[sessionID] = t
	snapshot := t.Task
	s.mu.Unlock()

	// Registered outside the lock: a fake clock fires non-positive delays
	// synchronously. A task replaced or cancelled before the timer is
	// stored is ignored by fire.
	timer := s.clock.AfterFunc(delay, func() { s.fire(t) })

	s.mu.Lock()
	t.timer = timer
	s.mu.Unlock()

	log.Debug().
		Str("session_id", sessionID.String()).
		Str("device_id", deviceID).
		Time("due_at", snapshot.DueAt).
		Msg("Stream finalization scheduled")

	return snapshot
}

func (s *Scheduler) fire(t *task) {
	s.mu.Lock()
	if s.stopped || s.tasks[t.SessionID] != t || t.State != TaskPending {
		s.mu.Unlock()
		return
	}
	t.State = TaskRunning
	s.running.Add(1)
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		if s.tasks[t.SessionID] == t {
			delete(s.tasks, t.SessionID)
		}
		s.mu.Unlock()
		s.running.Done()
	}()

	s.fn(s.ctx, t.SessionID)
}

// Cancel drops a pending task. It returns false if none was pending.
func (s *Scheduler) Cancel(sessionID uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[sessionID]
	if !ok || t.State != TaskPending {
		return false
	}
	if t.timer != nil {
		t.timer.Stop()
	}
	delete(s.tasks, sessionID)
	return true
}

// Get returns the task for sessionID if one is pending or running
func (s *Scheduler) Get(sessionID uuid.UUID) (Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[sessionID]
	if !ok {
		return Task{}, false
	}
	return t.Task, true
}

// Pending returns all known tasks ordered by due time
func (s *Scheduler) Pending() []Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t.Task)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DueAt.Before(out[j].DueAt) })
	return out
}

// Stop cancels pending tasks and waits for running ones to return
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	for id, t := range s.tasks {
		if t.State == TaskPending {
			if t.timer != nil {
				t.timer.Stop()
			}
			delete(s.tasks, id)
		}
	}
	s.mu.Unlock()

	s.running.Wait()
}
