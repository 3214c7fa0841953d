package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/accuscene/corefabric/pkg/utils"
)

// ScheduleID identifies one delayed or repeating schedule entry.
type ScheduleID string

// scheduleEntry holds one (schedule_id, job, next_run_at) triple. Repeat,
// when non-zero, causes next_run_at to be reset rather than removed after
// it fires.
type scheduleEntry struct {
	job       Job
	nextRunAt time.Time
	repeat    time.Duration
}

// DelayedScheduler holds scheduled jobs in a time-indexed table and, on a
// once-per-second tick, pushes every due entry onto the queue.
type DelayedScheduler struct {
	queue  Queue
	logger *utils.StructuredLogger

	mu      sync.Mutex
	entries map[ScheduleID]*scheduleEntry
	seq     uint64

	stopCh chan struct{}
}

// NewDelayedScheduler builds a scheduler that feeds due jobs into queue.
func NewDelayedScheduler(queue Queue, logger *utils.StructuredLogger) *DelayedScheduler {
	return &DelayedScheduler{
		queue:   queue,
		logger:  logger,
		entries: make(map[ScheduleID]*scheduleEntry),
		stopCh:  make(chan struct{}),
	}
}

func (s *DelayedScheduler) nextID() ScheduleID {
	s.mu.Lock()
	s.seq++
	id := s.seq
	s.mu.Unlock()
	return ScheduleID("sched-" + itoa(int64(id)))
}

// ScheduleDelayed queues job to run after delay elapses, one-shot.
func (s *DelayedScheduler) ScheduleDelayed(job Job, delay time.Duration) ScheduleID {
	return s.scheduleAt(job, time.Now().Add(delay), 0)
}

// ScheduleAt queues job to run at a specific absolute time, one-shot.
func (s *DelayedScheduler) ScheduleAt(job Job, runAt time.Time) ScheduleID {
	return s.scheduleAt(job, runAt, 0)
}

// ScheduleRepeating queues job to run every interval, starting at the first
// occurrence after now.
func (s *DelayedScheduler) ScheduleRepeating(job Job, interval time.Duration) ScheduleID {
	return s.scheduleAt(job, time.Now().Add(interval), interval)
}

func (s *DelayedScheduler) scheduleAt(job Job, runAt time.Time, repeat time.Duration) ScheduleID {
	id := s.nextID()
	s.mu.Lock()
	s.entries[id] = &scheduleEntry{job: job, nextRunAt: runAt, repeat: repeat}
	s.mu.Unlock()
	return id
}

// Cancel removes a scheduled entry, returning false if it was not found
// (already fired and one-shot, or never existed).
func (s *DelayedScheduler) Cancel(id ScheduleID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[id]
	delete(s.entries, id)
	return ok
}

// NextExecution returns the next scheduled run time for id, if it exists.
func (s *DelayedScheduler) NextExecution(id ScheduleID) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return time.Time{}, false
	}
	return e.nextRunAt, true
}

// ListScheduled returns every currently scheduled id.
func (s *DelayedScheduler) ListScheduled() []ScheduleID {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ScheduleID, 0, len(s.entries))
	for id := range s.entries {
		out = append(out, id)
	}
	return out
}

// Tick checks every entry due at or before now, pushes it to the queue, and
// either removes it (one-shot) or advances next_run_at (repeating). It
// returns the ids that fired.
func (s *DelayedScheduler) Tick() []ScheduleID {
	now := time.Now()
	var fired []ScheduleID

	s.mu.Lock()
	defer s.mu.Unlock()

	for id, e := range s.entries {
		if e.nextRunAt.After(now) {
			continue
		}
		s.queue.Push(e.job)
		fired = append(fired, id)

		if e.repeat > 0 {
			for !e.nextRunAt.After(now) {
				e.nextRunAt = e.nextRunAt.Add(e.repeat)
			}
		} else {
			delete(s.entries, id)
		}
	}
	return fired
}

// Run starts the ticker loop; it wakes at most once per second, per §4.6.
func (s *DelayedScheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			fired := s.Tick()
			if len(fired) > 0 {
				s.logger.Debug("delayed scheduler fired entries", map[string]interface{}{"count": len(fired)})
			}
		}
	}
}

// Stop halts the ticker loop.
func (s *DelayedScheduler) Stop() {
	close(s.stopCh)
}
