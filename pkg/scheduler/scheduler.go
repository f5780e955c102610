// Package scheduler runs cancellable delayed and periodic tasks.
//
// Every phase of a liveness session (detection loop, capture countdown,
// session timeout) owns exactly one Task, so stopping a phase is a single
// Cancel call and no timer can outlive the phase that armed it.
package scheduler

import (
	"sync"
	"sync/atomic"
	"time"
)

// Scheduler creates tasks and tracks how many are still live.
type Scheduler struct {
	active atomic.Int64
}

// Task is a handle to a scheduled callback.
type Task struct {
	once    sync.Once
	stop    chan struct{}
	done    chan struct{}
	pending atomic.Bool
	owner   *Scheduler
}

// New creates a scheduler.
func New() *Scheduler {
	return &Scheduler{}
}

func (s *Scheduler) newTask() *Task {
	t := &Task{
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
		owner: s,
	}
	t.pending.Store(true)
	s.active.Add(1)
	return t
}

// After runs fn once after d unless the task is cancelled first.
func (s *Scheduler) After(d time.Duration, fn func()) *Task {
	t := s.newTask()
	go func() {
		defer t.finish()
		timer := time.NewTimer(d)
		defer timer.Stop()

		select {
		case <-t.stop:
		case <-timer.C:
			// Cancel may race the timer; the stop channel wins.
			if t.claim() {
				fn()
			}
		}
	}()
	return t
}

// Every runs fn every d until cancelled. Runs never overlap: a run that
// outlasts the interval delays the next one and missed ticks are dropped.
func (s *Scheduler) Every(d time.Duration, fn func()) *Task {
	t := s.newTask()
	go func() {
		defer t.finish()
		ticker := time.NewTicker(d)
		defer ticker.Stop()

		for {
			select {
			case <-t.stop:
				return
			case <-ticker.C:
				select {
				case <-t.stop:
					return
				default:
				}
				fn()
			}
		}
	}()
	return t
}

// Active returns the number of tasks that have not finished yet.
func (s *Scheduler) Active() int {
	return int(s.active.Load())
}

// claim marks a one-shot task as fired. It fails if Cancel got there first.
func (t *Task) claim() bool {
	select {
	case <-t.stop:
		return false
	default:
	}
	return t.pending.CompareAndSwap(true, false)
}

func (t *Task) finish() {
	t.pending.Store(false)
	t.owner.active.Add(-1)
	close(t.done)
}

// Cancel stops the task. It is safe to call more than once and from inside
// the task's own callback. It reports whether the task was still pending.
func (t *Task) Cancel() bool {
	if t == nil {
		return false
	}
	wasPending := false
	t.once.Do(func() {
		wasPending = t.pending.CompareAndSwap(true, false)
		close(t.stop)
	})
	return wasPending
}

// Done is closed once the task's goroutine has exited.
func (t *Task) Done() <-chan struct{} {
	return t.done
}
