package cron

import (
	"fmt"
	"sync"
	"time"

	rcron "github.com/robfig/cron/v3"
)

// Status is the state of a scheduled entry.
type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusRunning   Status = "running"
	StatusIdle      Status = "idle"
	// StatusFailed means the last run failed; the entry keeps firing.
	StatusFailed   Status = "failed"
	StatusCanceled Status = "canceled"
	StatusStopped  Status = "stopped"
)

// Terminal reports whether the entry will never fire again.
func (s Status) Terminal() bool {
	return s == StatusCanceled || s == StatusStopped
}

// Entry is a recurring job registered on a Scheduler.
type Entry struct {
	scheduler  *Scheduler
	schedule   rcron.Schedule
	id         rcron.EntryID
	name       string
	expression string
	done       chan struct{}
	once       sync.Once

	mu      sync.RWMutex
	status  Status
	err     error
	runs    int
	lastRun time.Time
}

func (e *Entry) ID() int { return int(e.id) }

func (e *Entry) Status() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.status
}

// Err is the error of the last run, nil after a success.
func (e *Entry) Err() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.err
}

// Runs counts finished runs, failed ones included.
func (e *Entry) Runs() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.runs
}

func (e *Entry) LastRun() time.Time {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastRun
}

// Next is the next activation after now in the scheduler location, zero
// once terminal.
func (e *Entry) Next() time.Time {
	if e.Status().Terminal() {
		return time.Time{}
	}
	return e.schedule.Next(time.Now().In(e.scheduler.location))
}

// Done is closed when the entry is cancelled or its scheduler stopped.
func (e *Entry) Done() <-chan struct{} {
	return e.done
}

// Cancel removes the entry from the schedule. A run in progress finishes.
func (e *Entry) Cancel() {
	e.scheduler.remove(e.id)
	e.terminate(StatusCanceled)
}

func (e *Entry) begin() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status.Terminal() {
		return false
	}
	e.status = StatusRunning
	return true
}

func (e *Entry) finish(err error, at time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.runs++
	e.lastRun = at
	e.err = err
	if e.status.Terminal() {
		return
	}
	if err != nil {
		e.status = StatusFailed
	} else {
		e.status = StatusIdle
	}
}

func (e *Entry) terminate(status Status) {
	e.once.Do(func() {
		e.mu.Lock()
		e.status = status
		e.mu.Unlock()
		close(e.done)
	})
}

func (e *Entry) label() string {
	if e.name != "" {
		return e.name
	}
	return fmt.Sprintf("#%d (%s)", e.id, e.expression)
}
